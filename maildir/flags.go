package maildir

import (
	"github.com/emersion/go-maildir"
	"github.com/infodancer/mailstore/flags"
)

// maildirInfo maps system flags to their maildir info letters.
var maildirInfo = []struct {
	flag flags.Flags
	info maildir.Flag
}{
	{flags.Draft, maildir.FlagDraft},
	{flags.Flagged, maildir.FlagFlagged},
	{flags.Answered, maildir.FlagReplied},
	{flags.Seen, maildir.FlagSeen},
	{flags.Deleted, maildir.FlagTrashed},
}

// maildirFlags converts IMAP flag names to maildir flags. Keywords are
// returned separately; \Recent is dropped.
func maildirFlags(names []string) ([]maildir.Flag, []string) {
	f, keywords := flags.FromIMAP(names)
	var result []maildir.Flag
	for _, m := range maildirInfo {
		if f.Has(m.flag) {
			result = append(result, m.info)
		}
	}
	return result, keywords
}

// convertFlags converts go-maildir flags to IMAP flag strings.
func convertFlags(info []maildir.Flag) []string {
	var f flags.Flags
	for _, i := range info {
		for _, m := range maildirInfo {
			if m.info == i {
				f |= m.flag
			}
		}
	}
	return f.IMAP()
}

func hasFlag(info []maildir.Flag, flag maildir.Flag) bool {
	for _, f := range info {
		if f == flag {
			return true
		}
	}
	return false
}

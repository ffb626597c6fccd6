// Package flags encodes per-message flags and keywords.
//
// In an mbox file the flags live in synthesized header lines of each
// message:
//
//	Status: RO
//	X-Status: DFAT
//	X-Keywords: $Label1 todo
//	X-UID: 42
//
// and the mailbox-wide keyword table and UID state in the X-IMAP header of the
// pseudo-message. The same flag semantics are also available as a fixed-width
// numeric string for formats that pack flags into a single field.
package flags

import (
	"strings"

	"github.com/emersion/go-imap"
)

// Flags is a set of system flags.
type Flags uint8

const (
	Seen Flags = 1 << iota
	Deleted
	Flagged
	Answered
	Draft
	Recent
)

// System holds the flags a client may set or clear. Recent is maintained by
// the store.
const System = Seen | Deleted | Flagged | Answered | Draft

// UserFlags is a bitmask of keyword table slots.
type UserFlags uint32

// Has reports whether all flags in x are set.
func (f Flags) Has(x Flags) bool {
	return f&x == x
}

var imapNames = []struct {
	flag Flags
	name string
}{
	{Seen, imap.SeenFlag},
	{Answered, imap.AnsweredFlag},
	{Flagged, imap.FlaggedFlag},
	{Deleted, imap.DeletedFlag},
	{Draft, imap.DraftFlag},
	{Recent, imap.RecentFlag},
}

// IMAP returns the IMAP names of the set flags.
func (f Flags) IMAP() []string {
	var names []string
	for _, n := range imapNames {
		if f.Has(n.flag) {
			names = append(names, n.name)
		}
	}
	return names
}

func (f Flags) String() string {
	return strings.Join(f.IMAP(), " ")
}

// FromIMAP splits IMAP flag names into system flags and keywords. \Recent is
// ignored, it cannot be set by a client. Names are case-insensitive.
func FromIMAP(names []string) (Flags, []string) {
	var f Flags
	var keywords []string
next:
	for _, name := range names {
		if strings.EqualFold(name, imap.RecentFlag) {
			continue
		}
		for _, n := range imapNames {
			if strings.EqualFold(name, n.name) {
				f |= n.flag
				continue next
			}
		}
		if len(name) > 0 && name[0] != '\\' {
			keywords = append(keywords, name)
		}
	}
	return f, keywords
}

package flags

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// Field identifies a header line carrying mailbox or message state.
type Field int

const (
	Other Field = iota
	StatusField
	XStatusField
	KeywordsField
	UIDField
	IMAPField
	IMAPBaseField
)

var fieldNames = []struct {
	field  Field
	prefix string
}{
	{StatusField, "status:"},
	{XStatusField, "x-status:"},
	{KeywordsField, "x-keywords:"},
	{UIDField, "x-uid:"},
	{IMAPBaseField, "x-imapbase:"},
	{IMAPField, "x-imap:"},
}

// FieldOf classifies a header line by its field name.
func FieldOf(line []byte) Field {
	if len(line) == 0 || (line[0] != 's' && line[0] != 'S' && line[0] != 'x' && line[0] != 'X') {
		return Other
	}
	for _, f := range fieldNames {
		if len(line) >= len(f.prefix) && strings.EqualFold(string(line[:len(f.prefix)]), f.prefix) {
			return f.field
		}
	}
	return Other
}

// Status is the state of one message as stored in its header.
type Status struct {
	Flags Flags
	User  UserFlags

	// UID is the explicit X-UID, 0 if none.
	UID uint32
}

// EncodeOptions controls Encode.
type EncodeOptions struct {
	// UID writes an X-UID line when Status.UID is non-zero.
	UID bool

	// KeepRecent omits the "O" marker for recent messages. Without it every
	// message is written as old.
	KeepRecent bool
}

// Encode returns the Status, X-Status and X-Keywords lines for st, and the
// X-UID line if requested.
func Encode(st Status, kw *Keywords, opts EncodeOptions) []byte {
	return AppendStatus(nil, st, kw, opts)
}

// AppendStatus appends the encoded status lines to b.
func AppendStatus(b []byte, st Status, kw *Keywords, opts EncodeOptions) []byte {
	b = append(b, "Status: "...)
	if st.Flags.Has(Seen) {
		b = append(b, 'R')
	}
	if !opts.KeepRecent || !st.Flags.Has(Recent) {
		b = append(b, 'O')
	}
	b = append(b, "\nX-Status: "...)
	if st.Flags.Has(Deleted) {
		b = append(b, 'D')
	}
	if st.Flags.Has(Flagged) {
		b = append(b, 'F')
	}
	if st.Flags.Has(Answered) {
		b = append(b, 'A')
	}
	if st.Flags.Has(Draft) {
		b = append(b, 'T')
	}
	b = append(b, "\nX-Keywords:"...)
	if kw != nil {
		for _, name := range kw.Select(st.User) {
			b = append(b, ' ')
			b = append(b, name...)
		}
	}
	b = append(b, '\n')
	if opts.UID && st.UID != 0 {
		b = append(b, "X-UID: "...)
		b = strconv.AppendUint(b, uint64(st.UID), 10)
		b = append(b, '\n')
	}
	return b
}

// Decode folds one header line into st and returns which field it was. A
// Status line clears Recent if it carries "O"; callers start each message as
// Recent. Unknown keywords are registered when register is set; a keyword
// that does not fit is skipped and reported with an error wrapping
// errors.ErrKeywordTableFull, the rest of the line still applies. IMAP and
// IMAPBase lines are only classified, see ParseMeta.
func Decode(line []byte, st *Status, kw *Keywords, register bool) (Field, error) {
	f := FieldOf(line)
	if f == Other {
		return f, nil
	}
	value := bytes.TrimSpace(line[bytes.IndexByte(line, ':')+1:])
	switch f {
	case StatusField:
		for _, c := range value {
			switch c {
			case 'R':
				st.Flags |= Seen
			case 'O':
				st.Flags &^= Recent
			}
		}
	case XStatusField:
		for _, c := range value {
			switch c {
			case 'D':
				st.Flags |= Deleted
			case 'F':
				st.Flags |= Flagged
			case 'A':
				st.Flags |= Answered
			case 'T':
				st.Flags |= Draft
			}
		}
	case KeywordsField:
		if kw == nil {
			return f, nil
		}
		mask, err := kw.Mask(strings.Fields(string(value)), register)
		st.User |= mask
		return f, err
	case UIDField:
		uid, err := strconv.ParseUint(string(value), 10, 32)
		if err != nil {
			return f, fmt.Errorf("x-uid %q: %w", value, err)
		}
		st.UID = uint32(uid)
	}
	return f, nil
}

// Meta is the mailbox state carried by an X-IMAP or X-IMAPbase header.
type Meta struct {
	UIDValidity uint32
	UIDLast     uint32
	Keywords    []string
}

// ParseMeta parses an X-IMAP or X-IMAPbase line.
func ParseMeta(line []byte) (Meta, error) {
	var m Meta
	i := bytes.IndexByte(line, ':')
	if i < 0 {
		return m, fmt.Errorf("no colon in meta header")
	}
	t := strings.Fields(string(line[i+1:]))
	if len(t) < 2 {
		return m, fmt.Errorf("meta header: missing uid validity or last uid")
	}
	v, err := strconv.ParseUint(t[0], 10, 32)
	if err != nil || v == 0 {
		return m, fmt.Errorf("meta header: bad uid validity %q", t[0])
	}
	last, err := strconv.ParseUint(t[1], 10, 32)
	if err != nil {
		return m, fmt.Errorf("meta header: bad last uid %q", t[1])
	}
	m.UIDValidity = uint32(v)
	m.UIDLast = uint32(last)
	m.Keywords = t[2:]
	return m, nil
}

// AppendMeta appends an X-IMAP line (X-IMAPbase if base is set) for m. The
// numbers are zero-padded to a fixed width.
func AppendMeta(b []byte, base bool, m Meta) []byte {
	if base {
		b = append(b, "X-IMAPbase: "...)
	} else {
		b = append(b, "X-IMAP: "...)
	}
	b = fmt.Appendf(b, "%010d %010d", m.UIDValidity, m.UIDLast)
	for _, k := range m.Keywords {
		b = append(b, ' ')
		b = append(b, k...)
	}
	return append(b, '\n')
}

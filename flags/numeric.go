package flags

import (
	"fmt"
	"strconv"
)

// Bits of the packed system flag field. Old is the inverse of Recent.
const (
	bitSeen     = 1
	bitDeleted  = 2
	bitFlagged  = 4
	bitAnswered = 8
	bitOld      = 16
	bitDraft    = 32
)

// NumericCodec packs user and system flags into one fixed-width string of
// digits in Radix 16 or 8: the user mask followed by the system bits.
type NumericCodec struct {
	Radix int
}

var (
	// Hex encodes as 8 hex digits of user flags and 4 of system flags.
	Hex = NumericCodec{Radix: 16}

	// Octal encodes as 12 octal digits of user flags and 2 of system flags.
	Octal = NumericCodec{Radix: 8}
)

func (c NumericCodec) widths() (int, int) {
	if c.Radix == 8 {
		return 12, 2
	}
	return 8, 4
}

// Width returns the length of an encoded value.
func (c NumericCodec) Width() int {
	u, s := c.widths()
	return u + s
}

// Encode returns the packed flags of st. The UID is not included.
func (c NumericCodec) Encode(st Status) string {
	var sys uint64
	if st.Flags.Has(Seen) {
		sys |= bitSeen
	}
	if st.Flags.Has(Deleted) {
		sys |= bitDeleted
	}
	if st.Flags.Has(Flagged) {
		sys |= bitFlagged
	}
	if st.Flags.Has(Answered) {
		sys |= bitAnswered
	}
	if !st.Flags.Has(Recent) {
		sys |= bitOld
	}
	if st.Flags.Has(Draft) {
		sys |= bitDraft
	}
	uw, sw := c.widths()
	verb := "%0*x%0*x"
	if c.Radix == 8 {
		verb = "%0*o%0*o"
	}
	return fmt.Sprintf(verb, uw, uint64(st.User), sw, sys)
}

// Decode parses a packed flag string.
func (c NumericCodec) Decode(s string) (Status, error) {
	var st Status
	uw, sw := c.widths()
	if len(s) != uw+sw {
		return st, fmt.Errorf("packed flags %q: want %d digits", s, uw+sw)
	}
	user, err := strconv.ParseUint(s[:uw], c.Radix, 32)
	if err != nil {
		return st, fmt.Errorf("packed user flags %q: %w", s[:uw], err)
	}
	sys, err := strconv.ParseUint(s[uw:], c.Radix, 16)
	if err != nil {
		return st, fmt.Errorf("packed system flags %q: %w", s[uw:], err)
	}
	st.User = UserFlags(user)
	if sys&bitSeen != 0 {
		st.Flags |= Seen
	}
	if sys&bitDeleted != 0 {
		st.Flags |= Deleted
	}
	if sys&bitFlagged != 0 {
		st.Flags |= Flagged
	}
	if sys&bitAnswered != 0 {
		st.Flags |= Answered
	}
	if sys&bitOld == 0 {
		st.Flags |= Recent
	}
	if sys&bitDraft != 0 {
		st.Flags |= Draft
	}
	return st, nil
}

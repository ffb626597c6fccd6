// Package envelope recognizes and writes the "From " lines that separate
// messages in an mbox file.
//
// Recognition works backwards from the end of the line, because the sender
// between "From " and the date may itself contain spaces. A line is an
// envelope line only if the tail matches one of a fixed, ordered set of
// historical date layouts:
//
//	From foo Wed Dec  2 05:53 1992                  NoZone
//	From foo Wed Dec  2 05:53:22 PST 1992           ZoneBeforeYear
//	From foo Wed Dec  2 05:53 -0700 1992            NumericZoneBeforeYear
//	From foo Wed Dec  2 05:53:22 1992 PST           YearBeforeZone
//	From foo Wed Dec  2 05:53:22 1992 -0700         YearBeforeNumericZone
//
// Seconds are optional in every layout, and a trailing "remote from host"
// clause is ignored.
package envelope

import "bytes"

// Dialect identifies the layout of the date at the end of an envelope line.
type Dialect int

const (
	NoZone Dialect = iota + 1
	ZoneBeforeYear
	NumericZoneBeforeYear
	YearBeforeZone
	YearBeforeNumericZone
)

func (d Dialect) String() string {
	switch d {
	case NoZone:
		return "no-zone"
	case ZoneBeforeYear:
		return "zone-before-year"
	case NumericZoneBeforeYear:
		return "numeric-zone-before-year"
	case YearBeforeZone:
		return "year-before-zone"
	case YearBeforeNumericZone:
		return "year-before-numeric-zone"
	}
	return "unknown"
}

// Prefix starts every envelope line.
const Prefix = "From "

const (
	// minLength is "From " plus the shortest plausible date.
	minLength = len(Prefix) + 22

	// remoteFromLength is the shortest line checked for a "remote from" clause.
	remoteFromLength = 41

	remoteFrom = " remote from"
)

// Match describes a recognized envelope line. Offsets index the line passed
// to Classify.
type Match struct {
	Dialect Dialect

	// End is the end of the date text, after any CR and "remote from" clause.
	End int

	// Time is the offset of the space before the hh:mm field.
	Time int

	// Zone is the offset of the first byte of the zone, or 0 without zone.
	Zone int

	Seconds    bool
	RemoteFrom bool
}

// matcher tests one dialect. guard is an offset from the end of the date text
// that must hold a space for the matcher to be considered. Once a guard holds,
// matchers with a different guard are not tried.
type matcher struct {
	dialect Dialect
	guard   int
	match   func(l []byte, x int) (ti, zn int, ok bool)
}

// matchers are evaluated in order. The order is part of the format: a line
// that fits several layouts is classified by the first.
var matchers = []matcher{
	{NoZone, -5, func(l []byte, x int) (int, int, bool) {
		return -5, 0, at(l, x-8) == ':'
	}},
	{ZoneBeforeYear, -5, func(l []byte, x int) (int, int, bool) {
		return -9, -9, at(l, x-9) == ' '
	}},
	{NumericZoneBeforeYear, -5, func(l []byte, x int) (int, int, bool) {
		return -11, -11, at(l, x-11) == ' ' && isSign(at(l, x-10))
	}},
	{YearBeforeZone, -4, func(l []byte, x int) (int, int, bool) {
		return -9, -4, at(l, x-9) == ' '
	}},
	{YearBeforeNumericZone, -6, func(l []byte, x int) (int, int, bool) {
		return -11, -6, at(l, x-11) == ' ' && isSign(at(l, x-5))
	}},
}

// Classify reports whether line, including its newline, is an envelope line.
// It never fails; a false result means ordinary text.
func Classify(line []byte) (Match, bool) {
	if !bytes.HasPrefix(line, []byte(Prefix)) {
		return Match{}, false
	}
	nl := bytes.IndexByte(line[len(Prefix):], '\n')
	if nl < 0 {
		return Match{}, false
	}
	x := len(Prefix) + nl
	if line[x-1] == '\r' {
		x--
	}

	var m Match
	if x >= remoteFromLength {
		sp := x - 1
		for sp >= 0 && line[sp] != ' ' {
			sp--
		}
		if sp >= len(remoteFrom) && string(line[sp-len(remoteFrom):sp]) == remoteFrom {
			x = sp - len(remoteFrom)
			m.RemoteFrom = true
		}
	}
	if x < minLength {
		return Match{}, false
	}

	ti, zn := 0, 0
	guard := 0
	for _, mt := range matchers {
		if guard != 0 && mt.guard != guard {
			break
		}
		if at(line, x+mt.guard) != ' ' {
			continue
		}
		guard = mt.guard
		if t, z, ok := mt.match(line, x); ok {
			ti, zn = t, z
			m.Dialect = mt.dialect
			break
		}
	}
	if m.Dialect == 0 {
		return Match{}, false
	}

	// hh:mm[:ss] and the spaces around day, month and weekday.
	if at(line, x+ti-3) != ':' {
		return Match{}, false
	}
	if at(line, x+ti-6) == ':' {
		ti -= 9
		m.Seconds = true
	} else {
		ti -= 6
	}
	if at(line, x+ti) != ' ' || at(line, x+ti-3) != ' ' || at(line, x+ti-7) != ' ' || at(line, x+ti-11) != ' ' {
		return Match{}, false
	}

	m.End = x
	m.Time = x + ti
	if zn != 0 {
		m.Zone = x + zn + 1
	}
	return m, true
}

// IsQuotable reports whether a content line would be mistaken for an envelope
// line and must be written with a ">" prefix.
func IsQuotable(line []byte) bool {
	_, ok := Classify(line)
	return ok
}

func at(l []byte, i int) byte {
	if i < 0 || i >= len(l) {
		return 0
	}
	return l[i]
}

func isSign(c byte) bool {
	return c == '+' || c == '-'
}

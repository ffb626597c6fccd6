package envelope

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/infodancer/mailstore/errors"
)

// dateLayout is the ctime layout followed by a numeric zone, as written by
// Format.
const dateLayout = "Mon Jan _2 15:04:05 2006 -0700"

var months = map[string]time.Month{
	"jan": time.January, "feb": time.February, "mar": time.March,
	"apr": time.April, "may": time.May, "jun": time.June,
	"jul": time.July, "aug": time.August, "sep": time.September,
	"oct": time.October, "nov": time.November, "dec": time.December,
}

// zones maps the alphabetic zones seen in envelope lines to UTC offsets in
// minutes.
var zones = map[string]int{
	"UT": 0, "UTC": 0, "GMT": 0, "WET": 0,
	"BST": 60, "CET": 60, "MET": 60, "MEZ": 60, "IST": 60,
	"EET": 120, "CEST": 120, "MES": 120, "MSK": 180,
	"JST": 540, "KST": 540, "HKT": 480, "SGT": 480,
	"AST": -240, "ADT": -180,
	"EST": -300, "EDT": -240,
	"CST": -360, "CDT": -300,
	"MST": -420, "MDT": -360,
	"PST": -480, "PDT": -420,
	"YST": -540, "YDT": -480,
	"HST": -600, "NZT": 720, "NZST": 720, "NZDT": 780,
}

// Date decodes the internal date of a matched envelope line. Lines without a
// zone are interpreted in loc. If a field cannot be decoded the returned error
// wraps errors.ErrDateUnparsable and the time is a best effort: the date in
// loc when only the zone is unknown, the Unix epoch otherwise.
func (m Match) Date(line []byte, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.Local
	}
	epoch := time.Unix(0, 0).UTC()
	t := m.Time
	if t < 11 || m.End > len(line) {
		return epoch, fmt.Errorf("%w: short line", errors.ErrDateUnparsable)
	}

	month, ok := months[strings.ToLower(string(line[t-6:t-3]))]
	if !ok {
		return epoch, fmt.Errorf("%w: month %q", errors.ErrDateUnparsable, line[t-6:t-3])
	}
	day, ok1 := number(bytes.TrimLeft(line[t-2:t], " "))
	hour, ok2 := number(line[t+1 : t+3])
	minute, ok3 := number(line[t+4 : t+6])
	sec, ok4 := 0, true
	if m.Seconds {
		sec, ok4 = number(line[t+7 : t+9])
	}

	var year []byte
	var zone []byte
	x := m.End
	switch m.Dialect {
	case NoZone:
		year = line[x-4 : x]
	case ZoneBeforeYear:
		year, zone = line[x-4:x], line[x-8:x-5]
	case NumericZoneBeforeYear:
		year, zone = line[x-4:x], line[x-10:x-5]
	case YearBeforeZone:
		year, zone = line[x-8:x-4], line[x-3:x]
	case YearBeforeNumericZone:
		year, zone = line[x-10:x-6], line[x-5:x]
	}
	y, ok5 := number(year)

	if !ok1 || !ok2 || !ok3 || !ok4 || !ok5 || day < 1 || day > 31 || hour > 23 || minute > 59 || sec > 60 {
		return epoch, fmt.Errorf("%w: %q", errors.ErrDateUnparsable, line[t-10:x])
	}

	zloc := loc
	var zerr error
	if zone != nil {
		zloc, zerr = zoneLocation(zone)
		if zerr != nil {
			zloc = loc
		}
	}
	return time.Date(y, month, day, hour, minute, sec, 0, zloc), zerr
}

func zoneLocation(zone []byte) (*time.Location, error) {
	z := string(zone)
	if isSign(zone[0]) {
		hh, ok1 := number(zone[1:3])
		mm, ok2 := number(zone[3:5])
		if !ok1 || !ok2 || hh > 23 || mm > 59 {
			return nil, fmt.Errorf("%w: zone %q", errors.ErrDateUnparsable, z)
		}
		off := (hh*60 + mm) * 60
		if zone[0] == '-' {
			off = -off
		}
		return time.FixedZone(z, off), nil
	}
	off, ok := zones[strings.ToUpper(z)]
	if !ok {
		return nil, fmt.Errorf("%w: zone %q", errors.ErrDateUnparsable, z)
	}
	return time.FixedZone(strings.ToUpper(z), off*60), nil
}

func number(b []byte) (int, bool) {
	if len(b) == 0 {
		return 0, false
	}
	n := 0
	for _, c := range b {
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int(c-'0')
	}
	return n, true
}

// Format returns an envelope line for sender and t, including the newline.
// The date is in ctime layout followed by a numeric zone, so the line
// classifies as YearBeforeNumericZone.
func Format(sender string, t time.Time) []byte {
	sender = strings.Map(func(r rune) rune {
		if r == '\r' || r == '\n' || r == '\t' {
			return '_'
		}
		return r
	}, strings.TrimSpace(sender))
	if sender == "" {
		sender = "MAILER-DAEMON"
	}
	b := make([]byte, 0, len(Prefix)+len(sender)+len(dateLayout)+2)
	b = append(b, Prefix...)
	b = append(b, sender...)
	b = append(b, ' ')
	b = t.AppendFormat(b, dateLayout)
	return append(b, '\n')
}

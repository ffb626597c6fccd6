package mbox

import (
	"time"

	"github.com/infodancer/mailstore/flags"
)

// Message is the index entry of one message. Offsets are absolute file
// positions; lengths are raw byte counts on disk. Sizes are byte counts with
// CRLF line endings and without the status header lines, as served by the
// fetch methods.
type Message struct {
	UID uint32

	// Offset is the start of the envelope line.
	Offset int64

	// The header block includes its terminating blank line.
	HeaderOffset int64
	HeaderLen    int64
	HeaderSize   int64

	// The body excludes the blank line separating it from the next message.
	BodyOffset int64
	BodyLen    int64
	BodySize   int64

	// Size is HeaderSize plus BodySize.
	Size int64

	Flags        flags.Flags
	Keywords     flags.UserFlags
	InternalDate time.Time

	// Sender is the address of the envelope line.
	Sender string

	// dirty is set when the flags differ from the status lines on disk.
	dirty bool

	// appended marks messages added by this session. They stay recent for
	// other sessions when the file is rewritten.
	appended bool
}

// End returns the offset just past the body.
func (m *Message) End() int64 {
	return m.BodyOffset + m.BodyLen
}

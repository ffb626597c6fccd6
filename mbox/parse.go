package mbox

import (
	"bufio"
	"bytes"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/exp/maps"

	"github.com/infodancer/mailstore/envelope"
	"github.com/infodancer/mailstore/errors"
	"github.com/infodancer/mailstore/flags"
)

// sync brings the index up to date with the file. Only bytes appended since
// the previous pass are read. The caller holds a lock.
func (mb *Mailbox) sync() (SyncReport, error) {
	if mb.fatal != nil {
		return SyncReport{}, mb.fatal
	}
	info, err := mb.f.Stat()
	if err != nil {
		return SyncReport{}, fmt.Errorf("stat mailbox: %w", err)
	}
	size := info.Size()
	if size < mb.size {
		metricSync.WithLabelValues("error").Inc()
		return SyncReport{}, mb.poison(fmt.Errorf("%w: from %d to %d bytes", errors.ErrMailboxShrank, mb.size, size))
	}

	if !mb.inconsistent {
		if size == mb.size && !info.ModTime().Equal(mb.mtime) && mb.size > 0 {
			// Same size, new contents: flags were rewritten elsewhere.
			mb.inconsistent = true
		} else if ok, err := mb.tailIntact(); err != nil {
			return SyncReport{}, err
		} else if !ok {
			mb.inconsistent = true
		}
		if mb.inconsistent {
			mb.log.Info("mailbox rewritten by another process, reparsing")
		}
	}

	var report SyncReport
	if mb.inconsistent {
		report, err = mb.reparse(size)
	} else {
		var n int
		n, err = mb.parse(size)
		if err == nil {
			metricSync.WithLabelValues("ok").Inc()
			report = mb.report(n)
		}
	}
	if err != nil {
		metricSync.WithLabelValues("error").Inc()
		if stderrors.Is(err, errors.ErrFormatInvalidated) || stderrors.Is(err, errors.ErrLineTooLong) {
			return SyncReport{}, mb.poison(err)
		}
		return SyncReport{}, err
	}
	mb.mtime = info.ModTime()

	if mb.uidValidity == 0 {
		mb.uidValidity = newUIDValidity(0)
		if !mb.readOnly {
			mb.dirty = true
		}
	}
	return report, nil
}

// tailIntact reports whether the last envelope line parsed and the bytes
// before the indexed end are still where they were. A mismatch means the file
// was rewritten.
func (mb *Mailbox) tailIntact() (bool, error) {
	for _, c := range []struct {
		want []byte
		off  int64
	}{
		{mb.tail, mb.tailOffset},
		{mb.end, mb.size - int64(len(mb.end))},
	} {
		if len(c.want) == 0 {
			continue
		}
		buf := make([]byte, len(c.want))
		if _, err := mb.f.ReadAt(buf, c.off); err == io.EOF {
			return false, nil
		} else if err != nil {
			return false, fmt.Errorf("read mailbox: %w", err)
		}
		if !bytes.Equal(buf, c.want) {
			return false, nil
		}
	}
	return true, nil
}

// endMarkLen is how many bytes before the indexed end are remembered.
const endMarkLen = 64

// markEnd remembers the bytes before size.
func (mb *Mailbox) markEnd(size int64) error {
	buf := make([]byte, min(size, endMarkLen))
	if _, err := mb.f.ReadAt(buf, size-int64(len(buf))); err != nil {
		return fmt.Errorf("read mailbox: %w", err)
	}
	mb.end = buf
	return nil
}

// reparse rebuilds the index from offset 0, keeping flag changes not yet
// written and reporting messages that disappeared.
func (mb *Mailbox) reparse(size int64) (SyncReport, error) {
	type pending struct {
		flags    flags.Flags
		keywords []string
	}
	oldValidity := mb.uidValidity
	oldTrusted := mb.trustUIDs
	old := make(map[uint32]bool, len(mb.messages))
	changed := map[uint32]pending{}
	appended := map[uint32]bool{}
	for _, m := range mb.messages {
		old[m.UID] = true
		if m.appended {
			appended[m.UID] = true
		}
		if m.dirty {
			changed[m.UID] = pending{m.Flags, mb.kw.Select(m.Keywords)}
		}
	}

	mb.messages = nil
	mb.size = 0
	mb.pseudoEnd = 0
	mb.uidValidity = 0
	mb.uidLast = 0
	mb.trustUIDs = false
	mb.tail = nil
	mb.tailOffset = 0
	mb.end = nil
	mb.kw = flags.NewKeywords(mb.cfg.MaxKeywords)
	mb.inconsistent = false

	if _, err := mb.parse(size); err != nil {
		return SyncReport{}, err
	}
	metricSync.WithLabelValues("reparse").Inc()

	if mb.uidValidity == 0 && !oldTrusted && oldValidity != 0 {
		// Neither before nor now does the file carry UID state, so UIDs are
		// still sequential and the epoch minted for this session holds.
		mb.uidValidity = oldValidity
		if !mb.readOnly {
			mb.dirty = true
		}
	}

	var report SyncReport
	if oldValidity != 0 && mb.uidValidity != oldValidity {
		report = mb.report(len(mb.messages))
		report.UIDValidityChanged = true
		return report, nil
	}

	for _, m := range mb.messages {
		if !old[m.UID] {
			report.New++
		}
		delete(old, m.UID)
		if appended[m.UID] {
			m.appended = true
			if _, ok := changed[m.UID]; !ok {
				m.dirty = false
			}
		}
		if p, ok := changed[m.UID]; ok {
			mask, _ := mb.kw.Mask(p.keywords, !mb.readOnly)
			m.Flags = p.flags
			m.Keywords = mask
			m.dirty = true
			mb.dirty = true
		}
	}
	r := mb.report(report.New)
	if len(old) > 0 {
		r.Expunged = sortUIDs(maps.Keys(old))
	}
	return r, nil
}

// newUIDValidity returns a validity from the clock that differs from old.
func newUIDValidity(old uint32) uint32 {
	v := uint32(time.Now().Unix())
	if v <= old {
		v = old + 1
	}
	return v
}

// invalidateUIDs starts a new UID validity epoch.
func (mb *Mailbox) invalidateUIDs(offset int64, uid, prev uint32) {
	old := mb.uidValidity
	mb.uidValidity = newUIDValidity(old)
	if !mb.readOnly {
		mb.dirty = true
	}
	metricUIDValidity.Inc()
	mb.log.Warn("inconsistent x-uid, invalidating uid validity",
		slog.Int64("offset", offset),
		slog.Uint64("uid", uint64(uid)),
		slog.Uint64("previous", uint64(prev)),
		slog.Uint64("last", uint64(mb.uidLast)),
		slog.Uint64("oldvalidity", uint64(old)),
		slog.Uint64("newvalidity", uint64(mb.uidValidity)))
}

// parser reads lines of one parse pass.
type parser struct {
	mb *Mailbox
	r  *bufio.Reader

	// line is the current line, empty at end of file. It is only valid until
	// the next call to next.
	line    []byte
	lineOff int64
	pos     int64

	// sequential is set once the UID epoch was invalidated in this pass.
	sequential bool
}

func (p *parser) next() error {
	p.lineOff = p.pos
	line, err := p.r.ReadSlice('\n')
	if err == bufio.ErrBufferFull {
		return fmt.Errorf("%w: at offset %d", errors.ErrLineTooLong, p.pos)
	} else if err != nil && err != io.EOF {
		return fmt.Errorf("read mailbox: %w", err)
	}
	p.pos += int64(len(line))
	p.line = line
	return nil
}

// parse indexes the messages between the previous size and end, and returns
// the number of messages added. A failed pass leaves the index as it was.
func (mb *Mailbox) parse(end int64) (added int, err error) {
	start := mb.size
	if end == start {
		return 0, nil
	}
	count, uidLast, uidValidity, trustUIDs := len(mb.messages), mb.uidLast, mb.uidValidity, mb.trustUIDs
	tail, tailOffset, pseudoEnd := mb.tail, mb.tailOffset, mb.pseudoEnd
	defer func() {
		if err != nil {
			mb.messages = mb.messages[:count]
			mb.uidLast, mb.uidValidity, mb.trustUIDs = uidLast, uidValidity, trustUIDs
			mb.tail, mb.tailOffset, mb.pseudoEnd = tail, tailOffset, pseudoEnd
		}
	}()
	p := &parser{
		mb:  mb,
		r:   bufio.NewReaderSize(io.NewSectionReader(mb.f, start, end-start), mb.cfg.MaxLineLength),
		pos: start,
	}
	if err := p.next(); err != nil {
		return 0, err
	}
	if start > 0 && isBlank(p.line) {
		// Separator written by the appender before its message.
		if err := p.next(); err != nil {
			return 0, err
		}
	}

	for len(p.line) > 0 {
		m, ok := envelope.Classify(p.line)
		if !ok {
			return 0, fmt.Errorf("%w: no envelope line at offset %d", errors.ErrFormatInvalidated, p.lineOff)
		}
		visible, err := p.message(m)
		if err != nil {
			return 0, err
		}
		if visible {
			added++
		}
	}
	if err := mb.markEnd(end); err != nil {
		return 0, err
	}
	mb.size = end
	metricParsed.Add(float64(added))
	return added, nil
}

// message parses one message starting at the envelope line in p.line. It
// returns with p.line at the next envelope line or at end of file.
func (p *parser) message(em envelope.Match) (bool, error) {
	mb := p.mb
	env := append([]byte(nil), p.line...)
	msg := &Message{
		Offset:       p.lineOff,
		HeaderOffset: p.pos,
		Sender:       envelopeSender(env, em),
	}
	date, err := em.Date(env, mb.cfg.Location)
	if err != nil {
		mb.log.Warn("envelope date", slog.Int64("offset", msg.Offset), slog.Any("err", err))
	}
	msg.InternalDate = date

	first := msg.Offset == 0 && mb.pseudoEnd == 0 && len(mb.messages) == 0
	st := flags.Status{Flags: flags.Recent}
	var meta *flags.Meta
	pseudo := false

	// field is a status header being collected with its continuation lines.
	var field []byte
	flush := func() {
		if field == nil {
			return
		}
		switch f := flags.FieldOf(field); f {
		case flags.IMAPField, flags.IMAPBaseField:
			if !first || meta != nil {
				break
			}
			m, err := flags.ParseMeta(field)
			if err != nil {
				mb.log.Warn("ignoring mailbox state header", slog.Int64("offset", msg.Offset), slog.Any("err", err))
				break
			}
			meta = &m
			pseudo = f == flags.IMAPField
			for _, k := range m.Keywords {
				if _, err := mb.kw.Register(k); err != nil {
					mb.log.Warn("keyword table", slog.Any("err", err))
				}
			}
		default:
			known := mb.kw.Len()
			if _, err := flags.Decode(field, &st, mb.kw, !mb.readOnly); err != nil {
				mb.log.Warn("status header", slog.Int64("offset", msg.Offset), slog.Any("err", err))
			}
			if mb.kw.Len() != known {
				mb.dirty = true
			}
		}
		field = nil
	}

	var headerSize int64
	terminated := false
	for {
		if err := p.next(); err != nil {
			return false, err
		}
		line := p.line
		if len(line) == 0 {
			break
		}
		if isBlank(line) {
			terminated = true
			headerSize += 2
			break
		}
		if _, ok := envelope.Classify(line); ok {
			break
		}
		if isContinuation(line) && field != nil {
			field = append(field, line...)
			continue
		}
		flush()
		if flags.FieldOf(line) != flags.Other {
			field = append([]byte(nil), line...)
			continue
		}
		headerSize += headerLineSize(line)
	}
	flush()

	if terminated {
		msg.HeaderLen = p.pos - msg.HeaderOffset
	} else {
		msg.HeaderLen = p.lineOff - msg.HeaderOffset
		headerSize += 2
	}
	msg.HeaderSize = headerSize
	msg.BodyOffset = msg.HeaderOffset + msg.HeaderLen

	if terminated {
		// A blank line is held back until it is known not to be the
		// separator before the next message.
		var held int64
		for {
			if err := p.next(); err != nil {
				return false, err
			}
			line := p.line
			if len(line) == 0 {
				break
			}
			if _, ok := envelope.Classify(line); ok {
				break
			}
			if held > 0 {
				msg.BodyLen += held
				msg.BodySize += 2
				held = 0
			}
			if isBlank(line) {
				held = int64(len(line))
				continue
			}
			msg.BodyLen += int64(len(line))
			msg.BodySize += crlfSize(line)
		}
	}
	msg.Size = msg.HeaderSize + msg.BodySize

	mb.tail = env
	mb.tailOffset = msg.Offset

	if meta != nil {
		mb.uidValidity = meta.UIDValidity
		mb.uidLast = meta.UIDLast
		mb.trustUIDs = true
	}
	if pseudo {
		mb.pseudoEnd = p.lineOff
		return false, nil
	}

	var prev uint32
	if n := len(mb.messages); n > 0 {
		prev = mb.messages[n-1].UID
	}
	switch {
	case st.UID == 0 || !mb.trustUIDs || p.sequential:
		mb.uidLast++
		msg.UID = mb.uidLast
	case st.UID > prev && st.UID <= mb.uidLast:
		msg.UID = st.UID
	default:
		mb.invalidateUIDs(msg.Offset, st.UID, prev)
		p.sequential = true
		mb.uidLast++
		msg.UID = mb.uidLast
	}

	msg.Flags = st.Flags
	msg.Keywords = st.User
	if msg.Flags.Has(flags.Recent) && !mb.readOnly {
		// Recent stays for this session; the file gets "O" at the next
		// checkpoint so no later session sees the message as new.
		msg.dirty = true
		mb.dirty = true
	}
	mb.messages = append(mb.messages, msg)
	return true, nil
}

// envelopeSender returns the sender field of an envelope line: the text
// between "From " and the weekday.
func envelopeSender(line []byte, m envelope.Match) string {
	end := m.Time - len("Wed Dec  2 ")
	if end <= len(envelope.Prefix) {
		return ""
	}
	return string(bytes.TrimSpace(line[len(envelope.Prefix):end]))
}

func isBlank(line []byte) bool {
	return len(line) == 1 && line[0] == '\n' || len(line) == 2 && line[0] == '\r' && line[1] == '\n'
}

func isContinuation(line []byte) bool {
	return line[0] == ' ' || line[0] == '\t'
}

// crlfSize is the length of line once bare LF is replaced by CRLF.
func crlfSize(line []byte) int64 {
	n := int64(len(line))
	if n > 0 && line[n-1] == '\n' && (n == 1 || line[n-2] != '\r') {
		n++
	}
	return n
}

// headerLineSize is the length of a header line as served: without its line
// ending, plus CRLF, also for a last line lacking one.
func headerLineSize(line []byte) int64 {
	return int64(len(trimEOL(line))) + 2
}

func trimEOL(line []byte) []byte {
	line = bytes.TrimSuffix(line, []byte("\n"))
	return bytes.TrimSuffix(line, []byte("\r"))
}

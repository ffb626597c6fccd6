package mbox

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/infodancer/mailstore/envelope"
	"github.com/infodancer/mailstore/errors"
	"github.com/infodancer/mailstore/flags"
	"github.com/infodancer/mailstore/lock"
)

const pseudoSubject = "DON'T DELETE THIS MESSAGE -- FOLDER INTERNAL DATA"

const pseudoBody = `This message holds the internal state of your mail folder and is not a
real message. It was created automatically by the mail system. Deleting
it resets the folder's message identifiers and keywords.
`

// Expunge removes the messages flagged \Deleted and writes pending flag
// changes.
func (mb *Mailbox) Expunge(ctx context.Context) (ExpungeReport, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if err := mb.writable(); err != nil {
		return ExpungeReport{}, err
	}
	l, err := mb.locks.Acquire(ctx, mb.path, mb.f, lock.Exclusive)
	if err != nil {
		return ExpungeReport{}, err
	}
	defer l.Release()

	if _, err := mb.sync(); err != nil {
		return ExpungeReport{}, err
	}
	deleted := func(m *Message) bool {
		return m.Flags.Has(flags.Deleted)
	}
	n := 0
	for _, m := range mb.messages {
		if deleted(m) {
			n++
		}
	}
	if n == 0 && !mb.dirty {
		return ExpungeReport{}, nil
	}
	return mb.rewrite(deleted)
}

// placement is where a retained message went in the rewritten file.
type placement struct {
	msg       *Message
	offset    int64
	headerLen int64
	bodyLen   int64
}

// rewrite writes the mailbox anew without the messages drop selects, with
// current flags in every status header and a fresh pseudo-message. The new
// contents are assembled in a scratch file and then copied over the mailbox.
// The caller holds an exclusive lock and has synced.
func (mb *Mailbox) rewrite(drop func(*Message) bool) (ExpungeReport, error) {
	start := time.Now()
	report, err := mb.rewriteFile(drop)
	result := "ok"
	if err != nil {
		result = "error"
	}
	metricRewrite.WithLabelValues(result).Observe(time.Since(start).Seconds())
	return report, err
}

func (mb *Mailbox) rewriteFile(drop func(*Message) bool) (ExpungeReport, error) {
	scratch, err := os.CreateTemp(filepath.Dir(mb.path), "."+filepath.Base(mb.path)+".compact-*")
	if err != nil {
		return ExpungeReport{}, fmt.Errorf("create scratch file: %w", err)
	}
	defer func() {
		scratch.Close()
		if err := os.Remove(scratch.Name()); err != nil {
			mb.log.Warn("removing scratch file", slog.String("path", scratch.Name()), slog.Any("err", err))
		}
	}()

	w := bufio.NewWriter(scratch)
	pseudo := mb.pseudoMessage(time.Now())
	if _, err := w.Write(pseudo); err != nil {
		return ExpungeReport{}, fmt.Errorf("write scratch file: %w", err)
	}
	off := int64(len(pseudo))

	var report ExpungeReport
	kept := make([]placement, 0, len(mb.messages))
	for i, m := range mb.messages {
		if drop != nil && drop(m) {
			report.Expunged = append(report.Expunged, m.UID)
			report.Seqs = append(report.Seqs, i+1-len(report.Seqs))
			if m.Flags.Has(flags.Recent) {
				report.Recent++
			}
			continue
		}
		pl, n, err := mb.writeMessage(w, m)
		if err != nil {
			return ExpungeReport{}, err
		}
		pl.offset = off
		kept = append(kept, pl)
		off += n
	}
	if err := w.Flush(); err != nil {
		return ExpungeReport{}, fmt.Errorf("write scratch file: %w", err)
	}
	if err := scratch.Sync(); err != nil {
		return ExpungeReport{}, fmt.Errorf("sync scratch file: %w", err)
	}

	// From here on the mailbox itself is modified.
	if err := mb.copyBack(scratch, off); err != nil {
		mb.inconsistent = true
		return ExpungeReport{}, err
	}

	messages := make([]*Message, len(kept))
	for i, pl := range kept {
		m := pl.msg
		envLen := m.HeaderOffset - m.Offset
		m.Offset = pl.offset
		m.HeaderOffset = pl.offset + envLen
		m.HeaderLen = pl.headerLen
		m.BodyOffset = m.HeaderOffset + m.HeaderLen
		if pl.bodyLen != m.BodyLen {
			m.BodySize += 2
			m.Size += 2
		}
		m.BodyLen = pl.bodyLen
		m.dirty = false
		messages[i] = m
	}
	mb.messages = messages
	mb.pseudoEnd = int64(len(pseudo))
	mb.size = off
	mb.dirty = false
	mb.trustUIDs = true
	if info, err := mb.f.Stat(); err == nil {
		mb.mtime = info.ModTime()
	}
	if err := mb.resetTail(); err != nil {
		mb.inconsistent = true
		return report, err
	}

	metricExpunged.Add(float64(len(report.Expunged)))
	if len(report.Expunged) > 0 {
		mb.log.Debug("expunged messages", slog.Int("count", len(report.Expunged)), slog.Int64("size", off))
	}
	return report, nil
}

// resetTail records the envelope line of the last message and the end of
// the file after a rewrite.
func (mb *Mailbox) resetTail() error {
	if err := mb.markEnd(mb.size); err != nil {
		return err
	}
	offset := int64(0)
	end := mb.pseudoEnd
	if n := len(mb.messages); n > 0 {
		offset = mb.messages[n-1].Offset
		end = mb.messages[n-1].HeaderOffset
	}
	buf := make([]byte, end-offset)
	if _, err := mb.f.ReadAt(buf, offset); err != nil {
		return fmt.Errorf("read mailbox: %w", err)
	}
	if i := bytes.IndexByte(buf, '\n'); i >= 0 {
		buf = buf[:i+1]
	}
	mb.tail = buf
	mb.tailOffset = offset
	return nil
}

// pseudoMessage returns the hidden first message carrying the mailbox
// state.
func (mb *Mailbox) pseudoMessage(now time.Time) []byte {
	host := mb.cfg.Host
	if host == "" {
		host = "localhost"
	}
	b := envelope.Format("MAILER-DAEMON", now)
	b = fmt.Appendf(b, "Date: %s\n", now.Format(time.RFC1123Z))
	b = fmt.Appendf(b, "From: Mail System Internal Data <MAILER-DAEMON@%s>\n", host)
	b = fmt.Appendf(b, "Subject: %s\n", pseudoSubject)
	b = fmt.Appendf(b, "Message-ID: <%d@%s>\n", now.Unix(), host)
	b = flags.AppendMeta(b, false, flags.Meta{
		UIDValidity: mb.uidValidity,
		UIDLast:     mb.uidLast,
		Keywords:    mb.kw.Names(),
	})
	b = append(b, "Status: RO\n\n"...)
	b = append(b, pseudoBody...)
	return append(b, '\n')
}

// writeMessage writes m to w with fresh status lines and returns its
// placement and the number of bytes written.
func (mb *Mailbox) writeMessage(w *bufio.Writer, m *Message) (placement, int64, error) {
	pl := placement{msg: m}

	head := make([]byte, m.BodyOffset-m.Offset)
	if _, err := mb.f.ReadAt(head, m.Offset); err != nil {
		return pl, 0, fmt.Errorf("read message %d: %w", m.UID, err)
	}
	env := head[:m.HeaderOffset-m.Offset]
	header := head[len(env):]

	var blank []byte
	var out []byte
	skipping := false
	for len(header) > 0 {
		line := header
		if i := bytes.IndexByte(header, '\n'); i >= 0 {
			line = header[:i+1]
		}
		header = header[len(line):]
		if isBlank(line) {
			blank = line
			break
		}
		if isContinuation(line) {
			if !skipping {
				out = append(out, line...)
			}
			continue
		}
		skipping = flags.FieldOf(line) != flags.Other
		if !skipping {
			out = append(out, line...)
			if line[len(line)-1] != '\n' {
				out = append(out, '\n')
			}
		}
	}
	out = flags.AppendStatus(out, flags.Status{Flags: m.Flags, User: m.Keywords, UID: m.UID}, mb.kw, flags.EncodeOptions{UID: true, KeepRecent: m.appended})
	if blank == nil {
		blank = []byte("\n")
	}
	out = append(out, blank...)
	pl.headerLen = int64(len(out))

	if _, err := w.Write(env); err != nil {
		return pl, 0, fmt.Errorf("write scratch file: %w", err)
	}
	if _, err := w.Write(out); err != nil {
		return pl, 0, fmt.Errorf("write scratch file: %w", err)
	}

	pl.bodyLen = m.BodyLen
	if m.BodyLen > 0 {
		if _, err := io.Copy(w, io.NewSectionReader(mb.f, m.BodyOffset, m.BodyLen)); err != nil {
			return pl, 0, fmt.Errorf("copy message %d: %w", m.UID, err)
		}
		last := make([]byte, 1)
		if _, err := mb.f.ReadAt(last, m.End()-1); err != nil {
			return pl, 0, fmt.Errorf("read message %d: %w", m.UID, err)
		}
		if last[0] != '\n' {
			// Last line of the file without line ending.
			if err := w.WriteByte('\n'); err != nil {
				return pl, 0, fmt.Errorf("write scratch file: %w", err)
			}
			pl.bodyLen++
		}
	}
	if err := w.WriteByte('\n'); err != nil {
		return pl, 0, fmt.Errorf("write scratch file: %w", err)
	}
	return pl, int64(len(env)) + pl.headerLen + pl.bodyLen + 1, nil
}

// overwriteHook, if set, is called before each copy back attempt. Tests use
// it to inject write errors.
var overwriteHook func(attempt int) error

// copyBack copies the first size bytes of scratch over the mailbox and
// truncates it, retrying failures as the write error callback allows.
func (mb *Mailbox) copyBack(scratch *os.File, size int64) error {
	for attempt := 1; ; attempt++ {
		err := mb.overwrite(scratch, size, attempt)
		if err == nil {
			return nil
		}
		if attempt > mb.cfg.WriteRetries || !mb.cfg.OnWriteError(err, attempt) {
			mb.log.Error("rewriting mailbox failed, positions no longer trusted", slog.Int("attempts", attempt), slog.Any("err", err))
			return fmt.Errorf("%w: %w", errors.ErrPositionInconsistent, err)
		}
		mb.log.Warn("rewriting mailbox failed, retrying", slog.Int("attempt", attempt), slog.Any("err", err))
	}
}

func (mb *Mailbox) overwrite(scratch *os.File, size int64, attempt int) error {
	if overwriteHook != nil {
		if err := overwriteHook(attempt); err != nil {
			return err
		}
	}
	if _, err := scratch.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("seek scratch file: %w", err)
	}
	if _, err := io.Copy(io.NewOffsetWriter(mb.f, 0), io.LimitReader(scratch, size)); err != nil {
		return fmt.Errorf("write mailbox: %w", err)
	}
	if err := mb.f.Truncate(size); err != nil {
		return fmt.Errorf("truncate mailbox: %w", err)
	}
	if err := mb.f.Sync(); err != nil {
		return fmt.Errorf("sync mailbox: %w", err)
	}
	return nil
}

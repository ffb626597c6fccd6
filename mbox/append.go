package mbox

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/infodancer/mailstore/envelope"
	"github.com/infodancer/mailstore/errors"
	"github.com/infodancer/mailstore/flags"
	"github.com/infodancer/mailstore/lock"
)

// AppendOptions carries the state of an appended message.
type AppendOptions struct {
	// Flags are the system flags to set. Appended messages are always
	// recent.
	Flags flags.Flags

	// Keywords are registered in the keyword table if needed.
	Keywords []string

	// InternalDate is written to the envelope line. Zero means now.
	InternalDate time.Time

	// Sender is written to the envelope line. Empty means the configured user.
	Sender string
}

// Append adds a message to the end of the mailbox and returns its UID.
//
// The message may have CRLF or LF line endings; it is stored with LF. Status
// headers in the message are replaced, and lines that would read as envelope
// lines are quoted with ">". If writing fails the file is truncated back to
// its previous size.
func (mb *Mailbox) Append(ctx context.Context, r io.Reader, opts AppendOptions) (uint32, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if err := mb.writable(); err != nil {
		return 0, err
	}

	src, cleanup, err := spool(r)
	if err != nil {
		return 0, err
	}
	defer cleanup()

	size, err := normalizedSize(src)
	if err != nil {
		return 0, err
	}
	if size == 0 {
		return 0, errors.ErrEmptyMessage
	}

	l, err := mb.locks.Acquire(ctx, mb.path, mb.f, lock.Exclusive)
	if err != nil {
		return 0, err
	}
	defer l.Release()

	if _, err := mb.sync(); err != nil {
		return 0, err
	}

	start := mb.size
	if err := mb.appendMessage(src, start, opts); err != nil {
		metricAppend.WithLabelValues("error").Inc()
		if terr := mb.f.Truncate(start); terr != nil {
			mb.inconsistent = true
			mb.log.Error("truncating failed append", slog.Int64("size", start), slog.Any("err", terr))
		}
		return 0, fmt.Errorf("append: %w", err)
	}

	dirty := mb.dirty
	report, err := mb.sync()
	if err != nil {
		metricAppend.WithLabelValues("error").Inc()
		return 0, err
	}
	if report.New == 0 || len(mb.messages) == 0 {
		metricAppend.WithLabelValues("error").Inc()
		return 0, fmt.Errorf("%w: appended message not found", errors.ErrPositionInconsistent)
	}
	metricAppend.WithLabelValues("ok").Inc()
	m := mb.messages[len(mb.messages)-1]
	m.appended = true
	if m.dirty && !report.UIDValidityChanged {
		// Only its recent marker was pending, and that is kept on disk.
		m.dirty = false
		mb.dirty = dirty
	}
	uid := m.UID
	mb.log.Debug("appended message", slog.Uint64("uid", uint64(uid)), slog.Int64("size", size))
	return uid, nil
}

// appendMessage writes the message at offset start.
func (mb *Mailbox) appendMessage(src io.Reader, start int64, opts AppendOptions) error {
	ow := io.NewOffsetWriter(mb.f, start)
	w := bufio.NewWriter(ow)

	if start > 0 {
		last := make([]byte, 1)
		if _, err := mb.f.ReadAt(last, start-1); err != nil {
			return fmt.Errorf("read mailbox: %w", err)
		}
		if last[0] != '\n' {
			// The last line in the file is unterminated. Terminating it
			// changes the message before ours, so reindex afterwards.
			if err := w.WriteByte('\n'); err != nil {
				return err
			}
			mb.inconsistent = true
		}
	}

	date := internalDate(opts.InternalDate)
	sender := opts.Sender
	if sender == "" {
		sender = mb.cfg.User
	}
	if _, err := w.Write(envelope.Format(sender, date.In(mb.cfg.Location))); err != nil {
		return err
	}

	known := mb.kw.Len()
	mask, err := mb.kw.Mask(opts.Keywords, true)
	if err != nil {
		mb.log.Warn("keywords of appended message", slog.Any("err", err))
	}
	if mb.kw.Len() != known {
		// The keyword table lives in the pseudo-message.
		mb.dirty = true
	}

	br := bufio.NewReaderSize(src, mb.cfg.MaxLineLength)
	readLine := func() ([]byte, error) {
		line, err := br.ReadSlice('\n')
		if err == bufio.ErrBufferFull {
			return nil, errors.ErrLineTooLong
		} else if err != nil && err != io.EOF {
			return nil, err
		}
		return line, nil
	}

	// Header, without status lines of the source.
	skipping := false
	inBody := false
	for {
		line, err := readLine()
		if err != nil {
			return err
		}
		if len(line) == 0 {
			break
		}
		if isBlank(line) {
			inBody = true
			break
		}
		if isContinuation(line) {
			if skipping {
				continue
			}
		} else if skipping = flags.FieldOf(line) != flags.Other; skipping {
			continue
		}
		if err := writeLine(w, line); err != nil {
			return err
		}
	}
	st := flags.Status{Flags: opts.Flags&flags.System | flags.Recent, User: mask}
	if _, err := w.Write(flags.Encode(st, mb.kw, flags.EncodeOptions{KeepRecent: true})); err != nil {
		return err
	}
	if err := w.WriteByte('\n'); err != nil {
		return err
	}

	for inBody {
		line, err := readLine()
		if err != nil {
			return err
		}
		if len(line) == 0 {
			break
		}
		if err := writeLine(w, line); err != nil {
			return err
		}
	}

	// Separator before the next message.
	if err := w.WriteByte('\n'); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return mb.f.Sync()
}

// internalDate returns t, or now if t is zero.
func internalDate(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t
}

// writeLine writes line with LF line ending, quoted if it would read as an
// envelope line.
func writeLine(w *bufio.Writer, line []byte) error {
	line = trimEOL(line)
	if envelope.IsQuotable(append(line[:len(line):len(line)], '\n')) {
		if err := w.WriteByte('>'); err != nil {
			return err
		}
	}
	if _, err := w.Write(line); err != nil {
		return err
	}
	return w.WriteByte('\n')
}

// spool returns a seekable reader for r positioned at its start, copying r
// to a temporary file if needed.
func spool(r io.Reader) (io.ReadSeeker, func(), error) {
	if rs, ok := r.(io.ReadSeeker); ok {
		base, err := rs.Seek(0, io.SeekCurrent)
		if err == nil {
			return &offsetReadSeeker{rs, base}, func() {}, nil
		}
	}
	f, err := os.CreateTemp("", "mailstore-append-*")
	if err != nil {
		return nil, nil, fmt.Errorf("spool message: %w", err)
	}
	cleanup := func() {
		f.Close()
		os.Remove(f.Name())
	}
	if _, err := io.Copy(f, r); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("spool message: %w", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("spool message: %w", err)
	}
	return f, cleanup, nil
}

// offsetReadSeeker makes the current position of a ReadSeeker its start.
type offsetReadSeeker struct {
	rs   io.ReadSeeker
	base int64
}

func (o *offsetReadSeeker) Read(p []byte) (int, error) {
	return o.rs.Read(p)
}

func (o *offsetReadSeeker) Seek(offset int64, whence int) (int64, error) {
	if whence == io.SeekStart {
		offset += o.base
	}
	n, err := o.rs.Seek(offset, whence)
	return n - o.base, err
}

// normalizedSize returns the size of the message with CRLF line endings and
// rewinds it.
func normalizedSize(rs io.ReadSeeker) (int64, error) {
	var n int64
	var prev byte
	buf := make([]byte, 32*1024)
	for {
		k, err := rs.Read(buf)
		for _, c := range buf[:k] {
			if c == '\n' && prev != '\r' {
				n++
			}
			prev = c
		}
		n += int64(k)
		if err == io.EOF {
			break
		} else if err != nil {
			return 0, fmt.Errorf("read message: %w", err)
		}
	}
	if _, err := rs.Seek(0, io.SeekStart); err != nil {
		return 0, fmt.Errorf("rewind message: %w", err)
	}
	return n, nil
}

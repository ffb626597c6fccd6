package mbox

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/emersion/go-imap"
	"golang.org/x/text/transform"

	"github.com/infodancer/mailstore/flags"
	"github.com/infodancer/mailstore/lock"
	"github.com/infodancer/mailstore/rfc822"
)

// FetchHeader returns the header of a message with CRLF line endings,
// including the terminating blank line and without status lines.
func (mb *Mailbox) FetchHeader(ctx context.Context, uid uint32) ([]byte, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if err := mb.usable(); err != nil {
		return nil, err
	}
	l, err := mb.locks.Acquire(ctx, mb.path, mb.f, lock.Shared)
	if err != nil {
		return nil, err
	}
	defer l.Release()
	if _, err := mb.sync(); err != nil {
		return nil, err
	}
	m, _, err := mb.lookup(uid)
	if err != nil {
		return nil, err
	}
	return mb.header(m)
}

func (mb *Mailbox) header(m *Message) ([]byte, error) {
	raw := make([]byte, m.HeaderLen)
	if _, err := mb.f.ReadAt(raw, m.HeaderOffset); err != nil {
		return nil, fmt.Errorf("read message %d: %w", m.UID, err)
	}

	out := make([]byte, 0, m.HeaderSize)
	skipping := false
	for len(raw) > 0 {
		line := raw
		if i := bytes.IndexByte(raw, '\n'); i >= 0 {
			line = raw[:i+1]
		}
		raw = raw[len(line):]
		if isBlank(line) {
			break
		}
		if isContinuation(line) {
			if skipping {
				continue
			}
		} else if skipping = flags.FieldOf(line) != flags.Other; skipping {
			continue
		}
		out = append(out, trimEOL(line)...)
		out = append(out, '\r', '\n')
	}
	return append(out, '\r', '\n'), nil
}

// FetchBody returns a reader for the body of a message with CRLF line
// endings. The mailbox stays share-locked, and other operations of this
// session fail with errors.ErrLockHeld, until the reader is closed.
func (mb *Mailbox) FetchBody(ctx context.Context, uid uint32) (io.ReadCloser, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	_, body, l, err := mb.fetch(ctx, uid, false)
	if err != nil {
		return nil, err
	}
	return &lockedReader{Reader: body, l: l}, nil
}

// FetchMessage returns a reader for the header and body of a message, as
// FetchBody.
func (mb *Mailbox) FetchMessage(ctx context.Context, uid uint32) (io.ReadCloser, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	header, body, l, err := mb.fetch(ctx, uid, true)
	if err != nil {
		return nil, err
	}
	return &lockedReader{Reader: io.MultiReader(bytes.NewReader(header), body), l: l}, nil
}

// Parse hands the header and body of a message to p.
func (mb *Mailbox) Parse(ctx context.Context, uid uint32, p rfc822.Parser) (*imap.Envelope, *imap.BodyStructure, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	header, body, l, err := mb.fetch(ctx, uid, true)
	if err != nil {
		return nil, nil, err
	}
	defer l.Release()
	return p.Parse(header, body)
}

// fetch locks the mailbox and returns the header, if requested, and a body
// reader of a message. The caller releases the lock.
func (mb *Mailbox) fetch(ctx context.Context, uid uint32, withHeader bool) ([]byte, io.Reader, *lock.Lock, error) {
	if err := mb.usable(); err != nil {
		return nil, nil, nil, err
	}
	l, err := mb.locks.Acquire(ctx, mb.path, mb.f, lock.Shared)
	if err != nil {
		return nil, nil, nil, err
	}
	if _, err := mb.sync(); err != nil {
		l.Release()
		return nil, nil, nil, err
	}
	m, _, err := mb.lookup(uid)
	if err != nil {
		l.Release()
		return nil, nil, nil, err
	}
	var header []byte
	if withHeader {
		if header, err = mb.header(m); err != nil {
			l.Release()
			return nil, nil, nil, err
		}
	}
	body := transform.NewReader(io.NewSectionReader(mb.f, m.BodyOffset, m.BodyLen), &crlf{})
	return header, body, l, nil
}

type lockedReader struct {
	io.Reader
	l *lock.Lock
}

func (r *lockedReader) Close() error {
	return r.l.Release()
}

// crlf is a transformer replacing bare LF with CRLF.
type crlf struct {
	prevCR bool
}

var _ transform.Transformer = (*crlf)(nil)

func (t *crlf) Reset() {
	t.prevCR = false
}

func (t *crlf) Transform(dst, src []byte, atEOF bool) (nDst, nSrc int, err error) {
	for nSrc < len(src) {
		c := src[nSrc]
		if c == '\n' && !t.prevCR {
			if nDst+2 > len(dst) {
				return nDst, nSrc, transform.ErrShortDst
			}
			dst[nDst] = '\r'
			dst[nDst+1] = '\n'
			nDst += 2
		} else {
			if nDst >= len(dst) {
				return nDst, nSrc, transform.ErrShortDst
			}
			dst[nDst] = c
			nDst++
		}
		t.prevCR = c == '\r'
		nSrc++
	}
	return nDst, nSrc, nil
}

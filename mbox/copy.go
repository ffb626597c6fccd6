package mbox

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"golang.org/x/text/transform"

	"github.com/infodancer/mailstore"
	"github.com/infodancer/mailstore/flags"
	"github.com/infodancer/mailstore/lock"
)

// Copy appends the messages with the given UIDs to dstMailbox of dst, in UID
// order, and returns the UIDs assigned by dst. Duplicate UIDs are copied once.
//
// The messages are spooled under a shared lock that is released before dst
// is written, so dst may be this same mailbox file.
func (mb *Mailbox) Copy(ctx context.Context, uids []uint32, dst mailstore.Appender, dstMailbox string) ([]string, error) {
	set := make(map[uint32]struct{}, len(uids))
	for _, uid := range uids {
		set[uid] = struct{}{}
	}
	uids = sortUIDs(maps.Keys(set))

	spooled, err := mb.spoolMessages(ctx, uids)
	defer func() {
		for _, s := range spooled {
			s.f.Close()
			os.Remove(s.f.Name())
		}
	}()
	if err != nil {
		return nil, err
	}

	var out []string
	for _, s := range spooled {
		if _, err := s.f.Seek(0, io.SeekStart); err != nil {
			return out, fmt.Errorf("rewind spooled message: %w", err)
		}
		id, err := dst.Append(ctx, dstMailbox, s.f, s.req)
		if err != nil {
			return out, fmt.Errorf("copy uid %d: %w", s.uid, err)
		}
		out = append(out, id)
	}
	mb.log.Debug("copied messages", slog.Int("count", len(out)), slog.String("destination", dstMailbox))
	return out, nil
}

type spooledMessage struct {
	uid uint32
	f   *os.File
	req mailstore.AppendRequest
}

func (mb *Mailbox) spoolMessages(ctx context.Context, uids []uint32) ([]spooledMessage, error) {
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

	msgs := make([]*Message, len(uids))
	for i, uid := range uids {
		m, _, err := mb.lookup(uid)
		if err != nil {
			return nil, err
		}
		msgs[i] = m
	}

	var spooled []spooledMessage
	for _, m := range msgs {
		s, err := mb.spoolMessage(m)
		if s.f != nil {
			spooled = append(spooled, s)
		}
		if err != nil {
			return spooled, err
		}
	}
	return spooled, nil
}

func (mb *Mailbox) spoolMessage(m *Message) (spooledMessage, error) {
	f, err := os.CreateTemp("", "mailstore-copy-*")
	if err != nil {
		return spooledMessage{}, fmt.Errorf("spool message: %w", err)
	}
	s := spooledMessage{
		uid: m.UID,
		f:   f,
		req: mailstore.AppendRequest{
			Flags:        append((m.Flags &^ flags.Recent).IMAP(), mb.kw.Select(m.Keywords)...),
			InternalDate: m.InternalDate,
			Sender:       m.Sender,
		},
	}
	header, err := mb.header(m)
	if err != nil {
		return s, err
	}
	w := bufio.NewWriter(f)
	if _, err := w.Write(header); err != nil {
		return s, fmt.Errorf("spool message: %w", err)
	}
	body := transform.NewReader(io.NewSectionReader(mb.f, m.BodyOffset, m.BodyLen), &crlf{})
	if _, err := io.Copy(w, body); err != nil {
		return s, fmt.Errorf("spool message: %w", err)
	}
	if err := w.Flush(); err != nil {
		return s, fmt.Errorf("spool message: %w", err)
	}
	return s, nil
}

// sortUIDs sorts l in place and returns it.
func sortUIDs(l []uint32) []uint32 {
	slices.Sort(l)
	return l
}

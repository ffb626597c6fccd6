package mbox

import (
	"log/slog"

	"github.com/infodancer/mailstore/flags"
)

// SetFlags adds the system flags in f and the keywords to the messages.
// Unknown keywords are registered; when the keyword table is full they are
// skipped with a warning. Changes are kept in memory until the next Check,
// Expunge or Close.
func (mb *Mailbox) SetFlags(uids []uint32, f flags.Flags, keywords []string) error {
	return mb.changeFlags(uids, f, keywords, true)
}

// ClearFlags removes the system flags in f and the keywords from the
// messages.
func (mb *Mailbox) ClearFlags(uids []uint32, f flags.Flags, keywords []string) error {
	return mb.changeFlags(uids, f, keywords, false)
}

func (mb *Mailbox) changeFlags(uids []uint32, f flags.Flags, keywords []string, set bool) error {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if err := mb.writable(); err != nil {
		return err
	}
	msgs := make([]*Message, len(uids))
	for i, uid := range uids {
		m, _, err := mb.lookup(uid)
		if err != nil {
			return err
		}
		msgs[i] = m
	}

	known := mb.kw.Len()
	mask, err := mb.kw.Mask(keywords, set)
	if err != nil {
		mb.log.Warn("keywords not stored", slog.Any("keywords", keywords), slog.Any("err", err))
	}
	if mb.kw.Len() != known {
		mb.dirty = true
	}
	f &= flags.System

	for _, m := range msgs {
		nf, nk := m.Flags, m.Keywords
		if set {
			nf |= f
			nk |= mask
		} else {
			nf &^= f
			nk &^= mask
		}
		if nf == m.Flags && nk == m.Keywords {
			continue
		}
		m.Flags, m.Keywords = nf, nk
		m.dirty = true
		mb.dirty = true
	}
	return nil
}

package mbox

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/infodancer/mailstore/config"
	"github.com/infodancer/mailstore/errors"
	"github.com/infodancer/mailstore/flags"
	"github.com/infodancer/mailstore/lock"
)

// OpenOptions controls Open.
type OpenOptions struct {
	// Create creates the mailbox file if it does not exist.
	Create bool

	// ReadOnly opens the mailbox for reading only.
	ReadOnly bool

	// AllowReadOnly falls back to a read-only session when the file cannot be
	// opened for writing or is locked by a writer. Without it those cases
	// are errors.
	AllowReadOnly bool

	// Notifier is told about exclusive sections, see lock.SignalGuard.
	Notifier lock.Notifier
}

// SyncReport describes the outcome of a parse pass.
type SyncReport struct {
	// New is the number of messages added to the index.
	New int

	// Exists and Recent count the messages in the index.
	Exists int
	Recent int

	// Expunged lists UIDs that disappeared because another process rewrote
	// the mailbox.
	Expunged []uint32

	// UIDValidityChanged is set when cached UIDs must be discarded.
	UIDValidityChanged bool
}

// ExpungeReport describes the outcome of an expunge.
type ExpungeReport struct {
	// Expunged lists the UIDs removed, in mailbox order.
	Expunged []uint32

	// Seqs lists the message sequence numbers of the removed messages, each
	// relative to the mailbox after the removals before it, as sent in IMAP
	// EXPUNGE responses.
	Seqs []int

	// Recent is the number of removed messages that were recent.
	Recent int
}

// Mailbox is a session on an mbox file. Its methods are safe for concurrent
// use, but operations are serialized.
type Mailbox struct {
	path     string
	cfg      config.Config
	log      *slog.Logger
	locks    *lock.Coordinator
	f        *os.File
	readOnly bool

	mu     sync.Mutex
	closed bool

	// fatal is set by format errors. The session then refuses all work.
	fatal error

	// inconsistent is set when offsets can no longer be trusted; the next
	// sync reparses from the start.
	inconsistent bool

	// size and mtime are those of the file when last parsed or written.
	size  int64
	mtime time.Time

	// dirty is set when the file lacks state held in memory.
	dirty bool

	uidValidity uint32
	uidLast     uint32

	// trustUIDs is set when the UID state was read from the file, so X-UID
	// headers can be honoured.
	trustUIDs bool

	kw *flags.Keywords

	// pseudoEnd is the end of the pseudo-message at offset 0, 0 if none.
	pseudoEnd int64

	messages []*Message

	// tail is the last envelope line parsed and tailOffset its position.
	// They are compared before each pass to notice rewrites by others.
	tail       []byte
	tailOffset int64

	// end holds the last bytes before size. A rewrite that keeps the last
	// envelope line in place still moves them.
	end []byte
}

// Open opens the mailbox file at path and indexes it.
func Open(ctx context.Context, path string, cfg config.Config, opts OpenOptions) (*Mailbox, error) {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
		cfg.Logger = log
	}
	if cfg.MaxLineLength <= 0 {
		cfg.MaxLineLength = config.DefaultMaxLineLength
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.OnWriteError == nil {
		cfg.OnWriteError = storageSpaceRetry(log)
	}

	readOnly := opts.ReadOnly
	flag := os.O_RDWR
	if readOnly {
		flag = os.O_RDONLY
	} else if opts.Create {
		flag |= os.O_CREATE
	}
	f, err := os.OpenFile(path, flag, 0600)
	if err != nil && !readOnly && os.IsPermission(err) && opts.AllowReadOnly {
		log.Info("mailbox not writable, opening read-only", slog.String("path", path))
		readOnly = true
		f, err = os.Open(path)
	}
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", errors.ErrMailboxNotFound, path)
		}
		return nil, fmt.Errorf("open mailbox: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat mailbox: %w", err)
	}
	if info.IsDir() {
		f.Close()
		return nil, fmt.Errorf("%w: %s is a directory", errors.ErrMailboxNotFound, path)
	}

	mb := &Mailbox{
		path:     path,
		cfg:      cfg,
		log:      log.With(slog.String("mailbox", path)),
		locks:    lock.New(cfg, opts.Notifier),
		f:        f,
		readOnly: readOnly,
		kw:       flags.NewKeywords(cfg.MaxKeywords),
	}

	l, err := mb.locks.Acquire(ctx, path, f, lock.Shared)
	if err != nil {
		if stderrors.Is(err, errors.ErrMailboxLocked) && opts.AllowReadOnly {
			// Indexed by the first Ping that gets the lock.
			mb.log.Info("mailbox busy, opening read-only")
			mb.readOnly = true
			return mb, nil
		}
		f.Close()
		return nil, err
	}
	defer l.Release()

	if _, err := mb.sync(); err != nil {
		f.Close()
		return nil, err
	}
	return mb, nil
}

// Path returns the mailbox file path.
func (mb *Mailbox) Path() string {
	return mb.path
}

// ReadOnly reports whether the session refuses mutations.
func (mb *Mailbox) ReadOnly() bool {
	return mb.readOnly
}

// Close writes pending flag changes and closes the file.
func (mb *Mailbox) Close() error {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if mb.closed {
		return nil
	}
	var err error
	if mb.dirty && !mb.readOnly && mb.fatal == nil {
		err = mb.checkpoint(context.Background())
		if err != nil {
			mb.log.Error("writing mailbox state on close", slog.Any("err", err))
		}
	}
	mb.closed = true
	if cerr := mb.f.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// usable returns the error that stops the session from doing work.
func (mb *Mailbox) usable() error {
	if mb.closed {
		return errors.ErrMailboxClosed
	}
	return mb.fatal
}

// writable is usable for mutations.
func (mb *Mailbox) writable() error {
	if err := mb.usable(); err != nil {
		return err
	}
	if mb.readOnly {
		return errors.ErrReadOnly
	}
	return nil
}

// poison makes err fatal for the session.
func (mb *Mailbox) poison(err error) error {
	mb.fatal = err
	mb.log.Error("mailbox session aborted", slog.Any("err", err))
	return err
}

// Ping resynchronizes the index if the file changed since it was last
// parsed. It is cheap when nothing changed.
func (mb *Mailbox) Ping(ctx context.Context) (SyncReport, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if err := mb.usable(); err != nil {
		return SyncReport{}, err
	}
	info, err := mb.f.Stat()
	if err != nil {
		return SyncReport{}, fmt.Errorf("stat mailbox: %w", err)
	}
	if !mb.inconsistent && info.Size() == mb.size && info.ModTime().Equal(mb.mtime) && mb.uidValidity != 0 {
		return mb.report(0), nil
	}

	l, err := mb.locks.Acquire(ctx, mb.path, mb.f, lock.Shared)
	if err != nil {
		return SyncReport{}, err
	}
	defer l.Release()
	return mb.sync()
}

// Check resynchronizes the index and writes pending flag changes to the file.
func (mb *Mailbox) Check(ctx context.Context) (SyncReport, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if err := mb.usable(); err != nil {
		return SyncReport{}, err
	}
	if mb.readOnly {
		l, err := mb.locks.Acquire(ctx, mb.path, mb.f, lock.Shared)
		if err != nil {
			return SyncReport{}, err
		}
		defer l.Release()
		return mb.sync()
	}

	l, err := mb.locks.Acquire(ctx, mb.path, mb.f, lock.Exclusive)
	if err != nil {
		return SyncReport{}, err
	}
	defer l.Release()
	report, err := mb.sync()
	if err != nil {
		return report, err
	}
	if mb.dirty {
		if _, err := mb.rewrite(nil); err != nil {
			return report, err
		}
	}
	return report, nil
}

// checkpoint writes pending state under an exclusive lock.
func (mb *Mailbox) checkpoint(ctx context.Context) error {
	l, err := mb.locks.Acquire(ctx, mb.path, mb.f, lock.Exclusive)
	if err != nil {
		return err
	}
	defer l.Release()
	if _, err := mb.sync(); err != nil {
		return err
	}
	if !mb.dirty {
		return nil
	}
	_, err = mb.rewrite(nil)
	return err
}

// Messages returns a copy of the index in mailbox order.
func (mb *Mailbox) Messages() []Message {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	l := make([]Message, len(mb.messages))
	for i, m := range mb.messages {
		l[i] = *m
	}
	return l
}

// Message returns the index entry for uid.
func (mb *Mailbox) Message(uid uint32) (Message, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	m, _, err := mb.lookup(uid)
	if err != nil {
		return Message{}, err
	}
	return *m, nil
}

// lookup finds uid by binary search; UIDs are increasing in mailbox order.
func (mb *Mailbox) lookup(uid uint32) (*Message, int, error) {
	lo, hi := 0, len(mb.messages)
	for lo < hi {
		i := int(uint(lo+hi) >> 1)
		if mb.messages[i].UID < uid {
			lo = i + 1
		} else {
			hi = i
		}
	}
	if lo < len(mb.messages) && mb.messages[lo].UID == uid {
		return mb.messages[lo], lo, nil
	}
	return nil, -1, fmt.Errorf("%w: uid %d", errors.ErrMessageNotFound, uid)
}

// UIDValidity returns the UID validity epoch.
func (mb *Mailbox) UIDValidity() uint32 {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return mb.uidValidity
}

// UIDNext returns the UID the next message will get.
func (mb *Mailbox) UIDNext() uint32 {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return mb.uidLast + 1
}

// Keywords returns the keyword table in slot order.
func (mb *Mailbox) Keywords() []string {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return mb.kw.Names()
}

// FlagNames returns the IMAP flag names of m, keywords included.
func (mb *Mailbox) FlagNames(m Message) []string {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return append(m.Flags.IMAP(), mb.kw.Select(m.Keywords)...)
}

func (mb *Mailbox) report(added int) SyncReport {
	r := SyncReport{New: added, Exists: len(mb.messages)}
	for _, m := range mb.messages {
		if m.Flags.Has(flags.Recent) {
			r.Recent++
		}
	}
	return r
}

// Package lock coordinates access to a mailbox file between cooperating
// processes.
//
// Two layers are used. A dotlock, a sibling file named "<mailbox>.lock"
// created with O_EXCL, is the portable, filesystem-visible sign that a
// writer is active. An advisory whole-file flock(2) on the mailbox itself then
// orders readers and writers on the same host. Readers wait while a fresh
// dotlock exists and take a shared flock; writers create the dotlock and take
// an exclusive flock.
//
// flock locks belong to the open file description. A process must therefore
// never hold two locks on the same mailbox through different handles: the
// Coordinator refuses to lock a path it already holds.
//
// Dotlocks older than the configured staleness threshold are considered
// abandoned by a crashed process and are removed rather than waited on.
package lock

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/infodancer/mailstore/config"
	"github.com/infodancer/mailstore/errors"
)

// Mode selects shared or exclusive access.
type Mode int

const (
	// Shared is for reading and parsing.
	Shared Mode = iota

	// Exclusive is for append, rewrite and expunge.
	Exclusive
)

func (m Mode) String() string {
	if m == Exclusive {
		return "exclusive"
	}
	return "shared"
}

// Notifier is told when an exclusive section starts and ends, so the session
// can hold back cancellation while the file is being rewritten.
type Notifier interface {
	Critical()
	NonCritical()
}

// Coordinator hands out mailbox locks for one process.
type Coordinator struct {
	cfg      config.Config
	notifier Notifier
	log      *slog.Logger

	mu   sync.Mutex
	held map[string]bool
}

// New returns a Coordinator using the locking policy of cfg. notifier may be
// nil.
func New(cfg config.Config, notifier Notifier) *Coordinator {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{
		cfg:      cfg,
		notifier: notifier,
		log:      log,
		held:     make(map[string]bool),
	}
}

// DotlockPath returns the dotlock file for a mailbox path.
func (c *Coordinator) DotlockPath(mailbox string) string {
	if c.cfg.LockDir == "" {
		return mailbox + ".lock"
	}
	abs, err := filepath.Abs(mailbox)
	if err != nil {
		abs = mailbox
	}
	name := strings.ReplaceAll(strings.TrimPrefix(abs, string(filepath.Separator)), string(filepath.Separator), "_")
	return filepath.Join(c.cfg.LockDir, name+".lock")
}

// Lock is a held mailbox lock. Release it on every path, typically with
// defer.
type Lock struct {
	c       *Coordinator
	path    string
	dotlock string
	f       *os.File
	mode    Mode

	released bool
}

// Mode returns the lock mode.
func (l *Lock) Mode() Mode {
	return l.mode
}

// Acquire locks the mailbox at path, whose open file is f, in the given mode.
// f may be nil when the mailbox is not open yet; only the dotlock is taken
// then. Acquire retries with backoff up to the configured number of attempts
// and returns errors.ErrMailboxLocked when the mailbox stays busy.
func (c *Coordinator) Acquire(ctx context.Context, path string, f *os.File, mode Mode) (*Lock, error) {
	c.mu.Lock()
	if c.held[path] {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", errors.ErrLockHeld, path)
	}
	c.held[path] = true
	c.mu.Unlock()

	l, err := c.acquire(ctx, path, f, mode)
	if err != nil {
		c.mu.Lock()
		delete(c.held, path)
		c.mu.Unlock()
		return nil, err
	}
	if mode == Exclusive && c.notifier != nil {
		c.notifier.Critical()
	}
	return l, nil
}

func (c *Coordinator) acquire(ctx context.Context, path string, f *os.File, mode Mode) (*Lock, error) {
	start := time.Now()
	dot := c.DotlockPath(path)
	backoff := c.cfg.LockBackoff
	if backoff <= 0 {
		backoff = config.DefaultLockBackoff
	}
	retries := c.cfg.LockRetries
	if retries <= 0 {
		retries = 1
	}

	for attempt := 1; ; attempt++ {
		l, err := c.try(path, dot, f, mode)
		if err != nil {
			return nil, err
		}
		if l != nil {
			metricLockWait.WithLabelValues(mode.String()).Observe(time.Since(start).Seconds())
			return l, nil
		}
		if attempt >= retries {
			metricLockBusy.WithLabelValues(mode.String()).Inc()
			return nil, fmt.Errorf("%w: %s", errors.ErrMailboxLocked, path)
		}

		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
		backoff *= 2
		if backoff > time.Second {
			backoff = time.Second
		}
	}
}

// try makes one attempt. It returns a nil Lock if the mailbox is busy.
func (c *Coordinator) try(path, dot string, f *os.File, mode Mode) (*Lock, error) {
	l := &Lock{c: c, path: path, f: f, mode: mode}

	if mode == Exclusive {
		held, ok, err := c.createDotlock(dot)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}
		l.dotlock = held
	} else if c.dotlockActive(dot) {
		return nil, nil
	}

	if f != nil {
		ok, err := lockFile(f, mode)
		if err != nil {
			l.removeDotlock()
			return nil, fmt.Errorf("flock %s: %w", path, err)
		}
		if !ok {
			l.removeDotlock()
			return nil, nil
		}
	}
	return l, nil
}

// createDotlock returns the dotlock it created and whether the attempt may
// proceed. An existing stale dotlock is removed and the attempt reported
// busy, so the next one can take it. A directory without write permission
// degrades to flock only, with no dotlock held.
func (c *Coordinator) createDotlock(dot string) (string, bool, error) {
	fh, err := os.OpenFile(dot, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err == nil {
		_, werr := fmt.Fprintf(fh, "%d %s\n", os.Getpid(), c.cfg.Host)
		cerr := fh.Close()
		if werr != nil || cerr != nil {
			_ = os.Remove(dot)
			return "", false, fmt.Errorf("write dotlock %s: %v %v", dot, werr, cerr)
		}
		return dot, true, nil
	}
	if os.IsExist(err) {
		c.dotlockActive(dot)
		return "", false, nil
	}
	if os.IsPermission(err) {
		c.log.Warn("cannot create dotlock, using flock only", slog.String("dotlock", dot), slog.Any("err", err))
		return "", true, nil
	}
	return "", false, fmt.Errorf("create dotlock %s: %w", dot, err)
}

// dotlockActive reports whether a fresh dotlock exists. A stale one is
// removed.
func (c *Coordinator) dotlockActive(dot string) bool {
	info, err := os.Stat(dot)
	if err != nil {
		return false
	}
	age := time.Since(info.ModTime())
	if age < c.staleAfter() {
		return true
	}
	active, err := removeStale(dot, info)
	if err != nil {
		c.log.Warn("removing stale dotlock failed", slog.String("dotlock", dot), slog.Any("err", err))
		return true
	}
	if active {
		return true
	}
	metricLockStale.Inc()
	c.log.Warn("reclaimed stale dotlock", slog.String("dotlock", dot), slog.Duration("age", age))
	return false
}

// removeStale removes the dotlock seen stale and reports whether a live
// dotlock is left. The file is moved aside first and only removed if it is
// still the one seen. A dotlock another process created in between is put
// back.
func removeStale(dot string, seen os.FileInfo) (bool, error) {
	aside := fmt.Sprintf("%s.stale.%d.%d", dot, os.Getpid(), time.Now().UnixNano())
	if err := os.Rename(dot, aside); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return true, err
	}
	info, err := os.Stat(aside)
	if err == nil && os.SameFile(info, seen) && info.ModTime().Equal(seen.ModTime()) {
		if err := os.Remove(aside); err != nil && !os.IsNotExist(err) {
			return false, err
		}
		return false, nil
	}
	lerr := os.Link(aside, dot)
	if err := os.Remove(aside); err != nil && !os.IsNotExist(err) {
		return true, err
	}
	if lerr != nil && !os.IsExist(lerr) {
		return true, fmt.Errorf("restoring dotlock %s: %w", dot, lerr)
	}
	return true, nil
}

func (c *Coordinator) staleAfter() time.Duration {
	if c.cfg.StaleLock > 0 {
		return c.cfg.StaleLock
	}
	return config.DefaultStaleLock
}

// Release unlocks the mailbox. Calling it more than once is harmless.
func (l *Lock) Release() error {
	if l == nil || l.released {
		return nil
	}
	l.released = true

	var err error
	if l.f != nil {
		err = unlockFile(l.f)
	}
	l.removeDotlock()

	l.c.mu.Lock()
	delete(l.c.held, l.path)
	l.c.mu.Unlock()

	if l.mode == Exclusive && l.c.notifier != nil {
		l.c.notifier.NonCritical()
	}
	if err != nil {
		return fmt.Errorf("unlock %s: %w", l.path, err)
	}
	return nil
}

func (l *Lock) removeDotlock() {
	if l.dotlock == "" {
		return
	}
	if err := os.Remove(l.dotlock); err != nil && !os.IsNotExist(err) {
		l.c.log.Warn("removing dotlock failed", slog.String("dotlock", l.dotlock), slog.Any("err", err))
	}
	l.dotlock = ""
}

package lock

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infodancer/mailstore/config"
	"github.com/infodancer/mailstore/errors"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *recordingNotifier) Critical() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, "critical")
}

func (n *recordingNotifier) NonCritical() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, "noncritical")
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.LockRetries = 3
	cfg.LockBackoff = time.Millisecond
	cfg.StaleLock = time.Minute
	return cfg
}

func mailbox(t *testing.T) (string, *os.File) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "INBOX")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return path, f
}

func TestExclusiveCreatesDotlock(t *testing.T) {
	path, f := mailbox(t)
	c := New(testConfig(), nil)

	l, err := c.Acquire(context.Background(), path, f, Exclusive)
	require.NoError(t, err)
	assert.Equal(t, Exclusive, l.Mode())
	assert.FileExists(t, path+".lock")

	require.NoError(t, l.Release())
	assert.NoFileExists(t, path+".lock")

	// Release twice is harmless.
	assert.NoError(t, l.Release())
}

func TestExclusiveBusy(t *testing.T) {
	path, f := mailbox(t)
	first := New(testConfig(), nil)
	l, err := first.Acquire(context.Background(), path, f, Exclusive)
	require.NoError(t, err)
	defer l.Release()

	f2, err := os.OpenFile(path, os.O_RDWR, 0)
	require.NoError(t, err)
	defer f2.Close()

	second := New(testConfig(), nil)
	_, err = second.Acquire(context.Background(), path, f2, Exclusive)
	assert.ErrorIs(t, err, errors.ErrMailboxLocked)

	_, err = second.Acquire(context.Background(), path, f2, Shared)
	assert.ErrorIs(t, err, errors.ErrMailboxLocked)
}

func TestHeldTwice(t *testing.T) {
	path, f := mailbox(t)
	c := New(testConfig(), nil)
	l, err := c.Acquire(context.Background(), path, f, Shared)
	require.NoError(t, err)

	_, err = c.Acquire(context.Background(), path, f, Exclusive)
	assert.ErrorIs(t, err, errors.ErrLockHeld)

	require.NoError(t, l.Release())
	l, err = c.Acquire(context.Background(), path, f, Exclusive)
	require.NoError(t, err)
	require.NoError(t, l.Release())
}

func TestSharedReaders(t *testing.T) {
	path, f := mailbox(t)
	f2, err := os.Open(path)
	require.NoError(t, err)
	defer f2.Close()

	a, err := New(testConfig(), nil).Acquire(context.Background(), path, f, Shared)
	require.NoError(t, err)
	defer a.Release()
	b, err := New(testConfig(), nil).Acquire(context.Background(), path, f2, Shared)
	require.NoError(t, err)
	defer b.Release()

	assert.NoFileExists(t, path+".lock")
}

func TestSharedWaitsForDotlock(t *testing.T) {
	path, f := mailbox(t)
	require.NoError(t, os.WriteFile(path+".lock", []byte("1 elsewhere\n"), 0600))

	_, err := New(testConfig(), nil).Acquire(context.Background(), path, f, Shared)
	assert.ErrorIs(t, err, errors.ErrMailboxLocked)
	assert.FileExists(t, path+".lock")
}

func TestStaleDotlockReclaimed(t *testing.T) {
	path, f := mailbox(t)
	dot := path + ".lock"
	require.NoError(t, os.WriteFile(dot, []byte("1 elsewhere\n"), 0600))
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(dot, old, old))

	l, err := New(testConfig(), nil).Acquire(context.Background(), path, f, Exclusive)
	require.NoError(t, err)

	data, err := os.ReadFile(dot)
	require.NoError(t, err)
	assert.NotEqual(t, "1 elsewhere\n", string(data))
	require.NoError(t, l.Release())
}

func TestStaleDotlockReplacedMeanwhile(t *testing.T) {
	path, _ := mailbox(t)
	dot := path + ".lock"
	require.NoError(t, os.WriteFile(dot, []byte("1 elsewhere\n"), 0600))
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(dot, old, old))
	seen, err := os.Stat(dot)
	require.NoError(t, err)

	// Another process reclaims the stale dotlock and takes the lock.
	require.NoError(t, os.Remove(dot))
	require.NoError(t, os.WriteFile(dot, []byte("2 elsewhere\n"), 0600))

	active, err := removeStale(dot, seen)
	require.NoError(t, err)
	assert.True(t, active)

	data, err := os.ReadFile(dot)
	require.NoError(t, err)
	assert.Equal(t, "2 elsewhere\n", string(data))
	aside, err := filepath.Glob(dot + ".stale.*")
	require.NoError(t, err)
	assert.Empty(t, aside)
}

func TestStaleDotlockRemoved(t *testing.T) {
	path, _ := mailbox(t)
	dot := path + ".lock"
	require.NoError(t, os.WriteFile(dot, []byte("1 elsewhere\n"), 0600))
	seen, err := os.Stat(dot)
	require.NoError(t, err)

	active, err := removeStale(dot, seen)
	require.NoError(t, err)
	assert.False(t, active)
	_, err = os.Stat(dot)
	assert.True(t, os.IsNotExist(err))
}

func TestLockDir(t *testing.T) {
	path, f := mailbox(t)
	cfg := testConfig()
	cfg.LockDir = t.TempDir()
	c := New(cfg, nil)

	dot := c.DotlockPath(path)
	assert.Equal(t, cfg.LockDir, filepath.Dir(dot))

	l, err := c.Acquire(context.Background(), path, f, Exclusive)
	require.NoError(t, err)
	assert.FileExists(t, dot)
	assert.NoFileExists(t, path+".lock")
	require.NoError(t, l.Release())
}

func TestNotifierAroundExclusive(t *testing.T) {
	path, f := mailbox(t)
	n := &recordingNotifier{}
	c := New(testConfig(), n)

	l, err := c.Acquire(context.Background(), path, f, Shared)
	require.NoError(t, err)
	require.NoError(t, l.Release())
	assert.Empty(t, n.events)

	l, err = c.Acquire(context.Background(), path, f, Exclusive)
	require.NoError(t, err)
	assert.Equal(t, []string{"critical"}, n.events)
	require.NoError(t, l.Release())
	assert.Equal(t, []string{"critical", "noncritical"}, n.events)
}

func TestAcquireCanceled(t *testing.T) {
	path, f := mailbox(t)
	require.NoError(t, os.WriteFile(path+".lock", nil, 0600))

	cfg := testConfig()
	cfg.LockRetries = 100
	cfg.LockBackoff = 50 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New(cfg, nil).Acquire(ctx, path, f, Exclusive)
	assert.ErrorIs(t, err, context.Canceled)
}

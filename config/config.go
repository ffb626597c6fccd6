// Package config holds the immutable settings shared by the mailbox engine,
// the lock coordinator and the stores.
//
// A Config is built exactly once, by Init or Load, and then passed by value to
// constructors. Nothing in this module looks up the current user, host name or
// home directory on first use; those are resolved by Init.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"os/user"
	"strings"
	"time"

	"github.com/mjl-/sconf"
)

const (
	// DefaultStaleLock is the age after which a dotlock is considered abandoned.
	DefaultStaleLock = 5 * time.Minute

	// DefaultLockRetries bounds the number of lock attempts before giving up.
	DefaultLockRetries = 20

	// DefaultLockBackoff is the initial delay between lock attempts. It doubles
	// up to one second.
	DefaultLockBackoff = 50 * time.Millisecond

	// DefaultMaxKeywords is the number of user-defined keyword slots per mailbox.
	DefaultMaxKeywords = 32

	// DefaultMaxLineLength is the size of the parse buffer.
	DefaultMaxLineLength = 256 * 1024

	// DefaultWriteRetries bounds retries of a failed copy-back during compaction.
	DefaultWriteRetries = 3
)

// WriteErrorFunc is called when writing the compacted mailbox back fails.
// attempt starts at 1. Returning true retries the write.
type WriteErrorFunc func(err error, attempt int) bool

// Config is the engine configuration. Treat it as read-only after Init.
type Config struct {
	// User is the local user name, used as envelope sender for appended messages
	// without an explicit sender.
	User string

	// Host is the local host name, used in the pseudo-message.
	Host string

	// HomeDir is the user's home directory.
	HomeDir string

	// LockDir, if set, holds dotlock files instead of the mailbox directory.
	LockDir string

	StaleLock   time.Duration
	LockRetries int
	LockBackoff time.Duration

	// MaxKeywords is the size of each mailbox's keyword table, at most 32.
	MaxKeywords int

	// MaxLineLength is the longest line the parser accepts.
	MaxLineLength int

	// WriteRetries bounds calls to OnWriteError during compaction.
	WriteRetries int

	// OnWriteError decides whether a failed copy-back is retried. If nil,
	// storage space errors are retried and all others are not.
	OnWriteError WriteErrorFunc

	// Location is used for envelope dates without a zone.
	Location *time.Location

	Logger *slog.Logger
}

// File is the on-disk configuration, in sconf format. All fields are
// optional; zero values select the defaults.
type File struct {
	User              string `sconf:"optional" sconf-doc:"Local user name. Default: the user running the process."`
	Host              string `sconf:"optional" sconf-doc:"Local host name. Default: the system host name."`
	HomeDir           string `sconf:"optional" sconf-doc:"Home directory of the user. Default: from the user database."`
	LockDir           string `sconf:"optional" sconf-doc:"Directory for dotlock files. Default: next to the mailbox file."`
	StaleLockSeconds  int    `sconf:"optional" sconf-doc:"Age in seconds after which a dotlock is reclaimed. Default: 300."`
	LockRetries       int    `sconf:"optional" sconf-doc:"Attempts to acquire a lock before reporting the mailbox busy. Default: 20."`
	LockBackoffMillis int    `sconf:"optional" sconf-doc:"Initial delay between lock attempts in milliseconds. Default: 50."`
	MaxKeywords       int    `sconf:"optional" sconf-doc:"Keyword slots per mailbox, 1 to 32. Default: 32."`
	MaxLineLength     int    `sconf:"optional" sconf-doc:"Longest accepted line in bytes. Default: 262144."`
	WriteRetries      int    `sconf:"optional" sconf-doc:"Retries of a failed mailbox rewrite. Default: 3."`
	Timezone          string `sconf:"optional" sconf-doc:"IANA zone for envelope dates without zone. Default: Local."`
	LogLevel          string `sconf:"optional" sconf-doc:"One of debug, info, warn, error. Default: the process default logger."`
}

// Init resolves identity from the operating system, applies overrides from f
// and fills in defaults.
func Init(f File) (Config, error) {
	c := Config{
		User:          f.User,
		Host:          f.Host,
		HomeDir:       f.HomeDir,
		LockDir:       f.LockDir,
		StaleLock:     DefaultStaleLock,
		LockRetries:   DefaultLockRetries,
		LockBackoff:   DefaultLockBackoff,
		MaxKeywords:   DefaultMaxKeywords,
		MaxLineLength: DefaultMaxLineLength,
		WriteRetries:  DefaultWriteRetries,
		Location:      time.Local,
		Logger:        slog.Default(),
	}

	if c.User == "" || c.HomeDir == "" {
		u, err := user.Current()
		if err == nil {
			if c.User == "" {
				c.User = u.Username
			}
			if c.HomeDir == "" {
				c.HomeDir = u.HomeDir
			}
		}
	}
	if c.User == "" {
		c.User = os.Getenv("USER")
	}
	if c.User == "" {
		c.User = "MAILER-DAEMON"
	}
	if c.HomeDir == "" {
		c.HomeDir, _ = os.UserHomeDir()
	}
	if c.Host == "" {
		h, err := os.Hostname()
		if err != nil || h == "" {
			h = "localhost"
		}
		c.Host = h
	}

	if f.StaleLockSeconds < 0 || f.LockRetries < 0 || f.LockBackoffMillis < 0 || f.WriteRetries < 0 {
		return Config{}, fmt.Errorf("negative lock or retry setting")
	}
	if f.StaleLockSeconds > 0 {
		c.StaleLock = time.Duration(f.StaleLockSeconds) * time.Second
	}
	if f.LockRetries > 0 {
		c.LockRetries = f.LockRetries
	}
	if f.LockBackoffMillis > 0 {
		c.LockBackoff = time.Duration(f.LockBackoffMillis) * time.Millisecond
	}
	if f.WriteRetries > 0 {
		c.WriteRetries = f.WriteRetries
	}
	if f.MaxKeywords != 0 {
		if f.MaxKeywords < 1 || f.MaxKeywords > 32 {
			return Config{}, fmt.Errorf("max keywords %d out of range 1-32", f.MaxKeywords)
		}
		c.MaxKeywords = f.MaxKeywords
	}
	if f.MaxLineLength != 0 {
		if f.MaxLineLength < 1024 {
			return Config{}, fmt.Errorf("max line length %d below 1024", f.MaxLineLength)
		}
		c.MaxLineLength = f.MaxLineLength
	}
	if f.Timezone != "" {
		loc, err := time.LoadLocation(f.Timezone)
		if err != nil {
			return Config{}, fmt.Errorf("timezone: %w", err)
		}
		c.Location = loc
	}
	if f.LogLevel != "" {
		var level slog.Level
		if err := level.UnmarshalText([]byte(strings.ToUpper(f.LogLevel))); err != nil {
			return Config{}, fmt.Errorf("log level: %w", err)
		}
		c.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	}
	return c, nil
}

// Load parses the sconf file at path and initializes a Config from it.
func Load(path string) (Config, error) {
	f, err := ParseFile(path)
	if err != nil {
		return Config{}, err
	}
	return Init(f)
}

// ParseFile reads an sconf configuration file.
func ParseFile(path string) (File, error) {
	var f File
	fh, err := os.Open(path)
	if err != nil {
		return f, fmt.Errorf("open config: %w", err)
	}
	defer func() { _ = fh.Close() }()
	if err := sconf.Parse(fh, &f); err != nil {
		return f, fmt.Errorf("parse config %s: %w", path, err)
	}
	return f, nil
}

// Default returns a configuration with defaults and OS identity. It panics
// only if the built-in defaults are invalid.
func Default() Config {
	c, err := Init(File{})
	if err != nil {
		panic("config: invalid defaults: " + err.Error())
	}
	return c
}

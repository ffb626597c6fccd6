package maildir

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/emersion/go-maildir"
	"github.com/infodancer/mailstore"
	"github.com/infodancer/mailstore/errors"
)

// Store implements mailstore.MailStore using the Maildir format.
// It uses emersion/go-maildir for low-level maildir operations.
//
// Flags live in the info part of the file names, so a deleted message stays
// marked until Expunge, across stores and processes. Keywords have no place
// in a maildir file name and are not stored.
type Store struct {
	basePath      string
	maildirSubdir string // optional subdirectory under each mailbox (e.g., "Maildir")
	pathTemplate  string // optional path template for domain-aware storage
	log           *slog.Logger
}

// NewStore creates a new Store with the given base path.
// The optional maildirSubdir specifies a subdirectory under each mailbox
// (e.g., "Maildir" for paths like users/testuser/Maildir/).
// The optional pathTemplate transforms mailbox names using variables:
// {domain}, {localpart}, {email} (e.g., "{domain}/users/{localpart}").
func NewStore(basePath string, maildirSubdir string, pathTemplate string) *Store {
	return &Store{
		basePath:      basePath,
		maildirSubdir: maildirSubdir,
		pathTemplate:  pathTemplate,
		log:           slog.Default().With(slog.String("store", "maildir")),
	}
}

// splitEmail splits an email address into localpart and domain.
// If the email doesn't contain @, localpart is the entire input and domain is empty.
func splitEmail(email string) (localpart, domain string) {
	if idx := strings.LastIndex(email, "@"); idx >= 0 {
		return email[:idx], email[idx+1:]
	}
	return email, ""
}

// expandMailbox applies the path template to transform a mailbox name.
// Template variables: {domain}, {localpart}, {email}
func (s *Store) expandMailbox(mailbox string) string {
	if s.pathTemplate == "" {
		return mailbox
	}
	localpart, domain := splitEmail(mailbox)
	result := s.pathTemplate
	result = strings.ReplaceAll(result, "{domain}", domain)
	result = strings.ReplaceAll(result, "{localpart}", localpart)
	result = strings.ReplaceAll(result, "{email}", mailbox)
	return result
}

// mailboxPath returns the filesystem path for a mailbox.
// Returns an error if the resulting path would escape the base directory.
func (s *Store) mailboxPath(mailbox string) (string, error) {
	expandedMailbox := s.expandMailbox(mailbox)

	var candidate string
	if s.maildirSubdir != "" {
		candidate = filepath.Join(s.basePath, expandedMailbox, s.maildirSubdir)
	} else {
		candidate = filepath.Join(s.basePath, expandedMailbox)
	}

	cleanBase := filepath.Clean(s.basePath)
	cleanCandidate := filepath.Clean(candidate)

	// Add separator to prevent prefix matching (e.g., /base-other matching /base)
	if !strings.HasPrefix(cleanCandidate+string(filepath.Separator), cleanBase+string(filepath.Separator)) {
		return "", errors.ErrPathTraversal
	}

	return cleanCandidate, nil
}

// ensureMaildir ensures the maildir exists, creating it if necessary.
func (s *Store) ensureMaildir(mailbox string) (maildir.Dir, error) {
	path, err := s.mailboxPath(mailbox)
	if err != nil {
		return "", err
	}
	dir := maildir.Dir(path)

	curPath := filepath.Join(path, "cur")
	if _, err := os.Stat(curPath); os.IsNotExist(err) {
		// Parent directories are needed when maildirSubdir is set.
		if err := os.MkdirAll(path, 0700); err != nil {
			return "", err
		}
		if err := dir.Init(); err != nil {
			return "", err
		}
	}

	return dir, nil
}

// openMaildir returns the maildir of an existing mailbox.
func (s *Store) openMaildir(mailbox string) (maildir.Dir, error) {
	path, err := s.mailboxPath(mailbox)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(filepath.Join(path, "cur")); os.IsNotExist(err) {
		return "", errors.ErrMailboxNotFound
	}
	return maildir.Dir(path), nil
}

// Deliver implements mailstore.DeliveryAgent.
func (s *Store) Deliver(ctx context.Context, envelope mailstore.Envelope, message io.Reader) error {
	if len(envelope.Recipients) == 0 {
		return errors.ErrNoRecipients
	}

	// Read message into memory for multi-recipient delivery
	data, err := io.ReadAll(message)
	if err != nil {
		return err
	}

	var lastErr error
	delivered := 0

	for _, recipient := range envelope.Recipients {
		// Strip subaddress extension so user+folder@example.com
		// delivers to the user@example.com mailbox.
		parsed := mailstore.ParseRecipient(recipient)
		dir, err := s.ensureMaildir(parsed.Address)
		if err != nil {
			lastErr = err
			continue
		}

		delivery, err := maildir.NewDelivery(string(dir))
		if err != nil {
			lastErr = err
			continue
		}

		if _, err := io.Copy(delivery, bytes.NewReader(data)); err != nil {
			_ = delivery.Abort()
			lastErr = err
			continue
		}

		if err := delivery.Close(); err != nil {
			lastErr = err
			continue
		}

		delivered++
	}

	if delivered == 0 && lastErr != nil {
		return lastErr
	}
	return nil
}

// Append implements mailstore.Appender. The message is filed in cur/ with
// its system flags, and the file modification time is set to the internal
// date.
func (s *Store) Append(ctx context.Context, mailbox string, message io.Reader, req mailstore.AppendRequest) (string, error) {
	dir, err := s.ensureMaildir(mailbox)
	if err != nil {
		return "", err
	}

	flags, keywords := maildirFlags(req.Flags)
	if len(keywords) > 0 {
		s.log.Debug("keywords not stored", slog.String("mailbox", mailbox), slog.Any("keywords", keywords))
	}

	msg, w, err := dir.Create(flags)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(w, message); err != nil {
		_ = w.Close()
		_ = os.Remove(msg.Filename())
		return "", err
	}
	if err := w.Close(); err != nil {
		_ = os.Remove(msg.Filename())
		return "", err
	}

	date := req.InternalDate
	if date.IsZero() {
		date = time.Now()
	}
	if err := os.Chtimes(msg.Filename(), date, date); err != nil {
		return "", err
	}
	return msg.Key(), nil
}

// List implements mailstore.MessageStore.
func (s *Store) List(ctx context.Context, mailbox string) ([]mailstore.MessageInfo, error) {
	dir, err := s.openMaildir(mailbox)
	if err != nil {
		return nil, err
	}

	// Unseen() moves messages from new/ to cur/ and returns them.
	// These messages are considered "recent".
	recentKeys := make(map[string]bool)
	unseenMsgs, err := dir.Unseen()
	if err != nil {
		return nil, err
	}
	for _, msg := range unseenMsgs {
		recentKeys[msg.Key()] = true
	}

	allMsgs, err := dir.Messages()
	if err != nil {
		return nil, err
	}

	var messages []mailstore.MessageInfo
	for _, msg := range allMsgs {
		if hasFlag(msg.Flags(), maildir.FlagTrashed) {
			continue
		}

		fi, err := os.Stat(msg.Filename())
		if err != nil {
			continue // Skip on error
		}

		var flagStrings []string
		if recentKeys[msg.Key()] {
			flagStrings = append(flagStrings, `\Recent`)
		}
		flagStrings = append(flagStrings, convertFlags(msg.Flags())...)

		messages = append(messages, mailstore.MessageInfo{
			UID:          msg.Key(),
			Size:         fi.Size(),
			Flags:        flagStrings,
			InternalDate: fi.ModTime(),
		})
	}

	return messages, nil
}

// Retrieve implements mailstore.MessageStore.
func (s *Store) Retrieve(ctx context.Context, mailbox string, uid string) (io.ReadCloser, error) {
	dir, err := s.openMaildir(mailbox)
	if err != nil {
		return nil, err
	}
	msg, err := dir.MessageByKey(uid)
	if err != nil {
		return nil, errors.ErrMessageNotFound
	}
	if hasFlag(msg.Flags(), maildir.FlagTrashed) {
		return nil, errors.ErrMessageDeleted
	}
	return msg.Open()
}

// Delete implements mailstore.MessageStore. The message is marked trashed
// in its file name.
func (s *Store) Delete(ctx context.Context, mailbox string, uid string) error {
	dir, err := s.openMaildir(mailbox)
	if err != nil {
		return err
	}
	msg, err := dir.MessageByKey(uid)
	if err != nil {
		return errors.ErrMessageNotFound
	}
	flags := msg.Flags()
	if hasFlag(flags, maildir.FlagTrashed) {
		return nil
	}
	return msg.SetFlags(append(flags, maildir.FlagTrashed))
}

// Expunge implements mailstore.MessageStore.
func (s *Store) Expunge(ctx context.Context, mailbox string) error {
	dir, err := s.openMaildir(mailbox)
	if err != nil {
		return err
	}
	msgs, err := dir.Messages()
	if err != nil {
		return err
	}

	var lastErr error
	removed := 0
	for _, msg := range msgs {
		if !hasFlag(msg.Flags(), maildir.FlagTrashed) {
			continue
		}
		if err := msg.Remove(); err != nil && !os.IsNotExist(err) {
			lastErr = err
			continue
		}
		removed++
	}
	s.log.Debug("expunged", slog.String("mailbox", mailbox), slog.Int("removed", removed))
	return lastErr
}

// Stat implements mailstore.MessageStore.
func (s *Store) Stat(ctx context.Context, mailbox string) (count int, totalBytes int64, err error) {
	messages, err := s.List(ctx, mailbox)
	if err != nil {
		return 0, 0, err
	}

	for _, msg := range messages {
		count++
		totalBytes += msg.Size
	}
	return count, totalBytes, nil
}

// Compile-time interface verification.
var _ mailstore.MailStore = (*Store)(nil)

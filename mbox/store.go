package mbox

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/infodancer/mailstore"
	"github.com/infodancer/mailstore/config"
	"github.com/infodancer/mailstore/errors"
	"github.com/infodancer/mailstore/flags"
)

// Store implements mailstore.MailStore over a directory of mbox files, one
// per mailbox. Every call opens its own session on the mailbox file.
type Store struct {
	basePath     string
	pathTemplate string // optional path template for domain-aware storage
	cfg          config.Config
}

// NewStore creates a Store rooted at basePath.
// The optional pathTemplate transforms mailbox names using variables:
// {domain}, {localpart}, {email} (e.g., "{domain}/{localpart}").
func NewStore(basePath string, cfg config.Config, pathTemplate string) *Store {
	return &Store{
		basePath:     basePath,
		pathTemplate: pathTemplate,
		cfg:          cfg,
	}
}

// splitEmail splits an email address into localpart and domain.
func splitEmail(email string) (localpart, domain string) {
	if idx := strings.LastIndex(email, "@"); idx >= 0 {
		return email[:idx], email[idx+1:]
	}
	return email, ""
}

// expandMailbox applies the path template to a mailbox name.
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

// MailboxPath returns the file path of a mailbox, or errors.ErrPathTraversal
// if it would be outside the base directory.
func (s *Store) MailboxPath(mailbox string) (string, error) {
	cleanBase := filepath.Clean(s.basePath)
	candidate := filepath.Clean(filepath.Join(s.basePath, s.expandMailbox(mailbox)))

	// The separator keeps /base-other from matching /base, and the base
	// itself is a directory, not a mailbox.
	if !strings.HasPrefix(candidate, cleanBase+string(filepath.Separator)) {
		return "", errors.ErrPathTraversal
	}
	return candidate, nil
}

// OpenMailbox opens a session on a mailbox of the store. With opts.Create the
// file and its parent directories are created.
func (s *Store) OpenMailbox(ctx context.Context, mailbox string, opts OpenOptions) (*Mailbox, error) {
	path, err := s.MailboxPath(mailbox)
	if err != nil {
		return nil, err
	}
	if opts.Create {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("create mailbox directory: %w", err)
		}
	}
	return Open(ctx, path, s.cfg, opts)
}

// Deliver implements mailstore.DeliveryAgent. The message is appended to the
// mailbox of each recipient, with the subaddress removed. Delivery succeeds
// if at least one recipient got the message.
func (s *Store) Deliver(ctx context.Context, envelope mailstore.Envelope, message io.Reader) error {
	if len(envelope.Recipients) == 0 {
		return errors.ErrNoRecipients
	}

	src, cleanup, err := spool(message)
	if err != nil {
		return err
	}
	defer cleanup()

	var lastErr error
	delivered := 0

	for _, recipient := range envelope.Recipients {
		parsed := mailstore.ParseRecipient(recipient)
		if _, err := src.Seek(0, io.SeekStart); err != nil {
			return fmt.Errorf("rewind message: %w", err)
		}
		_, err := s.appendTo(ctx, parsed.Address, src, AppendOptions{
			InternalDate: envelope.ReceivedTime,
			Sender:       envelope.From,
		})
		if err != nil {
			lastErr = err
			continue
		}
		delivered++
	}

	if delivered == 0 && lastErr != nil {
		return fmt.Errorf("%w: %w", errors.ErrDeliveryFailed, lastErr)
	}
	return nil
}

// Append implements mailstore.Appender.
func (s *Store) Append(ctx context.Context, mailbox string, message io.Reader, req mailstore.AppendRequest) (string, error) {
	f, keywords := flags.FromIMAP(req.Flags)
	uid, err := s.appendTo(ctx, mailbox, message, AppendOptions{
		Flags:        f,
		Keywords:     keywords,
		InternalDate: req.InternalDate,
		Sender:       req.Sender,
	})
	if err != nil {
		return "", err
	}
	return formatUID(uid), nil
}

func (s *Store) appendTo(ctx context.Context, mailbox string, message io.Reader, opts AppendOptions) (uid uint32, rerr error) {
	mb, err := s.OpenMailbox(ctx, mailbox, OpenOptions{Create: true})
	if err != nil {
		return 0, err
	}
	defer func() {
		if err := mb.Close(); err != nil && rerr == nil {
			rerr = err
		}
	}()
	return mb.Append(ctx, message, opts)
}

// List implements mailstore.MessageStore. Messages flagged \Deleted are not
// listed.
func (s *Store) List(ctx context.Context, mailbox string) (l []mailstore.MessageInfo, rerr error) {
	mb, err := s.OpenMailbox(ctx, mailbox, OpenOptions{})
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := mb.Close(); err != nil && rerr == nil {
			rerr = err
		}
	}()

	for _, m := range mb.Messages() {
		if m.Flags.Has(flags.Deleted) {
			continue
		}
		l = append(l, mailstore.MessageInfo{
			UID:          formatUID(m.UID),
			Size:         m.Size,
			Flags:        mb.FlagNames(m),
			InternalDate: m.InternalDate,
		})
	}
	return l, nil
}

// Retrieve implements mailstore.MessageStore. The message is returned with
// CRLF line endings. The mailbox stays locked for reading until the returned
// reader is closed.
func (s *Store) Retrieve(ctx context.Context, mailbox string, uid string) (io.ReadCloser, error) {
	id, err := parseUID(uid)
	if err != nil {
		return nil, err
	}
	mb, err := s.OpenMailbox(ctx, mailbox, OpenOptions{})
	if err != nil {
		return nil, err
	}
	m, err := mb.Message(id)
	if err == nil && m.Flags.Has(flags.Deleted) {
		err = errors.ErrMessageDeleted
	}
	var r io.ReadCloser
	if err == nil {
		r, err = mb.FetchMessage(ctx, id)
	}
	if err != nil {
		mb.Close()
		return nil, err
	}
	return &sessionReader{ReadCloser: r, mb: mb}, nil
}

// sessionReader closes the mailbox session after the message reader.
type sessionReader struct {
	io.ReadCloser
	mb *Mailbox
}

func (r *sessionReader) Close() error {
	err := r.ReadCloser.Close()
	if cerr := r.mb.Close(); err == nil {
		err = cerr
	}
	return err
}

// Delete implements mailstore.MessageStore. The \Deleted flag is written to
// the mailbox file, so it persists until Expunge.
func (s *Store) Delete(ctx context.Context, mailbox string, uid string) (rerr error) {
	id, err := parseUID(uid)
	if err != nil {
		return err
	}
	mb, err := s.OpenMailbox(ctx, mailbox, OpenOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err := mb.Close(); err != nil && rerr == nil {
			rerr = err
		}
	}()
	if err := mb.SetFlags([]uint32{id}, flags.Deleted, nil); err != nil {
		return err
	}
	_, err = mb.Check(ctx)
	return err
}

// Expunge implements mailstore.MessageStore.
func (s *Store) Expunge(ctx context.Context, mailbox string) (rerr error) {
	mb, err := s.OpenMailbox(ctx, mailbox, OpenOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err := mb.Close(); err != nil && rerr == nil {
			rerr = err
		}
	}()
	_, err = mb.Expunge(ctx)
	return err
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

func formatUID(uid uint32) string {
	return strconv.FormatUint(uint64(uid), 10)
}

func parseUID(s string) (uint32, error) {
	uid, err := strconv.ParseUint(s, 10, 32)
	if err != nil || uid == 0 {
		return 0, fmt.Errorf("%w: uid %q", errors.ErrMessageNotFound, s)
	}
	return uint32(uid), nil
}

// Compile-time interface verification.
var _ mailstore.MailStore = (*Store)(nil)

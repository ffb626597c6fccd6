package mailstore

import (
	"context"
	"io"
	"time"
)

// MessageStore provides read access to stored messages.
// Used by pop3d and imapd for message retrieval.
type MessageStore interface {
	// List returns message metadata for a mailbox.
	// Messages marked for deletion are not listed.
	List(ctx context.Context, mailbox string) ([]MessageInfo, error)

	// Retrieve returns the full message content.
	// The caller is responsible for closing the returned ReadCloser.
	Retrieve(ctx context.Context, mailbox string, uid string) (io.ReadCloser, error)

	// Delete marks a message for deletion.
	// The message is not permanently removed until Expunge is called.
	Delete(ctx context.Context, mailbox string, uid string) error

	// Expunge permanently removes all messages marked for deletion.
	Expunge(ctx context.Context, mailbox string) error

	// Stat returns mailbox statistics.
	// count is the number of messages, totalBytes is the sum of all message sizes.
	Stat(ctx context.Context, mailbox string) (count int, totalBytes int64, err error)
}

// Appender adds a single message with given flags to a mailbox. It is the
// destination side of a copy between mailboxes, possibly of different store
// types.
type Appender interface {
	// Append stores message in mailbox, creating the mailbox if needed, and
	// returns the UID it was given.
	Append(ctx context.Context, mailbox string, message io.Reader, req AppendRequest) (string, error)
}

// AppendRequest carries the state of an appended message.
type AppendRequest struct {
	// Flags are IMAP flag names, system flags and keywords. \Recent is ignored.
	Flags []string

	// InternalDate is the date the message is filed under. Zero means now.
	InternalDate time.Time

	// Sender is the envelope sender, if the store records one.
	Sender string
}

// MessageInfo contains metadata about a stored message.
type MessageInfo struct {
	// UID is the unique identifier for the message within the mailbox.
	UID string

	// Size is the message size in bytes.
	Size int64

	// Flags contains message flags (e.g., "\Seen", "\Deleted", "\Answered").
	Flags []string

	// InternalDate is the date the store filed the message under.
	InternalDate time.Time
}

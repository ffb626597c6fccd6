// Package errors provides centralized error definitions for mailstore.
package errors

import "errors"

// Mailbox format errors. These are fatal for a mailbox session: once one is
// returned the session refuses further work and must be closed.
var (
	// ErrFormatInvalidated indicates an envelope line was required but not found.
	ErrFormatInvalidated = errors.New("mailbox format invalidated")

	// ErrMailboxShrank indicates the mailbox file is smaller than when last parsed.
	ErrMailboxShrank = errors.New("mailbox shrank")

	// ErrLineTooLong indicates a line did not fit the parse buffer.
	ErrLineTooLong = errors.New("line too long")
)

// Mailbox errors.
var (
	// ErrMailboxNotFound indicates the requested mailbox does not exist.
	ErrMailboxNotFound = errors.New("mailbox not found")

	// ErrMailboxLocked indicates the mailbox lock could not be acquired within policy.
	ErrMailboxLocked = errors.New("mailbox locked")

	// ErrLockHeld indicates the caller already holds a lock on the mailbox.
	ErrLockHeld = errors.New("mailbox lock already held")

	// ErrReadOnly indicates a mutation was attempted on a read-only session.
	ErrReadOnly = errors.New("mailbox is read-only")

	// ErrMailboxClosed indicates the session was already closed.
	ErrMailboxClosed = errors.New("mailbox closed")

	// ErrPositionInconsistent indicates a rewrite failed part way and offsets
	// cannot be trusted until the next successful parse.
	ErrPositionInconsistent = errors.New("mailbox positions inconsistent")
)

// Message errors.
var (
	// ErrMessageNotFound indicates the requested message does not exist.
	ErrMessageNotFound = errors.New("message not found")

	// ErrMessageDeleted indicates the message has been marked for deletion.
	ErrMessageDeleted = errors.New("message deleted")

	// ErrEmptyMessage indicates an append of a zero-length message.
	ErrEmptyMessage = errors.New("empty message")

	// ErrKeywordTableFull indicates no free keyword slot was left.
	ErrKeywordTableFull = errors.New("keyword table full")

	// ErrDateUnparsable indicates an envelope date could not be decoded.
	ErrDateUnparsable = errors.New("envelope date unparsable")
)

// Delivery errors.
var (
	// ErrNoRecipients indicates no valid recipients were provided.
	ErrNoRecipients = errors.New("no recipients")

	// ErrDeliveryFailed indicates message delivery failed.
	ErrDeliveryFailed = errors.New("delivery failed")
)

// Store errors.
var (
	// ErrStoreNotRegistered indicates the requested store type is not registered.
	ErrStoreNotRegistered = errors.New("store type not registered")

	// ErrStoreConfigInvalid indicates the store configuration is invalid.
	ErrStoreConfigInvalid = errors.New("invalid store configuration")

	// ErrPathTraversal indicates a mailbox name resolved outside the base path.
	ErrPathTraversal = errors.New("path traversal")
)

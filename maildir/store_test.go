package maildir

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-maildir"
	"github.com/infodancer/mailstore"
	"github.com/infodancer/mailstore/errors"
)

func deliver(t *testing.T, store *Store, recipients ...string) {
	t.Helper()
	envelope := mailstore.Envelope{
		From:           "sender@example.com",
		Recipients:     recipients,
		ReceivedTime:   time.Now(),
		ClientHostname: "test",
	}
	message := strings.NewReader("Subject: Test\r\n\r\nTest message body")
	if err := store.Deliver(context.Background(), envelope, message); err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}
}

func TestStore_Deliver(t *testing.T) {
	store := NewStore(t.TempDir(), "", "")
	ctx := context.Background()

	deliver(t, store, "user@example.com")

	messages, err := store.List(ctx, "user@example.com")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}
	if !reflect.DeepEqual(messages[0].Flags, []string{`\Recent`}) {
		t.Errorf("flags of new message: %v", messages[0].Flags)
	}
}

func TestStore_DeliverNoRecipients(t *testing.T) {
	store := NewStore(t.TempDir(), "", "")

	envelope := mailstore.Envelope{
		From:       "sender@example.com",
		Recipients: []string{},
	}
	err := store.Deliver(context.Background(), envelope, strings.NewReader("Subject: Test\r\n\r\nTest message body"))
	if err != errors.ErrNoRecipients {
		t.Fatalf("expected ErrNoRecipients, got %v", err)
	}
}

func TestStore_DeliverSubdirAndTemplate(t *testing.T) {
	basePath := t.TempDir()
	store := NewStore(basePath, "Maildir", "{domain}/users/{localpart}")

	deliver(t, store, "user+lists@example.com")

	if _, err := os.Stat(filepath.Join(basePath, "example.com", "users", "user", "Maildir", "new")); err != nil {
		t.Fatalf("maildir not created at templated path: %v", err)
	}
}

func TestStore_List(t *testing.T) {
	store := NewStore(t.TempDir(), "", "")
	ctx := context.Background()

	deliver(t, store, "user@example.com")
	deliver(t, store, "user@example.com")

	messages, err := store.List(ctx, "user@example.com")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(messages))
	}

	// The first listing moved the messages to cur/.
	messages, err = store.List(ctx, "user@example.com")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	for _, m := range messages {
		if len(m.Flags) != 0 {
			t.Errorf("message %s still has flags %v", m.UID, m.Flags)
		}
	}
}

func TestStore_ListNonexistent(t *testing.T) {
	store := NewStore(t.TempDir(), "", "")

	_, err := store.List(context.Background(), "nonexistent@example.com")
	if err != errors.ErrMailboxNotFound {
		t.Fatalf("expected ErrMailboxNotFound, got %v", err)
	}
}

func TestStore_PathTraversal(t *testing.T) {
	store := NewStore(t.TempDir(), "", "")

	_, err := store.List(context.Background(), "../outside")
	if err != errors.ErrPathTraversal {
		t.Fatalf("expected ErrPathTraversal, got %v", err)
	}
}

func TestStore_Retrieve(t *testing.T) {
	store := NewStore(t.TempDir(), "", "")
	ctx := context.Background()

	deliver(t, store, "user@example.com")

	messages, err := store.List(ctx, "user@example.com")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(messages) == 0 {
		t.Fatal("no messages found")
	}

	reader, err := store.Retrieve(ctx, "user@example.com", messages[0].UID)
	if err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}
	defer func() { _ = reader.Close() }()

	data, err := io.ReadAll(reader)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}

	messageContent := "Subject: Test\r\n\r\nTest message body"
	if string(data) != messageContent {
		t.Fatalf("message content mismatch: got %q, want %q", string(data), messageContent)
	}

	if _, err := store.Retrieve(ctx, "user@example.com", "nosuchkey"); err != errors.ErrMessageNotFound {
		t.Fatalf("expected ErrMessageNotFound, got %v", err)
	}
}

func TestStore_Delete(t *testing.T) {
	store := NewStore(t.TempDir(), "", "")
	ctx := context.Background()

	deliver(t, store, "user@example.com")

	messages, err := store.List(ctx, "user@example.com")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}
	uid := messages[0].UID

	if err := store.Delete(ctx, "user@example.com", uid); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	// The mark is in the file name, so a new store sees it too.
	other := NewStore(store.basePath, "", "")
	messages, err = other.List(ctx, "user@example.com")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(messages) != 0 {
		t.Fatalf("expected 0 messages after delete, got %d", len(messages))
	}
	if _, err := other.Retrieve(ctx, "user@example.com", uid); err != errors.ErrMessageDeleted {
		t.Fatalf("expected ErrMessageDeleted, got %v", err)
	}
}

func TestStore_Expunge(t *testing.T) {
	store := NewStore(t.TempDir(), "", "")
	ctx := context.Background()

	deliver(t, store, "user@example.com")
	deliver(t, store, "user@example.com")

	messages, err := store.List(ctx, "user@example.com")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	uid := messages[0].UID

	if err := store.Delete(ctx, "user@example.com", uid); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := store.Expunge(ctx, "user@example.com"); err != nil {
		t.Fatalf("Expunge failed: %v", err)
	}

	_, err = store.Retrieve(ctx, "user@example.com", uid)
	if err != errors.ErrMessageNotFound {
		t.Fatalf("expected ErrMessageNotFound after expunge, got %v", err)
	}
	count, _, err := store.Stat(ctx, "user@example.com")
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 message after expunge, got %d", count)
	}
}

func TestStore_Stat(t *testing.T) {
	store := NewStore(t.TempDir(), "", "")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		deliver(t, store, "user@example.com")
	}

	count, totalBytes, err := store.Stat(ctx, "user@example.com")
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if count != 3 {
		t.Fatalf("expected 3 messages, got %d", count)
	}
	if want := int64(3 * len("Subject: Test\r\n\r\nTest message body")); totalBytes != want {
		t.Fatalf("expected %d total bytes, got %d", want, totalBytes)
	}
}

func TestStore_MultipleRecipients(t *testing.T) {
	store := NewStore(t.TempDir(), "", "")
	ctx := context.Background()

	recipients := []string{"user1@example.com", "user2@example.com"}
	deliver(t, store, recipients...)

	for _, user := range recipients {
		messages, err := store.List(ctx, user)
		if err != nil {
			t.Fatalf("List failed for %s: %v", user, err)
		}
		if len(messages) != 1 {
			t.Fatalf("expected 1 message for %s, got %d", user, len(messages))
		}
	}
}

func TestStore_Append(t *testing.T) {
	store := NewStore(t.TempDir(), "", "")
	ctx := context.Background()
	date := time.Date(2024, 1, 2, 15, 4, 5, 0, time.UTC)

	uid, err := store.Append(ctx, "Archive", strings.NewReader("Subject: copy\r\n\r\nbody\r\n"), mailstore.AppendRequest{
		Flags:        []string{`\Seen`, `\Recent`, `\Flagged`, "work"},
		InternalDate: date,
	})
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	messages, err := store.List(ctx, "Archive")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(messages) != 1 || messages[0].UID != uid {
		t.Fatalf("unexpected listing %+v for uid %s", messages, uid)
	}
	if !reflect.DeepEqual(messages[0].Flags, []string{`\Seen`, `\Flagged`}) {
		t.Errorf("flags %v", messages[0].Flags)
	}
	if !messages[0].InternalDate.Equal(date) {
		t.Errorf("internal date %v", messages[0].InternalDate)
	}
}

func TestConvertFlags(t *testing.T) {
	tests := []struct {
		name     string
		flags    []maildir.Flag
		expected []string
	}{
		{
			name:     "no flags",
			flags:    nil,
			expected: nil,
		},
		{
			name:     "seen flag",
			flags:    []maildir.Flag{maildir.FlagSeen},
			expected: []string{"\\Seen"},
		},
		{
			name:     "multiple flags",
			flags:    []maildir.Flag{maildir.FlagSeen, maildir.FlagReplied, maildir.FlagFlagged},
			expected: []string{"\\Seen", "\\Answered", "\\Flagged"},
		},
		{
			name:     "all flags",
			flags:    []maildir.Flag{maildir.FlagSeen, maildir.FlagReplied, maildir.FlagFlagged, maildir.FlagDraft, maildir.FlagTrashed},
			expected: []string{"\\Seen", "\\Answered", "\\Flagged", "\\Deleted", "\\Draft"},
		},
		{
			name:     "passed has no imap flag",
			flags:    []maildir.Flag{maildir.FlagPassed},
			expected: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := convertFlags(tt.flags)
			if !reflect.DeepEqual(result, tt.expected) {
				t.Errorf("convertFlags(%v) = %v, want %v", tt.flags, result, tt.expected)
			}
		})
	}
}

func TestMaildirFlags(t *testing.T) {
	info, keywords := maildirFlags([]string{`\deleted`, `\Recent`, `\Seen`, "$Label1"})
	if !reflect.DeepEqual(info, []maildir.Flag{maildir.FlagSeen, maildir.FlagTrashed}) {
		t.Errorf("info %v", info)
	}
	if !reflect.DeepEqual(keywords, []string{"$Label1"}) {
		t.Errorf("keywords %v", keywords)
	}
}

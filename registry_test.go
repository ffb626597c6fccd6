package mailstore_test

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/infodancer/mailstore"
	mserrors "github.com/infodancer/mailstore/errors"

	// Import backends to trigger registration
	_ "github.com/infodancer/mailstore/maildir"
	_ "github.com/infodancer/mailstore/mbox"
)

func TestRegisteredTypes(t *testing.T) {
	types := mailstore.RegisteredTypes()

	// Both backends register via init(), and the list is sorted.
	found := map[string]bool{}
	for i, typ := range types {
		found[typ] = true
		if i > 0 && types[i-1] > typ {
			t.Fatalf("types not sorted: %v", types)
		}
	}
	for _, want := range []string{"maildir", "mbox"} {
		if !found[want] {
			t.Fatalf("%s not found in registered types: %v", want, types)
		}
	}
}

func TestRegister_Panics(t *testing.T) {
	factory := func(mailstore.StoreConfig) (mailstore.MailStore, error) { return nil, nil }
	tests := []struct {
		name    string
		typ     string
		factory mailstore.StoreFactory
	}{
		{"empty name", "", factory},
		{"nil factory", "registry-test-nil", nil},
		{"duplicate", "mbox", factory},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Fatal("expected panic")
				}
			}()
			mailstore.Register(tt.typ, tt.factory)
		})
	}
}

func TestOpen(t *testing.T) {
	for _, typ := range []string{"maildir", "mbox"} {
		store, err := mailstore.Open(mailstore.StoreConfig{
			Type:     typ,
			BasePath: t.TempDir(),
		})
		if err != nil {
			t.Fatalf("Open %s failed: %v", typ, err)
		}
		if store == nil {
			t.Fatalf("expected non-nil %s store", typ)
		}
	}
}

func TestOpenUnregistered(t *testing.T) {
	_, err := mailstore.Open(mailstore.StoreConfig{
		Type:     "nonexistent",
		BasePath: "/tmp",
	})
	if err != mserrors.ErrStoreNotRegistered {
		t.Fatalf("expected ErrStoreNotRegistered, got %v", err)
	}
}

func TestOpenInvalidConfig(t *testing.T) {
	for _, typ := range []string{"maildir", "mbox"} {
		_, err := mailstore.Open(mailstore.StoreConfig{
			Type:     typ,
			BasePath: "", // invalid - empty path
		})
		if !errors.Is(err, mserrors.ErrStoreConfigInvalid) {
			t.Fatalf("%s: expected ErrStoreConfigInvalid, got %v", typ, err)
		}
	}
}

func TestMailStoreInterface(t *testing.T) {
	for _, typ := range []string{"maildir", "mbox"} {
		t.Run(typ, func(t *testing.T) {
			store, err := mailstore.Open(mailstore.StoreConfig{
				Type:     typ,
				BasePath: t.TempDir(),
			})
			if err != nil {
				t.Fatalf("Open failed: %v", err)
			}

			ctx := context.Background()
			mailbox := "test@example.com"

			// Test Deliver (DeliveryAgent)
			envelope := mailstore.Envelope{
				From:       "sender@example.com",
				Recipients: []string{mailbox},
			}
			message := strings.NewReader("Subject: Test\r\n\r\nTest body")
			if err := store.Deliver(ctx, envelope, message); err != nil {
				t.Fatalf("Deliver failed: %v", err)
			}

			// Test Append (Appender)
			if _, err := store.Append(ctx, mailbox, strings.NewReader("Subject: Appended\r\n\r\nMore\r\n"), mailstore.AppendRequest{
				Flags: []string{`\Seen`},
			}); err != nil {
				t.Fatalf("Append failed: %v", err)
			}

			// Test List (MessageStore)
			messages, err := store.List(ctx, mailbox)
			if err != nil {
				t.Fatalf("List failed: %v", err)
			}
			if len(messages) != 2 {
				t.Fatalf("expected 2 messages, got %d", len(messages))
			}

			// Test Retrieve (MessageStore)
			var found bool
			for _, m := range messages {
				reader, err := store.Retrieve(ctx, mailbox, m.UID)
				if err != nil {
					t.Fatalf("Retrieve failed: %v", err)
				}
				data, _ := io.ReadAll(reader)
				_ = reader.Close()
				if strings.Contains(string(data), "Test body") {
					found = true
				}
			}
			if !found {
				t.Fatal("message content not found")
			}

			// Test Stat (MessageStore)
			count, bytes, err := store.Stat(ctx, mailbox)
			if err != nil {
				t.Fatalf("Stat failed: %v", err)
			}
			if count != 2 {
				t.Fatalf("expected count 2, got %d", count)
			}
			if bytes == 0 {
				t.Fatal("expected non-zero bytes")
			}

			// Test Delete and Expunge (MessageStore)
			for _, m := range messages {
				if err := store.Delete(ctx, mailbox, m.UID); err != nil {
					t.Fatalf("Delete failed: %v", err)
				}
			}
			if err := store.Expunge(ctx, mailbox); err != nil {
				t.Fatalf("Expunge failed: %v", err)
			}

			messages, err = store.List(ctx, mailbox)
			if err != nil {
				t.Fatalf("List failed: %v", err)
			}
			if len(messages) != 0 {
				t.Fatalf("expected 0 messages after expunge, got %d", len(messages))
			}
		})
	}
}

package mbox

import (
	"context"
	"io"
	"os"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/infodancer/mailstore/flags"
)

func TestCopy_ToOtherMailbox(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir, testConfig(), "")
	ctx := context.Background()

	src, err := store.OpenMailbox(ctx, "INBOX", OpenOptions{Create: true})
	if err != nil {
		t.Fatalf("OpenMailbox failed: %v", err)
	}
	defer src.Close()
	for _, msg := range []string{"Subject: one\n\nbody one\n", "Subject: two\n\nbody two\n"} {
		if _, err := src.Append(ctx, strings.NewReader(msg), AppendOptions{InternalDate: time.Date(2024, 1, 2, 15, 4, 5, 0, time.UTC)}); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}
	if err := src.SetFlags([]uint32{1}, flags.Seen|flags.Flagged, []string{"work"}); err != nil {
		t.Fatalf("SetFlags failed: %v", err)
	}

	ids, err := src.Copy(ctx, []uint32{2, 1, 2}, store, "Archive")
	if err != nil {
		t.Fatalf("Copy failed: %v", err)
	}
	if !reflect.DeepEqual(ids, []string{"1", "2"}) {
		t.Fatalf("copied uids %v", ids)
	}

	dst, err := store.OpenMailbox(ctx, "Archive", OpenOptions{ReadOnly: true})
	if err != nil {
		t.Fatalf("OpenMailbox failed: %v", err)
	}
	defer dst.Close()
	m, err := dst.Message(1)
	if err != nil {
		t.Fatalf("Message failed: %v", err)
	}
	// The new mailbox was rewritten when the first copy closed it, so the
	// message is no longer recent.
	if got := dst.FlagNames(m); !reflect.DeepEqual(got, []string{`\Seen`, `\Flagged`, "work"}) {
		t.Errorf("copied flags %v", got)
	}
	if !m.InternalDate.Equal(time.Date(2024, 1, 2, 15, 4, 5, 0, time.UTC)) {
		t.Errorf("copied internal date %v", m.InternalDate)
	}

	r, err := dst.FetchMessage(ctx, 2)
	if err != nil {
		t.Fatalf("FetchMessage failed: %v", err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "Subject: two\r\n\r\nbody two\r\n" {
		t.Errorf("copied message %q", data)
	}
}

func TestCopy_ToSameMailbox(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir, testConfig(), "")
	ctx := context.Background()

	path, err := store.MailboxPath("INBOX")
	if err != nil {
		t.Fatalf("MailboxPath failed: %v", err)
	}
	if err := os.WriteFile(path, []byte(twoMessages), 0600); err != nil {
		t.Fatal(err)
	}
	mb, err := store.OpenMailbox(ctx, "INBOX", OpenOptions{})
	if err != nil {
		t.Fatalf("OpenMailbox failed: %v", err)
	}
	defer mb.Close()
	if _, err := mb.Check(ctx); err != nil {
		t.Fatalf("Check failed: %v", err)
	}

	ids, err := mb.Copy(ctx, []uint32{1}, store, "INBOX")
	if err != nil {
		t.Fatalf("Copy failed: %v", err)
	}
	if !reflect.DeepEqual(ids, []string{"3"}) {
		t.Fatalf("copied uids %v", ids)
	}

	report, err := mb.Ping(ctx)
	if err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
	if report.New != 1 || report.UIDValidityChanged {
		t.Errorf("unexpected report: %+v", report)
	}
	m, err := mb.Message(3)
	if err != nil {
		t.Fatalf("Message failed: %v", err)
	}
	if !m.Flags.Has(flags.Seen | flags.Flagged) {
		t.Errorf("copied flags %v", m.Flags)
	}
}

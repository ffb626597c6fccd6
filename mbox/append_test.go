package mbox

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	mserrors "github.com/infodancer/mailstore/errors"
	"github.com/infodancer/mailstore/flags"
)

func TestAppend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "INBOX")
	mb := openMailbox(t, path, OpenOptions{Create: true})
	ctx := context.Background()
	date := time.Date(2024, 1, 2, 15, 4, 5, 0, time.UTC)

	uid, err := mb.Append(ctx, strings.NewReader("Subject: hi\r\nStatus: RO\r\n\r\nbody\r\n"), AppendOptions{
		Flags:        flags.Seen,
		InternalDate: date,
		Sender:       "sender@example.com",
	})
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if uid != 1 {
		t.Errorf("uid %d, expected 1", uid)
	}

	want := "From sender@example.com Tue Jan  2 15:04:05 2024 +0000\n" +
		"Subject: hi\n" +
		"Status: R\n" +
		"X-Status: \n" +
		"X-Keywords:\n" +
		"\n" +
		"body\n" +
		"\n"
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != want {
		t.Fatalf("mailbox contents:\n%q\nexpected:\n%q", data, want)
	}

	m, err := mb.Message(uid)
	if err != nil {
		t.Fatalf("Message failed: %v", err)
	}
	if m.Size != 21 {
		t.Errorf("size %d, expected 21", m.Size)
	}
	if m.Flags != flags.Seen|flags.Recent {
		t.Errorf("flags %v", m.Flags)
	}
	if !m.InternalDate.Equal(date) || m.Sender != "sender@example.com" {
		t.Errorf("envelope: %v %q", m.InternalDate, m.Sender)
	}

	uid, err = mb.Append(ctx, strings.NewReader("Subject: second\n\nmore\n"), AppendOptions{})
	if err != nil {
		t.Fatalf("second Append failed: %v", err)
	}
	if uid != 2 {
		t.Errorf("uid %d, expected 2", uid)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	m, _ = mb.Message(2)
	if m.Offset != int64(len(want)) || m.End()+1 != info.Size() {
		t.Errorf("second message at %d ending %d, file size %d", m.Offset, m.End(), info.Size())
	}
	if m.Sender != "tester" {
		t.Errorf("default sender %q", m.Sender)
	}
}

func TestAppend_QuotesEnvelopeLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "INBOX")
	mb := openMailbox(t, path, OpenOptions{Create: true})
	ctx := context.Background()

	msg := "Subject: quoting\n\nFrom me Tue Jan  2 15:04:05 2024\nFrom here on\nend\n"
	uid, err := mb.Append(ctx, strings.NewReader(msg), AppendOptions{})
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	fresh := openMailbox(t, path, OpenOptions{ReadOnly: true})
	if n := len(fresh.Messages()); n != 1 {
		t.Fatalf("expected 1 message, got %d", n)
	}
	r, err := fresh.FetchBody(ctx, uid)
	if err != nil {
		t.Fatalf("FetchBody failed: %v", err)
	}
	defer r.Close()
	body, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	want := ">From me Tue Jan  2 15:04:05 2024\r\nFrom here on\r\nend\r\n"
	if string(body) != want {
		t.Errorf("body %q, expected %q", body, want)
	}
}

func TestAppend_HeaderOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "INBOX")
	mb := openMailbox(t, path, OpenOptions{Create: true})

	uid, err := mb.Append(context.Background(), strings.NewReader("Subject: only a header"), AppendOptions{})
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	m, _ := mb.Message(uid)
	if m.BodyLen != 0 || m.HeaderSize != len64("Subject: only a header\r\n\r\n") {
		t.Errorf("body len %d header size %d", m.BodyLen, m.HeaderSize)
	}
}

func len64(s string) int64 {
	return int64(len(s))
}

func TestAppend_Empty(t *testing.T) {
	mb := openMailbox(t, writeMailbox(t, twoMessages), OpenOptions{})
	_, err := mb.Append(context.Background(), strings.NewReader(""), AppendOptions{})
	if !errors.Is(err, mserrors.ErrEmptyMessage) {
		t.Fatalf("expected ErrEmptyMessage, got %v", err)
	}
}

func TestAppend_Keywords(t *testing.T) {
	path := writeMailbox(t, twoMessages)
	mb := openMailbox(t, path, OpenOptions{})
	ctx := context.Background()

	uid, err := mb.Append(ctx, strings.NewReader("Subject: k\n\nk\n"), AppendOptions{Keywords: []string{"work"}})
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := mb.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	fresh := openMailbox(t, path, OpenOptions{ReadOnly: true})
	m, err := fresh.Message(uid)
	if err != nil {
		t.Fatalf("Message failed: %v", err)
	}
	// The appended message is still new to the next session.
	if names := fresh.FlagNames(m); !reflect.DeepEqual(names, []string{`\Recent`, "work"}) {
		t.Errorf("flags %v", names)
	}
	// The message that was recent when the appending session opened is not.
	if m, err := fresh.Message(2); err != nil || m.Flags.Has(flags.Recent) {
		t.Errorf("message 2: %v %v", m.Flags, err)
	}
}

func TestAppend_UnterminatedMailbox(t *testing.T) {
	path := writeMailbox(t, strings.TrimSuffix(twoMessages, "\n"))
	mb := openMailbox(t, path, OpenOptions{})

	uid, err := mb.Append(context.Background(), strings.NewReader("Subject: three\n\nthree\n"), AppendOptions{})
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if uid != 3 {
		t.Errorf("uid %d, expected 3", uid)
	}
	fresh := openMailbox(t, path, OpenOptions{ReadOnly: true})
	if got := uids(fresh.Messages()); len(got) != 3 {
		t.Errorf("uids after append: %v", got)
	}
}

func TestAppend_RollsBack(t *testing.T) {
	path := writeMailbox(t, twoMessages)
	cfg := testConfig()
	cfg.MaxLineLength = 1024
	ctx := context.Background()
	mb, err := Open(ctx, path, cfg, OpenOptions{})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer mb.Close()
	if _, err := mb.Check(ctx); err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	before, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	msg := "Subject: long\n\nshort line\n" + strings.Repeat("x", 4000) + "\n"
	if _, err := mb.Append(ctx, strings.NewReader(msg), AppendOptions{}); !errors.Is(err, mserrors.ErrLineTooLong) {
		t.Fatalf("expected ErrLineTooLong, got %v", err)
	}
	after, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(after) != string(before) {
		t.Fatal("mailbox changed by failed append")
	}

	report, err := mb.Ping(ctx)
	if err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
	if report.UIDValidityChanged || report.Exists != 2 {
		t.Errorf("unexpected report: %+v", report)
	}
	uid, err := mb.Append(ctx, strings.NewReader("Subject: ok\n\nok\n"), AppendOptions{})
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if uid != 3 {
		t.Errorf("uid %d, expected 3", uid)
	}
}

func TestAppend_NonSeekable(t *testing.T) {
	mb := openMailbox(t, filepath.Join(t.TempDir(), "INBOX"), OpenOptions{Create: true})
	pr, pw := io.Pipe()
	go func() {
		pw.Write([]byte("Subject: piped\r\n\r\nthrough a pipe\r\n"))
		pw.Close()
	}()
	uid, err := mb.Append(context.Background(), pr, AppendOptions{})
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	header, err := mb.FetchHeader(context.Background(), uid)
	if err != nil {
		t.Fatalf("FetchHeader failed: %v", err)
	}
	if string(header) != "Subject: piped\r\n\r\n" {
		t.Errorf("header %q", header)
	}
}

func TestNormalizedSize(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"", 0},
		{"a\n", 3},
		{"a\r\n", 3},
		{"a\nb", 4},
		{"\n\n", 4},
	}
	for _, tt := range tests {
		got, err := normalizedSize(strings.NewReader(tt.in))
		if err != nil {
			t.Fatalf("normalizedSize(%q): %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("normalizedSize(%q) = %d, expected %d", tt.in, got, tt.want)
		}
	}
}

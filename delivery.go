package mailstore

import (
	"context"
	"io"
	"net"
	"strings"
	"time"
)

// DeliveryAgent handles message delivery to storage.
// smtpd calls Deliver() after a message passes filtering.
type DeliveryAgent interface {
	// Deliver stores a message for the specified recipients.
	// envelope contains sender and recipient information.
	// message is the raw RFC 5322 message content.
	Deliver(ctx context.Context, envelope Envelope, message io.Reader) error
}

// Envelope contains the message envelope information from the SMTP transaction.
type Envelope struct {
	// From is the MAIL FROM address (reverse-path).
	From string

	// Recipients contains the RCPT TO addresses (forward-paths).
	Recipients []string

	// ReceivedTime is when the message was received by the server.
	ReceivedTime time.Time

	// ClientIP is the IP address of the connecting client.
	ClientIP net.IP

	// ClientHostname is the hostname provided in EHLO/HELO.
	ClientHostname string
}

// Recipient is a parsed forward-path.
type Recipient struct {
	// Address is the mailbox address with any subaddress removed,
	// e.g. "user@example.com" for "user+lists@example.com".
	Address string

	// Extension is the subaddress, e.g. "lists". Empty if none.
	Extension string
}

// ParseRecipient splits the "+extension" subaddress off the local part of
// addr. Everything after the first "+" up to the last "@" is the extension.
func ParseRecipient(addr string) Recipient {
	local, domain := addr, ""
	if i := strings.LastIndex(addr, "@"); i >= 0 {
		local, domain = addr[:i], addr[i:]
	}
	base, ext, _ := strings.Cut(local, "+")
	return Recipient{Address: base + domain, Extension: ext}
}

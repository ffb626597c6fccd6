package rfc822

import (
	"strings"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
)

func addressList(h *mail.Header, key string) []*imap.Address {
	// Malformed lists yield whatever could be parsed.
	addrs, _ := h.AddressList(key)

	list := make([]*imap.Address, len(addrs))
	for i, a := range addrs {
		mailbox, host, _ := strings.Cut(a.Address, "@")
		list[i] = &imap.Address{
			PersonalName: a.Name,
			MailboxName:  mailbox,
			HostName:     host,
		}
	}
	return list
}

// Envelope returns the IMAP envelope of a message header. Sender and Reply-To
// default to From when absent.
func Envelope(h textproto.Header) *imap.Envelope {
	mh := mail.Header{Header: message.Header{Header: h}}

	env := new(imap.Envelope)
	env.Date, _ = mh.Date()
	env.Subject, _ = mh.Subject()
	env.From = addressList(&mh, "From")
	env.Sender = addressList(&mh, "Sender")
	if len(env.Sender) == 0 {
		env.Sender = env.From
	}
	env.ReplyTo = addressList(&mh, "Reply-To")
	if len(env.ReplyTo) == 0 {
		env.ReplyTo = env.From
	}
	env.To = addressList(&mh, "To")
	env.Cc = addressList(&mh, "Cc")
	env.Bcc = addressList(&mh, "Bcc")
	env.InReplyTo = mh.Get("In-Reply-To")
	env.MessageId = mh.Get("Message-Id")
	return env
}

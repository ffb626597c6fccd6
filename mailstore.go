// Package mailstore defines the interfaces between mail servers and mailbox
// storage, and a registry of storage implementations.
//
// Implementations register themselves by type name from an init function. A
// program enables one by importing its package for side effects:
//
//	import _ "github.com/infodancer/mailstore/mbox"
//
// and opens it by name:
//
//	store, err := mailstore.Open(mailstore.StoreConfig{
//	    Type:     "mbox",
//	    BasePath: "/var/mail",
//	})
package mailstore

// MailStore combines delivery and storage operations.
// It embeds both DeliveryAgent (for smtpd message delivery) and
// MessageStore (for pop3d/imapd message retrieval), and Appender for
// copying between mailboxes and stores.
type MailStore interface {
	DeliveryAgent
	MessageStore
	Appender
}

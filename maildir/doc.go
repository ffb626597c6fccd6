// Package maildir provides a Maildir-format message store implementation.
//
// Each message is kept as a separate file:
//
//	basePath/
//	└── user@example.com/
//	    ├── new/     # Newly delivered messages
//	    ├── cur/     # Messages that have been seen
//	    └── tmp/     # Temporary files during delivery
//
// System flags are kept in the file names. The package registers itself with
// the mailstore registry under the name "maildir", and serves as a copy
// destination for the mbox store:
//
//	import _ "github.com/infodancer/mailstore/maildir"
//
//	store, err := mailstore.Open(mailstore.StoreConfig{
//	    Type:     "maildir",
//	    BasePath: "/var/mail",
//	})
package maildir

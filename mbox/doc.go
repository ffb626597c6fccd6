// Package mbox stores mail in flat mbox files, one file per mailbox.
//
// A mailbox file is a sequence of messages, each introduced by an envelope
// line ("From sender date") and separated from the next by a blank line.
// Message flags live in synthesized header lines of each message (Status,
// X-Status, X-Keywords, X-UID), and mailbox state (UID validity, last UID,
// keyword table) in the X-IMAP header of a hidden first pseudo-message:
//
//	From MAILER-DAEMON Mon Mar  4 10:00:00 2024 +0000
//	Subject: DON'T DELETE THIS MESSAGE -- FOLDER INTERNAL DATA
//	X-IMAP: 1709546400 0000000002 $Label1
//	Status: RO
//
//	...
//
//	From alice@example.org Mon Mar  4 10:01:00 2024 +0000
//	Subject: hello
//	Status: RO
//	X-Status: F
//	X-Keywords: $Label1
//	X-UID: 1
//
//	body
//
// A Mailbox is a session on one file. It indexes the file incrementally as
// it grows, appends under an exclusive lock, and folds flag changes and
// expunges back into the file by rewriting it through a scratch copy. Several
// processes may have the same mailbox open; package lock orders them.
//
// Store exposes a directory of mailbox files through the mailstore
// interfaces and registers itself under the name "mbox":
//
//	import _ "github.com/infodancer/mailstore/mbox"
package mbox

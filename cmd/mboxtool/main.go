// Command mboxtool inspects and maintains mbox mailboxes.
//
// Usage:
//
//	mboxtool [-config file] [-loglevel level] command [flags] [args]
//
// Run "mboxtool help" for the list of commands.
package main

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/emersion/go-imap"
	gombox "github.com/emersion/go-mbox"
	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
	"github.com/mjl-/sconf"

	"github.com/infodancer/mailstore"
	"github.com/infodancer/mailstore/config"
	"github.com/infodancer/mailstore/flags"
	"github.com/infodancer/mailstore/lock"
	_ "github.com/infodancer/mailstore/maildir"
	"github.com/infodancer/mailstore/mbox"
	"github.com/infodancer/mailstore/rfc822"
)

var commands []struct {
	cmd  string
	fn   func(c *cmd)
	help string
}

func init() {
	commands = []struct {
		cmd  string
		fn   func(c *cmd)
		help string
	}{
		{"check", cmdCheck, "Parse a mailbox and write pending state."},
		{"list", cmdList, "List the messages of a mailbox."},
		{"show", cmdShow, "Print the envelope and body structure of a message."},
		{"cat", cmdCat, "Write a message to standard output."},
		{"append", cmdAppend, "Append a message read from standard input."},
		{"flag", cmdFlag, "Set or clear flags of messages."},
		{"expunge", cmdExpunge, "Remove messages flagged \\Deleted."},
		{"copy", cmdCopy, "Copy messages to a mailbox of a store."},
		{"export", cmdExport, "Write messages as a plain mboxrd stream."},
		{"import", cmdImport, "Append the messages of an mbox stream."},
		{"config describe", cmdConfigDescribe, "Print an annotated configuration file."},
		{"help", cmdHelp, "Print the list of commands."},
	}
}

type cmd struct {
	words []string
	fn    func(c *cmd)
	help  string

	flag   *flag.FlagSet
	params string
	args   []string

	ctx   context.Context
	cfg   config.Config
	guard *lock.SignalGuard
}

func (c *cmd) Parse(args []string) []string {
	c.flag.Usage = c.Usage
	c.flag.Parse(args)
	c.args = c.flag.Args()
	return c.args
}

func (c *cmd) Usage() {
	fmt.Fprintf(os.Stderr, "usage: mboxtool %s %s\n", strings.Join(c.words, " "), c.params)
	c.flag.SetOutput(os.Stderr)
	c.flag.PrintDefaults()
	if c.help != "" {
		fmt.Fprintf(os.Stderr, "\n%s\n", c.help)
	}
	os.Exit(2)
}

// open opens a session on the mbox file at path.
func (c *cmd) open(path string, opts mbox.OpenOptions) *mbox.Mailbox {
	opts.Notifier = c.guard
	mb, err := mbox.Open(c.ctx, path, c.cfg, opts)
	xcheckf(err, "open %s", path)
	return mb
}

func xcheckf(err error, format string, args ...any) {
	if err == nil {
		return
	}
	log.Fatalf("%s: %s", fmt.Sprintf(format, args...), err)
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: mboxtool [-config file] [-loglevel level] command [flags] [args]")
	flag.PrintDefaults()
	fmt.Fprintln(os.Stderr, "\ncommands:")
	w := tabwriter.NewWriter(os.Stderr, 0, 8, 2, ' ', 0)
	for _, xc := range commands {
		fmt.Fprintf(w, "\t%s\t%s\n", xc.cmd, xc.help)
	}
	w.Flush()
	os.Exit(2)
}

func main() {
	log.SetFlags(0)

	var configPath, loglevel string
	flag.StringVar(&configPath, "config", os.Getenv("MBOXTOOLCONF"), "sconf configuration file, defaults to $MBOXTOOLCONF")
	flag.StringVar(&loglevel, "loglevel", "", "one of debug, info, warn, error; overrides the configuration file")
	flag.Usage = usage
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		usage()
	}

	var cfg config.Config
	var err error
	if configPath != "" {
		cfg, err = config.Load(configPath)
	} else {
		cfg, err = config.Init(config.File{})
	}
	xcheckf(err, "configuration")
	if loglevel != "" {
		var level slog.Level
		err := level.UnmarshalText([]byte(strings.ToUpper(loglevel)))
		xcheckf(err, "log level")
		cfg.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	slog.SetDefault(cfg.Logger)

	// Termination signals cancel the context, but not while a mailbox is
	// being rewritten.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	guard := lock.NewSignalGuard(func(sig os.Signal) {
		cfg.Logger.Info("signal received, stopping", slog.String("signal", sig.String()))
		cancel()
	})
	defer guard.Stop()

next:
	for _, xc := range commands {
		words := strings.Split(xc.cmd, " ")
		if len(args) < len(words) {
			continue
		}
		for i, w := range words {
			if args[i] != w {
				continue next
			}
		}
		c := &cmd{
			words: words,
			fn:    xc.fn,
			help:  xc.help,
			flag:  flag.NewFlagSet("mboxtool "+xc.cmd, flag.ExitOnError),
			ctx:   ctx,
			cfg:   cfg,
			guard: guard,
		}
		c.args = args[len(words):]
		c.fn(c)
		return
	}
	usage()
}

func cmdHelp(c *cmd) {
	usage()
}

func cmdCheck(c *cmd) {
	c.params = "mbox"
	readOnly := c.flag.Bool("ro", false, "parse only, do not write state")
	args := c.Parse(c.args)
	if len(args) != 1 {
		c.Usage()
	}

	mb := c.open(args[0], mbox.OpenOptions{ReadOnly: *readOnly})
	defer mb.Close()
	var report mbox.SyncReport
	var err error
	if mb.ReadOnly() {
		report, err = mb.Ping(c.ctx)
	} else {
		report, err = mb.Check(c.ctx)
	}
	xcheckf(err, "check")
	fmt.Printf("messages %d, recent %d, uidvalidity %d, uidnext %d\n", report.Exists, report.Recent, mb.UIDValidity(), mb.UIDNext())
	if kw := mb.Keywords(); len(kw) > 0 {
		fmt.Printf("keywords %s\n", strings.Join(kw, " "))
	}
}

func cmdList(c *cmd) {
	c.params = "mbox"
	all := c.flag.Bool("a", false, "include messages flagged \\Deleted")
	numeric := c.flag.String("numeric", "", "print flags packed as hex or octal digits instead of names")
	args := c.Parse(c.args)
	if len(args) != 1 {
		c.Usage()
	}
	var codec *flags.NumericCodec
	switch *numeric {
	case "":
	case "hex":
		codec = &flags.Hex
	case "octal":
		codec = &flags.Octal
	default:
		c.Usage()
	}

	mb := c.open(args[0], mbox.OpenOptions{ReadOnly: true})
	defer mb.Close()
	w := tabwriter.NewWriter(os.Stdout, 0, 8, 1, ' ', 0)
	for _, m := range mb.Messages() {
		if !*all && m.Flags.Has(flags.Deleted) {
			continue
		}
		fl := strings.Join(mb.FlagNames(m), " ")
		if codec != nil {
			fl = codec.Encode(flags.Status{Flags: m.Flags, User: m.Keywords})
		}
		fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%s\n", m.UID, m.Size, m.InternalDate.Format(time.RFC3339), m.Sender, fl)
	}
	w.Flush()
}

func cmdShow(c *cmd) {
	c.params = "mbox uid"
	args := c.Parse(c.args)
	if len(args) != 2 {
		c.Usage()
	}

	mb := c.open(args[0], mbox.OpenOptions{ReadOnly: true})
	defer mb.Close()
	env, bs, err := mb.Parse(c.ctx, xparseUID(args[1]), rfc822.MessageParser{Extended: true})
	xcheckf(err, "parse message")
	fmt.Printf("date: %s\n", env.Date.Format(time.RFC1123Z))
	fmt.Printf("subject: %s\n", env.Subject)
	for _, a := range env.From {
		fmt.Printf("from: %s@%s\n", a.MailboxName, a.HostName)
	}
	fmt.Printf("message-id: %s\n", env.MessageId)
	printStructure(bs, "1")
}

func printStructure(bs *imap.BodyStructure, part string) {
	fmt.Printf("part %s: %s/%s, %d bytes\n", part, bs.MIMEType, bs.MIMESubType, bs.Size)
	for i, p := range bs.Parts {
		printStructure(p, part+"."+strconv.Itoa(i+1))
	}
}

func cmdCat(c *cmd) {
	c.params = "mbox uid"
	header := c.flag.Bool("h", false, "write the header only")
	args := c.Parse(c.args)
	if len(args) != 2 {
		c.Usage()
	}

	mb := c.open(args[0], mbox.OpenOptions{ReadOnly: true})
	defer mb.Close()
	uid := xparseUID(args[1])
	if *header {
		buf, err := mb.FetchHeader(c.ctx, uid)
		xcheckf(err, "fetch header")
		_, err = os.Stdout.Write(buf)
		xcheckf(err, "write")
		return
	}
	r, err := mb.FetchMessage(c.ctx, uid)
	xcheckf(err, "fetch message")
	defer r.Close()
	_, err = io.Copy(os.Stdout, r)
	xcheckf(err, "write")
}

func cmdAppend(c *cmd) {
	c.params = "mbox <message"
	flagList := c.flag.String("flags", "", "comma-separated IMAP flags and keywords")
	sender := c.flag.String("sender", "", "envelope sender, defaults to the local user")
	date := c.flag.String("date", "", "internal date in RFC 3339 format, defaults to now")
	args := c.Parse(c.args)
	if len(args) != 1 {
		c.Usage()
	}

	opts := mbox.AppendOptions{Sender: *sender}
	opts.Flags, opts.Keywords = flags.FromIMAP(splitList(*flagList))
	if *date != "" {
		t, err := time.Parse(time.RFC3339, *date)
		xcheckf(err, "parse date")
		opts.InternalDate = t
	}

	mb := c.open(args[0], mbox.OpenOptions{Create: true})
	uid, err := mb.Append(c.ctx, os.Stdin, opts)
	xcheckf(err, "append")
	xcheckf(mb.Close(), "close")
	fmt.Println(uid)
}

func cmdFlag(c *cmd) {
	c.params = "mbox uid[,uid...] flag..."
	clearFlags := c.flag.Bool("clear", false, "clear the flags instead of setting them")
	args := c.Parse(c.args)
	if len(args) < 3 {
		c.Usage()
	}

	var uids []uint32
	for _, s := range splitList(args[1]) {
		uids = append(uids, xparseUID(s))
	}
	f, keywords := flags.FromIMAP(args[2:])

	mb := c.open(args[0], mbox.OpenOptions{})
	defer mb.Close()
	var err error
	if *clearFlags {
		err = mb.ClearFlags(uids, f, keywords)
	} else {
		err = mb.SetFlags(uids, f, keywords)
	}
	xcheckf(err, "change flags")
	_, err = mb.Check(c.ctx)
	xcheckf(err, "write flags")
}

func cmdExpunge(c *cmd) {
	c.params = "mbox"
	args := c.Parse(c.args)
	if len(args) != 1 {
		c.Usage()
	}

	mb := c.open(args[0], mbox.OpenOptions{})
	defer mb.Close()
	report, err := mb.Expunge(c.ctx)
	xcheckf(err, "expunge")
	fmt.Printf("expunged %d\n", len(report.Expunged))
}

func cmdCopy(c *cmd) {
	c.params = "mbox uid[,uid...] mailbox"
	storeType := c.flag.String("type", "mbox", "destination store type: "+strings.Join(mailstore.RegisteredTypes(), ", "))
	basePath := c.flag.String("base", ".", "base path of the destination store")
	pathTemplate := c.flag.String("template", "", "path template of the destination store, e.g. {domain}/{localpart}")
	args := c.Parse(c.args)
	if len(args) != 3 {
		c.Usage()
	}

	var uids []uint32
	for _, s := range splitList(args[1]) {
		uids = append(uids, xparseUID(s))
	}
	dst, err := mailstore.Open(mailstore.StoreConfig{
		Type:     *storeType,
		BasePath: *basePath,
		Options:  map[string]string{"path_template": *pathTemplate},
	})
	xcheckf(err, "open destination store")

	mb := c.open(args[0], mbox.OpenOptions{ReadOnly: true})
	defer mb.Close()
	ids, err := mb.Copy(c.ctx, uids, dst, args[2])
	xcheckf(err, "copy")
	fmt.Println(strings.Join(ids, " "))
}

func cmdExport(c *cmd) {
	c.params = "mbox >stream"
	all := c.flag.Bool("a", false, "include messages flagged \\Deleted")
	args := c.Parse(c.args)
	if len(args) != 1 {
		c.Usage()
	}

	mb := c.open(args[0], mbox.OpenOptions{ReadOnly: true})
	defer mb.Close()

	bw := bufio.NewWriter(os.Stdout)
	w := gombox.NewWriter(bw)
	for _, m := range mb.Messages() {
		if !*all && m.Flags.Has(flags.Deleted) {
			continue
		}
		if c.ctx.Err() != nil {
			break
		}
		mw, err := w.CreateMessage(m.Sender, m.InternalDate)
		xcheckf(err, "create message")
		r, err := mb.FetchMessage(c.ctx, m.UID)
		xcheckf(err, "fetch message %d", m.UID)
		_, err = io.Copy(mw, &lfReader{r: bufio.NewReader(r)})
		r.Close()
		xcheckf(err, "write message %d", m.UID)
	}
	xcheckf(w.Close(), "close stream")
	xcheckf(bw.Flush(), "write")
}

// lfReader turns CRLF line endings into LF.
type lfReader struct {
	r   *bufio.Reader
	buf []byte
}

func (l *lfReader) Read(p []byte) (int, error) {
	for len(l.buf) == 0 {
		line, err := l.r.ReadSlice('\n')
		if len(line) > 0 {
			if bytes.HasSuffix(line, []byte("\r\n")) {
				line = append(line[:len(line)-2], '\n')
			}
			l.buf = line
			break
		}
		if err != nil {
			return 0, err
		}
	}
	n := copy(p, l.buf)
	l.buf = l.buf[n:]
	return n, nil
}

func cmdImport(c *cmd) {
	c.params = "mbox <stream"
	flagList := c.flag.String("flags", "", "comma-separated IMAP flags and keywords for every imported message")
	args := c.Parse(c.args)
	if len(args) != 1 {
		c.Usage()
	}

	f, keywords := flags.FromIMAP(splitList(*flagList))
	mb := c.open(args[0], mbox.OpenOptions{Create: true})

	r := gombox.NewReader(bufio.NewReader(os.Stdin))
	n := 0
	for c.ctx.Err() == nil {
		msg, err := r.NextMessage()
		if errors.Is(err, io.EOF) {
			break
		}
		xcheckf(err, "read stream")
		data, err := io.ReadAll(msg)
		xcheckf(err, "read message %d", n+1)

		opts := mbox.AppendOptions{Flags: f, Keywords: keywords}
		if h, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(data))); err == nil {
			mh := mail.Header{Header: message.Header{Header: h}}
			if t, err := mh.Date(); err == nil {
				opts.InternalDate = t
			}
			if from, err := mh.AddressList("From"); err == nil && len(from) > 0 {
				opts.Sender = from[0].Address
			}
		}
		_, err = mb.Append(c.ctx, bytes.NewReader(data), opts)
		xcheckf(err, "append message %d", n+1)
		n++
	}
	xcheckf(mb.Close(), "close")
	fmt.Printf("imported %d\n", n)
}

func cmdConfigDescribe(c *cmd) {
	c.params = ">mboxtool.conf"
	if len(c.Parse(c.args)) != 0 {
		c.Usage()
	}

	var f config.File
	err := sconf.Describe(os.Stdout, &f)
	xcheckf(err, "describing config")
}

func xparseUID(s string) uint32 {
	uid, err := strconv.ParseUint(s, 10, 32)
	if err == nil && uid == 0 {
		err = errors.New("uid must be positive")
	}
	xcheckf(err, "parse uid %q", s)
	return uint32(uid)
}

func splitList(s string) []string {
	var l []string
	for _, e := range strings.Split(s, ",") {
		if e = strings.TrimSpace(e); e != "" {
			l = append(l, e)
		}
	}
	return l
}

// Package rfc822 derives IMAP envelope and body structure data from a stored
// message.
package rfc822

import (
	"bufio"
	"bytes"
	"fmt"
	"io"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-message/textproto"
)

// Parser computes the envelope and body structure of a message given its raw
// header block and a reader over its body.
type Parser interface {
	Parse(header []byte, body io.Reader) (*imap.Envelope, *imap.BodyStructure, error)
}

// MessageParser is the default Parser. Extended enables the extension data of
// BODYSTRUCTURE (disposition, language, location, MD5).
type MessageParser struct {
	Extended bool
}

var _ Parser = MessageParser{}

// Parse implements Parser.
func (p MessageParser) Parse(header []byte, body io.Reader) (*imap.Envelope, *imap.BodyStructure, error) {
	h, err := ReadHeader(header)
	if err != nil {
		return nil, nil, err
	}
	bs, err := BodyStructure(h, body, p.Extended)
	if err != nil {
		return nil, nil, err
	}
	return Envelope(h), bs, nil
}

// ReadHeader parses a header block. A block missing its terminating blank
// line, as for a message that is all header, is accepted.
func ReadHeader(header []byte) (textproto.Header, error) {
	buf := header
	if !bytes.HasSuffix(buf, []byte("\n")) {
		buf = append(buf[:len(buf):len(buf)], '\n')
	}
	if !bytes.HasSuffix(buf, []byte("\n\n")) && !bytes.HasSuffix(buf, []byte("\n\r\n")) {
		buf = append(buf[:len(buf):len(buf)], '\n')
	}
	h, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(buf)))
	if err != nil {
		return textproto.Header{}, fmt.Errorf("read header: %w", err)
	}
	return h, nil
}

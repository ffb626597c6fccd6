package rfc822

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-message"
	"github.com/emersion/go-message/textproto"
)

// BodyStructure computes the body structure of an entity from its header and
// raw, still transfer-encoded body. Sizes and line counts are those of the
// body with CRLF line endings.
func BodyStructure(h textproto.Header, body io.Reader, extended bool) (*imap.BodyStructure, error) {
	mh := message.Header{Header: h}
	bs := new(imap.BodyStructure)

	mediaType, params, err := mh.ContentType()
	if err != nil || mediaType == "" {
		mediaType, params = "text/plain", map[string]string{"charset": "us-ascii"}
	}
	typ, sub, _ := strings.Cut(strings.ToLower(mediaType), "/")
	bs.MIMEType = typ
	bs.MIMESubType = sub
	bs.Params = params

	bs.Id = h.Get("Content-Id")
	bs.Description = h.Get("Content-Description")
	bs.Encoding = strings.ToUpper(strings.TrimSpace(h.Get("Content-Transfer-Encoding")))
	if bs.Encoding == "" {
		bs.Encoding = "7BIT"
	}

	cr := &counter{r: body}
	switch {
	case typ == "multipart":
		if params["boundary"] == "" {
			break
		}
		mr := textproto.NewMultipartReader(cr, params["boundary"])
		for {
			p, err := mr.NextPart()
			if err == io.EOF {
				break
			} else if err != nil {
				return nil, fmt.Errorf("multipart: %w", err)
			}
			pbs, err := BodyStructure(p.Header, p, extended)
			if err != nil {
				return nil, err
			}
			bs.Parts = append(bs.Parts, pbs)
		}
	case typ == "message" && sub == "rfc822":
		br := bufio.NewReader(cr)
		nh, err := textproto.ReadHeader(br)
		if err != nil {
			break
		}
		bs.Envelope = Envelope(nh)
		if bs.BodyStructure, err = BodyStructure(nh, br, extended); err != nil {
			return nil, err
		}
	}
	if _, err := io.Copy(io.Discard, cr); err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	bs.Size = cr.size()
	bs.Lines = cr.lines()

	if extended {
		bs.Extended = true
		bs.Disposition, bs.DispositionParams, _ = mh.ContentDisposition()
		if lang := h.Get("Content-Language"); lang != "" {
			for _, l := range strings.Split(lang, ",") {
				bs.Language = append(bs.Language, strings.TrimSpace(l))
			}
		}
		if loc := h.Get("Content-Location"); loc != "" {
			bs.Location = []string{loc}
		}
		bs.MD5 = h.Get("Content-Md5")
	}
	return bs, nil
}

// counter measures a body as it would appear with CRLF line endings.
type counter struct {
	r      io.Reader
	n      uint32
	lf     uint32
	bareLF uint32
	last   byte
}

func (c *counter) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	for _, b := range p[:n] {
		if b == '\n' {
			c.lf++
			if c.last != '\r' {
				c.bareLF++
			}
		}
		c.last = b
	}
	c.n += uint32(n)
	return n, err
}

func (c *counter) size() uint32 {
	return c.n + c.bareLF
}

func (c *counter) lines() uint32 {
	if c.n > 0 && c.last != '\n' {
		return c.lf + 1
	}
	return c.lf
}

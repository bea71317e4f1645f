// Package msgbuilder serializes a composed message into the single
// octet stream handed to SMTP DATA or IMAP APPEND.
package msgbuilder

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/textproto"
	"strings"
	"time"

	"crawshaw.io/iox"
	"github.com/google/uuid"

	"mailcore.dev/core/email"
)

type Builder struct {
	Filer         *iox.Filer
	FillOutFields bool // fill out Part encoding and size fields
}

// AttachmentUnavailableError reports that an attachment's content
// source could not be read. The message stream is abandoned rather
// than emitted with a truncated part.
type AttachmentUnavailableError struct {
	Name string
	Err  error
}

func (e *AttachmentUnavailableError) Error() string {
	return fmt.Sprintf("msgbuilder: attachment %q unavailable: %v", e.Name, e.Err)
}
func (e *AttachmentUnavailableError) Unwrap() error { return e.Err }

// Compose is a message as the host hands it over: typed fields, not
// yet headers. BuildCompose turns it into an email.Msg and serializes
// it.
type Compose struct {
	From      email.Address
	To        []email.Address
	Cc        []email.Address
	Bcc       []email.Address // never written into the message; see EnvelopeRecipients
	Subject   string
	Date      time.Time
	InReplyTo string // Message-ID replied to, including angle brackets
	UserAgent string
	Host      string // Message-ID domain; empty suppresses Message-ID

	Text        string // UTF-8 plain text body
	Attachments []Attachment
}

// Attachment is one non-body part of a composed message. Content is
// read exactly once during Build; a read failure becomes an
// AttachmentUnavailableError.
type Attachment struct {
	Name        string
	ContentType string
	ContentID   string // set for inline (multipart/related) parts
	Content     io.Reader
}

// EnvelopeRecipients returns every recipient the transport must
// deliver to: To, Cc, and the Bcc entries that never appear in the
// serialized headers.
func (c *Compose) EnvelopeRecipients() []email.Address {
	out := make([]email.Address, 0, len(c.To)+len(c.Cc)+len(c.Bcc))
	out = append(out, c.To...)
	out = append(out, c.Cc...)
	out = append(out, c.Bcc...)
	return out
}

// BuildCompose serializes c to w. Header order is fixed: From, To, Cc,
// Subject, Date, User-Agent, MIME-Version, Message-ID, In-Reply-To,
// then the content headers of the root MIME node.
func (b *Builder) BuildCompose(w io.Writer, c *Compose) error {
	msg, err := b.composeMsg(c)
	if err != nil {
		return err
	}
	defer msg.Close()
	return b.Build(w, msg)
}

func (b *Builder) composeMsg(c *Compose) (*email.Msg, error) {
	msg := &email.Msg{Date: c.Date}
	hdr := &msg.Headers
	hdr.Add("From", []byte(formatAddress(c.From)))
	for _, a := range c.To {
		hdr.Add("To", []byte(formatAddress(a)))
	}
	for _, a := range c.Cc {
		hdr.Add("CC", []byte(formatAddress(a)))
	}
	hdr.Add("Subject", []byte(encodeHeaderText(c.Subject)))
	date := c.Date
	if date.IsZero() {
		date = time.Now()
	}
	hdr.Add("Date", []byte(date.Format(time.RFC1123Z)))
	if c.UserAgent != "" {
		hdr.Add("User-Agent", []byte(c.UserAgent))
	}
	hdr.Add("MIME-Version", []byte("1.0"))
	if c.Host != "" {
		hdr.Add("Message-ID", []byte("<"+uuid.New().String()+"@"+c.Host+">"))
	}
	if c.InReplyTo != "" {
		hdr.Add("In-Reply-To", []byte(c.InReplyTo))
	}

	body := b.Filer.BufferFile(0)
	if _, err := io.WriteString(body, c.Text); err != nil {
		body.Close()
		return nil, err
	}
	msg.Parts = append(msg.Parts, email.Part{
		PartNum:                 0,
		IsBody:                  true,
		ContentType:             "text/plain",
		Content:                 body,
		ContentTransferEncoding: "quoted-printable",
	})

	for _, a := range c.Attachments {
		buf := b.Filer.BufferFile(0)
		if a.Content == nil {
			buf.Close()
			msg.Close()
			return nil, &AttachmentUnavailableError{Name: a.Name, Err: fmt.Errorf("no content source")}
		}
		if _, err := io.Copy(buf, a.Content); err != nil {
			buf.Close()
			msg.Close()
			return nil, &AttachmentUnavailableError{Name: a.Name, Err: err}
		}
		if _, err := buf.Seek(0, 0); err != nil {
			buf.Close()
			msg.Close()
			return nil, &AttachmentUnavailableError{Name: a.Name, Err: err}
		}
		msg.Parts = append(msg.Parts, email.Part{
			PartNum:      len(msg.Parts),
			Name:         a.Name,
			IsAttachment: a.ContentID == "",
			ContentType:  a.ContentType,
			ContentID:    a.ContentID,
			Content:      buf,
		})
	}
	return msg, nil
}

// Build builds the MIME-encoded text form of msg.
// It rewrites msg.Headers as necessary.
func (b *Builder) Build(w io.Writer, msg *email.Msg) error {
	if err := b.write(w, msg); err != nil {
		var au *AttachmentUnavailableError
		if errors.As(err, &au) {
			return au
		}
		return fmt.Errorf("msgbuilder.Build: %v", err)
	}
	return nil
}

func (b *Builder) write(w io.Writer, msg *email.Msg) error {
	root, err := BuildTree(msg)
	if err != nil {
		return err
	}

	body := b.Filer.BufferFile(0)
	defer body.Close()
	if err := b.WriteNode(body, root); err != nil {
		return err
	}

	// Remove headers we will rewrite. MIME-Version keeps its position
	// when the composer already placed it.
	hdr := &msg.Headers
	if len(hdr.Get("MIME-Version")) == 0 {
		hdr.Add("MIME-Version", []byte("1.0"))
	}
	root.Header.ForEach(func(key email.Key, val string) {
		hdr.Del(key)
		if val != "" {
			hdr.Add(key, []byte(val))
		}
	})

	if _, err := body.Seek(0, 0); err != nil {
		return err
	}

	if _, err := msg.Headers.Encode(w); err != nil {
		return err
	}
	if _, err := io.Copy(w, body); err != nil {
		return err
	}

	return nil
}

func (b *Builder) WriteNode(w io.Writer, node *TreeNode) error {
	if node.Part != nil {
		return b.writePart(w, node.Header, node.Part)
	}

	_, params, err := mime.ParseMediaType(node.Header.ContentType)
	if err != nil {
		return err
	}
	boundary := params["boundary"]

	mw := multipart.NewWriter(w)
	if err := mw.SetBoundary(boundary); err != nil {
		panic(err)
	}

	for _, kid := range node.Kids {
		tphdr := make(textproto.MIMEHeader)
		kid.Header.ForEach(func(key email.Key, val string) {
			if val != "" {
				tphdr.Add(string(key), val)
			}
		})
		w, err := mw.CreatePart(tphdr)
		if err != nil {
			return err
		}
		if err := b.WriteNode(w, &kid); err != nil {
			return err
		}
	}
	if err := mw.Close(); err != nil {
		return err
	}

	return nil
}

func (b *Builder) writePart(w io.Writer, hdr PartHeader, part *email.Part) error {
	lenW := new(lengthWriter)
	w = io.MultiWriter(w, lenW)

	if err := EncodeContent(w, hdr, part); err != nil {
		return err
	}

	if b.FillOutFields {
		part.ContentTransferEncoding = hdr.ContentTransferEncoding
		part.ContentTransferSize = lenW.n
		part.ContentTransferLines = lenW.lines + 1
	}

	return nil
}

func EncodeContent(w io.Writer, hdr PartHeader, part *email.Part) error {
	if part.Content == nil {
		return &AttachmentUnavailableError{Name: part.Name, Err: fmt.Errorf("part %d has no content", part.PartNum)}
	}
	if _, err := part.Content.Seek(0, 0); err != nil {
		return &AttachmentUnavailableError{Name: part.Name, Err: err}
	}

	switch hdr.ContentTransferEncoding {
	case "", "7bit", "8bit", "binary":
		if _, err := io.Copy(w, part.Content); err != nil {
			return err
		}
	case "quoted-printable":
		qpw := quotedprintable.NewWriter(w)
		if _, err := io.Copy(qpw, part.Content); err != nil {
			return err
		}
		if err := qpw.Close(); err != nil {
			return err
		}
	case "base64":
		w = &lineBreakWriter{w: w, breakAt: 76}
		b64w := base64.NewEncoder(base64.StdEncoding, w)
		if _, err := io.Copy(b64w, part.Content); err != nil {
			return err
		}
		if err := b64w.Close(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("msgbuilder: unknown content-transfer-encoding: %q", hdr.ContentTransferEncoding)
	}
	part.Content.Seek(0, 0)
	return nil
}

// randBoundary generates a multipart boundary. The UUID makes a
// collision with message content implausible; the "=_" in the prefix
// cannot appear in quoted-printable output, which is how all tricky
// content is encoded.
func randBoundary() string {
	return "trojita=_" + uuid.New().String()
}

// formatAddress renders a in RFC 5322 mailbox form, RFC 2047-encoding
// the display name when it is not printable ASCII.
func formatAddress(a email.Address) string {
	if a.Name == "" {
		return a.Addr
	}
	name := a.Name
	if isASCIIPrintable(name) {
		if strings.ContainsAny(name, "()<>[]:;@\\,.\"") {
			name = quoteString(name)
		}
	} else {
		name = mime.QEncoding.Encode("UTF-8", name)
	}
	return name + " <" + a.Addr + ">"
}

// encodeHeaderText RFC 2047-encodes unstructured header text (Subject)
// when it contains non-ASCII bytes, and passes it through otherwise.
func encodeHeaderText(s string) string {
	if isASCIIPrintable(s) {
		return s
	}
	return mime.QEncoding.Encode("UTF-8", s)
}

func isASCIIPrintable(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < ' ' || s[i] > '~' {
			return false
		}
	}
	return true
}

func quoteString(s string) string {
	var sb strings.Builder
	sb.WriteByte('"')
	for i := 0; i < len(s); i++ {
		if s[i] == '"' || s[i] == '\\' {
			sb.WriteByte('\\')
		}
		sb.WriteByte(s[i])
	}
	sb.WriteByte('"')
	return sb.String()
}

type lengthWriter struct {
	n     int64
	lines int64
}

func (w *lengthWriter) Write(p []byte) (n int, err error) {
	w.n += int64(len(p))
	for _, b := range p {
		if b == '\n' {
			w.lines++
		}
	}
	return len(p), nil
}

type lineBreakWriter struct {
	w       io.Writer
	breakAt int
	seen    int
}

func (w *lineBreakWriter) Write(p []byte) (n int, err error) {
	for len(p) > 0 {
		if w.seen == w.breakAt {
			n2, err := w.w.Write(crlf)
			n += n2
			if err != nil {
				return n, err
			}
			w.seen = 0
		}

		toWrite := len(p)
		if toWrite-w.seen > w.breakAt {
			toWrite = w.breakAt - w.seen
		}
		n2, err := w.w.Write(p[:toWrite])
		n += n2
		w.seen += n2
		p = p[n2:]
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

var crlf = []byte{'\r', '\n'}

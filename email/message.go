// Package email is a light-weight set of types fundamental to processing email.
package email

import (
	"io"
	"time"
)

// Msg is an email message, either composed locally for sending or
// reassembled from a raw RFC 5322 stream.
type Msg struct {
	Date        time.Time
	Headers     Header
	Flags       []string
	Parts       []Part // Parts[i].PartNum == i
	EncodedSize int64  // size of encoded message, IMAP value RFC822.SIZE
}

func (m *Msg) Close() {
	for _, p := range m.Parts {
		if p.Content != nil {
			p.Content.Close()
			p.Content = nil
		}
	}
}

// Part represents a single part of a MIME multipart message.
// A Msg with a single text/plain part is not multipart encoded.
type Part struct {
	PartNum      int
	Name         string
	IsBody       bool
	IsAttachment bool
	ContentType  string
	ContentID    string
	Content      Buffer // decoded data

	Path                    string // MIME path as used in IMAP, ex. "1.2.3"
	ContentTransferEncoding string // "", "7bit", "8bit", "quoted-printable", "base64"
	ContentTransferSize     int64  // transfer-encoded size
	ContentTransferLines    int64  // transfer-encoded line count
}

// Buffer is content store.
//
// It is usually an *iox.BufferFile.
//
// Expect it to be fixed size.
type Buffer interface {
	io.Reader
	io.Writer
	io.Seeker
	io.Closer
	Size() int64
}

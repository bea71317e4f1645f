// Package dnd serializes the two MIME payloads the host application
// uses to move mail references between its own views (drag and drop,
// clipboard). These never touch the IMAP wire; they identify messages
// and parts by the same (mailbox, uidValidity, uid[, partPath]) keys
// the cache uses, so a drop target can resolve them without the
// source view's cooperation.
package dnd

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// MIME types recognized for intra-application transfer.
const (
	MimeMessageList = "application/x-trojita-message-list"
	MimeImapPart    = "application/x-trojita-imap-part"
)

// MessageList references a set of messages in one mailbox.
type MessageList struct {
	Mailbox     string
	UidValidity uint32
	Uids        []uint32
}

// ImapPart references one body part of one message.
type ImapPart struct {
	Mailbox     string
	UidValidity uint32
	Uid         uint32
	PartPath    string
}

// The wire form is length-prefixed big-endian: strings as uint32 byte
// count plus UTF-8 bytes, lists as uint32 element count plus
// elements.

func writeString(w io.Writer, s string) error {
	if err := binary.Write(w, binary.BigEndian, uint32(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func readString(r io.Reader) (string, error) {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return "", err
	}
	if n > 1<<20 {
		return "", fmt.Errorf("dnd: string length %d too large", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// MarshalBinary encodes the payload for a drag source.
func (m *MessageList) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	if err := writeString(&buf, m.Mailbox); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, m.UidValidity); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, uint32(len(m.Uids))); err != nil {
		return nil, err
	}
	for _, uid := range m.Uids {
		if err := binary.Write(&buf, binary.BigEndian, uid); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary decodes a drop payload.
func (m *MessageList) UnmarshalBinary(data []byte) error {
	r := bytes.NewReader(data)
	var err error
	if m.Mailbox, err = readString(r); err != nil {
		return fmt.Errorf("dnd: message list mailbox: %w", err)
	}
	if err := binary.Read(r, binary.BigEndian, &m.UidValidity); err != nil {
		return fmt.Errorf("dnd: message list uidvalidity: %w", err)
	}
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return fmt.Errorf("dnd: message list uid count: %w", err)
	}
	if n > 1<<24 {
		return fmt.Errorf("dnd: message list of %d uids too large", n)
	}
	m.Uids = make([]uint32, n)
	for i := range m.Uids {
		if err := binary.Read(r, binary.BigEndian, &m.Uids[i]); err != nil {
			return fmt.Errorf("dnd: message list uid %d: %w", i, err)
		}
	}
	if r.Len() != 0 {
		return fmt.Errorf("dnd: %d trailing bytes in message list", r.Len())
	}
	return nil
}

// MarshalBinary encodes the payload for a drag source.
func (p *ImapPart) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	if err := writeString(&buf, p.Mailbox); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, p.UidValidity); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, p.Uid); err != nil {
		return nil, err
	}
	if err := writeString(&buf, p.PartPath); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary decodes a drop payload.
func (p *ImapPart) UnmarshalBinary(data []byte) error {
	r := bytes.NewReader(data)
	var err error
	if p.Mailbox, err = readString(r); err != nil {
		return fmt.Errorf("dnd: part mailbox: %w", err)
	}
	if err := binary.Read(r, binary.BigEndian, &p.UidValidity); err != nil {
		return fmt.Errorf("dnd: part uidvalidity: %w", err)
	}
	if err := binary.Read(r, binary.BigEndian, &p.Uid); err != nil {
		return fmt.Errorf("dnd: part uid: %w", err)
	}
	if p.PartPath, err = readString(r); err != nil {
		return fmt.Errorf("dnd: part path: %w", err)
	}
	if r.Len() != 0 {
		return fmt.Errorf("dnd: %d trailing bytes in part reference", r.Len())
	}
	return nil
}

package tree

import (
	"io"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"mailcore.dev/core/cache"
	"mailcore.dev/core/imap/imapparser"
)

// ID returns the node's stable identity.
func (m *Message) ID() NodeID { return m.id }

// Seq returns the message's current 1-based sequence number, or 0 if
// it is no longer in its list.
func (m *Message) Seq() uint32 {
	t := m.list.owner.tree
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, msg := range m.list.msgs {
		if msg == m {
			return uint32(i + 1)
		}
	}
	return 0
}

// Key returns the message's cache identity. ok is false while the UID
// or the mailbox's UIDVALIDITY is still unknown; such a message is
// not addressable across sessions and cannot be cached.
func (m *Message) Key() (key cache.MessageKey, ok bool) {
	t := m.list.owner.tree
	t.mu.Lock()
	defer t.mu.Unlock()
	return m.keyLocked()
}

func (m *Message) keyLocked() (cache.MessageKey, bool) {
	mbox := m.list.owner
	if m.UID == 0 || mbox.UidValidity == 0 {
		return cache.MessageKey{}, false
	}
	return cache.MessageKey{
		Mailbox:     mbox.Name,
		UidValidity: mbox.UidValidity,
		Uid:         m.UID,
	}, true
}

// IsFetched reports whether the message's envelope has arrived.
func (m *Message) IsFetched() bool {
	t := m.list.owner.tree
	t.mu.Lock()
	defer t.mu.Unlock()
	return m.envState == FetchDone
}

// IsMarkedRead reports whether \Seen is among the message's flags.
func (m *Message) IsMarkedRead() bool {
	t := m.list.owner.tree
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, f := range m.flags {
		if strings.EqualFold(f, `\Seen`) {
			return true
		}
	}
	return false
}

// Flags returns the message's flags and their fetch state.
func (m *Message) Flags() ([]string, FetchState) {
	t := m.list.owner.tree
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(m.flags))
	copy(out, m.flags)
	return out, m.flagsState
}

// Envelope returns the message's envelope and its fetch state.
func (m *Message) Envelope() (*imapparser.Envelope, FetchState) {
	t := m.list.owner.tree
	t.mu.Lock()
	defer t.mu.Unlock()
	return m.env, m.envState
}

// InternalDate returns the server-assigned date and its fetch state.
func (m *Message) InternalDate() (time.Time, FetchState) {
	t := m.list.owner.tree
	t.mu.Lock()
	defer t.mu.Unlock()
	return m.internalDate, m.dateState
}

// Size returns RFC822.SIZE and its fetch state.
func (m *Message) Size() (uint32, FetchState) {
	t := m.list.owner.tree
	t.mu.Lock()
	defer t.mu.Unlock()
	return m.size, m.sizeState
}

// RootPart returns the message's MIME tree root once BODYSTRUCTURE
// has arrived, else nil.
func (m *Message) RootPart() *Part {
	t := m.list.owner.tree
	t.mu.Lock()
	defer t.mu.Unlock()
	return m.rootPart
}

// PartByPath returns the part with the given dotted path, or nil.
func (m *Message) PartByPath(path string) *Part {
	t := m.list.owner.tree
	t.mu.Lock()
	defer t.mu.Unlock()
	if m.rootPart == nil {
		return nil
	}
	return findPart(m.rootPart, path)
}

func findPart(p *Part, path string) *Part {
	if p.Path == path {
		return p
	}
	for _, child := range p.children {
		if found := findPart(child, path); found != nil {
			return found
		}
	}
	return nil
}

// MarkFetching moves the named attributes from unknown to in-flight,
// so duplicate fetch tasks are not scheduled for the same field.
func (t *Tree) MarkFetching(m *Message, attrs AttrSet) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if attrs&AttrEnvelope != 0 && m.envState == FetchUnknown {
		m.envState = FetchInFlight
	}
	if attrs&AttrFlags != 0 && m.flagsState == FetchUnknown {
		m.flagsState = FetchInFlight
	}
	if attrs&AttrInternalDate != 0 && m.dateState == FetchUnknown {
		m.dateState = FetchInFlight
	}
	if attrs&AttrSize != 0 && m.sizeState == FetchUnknown {
		m.sizeState = FetchInFlight
	}
	if attrs&AttrBodyStructure != 0 && m.bodyState == FetchUnknown {
		m.bodyState = FetchInFlight
	}
}

// SetMessageUIDs populates a mailbox's message list from a cached UID
// mapping: the list is sized to len(uids) and each message's UID
// bound. Used when opening a mailbox whose listing the cache already
// knows, before the server confirms it.
func (t *Tree) SetMessageUIDs(mbox *Mailbox, uids []uint32) {
	t.mu.Lock()
	list := mbox.messagesLocked()
	if len(list.msgs) > 0 {
		// Only an empty (freshly selected) list may be seeded from
		// the cache; live lists are maintained by EXISTS/EXPUNGE.
		t.mu.Unlock()
		return
	}
	if len(uids) == 0 {
		t.mu.Unlock()
		return
	}
	first, last := 0, len(uids)-1
	t.aboutToInsert(list.id, first, last)
	for _, uid := range uids {
		msg := &Message{id: t.allocID(), list: list, UID: uid}
		t.byID[msg.id] = NodeRef{Message: msg}
		list.msgs = append(list.msgs, msg)
		if uid != 0 {
			list.byUID[uid] = msg
		}
	}
	mbox.exists = uint32(len(list.msgs))
	t.inserted(list.id, first, last)
	t.changed(mbox.id, AttrCounts)
	t.mu.Unlock()
}

// ApplyFetch applies one "* <seq> FETCH" response to the current
// model: UID binding, flags, envelope, internal date, size,
// BODYSTRUCTURE (materializing the part tree), and BODY[...] literals
// (cached as part data). Cache writes happen before observers hear
// about the change.
func (t *Tree) ApplyFetch(mbox *Mailbox, seq uint32, attrs []imapparser.FetchAttr) {
	t.mu.Lock()
	list := mbox.msgs
	if list == nil || seq == 0 || int(seq) > len(list.msgs) {
		t.mu.Unlock()
		if t.Log != nil {
			t.Log.Warn("tree: FETCH for unknown sequence number",
				zap.String("mailbox", mbox.Name), zap.Uint32("seq", seq))
		}
		return
	}
	msg := list.msgs[seq-1]

	var changed AttrSet
	var insertedParts bool
	for _, attr := range attrs {
		switch attr.Type {
		case imapparser.FetchUID:
			if msg.UID != attr.UID {
				if msg.UID != 0 {
					delete(list.byUID, msg.UID)
				}
				msg.UID = attr.UID
				list.byUID[attr.UID] = msg
				changed |= AttrUID
			}
		case imapparser.FetchFlags:
			flags := make([]string, 0, len(attr.Flags))
			for _, f := range attr.Flags {
				flags = append(flags, string(f))
			}
			msg.flags = flags
			msg.flagsState = FetchDone
			changed |= AttrFlags
		case imapparser.FetchEnvelope:
			msg.env = attr.Envelope
			msg.envState = FetchDone
			changed |= AttrEnvelope
		case imapparser.FetchInternalDate:
			msg.internalDate = attr.InternalDate
			msg.dateState = FetchDone
			changed |= AttrInternalDate
		case imapparser.FetchRFC822Size:
			msg.size = attr.RFC822Size
			msg.sizeState = FetchDone
			changed |= AttrSize
		case imapparser.FetchBodyStructure:
			if msg.rootPart == nil && attr.Body != nil {
				msg.rootPart = t.buildPartLocked(msg, attr.Body, "")
				insertedParts = true
			}
			msg.bodyState = FetchDone
			changed |= AttrBodyStructure
		case imapparser.FetchBody:
			if attr.Body != nil && len(attr.Section.Path) == 0 && attr.Section.Name == "" {
				// BODY (no section) is BODYSTRUCTURE without
				// extension data.
				if msg.rootPart == nil {
					msg.rootPart = t.buildPartLocked(msg, attr.Body, "")
					insertedParts = true
				}
				msg.bodyState = FetchDone
				changed |= AttrBodyStructure
				break
			}
			if attr.Literal == nil {
				break
			}
			data, err := readLiteral(attr.Literal)
			if err != nil {
				if t.Log != nil {
					t.Log.Warn("tree: reading FETCH literal",
						zap.String("mailbox", mbox.Name), zap.Error(err))
				}
				break
			}
			path := sectionPath(attr.Section)
			if part := msg.rootPart; part != nil {
				if target := findPart(part, path); target != nil {
					target.data = data
					target.dataState = FetchDone
				}
			}
			if key, ok := msg.keyLocked(); ok && t.Cache != nil {
				t.Cache.SetMessagePart(key, path, data)
			}
			changed |= AttrPartData
		}
	}

	// Persist before announcing.
	if key, ok := msg.keyLocked(); ok && t.Cache != nil {
		for _, attr := range attrs {
			switch attr.Type {
			case imapparser.FetchFlags:
				t.Cache.SetFlags(key, msg.flags)
			case imapparser.FetchEnvelope:
				t.Cache.SetEnvelope(key, msg.env)
			case imapparser.FetchInternalDate:
				t.Cache.SetInternalDate(key, msg.internalDate)
			case imapparser.FetchRFC822Size:
				t.Cache.SetSize(key, msg.size)
			case imapparser.FetchBodyStructure:
				t.Cache.SetBodyStructure(key, attr.Body)
			}
		}
	}

	if insertedParts {
		// The part tree appears as one burst under the message.
		t.aboutToInsert(msg.id, 0, 0)
		t.inserted(msg.id, 0, 0)
	}
	if changed != 0 {
		t.changed(msg.id, changed)
	}
	t.mu.Unlock()
}

// sectionPath renders a FETCH BODY[...] section as the dotted part
// path used by Part.Path and the cache.
func sectionPath(s imapparser.FetchItemSection) string {
	var sb strings.Builder
	for i, n := range s.Path {
		if i > 0 {
			sb.WriteByte('.')
		}
		sb.WriteString(strconv.Itoa(int(n)))
	}
	if s.Name != "" {
		if sb.Len() > 0 {
			sb.WriteByte('.')
		}
		sb.WriteString(s.Name)
	}
	return sb.String()
}

func readLiteral(bf interface {
	io.ReadSeeker
	Size() int64
}) ([]byte, error) {
	if _, err := bf.Seek(0, 0); err != nil {
		return nil, err
	}
	data := make([]byte, bf.Size())
	if _, err := io.ReadFull(bf, data); err != nil {
		return nil, err
	}
	return data, nil
}

// buildPartLocked materializes the part tree for a BODYSTRUCTURE.
// The root of a multipart message has an empty path; leaf children
// are numbered 1..n at each level, matching IMAP part addressing.
func (t *Tree) buildPartLocked(msg *Message, bs *imapparser.BodyStructurePart, path string) *Part {
	mimeType := strings.ToLower(bs.Type)
	if bs.Subtype != "" {
		mimeType += "/" + strings.ToLower(bs.Subtype)
	}
	p := &Part{
		id:          t.allocID(),
		msg:         msg,
		Path:        path,
		MimeType:    mimeType,
		Params:      bs.Params,
		Disposition: bs.Disposition,
		Encoding:    bs.Encoding,
		SizeOctets:  bs.Size,
	}
	t.byID[p.id] = NodeRef{Part: p}
	if bs.Type == "multipart" {
		for i := range bs.Children {
			childPath := strconv.Itoa(i + 1)
			if path != "" {
				childPath = path + "." + childPath
			}
			p.children = append(p.children, t.buildPartLocked(msg, &bs.Children[i], childPath))
		}
	} else if path == "" {
		// A non-multipart message body is addressable as part "1".
		p.Path = "1"
	}
	if bs.NestedBody != nil {
		childPath := "1"
		if path != "" {
			childPath = path + ".1"
		}
		p.children = append(p.children, t.buildPartLocked(msg, bs.NestedBody, childPath))
	}
	return p
}

// ID returns the node's stable identity.
func (p *Part) ID() NodeID { return p.id }

// Children returns the part's child parts.
func (p *Part) Children() []*Part {
	t := p.msg.list.owner.tree
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Part, len(p.children))
	copy(out, p.children)
	return out
}

// Data returns the part's cached body bytes and their fetch state.
func (p *Part) Data() ([]byte, FetchState) {
	t := p.msg.list.owner.tree
	t.mu.Lock()
	defer t.mu.Unlock()
	return p.data, p.dataState
}

// Message returns the message owning this part.
func (p *Part) Message() *Message { return p.msg }

// Package tree is the in-memory model of an account's content: a
// rooted tree of mailboxes, each selected mailbox's message list, the
// messages' lazily fetched attributes, and the MIME part tree under
// each message. Observers attach to the tree and receive change
// events at node granularity; the GUI layers a view on top of those
// events without ever touching the wire.
//
// Every mutation goes through a Tree method; the cache is written
// before the corresponding event reaches observers, so an observer
// that re-reads through the cache always sees data at least as new as
// the event it is reacting to.
package tree

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"mailcore.dev/core/cache"
	"mailcore.dev/core/imap"
	"mailcore.dev/core/imap/imapparser"
)

// NodeID is a stable identity for one tree node, independent of the
// node's position. Observers hold NodeIDs, never node pointers, so a
// removed node's memory is releasable without chasing down observers.
type NodeID uint64

// AttrSet is a bitmask naming which attributes a Changed event covers.
type AttrSet uint32

const (
	AttrFlags AttrSet = 1 << iota
	AttrEnvelope
	AttrInternalDate
	AttrSize
	AttrBodyStructure
	AttrUID
	AttrMailboxMeta // separator, list attributes, subscription
	AttrCounts      // exists / recent / unseen
	AttrPartData
)

// FetchState is the tri-state every lazily materialized attribute
// carries: not requested yet, requested but not arrived, known.
type FetchState int

const (
	FetchUnknown FetchState = iota
	FetchInFlight
	FetchDone
)

// Observer receives change events. The about-to pair brackets every
// structural mutation; Inserted is emitted only after the underlying
// data is consistent to read. Indexes are positions in the parent's
// child list, inclusive on both ends.
//
// Callbacks are delivered synchronously on the mutating goroutine
// with the tree's internal lock held: an observer must not call back
// into the Tree from inside a callback (defer such work to its own
// next turn). The threading proxy's reset guard exists for the same
// cooperative-reentrancy hazard.
type Observer interface {
	AboutToInsert(parent NodeID, first, last int)
	Inserted(parent NodeID, first, last int)
	AboutToRemove(parent NodeID, first, last int)
	Removed(parent NodeID, first, last int)
	Changed(node NodeID, attrs AttrSet)
}

// NodeRef resolves a NodeID to its typed node. Exactly one field is
// non-nil.
type NodeRef struct {
	Mailbox *Mailbox
	Msgs    *MsgList
	Message *Message
	Part    *Part
}

// Tree is the model root for one account.
type Tree struct {
	Log   *zap.Logger
	Cache cache.Cache

	mu        sync.Mutex
	nextID    NodeID
	root      *Mailbox
	byName    map[string]*Mailbox
	byID      map[NodeID]NodeRef
	observers []Observer

	// current is the mailbox whose selection the untagged
	// EXISTS/EXPUNGE/FETCH stream applies to; set by the
	// KeepMailboxOpen task when SELECT completes.
	current *Mailbox
}

// Mailbox is one named mailbox (or the unnamed root). Children are
// lazy: childrenKnown stays false until a LIST for this level has
// completed or the cache supplied a listing.
type Mailbox struct {
	id   NodeID
	tree *Tree

	Name      string // full hierarchical name; "" for the root
	Separator byte
	Attrs     imap.ListAttrFlag

	Subscribed bool

	childrenKnown bool
	children      []*Mailbox
	parent        *Mailbox

	UidValidity uint32
	UidNext     uint32
	exists      uint32
	recent      uint32
	unseen      uint32

	msgs *MsgList // non-nil once the mailbox has been selected
}

// MsgList holds a selected mailbox's messages in sequence order.
type MsgList struct {
	id    NodeID
	owner *Mailbox

	msgs  []*Message // index i holds sequence number i+1
	byUID map[uint32]*Message
}

// Message is one message in a selected mailbox. All attributes are
// lazily materialized; UID is 0 until a FETCH reports it, and the
// message is only addressable across sessions once it is non-zero.
type Message struct {
	id   NodeID
	list *MsgList

	UID uint32

	flags      []string
	flagsState FetchState

	env      *imapparser.Envelope
	envState FetchState

	internalDate time.Time
	dateState    FetchState

	size      uint32
	sizeState FetchState

	bodyState FetchState
	rootPart  *Part
}

// Part is one node of a message's MIME tree, identified by its dotted
// IMAP part path. The multipart root has an empty Path.
type Part struct {
	id  NodeID
	msg *Message

	Path        string
	MimeType    string // "type/subtype", lower case
	Params      map[string]string
	Disposition string
	Encoding    string
	SizeOctets  uint32

	children []*Part

	data      []byte
	dataState FetchState
}

// New creates an empty tree rooted at the unnamed mailbox.
func New(c cache.Cache, log *zap.Logger) *Tree {
	t := &Tree{
		Log:    log,
		Cache:  c,
		byName: make(map[string]*Mailbox),
		byID:   make(map[NodeID]NodeRef),
	}
	t.root = &Mailbox{id: t.allocID(), tree: t, Separator: '/'}
	t.byID[t.root.id] = NodeRef{Mailbox: t.root}
	t.byName[""] = t.root
	return t
}

func (t *Tree) allocID() NodeID {
	t.nextID++
	return t.nextID
}

// AddObserver attaches obs; events are delivered synchronously on the
// mutating goroutine, in registration order.
func (t *Tree) AddObserver(obs Observer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.observers = append(t.observers, obs)
}

// RemoveObserver detaches obs.
func (t *Tree) RemoveObserver(obs Observer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, o := range t.observers {
		if o == obs {
			t.observers = append(t.observers[:i], t.observers[i+1:]...)
			return
		}
	}
}

func (t *Tree) aboutToInsert(parent NodeID, first, last int) {
	for _, o := range t.observers {
		o.AboutToInsert(parent, first, last)
	}
}

func (t *Tree) inserted(parent NodeID, first, last int) {
	for _, o := range t.observers {
		o.Inserted(parent, first, last)
	}
}

func (t *Tree) aboutToRemove(parent NodeID, first, last int) {
	for _, o := range t.observers {
		o.AboutToRemove(parent, first, last)
	}
}

func (t *Tree) removed(parent NodeID, first, last int) {
	for _, o := range t.observers {
		o.Removed(parent, first, last)
	}
}

func (t *Tree) changed(node NodeID, attrs AttrSet) {
	for _, o := range t.observers {
		o.Changed(node, attrs)
	}
}

// Root returns the unnamed root mailbox.
func (t *Tree) Root() *Mailbox {
	return t.root
}

// Lookup resolves a NodeID. ok is false once the node has been
// removed from the tree.
func (t *Tree) Lookup(id NodeID) (NodeRef, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ref, ok := t.byID[id]
	return ref, ok
}

// MailboxByName returns the mailbox with the given full name, or nil.
func (t *Tree) MailboxByName(name string) *Mailbox {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.byName[name]
}

// SetCurrent marks mbox as the mailbox the session's untagged
// selection stream (EXISTS, EXPUNGE, FETCH, RECENT) applies to.
// Passing nil detaches.
func (t *Tree) SetCurrent(mbox *Mailbox) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.current = mbox
}

// Current returns the mailbox set by SetCurrent.
func (t *Tree) Current() *Mailbox {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

// SetChildMailboxes records the result of a LIST for parent's level:
// children not in metas are removed, new ones inserted, attribute
// changes reported. The cache is written first.
func (t *Tree) SetChildMailboxes(parentName string, metas []cache.MailboxMeta) {
	t.mu.Lock()
	defer t.mu.Unlock()

	parent := t.byName[parentName]
	if parent == nil {
		if t.Log != nil {
			t.Log.Warn("tree: LIST for unknown parent", zap.String("parent", parentName))
		}
		return
	}

	if t.Cache != nil {
		t.Cache.SetChildMailboxes(parentName, metas)
	}

	want := make(map[string]cache.MailboxMeta, len(metas))
	for _, m := range metas {
		want[m.Name] = m
	}

	// Remove children that vanished, back to front so indexes stay
	// valid for observers.
	for i := len(parent.children) - 1; i >= 0; i-- {
		child := parent.children[i]
		if _, ok := want[child.Name]; ok {
			continue
		}
		t.aboutToRemove(parent.id, i, i)
		parent.children = append(parent.children[:i], parent.children[i+1:]...)
		t.releaseMailboxLocked(child)
		t.removed(parent.id, i, i)
	}

	// Update survivors, append newcomers in metas order.
	have := make(map[string]*Mailbox, len(parent.children))
	for _, child := range parent.children {
		have[child.Name] = child
	}
	for _, m := range metas {
		if child, ok := have[m.Name]; ok {
			changedAttrs := t.applyMetaLocked(child, m)
			if changedAttrs != 0 {
				t.changed(child.id, changedAttrs)
			}
			continue
		}
		child := &Mailbox{
			id:     t.allocID(),
			tree:   t,
			Name:   m.Name,
			parent: parent,
		}
		t.applyMetaLocked(child, m)
		idx := len(parent.children)
		t.aboutToInsert(parent.id, idx, idx)
		parent.children = append(parent.children, child)
		t.byID[child.id] = NodeRef{Mailbox: child}
		t.byName[child.Name] = child
		t.inserted(parent.id, idx, idx)
	}
	parent.childrenKnown = true
}

func (t *Tree) applyMetaLocked(mbox *Mailbox, m cache.MailboxMeta) AttrSet {
	var changed AttrSet
	attrs := mbox.Attrs
	if m.NoSelect {
		attrs |= imap.AttrNoselect
	} else {
		attrs &^= imap.AttrNoselect
	}
	if m.HasChildren {
		attrs |= imap.AttrHasChildren
		attrs &^= imap.AttrHasNoChildren
	} else {
		attrs |= imap.AttrHasNoChildren
		attrs &^= imap.AttrHasChildren
	}
	if attrs != mbox.Attrs || mbox.Separator != m.Separator || mbox.Subscribed != m.Subscribed {
		changed |= AttrMailboxMeta
	}
	mbox.Attrs = attrs
	mbox.Separator = m.Separator
	mbox.Subscribed = m.Subscribed
	return changed
}

// SetListAttrs replaces a mailbox's raw LIST attribute flags (the
// parsed \Noselect, \HasChildren, SPECIAL-USE set).
func (t *Tree) SetListAttrs(mbox *Mailbox, attrs imap.ListAttrFlag) {
	t.mu.Lock()
	if mbox.Attrs == attrs {
		t.mu.Unlock()
		return
	}
	mbox.Attrs = attrs
	t.changed(mbox.id, AttrMailboxMeta)
	t.mu.Unlock()
}

func (t *Tree) releaseMailboxLocked(mbox *Mailbox) {
	delete(t.byName, mbox.Name)
	delete(t.byID, mbox.id)
	if mbox.msgs != nil {
		t.releaseMsgListLocked(mbox.msgs)
		mbox.msgs = nil
	}
	for _, child := range mbox.children {
		t.releaseMailboxLocked(child)
	}
	if t.current == mbox {
		t.current = nil
	}
}

func (t *Tree) releaseMsgListLocked(list *MsgList) {
	delete(t.byID, list.id)
	for _, m := range list.msgs {
		t.releaseMessageLocked(m)
	}
}

func (t *Tree) releaseMessageLocked(m *Message) {
	delete(t.byID, m.id)
	if m.rootPart != nil {
		t.releasePartLocked(m.rootPart)
	}
}

func (t *Tree) releasePartLocked(p *Part) {
	delete(t.byID, p.id)
	for _, child := range p.children {
		t.releasePartLocked(child)
	}
}

// ChildrenKnown reports whether a LIST has populated this mailbox's
// child list.
func (m *Mailbox) ChildrenKnown() bool {
	m.tree.mu.Lock()
	defer m.tree.mu.Unlock()
	return m.childrenKnown
}

// Children returns the mailbox's current child list.
func (m *Mailbox) Children() []*Mailbox {
	m.tree.mu.Lock()
	defer m.tree.mu.Unlock()
	out := make([]*Mailbox, len(m.children))
	copy(out, m.children)
	return out
}

// ID returns the node's stable identity.
func (m *Mailbox) ID() NodeID { return m.id }

// Messages returns the mailbox's message list, creating it empty if
// the mailbox has never been selected.
func (m *Mailbox) Messages() *MsgList {
	m.tree.mu.Lock()
	defer m.tree.mu.Unlock()
	return m.messagesLocked()
}

func (m *Mailbox) messagesLocked() *MsgList {
	if m.msgs == nil {
		m.msgs = &MsgList{
			id:    m.tree.allocID(),
			owner: m,
			byUID: make(map[uint32]*Message),
		}
		m.tree.byID[m.msgs.id] = NodeRef{Msgs: m.msgs}
	}
	return m.msgs
}

// Counts returns the exists/recent/unseen counters last reported for
// the mailbox.
func (m *Mailbox) Counts() (exists, recent, unseen uint32) {
	m.tree.mu.Lock()
	defer m.tree.mu.Unlock()
	return m.exists, m.recent, m.unseen
}

// SetUidValidity applies a reported UIDVALIDITY. If it differs from
// the recorded one, every per-message node for the mailbox is
// discarded, honoring the invariant that UID-keyed state never
// survives a validity change. The caller (the selecting task) is
// responsible for the matching cache invalidation via SetUidMapping.
func (t *Tree) SetUidValidity(mbox *Mailbox, v uint32) {
	t.mu.Lock()
	if mbox.UidValidity == v {
		t.mu.Unlock()
		return
	}
	old := mbox.UidValidity
	mbox.UidValidity = v
	if old == 0 || mbox.msgs == nil || len(mbox.msgs.msgs) == 0 {
		t.mu.Unlock()
		return
	}
	list := mbox.msgs
	n := len(list.msgs)
	t.aboutToRemove(list.id, 0, n-1)
	for _, msg := range list.msgs {
		t.releaseMessageLocked(msg)
	}
	list.msgs = nil
	list.byUID = make(map[uint32]*Message)
	mbox.exists = 0
	t.removed(list.id, 0, n-1)
	t.mu.Unlock()
}

// SetExists applies an EXISTS count: growth appends messages with
// unknown UIDs (they carry only their sequence number until a UID
// FETCH reports them). A shrink without EXPUNGE is a protocol error;
// it is tolerated by truncating.
func (t *Tree) SetExists(mbox *Mailbox, n uint32) {
	t.mu.Lock()
	list := mbox.messagesLocked()
	cur := uint32(len(list.msgs))
	switch {
	case n == cur:
		t.mu.Unlock()
		return
	case n > cur:
		first := int(cur)
		last := int(n) - 1
		t.aboutToInsert(list.id, first, last)
		for i := cur; i < n; i++ {
			msg := &Message{id: t.allocID(), list: list}
			t.byID[msg.id] = NodeRef{Message: msg}
			list.msgs = append(list.msgs, msg)
		}
		mbox.exists = n
		t.inserted(list.id, first, last)
		t.changed(mbox.id, AttrCounts)
		t.mu.Unlock()
	default:
		if t.Log != nil {
			t.Log.Warn("tree: EXISTS shrank without EXPUNGE",
				zap.String("mailbox", mbox.Name),
				zap.Uint32("from", cur), zap.Uint32("to", n))
		}
		first := int(n)
		last := int(cur) - 1
		t.aboutToRemove(list.id, first, last)
		for _, msg := range list.msgs[n:] {
			if msg.UID != 0 {
				delete(list.byUID, msg.UID)
			}
			t.releaseMessageLocked(msg)
		}
		list.msgs = list.msgs[:n]
		mbox.exists = n
		t.removed(list.id, first, last)
		t.changed(mbox.id, AttrCounts)
		t.mu.Unlock()
	}
}

// SetRecent applies a RECENT count.
func (t *Tree) SetRecent(mbox *Mailbox, n uint32) {
	t.mu.Lock()
	if mbox.recent == n {
		t.mu.Unlock()
		return
	}
	mbox.recent = n
	t.changed(mbox.id, AttrCounts)
	t.mu.Unlock()
}

// SetUnseen applies an UNSEEN response-code count.
func (t *Tree) SetUnseen(mbox *Mailbox, n uint32) {
	t.mu.Lock()
	if mbox.unseen == n {
		t.mu.Unlock()
		return
	}
	mbox.unseen = n
	t.changed(mbox.id, AttrCounts)
	t.mu.Unlock()
}

// SetUidNext applies a UIDNEXT response code.
func (t *Tree) SetUidNext(mbox *Mailbox, n uint32) {
	t.mu.Lock()
	mbox.UidNext = n
	t.mu.Unlock()
}

// Expunge removes the message at seq (1-based) and renumbers the
// rest, per the EXPUNGE response semantics.
func (t *Tree) Expunge(mbox *Mailbox, seq uint32) {
	t.mu.Lock()
	list := mbox.msgs
	if list == nil || seq == 0 || int(seq) > len(list.msgs) {
		t.mu.Unlock()
		if t.Log != nil {
			t.Log.Warn("tree: EXPUNGE out of range",
				zap.String("mailbox", mbox.Name), zap.Uint32("seq", seq))
		}
		return
	}
	idx := int(seq) - 1
	msg := list.msgs[idx]
	t.aboutToRemove(list.id, idx, idx)
	if msg.UID != 0 {
		delete(list.byUID, msg.UID)
	}
	t.releaseMessageLocked(msg)
	list.msgs = append(list.msgs[:idx], list.msgs[idx+1:]...)
	if mbox.exists > 0 {
		mbox.exists--
	}
	t.removed(list.id, idx, idx)
	t.changed(mbox.id, AttrCounts)
	t.mu.Unlock()
}

// ID returns the node's stable identity.
func (l *MsgList) ID() NodeID { return l.id }

// Len returns the number of messages currently in the list.
func (l *MsgList) Len() int {
	l.owner.tree.mu.Lock()
	defer l.owner.tree.mu.Unlock()
	return len(l.msgs)
}

// BySeq returns the message at the 1-based sequence number, or nil.
func (l *MsgList) BySeq(seq uint32) *Message {
	l.owner.tree.mu.Lock()
	defer l.owner.tree.mu.Unlock()
	if seq == 0 || int(seq) > len(l.msgs) {
		return nil
	}
	return l.msgs[seq-1]
}

// ByUID returns the message with the given UID, or nil if the UID is
// unknown to the current selection.
func (l *MsgList) ByUID(uid uint32) *Message {
	l.owner.tree.mu.Lock()
	defer l.owner.tree.mu.Unlock()
	return l.byUID[uid]
}

// UIDs returns the UID of every message in sequence order; unknown
// UIDs are 0.
func (l *MsgList) UIDs() []uint32 {
	l.owner.tree.mu.Lock()
	defer l.owner.tree.mu.Unlock()
	out := make([]uint32, len(l.msgs))
	for i, m := range l.msgs {
		out[i] = m.UID
	}
	return out
}

// Mailbox returns the mailbox owning this list.
func (l *MsgList) Mailbox() *Mailbox { return l.owner }

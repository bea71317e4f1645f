// Package threading maps a flat, UID-ordered message list onto a
// tree: either the server's THREAD response, a synthesis from
// References/In-Reply-To/Message-ID headers when no THREAD extension
// is available, or the degenerate one-root-per-message tree.
//
// Node identities are stable across re-threading: a message keeps its
// InternalID for as long as its UID stays in the source, no matter
// where the next THREAD response moves it. Observers hold InternalIDs
// and re-resolve positions after each reset.
package threading

import (
	"sync"

	"go.uber.org/zap"

	"mailcore.dev/core/imap/imapparser"
)

// InternalID identifies one thread node for the process lifetime.
// The zero value is never issued.
type InternalID uint64

// Source is the flat model being threaded; the tree package's MsgList
// satisfies it.
type Source interface {
	// UIDs returns the source's messages in its current order;
	// unknown UIDs are 0 and are never threaded.
	UIDs() []uint32
}

// Observer sees atomic re-threading: the tree between AboutToReset
// and Reset is in flux and must not be queried. Vanished carries the
// InternalIDs that did not survive the reset, so persistent
// references can be dropped.
type Observer interface {
	AboutToReset()
	Reset()
	Vanished(ids []InternalID)
}

// NodeInfo is a read-only snapshot of one node.
type NodeInfo struct {
	ID       InternalID
	UID      uint32 // 0 for a synthetic grouping node
	Parent   InternalID
	Children []InternalID
}

type node struct {
	id       InternalID
	uid      uint32
	parent   InternalID
	children []InternalID
}

// Proxy is the threading model. All methods are safe for use from the
// engine goroutine; observer callbacks are delivered synchronously.
type Proxy struct {
	Log *zap.Logger

	mu        sync.Mutex
	source    Source
	observers []Observer

	nextID InternalID
	nodes  map[InternalID]*node
	roots  []InternalID
	byUID  map[uint32]InternalID

	// synthByLeaf keys a synthetic grouping node by the UID of its
	// first message descendant, so re-applying the same THREAD
	// response reuses the same synthetic identities.
	synthByLeaf map[uint32]InternalID

	// pending holds UIDs the last THREAD response mentioned but the
	// source did not contain; they thread on the next apply once the
	// source learns them.
	pending []uint32

	resetting bool
}

// New creates a proxy over source with no threading applied.
func New(source Source, log *zap.Logger) *Proxy {
	return &Proxy{
		Log:         log,
		source:      source,
		nodes:       make(map[InternalID]*node),
		byUID:       make(map[uint32]InternalID),
		synthByLeaf: make(map[uint32]InternalID),
	}
}

// AddObserver attaches obs.
func (p *Proxy) AddObserver(obs Observer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.observers = append(p.observers, obs)
}

// RemoveObserver detaches obs.
func (p *Proxy) RemoveObserver(obs Observer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, o := range p.observers {
		if o == obs {
			p.observers = append(p.observers[:i], p.observers[i+1:]...)
			return
		}
	}
}

// Roots returns the root nodes in order.
func (p *Proxy) Roots() []InternalID {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]InternalID, len(p.roots))
	copy(out, p.roots)
	return out
}

// Node resolves an InternalID; ok is false once the node has
// vanished.
func (p *Proxy) Node(id InternalID) (NodeInfo, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n, ok := p.nodes[id]
	if !ok {
		return NodeInfo{}, false
	}
	return p.infoLocked(n), true
}

// NodeByUID resolves a message UID to its current node.
func (p *Proxy) NodeByUID(uid uint32) (NodeInfo, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, ok := p.byUID[uid]
	if !ok {
		return NodeInfo{}, false
	}
	return p.infoLocked(p.nodes[id]), true
}

func (p *Proxy) infoLocked(n *node) NodeInfo {
	children := make([]InternalID, len(n.children))
	copy(children, n.children)
	return NodeInfo{ID: n.id, UID: n.uid, Parent: n.parent, Children: children}
}

// Pending returns the UIDs the last THREAD response mentioned that
// the source did not yet contain.
func (p *Proxy) Pending() []uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]uint32, len(p.pending))
	copy(out, p.pending)
	return out
}

// Mapping snapshots every node, for comparing the identity structure
// across re-threading.
func (p *Proxy) Mapping() map[InternalID]NodeInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[InternalID]NodeInfo, len(p.nodes))
	for id, n := range p.nodes {
		out[id] = p.infoLocked(n)
	}
	return out
}

// ApplyFlat rebuilds the degenerate tree: one root child per source
// message, in source order. Used when no THREAD data is available.
func (p *Proxy) ApplyFlat() {
	uids := p.source.UIDs()
	forest := make([]imapparser.ThreadNode, 0, len(uids))
	for _, uid := range uids {
		if uid != 0 {
			forest = append(forest, imapparser.ThreadNode{UID: uid})
		}
	}
	p.apply(forest, false)
}

// ApplyThread rebuilds the tree from a THREAD response. Messages the
// response does not mention (a race against new arrivals) are
// appended as additional roots so the tree always carries exactly the
// source's UIDs; UIDs the source does not know go to the pending
// list.
func (p *Proxy) ApplyThread(forest []imapparser.ThreadNode) {
	p.apply(forest, true)
}

func (p *Proxy) apply(forest []imapparser.ThreadNode, unwrapOuter bool) {
	p.mu.Lock()
	if p.resetting {
		// A model query from inside an observer's reset handling
		// triggered a nested apply; the outer reset already covers it.
		p.mu.Unlock()
		if p.Log != nil {
			p.Log.Warn("threading: nested reset suppressed")
		}
		return
	}
	p.resetting = true
	observers := make([]Observer, len(p.observers))
	copy(observers, p.observers)
	p.mu.Unlock()

	for _, o := range observers {
		o.AboutToReset()
	}

	p.mu.Lock()
	known := make(map[uint32]bool)
	for _, uid := range p.source.UIDs() {
		if uid != 0 {
			known[uid] = true
		}
	}

	prevNodes := p.nodes
	prevByUID := p.byUID
	prevSynth := p.synthByLeaf

	p.nodes = make(map[InternalID]*node, len(prevNodes))
	p.byUID = make(map[uint32]InternalID, len(prevByUID))
	p.synthByLeaf = make(map[uint32]InternalID)
	p.roots = nil
	p.pending = nil

	threaded := make(map[uint32]bool)
	b := &builder{p: p, known: known, threaded: threaded, prevByUID: prevByUID, prevSynth: prevSynth}
	if unwrapOuter && len(forest) == 1 && forest[0].UID == 0 && len(forest[0].Children) > 0 {
		// "((100)(101 102))": the outer parens of a one-thread wire
		// response wrap the whole vector; its members are the thread
		// roots, not children of a grouping node. Synthesized forests
		// never unwrap: a JWZ dummy root is a real grouping node.
		for i := range forest[0].Children {
			p.roots = append(p.roots, b.build(&forest[0].Children[i], 0)...)
		}
	} else {
		for i := range forest {
			p.roots = append(p.roots, b.build(&forest[i], 0)...)
		}
	}

	// Messages the THREAD response missed still belong in the tree.
	for _, uid := range p.source.UIDs() {
		if uid == 0 || threaded[uid] {
			continue
		}
		id := p.mintMessageLocked(uid, 0, prevByUID)
		p.roots = append(p.roots, id)
		threaded[uid] = true
	}

	// Identities that did not survive are reported removed.
	var vanished []InternalID
	for id := range prevNodes {
		if _, ok := p.nodes[id]; !ok {
			vanished = append(vanished, id)
		}
	}
	p.mu.Unlock()

	if len(vanished) > 0 {
		for _, o := range observers {
			o.Vanished(vanished)
		}
	}
	for _, o := range observers {
		o.Reset()
	}

	p.mu.Lock()
	p.resetting = false
	p.mu.Unlock()
}

// builder recreates one THREAD forest under the proxy's lock.
type builder struct {
	p         *Proxy
	known     map[uint32]bool
	threaded  map[uint32]bool
	prevByUID map[uint32]InternalID
	prevSynth map[uint32]InternalID
}

// build recreates tn and its subtree under parent, returning the
// node ids linked at parent's level. A node whose UID the source does
// not know is skipped (recorded pending) and its children promoted to
// parent; a synthetic node (UID 0) left with a single child collapses
// into it, and one left empty disappears.
func (b *builder) build(tn *imapparser.ThreadNode, parent InternalID) []InternalID {
	p := b.p

	if tn.UID != 0 && !b.known[tn.UID] {
		p.pending = append(p.pending, tn.UID)
		var promoted []InternalID
		for i := range tn.Children {
			promoted = append(promoted, b.build(&tn.Children[i], parent)...)
		}
		return promoted
	}

	if tn.UID != 0 {
		if b.threaded[tn.UID] {
			// A UID may appear only once; drop duplicates.
			return nil
		}
		id := p.mintMessageLocked(tn.UID, parent, b.prevByUID)
		b.threaded[tn.UID] = true
		for i := range tn.Children {
			b.build(&tn.Children[i], id)
		}
		return []InternalID{id}
	}

	// Synthetic grouping node; identity keyed by its first leaf so a
	// re-applied THREAD response reuses it.
	leaf := firstLeafUID(tn)
	var id InternalID
	if prev, ok := b.prevSynth[leaf]; ok && leaf != 0 {
		id = prev
	} else {
		p.nextID++
		id = p.nextID
	}
	n := &node{id: id, uid: 0, parent: parent}
	p.nodes[id] = n
	if leaf != 0 {
		p.synthByLeaf[leaf] = id
	}
	if parent != 0 {
		parentNode := p.nodes[parent]
		parentNode.children = append(parentNode.children, id)
	}

	for i := range tn.Children {
		b.build(&tn.Children[i], id)
	}

	switch len(n.children) {
	case 0:
		delete(p.nodes, id)
		if leaf != 0 && p.synthByLeaf[leaf] == id {
			delete(p.synthByLeaf, leaf)
		}
		if parent != 0 {
			parentNode := p.nodes[parent]
			for i, c := range parentNode.children {
				if c == id {
					parentNode.children = append(parentNode.children[:i], parentNode.children[i+1:]...)
					break
				}
			}
		}
		return nil
	case 1:
		childID := n.children[0]
		p.nodes[childID].parent = parent
		delete(p.nodes, id)
		if leaf != 0 && p.synthByLeaf[leaf] == id {
			delete(p.synthByLeaf, leaf)
		}
		if parent != 0 {
			parentNode := p.nodes[parent]
			for i, c := range parentNode.children {
				if c == id {
					parentNode.children[i] = childID
					break
				}
			}
		}
		return []InternalID{childID}
	}
	return []InternalID{id}
}

func (p *Proxy) mintMessageLocked(uid uint32, parent InternalID, prevByUID map[uint32]InternalID) InternalID {
	id, ok := prevByUID[uid]
	if !ok {
		p.nextID++
		id = p.nextID
	}
	n := &node{id: id, uid: uid, parent: parent}
	p.nodes[id] = n
	p.byUID[uid] = id
	if parent != 0 {
		parentNode := p.nodes[parent]
		parentNode.children = append(parentNode.children, id)
	}
	return id
}

func firstLeafUID(tn *imapparser.ThreadNode) uint32 {
	if tn.UID != 0 {
		return tn.UID
	}
	for i := range tn.Children {
		if uid := firstLeafUID(&tn.Children[i]); uid != 0 {
			return uid
		}
	}
	return 0
}

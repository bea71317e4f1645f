package threading

import (
	"mailcore.dev/core/imap/imapparser"
)

// MessageHeaders is the per-message input to header-based thread
// synthesis, captured from each message's ENVELOPE.
type MessageHeaders struct {
	UID        uint32
	MessageID  string
	InReplyTo  string
	References []string // oldest ancestor first, per the References header
}

// container is one node of the Message-ID graph built during
// synthesis. A container without a message is a hole in the thread: a
// Message-ID that was referenced but never seen.
type container struct {
	msgID    string
	uid      uint32 // 0 when the message itself was never seen
	parent   *container
	children []*container
}

// SynthesizeFromHeaders threads msgs by their References /
// In-Reply-To / Message-ID headers: messages link into a forest by
// Message-ID, an unresolvable parent reference becomes a synthetic
// container exactly as a REFS grouping node would, and the resulting
// forest feeds the same tree-build step as a server THREAD response,
// so persistent identity and reset semantics are shared code.
func (p *Proxy) SynthesizeFromHeaders(msgs []MessageHeaders) {
	p.ApplyThread(synthesizeForest(msgs))
}

func synthesizeForest(msgs []MessageHeaders) []imapparser.ThreadNode {
	byMsgID := make(map[string]*container)
	get := func(msgID string) *container {
		if c, ok := byMsgID[msgID]; ok {
			return c
		}
		c := &container{msgID: msgID}
		byMsgID[msgID] = c
		return c
	}

	// Containers in first-seen order keeps the output stable across
	// re-synthesis of the same inputs.
	var order []*container

	for _, m := range msgs {
		if m.UID == 0 {
			continue
		}
		var c *container
		if m.MessageID != "" {
			c = get(m.MessageID)
			if c.uid != 0 {
				// Duplicate Message-ID; thread the second copy as its
				// own root rather than overwriting the first.
				c = &container{msgID: m.MessageID}
			}
		} else {
			c = &container{}
		}
		c.uid = m.UID
		order = append(order, c)

		// Chain the References ancestry, oldest first, then
		// In-Reply-To as the immediate parent when present.
		refs := m.References
		if m.InReplyTo != "" {
			refs = append(append([]string{}, refs...), m.InReplyTo)
		}
		var prev *container
		for _, ref := range refs {
			rc := get(ref)
			if prev != nil && rc.parent == nil && rc != prev && !isAncestor(rc, prev) {
				rc.parent = prev
				prev.children = append(prev.children, rc)
			}
			prev = rc
		}
		if prev != nil && prev != c && c.parent == nil && !isAncestor(c, prev) {
			c.parent = prev
			prev.children = append(prev.children, c)
		}
	}

	// Roots: containers with no parent. Referenced-but-unseen
	// containers may be roots too; they become synthetic nodes.
	seenRoot := make(map[*container]bool)
	var roots []*container
	addRoot := func(c *container) {
		r := c
		for r.parent != nil {
			r = r.parent
		}
		if !seenRoot[r] {
			seenRoot[r] = true
			roots = append(roots, r)
		}
	}
	for _, c := range order {
		addRoot(c)
	}

	forest := make([]imapparser.ThreadNode, 0, len(roots))
	for _, r := range roots {
		forest = append(forest, containerToNode(r))
	}
	return forest
}

// isAncestor reports whether a is an ancestor of b, guarding the
// link step against reference loops in malformed mail.
func isAncestor(a, b *container) bool {
	for c := b; c != nil; c = c.parent {
		if c == a {
			return true
		}
	}
	return false
}

func containerToNode(c *container) imapparser.ThreadNode {
	n := imapparser.ThreadNode{UID: c.uid}
	for _, child := range c.children {
		n.Children = append(n.Children, containerToNode(child))
	}
	return n
}

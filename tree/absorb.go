package tree

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"mailcore.dev/core/cache"
	"mailcore.dev/core/imap"
	"mailcore.dev/core/imap/imapparser"
)

// AbsorbUntagged is the tree's session.UntaggedSink hook: any untagged
// data the active task did not claim lands here. The selection stream
// (EXISTS, RECENT, EXPUNGE, FETCH) applies to the mailbox registered
// via SetCurrent; LIST and STATUS address mailboxes by name.
func (t *Tree) AbsorbUntagged(resp *imapparser.Response) {
	switch resp.Type {
	case "EXISTS":
		if cur := t.Current(); cur != nil {
			t.SetExists(cur, resp.SeqNum)
		}
	case "RECENT":
		if cur := t.Current(); cur != nil {
			t.SetRecent(cur, resp.SeqNum)
		}
	case "EXPUNGE":
		if cur := t.Current(); cur != nil {
			t.Expunge(cur, resp.SeqNum)
		}
	case "FETCH":
		if cur := t.Current(); cur != nil {
			t.ApplyFetch(cur, resp.SeqNum, resp.Fetch)
		}
	case "LIST", "LSUB":
		if resp.List != nil {
			t.UpsertListedMailbox(resp.List, resp.Type == "LSUB")
		}
	case "STATUS":
		if resp.MailboxStatus != nil {
			t.ApplyStatus(resp.MailboxStatus)
		}
	case "VANISHED":
		if cur := t.Current(); cur != nil && resp.Vanished != nil {
			t.ApplyVanished(cur, resp.Vanished)
		}
	case "OK", "NO", "BAD":
		if resp.Cond != nil && resp.Cond.Code != nil {
			t.applyResponseCode(resp.Cond.Code)
		}
	case "FLAGS":
		// The applicable-flags list; nothing in the model keys off it.
	default:
		if t.Log != nil {
			t.Log.Debug("tree: unabsorbed untagged response",
				zap.String("type", resp.Type))
		}
	}
}

func (t *Tree) applyResponseCode(code *imapparser.ResponseCode) {
	cur := t.Current()
	if cur == nil {
		return
	}
	switch code.Name {
	case "UIDVALIDITY":
		if v, err := code.Uint32Arg(0); err == nil {
			t.SetUidValidity(cur, v)
		}
	case "UIDNEXT":
		if v, err := code.Uint32Arg(0); err == nil {
			t.SetUidNext(cur, v)
		}
	case "UNSEEN":
		if v, err := code.Uint32Arg(0); err == nil {
			t.SetUnseen(cur, v)
		}
	}
}

// UpsertListedMailbox applies one LIST/LSUB line: the named mailbox is
// created under its parent (derived from the hierarchy separator) if
// new, or its attributes updated if already modeled. Parents missing
// from the tree are created unlisted, the way a deep LIST pattern can
// report a grandchild before its parent.
func (t *Tree) UpsertListedMailbox(lr *imapparser.ListResponse, lsub bool) {
	name := string(lr.Mailbox)
	if name == "" {
		return
	}
	var attrs imap.ListAttrFlag
	for _, a := range lr.Attrs {
		attrs |= imap.ParseListAttr(a)
	}

	t.mu.Lock()
	mbox := t.byName[name]
	if mbox != nil {
		changed := mbox.Attrs != attrs
		mbox.Attrs = attrs
		if lr.Delim != 0 {
			mbox.Separator = lr.Delim
		}
		if lsub {
			mbox.Subscribed = true
		}
		if changed {
			t.changed(mbox.id, AttrMailboxMeta)
		}
		t.mu.Unlock()
		return
	}

	parent := t.root
	if lr.Delim != 0 {
		if i := strings.LastIndexByte(name, lr.Delim); i >= 0 {
			parent = t.ensureMailboxLocked(name[:i], lr.Delim)
		}
	}
	mbox = &Mailbox{
		id:        t.allocID(),
		tree:      t,
		Name:      name,
		Separator: lr.Delim,
		Attrs:     attrs,
		parent:    parent,
	}
	if lsub {
		mbox.Subscribed = true
	}
	idx := len(parent.children)
	t.aboutToInsert(parent.id, idx, idx)
	parent.children = append(parent.children, mbox)
	t.byID[mbox.id] = NodeRef{Mailbox: mbox}
	t.byName[name] = mbox
	t.inserted(parent.id, idx, idx)
	t.mu.Unlock()
}

// ensureMailboxLocked returns the mailbox with the given name,
// creating it (and any missing ancestors) with no attributes.
func (t *Tree) ensureMailboxLocked(name string, delim byte) *Mailbox {
	if mbox := t.byName[name]; mbox != nil {
		return mbox
	}
	parent := t.root
	if i := strings.LastIndexByte(name, delim); i >= 0 {
		parent = t.ensureMailboxLocked(name[:i], delim)
	}
	mbox := &Mailbox{
		id:        t.allocID(),
		tree:      t,
		Name:      name,
		Separator: delim,
		parent:    parent,
	}
	idx := len(parent.children)
	t.aboutToInsert(parent.id, idx, idx)
	parent.children = append(parent.children, mbox)
	t.byID[mbox.id] = NodeRef{Mailbox: mbox}
	t.byName[name] = mbox
	t.inserted(parent.id, idx, idx)
	return mbox
}

// ApplyStatus applies a STATUS response to the named mailbox.
func (t *Tree) ApplyStatus(ms *imapparser.MailboxStatus) {
	name := string(ms.Mailbox)
	t.mu.Lock()
	mbox := t.byName[name]
	if mbox == nil {
		t.mu.Unlock()
		if t.Log != nil {
			t.Log.Debug("tree: STATUS for unmodeled mailbox", zap.String("mailbox", name))
		}
		return
	}
	var changed AttrSet
	for item, v := range ms.Items {
		switch item {
		case imapparser.StatusMessages:
			if mbox.msgs == nil || len(mbox.msgs.msgs) == 0 {
				mbox.exists = uint32(v)
				changed |= AttrCounts
			}
		case imapparser.StatusRecent:
			mbox.recent = uint32(v)
			changed |= AttrCounts
		case imapparser.StatusUnseen:
			mbox.unseen = uint32(v)
			changed |= AttrCounts
		case imapparser.StatusUIDNext:
			mbox.UidNext = uint32(v)
		case imapparser.StatusUIDValidity:
			if mbox.UidValidity == 0 {
				mbox.UidValidity = uint32(v)
			}
		}
	}
	if changed != 0 {
		t.changed(mbox.id, changed)
	}
	t.mu.Unlock()
}

// ApplyVanished removes every message whose UID falls in the VANISHED
// set, without per-message EXPUNGE responses (RFC 7162).
func (t *Tree) ApplyVanished(mbox *Mailbox, v *imapparser.Vanished) {
	t.mu.Lock()
	list := mbox.msgs
	if list == nil {
		t.mu.Unlock()
		return
	}
	type removal struct {
		idx int
		msg *Message
	}
	var removals []removal
	for i := len(list.msgs) - 1; i >= 0; i-- {
		msg := list.msgs[i]
		if msg.UID != 0 && imapparser.SeqContains(v.UIDs, msg.UID) {
			removals = append(removals, removal{i, msg})
		}
	}
	for _, rm := range removals {
		t.aboutToRemove(list.id, rm.idx, rm.idx)
		delete(list.byUID, rm.msg.UID)
		t.releaseMessageLocked(rm.msg)
		list.msgs = append(list.msgs[:rm.idx], list.msgs[rm.idx+1:]...)
		if mbox.exists > 0 {
			mbox.exists--
		}
		t.removed(list.id, rm.idx, rm.idx)
	}
	if len(removals) > 0 {
		t.changed(mbox.id, AttrCounts)
	}
	t.mu.Unlock()
}

// LoadMailboxFromCache seeds a freshly opened mailbox's message list
// from the cache's UID mapping, if one exists under the current
// UIDVALIDITY. Reports whether anything was loaded.
func (t *Tree) LoadMailboxFromCache(mbox *Mailbox) bool {
	if t.Cache == nil {
		return false
	}
	uids, validity, ok, err := t.Cache.UidMapping(context.Background(), mbox.Name)
	if err != nil || !ok {
		return false
	}
	t.mu.Lock()
	cur := mbox.UidValidity
	t.mu.Unlock()
	if cur != 0 && validity != cur {
		return false
	}
	t.SetMessageUIDs(mbox, uids)
	return true
}

// StoreUidMapping persists the mailbox's current UID ordering.
func (t *Tree) StoreUidMapping(mbox *Mailbox) {
	if t.Cache == nil {
		return
	}
	t.mu.Lock()
	validity := mbox.UidValidity
	var uids []uint32
	if mbox.msgs != nil {
		uids = make([]uint32, len(mbox.msgs.msgs))
		for i, m := range mbox.msgs.msgs {
			uids[i] = m.UID
		}
	}
	t.mu.Unlock()
	if validity == 0 {
		return
	}
	t.Cache.SetUidMapping(mbox.Name, uids, validity)
}

// ChildMailboxMetas renders a mailbox's children as the cache's
// MailboxMeta shape, for persisting a completed LIST.
func (t *Tree) ChildMailboxMetas(mbox *Mailbox) []cache.MailboxMeta {
	t.mu.Lock()
	defer t.mu.Unlock()
	metas := make([]cache.MailboxMeta, 0, len(mbox.children))
	for _, child := range mbox.children {
		hasKids, _ := child.Attrs.HasChildren()
		metas = append(metas, cache.MailboxMeta{
			Name:        child.Name,
			Separator:   child.Separator,
			Subscribed:  child.Subscribed,
			HasChildren: hasKids,
			NoSelect:    child.Attrs&imap.AttrNoselect != 0,
		})
	}
	return metas
}

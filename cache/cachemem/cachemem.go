// Package cachemem is an in-memory cache.Cache, backed by plain Go
// maps guarded by a single sync.Mutex - the same "maps plus one mutex"
// shape an in-memory test double
// (imaptest.MemoryStore) used for its mailbox state, sized down here
// to the narrower K/V contract the engine actually needs. It is used
// for tests and for ephemeral or offline accounts that never persist
// to disk.
package cachemem

import (
	"context"
	"sync"
	"time"

	"mailcore.dev/core/cache"
	"mailcore.dev/core/imap/imapparser"
)

type mailboxRow struct {
	uids        []uint32
	uidValidity uint32
}

type messageRow struct {
	envelope     *imapparser.Envelope
	hasEnvelope  bool
	body         *imapparser.BodyStructurePart
	hasBody      bool
	flags        []string
	hasFlags     bool
	size         uint32
	hasSize      bool
	date         time.Time
	hasDate      bool
	parts        map[string][]byte
}

// Cache is an in-memory cache.Cache.
type Cache struct {
	mu       sync.Mutex
	children map[string][]cache.MailboxMeta
	fresh    map[string]bool
	mailbox  map[string]mailboxRow
	messages map[cache.MessageKey]*messageRow
}

// New returns an empty in-memory cache.
func New() *Cache {
	return &Cache{
		children: make(map[string][]cache.MailboxMeta),
		fresh:    make(map[string]bool),
		mailbox:  make(map[string]mailboxRow),
		messages: make(map[cache.MessageKey]*messageRow),
	}
}

func (c *Cache) ChildMailboxesFresh(ctx context.Context, parent string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fresh[parent], nil
}

func (c *Cache) ChildMailboxes(ctx context.Context, parent string) ([]cache.MailboxMeta, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	children := c.children[parent]
	out := make([]cache.MailboxMeta, len(children))
	copy(out, children)
	return out, nil
}

func (c *Cache) SetChildMailboxes(parent string, children []cache.MailboxMeta) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]cache.MailboxMeta, len(children))
	copy(cp, children)
	c.children[parent] = cp
	c.fresh[parent] = true
}

func (c *Cache) UidMapping(ctx context.Context, mailbox string) ([]uint32, uint32, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	row, ok := c.mailbox[mailbox]
	if !ok {
		return nil, 0, false, nil
	}
	uids := make([]uint32, len(row.uids))
	copy(uids, row.uids)
	return uids, row.uidValidity, true, nil
}

// SetUidMapping records uids under uidValidity, discarding every
// per-message row cached for mailbox if uidValidity changed from what
// was previously recorded - the invariant the cache contract requires
// of every implementation.
func (c *Cache) SetUidMapping(mailbox string, uids []uint32, uidValidity uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev, existed := c.mailbox[mailbox]
	cp := make([]uint32, len(uids))
	copy(cp, uids)
	c.mailbox[mailbox] = mailboxRow{uids: cp, uidValidity: uidValidity}

	if existed && prev.uidValidity != uidValidity {
		for key := range c.messages {
			if key.Mailbox == mailbox {
				delete(c.messages, key)
			}
		}
	}
}

func (c *Cache) row(key cache.MessageKey) *messageRow {
	row := c.messages[key]
	if row == nil {
		row = &messageRow{}
		c.messages[key] = row
	}
	return row
}

func (c *Cache) Envelope(ctx context.Context, key cache.MessageKey) (*imapparser.Envelope, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	row, ok := c.messages[key]
	if !ok || !row.hasEnvelope {
		return nil, false, nil
	}
	return row.envelope, true, nil
}

func (c *Cache) SetEnvelope(key cache.MessageKey, env *imapparser.Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	row := c.row(key)
	row.envelope, row.hasEnvelope = env, true
}

func (c *Cache) BodyStructure(ctx context.Context, key cache.MessageKey) (*imapparser.BodyStructurePart, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	row, ok := c.messages[key]
	if !ok || !row.hasBody {
		return nil, false, nil
	}
	return row.body, true, nil
}

func (c *Cache) SetBodyStructure(key cache.MessageKey, bs *imapparser.BodyStructurePart) {
	c.mu.Lock()
	defer c.mu.Unlock()
	row := c.row(key)
	row.body, row.hasBody = bs, true
}

func (c *Cache) Flags(ctx context.Context, key cache.MessageKey) ([]string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	row, ok := c.messages[key]
	if !ok || !row.hasFlags {
		return nil, false, nil
	}
	flags := make([]string, len(row.flags))
	copy(flags, row.flags)
	return flags, true, nil
}

func (c *Cache) SetFlags(key cache.MessageKey, flags []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	row := c.row(key)
	row.flags = append([]string(nil), flags...)
	row.hasFlags = true
}

func (c *Cache) Size(ctx context.Context, key cache.MessageKey) (uint32, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	row, ok := c.messages[key]
	if !ok || !row.hasSize {
		return 0, false, nil
	}
	return row.size, true, nil
}

func (c *Cache) SetSize(key cache.MessageKey, size uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	row := c.row(key)
	row.size, row.hasSize = size, true
}

func (c *Cache) InternalDate(ctx context.Context, key cache.MessageKey) (time.Time, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	row, ok := c.messages[key]
	if !ok || !row.hasDate {
		return time.Time{}, false, nil
	}
	return row.date, true, nil
}

func (c *Cache) SetInternalDate(key cache.MessageKey, date time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	row := c.row(key)
	row.date, row.hasDate = date, true
}

func (c *Cache) MessagePart(ctx context.Context, key cache.MessageKey, partPath string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	row, ok := c.messages[key]
	if !ok || row.parts == nil {
		return nil, false, nil
	}
	data, ok := row.parts[partPath]
	if !ok {
		return nil, false, nil
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, true, nil
}

func (c *Cache) SetMessagePart(key cache.MessageKey, partPath string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	row := c.row(key)
	if row.parts == nil {
		row.parts = make(map[string][]byte)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	row.parts[partPath] = cp
}

func (c *Cache) Close() error { return nil }

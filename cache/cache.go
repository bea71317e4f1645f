// Package cache defines the persistence contract the engine depends
// on: mailbox listings, UID mappings, and per-message metadata. The
// engine only ever calls through this interface; the wire protocol
// and the storage layer meet only at plain Go values, so a Cache
// implementation is swappable (SQL, in-memory) without touching
// either side.
package cache

import (
	"context"
	"time"

	"mailcore.dev/core/imap/imapparser"
)

// MailboxMeta is one entry of a mailbox's children, as last reported
// by LIST/LSUB.
type MailboxMeta struct {
	Name        string
	Separator   byte
	Subscribed  bool
	HasChildren bool
	NoSelect    bool
}

// MessageKey identifies a cached message. UidValidity is part of the
// key, not just a validation field: a cache row keyed on a stale
// UidValidity is logically a different message than one with the
// current value, even if the Uid integer is reused by the server.
type MessageKey struct {
	Mailbox     string
	UidValidity uint32
	Uid         uint32
}

// ErrorFunc receives non-fatal persistence failures. It is called
// from whatever goroutine noticed the failure (the SQL write queue,
// a singleflight-deduplicated read), never synchronously from the
// call that triggered it, and must not block.
type ErrorFunc func(err error)

// Cache is the persistence contract: pluggable storage for mailbox
// metadata, UID mappings, and per-message ENVELOPE, BODYSTRUCTURE,
// flags, size and body parts. Implementations: cachemem (in-memory,
// for tests and ephemeral accounts) and cachesql (crawshaw.io/sqlite
// backed, the reference persistent implementation).
//
// Get methods may block on I/O and return an error synchronously. Set
// methods are fire-and-forget: they queue the write and return
// immediately; a write failure is reported to the Cache's ErrorFunc
// instead of to the caller, so the engine thread is never blocked on
// disk.
type Cache interface {
	// ChildMailboxesFresh reports whether SetChildMailboxes has ever
	// been called for parent since the cache was opened, or since the
	// last time its contents were invalidated.
	ChildMailboxesFresh(ctx context.Context, parent string) (bool, error)
	ChildMailboxes(ctx context.Context, parent string) ([]MailboxMeta, error)
	SetChildMailboxes(parent string, children []MailboxMeta)

	// UidMapping returns the last UID list reported for mailbox and
	// the UidValidity it was reported under. ok is false if the
	// mailbox has never had a mapping recorded.
	UidMapping(ctx context.Context, mailbox string) (uids []uint32, uidValidity uint32, ok bool, err error)

	// SetUidMapping records uids as the current UID ordering for
	// mailbox under uidValidity. If an existing mapping for mailbox
	// carries a different uidValidity, every per-message row for that
	// mailbox (envelope, body structure, flags, size, parts) is
	// discarded atomically with the new mapping taking effect; stale
	// UIDs from before a UIDVALIDITY change must never be readable
	// again under the new validity.
	SetUidMapping(mailbox string, uids []uint32, uidValidity uint32)

	Envelope(ctx context.Context, key MessageKey) (*imapparser.Envelope, bool, error)
	SetEnvelope(key MessageKey, env *imapparser.Envelope)

	BodyStructure(ctx context.Context, key MessageKey) (*imapparser.BodyStructurePart, bool, error)
	SetBodyStructure(key MessageKey, bs *imapparser.BodyStructurePart)

	Flags(ctx context.Context, key MessageKey) ([]string, bool, error)
	SetFlags(key MessageKey, flags []string)

	Size(ctx context.Context, key MessageKey) (uint32, bool, error)
	SetSize(key MessageKey, size uint32)

	InternalDate(ctx context.Context, key MessageKey) (time.Time, bool, error)
	SetInternalDate(key MessageKey, date time.Time)

	MessagePart(ctx context.Context, key MessageKey, partPath string) ([]byte, bool, error)
	SetMessagePart(key MessageKey, partPath string, data []byte)

	// Close releases any resources (connections, goroutines) held by
	// the implementation. Pending fire-and-forget writes are flushed
	// before Close returns.
	Close() error
}

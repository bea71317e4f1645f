// Package cachesql implements cache.Cache on top of crawshaw.io/sqlite,
// the same driver and Prep/Step/Get* statement style the reference
// server's own db and webcache packages use. Reads go straight to a
// pooled connection and are deduplicated by key with
// golang.org/x/sync/singleflight; writes are handed to a single
// dedicated connection owned by one background goroutine, so they
// never block the caller and never contend with each other for a
// write lock - mirroring §5's "writes are fire-and-forget" rule and
// WAL mode's single-writer/many-readers model in one move.
package cachesql

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"mailcore.dev/core/cache"
	"mailcore.dev/core/imap/imapparser"
	"mailcore.dev/core/taskerr"
)

// Cache is a crawshaw.io/sqlite backed cache.Cache.
type Cache struct {
	pool  *sqlitex.Pool
	log   *zap.Logger
	errFn cache.ErrorFunc

	sf singleflight.Group

	writes chan func(*sqlite.Conn)
	wg     sync.WaitGroup
}

// Open creates or opens dbfile and returns a ready Cache. errFn, if
// non-nil, is called (from the cache's write goroutine, never from
// the calling goroutine) whenever a fire-and-forget write fails.
func Open(dbfile string, log *zap.Logger, errFn cache.ErrorFunc) (*Cache, error) {
	conn, err := sqlite.OpenConn(dbfile, 0)
	if err != nil {
		return nil, fmt.Errorf("cachesql.Open: init open: %w", err)
	}
	if err := initSchema(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("cachesql.Open: init: %w", err)
	}
	if err := conn.Close(); err != nil {
		return nil, fmt.Errorf("cachesql.Open: init close: %w", err)
	}

	pool, err := sqlitex.Open(dbfile, 0, 8)
	if err != nil {
		return nil, fmt.Errorf("cachesql.Open: pool: %w", err)
	}

	c := &Cache{
		pool:   pool,
		log:    log,
		errFn:  errFn,
		writes: make(chan func(*sqlite.Conn), 256),
	}
	c.wg.Add(1)
	go c.runWrites()
	return c, nil
}

func initSchema(conn *sqlite.Conn) error {
	if err := sqlitex.ExecTransient(conn, "PRAGMA journal_mode=WAL;", nil); err != nil {
		return err
	}
	return sqlitex.ExecScript(conn, createSQL)
}

// runWrites is the single goroutine that owns the write connection.
// Every Set* method hands it a closure instead of touching SQLite
// directly, so concurrent callers never contend on the one write
// connection WAL mode grants them.
func (c *Cache) runWrites() {
	defer c.wg.Done()
	conn := c.pool.Get(context.Background())
	defer c.pool.Put(conn)
	for fn := range c.writes {
		fn(conn)
	}
}

func (c *Cache) enqueue(op string, fn func(*sqlite.Conn) error) {
	c.writes <- func(conn *sqlite.Conn) {
		if err := fn(conn); err != nil {
			c.reportErr(op, err)
		}
	}
}

func (c *Cache) reportErr(op string, err error) {
	wrapped := &taskerr.CacheIO{Err: fmt.Errorf("%s: %w", op, err)}
	if c.log != nil {
		c.log.Warn("cache write failed", zap.String("op", op), zap.Error(err))
	}
	if c.errFn != nil {
		c.errFn(wrapped)
	}
}

// Close stops the write goroutine, letting it drain every write
// already enqueued, then closes the pool. Close must not be called
// concurrently with Set* calls that are still landing: like every
// other Cache method, Close is meant to be driven from the engine's
// single owning goroutine (§5), not from an arbitrary caller racing
// with it.
func (c *Cache) Close() error {
	close(c.writes)
	c.wg.Wait()
	return c.pool.Close()
}

func (c *Cache) ChildMailboxesFresh(ctx context.Context, parent string) (bool, error) {
	conn := c.pool.Get(ctx)
	if conn == nil {
		return false, ctx.Err()
	}
	defer c.pool.Put(conn)

	stmt := conn.Prep("SELECT 1 FROM MailboxChildrenFresh WHERE Parent = $parent;")
	stmt.SetText("$parent", parent)
	found, err := stmt.Step()
	if err != nil {
		return false, err
	}
	return found, nil
}

func (c *Cache) ChildMailboxes(ctx context.Context, parent string) ([]cache.MailboxMeta, error) {
	v, err, _ := c.sf.Do("children:"+parent, func() (interface{}, error) {
		conn := c.pool.Get(ctx)
		if conn == nil {
			return nil, ctx.Err()
		}
		defer c.pool.Put(conn)

		var children []cache.MailboxMeta
		stmt := conn.Prep(`SELECT Name, Separator, Subscribed, HasChildren, NoSelect
			FROM MailboxChildren WHERE Parent = $parent ORDER BY Ord;`)
		stmt.SetText("$parent", parent)
		for {
			hasRow, err := stmt.Step()
			if err != nil {
				return nil, err
			}
			if !hasRow {
				break
			}
			children = append(children, cache.MailboxMeta{
				Name:        stmt.GetText("Name"),
				Separator:   byte(stmt.GetInt64("Separator")),
				Subscribed:  stmt.GetInt64("Subscribed") != 0,
				HasChildren: stmt.GetInt64("HasChildren") != 0,
				NoSelect:    stmt.GetInt64("NoSelect") != 0,
			})
		}
		return children, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]cache.MailboxMeta), nil
}

func (c *Cache) SetChildMailboxes(parent string, children []cache.MailboxMeta) {
	cp := make([]cache.MailboxMeta, len(children))
	copy(cp, children)
	c.enqueue("SetChildMailboxes", func(conn *sqlite.Conn) (err error) {
		defer sqlitex.Save(conn)(&err)

		del := conn.Prep("DELETE FROM MailboxChildren WHERE Parent = $parent;")
		del.SetText("$parent", parent)
		if _, err := del.Step(); err != nil {
			return err
		}

		for i, m := range cp {
			ins := conn.Prep(`INSERT INTO MailboxChildren
				(Parent, Name, Separator, Subscribed, HasChildren, NoSelect, Ord)
				VALUES ($parent, $name, $sep, $subscribed, $hasChildren, $noSelect, $ord);`)
			ins.SetText("$parent", parent)
			ins.SetText("$name", m.Name)
			ins.SetInt64("$sep", int64(m.Separator))
			ins.SetBool("$subscribed", m.Subscribed)
			ins.SetBool("$hasChildren", m.HasChildren)
			ins.SetBool("$noSelect", m.NoSelect)
			ins.SetInt64("$ord", int64(i))
			if _, err := ins.Step(); err != nil {
				return err
			}
		}

		fresh := conn.Prep("INSERT OR REPLACE INTO MailboxChildrenFresh (Parent) VALUES ($parent);")
		fresh.SetText("$parent", parent)
		_, err = fresh.Step()
		return err
	})
}

func (c *Cache) UidMapping(ctx context.Context, mailbox string) ([]uint32, uint32, bool, error) {
	v, err, _ := c.sf.Do("uids:"+mailbox, func() (interface{}, error) {
		conn := c.pool.Get(ctx)
		if conn == nil {
			return nil, ctx.Err()
		}
		defer c.pool.Put(conn)

		stmt := conn.Prep("SELECT UidValidity, Uids FROM UidMapping WHERE MailboxName = $mailbox;")
		stmt.SetText("$mailbox", mailbox)
		found, err := stmt.Step()
		if err != nil {
			return nil, err
		}
		if !found {
			return uidMappingResult{}, nil
		}
		uidValidity := uint32(stmt.GetInt64("UidValidity"))
		var uids []uint32
		if err := json.Unmarshal([]byte(stmt.GetText("Uids")), &uids); err != nil {
			return nil, fmt.Errorf("UidMapping: decode uids: %w", err)
		}
		return uidMappingResult{uids: uids, uidValidity: uidValidity, ok: true}, nil
	})
	if err != nil {
		return nil, 0, false, err
	}
	r := v.(uidMappingResult)
	return r.uids, r.uidValidity, r.ok, nil
}

type uidMappingResult struct {
	uids        []uint32
	uidValidity uint32
	ok          bool
}

func (c *Cache) SetUidMapping(mailbox string, uids []uint32, uidValidity uint32) {
	cp := make([]uint32, len(uids))
	copy(cp, uids)
	c.enqueue("SetUidMapping", func(conn *sqlite.Conn) (err error) {
		encoded, err := json.Marshal(cp)
		if err != nil {
			return fmt.Errorf("encode uids: %w", err)
		}

		defer sqlitex.Save(conn)(&err)

		prev := conn.Prep("SELECT UidValidity FROM UidMapping WHERE MailboxName = $mailbox;")
		prev.SetText("$mailbox", mailbox)
		found, err := prev.Step()
		if err != nil {
			return err
		}
		changed := found && uint32(prev.GetInt64("UidValidity")) != uidValidity

		ins := conn.Prep(`INSERT INTO UidMapping (MailboxName, UidValidity, Uids)
			VALUES ($mailbox, $uidValidity, $uids)
			ON CONFLICT(MailboxName) DO UPDATE SET UidValidity = $uidValidity, Uids = $uids;`)
		ins.SetText("$mailbox", mailbox)
		ins.SetInt64("$uidValidity", int64(uidValidity))
		ins.SetBytes("$uids", encoded)
		if _, err := ins.Step(); err != nil {
			return err
		}

		if changed {
			if err := deleteMailboxMessages(conn, mailbox); err != nil {
				return err
			}
		}
		return nil
	})
}

func deleteMailboxMessages(conn *sqlite.Conn, mailbox string) error {
	del := conn.Prep("DELETE FROM Messages WHERE MailboxName = $mailbox;")
	del.SetText("$mailbox", mailbox)
	if _, err := del.Step(); err != nil {
		return err
	}
	del = conn.Prep("DELETE FROM MessageParts WHERE MailboxName = $mailbox;")
	del.SetText("$mailbox", mailbox)
	_, err := del.Step()
	return err
}

func messageKey(op string, key cache.MessageKey) string {
	return fmt.Sprintf("%s:%s:%d:%d", op, key.Mailbox, key.UidValidity, key.Uid)
}

// selectMessageJSON reads column (a JSON-encoded blob column of
// Messages) for key and decodes it into out, the same
// GetReader+json.NewDecoder combination the rest of this package's
// Flags column uses. The WHERE clause's "column
// IS NOT NULL" does the has-this-ever-been-set check, so there is no
// need to inspect the stepped row's column type afterwards.
func (c *Cache) selectMessageJSON(ctx context.Context, key cache.MessageKey, column string, out interface{}) (bool, error) {
	v, err, _ := c.sf.Do(messageKey(column, key), func() (interface{}, error) {
		conn := c.pool.Get(ctx)
		if conn == nil {
			return nil, ctx.Err()
		}
		defer c.pool.Put(conn)

		stmt := conn.Prep(fmt.Sprintf(`SELECT %s FROM Messages
			WHERE MailboxName = $mailbox AND UidValidity = $uidValidity AND Uid = $uid
			AND %s IS NOT NULL;`, column, column))
		stmt.SetText("$mailbox", key.Mailbox)
		stmt.SetInt64("$uidValidity", int64(key.UidValidity))
		stmt.SetInt64("$uid", int64(key.Uid))
		found, err := stmt.Step()
		if err != nil {
			return nil, err
		}
		if !found {
			return []byte(nil), nil
		}
		data, err := io.ReadAll(stmt.GetReader(column))
		if err != nil {
			return nil, fmt.Errorf("%s: read: %w", column, err)
		}
		return data, nil
	})
	if err != nil {
		return false, err
	}
	data := v.([]byte)
	if data == nil {
		return false, nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("%s: decode: %w", column, err)
	}
	return true, nil
}

// selectMessageInt is selectMessageJSON's counterpart for the two
// plain-integer columns, Size and InternalDate.
func (c *Cache) selectMessageInt(ctx context.Context, key cache.MessageKey, column string) (int64, bool, error) {
	v, err, _ := c.sf.Do(messageKey(column, key), func() (interface{}, error) {
		conn := c.pool.Get(ctx)
		if conn == nil {
			return nil, ctx.Err()
		}
		defer c.pool.Put(conn)

		stmt := conn.Prep(fmt.Sprintf(`SELECT %s FROM Messages
			WHERE MailboxName = $mailbox AND UidValidity = $uidValidity AND Uid = $uid
			AND %s IS NOT NULL;`, column, column))
		stmt.SetText("$mailbox", key.Mailbox)
		stmt.SetInt64("$uidValidity", int64(key.UidValidity))
		stmt.SetInt64("$uid", int64(key.Uid))
		found, err := stmt.Step()
		if err != nil {
			return nil, err
		}
		if !found {
			return intResult{}, nil
		}
		return intResult{val: stmt.GetInt64(column), ok: true}, nil
	})
	if err != nil {
		return 0, false, err
	}
	r := v.(intResult)
	return r.val, r.ok, nil
}

type intResult struct {
	val int64
	ok  bool
}

// setMessageColumn enqueues an UPDATE of one column on the Messages
// row for key, first ensuring that row exists (a message's metadata
// can arrive in any order - flags before envelope, size before
// either - so there is no single "create" call that owns the insert).
func (c *Cache) setMessageColumn(op, column string, key cache.MessageKey, set func(stmt *sqlite.Stmt)) {
	c.enqueue(op, func(conn *sqlite.Conn) (err error) {
		defer sqlitex.Save(conn)(&err)

		ensure := conn.Prep(`INSERT OR IGNORE INTO Messages (MailboxName, UidValidity, Uid)
			VALUES ($mailbox, $uidValidity, $uid);`)
		ensure.SetText("$mailbox", key.Mailbox)
		ensure.SetInt64("$uidValidity", int64(key.UidValidity))
		ensure.SetInt64("$uid", int64(key.Uid))
		if _, err := ensure.Step(); err != nil {
			return err
		}

		stmt := conn.Prep(fmt.Sprintf(`UPDATE Messages SET %s = $value
			WHERE MailboxName = $mailbox AND UidValidity = $uidValidity AND Uid = $uid;`, column))
		stmt.SetText("$mailbox", key.Mailbox)
		stmt.SetInt64("$uidValidity", int64(key.UidValidity))
		stmt.SetInt64("$uid", int64(key.Uid))
		set(stmt)
		_, err = stmt.Step()
		return err
	})
}

func (c *Cache) Envelope(ctx context.Context, key cache.MessageKey) (*imapparser.Envelope, bool, error) {
	var env imapparser.Envelope
	ok, err := c.selectMessageJSON(ctx, key, "Envelope", &env)
	if err != nil || !ok {
		return nil, false, err
	}
	return &env, true, nil
}

func (c *Cache) SetEnvelope(key cache.MessageKey, env *imapparser.Envelope) {
	encoded, err := json.Marshal(env)
	if err != nil {
		c.reportErr("SetEnvelope", err)
		return
	}
	c.setMessageColumn("SetEnvelope", "Envelope", key, func(stmt *sqlite.Stmt) { stmt.SetBytes("$value", encoded) })
}

func (c *Cache) BodyStructure(ctx context.Context, key cache.MessageKey) (*imapparser.BodyStructurePart, bool, error) {
	var bs imapparser.BodyStructurePart
	ok, err := c.selectMessageJSON(ctx, key, "BodyStruct", &bs)
	if err != nil || !ok {
		return nil, false, err
	}
	return &bs, true, nil
}

func (c *Cache) SetBodyStructure(key cache.MessageKey, bs *imapparser.BodyStructurePart) {
	encoded, err := json.Marshal(bs)
	if err != nil {
		c.reportErr("SetBodyStructure", err)
		return
	}
	c.setMessageColumn("SetBodyStructure", "BodyStruct", key, func(stmt *sqlite.Stmt) { stmt.SetBytes("$value", encoded) })
}

func (c *Cache) Flags(ctx context.Context, key cache.MessageKey) ([]string, bool, error) {
	var flags []string
	ok, err := c.selectMessageJSON(ctx, key, "Flags", &flags)
	if err != nil || !ok {
		return nil, false, err
	}
	return flags, true, nil
}

func (c *Cache) SetFlags(key cache.MessageKey, flags []string) {
	encoded, err := json.Marshal(flags)
	if err != nil {
		c.reportErr("SetFlags", err)
		return
	}
	c.setMessageColumn("SetFlags", "Flags", key, func(stmt *sqlite.Stmt) { stmt.SetBytes("$value", encoded) })
}

func (c *Cache) Size(ctx context.Context, key cache.MessageKey) (uint32, bool, error) {
	v, ok, err := c.selectMessageInt(ctx, key, "Size")
	if err != nil || !ok {
		return 0, false, err
	}
	return uint32(v), true, nil
}

func (c *Cache) SetSize(key cache.MessageKey, size uint32) {
	c.setMessageColumn("SetSize", "Size", key, func(stmt *sqlite.Stmt) { stmt.SetInt64("$value", int64(size)) })
}

func (c *Cache) InternalDate(ctx context.Context, key cache.MessageKey) (time.Time, bool, error) {
	v, ok, err := c.selectMessageInt(ctx, key, "InternalDate")
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	return time.Unix(v, 0), true, nil
}

func (c *Cache) SetInternalDate(key cache.MessageKey, date time.Time) {
	c.setMessageColumn("SetInternalDate", "InternalDate", key, func(stmt *sqlite.Stmt) { stmt.SetInt64("$value", date.Unix()) })
}

func (c *Cache) MessagePart(ctx context.Context, key cache.MessageKey, partPath string) ([]byte, bool, error) {
	v, err, _ := c.sf.Do(messageKey("part:"+partPath, key), func() (interface{}, error) {
		conn := c.pool.Get(ctx)
		if conn == nil {
			return nil, ctx.Err()
		}
		defer c.pool.Put(conn)

		stmt := conn.Prep(`SELECT Data FROM MessageParts
			WHERE MailboxName = $mailbox AND UidValidity = $uidValidity AND Uid = $uid AND PartPath = $part;`)
		stmt.SetText("$mailbox", key.Mailbox)
		stmt.SetInt64("$uidValidity", int64(key.UidValidity))
		stmt.SetInt64("$uid", int64(key.Uid))
		stmt.SetText("$part", partPath)
		found, err := stmt.Step()
		if err != nil {
			return nil, err
		}
		if !found {
			return partResult{}, nil
		}
		data, err := io.ReadAll(stmt.GetReader("Data"))
		if err != nil {
			return nil, fmt.Errorf("MessagePart: read: %w", err)
		}
		return partResult{data: data, ok: true}, nil
	})
	if err != nil {
		return nil, false, err
	}
	r := v.(partResult)
	return r.data, r.ok, nil
}

type partResult struct {
	data []byte
	ok   bool
}

func (c *Cache) SetMessagePart(key cache.MessageKey, partPath string, data []byte) {
	cp := make([]byte, len(data))
	copy(cp, data)
	c.enqueue("SetMessagePart", func(conn *sqlite.Conn) error {
		stmt := conn.Prep(`INSERT INTO MessageParts (MailboxName, UidValidity, Uid, PartPath, Data)
			VALUES ($mailbox, $uidValidity, $uid, $part, $data)
			ON CONFLICT(MailboxName, UidValidity, Uid, PartPath) DO UPDATE SET Data = $data;`)
		stmt.SetText("$mailbox", key.Mailbox)
		stmt.SetInt64("$uidValidity", int64(key.UidValidity))
		stmt.SetInt64("$uid", int64(key.Uid))
		stmt.SetText("$part", partPath)
		stmt.SetBytes("$data", cp)
		_, err := stmt.Step()
		return err
	})
}

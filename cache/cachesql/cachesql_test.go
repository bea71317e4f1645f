package cachesql

import (
	"context"
	"path/filepath"
	"testing"

	"crawshaw.io/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"mailcore.dev/core/cache"
	"mailcore.dev/core/imap/imapparser"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := Open(filepath.Join(t.TempDir(), "cache.db"), zaptest.NewLogger(t), nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

// flush waits for every fire-and-forget write enqueued so far to land.
func flush(c *Cache) {
	done := make(chan struct{})
	c.writes <- func(*sqlite.Conn) { close(done) }
	<-done
}

func TestChildMailboxesRoundTrip(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	fresh, err := c.ChildMailboxesFresh(ctx, "")
	require.NoError(t, err)
	assert.False(t, fresh)

	c.SetChildMailboxes("", []cache.MailboxMeta{
		{Name: "INBOX", Separator: '/'},
		{Name: "Archive", Separator: '/', HasChildren: true, Subscribed: true},
	})
	flush(c)

	fresh, err = c.ChildMailboxesFresh(ctx, "")
	require.NoError(t, err)
	assert.True(t, fresh)

	children, err := c.ChildMailboxes(ctx, "")
	require.NoError(t, err)
	require.Len(t, children, 2)
	assert.Equal(t, "INBOX", children[0].Name)
	assert.Equal(t, byte('/'), children[0].Separator)
	assert.True(t, children[1].HasChildren)
	assert.True(t, children[1].Subscribed)
}

func TestUidValidityChangeDiscardsMessageRows(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	key := cache.MessageKey{Mailbox: "INBOX", UidValidity: 1, Uid: 5}
	c.SetUidMapping("INBOX", []uint32{5, 6, 7}, 1)
	c.SetFlags(key, []string{`\Seen`})
	c.SetEnvelope(key, &imapparser.Envelope{Subject: "hello"})
	c.SetSize(key, 1234)
	c.SetMessagePart(key, "1", []byte("body bytes"))
	flush(c)

	flags, ok, err := c.Flags(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{`\Seen`}, flags)

	env, ok, err := c.Envelope(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "hello", env.Subject)

	// A new UIDVALIDITY atomically discards every message row.
	c.SetUidMapping("INBOX", []uint32{1}, 2)
	flush(c)

	_, ok, err = c.Flags(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok, "stale flags must be unreadable after a validity change")
	_, ok, err = c.Envelope(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = c.MessagePart(ctx, key, "1")
	require.NoError(t, err)
	assert.False(t, ok)

	uids, validity, ok, err := c.UidMapping(ctx, "INBOX")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint32(2), validity)
	assert.Equal(t, []uint32{1}, uids)
}

func TestMessagePartRoundTrip(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	key := cache.MessageKey{Mailbox: "INBOX", UidValidity: 3, Uid: 9}
	c.SetMessagePart(key, "1.2", []byte{0x00, 0xFF, 0x42})
	flush(c)

	data, ok, err := c.MessagePart(ctx, key, "1.2")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte{0x00, 0xFF, 0x42}, data)

	_, ok, err = c.MessagePart(ctx, key, "1.3")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cache.db")

	c, err := Open(path, zaptest.NewLogger(t), nil)
	require.NoError(t, err)
	c.SetUidMapping("INBOX", []uint32{4, 5}, 7)
	require.NoError(t, c.Close())

	c2, err := Open(path, zaptest.NewLogger(t), nil)
	require.NoError(t, err)
	defer c2.Close()

	uids, validity, ok, err := c2.UidMapping(context.Background(), "INBOX")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint32(7), validity)
	assert.Equal(t, []uint32{4, 5}, uids)
}

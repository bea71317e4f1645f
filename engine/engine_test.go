package engine

import (
	"bufio"
	"context"
	"errors"
	"io"
	"io/ioutil"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"mailcore.dev/core/config"
	"mailcore.dev/core/email"
	"mailcore.dev/core/email/msgbuilder"
	"mailcore.dev/core/imap/imapparser"
	"mailcore.dev/core/task"
	"mailcore.dev/core/taskerr"
)

func testConfig() config.Account {
	return config.Account{
		Name: "test",
		IMAP: config.IMAP{
			Host:     "imap.example.org",
			TLS:      config.TLSNone,
			Username: "joe",
			Password: "sekrit",
		},
		UserAgent: "mailcore-test/1.0",
		Hostname:  "example.org",
	}
}

// script mirrors the task package's fake server: one end of a
// net.Pipe driven line by line.
type script struct {
	t    *testing.T
	conn net.Conn
	br   *bufio.Reader
}

func newScript(t *testing.T) (*script, func() (net.Conn, error)) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close(); server.Close() })
	sc := &script{t: t, conn: server, br: bufio.NewReader(server)}
	return sc, func() (net.Conn, error) { return client, nil }
}

func (s *script) expect(want string) string {
	s.t.Helper()
	s.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := s.br.ReadString('\n')
	require.NoError(s.t, err, "reading command expecting %q", want)
	require.Contains(s.t, line, want)
	return strings.Fields(line)[0]
}

func (s *script) send(lines ...string) {
	s.t.Helper()
	for _, l := range lines {
		s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		_, err := s.conn.Write([]byte(l + "\r\n"))
		require.NoError(s.t, err)
	}
}

func TestOfflineFetchFailsWithoutIO(t *testing.T) {
	cfg := testConfig()
	cfg.Offline = true
	a, err := Open(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer a.Close()

	open := a.OpenMailbox("INBOX")
	require.Error(t, open.Wait())

	fetch := a.FetchMessages([]imapparser.SeqRange{{Min: 1, Max: 10}}, false)
	err = fetch.Wait()
	require.Error(t, err)
	var offline *taskerr.Offline
	assert.True(t, errors.As(err, &offline), "fetch fails with Offline, got %v", err)
	assert.Equal(t, task.StateFailed, fetch.State())
}

func TestListMailboxesPopulatesTree(t *testing.T) {
	a, err := Open(testConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer a.Close()

	sc, dial := newScript(t)
	a.DialOverride = dial

	go func() {
		sc.send("* OK [CAPABILITY IMAP4rev1] ready")
		tag := sc.expect("LOGIN")
		sc.send(tag + " OK logged in")
		tag = sc.expect(`LIST "" "%"`)
		sc.send(
			`* LIST (\HasNoChildren) "/" "INBOX"`,
			`* LIST (\HasChildren) "/" "Archive"`,
			tag+" OK listed",
		)
	}()

	list := a.ListMailboxes("")
	require.NoError(t, list.Wait())

	root := a.Tree().Root()
	require.Len(t, root.Children(), 2)
	assert.True(t, root.ChildrenKnown())
	assert.NotNil(t, a.Tree().MailboxByName("Archive"))
}

type fakeSubmitter struct {
	mu         sync.Mutex
	from       string
	recipients []string
	raw        []byte
	err        error
}

func (f *fakeSubmitter) Submit(ctx context.Context, from string, recipients []string, msg io.Reader) error {
	raw, err := ioutil.ReadAll(msg)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.from = from
	f.recipients = recipients
	f.raw = raw
	f.mu.Unlock()
	return f.err
}

func TestSendMessageDeliversEnvelopeBcc(t *testing.T) {
	a, err := Open(testConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer a.Close()

	sub := &fakeSubmitter{}
	a.Submitter = sub

	send := a.SendMessage(&msgbuilder.Compose{
		From:    email.Address{Addr: "joe@example.org"},
		To:      []email.Address{{Addr: "to@example.net"}},
		Bcc:     []email.Address{{Addr: "secret@example.net"}},
		Subject: "hi",
		Text:    "body\n",
	})
	require.NoError(t, send.Wait())

	sub.mu.Lock()
	defer sub.mu.Unlock()
	assert.Equal(t, "joe@example.org", sub.from)
	assert.Equal(t, []string{"to@example.net", "secret@example.net"}, sub.recipients)
	assert.NotContains(t, string(sub.raw), "secret@example.net", "Bcc never serializes into the payload")
	assert.Contains(t, string(sub.raw), "User-Agent: mailcore-test/1.0")
	assert.Contains(t, string(sub.raw), "Message-ID: <")
}

func TestSendMessageWithoutSubmitterFails(t *testing.T) {
	a, err := Open(testConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer a.Close()

	send := a.SendMessage(&msgbuilder.Compose{
		From: email.Address{Addr: "joe@example.org"},
		To:   []email.Address{{Addr: "to@example.net"}},
		Text: "hi\n",
	})
	require.Error(t, send.Wait())
}

func TestThreadingRequiresOpenMailbox(t *testing.T) {
	a, err := Open(testConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer a.Close()
	assert.Nil(t, a.Threading())
}

package task

import (
	"bufio"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"crawshaw.io/iox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"mailcore.dev/core/imap"
	"mailcore.dev/core/taskerr"
	"mailcore.dev/core/util/tlstest"
)

var filer = iox.NewFiler(0)

// script is the server side of a net.Pipe: expect reads one command
// line and asserts on it, send writes raw response lines.
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

// expect reads one line and requires it to contain want; the line's
// tag (first field) is returned for use in the tagged reply.
func (s *script) expect(want string) string {
	s.t.Helper()
	s.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := s.br.ReadString('\n')
	require.NoError(s.t, err, "reading command expecting %q", want)
	require.Contains(s.t, line, want)
	fields := strings.Fields(line)
	require.NotEmpty(s.t, fields)
	return fields[0]
}

func (s *script) send(lines ...string) {
	s.t.Helper()
	for _, l := range lines {
		s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		_, err := s.conn.Write([]byte(l + "\r\n"))
		require.NoError(s.t, err)
	}
}

// upgradeTLS flips the script's server side to TLS, mirroring the
// client's STARTTLS upgrade.
func (s *script) upgradeTLS() {
	s.t.Helper()
	tlsConn := tls.Server(s.conn, tlstest.ServerConfig)
	require.NoError(s.t, tlsConn.Handshake())
	s.conn = tlsConn
	s.br = bufio.NewReader(tlsConn)
}

func clientTLS() *tls.Config {
	cfg := tlstest.ClientConfig.Clone()
	cfg.ServerName = "localhost"
	return cfg
}

func TestOpenConnectionPreauthGreeting(t *testing.T) {
	g := NewGraph(zaptest.NewLogger(t))
	defer g.Close()
	sc, dial := newScript(t)

	oc, task := NewOpenConnection(g, t.Name(), ConnectionConfig{Dial: dial}, filer, zaptest.NewLogger(t), nil)

	go sc.send("* PREAUTH [CAPABILITY IMAP4rev1] ready")

	require.NoError(t, task.Wait())
	assert.Equal(t, StateCompleted, task.State())
	assert.Equal(t, imap.ConnStateAuth, oc.Session().State())
	assert.True(t, oc.Session().Capabilities().Has("IMAP4rev1"))
}

func TestOpenConnectionLoginFallback(t *testing.T) {
	g := NewGraph(zaptest.NewLogger(t))
	defer g.Close()
	sc, dial := newScript(t)

	cfg := ConnectionConfig{Dial: dial, Username: "joe", Password: "sekrit"}
	oc, task := NewOpenConnection(g, t.Name(), cfg, filer, zaptest.NewLogger(t), nil)

	go func() {
		sc.send("* OK [CAPABILITY IMAP4rev1] ready")
		tag := sc.expect("LOGIN")
		sc.send(tag + " OK [CAPABILITY IMAP4rev1 IDLE] logged in")
	}()

	require.NoError(t, task.Wait())
	assert.Equal(t, imap.ConnStateAuth, oc.Session().State())
	assert.True(t, oc.Session().Capabilities().Has(imap.CapIdle))
}

func TestOpenConnectionAuthenticatePlain(t *testing.T) {
	g := NewGraph(zaptest.NewLogger(t))
	defer g.Close()
	sc, dial := newScript(t)

	cfg := ConnectionConfig{Dial: dial, Username: "joe", Password: "sekrit"}
	oc, task := NewOpenConnection(g, t.Name(), cfg, filer, zaptest.NewLogger(t), nil)

	go func() {
		sc.send("* OK [CAPABILITY IMAP4rev1 AUTH=PLAIN] ready")
		tag := sc.expect("AUTHENTICATE PLAIN")
		sc.send("+ ")
		line, err := sc.br.ReadString('\n')
		require.NoError(t, err)
		raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(line))
		require.NoError(t, err)
		assert.Equal(t, "\x00joe\x00sekrit", string(raw))
		sc.send(tag + " OK authenticated")
	}()

	require.NoError(t, task.Wait())
	assert.Equal(t, imap.ConnStateAuth, oc.Session().State())
}

func TestOpenConnectionAuthRejected(t *testing.T) {
	g := NewGraph(zaptest.NewLogger(t))
	defer g.Close()
	sc, dial := newScript(t)

	cfg := ConnectionConfig{Dial: dial, Username: "joe", Password: "wrong"}
	_, task := NewOpenConnection(g, t.Name(), cfg, filer, zaptest.NewLogger(t), nil)

	go func() {
		sc.send("* OK [CAPABILITY IMAP4rev1] ready")
		tag := sc.expect("LOGIN")
		sc.send(tag + " NO [AUTHENTICATIONFAILED] bad credentials")
	}()

	err := task.Wait()
	require.Error(t, err)
	var rejected *taskerr.AuthRejected
	assert.True(t, errors.As(err, &rejected))
}

func TestOpenConnectionLoginDisabledStartTLS(t *testing.T) {
	g := NewGraph(zaptest.NewLogger(t))
	defer g.Close()
	sc, dial := newScript(t)

	cfg := ConnectionConfig{
		Dial:     dial,
		TLS:      clientTLS(),
		Username: "joe",
		Password: "sekrit",
	}
	oc, task := NewOpenConnection(g, t.Name(), cfg, filer, zaptest.NewLogger(t), nil)

	go func() {
		sc.send("* OK [CAPABILITY IMAP4rev1 LOGINDISABLED STARTTLS] hi")
		tag := sc.expect("STARTTLS")
		sc.send(tag + " OK begin TLS now")
		sc.upgradeTLS()
		tag = sc.expect("CAPABILITY")
		sc.send("* CAPABILITY IMAP4rev1 IDLE", tag+" OK done")
		tag = sc.expect("LOGIN")
		sc.send(tag + " OK logged in")
	}()

	require.NoError(t, task.Wait())
	assert.Equal(t, imap.ConnStateAuth, oc.Session().State())
	// The post-TLS capability set replaced the pre-TLS one.
	assert.True(t, oc.Session().Capabilities().Has(imap.CapIdle))
	assert.False(t, oc.Session().Capabilities().Has(imap.CapLoginDisabled))
}

func TestOpenConnectionStartTLSRefusedIsTlsRequired(t *testing.T) {
	g := NewGraph(zaptest.NewLogger(t))
	defer g.Close()
	sc, dial := newScript(t)

	cfg := ConnectionConfig{Dial: dial, Username: "joe", Password: "sekrit"}
	_, task := NewOpenConnection(g, t.Name(), cfg, filer, zaptest.NewLogger(t), nil)

	go func() {
		sc.send("* OK [CAPABILITY IMAP4rev1 LOGINDISABLED STARTTLS] hi")
		tag := sc.expect("STARTTLS")
		sc.send(tag + " NO TLS is broken today")
	}()

	err := task.Wait()
	require.Error(t, err)
	var tlsReq *taskerr.TlsRequired
	assert.True(t, errors.As(err, &tlsReq))
}

func TestOpenConnectionLoginDisabledWithoutStartTLS(t *testing.T) {
	g := NewGraph(zaptest.NewLogger(t))
	defer g.Close()
	sc, dial := newScript(t)

	cfg := ConnectionConfig{Dial: dial, Username: "joe", Password: "sekrit"}
	_, task := NewOpenConnection(g, t.Name(), cfg, filer, zaptest.NewLogger(t), nil)

	go sc.send("* OK [CAPABILITY IMAP4rev1 LOGINDISABLED] hi")

	err := task.Wait()
	require.Error(t, err)
	var tlsReq *taskerr.TlsRequired
	assert.True(t, errors.As(err, &tlsReq))
}

func TestOfflineConnectionFailsDependentsWithoutIO(t *testing.T) {
	g := NewGraph(zaptest.NewLogger(t))
	defer g.Close()

	oc, connTask := NewOfflineConnection(g, filer, zaptest.NewLogger(t))

	fetch := newStub("fetch")
	fetchTask := g.NewTask(fetch, connTask)

	err := fetchTask.Wait()
	require.Error(t, err)
	var offline *taskerr.Offline
	assert.True(t, errors.As(err, &offline), "dependent fails with Offline cause, got %v", err)
	assert.Equal(t, StateFailed, fetchTask.State())

	select {
	case <-fetch.performed:
		t.Fatal("dependent of an offline connection must never perform")
	default:
	}

	require.Error(t, connTask.Wait())
	assert.NotNil(t, oc.Session(), "offline connection still owns a (dead) session")
	assert.Equal(t, imap.ConnStateLogout, oc.Session().State())
}

package task

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"net"

	"crawshaw.io/iox"
	"github.com/emersion/go-sasl"
	"go.uber.org/zap"

	"mailcore.dev/core/imap"
	"mailcore.dev/core/imap/imapparser"
	"mailcore.dev/core/imap/session"
	"mailcore.dev/core/taskerr"
)

// SessionProvider hands a live, authenticated session to dependent
// tasks. OpenConnection and KeepMailboxOpen implement it.
type SessionProvider interface {
	Session() *session.Session
}

// ConnectionConfig is everything OpenConnection needs to bring a
// session from Initial to Auth.
type ConnectionConfig struct {
	// Address is the server's host:port. Ignored when Dial is set.
	Address string

	// Dial overrides the transport: tests hand one end of a net.Pipe
	// here. When nil, net.Dial("tcp", Address) is used.
	Dial func() (net.Conn, error)

	// UseTLS connects with implicit TLS (the imaps port model).
	UseTLS bool

	// WantTLS upgrades via STARTTLS when the server offers it, even
	// if LOGINDISABLED would not force the issue.
	WantTLS bool

	// TLS configures both implicit TLS and STARTTLS; nil means a
	// default config with ServerName derived from Address.
	TLS *tls.Config

	Username string
	Password string

	// AccessToken enables OAUTHBEARER/XOAUTH2 when non-empty.
	AccessToken string

	// Debug receives a timestamped wire transcript when non-nil.
	Debug io.Writer
}

// OpenConnection dials the server and brings the session to the
// authenticated state: greeting variants, STARTTLS negotiation,
// CAPABILITY discovery, AUTHENTICATE with LOGIN fallback, and
// LOGINDISABLED enforcement. Dependents read the session via the
// SessionProvider interface once it completes.
type OpenConnection struct {
	Base

	ID     string
	Config ConnectionConfig
	Filer  *iox.Filer
	Log    *zap.Logger

	// Sink absorbs untagged data no task claims, once the session's
	// read loop starts; the mailbox tree goes here.
	Sink session.UntaggedSink

	sess *session.Session
}

// NewOpenConnection registers an OpenConnection task with no parents;
// it is scheduled immediately.
func NewOpenConnection(g *Graph, id string, cfg ConnectionConfig, filer *iox.Filer, log *zap.Logger, sink session.UntaggedSink) (*OpenConnection, *Task) {
	oc := &OpenConnection{ID: id, Config: cfg, Filer: filer, Log: log, Sink: sink}
	t := g.NewTask(oc)
	return oc, t
}

func (oc *OpenConnection) Name() string { return "Connecting to server" }

// Session returns the authenticated session after the task completes.
func (oc *OpenConnection) Session() *session.Session { return oc.sess }

func (oc *OpenConnection) Perform(t *Task) error {
	// The connect sequence blocks on the network; it runs on its own
	// goroutine and resolves the task when done, keeping the graph
	// goroutine free for other sessions.
	go oc.connect(t)
	return nil
}

func (oc *OpenConnection) HandleTagged(t *Task, resp *imapparser.Response) {
	// All exchanges happen synchronously inside connect; nothing is
	// routed here.
}

func (oc *OpenConnection) connect(t *Task) {
	cfg := &oc.Config

	dial := cfg.Dial
	if dial == nil {
		dial = func() (net.Conn, error) {
			return net.Dial("tcp", cfg.Address)
		}
	}
	conn, err := dial()
	if err != nil {
		t.Fail(&taskerr.Transport{Err: err})
		return
	}
	if cfg.UseTLS {
		tlsConn := tls.Client(conn, oc.tlsConfig())
		if err := tlsConn.Handshake(); err != nil {
			conn.Close()
			t.Fail(&taskerr.Transport{Err: err})
			return
		}
		conn = tlsConn
	}

	sess := session.New(oc.ID, conn, oc.Filer, oc.Log, cfg.Debug)
	sess.Tree = oc.Sink
	oc.sess = sess
	t.BindSession(sess)

	if err := sess.ReadGreeting(context.Background()); err != nil {
		t.Fail(err)
		return
	}
	if t.Aborted() {
		sess.Kill(imap.KillExpected, fmt.Errorf("connect aborted"))
		t.Die(fmt.Errorf("connect aborted"))
		return
	}

	if len(sess.Capabilities()) == 0 {
		if err := oc.requestCapabilities(sess); err != nil {
			t.Fail(err)
			return
		}
	}

	if sess.State() == imap.ConnStateAuth {
		// PREAUTH greeting; nothing to authenticate.
		sess.Run()
		t.Complete()
		return
	}

	caps := sess.Capabilities()
	loginDisabled := caps.Has(imap.CapLoginDisabled)
	if !cfg.UseTLS && (loginDisabled || cfg.WantTLS) {
		if !caps.Has(imap.CapStartTLS) {
			if loginDisabled {
				t.Fail(&taskerr.TlsRequired{Err: fmt.Errorf("LOGINDISABLED and no STARTTLS")})
				return
			}
			// WantTLS is advisory; carry on in the clear.
		} else if err := oc.startTLS(sess); err != nil {
			if loginDisabled {
				t.Fail(&taskerr.TlsRequired{Err: err})
			} else {
				t.Fail(err)
			}
			return
		} else {
			loginDisabled = sess.Capabilities().Has(imap.CapLoginDisabled)
		}
	}

	if err := oc.authenticate(sess, loginDisabled); err != nil {
		t.Fail(err)
		return
	}

	sess.SetState(imap.ConnStateAuth)
	sess.Run()
	t.Complete()
}

func (oc *OpenConnection) tlsConfig() *tls.Config {
	if oc.Config.TLS != nil {
		return oc.Config.TLS
	}
	host, _, err := net.SplitHostPort(oc.Config.Address)
	if err != nil {
		host = oc.Config.Address
	}
	return &tls.Config{ServerName: host}
}

func (oc *OpenConnection) requestCapabilities(sess *session.Session) error {
	resp, err := sess.Exchange(&imapparser.Command{Name: "CAPABILITY"}, nil, nil)
	if err != nil {
		return err
	}
	if resp.Type != "OK" {
		return &taskerr.ProtocolViolation{Err: fmt.Errorf("CAPABILITY: %s", resp.Type)}
	}
	return nil
}

func (oc *OpenConnection) startTLS(sess *session.Session) error {
	resp, err := sess.Exchange(&imapparser.Command{Name: "STARTTLS"}, nil, nil)
	if err != nil {
		return err
	}
	if resp.Type != "OK" {
		text := ""
		if resp.Cond != nil {
			text = resp.Cond.Text
		}
		return &taskerr.CommandFailed{Tag: resp.Tag, Cond: resp.Type, Text: text}
	}
	if err := sess.UpgradeTLS(oc.tlsConfig()); err != nil {
		return err
	}
	// The pre-TLS capability set is void; ask again on the secured
	// channel.
	return oc.requestCapabilities(sess)
}

// authenticate picks the strongest mutually supported AUTHENTICATE
// mechanism, falling back to plaintext LOGIN only when no AUTH=
// mechanism is usable and LOGINDISABLED is absent.
func (oc *OpenConnection) authenticate(sess *session.Session, loginDisabled bool) error {
	cfg := &oc.Config
	advertised := sess.Capabilities().AuthMechanisms()

	client, mech := oc.pickMechanism(advertised)
	if client == nil {
		if loginDisabled {
			return &taskerr.TlsRequired{Err: fmt.Errorf("LOGINDISABLED and no usable AUTH mechanism")}
		}
		if len(advertised) > 0 && cfg.Password == "" {
			return &taskerr.NoCompatibleMechanism{Advertised: advertised}
		}
		return oc.plainLogin(sess)
	}

	_, ir, err := client.Start()
	if err != nil {
		return &taskerr.AuthRejected{Err: err}
	}
	sentInitial := false
	onCont := func(text string) ([]byte, error) {
		challenge, err := base64.StdEncoding.DecodeString(text)
		if err != nil {
			// Some servers send a bare "+" with human text; treat it
			// as an empty challenge.
			challenge = nil
		}
		var resp []byte
		if !sentInitial && len(challenge) == 0 && ir != nil {
			resp = ir
			sentInitial = true
		} else {
			sentInitial = true
			resp, err = client.Next(challenge)
			if err != nil {
				return nil, &taskerr.AuthRejected{Err: err}
			}
		}
		return []byte(base64.StdEncoding.EncodeToString(resp)), nil
	}

	cmd := &imapparser.Command{Name: "AUTHENTICATE"}
	cmd.Authenticate.Mechanism = mech
	resp, err := sess.Exchange(cmd, nil, onCont)
	if err != nil {
		return err
	}
	if resp.Type != "OK" {
		text := ""
		if resp.Cond != nil {
			text = resp.Cond.Text
		}
		return &taskerr.AuthRejected{Err: fmt.Errorf("%s: %s", mech, text)}
	}
	return nil
}

// pickMechanism chooses from the server's AUTH= set, strongest first:
// OAUTHBEARER and XOAUTH2 when a token is configured, then PLAIN,
// then the pre-standard LOGIN exchange.
func (oc *OpenConnection) pickMechanism(advertised []string) (sasl.Client, string) {
	cfg := &oc.Config
	has := make(map[string]bool, len(advertised))
	for _, m := range advertised {
		has[m] = true
	}
	if cfg.AccessToken != "" {
		if has["OAUTHBEARER"] {
			return sasl.NewOAuthBearerClient(&sasl.OAuthBearerOptions{
				Username: cfg.Username,
				Token:    cfg.AccessToken,
			}), "OAUTHBEARER"
		}
		if has["XOAUTH2"] {
			return newXOAuth2Client(cfg.Username, cfg.AccessToken), "XOAUTH2"
		}
	}
	if cfg.Password != "" {
		if has["PLAIN"] {
			return sasl.NewPlainClient("", cfg.Username, cfg.Password), "PLAIN"
		}
		if has["LOGIN"] {
			return sasl.NewLoginClient(cfg.Username, cfg.Password), "LOGIN"
		}
	}
	return nil, ""
}

func (oc *OpenConnection) plainLogin(sess *session.Session) error {
	cmd := &imapparser.Command{Name: "LOGIN"}
	cmd.Auth.Username = []byte(oc.Config.Username)
	cmd.Auth.Password = []byte(oc.Config.Password)
	resp, err := sess.Exchange(cmd, nil, nil)
	if err != nil {
		return err
	}
	if resp.Type != "OK" {
		text := ""
		if resp.Cond != nil {
			text = resp.Cond.Text
		}
		return &taskerr.AuthRejected{Err: fmt.Errorf("LOGIN: %s", text)}
	}
	return nil
}

func (oc *OpenConnection) Abort(t *Task) {
	// The connect goroutine checks t.Aborted() between phases; a
	// session mid-exchange resolves at its next synchronous read.
}

// xoauth2Client implements the XOAUTH2 exchange Google and Microsoft
// servers use: a single client-first line, no server challenges
// except the JSON error blob answered with an empty response.
type xoauth2Client struct {
	username, token string
}

func newXOAuth2Client(username, token string) sasl.Client {
	return &xoauth2Client{username: username, token: token}
}

func (c *xoauth2Client) Start() (string, []byte, error) {
	ir := []byte("user=" + c.username + "\x01auth=Bearer " + c.token + "\x01\x01")
	return "XOAUTH2", ir, nil
}

func (c *xoauth2Client) Next(challenge []byte) ([]byte, error) {
	if len(challenge) == 0 {
		ir := []byte("user=" + c.username + "\x01auth=Bearer " + c.token + "\x01\x01")
		return ir, nil
	}
	// The challenge is a base64 JSON error description; reply with an
	// empty line to elicit the tagged NO.
	return []byte{}, nil
}

// OfflineConnection is the synthetic stand-in used while the engine
// is offline: it fails immediately, so every dependent fails with a
// ParentFailed wrapping Offline before any bytes reach a socket. It
// owns a fake transport so the session lifecycle stays uniform for
// code that only knows the SessionProvider shape.
type OfflineConnection struct {
	Base

	Filer *iox.Filer
	Log   *zap.Logger

	sess *session.Session
}

// NewOfflineConnection registers the synthetic offline task. The
// returned task is already Failed (or becomes so on the next graph
// tick).
func NewOfflineConnection(g *Graph, filer *iox.Filer, log *zap.Logger) (*OfflineConnection, *Task) {
	oc := &OfflineConnection{Filer: filer, Log: log}
	t := g.NewTask(oc)
	return oc, t
}

func (oc *OfflineConnection) Name() string { return "Offline" }

func (oc *OfflineConnection) Session() *session.Session { return oc.sess }

func (oc *OfflineConnection) Perform(t *Task) error {
	// A dead session over an in-process pipe: uniform lifecycle, no
	// network, nothing ever written.
	client, server := net.Pipe()
	server.Close()
	oc.sess = session.New("offline", client, oc.Filer, oc.Log, nil)
	oc.sess.Kill(imap.KillExpected, &taskerr.Offline{Reason: "engine is offline"})
	return &taskerr.Offline{Reason: "engine is offline"}
}

func (oc *OfflineConnection) HandleTagged(t *Task, resp *imapparser.Response) {}

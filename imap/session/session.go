// Package session implements the client side of one IMAP4rev1
// connection: it owns the transport socket, demultiplexes parsed
// responses to whichever Task is waiting on a tag, and tracks the
// connection state machine of RFC 3501 section 3. It is the mirror
// image of a server connection loop: a server reads commands and
// writes responses; Session writes commands and reads responses.
package session

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"runtime/debug"
	"sync"

	"crawshaw.io/iox"
	"go.uber.org/zap"

	"mailcore.dev/core/imap"
	"mailcore.dev/core/imap/imapparser"
	"mailcore.dev/core/taskerr"
)

// Task is anything a Session can route responses to. The task graph
// (the scheduler built on top of this package) implements this for
// every outstanding command; tests may implement it directly against a
// fake transport.
type Task interface {
	// HandleUntagged is offered every untagged response while this
	// task is the session's active task (the oldest task with a still-
	// outstanding tag). It reports whether it consumed the response;
	// an unconsumed response falls through to the session's own
	// capability/alert bookkeeping and then to the UntaggedSink.
	HandleUntagged(resp *imapparser.Response) (handled bool)

	// HandleTagged completes the task with the tagged response that
	// closed out its command.
	HandleTagged(resp *imapparser.Response)

	// Died aborts the task without ever seeing a tagged response,
	// because the session was killed while its tag was outstanding.
	Died(err error)
}

// UntaggedSink absorbs untagged data no active task claimed. The
// mailbox tree implements this once built; tests may leave it nil.
type UntaggedSink interface {
	AbsorbUntagged(resp *imapparser.Response)
}

// Session owns one transport and the read loop demultiplexing it.
// A Session is safe for concurrent use: Send may be called from
// whichever task currently holds write ownership while the read loop
// runs on its own goroutine.
type Session struct {
	ID  string
	Log *zap.Logger

	Tree UntaggedSink // optional; absorbs untagged data no task claimed

	conn   net.Conn
	br     *bufio.Reader
	bw     *bufio.Writer
	parser *imapparser.Parser
	ser    *imapparser.Serializer
	litf   *iox.BufferFile
	debugW *debugWriter

	writeMu sync.Mutex // only the active task writes; guards ser/bw end to end

	contCh chan string // one slot: a "+" line fills it with its text, waiters drain it
	closed chan struct{} // closed once, by kill

	running bool // Run has been called; pre-run synchronous methods are off limits

	mu         sync.Mutex // guards everything below
	state      imap.ConnState
	caps       imap.Capabilities
	tagSeq     uint64
	tasks      map[string]Task
	order      []string // outstanding tags, oldest first; order[0] is the active task
	dead       bool
	killReason imap.KillReason
	killErr    error
}

// New wraps conn as a Session. filer backs the BufferFile literals
// carry FETCH bodies in. If debugOut is non-nil, a timestamped
// transcript of every byte sent and received is written to it, the
// same opt-in wire trace servers commonly offer for protocol
// debugging. The caller must call Start (or ReadGreeting plus Run)
// before using the session; the greeting's PREAUTH/OK/BYE determines
// the starting ConnState.
func New(id string, conn net.Conn, filer *iox.Filer, log *zap.Logger, debugOut io.Writer) *Session {
	s := &Session{
		ID:     id,
		Log:    log,
		conn:   conn,
		caps:   imap.Capabilities{},
		tasks:  make(map[string]Task),
		contCh: make(chan string, 1),
		closed: make(chan struct{}),
	}
	s.litf = filer.BufferFile(0)
	if debugOut == nil {
		s.br = bufio.NewReader(conn)
		s.bw = bufio.NewWriter(conn)
	} else {
		dbg := newDebugWriter(id, log, debugOut)
		s.debugW = dbg
		s.br = bufio.NewReader(io.TeeReader(conn, dbg.server))
		s.bw = bufio.NewWriter(io.MultiWriter(dbg.client, conn))
	}
	s.parser = &imapparser.Parser{
		Scanner: imapparser.NewScanner(s.br, s.litf, func(string, uint32) {}),
		Filer:   filer,
	}
	s.ser = imapparser.NewSerializer(s.bw)
	return s
}

// Start reads the server greeting, sets the initial ConnState from it,
// and launches the background read loop. It does not return until the
// greeting has been read. Callers that need the pre-authentication
// window (STARTTLS, AUTHENTICATE) use ReadGreeting, the synchronous
// Exchange/UpgradeTLS methods, and then Run instead.
func (s *Session) Start(ctx context.Context) error {
	if err := s.ReadGreeting(ctx); err != nil {
		return err
	}
	s.Run()
	return nil
}

// ReadGreeting reads the server greeting and sets the initial
// ConnState from it, without starting the read loop.
func (s *Session) ReadGreeting(ctx context.Context) error {
	if err := s.parser.ParseResponse(); err != nil {
		wrapped := &taskerr.Transport{Err: err}
		s.Kill(imap.KillLostConn, wrapped)
		return wrapped
	}
	resp := &s.parser.Response
	switch {
	case resp.Tag == "*" && resp.Type == "PREAUTH":
		s.SetState(imap.ConnStateAuth)
	case resp.Tag == "*" && resp.Type == "OK":
		s.SetState(imap.ConnStateNotAuth)
	case resp.Tag == "*" && resp.Type == "BYE":
		err := &taskerr.CommandFailed{Tag: "*", Cond: "BYE", Text: greetingText(resp)}
		s.Kill(imap.KillExpected, err)
		return err
	default:
		err := &taskerr.ProtocolViolation{Err: fmt.Errorf("unexpected greeting type %q", resp.Type)}
		s.Kill(imap.KillViolation, err)
		return err
	}
	if resp.Cond != nil && resp.Cond.Code != nil && resp.Cond.Code.Name == "CAPABILITY" {
		s.SetCapabilities(imap.ParseCapabilities(resp.Cond.Code.Args))
	}
	return nil
}

// Run launches the background read loop. After Run, responses are
// demultiplexed to tasks; the synchronous pre-run methods (Exchange,
// UpgradeTLS) must not be used again.
func (s *Session) Run() {
	s.mu.Lock()
	if s.running || s.dead {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()
	go s.readLoop()
}

// ContinuationFunc is called by Exchange for each "+" continuation
// request the server sends mid-command (an AUTHENTICATE challenge).
// The returned bytes are written as one line; returning an error
// aborts the exchange.
type ContinuationFunc func(text string) ([]byte, error)

// Exchange writes cmd and synchronously reads responses until the
// tagged completion arrives, returning it. It may only be used before
// Run, while this goroutine is the only reader: OpenConnection's
// greeting/STARTTLS/CAPABILITY/LOGIN sequence runs through here.
//
// Untagged responses are offered to onUntagged (may be nil) after the
// session's own capability bookkeeping; onCont (may be nil) answers
// "+" continuation requests that are not literal handshakes. The
// returned Response is valid only until the next parser call.
func (s *Session) Exchange(cmd *imapparser.Command, onUntagged func(*imapparser.Response), onCont ContinuationFunc) (*imapparser.Response, error) {
	s.mu.Lock()
	if s.dead {
		err := s.killErr
		s.mu.Unlock()
		return nil, &taskerr.Transport{Err: err}
	}
	if s.running {
		s.mu.Unlock()
		return nil, &taskerr.ProtocolViolation{Err: fmt.Errorf("imap session %s: Exchange after Run", s.ID)}
	}
	tag := string(cmd.Tag)
	if tag == "" {
		s.tagSeq++
		tag = fmt.Sprintf("a%d", s.tagSeq)
		cmd.Tag = []byte(tag)
	}
	s.mu.Unlock()

	readContSync := func() error {
		for {
			if err := s.parser.ParseResponse(); err != nil {
				return err
			}
			resp := &s.parser.Response
			if resp.Tag == "+" {
				return nil
			}
			s.absorbCapability(resp)
			if onUntagged != nil && resp.Tag == "*" {
				onUntagged(resp)
			}
		}
	}

	s.writeMu.Lock()
	err := s.ser.WriteCommand(cmd, readContSync)
	s.writeMu.Unlock()
	if err != nil {
		wrapped := &taskerr.Transport{Err: err}
		s.Kill(imap.KillLostConn, wrapped)
		return nil, wrapped
	}

	for {
		if err := s.parser.ParseResponse(); err != nil {
			if _, ok := err.(imapparser.ParseError); ok {
				wrapped := &taskerr.ProtocolViolation{Err: err}
				s.Kill(imap.KillViolation, wrapped)
				return nil, wrapped
			}
			wrapped := &taskerr.Transport{Err: err}
			s.Kill(imap.KillLostConn, wrapped)
			return nil, wrapped
		}
		resp := &s.parser.Response
		switch {
		case resp.Tag == "+":
			if onCont == nil {
				continue
			}
			line, err := onCont(resp.Continuation)
			if err != nil {
				return nil, err
			}
			s.writeMu.Lock()
			_, werr := s.bw.Write(append(line, '\r', '\n'))
			if werr == nil {
				werr = s.bw.Flush()
			}
			s.writeMu.Unlock()
			if werr != nil {
				wrapped := &taskerr.Transport{Err: werr}
				s.Kill(imap.KillLostConn, wrapped)
				return nil, wrapped
			}
		case resp.Tag == tag:
			s.absorbCapability(resp)
			return resp, nil
		case resp.Tag == "*" && resp.Type == "BYE":
			err := &taskerr.CommandFailed{Tag: "*", Cond: "BYE", Text: greetingText(resp)}
			s.Kill(imap.KillExpected, err)
			return nil, err
		default:
			s.absorbCapability(resp)
			if onUntagged != nil && resp.Tag == "*" {
				onUntagged(resp)
			}
		}
	}
}

// UpgradeTLS wraps the transport in a TLS client handshake, per
// STARTTLS. It may only be called before Run, after a tagged OK to the
// STARTTLS command. The capability set is cleared: RFC 3501 requires
// re-requesting capabilities after the TLS layer starts.
func (s *Session) UpgradeTLS(cfg *tls.Config) error {
	s.mu.Lock()
	if s.running || s.dead {
		s.mu.Unlock()
		return &taskerr.ProtocolViolation{Err: fmt.Errorf("imap session %s: UpgradeTLS after Run", s.ID)}
	}
	s.mu.Unlock()

	tlsConn := tls.Client(s.conn, cfg)
	if err := tlsConn.Handshake(); err != nil {
		wrapped := &taskerr.Transport{Err: err}
		s.Kill(imap.KillLostConn, wrapped)
		return wrapped
	}
	s.conn = tlsConn
	if s.debugW != nil {
		s.br = bufio.NewReader(io.TeeReader(tlsConn, s.debugW.server))
		s.bw = bufio.NewWriter(io.MultiWriter(s.debugW.client, tlsConn))
	} else {
		s.br = bufio.NewReader(tlsConn)
		s.bw = bufio.NewWriter(tlsConn)
	}
	s.parser.Scanner = imapparser.NewScanner(s.br, s.litf, func(string, uint32) {})
	litPlus := s.ser.LiteralPlus
	s.ser = imapparser.NewSerializer(s.bw)
	s.ser.LiteralPlus = litPlus
	s.SetCapabilities(imap.Capabilities{})
	return nil
}

// AwaitContinuation blocks until the server sends a "+" continuation
// request, returning its text. Used after Run by tasks that expect a
// continuation outside a literal handshake (IDLE's "+ idling").
func (s *Session) AwaitContinuation() (string, error) {
	select {
	case text := <-s.contCh:
		return text, nil
	case <-s.closed:
		s.mu.Lock()
		err := s.killErr
		s.mu.Unlock()
		return "", &taskerr.Transport{Err: err}
	}
}

// WriteDone writes the bare "DONE" line terminating an IDLE command.
func (s *Session) WriteDone() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.bw.WriteString("DONE\r\n"); err != nil {
		return &taskerr.Transport{Err: err}
	}
	if err := s.bw.Flush(); err != nil {
		return &taskerr.Transport{Err: err}
	}
	return nil
}

func greetingText(resp *imapparser.Response) string {
	if resp.Cond == nil {
		return ""
	}
	return resp.Cond.Text
}

// State reports the session's current connection state.
func (s *Session) State() imap.ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetState updates the connection state. Only the task driving a state
// transition (OpenConnection's SELECT, a KeepMailboxOpen's CLOSE, ...)
// knows when a tagged OK means the state actually changed, so the
// session itself never infers a transition from response content -
// it only enforces that Logout, once reached, is terminal.
func (s *Session) SetState(state imap.ConnState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == imap.ConnStateLogout {
		return
	}
	s.state = state
}

// Capabilities returns the most recently learned capability set.
func (s *Session) Capabilities() imap.Capabilities {
	s.mu.Lock()
	defer s.mu.Unlock()
	caps := make(imap.Capabilities, len(s.caps))
	for c, v := range s.caps {
		caps[c] = v
	}
	return caps
}

// SetCapabilities replaces the capability set, e.g. after a CAPABILITY
// command completes or STARTTLS invalidates the pre-TLS set.
func (s *Session) SetCapabilities(caps imap.Capabilities) {
	s.mu.Lock()
	s.caps = caps
	_, litPlus := caps[imap.CapLiteralPlus]
	s.mu.Unlock()
	s.ser.LiteralPlus = litPlus
}

// NextTag reserves a tag without sending anything, for a caller that
// needs to know its tag before it builds the command (e.g. APPENDUID
// bookkeeping keyed by tag, or a task that registers itself before the
// command bytes are ready).
func (s *Session) NextTag() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tagSeq++
	return fmt.Sprintf("a%d", s.tagSeq)
}

// SetTaskForTag associates an already-reserved tag with the task that
// should receive its tagged and untagged responses. Send calls this
// itself when given a non-nil task; callers that reserved a tag via
// NextTag ahead of building their command call it directly.
func (s *Session) SetTaskForTag(tag string, task Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[tag]; !exists {
		s.order = append(s.order, tag)
	}
	s.tasks[tag] = task
}

// Send assigns cmd a tag (or uses tag if non-empty, for a caller that
// reserved one with NextTag), registers task to receive its responses,
// writes the command, and returns the tag. Only one goroutine may call
// Send at a time; the scheduler enforces this by giving write
// ownership to exactly one active task.
func (s *Session) Send(cmd *imapparser.Command, task Task) (string, error) {
	s.mu.Lock()
	if s.dead {
		s.mu.Unlock()
		return "", &taskerr.Transport{Err: s.killErr}
	}
	tag := string(cmd.Tag)
	if tag == "" {
		s.tagSeq++
		tag = fmt.Sprintf("a%d", s.tagSeq)
		cmd.Tag = []byte(tag)
	}
	s.mu.Unlock()

	if task != nil {
		s.SetTaskForTag(tag, task)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.ser.WriteCommand(cmd, s.waitContinuation); err != nil {
		s.mu.Lock()
		s.removeTagLocked(tag)
		s.mu.Unlock()
		return tag, fmt.Errorf("imap session %s: write %s: %w", s.ID, tag, err)
	}
	return tag, nil
}

func (s *Session) waitContinuation() error {
	select {
	case <-s.contCh:
		return nil
	case <-s.closed:
		s.mu.Lock()
		err := s.killErr
		s.mu.Unlock()
		return &taskerr.Transport{Err: err}
	}
}

func (s *Session) removeTagLocked(tag string) {
	delete(s.tasks, tag)
	for i, t := range s.order {
		if t == tag {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// Kill tears down the transport and fails every outstanding task with
// err, recording reason for diagnostics. Kill is idempotent. Task.Died
// is called without s.mu held, so a task may safely call back into
// Session from inside Died.
func (s *Session) Kill(reason imap.KillReason, err error) {
	s.mu.Lock()
	if s.dead {
		s.mu.Unlock()
		return
	}
	s.dead = true
	s.killReason = reason
	s.killErr = err
	s.state = imap.ConnStateLogout
	tasks := s.tasks
	order := s.order
	s.tasks = make(map[string]Task)
	s.order = nil
	s.mu.Unlock()

	if s.Log != nil {
		s.Log.Info("imap session killed",
			zap.String("id", s.ID),
			zap.Stringer("reason", reason),
			zap.Error(err))
	}
	close(s.closed)
	s.conn.Close()

	for _, tag := range order {
		if t := tasks[tag]; t != nil {
			t.Died(err)
		}
	}
}

// readLoop parses responses off the wire until the connection dies. It
// is the only goroutine allowed to call Parser.ParseResponse.
func (s *Session) readLoop() {
	defer func() {
		if r := recover(); r != nil {
			if s.Log != nil {
				s.Log.Error("imap session read loop panicked",
					zap.String("id", s.ID), zap.String("stack", string(debug.Stack())))
			}
			s.Kill(imap.KillViolation, fmt.Errorf("imap session %s: panic: %v", s.ID, r))
		}
	}()

	for {
		if err := s.parser.ParseResponse(); err != nil {
			if err == io.EOF {
				s.Kill(imap.KillLostConn, io.EOF)
			} else if _, ok := err.(imapparser.ParseError); ok {
				s.Kill(imap.KillViolation, &taskerr.ProtocolViolation{Err: err})
			} else {
				s.Kill(imap.KillLostConn, &taskerr.Transport{Err: err})
			}
			return
		}
		s.dispatch(&s.parser.Response)
	}
}

func (s *Session) dispatch(resp *imapparser.Response) {
	if resp.Tag == "+" {
		select {
		case s.contCh <- resp.Continuation:
		default:
			if s.Log != nil {
				s.Log.Warn("imap session: unrequested continuation", zap.String("id", s.ID))
			}
		}
		return
	}

	s.absorbCapability(resp)

	if resp.Tag != "*" {
		s.mu.Lock()
		task := s.tasks[resp.Tag]
		s.removeTagLocked(resp.Tag)
		s.mu.Unlock()
		if task == nil {
			if s.Log != nil {
				s.Log.Warn("imap session: tagged response for unknown tag",
					zap.String("id", s.ID), zap.String("tag", resp.Tag))
			}
			return
		}
		if resp.Type == "BYE" {
			s.Kill(imap.KillExpected, &taskerr.CommandFailed{Tag: resp.Tag, Cond: "BYE", Text: greetingText(resp)})
		}
		task.HandleTagged(resp)
		return
	}

	if resp.Type == "BYE" {
		s.Kill(imap.KillExpected, &taskerr.CommandFailed{Tag: "*", Cond: "BYE", Text: greetingText(resp)})
		return
	}

	s.mu.Lock()
	var active Task
	if len(s.order) > 0 {
		active = s.tasks[s.order[0]]
	}
	s.mu.Unlock()

	if active != nil && active.HandleUntagged(resp) {
		return
	}
	if s.Tree != nil {
		s.Tree.AbsorbUntagged(resp)
	}
}

// absorbCapability updates the capability set whenever it is reported
// unsolicited, which a server may do after STARTTLS, after a
// successful LOGIN/AUTHENTICATE, or any other time it likes.
func (s *Session) absorbCapability(resp *imapparser.Response) {
	switch {
	case resp.Type == "CAPABILITY":
		s.SetCapabilities(imap.ParseCapabilities(resp.Capabilities))
	case resp.Cond != nil && resp.Cond.Code != nil && resp.Cond.Code.Name == "CAPABILITY":
		s.SetCapabilities(imap.ParseCapabilities(resp.Cond.Code.Args))
	}
}

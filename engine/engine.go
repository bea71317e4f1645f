// Package engine wires one account together: configuration, cache,
// mailbox tree, task graph, and the session lifecycle behind the §6
// API surface. The host (a GUI) talks only to this package and to the
// observer callbacks of the tree and threading proxy.
package engine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"crawshaw.io/iox"
	"go.uber.org/zap"

	"mailcore.dev/core/cache"
	"mailcore.dev/core/cache/cachemem"
	"mailcore.dev/core/cache/cachesql"
	"mailcore.dev/core/config"
	"mailcore.dev/core/email/msgbuilder"
	"mailcore.dev/core/imap"
	"mailcore.dev/core/imap/imapparser"
	"mailcore.dev/core/task"
	"mailcore.dev/core/taskerr"
	"mailcore.dev/core/threading"
	"mailcore.dev/core/tree"
	"mailcore.dev/core/util/throttle"
)

// Submitter is the outgoing transport collaborator: the engine
// serializes messages, something else (an SMTP client) delivers them.
type Submitter interface {
	Submit(ctx context.Context, from string, recipients []string, msg io.Reader) error
}

// Account is one configured account's engine.
type Account struct {
	Config config.Account
	Log    *zap.Logger

	// Submitter delivers outgoing messages; nil disables SendMessage.
	Submitter Submitter

	// DialOverride replaces the TCP dialer; tests hand one end of a
	// net.Pipe here.
	DialOverride func() (net.Conn, error)

	filer *iox.Filer
	cache cache.Cache
	tree  *tree.Tree
	graph *task.Graph

	// reconnects throttles dial storms against a flapping server.
	reconnects throttle.Throttle

	mu       sync.Mutex
	offline  bool
	conn     *task.OpenConnection
	connTask *task.Task
	kmo      *task.KeepMailboxOpen
	kmoTask  *task.Task
	proxy    *threading.Proxy
	closed   bool
}

// Open builds the engine for cfg: cache (SQL-backed when a path is
// configured, in-memory otherwise), tree, and task graph. No network
// happens until the first operation needs it.
func Open(cfg config.Account, log *zap.Logger) (*Account, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	a := &Account{
		Config:  cfg,
		Log:     log,
		filer:   iox.NewFiler(0),
		offline: cfg.Offline,
	}
	if cfg.CachePath != "" {
		c, err := cachesql.Open(cfg.CachePath, log.Named("cache"), nil)
		if err != nil {
			return nil, err
		}
		a.cache = c
	} else {
		a.cache = cachemem.New()
	}
	a.tree = tree.New(a.cache, log.Named("tree"))
	a.graph = task.NewGraph(log.Named("task"))
	return a, nil
}

// Tree exposes the mailbox tree for observers and role queries.
func (a *Account) Tree() *tree.Tree { return a.tree }

// SubscribeObserver attaches a tree observer; events arrive
// synchronously with each model mutation.
func (a *Account) SubscribeObserver(obs tree.Observer) {
	a.tree.AddObserver(obs)
}

// SetOffline flips offline mode. Going offline kills nothing by
// itself; in-flight tasks finish, new ones fail with Offline.
func (a *Account) SetOffline(offline bool) {
	a.mu.Lock()
	a.offline = offline
	a.mu.Unlock()
}

// Offline reports whether the engine is in offline mode.
func (a *Account) Offline() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.offline
}

// Close shuts down the graph, sessions, and cache.
func (a *Account) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()
	a.graph.Close()
	return a.cache.Close()
}

// connection returns the live connection task, dialing (or failing
// offline) as needed. Callers depend on the returned task.
func (a *Account) connection() (task.SessionProvider, *task.Task) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connectionLocked()
}

func (a *Account) connectionLocked() (task.SessionProvider, *task.Task) {
	if a.offline {
		// Offline connections fail instantly and are not cached; each
		// operation gets a fresh synthetic failure.
		oc, t := task.NewOfflineConnection(a.graph, a.filer, a.Log.Named("offline"))
		return oc, t
	}
	if a.conn != nil && a.connTask != nil {
		switch state := a.connTask.State(); {
		case !state.Terminal():
			// Still connecting; dependents queue behind it.
			return a.conn, a.connTask
		case state == task.StateCompleted:
			if sess := a.conn.Session(); sess != nil && sess.State() != imap.ConnStateLogout {
				return a.conn, a.connTask
			}
		}
	}
	a.reconnects.Throttle(a.Config.IMAP.Addr())
	var debug io.Writer
	if a.Config.Debug {
		debug = os.Stderr
	}
	cfg := task.ConnectionConfig{
		Address:     a.Config.IMAP.Addr(),
		Dial:        a.DialOverride,
		UseTLS:      a.Config.IMAP.TLS == config.TLSImplicit,
		WantTLS:     a.Config.IMAP.TLS == config.TLSStartTLS,
		Username:    a.Config.IMAP.Username,
		Password:    a.Config.IMAP.Password,
		AccessToken: a.Config.IMAP.AccessToken,
		Debug:       debug,
	}
	oc, t := task.NewOpenConnection(a.graph, a.Config.Name, cfg, a.filer, a.Log.Named("imap"), a.tree)
	a.conn = oc
	a.connTask = t
	go func() {
		<-t.Done()
		if t.Err() != nil {
			a.reconnects.Add(a.Config.IMAP.Addr())
		}
	}()
	return oc, t
}

// ListMailboxes lists parent's children ("" for the top level).
func (a *Account) ListMailboxes(parent string) *task.Task {
	provider, connTask := a.connection()
	sep := byte('/')
	if parent != "" {
		if mbox := a.tree.MailboxByName(parent); mbox != nil && mbox.Separator != 0 {
			sep = mbox.Separator
		}
	}
	return task.NewList(a.graph, provider, a.tree, parent, sep, connTask)
}

// OpenMailbox selects name, switching the keep-open task if another
// mailbox currently owns the session. The returned task stays Active
// for the selection's lifetime (it owns the Selected state); observers
// watch the tree for the synchronized data.
func (a *Account) OpenMailbox(name string) *task.Task {
	provider, connTask := a.connection()

	a.mu.Lock()
	defer a.mu.Unlock()

	parents := []*task.Task{connTask}
	if a.kmo != nil && !a.kmoTask.State().Terminal() {
		if a.kmo.Mailbox == name {
			return a.kmoTask
		}
		// Orderly switch: the old keep-open's CLOSE completes before
		// the new SELECT goes out.
		a.kmo.Stop()
		parents = append(parents, a.kmoTask)
	}

	k, kt := task.NewKeepMailboxOpen(a.graph, provider, a.tree, name,
		a.Config.NoopInterval.Std(), a.Log.Named("mailbox"), parents...)
	a.kmo, a.kmoTask = k, kt
	a.resetProxyLocked()
	return kt
}

func (a *Account) resetProxyLocked() {
	a.proxy = nil
}

// Threading returns the threading proxy over the open mailbox's
// message list, creating a degenerate (flat) tree on first use.
func (a *Account) Threading() *threading.Proxy {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.proxy == nil {
		mbox := a.tree.Current()
		if mbox == nil {
			return nil
		}
		a.proxy = threading.New(mbox.Messages(), a.Log.Named("threading"))
		a.proxy.ApplyFlat()
	}
	return a.proxy
}

// enqueueMailboxTask routes a pending task through the open mailbox's
// write channel, or fails it if no mailbox is open.
func (a *Account) enqueueMailboxTask(t *task.Task) *task.Task {
	a.mu.Lock()
	kmo := a.kmo
	offline := a.offline
	a.mu.Unlock()
	if offline {
		t.Fail(&taskerr.Offline{Reason: "engine is offline"})
		return t
	}
	if kmo == nil {
		t.Fail(fmt.Errorf("no mailbox open"))
		return t
	}
	kmo.Enqueue(t)
	return t
}

// FetchMessages fetches the given sequence (or UID) range's metadata:
// envelope, flags, size, internal date, body structure, UID.
func (a *Account) FetchMessages(seqs []imapparser.SeqRange, uid bool) *task.Task {
	items := []imapparser.FetchItem{
		{Type: imapparser.FetchUID},
		{Type: imapparser.FetchFlags},
		{Type: imapparser.FetchEnvelope},
		{Type: imapparser.FetchInternalDate},
		{Type: imapparser.FetchRFC822Size},
		{Type: imapparser.FetchBodyStructure},
	}
	return a.enqueueMailboxTask(task.NewFetch(a.graph, items, seqs, uid))
}

// FetchPart downloads one body part of one message by UID.
func (a *Account) FetchPart(uid uint32, partPath string) *task.Task {
	item := imapparser.FetchItem{Type: imapparser.FetchBody, Peek: true}
	item.Section = partSection(partPath)
	return a.enqueueMailboxTask(task.NewFetch(a.graph,
		[]imapparser.FetchItem{item},
		[]imapparser.SeqRange{{Min: uid, Max: uid}},
		true))
}

// Search runs UID SEARCH in the open mailbox.
func (a *Account) Search(op *imapparser.SearchOp, charset string) (*task.Search, *task.Task) {
	s, t := task.NewSearch(a.graph, op, charset, true)
	return s, a.enqueueMailboxTask(t)
}

// Sort runs UID SORT in the open mailbox.
func (a *Account) Sort(criteria []imapparser.SortCriterion, op *imapparser.SearchOp, charset string) (*task.Sort, *task.Task) {
	s, t := task.NewSort(a.graph, criteria, charset, op, true)
	return s, a.enqueueMailboxTask(t)
}

// Thread runs UID THREAD and, on success, applies the response to the
// threading proxy.
func (a *Account) Thread(algorithm imapparser.ThreadAlgorithm, op *imapparser.SearchOp, charset string) (*task.Thread, *task.Task) {
	th, t := task.NewThread(a.graph, algorithm, charset, op)
	t = a.enqueueMailboxTask(t)
	go func() {
		if t.Wait() == nil {
			if proxy := a.Threading(); proxy != nil {
				proxy.ApplyThread(th.Roots)
			}
		}
	}()
	return th, t
}

// SetFlags adds, removes, or replaces a flag on messages by UID.
func (a *Account) SetFlags(uids []imapparser.SeqRange, mode imapparser.StoreMode, flags []string) *task.Task {
	return a.enqueueMailboxTask(task.NewStore(a.graph, uids, mode, flags, true, false))
}

// CopyMessages copies (or moves) messages by UID into destination.
func (a *Account) CopyMessages(uids []imapparser.SeqRange, destination string, move bool) *task.Task {
	return a.enqueueMailboxTask(task.NewCopy(a.graph, uids, destination, true, move))
}

// Expunge removes \Deleted messages from the open mailbox.
func (a *Account) Expunge() *task.Task {
	return a.enqueueMailboxTask(task.NewExpunge(a.graph))
}

// sendRunner delivers one composed message through the Submitter.
type sendRunner struct {
	task.Base
	account    *Account
	from       string
	recipients []string
	raw        []byte
}

func (s *sendRunner) Name() string { return "Sending mail" }

func (s *sendRunner) Perform(t *task.Task) error {
	go func() {
		err := s.account.Submitter.Submit(context.Background(), s.from, s.recipients, bytes.NewReader(s.raw))
		if err != nil {
			t.Fail(err)
			return
		}
		t.Complete()
	}()
	return nil
}

func (s *sendRunner) HandleTagged(t *task.Task, resp *imapparser.Response) {}

// SendMessage serializes c and hands it to the Submitter; the
// returned task completes when the transport accepts it. Bcc
// recipients ride only in the envelope, never the payload. When a
// sent mailbox is configured, an APPEND of the same bytes follows.
func (a *Account) SendMessage(c *msgbuilder.Compose) *task.Task {
	if a.Submitter == nil {
		t := a.graph.NewPendingTask(&sendRunner{})
		t.Fail(fmt.Errorf("no outgoing transport configured"))
		return t
	}
	if a.Offline() {
		t := a.graph.NewPendingTask(&sendRunner{})
		t.Fail(&taskerr.Offline{Reason: "engine is offline"})
		return t
	}

	if c.UserAgent == "" {
		c.UserAgent = a.Config.UserAgent
	}
	if c.Host == "" {
		c.Host = a.Config.Hostname
	}

	b := &msgbuilder.Builder{Filer: a.filer}
	var buf bytes.Buffer
	if err := b.BuildCompose(&buf, c); err != nil {
		t := a.graph.NewPendingTask(&sendRunner{})
		t.Fail(err)
		return t
	}

	recipients := make([]string, 0, len(c.To)+len(c.Cc)+len(c.Bcc))
	for _, r := range c.EnvelopeRecipients() {
		recipients = append(recipients, r.Addr)
	}

	runner := &sendRunner{
		account:    a,
		from:       c.From.Addr,
		recipients: recipients,
		raw:        buf.Bytes(),
	}
	sendTask := a.graph.NewTask(runner)

	if a.Config.SentMailbox != "" {
		provider, connTask := a.connection()
		body := a.filer.BufferFile(0)
		body.Write(buf.Bytes())
		body.Seek(0, 0)
		task.NewAppend(a.graph, provider, a.Config.SentMailbox,
			[]string{`\Seen`}, c.Date, body, connTask, sendTask)
	}
	return sendTask
}

// partSection renders a dotted part path ("1.2", "1.MIME", "HEADER")
// back into the FETCH section shape.
func partSection(path string) imapparser.FetchItemSection {
	var sec imapparser.FetchItemSection
	rest := path
	for rest != "" {
		i := 0
		for i < len(rest) && rest[i] >= '0' && rest[i] <= '9' {
			i++
		}
		if i == 0 {
			sec.Name = rest
			return sec
		}
		var n uint32
		for _, c := range []byte(rest[:i]) {
			n = n*10 + uint32(c-'0')
		}
		sec.Path = append(sec.Path, uint16(n))
		if i == len(rest) {
			return sec
		}
		if rest[i] != '.' {
			sec.Name = rest[i:]
			return sec
		}
		rest = rest[i+1:]
	}
	return sec
}

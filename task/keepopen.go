package task

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"mailcore.dev/core/imap"
	"mailcore.dev/core/imap/imapparser"
	"mailcore.dev/core/imap/session"
	"mailcore.dev/core/taskerr"
	"mailcore.dev/core/tree"
)

// kmoPhase is where a KeepMailboxOpen is in its life.
type kmoPhase int

const (
	kmoSelecting kmoPhase = iota
	kmoSyncing            // UID FETCH 1:* (UID) after a fresh SELECT
	kmoIdleWait           // selected, nothing outstanding, keepalive unarmed
	kmoIdling             // IDLE outstanding
	kmoNooping            // keepalive NOOP outstanding
	kmoChild              // a child task owns the write channel
	kmoClosing            // CLOSE/UNSELECT outstanding
)

// KeepMailboxOpen owns the Selected state on one mailbox: it issues
// the SELECT, synchronizes UIDs, then holds the connection open with
// IDLE (or periodic NOOP) while accepting child tasks that need the
// selection. Exactly one KeepMailboxOpen may exist per session;
// switching mailboxes goes through Stop and a new task.
type KeepMailboxOpen struct {
	Base

	Mailbox      string
	Tree         *tree.Tree
	NoopInterval time.Duration // keepalive period when IDLE is unavailable
	Log          *zap.Logger

	provider SessionProvider
	g        *Graph
	task     *Task

	mu        sync.Mutex
	sess      *session.Session
	mbox      *tree.Mailbox
	phase     kmoPhase
	queue     []*Task
	running   *Task
	stopReq   bool
	noopTimer *time.Timer
}

// NewKeepMailboxOpen registers the task as a dependent of its parents:
// the OpenConnection, plus the previous mailbox's keep-open when
// switching, so the CLOSE completes before the new SELECT goes out.
func NewKeepMailboxOpen(g *Graph, provider SessionProvider, tr *tree.Tree, mailbox string, noopInterval time.Duration, log *zap.Logger, parents ...*Task) (*KeepMailboxOpen, *Task) {
	if noopInterval <= 0 {
		noopInterval = 2 * time.Minute
	}
	k := &KeepMailboxOpen{
		Mailbox:      mailbox,
		Tree:         tr,
		NoopInterval: noopInterval,
		Log:          log,
		provider:     provider,
		g:            g,
	}
	k.task = g.NewTask(k, parents...)
	return k, k.task
}

func (k *KeepMailboxOpen) Name() string { return "Opening mailbox " + k.Mailbox }

// Session implements SessionProvider for child tasks.
func (k *KeepMailboxOpen) Session() *session.Session {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.sess
}

// Task returns the graph node for this runner.
func (k *KeepMailboxOpen) Task() *Task { return k.task }

func (k *KeepMailboxOpen) Perform(t *Task) error {
	sess := k.provider.Session()
	if sess == nil {
		return fmt.Errorf("keep mailbox open: connection task has no session")
	}
	k.mu.Lock()
	k.sess = sess
	k.phase = kmoSelecting
	k.mu.Unlock()
	t.BindSession(sess)

	mbox := k.Tree.MailboxByName(k.Mailbox)
	if mbox == nil {
		// SELECTing a mailbox no LIST has reported yet; model it so
		// the selection stream has somewhere to land.
		k.Tree.UpsertListedMailbox(&imapparser.ListResponse{
			Delim:   '/',
			Mailbox: []byte(k.Mailbox),
		}, false)
		mbox = k.Tree.MailboxByName(k.Mailbox)
	}
	k.mu.Lock()
	k.mbox = mbox
	k.mu.Unlock()
	k.Tree.SetCurrent(mbox)

	// Fail anything still queued if this task dies out from under it.
	go func() {
		<-t.Done()
		if err := t.Err(); err != nil {
			k.failQueued(&taskerr.ParentFailed{Cause: err})
		}
		k.mu.Lock()
		if k.noopTimer != nil {
			k.noopTimer.Stop()
			k.noopTimer = nil
		}
		k.mu.Unlock()
	}()

	cmd := &imapparser.Command{Name: "SELECT", Mailbox: []byte(k.Mailbox)}
	if sess.Capabilities().Has(imap.CapCondStore) {
		cmd.Condstore = true
	}
	return t.Send(cmd)
}

func (k *KeepMailboxOpen) failQueued(cause error) {
	k.mu.Lock()
	queued := k.queue
	k.queue = nil
	k.mu.Unlock()
	for _, c := range queued {
		c.Fail(cause)
	}
}

// Enqueue hands a child task to this mailbox's write channel. The
// child must have been created with NewPendingTask; it activates when
// the channel is free and the selection is synchronized.
func (k *KeepMailboxOpen) Enqueue(child *Task) {
	child.BindSession(k.Session())
	k.mu.Lock()
	if k.task.State().Terminal() {
		k.mu.Unlock()
		child.Fail(&taskerr.ParentFailed{Cause: k.task.Err()})
		return
	}
	k.queue = append(k.queue, child)
	k.mu.Unlock()
	k.g.post(k.wake)
}

// Stop requests orderly shutdown: queued children finish, then the
// mailbox is closed and the task completes.
func (k *KeepMailboxOpen) Stop() {
	k.mu.Lock()
	k.stopReq = true
	k.mu.Unlock()
	k.g.post(k.wake)
}

func (k *KeepMailboxOpen) Abort(t *Task) { k.Stop() }

// wake re-evaluates what the write channel should be doing. Runs on
// the graph goroutine.
func (k *KeepMailboxOpen) wake() {
	k.mu.Lock()
	phase := k.phase
	sess := k.sess
	k.mu.Unlock()

	switch phase {
	case kmoIdling:
		// Leave IDLE; the tagged OK lands in HandleTagged and the
		// queue drains from there.
		if err := sess.WriteDone(); err != nil {
			k.task.Fail(err)
		}
	case kmoIdleWait:
		k.startNext()
	case kmoNooping, kmoSelecting, kmoSyncing, kmoChild, kmoClosing:
		// Busy; the in-flight tagged response triggers the next look.
	}
}

// startNext hands the channel to the next queued child, or arms the
// keepalive, or begins shutdown. Runs on the graph goroutine.
func (k *KeepMailboxOpen) startNext() {
	k.mu.Lock()
	if k.task.State().Terminal() {
		k.mu.Unlock()
		return
	}
	if k.noopTimer != nil {
		k.noopTimer.Stop()
		k.noopTimer = nil
	}
	if len(k.queue) > 0 {
		child := k.queue[0]
		k.queue = k.queue[1:]
		k.running = child
		k.phase = kmoChild
		sess := k.sess
		k.mu.Unlock()
		child.BindSession(sess)

		go func() {
			<-child.Done()
			k.g.post(func() {
				k.mu.Lock()
				if k.running == child {
					k.running = nil
					k.phase = kmoIdleWait
				}
				k.mu.Unlock()
				k.startNext()
			})
		}()
		k.g.Activate(child)
		return
	}
	if k.stopReq {
		k.phase = kmoClosing
		sess := k.sess
		k.mu.Unlock()
		cmd := &imapparser.Command{Name: "CLOSE"}
		if sess.Capabilities().Has(imap.CapUnselect) {
			cmd.Name = "UNSELECT"
		}
		if err := k.task.Send(cmd); err != nil {
			k.task.Fail(err)
		}
		return
	}

	sess := k.sess
	if sess.Capabilities().Has(imap.CapIdle) {
		k.phase = kmoIdling
		k.mu.Unlock()
		if err := k.task.Send(&imapparser.Command{Name: "IDLE"}); err != nil {
			k.task.Fail(err)
			return
		}
		// Drain the "+ idling" continuation so the next literal
		// handshake doesn't eat a stale token.
		go func() {
			if _, err := sess.AwaitContinuation(); err == nil {
				if k.Log != nil {
					k.Log.Debug("idle entered", zap.String("mailbox", k.Mailbox))
				}
			}
		}()
		return
	}

	k.phase = kmoIdleWait
	k.noopTimer = time.AfterFunc(k.NoopInterval, func() {
		k.g.post(k.sendKeepaliveNoop)
	})
	k.mu.Unlock()
}

func (k *KeepMailboxOpen) sendKeepaliveNoop() {
	k.mu.Lock()
	if k.phase != kmoIdleWait || k.task.State().Terminal() {
		k.mu.Unlock()
		return
	}
	k.phase = kmoNooping
	k.mu.Unlock()
	if err := k.task.Send(&imapparser.Command{Name: "NOOP"}); err != nil {
		k.task.Fail(err)
	}
}

func (k *KeepMailboxOpen) HandleTagged(t *Task, resp *imapparser.Response) {
	// Copy what the dispatch needs; the Response is invalidated when
	// the read loop parses the next line.
	rtype := resp.Type
	text := ""
	if resp.Cond != nil {
		text = resp.Cond.Text
	}
	tag := resp.Tag

	k.mu.Lock()
	phase := k.phase
	k.mu.Unlock()

	k.g.post(func() {
		switch phase {
		case kmoSelecting:
			if rtype != "OK" {
				k.Tree.SetCurrent(nil)
				t.Fail(&taskerr.CommandFailed{Tag: tag, Cond: rtype, Text: text})
				return
			}
			k.sess.SetState(imap.ConnStateSelected)
			k.afterSelect()
		case kmoSyncing:
			if rtype == "OK" {
				k.Tree.StoreUidMapping(k.mbox)
			}
			k.mu.Lock()
			k.phase = kmoIdleWait
			k.mu.Unlock()
			k.startNext()
		case kmoIdling, kmoNooping:
			if rtype != "OK" {
				t.Fail(&taskerr.CommandFailed{Tag: tag, Cond: rtype, Text: text})
				return
			}
			k.mu.Lock()
			k.phase = kmoIdleWait
			k.mu.Unlock()
			k.startNext()
		case kmoClosing:
			k.Tree.SetCurrent(nil)
			k.sess.SetState(imap.ConnStateAuth)
			if rtype != "OK" {
				t.Fail(&taskerr.CommandFailed{Tag: tag, Cond: rtype, Text: text})
				return
			}
			t.Complete()
		}
	})
}

// afterSelect decides whether the fresh selection needs a UID sync.
// Runs on the graph goroutine.
func (k *KeepMailboxOpen) afterSelect() {
	exists, _, _ := k.mbox.Counts()
	needSync := false
	if exists > 0 {
		for _, uid := range k.mbox.Messages().UIDs() {
			if uid == 0 {
				needSync = true
				break
			}
		}
	}
	if !needSync {
		k.Tree.StoreUidMapping(k.mbox)
		k.mu.Lock()
		k.phase = kmoIdleWait
		k.mu.Unlock()
		k.startNext()
		return
	}
	k.mu.Lock()
	k.phase = kmoSyncing
	k.mu.Unlock()
	cmd := &imapparser.Command{
		Name:       "FETCH",
		UID:        true,
		Sequences:  []imapparser.SeqRange{{Min: 1, Max: 0}},
		FetchItems: []imapparser.FetchItem{{Type: imapparser.FetchUID}},
	}
	if err := k.task.Send(cmd); err != nil {
		k.task.Fail(err)
	}
}

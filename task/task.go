// Package task is the scheduler at the heart of the engine: every
// remote interaction is a Task, a node in a dependency graph. A task
// becomes Ready when all its parents have Completed, Active when the
// graph hands it the connection, and terminal on the tagged response
// (or on abort/die). A failed or died task fails all its dependents
// with a ParentFailed cause.
//
// The graph runs activations on one dedicated goroutine; response
// routing arrives on each session's read loop and posts state
// transitions back onto that goroutine, so task Perform code may
// block on the wire (a literal continuation) without stalling
// response reads.
package task

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"mailcore.dev/core/imap/imapparser"
	"mailcore.dev/core/imap/session"
	"mailcore.dev/core/taskerr"
)

// ID identifies a task for the graph's lifetime. Dependents hold IDs,
// never owning references, so a terminal task's memory is releasable.
type ID uint64

// State is a task's position in its lifecycle.
type State int

const (
	StateNew State = iota
	StateReady
	StateActive
	StateCompleted
	StateFailed
	StateDied
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateReady:
		return "ready"
	case StateActive:
		return "active"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateDied:
		return "died"
	default:
		return "unknown-state"
	}
}

// Terminal reports whether s is one of the three terminal states.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateDied
}

// Runner is one task kind's behavior. The Task handles graph
// bookkeeping; the Runner handles the wire.
type Runner interface {
	// Name is the short human-readable task name surfaced to the
	// user, e.g. "Checking for new messages".
	Name() string

	// Perform is called exactly once, on the graph goroutine, when
	// the task activates. It typically sends a command registered to
	// the task and returns; completion happens from HandleTagged. A
	// returned error fails the task immediately.
	Perform(t *Task) error

	// HandleUntagged is offered untagged responses while this task is
	// the session's active tag owner; it reports whether it consumed
	// the response.
	HandleUntagged(t *Task, resp *imapparser.Response) bool

	// HandleTagged receives the tagged response completing the task's
	// outstanding command. It must drive t to a terminal state
	// (usually CompleteFromTagged or Complete/Fail).
	HandleTagged(t *Task, resp *imapparser.Response)

	// Abort requests a graceful stop: emit no further commands and
	// resolve at the next tagged boundary.
	Abort(t *Task)
}

// Base is a Runner mixin with the common no-op handlers.
type Base struct{}

func (Base) HandleUntagged(*Task, *imapparser.Response) bool { return false }
func (Base) Abort(*Task)                                     {}

// Graph owns the task set and the goroutine activations run on.
type Graph struct {
	Log *zap.Logger

	queue chan func()
	quit  chan struct{}

	mu     sync.Mutex
	nextID ID
	tasks  map[ID]*Task
	ready  []*Task
	closed bool
}

// NewGraph creates a graph and starts its scheduling goroutine.
func NewGraph(log *zap.Logger) *Graph {
	g := &Graph{
		Log:   log,
		queue: make(chan func(), 128),
		quit:  make(chan struct{}),
		tasks: make(map[ID]*Task),
	}
	go g.run()
	return g
}

func (g *Graph) run() {
	for {
		select {
		case fn := <-g.queue:
			fn()
		case <-g.quit:
			// Drain whatever was already posted, then stop.
			for {
				select {
				case fn := <-g.queue:
					fn()
				default:
					return
				}
			}
		}
	}
}

// post enqueues fn onto the graph goroutine. Posting after Close runs
// fn inline, so teardown paths still make progress.
func (g *Graph) post(fn func()) {
	select {
	case <-g.quit:
		fn()
		return
	default:
	}
	select {
	case g.queue <- fn:
	case <-g.quit:
		fn()
	}
}

// Close dies every live task and stops the scheduling goroutine.
func (g *Graph) Close() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	live := make([]*Task, 0, len(g.tasks))
	for _, t := range g.tasks {
		live = append(live, t)
	}
	g.mu.Unlock()

	for _, t := range live {
		t.Die(fmt.Errorf("task graph closed"))
	}
	close(g.quit)
}

// Task is one node of the graph.
type Task struct {
	g      *Graph
	id     ID
	runner Runner

	mu       sync.Mutex
	state    State
	err      error
	parents  map[ID]*Task
	children []*Task // registration order; drives FIFO readiness
	sess     *session.Session
	tag      string
	aborted  bool
	released bool
	timeout  *time.Timer
	done     chan struct{}
}

// NewTask registers a task depending on parents. With no parents (or
// all parents already completed) it is immediately Ready and will be
// activated by the graph goroutine; a parent already failed or died
// fails it on the spot.
func (g *Graph) NewTask(runner Runner, parents ...*Task) *Task {
	g.mu.Lock()
	g.nextID++
	t := &Task{
		g:       g,
		id:      g.nextID,
		runner:  runner,
		parents: make(map[ID]*Task),
		done:    make(chan struct{}),
	}
	g.tasks[t.id] = t
	g.mu.Unlock()

	var failedParent error
	for _, p := range parents {
		p.mu.Lock()
		switch {
		case p.state == StateCompleted:
			// Satisfied already; no edge needed.
		case p.state.Terminal():
			if failedParent == nil {
				failedParent = &taskerr.ParentFailed{Cause: p.err}
			}
		default:
			p.children = append(p.children, t)
			t.mu.Lock()
			t.parents[p.id] = p
			t.mu.Unlock()
		}
		p.mu.Unlock()
	}

	if failedParent != nil {
		t.Fail(failedParent)
		return t
	}

	t.mu.Lock()
	if len(t.parents) == 0 {
		t.state = StateReady
		t.mu.Unlock()
		g.enqueueReady(t)
	} else {
		t.mu.Unlock()
	}
	return t
}

func (g *Graph) enqueueReady(t *Task) {
	g.mu.Lock()
	g.ready = append(g.ready, t)
	g.mu.Unlock()
	g.post(g.pump)
}

// pump activates ready tasks in FIFO order of becoming ready. Runs on
// the graph goroutine only.
func (g *Graph) pump() {
	for {
		g.mu.Lock()
		if len(g.ready) == 0 {
			g.mu.Unlock()
			return
		}
		t := g.ready[0]
		g.ready = g.ready[1:]
		g.mu.Unlock()

		t.mu.Lock()
		if t.state != StateReady {
			t.mu.Unlock()
			continue
		}
		t.state = StateActive
		t.mu.Unlock()

		if err := t.runner.Perform(t); err != nil {
			t.Fail(err)
		}
	}
}

// Activate moves a New task straight to Active and performs it,
// bypassing parent-based readiness. The KeepMailboxOpen task uses
// this to hand the write channel to its queued children one at a
// time.
func (g *Graph) Activate(t *Task) {
	g.post(func() {
		t.mu.Lock()
		if t.state != StateNew && t.state != StateReady {
			t.mu.Unlock()
			return
		}
		t.state = StateActive
		t.mu.Unlock()
		if err := t.runner.Perform(t); err != nil {
			t.Fail(err)
		}
	})
}

// ID returns the task's graph identity.
func (t *Task) ID() ID { return t.id }

// Name returns the runner's short human-readable name.
func (t *Task) Name() string { return t.runner.Name() }

// Graph returns the owning graph.
func (t *Task) Graph() *Graph { return t.g }

// State returns the task's current lifecycle state.
func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Err returns the terminal error: nil for Completed, the cause for
// Failed and Died.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Aborted reports whether Abort has been requested.
func (t *Task) Aborted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.aborted
}

// Done returns a channel closed when the task reaches a terminal
// state.
func (t *Task) Done() <-chan struct{} { return t.done }

// Wait blocks until the task is terminal and returns its error.
func (t *Task) Wait() error {
	<-t.done
	return t.Err()
}

// BindSession records the session this task's commands go to.
// Usually inherited from a SessionProvider parent during Perform.
func (t *Task) BindSession(s *session.Session) {
	t.mu.Lock()
	t.sess = s
	t.mu.Unlock()
}

// Session returns the bound session, or nil.
func (t *Task) Session() *session.Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sess
}

// Send writes cmd on the bound session, registering this task for the
// tag's responses. An aborted task sends nothing and reports itself
// failed at the next boundary instead.
func (t *Task) Send(cmd *imapparser.Command) error {
	t.mu.Lock()
	sess := t.sess
	aborted := t.aborted
	t.mu.Unlock()
	if aborted {
		return fmt.Errorf("task %q aborted", t.Name())
	}
	if sess == nil {
		return fmt.Errorf("task %q has no session", t.Name())
	}
	tag, err := sess.Send(cmd, t)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.tag = tag
	t.mu.Unlock()
	return nil
}

// Tag returns the tag of the task's outstanding command, if any.
func (t *Task) Tag() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tag
}

// SetTimeout arranges for the task to die with a Timeout cause if it
// is still live after d. The timer posts onto the graph goroutine;
// it never touches task state from the timer goroutine directly.
func (t *Task) SetTimeout(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.Terminal() {
		return
	}
	tag := t.tag
	t.timeout = time.AfterFunc(d, func() {
		t.g.post(func() {
			t.Die(&taskerr.Timeout{Tag: tag})
		})
	})
}

// HandleUntagged implements session.Task.
func (t *Task) HandleUntagged(resp *imapparser.Response) bool {
	return t.runner.HandleUntagged(t, resp)
}

// HandleTagged implements session.Task.
func (t *Task) HandleTagged(resp *imapparser.Response) {
	t.runner.HandleTagged(t, resp)
}

// Died implements session.Task: the session was killed while this
// task's tag was outstanding.
func (t *Task) Died(err error) {
	t.Die(err)
}

// CompleteFromTagged is the common tagged-response epilogue: OK
// completes the task, NO/BAD fail it with the server's text.
func (t *Task) CompleteFromTagged(resp *imapparser.Response) {
	switch resp.Type {
	case "OK":
		t.Complete()
	default:
		text := ""
		if resp.Cond != nil {
			text = resp.Cond.Text
		}
		t.Fail(&taskerr.CommandFailed{Tag: resp.Tag, Cond: resp.Type, Text: text})
	}
}

// Complete transitions to Completed and re-evaluates dependents'
// readiness.
func (t *Task) Complete() {
	t.terminal(StateCompleted, nil)
}

// Fail transitions to Failed with err and fails all dependents.
func (t *Task) Fail(err error) {
	t.terminal(StateFailed, err)
}

// Die forcibly aborts: pending output is suppressed, the task's tag
// map entry dropped, dependents failed. Unlike Fail, Die may be
// called on a task that never activated.
func (t *Task) Die(err error) {
	t.terminal(StateDied, err)
}

// Abort requests a graceful stop: the task emits no further commands
// and resolves at the next tagged boundary. A task that has not yet
// activated dies immediately, since there is no boundary to wait for.
func (t *Task) Abort() {
	t.mu.Lock()
	if t.state.Terminal() {
		t.mu.Unlock()
		return
	}
	t.aborted = true
	state := t.state
	t.mu.Unlock()

	if state == StateNew || state == StateReady {
		t.Die(fmt.Errorf("aborted before start"))
		return
	}
	t.runner.Abort(t)
}

func (t *Task) terminal(state State, err error) {
	t.mu.Lock()
	if t.state.Terminal() {
		t.mu.Unlock()
		return
	}
	t.state = state
	t.err = err
	if t.timeout != nil {
		t.timeout.Stop()
		t.timeout = nil
	}
	children := t.children
	t.children = nil
	sess := t.sess
	tag := t.tag
	t.mu.Unlock()

	if t.g.Log != nil {
		t.g.Log.Debug("task terminal",
			zap.String("task", t.Name()),
			zap.Uint64("id", uint64(t.id)),
			zap.Stringer("state", state),
			zap.Error(err))
	}

	if state == StateDied && sess != nil && tag != "" {
		// Suppress the dangling tag so a late tagged response is not
		// routed to a dead task.
		sess.SetTaskForTag(tag, droppedTag{})
	}

	close(t.done)

	switch state {
	case StateCompleted:
		for _, c := range children {
			c.parentCompleted(t.id)
		}
	default:
		cause := &taskerr.ParentFailed{Cause: err}
		for _, c := range children {
			c.Fail(cause)
		}
	}

	t.g.post(func() { t.g.release(t) })
}

func (t *Task) parentCompleted(parent ID) {
	t.mu.Lock()
	delete(t.parents, parent)
	ready := len(t.parents) == 0 && t.state == StateNew
	if ready {
		t.state = StateReady
	}
	t.mu.Unlock()
	if ready {
		t.g.enqueueReady(t)
	}
}

// release frees a task once it and all tasks depending on it are
// terminal: one graph-goroutine tick after the terminal transition,
// no tagged response can still be in flight for it.
func (g *Graph) release(t *Task) {
	t.mu.Lock()
	releasable := t.state.Terminal() && !t.released
	if releasable {
		t.released = true
	}
	t.mu.Unlock()
	if !releasable {
		return
	}
	g.mu.Lock()
	delete(g.tasks, t.id)
	g.mu.Unlock()
}

// droppedTag absorbs the tagged response of a died task.
type droppedTag struct{}

func (droppedTag) HandleUntagged(*imapparser.Response) bool { return false }
func (droppedTag) HandleTagged(*imapparser.Response)        {}
func (droppedTag) Died(error)                               {}

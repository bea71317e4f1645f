package task

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"mailcore.dev/core/imap/imapparser"
	"mailcore.dev/core/taskerr"
)

// stub is a scriptable runner for graph-level tests.
type stub struct {
	Base
	name      string
	performed chan *Task
	onPerform func(t *Task) error
}

func newStub(name string) *stub {
	return &stub{name: name, performed: make(chan *Task, 1)}
}

func (s *stub) Name() string { return s.name }

func (s *stub) Perform(t *Task) error {
	select {
	case s.performed <- t:
	default:
	}
	if s.onPerform != nil {
		return s.onPerform(t)
	}
	return nil
}

func (s *stub) HandleTagged(t *Task, resp *imapparser.Response) {
	t.CompleteFromTagged(resp)
}

func waitState(t *testing.T, task *Task, want State) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if task.State() == want {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("task %q stuck in %v, want %v", task.Name(), task.State(), want)
		case <-time.After(time.Millisecond):
		}
	}
}

func TestTaskActivatesWhenParentsComplete(t *testing.T) {
	g := NewGraph(zaptest.NewLogger(t))
	defer g.Close()

	parent := newStub("parent")
	child := newStub("child")

	pt := g.NewTask(parent)
	<-parent.performed
	waitState(t, pt, StateActive)

	ct := g.NewTask(child, pt)
	assert.Equal(t, StateNew, ct.State())

	pt.Complete()
	select {
	case <-child.performed:
	case <-time.After(2 * time.Second):
		t.Fatal("child never activated after parent completed")
	}
	waitState(t, ct, StateActive)
}

func TestTaskWithCompletedParentIsImmediatelyReady(t *testing.T) {
	g := NewGraph(zaptest.NewLogger(t))
	defer g.Close()

	parent := newStub("parent")
	pt := g.NewTask(parent)
	<-parent.performed
	pt.Complete()
	require.NoError(t, pt.Wait())

	child := newStub("child")
	ct := g.NewTask(child, pt)
	select {
	case <-child.performed:
	case <-time.After(2 * time.Second):
		t.Fatal("child of an already-completed parent never activated")
	}
	waitState(t, ct, StateActive)
}

func TestFailurePropagatesToDependents(t *testing.T) {
	g := NewGraph(zaptest.NewLogger(t))
	defer g.Close()

	parent := newStub("parent")
	pt := g.NewTask(parent)
	<-parent.performed

	child := newStub("child")
	ct := g.NewTask(child, pt)
	grandchild := newStub("grandchild")
	gt := g.NewTask(grandchild, ct)

	cause := errors.New("server exploded")
	pt.Fail(cause)

	require.Error(t, ct.Wait())
	require.Error(t, gt.Wait())
	assert.Equal(t, StateFailed, ct.State())
	assert.Equal(t, StateFailed, gt.State())

	var pf *taskerr.ParentFailed
	require.True(t, errors.As(ct.Err(), &pf))
	assert.Equal(t, cause, pf.Cause)

	// The grandchild's cause chain retains the original error.
	assert.True(t, errors.Is(gt.Err(), cause) || errors.As(gt.Err(), &pf))

	select {
	case <-child.performed:
		t.Fatal("failed child must not perform")
	default:
	}
}

func TestEachTaskReachesExactlyOneTerminalState(t *testing.T) {
	g := NewGraph(zaptest.NewLogger(t))
	defer g.Close()

	s := newStub("double")
	task := g.NewTask(s)
	<-s.performed

	task.Complete()
	task.Fail(errors.New("too late"))
	task.Die(errors.New("much too late"))

	assert.Equal(t, StateCompleted, task.State())
	assert.NoError(t, task.Err())
}

func TestAbortBeforeStartDies(t *testing.T) {
	g := NewGraph(zaptest.NewLogger(t))
	defer g.Close()

	blocker := newStub("blocker")
	bt := g.NewTask(blocker)
	<-blocker.performed

	s := newStub("aborted")
	task := g.NewTask(s, bt)
	task.Abort()

	require.Error(t, task.Wait())
	assert.Equal(t, StateDied, task.State())

	bt.Complete()
	select {
	case <-s.performed:
		t.Fatal("aborted task must not perform")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestTimeoutDiesTask(t *testing.T) {
	g := NewGraph(zaptest.NewLogger(t))
	defer g.Close()

	s := newStub("slow")
	task := g.NewTask(s)
	<-s.performed
	task.SetTimeout(10 * time.Millisecond)

	require.Error(t, task.Wait())
	assert.Equal(t, StateDied, task.State())
	var to *taskerr.Timeout
	assert.True(t, errors.As(task.Err(), &to))
}

func TestReadyTasksPumpInFIFOOrder(t *testing.T) {
	g := NewGraph(zaptest.NewLogger(t))
	defer g.Close()

	gate := newStub("gate")
	gateTask := g.NewTask(gate)
	<-gate.performed

	var mu sync.Mutex
	var order []string
	mk := func(name string) *stub {
		s := newStub(name)
		s.onPerform = func(t *Task) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			t.Complete()
			return nil
		}
		return s
	}
	t1 := g.NewTask(mk("one"), gateTask)
	t2 := g.NewTask(mk("two"), gateTask)
	t3 := g.NewTask(mk("three"), gateTask)

	gateTask.Complete()
	require.NoError(t, t1.Wait())
	require.NoError(t, t2.Wait())
	require.NoError(t, t3.Wait())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"one", "two", "three"}, order)
}

func TestTerminalTaskIsReleased(t *testing.T) {
	g := NewGraph(zaptest.NewLogger(t))
	defer g.Close()

	s := newStub("released")
	task := g.NewTask(s)
	<-s.performed
	task.Complete()
	require.NoError(t, task.Wait())

	// Release happens one graph tick after terminal; poll briefly.
	deadline := time.After(2 * time.Second)
	for {
		g.mu.Lock()
		_, present := g.tasks[task.ID()]
		g.mu.Unlock()
		if !present {
			return
		}
		select {
		case <-deadline:
			t.Fatal("terminal task never released from the graph")
		case <-time.After(time.Millisecond):
		}
	}
}

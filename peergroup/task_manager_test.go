package peergroup

import (
	"errors"
	"testing"

	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/spvd/peer"
	"github.com/stretchr/testify/require"
)

// fakeSession records the tasks handed to it.
type fakeSession struct {
	addr  string
	ready bool
	tasks []peer.Task
	err   error
}

func (s *fakeSession) Addr() string     { return s.addr }
func (s *fakeSession) Ready() bool      { return s.ready && len(s.tasks) == 0 }
func (s *fakeSession) LastBlock() int32 { return 100 }
func (s *fakeSession) Close(error)      {}

func (s *fakeSession) AddTask(t peer.Task) error {
	if s.err != nil {
		return s.err
	}
	s.tasks = append(s.tasks, t)

	return nil
}

// fakeTask is a task that does nothing.
type fakeTask struct {
	*peer.TaskBase
	id int
}

func newFakeTask(id int) *fakeTask {
	return &fakeTask{TaskBase: peer.NewTaskBase(0, nil), id: id}
}

func (t *fakeTask) Start(r peer.Requester) error {
	t.Assign(r)
	return nil
}

func (t *fakeTask) HandleMessage(wire.Message) bool {
	return false
}

// recordingHandler records the events it sees and optionally claims
// completed tasks.
type recordingHandler struct {
	name    string
	claim   bool
	events  *[]string
	onReady func(s Session)
}

func (h *recordingHandler) OnPeerReady(s Session) {
	*h.events = append(*h.events, h.name+":ready")
	if h.onReady != nil {
		h.onReady(s)
	}
}

func (h *recordingHandler) OnTaskCompleted(Session, peer.Task) bool {
	*h.events = append(*h.events, h.name+":completed")
	return h.claim
}

func sessionSource(sessions ...*fakeSession) func() []Session {
	return func() []Session {
		var out []Session
		for _, s := range sessions {
			out = append(out, s)
		}

		return out
	}
}

// TestTaskManagerAssign checks tasks go to the first idle session and wait in
// the queue when none is idle.
func TestTaskManagerAssign(t *testing.T) {
	t.Parallel()

	busy := &fakeSession{addr: "busy", ready: false}
	idle := &fakeSession{addr: "idle", ready: true}
	tm := NewTaskManager(sessionSource(busy, idle), 2)

	first := newFakeTask(1)
	require.NoError(t, tm.AddTask(first))
	require.Equal(t, []peer.Task{first}, idle.tasks)
	require.Zero(t, tm.QueueLen())

	// No session is idle anymore.
	second := newFakeTask(2)
	third := newFakeTask(3)
	require.NoError(t, tm.AddTask(second))
	require.NoError(t, tm.AddTask(third))
	require.Equal(t, 2, tm.QueueLen())

	// Overflow is rejected rather than blocking.
	err := tm.AddTask(newFakeTask(4))
	require.ErrorIs(t, err, ErrTaskQueueFull)
	require.Equal(t, uint64(1), tm.Rejected())

	// A ready session receives exactly one queued task, in FIFO order.
	idle.tasks = nil
	tm.OnReady(idle)
	require.Equal(t, []peer.Task{second}, idle.tasks)
	require.Equal(t, 1, tm.QueueLen())

	busy.ready = true
	tm.OnReady(busy)
	require.Equal(t, []peer.Task{third}, busy.tasks)
	require.Zero(t, tm.QueueLen())
}

// TestTaskManagerReadyHandlers checks every handler sees a ready session
// before the queue and a handler keeping the session busy wins.
func TestTaskManagerReadyHandlers(t *testing.T) {
	t.Parallel()

	s := &fakeSession{addr: "a", ready: false}
	tm := NewTaskManager(sessionSource(s), 10)

	queued := newFakeTask(1)
	require.NoError(t, tm.AddTask(queued))

	var events []string
	handlerTask := newFakeTask(2)
	tm.AddHandler(&recordingHandler{
		name:   "first",
		events: &events,
		onReady: func(s Session) {
			require.NoError(t, s.AddTask(handlerTask))
		},
	})
	tm.AddHandler(&recordingHandler{name: "second", events: &events})

	s.ready = true
	tm.OnReady(s)

	require.Equal(t, []string{"first:ready", "second:ready"}, events)
	require.Equal(t, []peer.Task{handlerTask}, s.tasks)
	require.Equal(t, 1, tm.QueueLen())
}

// TestTaskManagerCompletedChain checks completion handlers run until one
// claims the task.
func TestTaskManagerCompletedChain(t *testing.T) {
	t.Parallel()

	tm := NewTaskManager(sessionSource(), 10)

	var events []string
	tm.AddHandler(&recordingHandler{name: "a", events: &events})
	tm.AddHandler(&recordingHandler{name: "b", claim: true, events: &events})
	tm.AddHandler(&recordingHandler{name: "c", events: &events})

	tm.OnTaskCompleted(&fakeSession{addr: "x"}, newFakeTask(1))

	require.Equal(t, []string{"a:completed", "b:completed"}, events)
	require.Equal(t, uint64(1), tm.Completed())
}

// TestTaskManagerRequeue checks a task refused by the ready session keeps its
// place at the front of the queue.
func TestTaskManagerRequeue(t *testing.T) {
	t.Parallel()

	s := &fakeSession{addr: "a", ready: false}
	tm := NewTaskManager(sessionSource(s), 10)

	first, second := newFakeTask(1), newFakeTask(2)
	require.NoError(t, tm.AddTask(first))
	require.NoError(t, tm.AddTask(second))

	s.ready = true
	s.err = errors.New("closed")
	tm.OnReady(s)
	require.Equal(t, 2, tm.QueueLen())

	// A refusal while adding leaves the order alone as well.
	third := newFakeTask(3)
	require.NoError(t, tm.AddTask(third))
	require.Equal(t, 3, tm.QueueLen())

	s.err = nil
	for _, expected := range []peer.Task{first, second, third} {
		s.tasks = nil
		tm.OnReady(s)
		require.Equal(t, []peer.Task{expected}, s.tasks)
	}
	require.Zero(t, tm.QueueLen())
}

// lateSession reports busy on its first readiness check and turns idle during
// that check, before the caller acts on the answer.
type lateSession struct {
	fakeSession

	checked bool
	onIdle  func(s Session)
}

func (s *lateSession) Ready() bool {
	if !s.checked {
		s.checked = true
		s.ready = true
		s.onIdle(s)

		return false
	}

	return s.fakeSession.Ready()
}

// TestTaskManagerIdleDuringAdd checks a task queued just after a session went
// idle is still handed to that session.
func TestTaskManagerIdleDuringAdd(t *testing.T) {
	t.Parallel()

	s := &lateSession{fakeSession: fakeSession{addr: "a"}}
	tm := NewTaskManager(func() []Session {
		return []Session{s}
	}, 10)
	s.onIdle = tm.OnReady

	task := newFakeTask(1)
	require.NoError(t, tm.AddTask(task))
	require.True(t, s.checked)
	require.Equal(t, []peer.Task{task}, s.tasks)
	require.Zero(t, tm.QueueLen())
}

package peergroup

import (
	"sync"
	"sync/atomic"

	"github.com/lightningnetwork/spvd/peer"
)

// DefaultTaskQueueSize is the number of tasks that may wait for an idle
// peer.
const DefaultTaskQueueSize = 10

// TaskManager hands tasks to idle sessions. Tasks arriving while no session
// is idle wait in a bounded FIFO until one becomes ready. A queued task a
// session refuses keeps its place at the front.
type TaskManager struct {
	sessions func() []Session
	queue    *taskQueue

	handlerMtx sync.RWMutex
	handlers   []TaskHandler

	rejected  atomic.Uint64
	completed atomic.Uint64
}

// NewTaskManager creates a task manager drawing idle sessions from the given
// source, which must return them in preference order.
func NewTaskManager(sessions func() []Session, queueSize int) *TaskManager {
	if queueSize <= 0 {
		queueSize = DefaultTaskQueueSize
	}

	return &TaskManager{
		sessions: sessions,
		queue:    newTaskQueue(queueSize),
	}
}

// AddHandler appends a handler to the chain.
func (m *TaskManager) AddHandler(h TaskHandler) {
	m.handlerMtx.Lock()
	defer m.handlerMtx.Unlock()

	m.handlers = append(m.handlers, h)
}

func (m *TaskManager) handlerChain() []TaskHandler {
	m.handlerMtx.RLock()
	defer m.handlerMtx.RUnlock()

	handlers := make([]TaskHandler, len(m.handlers))
	copy(handlers, m.handlers)

	return handlers
}

// AddTask assigns t to the first idle session, or queues it if there is
// none. ErrTaskQueueFull is returned if the queue is full; the call never
// blocks.
func (m *TaskManager) AddTask(t peer.Task) error {
	for _, s := range m.sessions() {
		if !s.Ready() {
			continue
		}

		if err := s.AddTask(t); err != nil {
			log.Debugf("Unable to assign %T to %v: %v", t, s.Addr(),
				err)

			continue
		}

		log.Debugf("Assigned %T to %v", t, s.Addr())

		return nil
	}

	if err := m.queue.TryEnqueue(t); err != nil {
		m.rejected.Add(1)
		log.Warnf("Rejecting %T: %v", t, err)

		return err
	}

	log.Debugf("Queued %T, %d tasks waiting", t, m.queue.Len())

	// A session that became idle after the scan above found the queue
	// empty and will not be offered the task otherwise.
	m.dispatchQueued()

	return nil
}

// dispatchQueued hands one queued task to every idle session, in preference
// order, until the queue is empty.
func (m *TaskManager) dispatchQueued() {
	for _, s := range m.sessions() {
		if m.queue.Len() == 0 {
			return
		}
		if !s.Ready() {
			continue
		}

		m.assignQueued(s)
	}
}

// assignQueued hands the front of the queue to s. A refused task goes back
// to the front of the queue.
func (m *TaskManager) assignQueued(s Session) {
	m.queue.TryDequeue().WhenSome(func(t peer.Task) {
		err := s.AddTask(t)
		if err == nil {
			log.Debugf("Assigned queued %T to %v", t, s.Addr())
			return
		}

		log.Debugf("Unable to assign queued %T to %v: %v", t,
			s.Addr(), err)

		if err := m.queue.TryRequeue(t); err != nil {
			m.rejected.Add(1)
			log.Errorf("Dropping %T: %v", t, err)
		}
	})
}

// OnReady lets every handler react to the idle session, then hands it one
// queued task if it is still idle.
func (m *TaskManager) OnReady(s Session) {
	for _, h := range m.handlerChain() {
		h.OnPeerReady(s)
	}

	if !s.Ready() {
		return
	}

	m.assignQueued(s)
}

// OnTaskCompleted offers a completed task to the handlers until one of them
// claims it.
func (m *TaskManager) OnTaskCompleted(s Session, t peer.Task) {
	m.completed.Add(1)

	for _, h := range m.handlerChain() {
		if h.OnTaskCompleted(s, t) {
			return
		}
	}

	log.Tracef("No handler for completed %T from %v", t, s.Addr())
}

// QueueLen returns the number of tasks waiting for an idle session.
func (m *TaskManager) QueueLen() int {
	return m.queue.Len()
}

// Rejected returns the number of tasks rejected because the queue was full.
func (m *TaskManager) Rejected() uint64 {
	return m.rejected.Load()
}

// Completed returns the number of completed tasks.
func (m *TaskManager) Completed() uint64 {
	return m.completed.Load()
}

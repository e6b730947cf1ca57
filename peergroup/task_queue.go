package peergroup

import (
	"container/list"
	"errors"
	"sync"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/spvd/peer"
)

// ErrTaskQueueFull is returned when a task can neither be assigned nor
// queued.
var ErrTaskQueueFull = errors.New("task queue full")

// DropPredicate decides whether to drop a task instead of queueing it. It
// receives the current queue length and the task.
type DropPredicate func(queueLen int, t peer.Task) bool

// DropWhenFull returns a DropPredicate rejecting tasks once the queue holds
// capacity tasks.
func DropWhenFull(capacity int) DropPredicate {
	return func(queueLen int, _ peer.Task) bool {
		return queueLen >= capacity
	}
}

// taskQueue is a fixed-capacity FIFO of tasks waiting for an idle peer. It
// never blocks: a full queue rejects new tasks.
type taskQueue struct {
	mu            sync.Mutex
	tasks         *list.List
	dropPredicate DropPredicate
}

// newTaskQueue creates a queue holding at most capacity tasks.
func newTaskQueue(capacity int) *taskQueue {
	return &taskQueue{
		tasks:         list.New(),
		dropPredicate: DropWhenFull(capacity),
	}
}

// TryEnqueue adds t to the back of the queue or returns ErrTaskQueueFull.
func (q *taskQueue) TryEnqueue(t peer.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.dropPredicate(q.tasks.Len(), t) {
		return ErrTaskQueueFull
	}
	q.tasks.PushBack(t)

	return nil
}

// TryRequeue puts a dequeued task back at the front of the queue so it keeps
// its turn. ErrTaskQueueFull is returned if new tasks took its slot.
func (q *taskQueue) TryRequeue(t peer.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.dropPredicate(q.tasks.Len(), t) {
		return ErrTaskQueueFull
	}
	q.tasks.PushFront(t)

	return nil
}

// TryDequeue pops the front of the queue if there is one.
func (q *taskQueue) TryDequeue() fn.Option[peer.Task] {
	q.mu.Lock()
	defer q.mu.Unlock()

	front := q.tasks.Front()
	if front == nil {
		return fn.None[peer.Task]()
	}

	return fn.Some(q.tasks.Remove(front).(peer.Task))
}

// Len returns the number of queued tasks.
func (q *taskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.tasks.Len()
}

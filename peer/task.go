package peer

import (
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// TaskState is the lifecycle state of a Task.
type TaskState uint8

const (
	// TaskPending means the task is still waiting for responses.
	TaskPending TaskState = iota

	// TaskCompleted means the task has received everything it asked for.
	TaskCompleted

	// TaskFailed means the task gave up. The failing error is available
	// through Err.
	TaskFailed
)

// String returns a human readable version of the state.
func (s TaskState) String() string {
	switch s {
	case TaskPending:
		return "pending"
	case TaskCompleted:
		return "completed"
	case TaskFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Requester is the part of a peer session a task may use to talk to the
// remote node.
type Requester interface {
	// Addr returns the address of the remote node.
	Addr() string

	// SendMessage queues msg for delivery to the remote node.
	SendMessage(msg wire.Message) error

	// GetData requests the given inventory from the remote node.
	GetData(items ...*wire.InvVect) error
}

// Task is a unit of request/response work executed by a peer session.
//
// All methods are called by the owning peer, serialized with respect to each
// other. A task reports its progress by moving to TaskCompleted or TaskFailed,
// which the peer inspects after every call.
type Task interface {
	// Start assigns the task to a requester and sends the initial
	// request. It is called once.
	Start(r Requester) error

	// HandleMessage offers msg to the task, returning true if the task
	// consumed it.
	HandleMessage(msg wire.Message) bool

	// HandleInventory offers an inventory announcement to the task,
	// returning true if the task consumed it.
	HandleInventory(items []*wire.InvVect) bool

	// HandleGetData offers a single item of a getdata request to the
	// task, returning true if the task served it.
	HandleGetData(item *wire.InvVect) bool

	// HandleTimeout is called once the task has been idle for longer than
	// it allows.
	HandleTimeout()

	// IdleExpired returns true if the task has been idle for longer than
	// it allows.
	IdleExpired() bool

	// ResetTimer marks the task as active now.
	ResetTimer()

	// State returns the current lifecycle state.
	State() TaskState

	// Err returns the failure reason of a failed task.
	Err() error
}

// CheckTimeout invokes the task's timeout handler if it has been idle for
// longer than it allows.
func CheckTimeout(t Task) {
	if t.State() != TaskPending || !t.IdleExpired() {
		return
	}

	t.HandleTimeout()
}

// TaskBase carries the bookkeeping shared by all tasks. Tasks embed it and
// override the hooks they need.
type TaskBase struct {
	clock clock.Clock

	mu sync.Mutex

	requester  fn.Option[Requester]
	lastActive fn.Option[time.Time]
	idle       fn.Option[time.Duration]
	state      TaskState
	err        error
}

// NewTaskBase creates the shared state of a task allowed to stay idle for the
// given duration. A zero idle duration disables the timeout.
func NewTaskBase(idle time.Duration, clk clock.Clock) *TaskBase {
	if clk == nil {
		clk = clock.NewDefaultClock()
	}

	base := &TaskBase{
		clock: clk,
		idle:  fn.None[time.Duration](),
	}
	if idle > 0 {
		base.idle = fn.Some(idle)
	}

	return base
}

// Assign records the requester the task runs on and starts its idle timer.
func (t *TaskBase) Assign(r Requester) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.requester = fn.Some(r)
	t.lastActive = fn.Some(t.clock.Now())
}

// AssignedTo returns the requester the task runs on, if any.
func (t *TaskBase) AssignedTo() fn.Option[Requester] {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.requester
}

// Send queues msg on the assigned requester.
func (t *TaskBase) Send(msg wire.Message) error {
	r, err := t.AssignedTo().UnwrapOrErr(ErrTaskNotAssigned)
	if err != nil {
		return err
	}

	return r.SendMessage(msg)
}

// RequestData sends a getdata for the given inventory on the assigned
// requester.
func (t *TaskBase) RequestData(items ...*wire.InvVect) error {
	r, err := t.AssignedTo().UnwrapOrErr(ErrTaskNotAssigned)
	if err != nil {
		return err
	}

	return r.GetData(items...)
}

// ResetTimer marks the task as active now.
func (t *TaskBase) ResetTimer() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.lastActive = fn.Some(t.clock.Now())
}

// IdleExpired returns true once both an idle duration and a last-active time
// are set and the idle duration has passed since the last activity.
func (t *TaskBase) IdleExpired() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	idle, err := t.idle.UnwrapOrErr(ErrTaskNotAssigned)
	if err != nil {
		return false
	}
	last, err := t.lastActive.UnwrapOrErr(ErrTaskNotAssigned)
	if err != nil {
		return false
	}

	return t.clock.Now().Sub(last) > idle
}

// Complete moves a pending task to TaskCompleted.
func (t *TaskBase) Complete() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == TaskPending {
		t.state = TaskCompleted
	}
}

// Fail moves a pending task to TaskFailed with the given reason.
func (t *TaskBase) Fail(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == TaskPending {
		t.state = TaskFailed
		t.err = err
	}
}

// State returns the current lifecycle state.
func (t *TaskBase) State() TaskState {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.state
}

// Err returns the failure reason of a failed task.
func (t *TaskBase) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.err
}

// HandleInventory does not consume inventory.
func (t *TaskBase) HandleInventory(_ []*wire.InvVect) bool {
	return false
}

// HandleGetData does not serve any data.
func (t *TaskBase) HandleGetData(_ *wire.InvVect) bool {
	return false
}

// HandleTimeout completes the task.
func (t *TaskBase) HandleTimeout() {
	t.Complete()
}

// NewInvVect is a small helper returning an inventory vector of the given
// type.
func NewInvVect(typ wire.InvType, hash chainhash.Hash) *wire.InvVect {
	return wire.NewInvVect(typ, &hash)
}

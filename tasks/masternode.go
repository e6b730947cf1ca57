package tasks

import (
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/spvd/peer"
	"github.com/lightningnetwork/spvd/spvwire"
)

const (
	// MasternodeListDiffIdleTime is how long a masternode list diff
	// request may go unanswered.
	MasternodeListDiffIdleTime = 5 * time.Second

	// InstantLocksIdleTime is how long an instant lock request may go
	// without a response before the task settles for what it received.
	InstantLocksIdleTime = 5 * time.Second
)

// ErrMasternodeListDiffNotReceived is returned when a peer does not answer a
// masternode list diff request.
var ErrMasternodeListDiffNotReceived = errors.New("masternode list diff " +
	"not received")

// RequestMasternodeListDiffTask fetches the masternode list changes between
// two blocks.
type RequestMasternodeListDiffTask struct {
	*peer.TaskBase

	baseBlockHash chainhash.Hash
	blockHash     chainhash.Hash
	diff          *spvwire.MsgMNListDiff
}

// A compile-time check to ensure RequestMasternodeListDiffTask implements
// peer.Task.
var _ peer.Task = (*RequestMasternodeListDiffTask)(nil)

// NewRequestMasternodeListDiffTask creates a task fetching the diff from
// base to target.
func NewRequestMasternodeListDiffTask(base, target chainhash.Hash,
	clk clock.Clock) *RequestMasternodeListDiffTask {

	return &RequestMasternodeListDiffTask{
		TaskBase:      peer.NewTaskBase(MasternodeListDiffIdleTime, clk),
		baseBlockHash: base,
		blockHash:     target,
	}
}

// Start sends the getmnlistd request.
func (t *RequestMasternodeListDiffTask) Start(r peer.Requester) error {
	t.Assign(r)

	return t.Send(&spvwire.MsgGetMNListDiff{
		BaseBlockHash: t.baseBlockHash,
		BlockHash:     t.blockHash,
	})
}

// HandleMessage consumes the diff answering our request.
func (t *RequestMasternodeListDiffTask) HandleMessage(msg wire.Message) bool {
	diff, ok := msg.(*spvwire.MsgMNListDiff)
	if !ok {
		return false
	}
	if diff.BaseBlockHash != t.baseBlockHash ||
		diff.BlockHash != t.blockHash {

		return false
	}

	t.diff = diff
	t.Complete()

	return true
}

// HandleTimeout fails the task.
func (t *RequestMasternodeListDiffTask) HandleTimeout() {
	t.Fail(fmt.Errorf("%w: %v..%v", ErrMasternodeListDiffNotReceived,
		t.baseBlockHash, t.blockHash))
}

// BaseBlockHash returns the block the diff starts from.
func (t *RequestMasternodeListDiffTask) BaseBlockHash() chainhash.Hash {
	return t.baseBlockHash
}

// BlockHash returns the block the diff leads to.
func (t *RequestMasternodeListDiffTask) BlockHash() chainhash.Hash {
	return t.blockHash
}

// Diff returns the received diff, or nil.
func (t *RequestMasternodeListDiffTask) Diff() *spvwire.MsgMNListDiff {
	return t.diff
}

// RequestInstantLocksTask fetches instant locks by hash.
type RequestInstantLocksTask struct {
	*peer.TaskBase

	hashes []chainhash.Hash
	locks  []*spvwire.MsgISLock
}

// A compile-time check to ensure RequestInstantLocksTask implements
// peer.Task.
var _ peer.Task = (*RequestInstantLocksTask)(nil)

// NewRequestInstantLocksTask creates a task fetching the given locks.
func NewRequestInstantLocksTask(hashes []chainhash.Hash,
	clk clock.Clock) *RequestInstantLocksTask {

	return &RequestInstantLocksTask{
		TaskBase: peer.NewTaskBase(InstantLocksIdleTime, clk),
		hashes:   append([]chainhash.Hash(nil), hashes...),
	}
}

// Start sends the getdata request.
func (t *RequestInstantLocksTask) Start(r peer.Requester) error {
	t.Assign(r)

	if len(t.hashes) == 0 {
		t.Complete()
		return nil
	}

	items := make([]*wire.InvVect, 0, len(t.hashes))
	for _, hash := range t.hashes {
		items = append(items, peer.NewInvVect(
			spvwire.InvTypeISLock, hash,
		))
	}

	return t.RequestData(items...)
}

// HandleMessage consumes the requested locks.
func (t *RequestInstantLocksTask) HandleMessage(msg wire.Message) bool {
	lock, ok := msg.(*spvwire.MsgISLock)
	if !ok {
		return false
	}

	hash := lock.Hash()
	for i, h := range t.hashes {
		if h != hash {
			continue
		}

		t.hashes = append(t.hashes[:i], t.hashes[i+1:]...)
		t.locks = append(t.locks, lock)
		t.ResetTimer()

		if len(t.hashes) == 0 {
			t.Complete()
		}

		return true
	}

	return false
}

// Locks returns the received locks.
func (t *RequestInstantLocksTask) Locks() []*spvwire.MsgISLock {
	return t.locks
}

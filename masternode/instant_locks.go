package masternode

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/spvd/peer"
	"github.com/lightningnetwork/spvd/peergroup"
	"github.com/lightningnetwork/spvd/spvwire"
	"github.com/lightningnetwork/spvd/tasks"
)

// InstantLockProcessor consumes received instant send locks.
type InstantLockProcessor interface {
	ProcessInstantLocks(locks []*spvwire.MsgISLock)
}

// InstantLockHandler fetches announced instant send locks and hands them to
// a processor.
type InstantLockHandler struct {
	processor InstantLockProcessor
	clock     clock.Clock
}

// A compile-time check to ensure InstantLockHandler implements the handler
// interfaces of the group.
var (
	_ peergroup.InventoryHandler = (*InstantLockHandler)(nil)
	_ peergroup.TaskHandler      = (*InstantLockHandler)(nil)
)

// NewInstantLockHandler creates a handler feeding processor.
func NewInstantLockHandler(processor InstantLockProcessor,
	clk clock.Clock) *InstantLockHandler {

	return &InstantLockHandler{
		processor: processor,
		clock:     clk,
	}
}

// OnInventory requests the announced locks from the announcing peer.
func (h *InstantLockHandler) OnInventory(p *peer.Peer,
	items []*wire.InvVect) {

	h.handleInventory(p, items)
}

func (h *InstantLockHandler) handleInventory(sess peergroup.Session,
	items []*wire.InvVect) {

	var hashes []chainhash.Hash
	for _, item := range items {
		if item.Type == spvwire.InvTypeISLock {
			hashes = append(hashes, item.Hash)
		}
	}
	if len(hashes) == 0 {
		return
	}

	task := tasks.NewRequestInstantLocksTask(hashes, h.clock)
	if err := sess.AddTask(task); err != nil {
		log.Debugf("Unable to request %d instant locks from %v: %v",
			len(hashes), sess.Addr(), err)
	}
}

// OnPeerReady does nothing.
func (h *InstantLockHandler) OnPeerReady(peergroup.Session) {}

// OnTaskCompleted forwards the locks of completed requests.
func (h *InstantLockHandler) OnTaskCompleted(_ peergroup.Session,
	t peer.Task) bool {

	task, ok := t.(*tasks.RequestInstantLocksTask)
	if !ok {
		return false
	}

	if locks := task.Locks(); len(locks) > 0 {
		h.processor.ProcessInstantLocks(locks)
	}

	return true
}

package tasks

import (
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/spvd/peer"
	"github.com/lightningnetwork/spvd/spvwire"
)

// SendTransactionIdleTime is how long we wait for a peer to ask for an
// announced transaction.
const SendTransactionIdleTime = 30 * time.Second

// SendTransactionTask announces a transaction and serves it once the peer
// asks for it.
type SendTransactionTask struct {
	*peer.TaskBase

	tx   spvwire.Tx
	sent bool
}

// A compile-time check to ensure SendTransactionTask implements peer.Task.
var _ peer.Task = (*SendTransactionTask)(nil)

// NewSendTransactionTask creates a task relaying tx.
func NewSendTransactionTask(tx spvwire.Tx,
	clk clock.Clock) *SendTransactionTask {

	return &SendTransactionTask{
		TaskBase: peer.NewTaskBase(SendTransactionIdleTime, clk),
		tx:       tx,
	}
}

// Start announces the transaction.
func (t *SendTransactionTask) Start(r peer.Requester) error {
	t.Assign(r)

	inv := wire.NewMsgInv()
	err := inv.AddInvVect(peer.NewInvVect(wire.InvTypeTx, t.tx.TxHash()))
	if err != nil {
		return err
	}

	return t.Send(inv)
}

// HandleMessage consumes nothing.
func (t *SendTransactionTask) HandleMessage(_ wire.Message) bool {
	return false
}

// HandleGetData serves the transaction when the peer asks for it.
func (t *SendTransactionTask) HandleGetData(item *wire.InvVect) bool {
	switch item.Type {
	case wire.InvTypeTx, wire.InvTypeWitnessTx:
	default:
		return false
	}

	if item.Hash != t.tx.TxHash() {
		return false
	}

	if err := t.Send(t.tx); err != nil {
		t.Fail(err)
		return true
	}

	log.Infof("Sent transaction %v", item.Hash)

	t.sent = true
	t.Complete()

	return true
}

// Tx returns the relayed transaction.
func (t *SendTransactionTask) Tx() spvwire.Tx {
	return t.tx
}

// Sent returns true once the peer fetched the transaction.
func (t *SendTransactionTask) Sent() bool {
	return t.sent
}

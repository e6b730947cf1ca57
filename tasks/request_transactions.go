package tasks

import (
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/spvd/peer"
	"github.com/lightningnetwork/spvd/spvwire"
)

// TransactionsIdleTime is how long a transaction request may go without a
// response before the task settles for what it received.
const TransactionsIdleTime = 10 * time.Second

// RequestTransactionsTask downloads transactions by hash.
type RequestTransactionsTask struct {
	*peer.TaskBase

	hashes       []chainhash.Hash
	transactions []spvwire.Tx
}

// A compile-time check to ensure RequestTransactionsTask implements
// peer.Task.
var _ peer.Task = (*RequestTransactionsTask)(nil)

// NewRequestTransactionsTask creates a task fetching the given transactions.
func NewRequestTransactionsTask(hashes []chainhash.Hash,
	clk clock.Clock) *RequestTransactionsTask {

	return &RequestTransactionsTask{
		TaskBase: peer.NewTaskBase(TransactionsIdleTime, clk),
		hashes:   append([]chainhash.Hash(nil), hashes...),
	}
}

// Start sends the getdata request.
func (t *RequestTransactionsTask) Start(r peer.Requester) error {
	t.Assign(r)

	if len(t.hashes) == 0 {
		t.Complete()
		return nil
	}

	items := make([]*wire.InvVect, 0, len(t.hashes))
	for _, hash := range t.hashes {
		items = append(items, peer.NewInvVect(wire.InvTypeTx, hash))
	}

	return t.RequestData(items...)
}

// remove drops hash from the outstanding set, returning false if it was not
// requested.
func (t *RequestTransactionsTask) remove(hash chainhash.Hash) bool {
	for i, h := range t.hashes {
		if h == hash {
			t.hashes = append(t.hashes[:i], t.hashes[i+1:]...)
			return true
		}
	}

	return false
}

// HandleMessage consumes the requested transactions and the notfound
// answers for them.
func (t *RequestTransactionsTask) HandleMessage(msg wire.Message) bool {
	switch m := msg.(type) {
	case spvwire.Tx:
		if !t.remove(m.TxHash()) {
			return false
		}
		t.transactions = append(t.transactions, m)

	case *wire.MsgNotFound:
		consumed := false
		for _, item := range m.InvList {
			if t.remove(item.Hash) {
				consumed = true
			}
		}
		if !consumed {
			return false
		}

	default:
		return false
	}

	t.ResetTimer()

	if len(t.hashes) == 0 {
		t.Complete()
	}

	return true
}

// Transactions returns the received transactions.
func (t *RequestTransactionsTask) Transactions() []spvwire.Tx {
	return t.transactions
}

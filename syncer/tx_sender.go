package syncer

import (
	"errors"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/spvd/peer"
	"github.com/lightningnetwork/spvd/peergroup"
	"github.com/lightningnetwork/spvd/spvwire"
	"github.com/lightningnetwork/spvd/tasks"
)

var (
	// ErrNoPeers is returned when sending without any connected peer.
	ErrNoPeers = errors.New("no peers connected")

	// ErrNotSynced is returned when sending before enough peers are
	// synced.
	ErrNotSynced = errors.New("peers not synced yet")
)

// SenderConfig holds the collaborators of a TransactionSender.
type SenderConfig struct {
	// Pending supplies the transactions to relay.
	Pending PendingTransactionProvider

	// State tells which peers are synced.
	State *SyncState

	// ConnectedCount returns the number of connected peers.
	ConnectedCount func() int

	// ReadySessions returns the idle sessions transactions are handed
	// to.
	ReadySessions func() []peergroup.Session

	Clock clock.Clock
}

// TransactionSender relays pending transactions once the network view is
// trustworthy.
type TransactionSender struct {
	cfg SenderConfig
}

// A compile-time check to ensure TransactionSender implements SyncListener.
var _ SyncListener = (*TransactionSender)(nil)

// NewTransactionSender creates a transaction sender.
func NewTransactionSender(cfg SenderConfig) *TransactionSender {
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}

	return &TransactionSender{cfg: cfg}
}

// CanSend returns nil if transactions may be relayed right now.
func (t *TransactionSender) CanSend() error {
	connected := t.cfg.ConnectedCount()
	if connected < 1 {
		return ErrNoPeers
	}

	if !t.cfg.State.HalfSynced(connected) {
		return ErrNotSynced
	}

	return nil
}

// SendPendingTransactions announces every pending transaction to every idle
// session.
func (t *TransactionSender) SendPendingTransactions() error {
	if err := t.CanSend(); err != nil {
		return err
	}

	txs := t.cfg.Pending.PendingTransactions()
	if len(txs) == 0 {
		return nil
	}

	for _, s := range t.cfg.ReadySessions() {
		for _, tx := range txs {
			task := tasks.NewSendTransactionTask(tx, t.cfg.Clock)
			if err := s.AddTask(task); err != nil {
				log.Warnf("Unable to relay %v to %v: %v",
					tx.TxHash(), s.Addr(), err)

				break
			}
		}
	}

	return nil
}

// OnPeerSynced retries the pending transactions.
//
// NOTE: Part of the SyncListener interface.
func (t *TransactionSender) OnPeerSynced(peergroup.Session) {
	err := t.SendPendingTransactions()
	switch {
	case errors.Is(err, ErrNotSynced), errors.Is(err, ErrNoPeers):
		log.Tracef("Not relaying transactions yet: %v", err)

	case err != nil:
		log.Errorf("Unable to relay transactions: %v", err)
	}
}

// TxPool holds our transactions until a peer fetched them.
type TxPool struct {
	mtx sync.Mutex
	txs map[chainhash.Hash]spvwire.Tx

	// order keeps the transactions in submission order.
	order []chainhash.Hash
}

// A compile-time check to ensure TxPool implements the interfaces it is
// registered with.
var (
	_ PendingTransactionProvider = (*TxPool)(nil)
	_ peergroup.TaskHandler      = (*TxPool)(nil)
)

// NewTxPool creates an empty pool.
func NewTxPool() *TxPool {
	return &TxPool{
		txs: make(map[chainhash.Hash]spvwire.Tx),
	}
}

// Add queues tx for relay.
func (p *TxPool) Add(tx spvwire.Tx) {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	hash := tx.TxHash()
	if _, ok := p.txs[hash]; ok {
		return
	}

	p.txs[hash] = tx
	p.order = append(p.order, hash)
}

// Remove drops the transaction with the given hash.
func (p *TxPool) Remove(hash chainhash.Hash) {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	if _, ok := p.txs[hash]; !ok {
		return
	}
	delete(p.txs, hash)

	for i, h := range p.order {
		if h == hash {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
}

// PendingTransactions returns the queued transactions in submission order.
//
// NOTE: Part of the PendingTransactionProvider interface.
func (p *TxPool) PendingTransactions() []spvwire.Tx {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	txs := make([]spvwire.Tx, 0, len(p.order))
	for _, hash := range p.order {
		txs = append(txs, p.txs[hash])
	}

	return txs
}

// OnPeerReady does nothing.
//
// NOTE: Part of the peergroup.TaskHandler interface.
func (p *TxPool) OnPeerReady(peergroup.Session) {}

// OnTaskCompleted drops transactions a peer fetched.
//
// NOTE: Part of the peergroup.TaskHandler interface.
func (p *TxPool) OnTaskCompleted(s peergroup.Session, t peer.Task) bool {
	task, ok := t.(*tasks.SendTransactionTask)
	if !ok {
		return false
	}

	if task.Sent() {
		log.Infof("Transaction %v relayed to %v", task.Tx().TxHash(),
			s.Addr())

		p.Remove(task.Tx().TxHash())
	}

	return true
}

package spvd

import (
	"sync"
	"sync/atomic"

	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/spvd/lnutils"
	"github.com/lightningnetwork/spvd/masternode"
	"github.com/lightningnetwork/spvd/spvwire"
	"github.com/lightningnetwork/spvd/syncer"
)

// watchWallet is the wallet of the daemon. It watches a fixed set of
// addresses and reports the transactions peers deliver for them.
type watchWallet struct {
	elements [][]byte

	confirmed   atomic.Uint64
	unconfirmed atomic.Uint64

	mtx   sync.Mutex
	locks map[wire.OutPoint]*spvwire.MsgISLock
}

// A compile-time check to ensure watchWallet implements the collaborator
// interfaces of the sync driver.
var (
	_ syncer.TransactionProcessor     = (*watchWallet)(nil)
	_ syncer.WalletElementsProvider   = (*watchWallet)(nil)
	_ masternode.InstantLockProcessor = (*watchWallet)(nil)
)

func newWatchWallet(elements [][]byte) *watchWallet {
	return &watchWallet{
		elements: elements,
		locks:    make(map[wire.OutPoint]*spvwire.MsgISLock),
	}
}

// FilterElements returns the script hashes of the watched addresses.
//
// NOTE: Part of the syncer.WalletElementsProvider interface.
func (w *watchWallet) FilterElements() [][]byte {
	return w.elements
}

// ProcessTransactions logs the received transactions.
//
// NOTE: Part of the syncer.TransactionProcessor interface.
func (w *watchWallet) ProcessTransactions(txs []spvwire.Tx,
	height fn.Option[int32]) error {

	height.WhenSome(func(h int32) {
		w.confirmed.Add(uint64(len(txs)))
		spvdLog.Infof("Confirmed at height %d: %v", h,
			lnutils.TxHashesClosure(txs))
	})
	if height.IsNone() {
		w.unconfirmed.Add(uint64(len(txs)))
		spvdLog.Infof("Unconfirmed: %v", lnutils.TxHashesClosure(txs))
	}

	spvdLog.Tracef("Transactions: %v", lnutils.SpewLogClosure(txs))

	return nil
}

// ProcessInstantLocks records the outpoints locked by instant locks.
//
// NOTE: Part of the masternode.InstantLockProcessor interface.
func (w *watchWallet) ProcessInstantLocks(locks []*spvwire.MsgISLock) {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	for _, lock := range locks {
		for _, input := range lock.Inputs {
			w.locks[input] = lock
		}

		spvdLog.Infof("Instant lock for %v", lock.TxHash)
	}
}

// Locked returns the instant lock spending op, if any.
func (w *watchWallet) Locked(op wire.OutPoint) fn.Option[*spvwire.MsgISLock] {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	lock, ok := w.locks[op]
	if !ok {
		return fn.None[*spvwire.MsgISLock]()
	}

	return fn.Some(lock)
}

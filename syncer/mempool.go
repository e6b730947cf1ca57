package syncer

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/spvd/peer"
	"github.com/lightningnetwork/spvd/peergroup"
	"github.com/lightningnetwork/spvd/tasks"
)

// DefaultSeenTxCacheSize is the number of announced transaction hashes
// remembered to avoid requesting a transaction twice.
const DefaultSeenTxCacheSize = 10000

// mempoolRequester is a session that can ask for the remote mempool.
type mempoolRequester interface {
	SendMempool() error
}

// MempoolRelay fetches the unconfirmed transactions announced by synced
// peers. Peers only announce transactions matching our bloom filter.
type MempoolRelay struct {
	state     *SyncState
	processor TransactionProcessor
	clock     clock.Clock

	seen *lru.Cache[chainhash.Hash, struct{}]
}

// A compile-time check to ensure MempoolRelay implements the handler
// interfaces it is registered with.
var (
	_ SyncListener               = (*MempoolRelay)(nil)
	_ peergroup.InventoryHandler = (*MempoolRelay)(nil)
	_ peergroup.TaskHandler      = (*MempoolRelay)(nil)
)

// NewMempoolRelay creates a mempool relay remembering up to cacheSize
// transaction hashes.
func NewMempoolRelay(state *SyncState, processor TransactionProcessor,
	cacheSize int, clk clock.Clock) (*MempoolRelay, error) {

	seen, err := lru.New[chainhash.Hash, struct{}](cacheSize)
	if err != nil {
		return nil, err
	}

	return &MempoolRelay{
		state:     state,
		processor: processor,
		clock:     clk,
		seen:      seen,
	}, nil
}

// OnPeerSynced asks the peer for its mempool.
//
// NOTE: Part of the SyncListener interface.
func (m *MempoolRelay) OnPeerSynced(s peergroup.Session) {
	requester, ok := s.(mempoolRequester)
	if !ok {
		return
	}

	if err := requester.SendMempool(); err != nil {
		log.Warnf("Unable to request mempool of %v: %v", s.Addr(), err)
	}
}

// OnInventory requests the transactions a synced peer announces for the
// first time.
//
// NOTE: Part of the peergroup.InventoryHandler interface.
func (m *MempoolRelay) OnInventory(p *peer.Peer, items []*wire.InvVect) {
	m.handleInventory(p, items)
}

func (m *MempoolRelay) handleInventory(s peergroup.Session,
	items []*wire.InvVect) {

	if !m.state.IsSynced(s.Addr()) {
		return
	}

	var hashes []chainhash.Hash
	for _, item := range items {
		if item.Type != wire.InvTypeTx {
			continue
		}

		seen, _ := m.seen.ContainsOrAdd(item.Hash, struct{}{})
		if seen {
			continue
		}
		hashes = append(hashes, item.Hash)
	}

	if len(hashes) == 0 {
		return
	}

	log.Debugf("Requesting %d transactions from %v", len(hashes),
		s.Addr())

	task := tasks.NewRequestTransactionsTask(hashes, m.clock)
	if err := s.AddTask(task); err != nil {
		log.Warnf("Unable to request transactions from %v: %v",
			s.Addr(), err)

		for _, hash := range hashes {
			m.seen.Remove(hash)
		}
	}
}

// OnPeerReady does nothing.
//
// NOTE: Part of the peergroup.TaskHandler interface.
func (m *MempoolRelay) OnPeerReady(peergroup.Session) {}

// OnTaskCompleted passes the received transactions on as unconfirmed.
//
// NOTE: Part of the peergroup.TaskHandler interface.
func (m *MempoolRelay) OnTaskCompleted(s peergroup.Session,
	t peer.Task) bool {

	task, ok := t.(*tasks.RequestTransactionsTask)
	if !ok {
		return false
	}

	txs := task.Transactions()
	if len(txs) == 0 {
		return true
	}

	err := m.processor.ProcessTransactions(txs, fn.None[int32]())
	if err != nil {
		log.Errorf("Unable to process transactions from %v: %v",
			s.Addr(), err)
	}

	return true
}

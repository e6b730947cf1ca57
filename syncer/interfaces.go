package syncer

import (
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/spvd/chainstore"
	"github.com/lightningnetwork/spvd/peergroup"
	"github.com/lightningnetwork/spvd/spvwire"
)

// TransactionProcessor receives the transactions relevant to the wallet.
type TransactionProcessor interface {
	// ProcessTransactions handles transactions matched by our filter.
	// height is set for transactions confirmed in a block and unset for
	// mempool transactions.
	ProcessTransactions(txs []spvwire.Tx, height fn.Option[int32]) error
}

// WalletElementsProvider supplies the data the bloom filter is built from.
type WalletElementsProvider interface {
	// FilterElements returns the public keys, key hashes and outpoints
	// the wallet is interested in.
	FilterElements() [][]byte
}

// PendingTransactionProvider supplies the transactions awaiting relay.
type PendingTransactionProvider interface {
	PendingTransactions() []spvwire.Tx
}

// SyncListener is notified when a peer has no blocks we lack.
type SyncListener interface {
	OnPeerSynced(s peergroup.Session)
}

// FilterTarget is a session a bloom filter can be loaded into.
type FilterTarget interface {
	Addr() string
	FilterLoad(filter *wire.MsgFilterLoad) error
}

// BlockValidator checks a candidate block against its parent.
type BlockValidator interface {
	Validate(candidate, previous *chainstore.Block) error
}

// BlockFactory creates the stored form of an accepted header.
type BlockFactory func(header wire.BlockHeader, height int32) *chainstore.Block

package merkleblock

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/spvd/spvwire"
)

// MerkleBlock is a filtered block being assembled from a merkle block message
// and the transactions that follow it.
type MerkleBlock struct {
	// Header is the header of the block.
	Header wire.BlockHeader

	// Hash is the identifying hash of the header.
	Hash chainhash.Hash

	// Height is the chain height of the block, if known.
	Height fn.Option[int32]

	// TxHashes are the hashes of the transactions matched by the filter,
	// in block order.
	TxHashes []chainhash.Hash

	// Transactions are the matched transactions received so far.
	Transactions []spvwire.Tx

	pending map[chainhash.Hash]struct{}
}

func newMerkleBlock(header wire.BlockHeader, hash chainhash.Hash,
	matched []chainhash.Hash) *MerkleBlock {

	pending := make(map[chainhash.Hash]struct{}, len(matched))
	for _, txHash := range matched {
		pending[txHash] = struct{}{}
	}

	return &MerkleBlock{
		Header:   header,
		Hash:     hash,
		TxHashes: matched,
		pending:  pending,
	}
}

// Complete returns true once every matched transaction has been received.
// A block without matched transactions is complete on arrival.
func (m *MerkleBlock) Complete() bool {
	return len(m.pending) == 0
}

// Expects returns true if the transaction with the given hash is matched by
// the block and has not yet been received.
func (m *MerkleBlock) Expects(txHash chainhash.Hash) bool {
	_, ok := m.pending[txHash]
	return ok
}

// AddTransaction attaches tx to the block if it is expected. It returns false
// if the block does not expect the transaction.
func (m *MerkleBlock) AddTransaction(tx spvwire.Tx) bool {
	txHash := tx.TxHash()
	if !m.Expects(txHash) {
		return false
	}

	delete(m.pending, txHash)
	m.Transactions = append(m.Transactions, tx)

	return true
}

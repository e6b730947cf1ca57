package chainstore

import (
	"encoding/binary"
	"errors"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

var (
	// ErrBlockNotFound is returned when a block is not present in the
	// store.
	ErrBlockNotFound = errors.New("block not found")

	// ErrEmptyChain is returned when the store holds no blocks at all.
	ErrEmptyChain = errors.New("chain is empty")

	// ErrMetaNotFound is returned when no value exists for a meta key.
	ErrMetaNotFound = errors.New("meta value not found")

	byteOrder = binary.BigEndian
)

// Store is the chain storage consumed by the validators and the sync driver.
// The chain is append-only and ordered by height.
type Store interface {
	// BlockByHeight returns the block at the given height.
	BlockByHeight(height int32) (*Block, error)

	// BlockByHash returns the block with the given header hash.
	BlockByHash(hash *chainhash.Hash) (*Block, error)

	// PreviousChunk returns up to count blocks ending at and including
	// endHeight, ordered by ascending height. Fewer blocks are returned
	// when the store does not reach back far enough.
	PreviousChunk(endHeight int32, count int) ([]*Block, error)

	// LastBlock returns the block with the greatest height.
	LastBlock() (*Block, error)

	// AddBlocks stores the given blocks. A block replaces any block
	// previously stored at the same height.
	AddBlocks(blocks ...*Block) error

	// PutMeta stores an opaque value under key.
	PutMeta(key string, value []byte) error

	// FetchMeta returns the value stored under key.
	FetchMeta(key string) ([]byte, error)
}

// chunkStart returns the first height of a chunk of count blocks ending at
// endHeight, clamped to the genesis height.
func chunkStart(endHeight int32, count int) int32 {
	start := endHeight - int32(count) + 1
	if start < 0 {
		start = 0
	}

	return start
}

package blockvalidator

import (
	"errors"
	"fmt"
	"sort"

	"github.com/lightningnetwork/spvd/chainstore"
)

// medianTimeBlocks is the number of blocks used to compute the median time
// past of a block.
const medianTimeBlocks = 11

// Helper provides the chain queries shared by the difficulty rules.
type Helper struct {
	store chainstore.Store
}

// NewHelper creates a helper reading ancestors from store.
func NewHelper(store chainstore.Store) *Helper {
	return &Helper{store: store}
}

// Parent returns the parent of block by following its previous hash.
func (h *Helper) Parent(block *chainstore.Block) (*chainstore.Block, error) {
	prevHash := block.PrevHash()
	parent, err := h.store.BlockByHash(&prevHash)
	switch {
	case errors.Is(err, chainstore.ErrBlockNotFound):
		return nil, fmt.Errorf("%w: parent of %v", ErrNoPreviousBlock,
			block)

	case err != nil:
		return nil, err
	}

	return parent, nil
}

// Ancestor walks back steps parent links from block. Reorgs below block are
// followed through the hash links rather than height lookups.
func (h *Helper) Ancestor(block *chainstore.Block,
	steps int) (*chainstore.Block, error) {

	cursor := block
	for i := 0; i < steps; i++ {
		parent, err := h.Parent(cursor)
		if err != nil {
			return nil, err
		}
		cursor = parent
	}

	return cursor, nil
}

// MedianTimePast returns the median timestamp of up to eleven blocks ending
// at and including block.
func (h *Helper) MedianTimePast(block *chainstore.Block) (int64, error) {
	timestamps := make([]int64, 0, medianTimeBlocks)
	cursor := block
	for i := 0; i < medianTimeBlocks; i++ {
		timestamps = append(timestamps, cursor.Timestamp())

		if cursor.Height == 0 || i == medianTimeBlocks-1 {
			break
		}

		parent, err := h.Parent(cursor)
		if errors.Is(err, ErrNoPreviousBlock) {
			break
		}
		if err != nil {
			return 0, err
		}
		cursor = parent
	}

	sort.Slice(timestamps, func(i, j int) bool {
		return timestamps[i] < timestamps[j]
	})

	return timestamps[len(timestamps)/2], nil
}

// Chunk returns exactly count blocks ending at and including endHeight, or
// ErrNoPreviousBlock if the store does not hold that many.
func (h *Helper) Chunk(endHeight int32,
	count int) ([]*chainstore.Block, error) {

	chunk, err := h.store.PreviousChunk(endHeight, count)
	if err != nil {
		return nil, err
	}
	if len(chunk) < count {
		return nil, fmt.Errorf("%w: have %d of %d blocks ending at "+
			"height %d", ErrNoPreviousBlock, len(chunk), count,
			endHeight)
	}

	return chunk, nil
}

// SuitableBlock returns the block with the median timestamp of the three
// given blocks. Ties keep the original ordering.
func SuitableBlock(blocks [3]*chainstore.Block) *chainstore.Block {
	sorted := blocks
	sort.SliceStable(sorted[:], func(i, j int) bool {
		return sorted[i].Timestamp() < sorted[j].Timestamp()
	})

	return sorted[1]
}

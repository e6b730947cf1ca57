package syncer

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/spvd/blockvalidator"
	"github.com/lightningnetwork/spvd/chainstore"
	"github.com/lightningnetwork/spvd/merkleblock"
	"github.com/lightningnetwork/spvd/tasks"
)

const (
	// locatorDenseSteps is the number of most recent blocks listed one by
	// one in a locator before the step starts doubling.
	locatorDenseSteps = 10
)

// ErrOrphanBlock is returned for a block whose parent we do not know.
var ErrOrphanBlock = errors.New("block parent unknown")

// BlockSyncer validates downloaded blocks, appends them to the store and
// passes their transactions on.
type BlockSyncer struct {
	store     chainstore.Store
	validator BlockValidator
	newBlock  BlockFactory
	processor TransactionProcessor

	// mtx serializes the check-then-append of incoming blocks.
	mtx sync.Mutex

	validated atomic.Uint64
	rejected  atomic.Uint64
}

// A compile-time check to ensure BlockSyncer implements
// tasks.MerkleBlockHandler.
var _ tasks.MerkleBlockHandler = (*BlockSyncer)(nil)

// NewBlockSyncer creates a block syncer.
func NewBlockSyncer(store chainstore.Store, validator BlockValidator,
	newBlock BlockFactory, processor TransactionProcessor) *BlockSyncer {

	return &BlockSyncer{
		store:     store,
		validator: validator,
		newBlock:  newBlock,
		processor: processor,
	}
}

// HandleMerkleBlock appends block to the chain if it extends our tip.
//
// NOTE: Part of the tasks.MerkleBlockHandler interface.
func (b *BlockSyncer) HandleMerkleBlock(block *merkleblock.MerkleBlock) error {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	_, err := b.store.BlockByHash(&block.Hash)
	switch {
	case err == nil:
		log.Tracef("Ignoring known block %v", block.Hash)
		return nil

	case !errors.Is(err, chainstore.ErrBlockNotFound):
		return err
	}

	prev, err := b.store.BlockByHash(&block.Header.PrevBlock)
	switch {
	case errors.Is(err, chainstore.ErrBlockNotFound):
		b.rejected.Add(1)
		return fmt.Errorf("%w: %v", ErrOrphanBlock, block.Hash)

	case err != nil:
		return err
	}

	tip, err := b.store.LastBlock()
	if err != nil {
		return err
	}

	// Competing branches are not followed.
	if prev.Hash != tip.Hash {
		log.Warnf("Skipping block %v building on %v instead of tip %v",
			block.Hash, prev, tip)

		return nil
	}

	candidate := b.newBlock(block.Header, prev.Height+1)
	block.Height.WhenSome(func(height int32) {
		if height != candidate.Height {
			log.Warnf("Block %v announced at height %d, found at "+
				"%d", block.Hash, height, candidate.Height)
		}
	})

	err = b.validator.Validate(candidate, prev)
	switch {
	case errors.Is(err, blockvalidator.ErrNoPreviousBlock):
		log.Debugf("Accepting %v without difficulty check: %v",
			candidate, err)

	case err != nil:
		b.rejected.Add(1)
		return fmt.Errorf("block %v rejected: %w", candidate, err)
	}

	if err := b.store.AddBlocks(candidate); err != nil {
		return fmt.Errorf("unable to store %v: %w", candidate, err)
	}
	b.validated.Add(1)

	log.Debugf("Accepted block %v with %d transactions", candidate,
		len(block.Transactions))

	if len(block.Transactions) == 0 {
		return nil
	}

	return b.processor.ProcessTransactions(
		block.Transactions, fn.Some(candidate.Height),
	)
}

// Validated returns the number of accepted blocks.
func (b *BlockSyncer) Validated() uint64 {
	return b.validated.Load()
}

// Rejected returns the number of blocks refused as invalid or orphaned.
func (b *BlockSyncer) Rejected() uint64 {
	return b.rejected.Load()
}

// BlockLocator returns the hashes describing our chain to a peer: the most
// recent blocks one by one, then exponentially sparser, ending with the
// genesis block.
func BlockLocator(store chainstore.Store) ([]chainhash.Hash, error) {
	tip, err := store.LastBlock()
	if err != nil {
		return nil, err
	}

	var (
		locator []chainhash.Hash
		step    int32 = 1
		height        = tip.Height
	)
	for height > 0 {
		block, err := store.BlockByHeight(height)
		switch {
		case errors.Is(err, chainstore.ErrBlockNotFound):
			height = 0
			continue

		case err != nil:
			return nil, err
		}

		locator = append(locator, block.Hash)
		if len(locator) >= locatorDenseSteps {
			step *= 2
		}
		height -= step
	}

	// Stores started from a checkpoint do not hold the genesis block.
	genesis, err := store.BlockByHeight(0)
	switch {
	case errors.Is(err, chainstore.ErrBlockNotFound):

	case err != nil:
		return nil, err

	case len(locator) == 0 || locator[len(locator)-1] != genesis.Hash:
		locator = append(locator, genesis.Hash)
	}

	return locator, nil
}

package tasks

import (
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/spvd/chainstore"
	"github.com/lightningnetwork/spvd/merkleblock"
	"github.com/lightningnetwork/spvd/peer"
	"github.com/lightningnetwork/spvd/spvwire"
)

// MerkleBlockIdleTime is how long a merkle block request may go without a
// response.
const MerkleBlockIdleTime = 5 * time.Second

// ErrMerkleBlockNotReceived is returned when a peer stops answering a merkle
// block request before delivering every block.
var ErrMerkleBlockNotReceived = errors.New("merkle blocks not received")

// MerkleBlockHandler consumes completed merkle blocks.
type MerkleBlockHandler interface {
	// HandleMerkleBlock processes a block whose matched transactions have
	// all been received. An error fails the task.
	HandleMerkleBlock(block *merkleblock.MerkleBlock) error
}

// GetMerkleBlocksTask downloads filtered blocks together with their matched
// transactions.
type GetMerkleBlocksTask struct {
	*peer.TaskBase

	handler   MerkleBlockHandler
	extractor *merkleblock.Extractor

	// markers are the blocks not yet handed to the handler.
	markers []chainstore.BlockHash

	// pending are the received blocks still waiting for transactions.
	pending []*merkleblock.MerkleBlock
}

// A compile-time check to ensure GetMerkleBlocksTask implements peer.Task.
var _ peer.Task = (*GetMerkleBlocksTask)(nil)

// NewGetMerkleBlocksTask creates a task fetching the blocks identified by the
// given markers.
func NewGetMerkleBlocksTask(markers []chainstore.BlockHash,
	handler MerkleBlockHandler, extractor *merkleblock.Extractor,
	clk clock.Clock) *GetMerkleBlocksTask {

	return &GetMerkleBlocksTask{
		TaskBase:  peer.NewTaskBase(MerkleBlockIdleTime, clk),
		handler:   handler,
		extractor: extractor,
		markers:   append([]chainstore.BlockHash(nil), markers...),
	}
}

// Start requests every block as a filtered block.
func (t *GetMerkleBlocksTask) Start(r peer.Requester) error {
	t.Assign(r)

	if len(t.markers) == 0 {
		t.Complete()
		return nil
	}

	items := make([]*wire.InvVect, 0, len(t.markers))
	for _, marker := range t.markers {
		items = append(items, peer.NewInvVect(
			wire.InvTypeFilteredBlock, marker.Hash,
		))
	}

	log.Debugf("Requesting %d merkle blocks from %v", len(items),
		r.Addr())

	return t.RequestData(items...)
}

// HandleMessage consumes the merkle blocks asked for and the transactions
// they match.
func (t *GetMerkleBlocksTask) HandleMessage(msg wire.Message) bool {
	switch m := msg.(type) {
	case *wire.MsgMerkleBlock:
		return t.handleMerkleBlock(m)

	case spvwire.Tx:
		return t.handleTransaction(m)
	}

	return false
}

func (t *GetMerkleBlocksTask) markerIndex(hash chainhash.Hash) int {
	for i, marker := range t.markers {
		if marker.Hash == hash {
			return i
		}
	}

	return -1
}

func (t *GetMerkleBlocksTask) handleMerkleBlock(
	msg *wire.MsgMerkleBlock) bool {

	hash := t.extractor.Hash(&msg.Header)
	idx := t.markerIndex(hash)
	if idx < 0 {
		return false
	}

	t.ResetTimer()

	// A retransmission of a block still waiting for transactions.
	for _, block := range t.pending {
		if block.Hash == hash {
			return true
		}
	}

	block, err := t.extractor.Extract(msg)
	if err != nil {
		t.Fail(fmt.Errorf("block %v: %w", hash, err))
		return true
	}

	if height := t.markers[idx].Height; height > 0 {
		block.Height = fn.Some(height)
	}

	if block.Complete() {
		t.finalize(block)
	} else {
		t.pending = append(t.pending, block)
	}

	return true
}

func (t *GetMerkleBlocksTask) handleTransaction(tx spvwire.Tx) bool {
	txHash := tx.TxHash()

	matched := false
	remaining := t.pending[:0]
	var completed []*merkleblock.MerkleBlock
	for _, block := range t.pending {
		if block.Expects(txHash) {
			block.AddTransaction(tx)
			matched = true
		}

		if block.Complete() {
			completed = append(completed, block)
		} else {
			remaining = append(remaining, block)
		}
	}
	t.pending = remaining

	if !matched {
		return false
	}

	t.ResetTimer()

	for _, block := range completed {
		t.finalize(block)
	}

	return true
}

// finalize hands a complete block to the handler and completes the task once
// nothing is outstanding.
func (t *GetMerkleBlocksTask) finalize(block *merkleblock.MerkleBlock) {
	if idx := t.markerIndex(block.Hash); idx >= 0 {
		t.markers = append(t.markers[:idx], t.markers[idx+1:]...)
	}

	if err := t.handler.HandleMerkleBlock(block); err != nil {
		t.Fail(fmt.Errorf("unable to handle block %v: %w", block.Hash,
			err))

		return
	}

	if len(t.markers) == 0 {
		t.Complete()
	}
}

// HandleTimeout completes the task if every block arrived and fails it
// otherwise.
func (t *GetMerkleBlocksTask) HandleTimeout() {
	if len(t.markers) == 0 {
		t.Complete()
		return
	}

	t.Fail(fmt.Errorf("%w: %d of them outstanding",
		ErrMerkleBlockNotReceived, len(t.markers)))
}

// Outstanding returns the markers of the blocks not handed to the handler
// yet.
func (t *GetMerkleBlocksTask) Outstanding() []chainstore.BlockHash {
	return append([]chainstore.BlockHash(nil), t.markers...)
}

package tasks

import (
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/spvd/peer"
)

const (
	// BlockHashesIdleTime is how long a getblocks request may go without
	// a useful answer.
	BlockHashesIdleTime = 5 * time.Second

	// maxBlocksPerInv is the most block hashes a node announces in answer
	// to getblocks.
	maxBlocksPerInv = 500
)

// GetBlockHashesTask asks a peer for the hashes of the blocks following a
// locator. It completes once an announcement carries as many new hashes as
// expected, or when the peer goes quiet.
type GetBlockHashesTask struct {
	*peer.TaskBase

	locator     []chainhash.Hash
	expectedMin int
	hashes      []chainhash.Hash
}

// A compile-time check to ensure GetBlockHashesTask implements peer.Task.
var _ peer.Task = (*GetBlockHashesTask)(nil)

// NewGetBlockHashesTask creates a task requesting the hashes following the
// locator. expected is the number of blocks the peer claims to have beyond
// our tip.
func NewGetBlockHashesTask(locator []chainhash.Hash, expected int32,
	clk clock.Clock) *GetBlockHashesTask {

	expectedMin := int(expected)
	switch {
	case expectedMin < 1:
		expectedMin = 1
	case expectedMin > maxBlocksPerInv:
		expectedMin = maxBlocksPerInv
	}

	return &GetBlockHashesTask{
		TaskBase:    peer.NewTaskBase(BlockHashesIdleTime, clk),
		locator:     append([]chainhash.Hash(nil), locator...),
		expectedMin: expectedMin,
	}
}

// Start sends the getblocks request.
func (t *GetBlockHashesTask) Start(r peer.Requester) error {
	t.Assign(r)

	msg := wire.NewMsgGetBlocks(&chainhash.Hash{})
	for i := range t.locator {
		if err := msg.AddBlockLocatorHash(&t.locator[i]); err != nil {
			return err
		}
	}

	return t.Send(msg)
}

// HandleMessage consumes nothing: hashes arrive as inventory.
func (t *GetBlockHashesTask) HandleMessage(_ wire.Message) bool {
	return false
}

func (t *GetBlockHashesTask) inLocator(hash chainhash.Hash) bool {
	for _, h := range t.locator {
		if h == hash {
			return true
		}
	}

	return false
}

// HandleInventory consumes announcements made only of blocks. The longest
// run of hashes beyond the locator wins.
func (t *GetBlockHashesTask) HandleInventory(items []*wire.InvVect) bool {
	if len(items) == 0 {
		return false
	}
	for _, item := range items {
		if item.Type != wire.InvTypeBlock {
			return false
		}
	}

	var fresh []chainhash.Hash
	for _, item := range items {
		if !t.inLocator(item.Hash) {
			fresh = append(fresh, item.Hash)
		}
	}

	// The peer echoed our own tip.
	if len(fresh) == 0 {
		return true
	}

	t.ResetTimer()

	if len(fresh) > len(t.hashes) {
		t.hashes = fresh
	}
	if len(t.hashes) >= t.expectedMin {
		t.Complete()
	}

	return true
}

// HandleTimeout completes the task with whatever hashes were received.
func (t *GetBlockHashesTask) HandleTimeout() {
	t.Complete()
}

// BlockHashes returns the received hashes in chain order.
func (t *GetBlockHashesTask) BlockHashes() []chainhash.Hash {
	return t.hashes
}

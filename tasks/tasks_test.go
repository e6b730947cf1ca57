package tasks

import (
	"errors"
	"testing"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/bloom"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/spvd/chainstore"
	"github.com/lightningnetwork/spvd/merkleblock"
	"github.com/lightningnetwork/spvd/peer"
	"github.com/lightningnetwork/spvd/spvwire"
	"github.com/stretchr/testify/require"
)

var testTime = time.Unix(1700000000, 0)

// fakeRequester records what a task sends.
type fakeRequester struct {
	sent []wire.Message
}

func (r *fakeRequester) Addr() string {
	return "fake:1"
}

func (r *fakeRequester) SendMessage(msg wire.Message) error {
	r.sent = append(r.sent, msg)
	return nil
}

func (r *fakeRequester) GetData(items ...*wire.InvVect) error {
	msg := wire.NewMsgGetData()
	for _, item := range items {
		if err := msg.AddInvVect(item); err != nil {
			return err
		}
	}

	return r.SendMessage(msg)
}

// recordingHandler collects the blocks handed to it.
type recordingHandler struct {
	blocks []*merkleblock.MerkleBlock
	err    error
}

func (h *recordingHandler) HandleMerkleBlock(
	block *merkleblock.MerkleBlock) error {

	h.blocks = append(h.blocks, block)
	return h.err
}

func testTx(seed uint32) *wire.MsgTx {
	tx := wire.NewMsgTx(1)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{
			Hash:  chainhash.Hash{byte(seed), byte(seed >> 8)},
			Index: seed,
		},
	})
	tx.AddTxOut(wire.NewTxOut(int64(seed)+1000, []byte{0x51}))

	return tx
}

// testMerkleBlock builds a block of txs and returns its merkle block
// matching either every transaction or none of them.
func testMerkleBlock(t *testing.T, nonce uint32, txs []*wire.MsgTx,
	matchAll bool) *wire.MsgMerkleBlock {

	t.Helper()

	utxs := make([]*btcutil.Tx, len(txs))
	for i, tx := range txs {
		utxs[i] = btcutil.NewTx(tx)
	}
	merkles := blockchain.BuildMerkleTreeStore(utxs, false)

	block := wire.NewMsgBlock(&wire.BlockHeader{
		Version:    1,
		MerkleRoot: *merkles[len(merkles)-1],
		Timestamp:  time.Unix(1600000000, 0),
		Bits:       0x207fffff,
		Nonce:      nonce,
	})
	for _, tx := range txs {
		require.NoError(t, block.AddTransaction(tx))
	}

	filter := bloom.NewFilter(10, 0, 0.0001, wire.BloomUpdateNone)
	if matchAll {
		for _, tx := range txs {
			hash := tx.TxHash()
			filter.AddHash(&hash)
		}
	}

	msg, _ := bloom.NewMerkleBlock(btcutil.NewBlock(block), filter)

	return msg
}

func marker(msg *wire.MsgMerkleBlock, height int32) chainstore.BlockHash {
	return chainstore.BlockHash{
		Hash:   msg.Header.BlockHash(),
		Height: height,
	}
}

// TestGetMerkleBlocksBatch checks blocks are handed over once all their
// matched transactions arrived, and blocks without matches right away.
func TestGetMerkleBlocksBatch(t *testing.T) {
	t.Parallel()

	tx1, tx2, other := testTx(1), testTx(2), testTx(3)
	full := testMerkleBlock(t, 1, []*wire.MsgTx{tx1, tx2}, true)
	empty := testMerkleBlock(t, 2, []*wire.MsgTx{testTx(4)}, false)

	handler := &recordingHandler{}
	task := NewGetMerkleBlocksTask(
		[]chainstore.BlockHash{marker(full, 10), marker(empty, 0)},
		handler, merkleblock.NewExtractor(1000000, nil),
		clock.NewTestClock(testTime),
	)

	r := &fakeRequester{}
	require.NoError(t, task.Start(r))
	require.Len(t, r.sent, 1)
	getData, ok := r.sent[0].(*wire.MsgGetData)
	require.True(t, ok)
	require.Len(t, getData.InvList, 2)
	for _, item := range getData.InvList {
		require.Equal(t, wire.InvTypeFilteredBlock, item.Type)
	}

	require.True(t, task.HandleMessage(full))
	require.Empty(t, handler.blocks)

	// A retransmitted block is swallowed.
	require.True(t, task.HandleMessage(full))

	require.False(t, task.HandleMessage(other))

	require.True(t, task.HandleMessage(tx2))
	require.Empty(t, handler.blocks)
	require.True(t, task.HandleMessage(tx1))
	require.Len(t, handler.blocks, 1)
	require.Equal(t, int32(10), handler.blocks[0].Height.UnwrapOr(0))
	require.Len(t, handler.blocks[0].Transactions, 2)
	require.Equal(t, peer.TaskPending, task.State())

	require.True(t, task.HandleMessage(empty))
	require.Len(t, handler.blocks, 2)
	require.True(t, handler.blocks[1].Height.IsNone())
	require.Equal(t, peer.TaskCompleted, task.State())
	require.Empty(t, task.Outstanding())
}

// TestGetMerkleBlocksUnrequested checks blocks that were not asked for are
// left to other tasks.
func TestGetMerkleBlocksUnrequested(t *testing.T) {
	t.Parallel()

	requested := testMerkleBlock(t, 1, []*wire.MsgTx{testTx(1)}, false)
	stray := testMerkleBlock(t, 2, []*wire.MsgTx{testTx(2)}, false)

	task := NewGetMerkleBlocksTask(
		[]chainstore.BlockHash{marker(requested, 5)},
		&recordingHandler{}, merkleblock.NewExtractor(1000000, nil),
		clock.NewTestClock(testTime),
	)
	require.NoError(t, task.Start(&fakeRequester{}))

	require.False(t, task.HandleMessage(stray))
	require.False(t, task.HandleMessage(wire.NewMsgPing(1)))
	require.Equal(t, peer.TaskPending, task.State())
}

// TestGetMerkleBlocksTimeout checks a silent peer fails the task while an
// empty request simply completes.
func TestGetMerkleBlocksTimeout(t *testing.T) {
	t.Parallel()

	clk := clock.NewTestClock(testTime)
	msg := testMerkleBlock(t, 1, []*wire.MsgTx{testTx(1)}, false)

	task := NewGetMerkleBlocksTask(
		[]chainstore.BlockHash{marker(msg, 5)}, &recordingHandler{},
		merkleblock.NewExtractor(1000000, nil), clk,
	)
	require.NoError(t, task.Start(&fakeRequester{}))

	clk.SetTime(testTime.Add(MerkleBlockIdleTime))
	peer.CheckTimeout(task)
	require.Equal(t, peer.TaskPending, task.State())

	clk.SetTime(testTime.Add(MerkleBlockIdleTime + time.Second))
	peer.CheckTimeout(task)
	require.Equal(t, peer.TaskFailed, task.State())
	require.ErrorIs(t, task.Err(), ErrMerkleBlockNotReceived)

	r := &fakeRequester{}
	empty := NewGetMerkleBlocksTask(
		nil, &recordingHandler{}, merkleblock.NewExtractor(1000000, nil),
		clk,
	)
	require.NoError(t, empty.Start(r))
	require.Empty(t, r.sent)
	require.Equal(t, peer.TaskCompleted, empty.State())
}

// TestGetMerkleBlocksFailures checks invalid blocks and handler errors fail
// the task.
func TestGetMerkleBlocksFailures(t *testing.T) {
	t.Parallel()

	invalid := testMerkleBlock(t, 1, []*wire.MsgTx{testTx(1)}, true)
	invalid.Hashes = append(invalid.Hashes, invalid.Hashes[0])

	task := NewGetMerkleBlocksTask(
		[]chainstore.BlockHash{marker(invalid, 5)}, &recordingHandler{},
		merkleblock.NewExtractor(1000000, nil),
		clock.NewTestClock(testTime),
	)
	require.NoError(t, task.Start(&fakeRequester{}))
	require.True(t, task.HandleMessage(invalid))
	require.Equal(t, peer.TaskFailed, task.State())
	require.ErrorIs(t, task.Err(), merkleblock.ErrInvalidMerkleBlock)

	errHandler := errors.New("handler failed")
	valid := testMerkleBlock(t, 2, []*wire.MsgTx{testTx(2)}, false)
	task = NewGetMerkleBlocksTask(
		[]chainstore.BlockHash{marker(valid, 5)},
		&recordingHandler{err: errHandler},
		merkleblock.NewExtractor(1000000, nil),
		clock.NewTestClock(testTime),
	)
	require.NoError(t, task.Start(&fakeRequester{}))
	require.True(t, task.HandleMessage(valid))
	require.Equal(t, peer.TaskFailed, task.State())
	require.ErrorIs(t, task.Err(), errHandler)
}

// TestGetBlockHashes checks the task collects the announced hashes beyond
// its locator.
func TestGetBlockHashes(t *testing.T) {
	t.Parallel()

	tip := chainhash.Hash{0xaa}
	task := NewGetBlockHashesTask(
		[]chainhash.Hash{tip}, 3, clock.NewTestClock(testTime),
	)

	r := &fakeRequester{}
	require.NoError(t, task.Start(r))
	getBlocks, ok := r.sent[0].(*wire.MsgGetBlocks)
	require.True(t, ok)
	require.Len(t, getBlocks.BlockLocatorHashes, 1)

	blockInv := func(hashes ...chainhash.Hash) []*wire.InvVect {
		var items []*wire.InvVect
		for _, h := range hashes {
			items = append(items, peer.NewInvVect(
				wire.InvTypeBlock, h,
			))
		}

		return items
	}

	// Transactions are not for us.
	require.False(t, task.HandleInventory([]*wire.InvVect{
		peer.NewInvVect(wire.InvTypeTx, chainhash.Hash{1}),
	}))

	// An echo of our tip is swallowed.
	require.True(t, task.HandleInventory(blockInv(tip)))
	require.Equal(t, peer.TaskPending, task.State())

	require.True(t, task.HandleInventory(blockInv(chainhash.Hash{1})))
	require.Equal(t, peer.TaskPending, task.State())

	hashes := []chainhash.Hash{{1}, {2}, {3}}
	require.True(t, task.HandleInventory(blockInv(hashes...)))
	require.Equal(t, peer.TaskCompleted, task.State())
	require.Equal(t, hashes, task.BlockHashes())
}

// TestRequestTransactions checks the task completes once every hash was
// either delivered or reported missing.
func TestRequestTransactions(t *testing.T) {
	t.Parallel()

	tx1, tx2 := testTx(1), testTx(2)
	task := NewRequestTransactionsTask(
		[]chainhash.Hash{tx1.TxHash(), tx2.TxHash()},
		clock.NewTestClock(testTime),
	)

	r := &fakeRequester{}
	require.NoError(t, task.Start(r))
	getData, ok := r.sent[0].(*wire.MsgGetData)
	require.True(t, ok)
	require.Len(t, getData.InvList, 2)

	require.False(t, task.HandleMessage(testTx(3)))
	require.True(t, task.HandleMessage(tx1))
	require.Equal(t, peer.TaskPending, task.State())

	notFound := wire.NewMsgNotFound()
	require.NoError(t, notFound.AddInvVect(
		peer.NewInvVect(wire.InvTypeTx, tx2.TxHash()),
	))
	require.True(t, task.HandleMessage(notFound))
	require.Equal(t, peer.TaskCompleted, task.State())
	require.Equal(t, []spvwire.Tx{tx1}, task.Transactions())
}

// TestForkTransactions checks transactions identified by their extended
// serialization complete merkle blocks and transaction requests.
func TestForkTransactions(t *testing.T) {
	t.Parallel()

	tx := &spvwire.DashTx{
		MsgTx:        *testTx(7),
		ExtraPayload: []byte{0x01, 0x02, 0x03},
	}
	tx.Version = 3 | 1<<16
	hash := tx.TxHash()
	require.NotEqual(t, tx.MsgTx.TxHash(), hash)

	// A single transaction block: the root is the transaction hash.
	msg := &wire.MsgMerkleBlock{
		Header: wire.BlockHeader{
			Version:    1,
			MerkleRoot: hash,
			Timestamp:  time.Unix(1600000000, 0),
			Bits:       0x207fffff,
		},
		Transactions: 1,
		Hashes:       []*chainhash.Hash{&hash},
		Flags:        []byte{0x01},
	}

	handler := &recordingHandler{}
	clk := clock.NewTestClock(testTime)
	blocks := NewGetMerkleBlocksTask(
		[]chainstore.BlockHash{marker(msg, 3)}, handler,
		merkleblock.NewExtractor(1000000, nil), clk,
	)
	require.NoError(t, blocks.Start(&fakeRequester{}))

	require.True(t, blocks.HandleMessage(msg))
	require.Empty(t, handler.blocks)

	// The base serialization hashes differently and is not expected.
	require.False(t, blocks.HandleMessage(&tx.MsgTx))

	require.True(t, blocks.HandleMessage(tx))
	require.Len(t, handler.blocks, 1)
	require.Equal(t, []spvwire.Tx{tx}, handler.blocks[0].Transactions)
	require.Equal(t, peer.TaskCompleted, blocks.State())

	request := NewRequestTransactionsTask([]chainhash.Hash{hash}, clk)
	require.NoError(t, request.Start(&fakeRequester{}))
	require.False(t, request.HandleMessage(&tx.MsgTx))
	require.True(t, request.HandleMessage(tx))
	require.Equal(t, peer.TaskCompleted, request.State())
	require.Equal(t, []spvwire.Tx{tx}, request.Transactions())
}

// TestSendTransaction checks the transaction is announced and served on
// request.
func TestSendTransaction(t *testing.T) {
	t.Parallel()

	tx := testTx(1)
	task := NewSendTransactionTask(tx, clock.NewTestClock(testTime))

	r := &fakeRequester{}
	require.NoError(t, task.Start(r))
	inv, ok := r.sent[0].(*wire.MsgInv)
	require.True(t, ok)
	require.Equal(t, tx.TxHash(), inv.InvList[0].Hash)

	require.False(t, task.HandleGetData(
		peer.NewInvVect(wire.InvTypeTx, chainhash.Hash{1}),
	))
	require.False(t, task.HandleGetData(
		peer.NewInvVect(wire.InvTypeBlock, tx.TxHash()),
	))
	require.True(t, task.HandleGetData(
		peer.NewInvVect(wire.InvTypeTx, tx.TxHash()),
	))

	require.Len(t, r.sent, 2)
	require.Equal(t, tx, r.sent[1])
	require.True(t, task.Sent())
	require.Equal(t, peer.TaskCompleted, task.State())
}

// TestRequestMasternodeListDiff checks only the diff answering the request
// completes the task and silence fails it.
func TestRequestMasternodeListDiff(t *testing.T) {
	t.Parallel()

	clk := clock.NewTestClock(testTime)
	base, target := chainhash.Hash{1}, chainhash.Hash{2}
	task := NewRequestMasternodeListDiffTask(base, target, clk)

	r := &fakeRequester{}
	require.NoError(t, task.Start(r))
	getDiff, ok := r.sent[0].(*spvwire.MsgGetMNListDiff)
	require.True(t, ok)
	require.Equal(t, base, getDiff.BaseBlockHash)
	require.Equal(t, target, getDiff.BlockHash)

	require.False(t, task.HandleMessage(&spvwire.MsgMNListDiff{
		BaseBlockHash: base,
		BlockHash:     chainhash.Hash{3},
	}))

	diff := &spvwire.MsgMNListDiff{BaseBlockHash: base, BlockHash: target}
	require.True(t, task.HandleMessage(diff))
	require.Equal(t, peer.TaskCompleted, task.State())
	require.Equal(t, diff, task.Diff())

	silent := NewRequestMasternodeListDiffTask(base, target, clk)
	require.NoError(t, silent.Start(r))
	clk.SetTime(testTime.Add(MasternodeListDiffIdleTime + time.Second))
	peer.CheckTimeout(silent)
	require.Equal(t, peer.TaskFailed, silent.State())
	require.ErrorIs(t, silent.Err(), ErrMasternodeListDiffNotReceived)
}

// TestRequestInstantLocks checks the task completes once every requested
// lock arrived.
func TestRequestInstantLocks(t *testing.T) {
	t.Parallel()

	lock1 := &spvwire.MsgISLock{
		Inputs: []wire.OutPoint{{Index: 1}},
		TxHash: chainhash.Hash{1},
	}
	lock2 := &spvwire.MsgISLock{
		Inputs: []wire.OutPoint{{Index: 2}},
		TxHash: chainhash.Hash{2},
	}

	task := NewRequestInstantLocksTask(
		[]chainhash.Hash{lock1.Hash(), lock2.Hash()},
		clock.NewTestClock(testTime),
	)

	r := &fakeRequester{}
	require.NoError(t, task.Start(r))
	getData, ok := r.sent[0].(*wire.MsgGetData)
	require.True(t, ok)
	require.Equal(t, spvwire.InvTypeISLock, getData.InvList[0].Type)

	require.True(t, task.HandleMessage(lock2))
	require.False(t, task.HandleMessage(lock2))
	require.Equal(t, peer.TaskPending, task.State())

	require.True(t, task.HandleMessage(lock1))
	require.Equal(t, peer.TaskCompleted, task.State())
	require.Len(t, task.Locks(), 2)
}

package masternode

import (
	"bytes"
	"encoding/binary"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/spvd/chainstore"
	"github.com/lightningnetwork/spvd/merkleblock"
	"github.com/lightningnetwork/spvd/peer"
	"github.com/lightningnetwork/spvd/spvwire"
	"github.com/lightningnetwork/spvd/tasks"
	"github.com/stretchr/testify/require"
)

var testTime = time.Unix(1700000000, 0)

func testEntry(seed byte) spvwire.SMLEntry {
	return spvwire.SMLEntry{
		ProRegTxHash:  chainhash.Hash{seed, 0x01},
		ConfirmedHash: chainhash.Hash{seed, 0x02},
		IPAddress:     net.ParseIP("10.0.0.1"),
		Port:          9999,
		IsValid:       true,
	}
}

// coinbaseTx builds a fork coinbase committing to the given list root.
func coinbaseTx(height uint32, root chainhash.Hash) spvwire.DashTx {
	var payload bytes.Buffer
	_ = binary.Write(&payload, binary.LittleEndian, uint16(1))
	_ = binary.Write(&payload, binary.LittleEndian, height)
	payload.Write(root[:])

	tx := spvwire.DashTx{ExtraPayload: payload.Bytes()}
	tx.Version = 3 | 5<<16
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Index: wire.MaxPrevOutIndex},
	})
	tx.AddTxOut(wire.NewTxOut(50, []byte{0x51}))

	return tx
}

// testDiff creates a diff from base whose target block only holds the
// coinbase, and stores that block at height.
func testDiff(t *testing.T, store *chainstore.MemStore, height int32,
	base chainhash.Hash, resulting []spvwire.SMLEntry,
	deleted []chainhash.Hash,
	added []spvwire.SMLEntry) *spvwire.MsgMNListDiff {

	t.Helper()

	coinbase := coinbaseTx(uint32(height), ListMerkleRoot(resulting))
	coinbaseHash := coinbase.TxHash()

	block := chainstore.NewBlock(wire.BlockHeader{
		Version:    1,
		MerkleRoot: coinbaseHash,
		Timestamp:  time.Unix(1600000000+int64(height), 0),
		Bits:       0x207fffff,
	}, height)
	require.NoError(t, store.AddBlocks(block))

	return &spvwire.MsgMNListDiff{
		BaseBlockHash:     base,
		BlockHash:         block.Hash,
		TotalTransactions: 1,
		MerkleHashes:      []chainhash.Hash{coinbaseHash},
		MerkleFlags:       []byte{0x01},
		CoinbaseTx:        coinbase,
		DeletedMNs:        deleted,
		MNList:            added,
	}
}

// TestUpdateList checks diffs are applied on top of the confirmed list and
// the result survives a restart.
func TestUpdateList(t *testing.T) {
	t.Parallel()

	store := chainstore.NewMemStore()
	manager, err := NewListManager(store)
	require.NoError(t, err)
	require.Equal(t, chainhash.Hash{}, manager.BaseBlockHash())

	a, b, c := testEntry(3), testEntry(1), testEntry(2)

	first := testDiff(
		t, store, 1, chainhash.Hash{}, []spvwire.SMLEntry{b, a}, nil,
		[]spvwire.SMLEntry{a, b},
	)
	require.NoError(t, manager.UpdateList(first))
	require.Equal(t, first.BlockHash, manager.BaseBlockHash())
	require.Equal(t, []spvwire.SMLEntry{b, a}, manager.Masternodes())

	second := testDiff(
		t, store, 2, first.BlockHash, []spvwire.SMLEntry{b, c},
		[]chainhash.Hash{a.ProRegTxHash}, []spvwire.SMLEntry{c},
	)
	require.NoError(t, manager.UpdateList(second))
	require.Equal(t, second.BlockHash, manager.BaseBlockHash())
	require.Equal(t, []spvwire.SMLEntry{b, c}, manager.Masternodes())

	restored, err := NewListManager(store)
	require.NoError(t, err)
	require.Equal(t, second.BlockHash, restored.BaseBlockHash())
	require.Equal(t, manager.Masternodes(), restored.Masternodes())
}

// TestUpdateListInvalid checks every rejected diff leaves the confirmed list
// untouched and reports a validation error.
func TestUpdateListInvalid(t *testing.T) {
	t.Parallel()

	entry := testEntry(1)
	list := []spvwire.SMLEntry{entry}

	tests := []struct {
		name   string
		mutate func(diff *spvwire.MsgMNListDiff)
		err    error
	}{
		{
			name: "wrong base",
			mutate: func(diff *spvwire.MsgMNListDiff) {
				diff.BaseBlockHash = chainhash.Hash{0xff}
			},
			err: ErrBaseMismatch,
		},
		{
			name: "root mismatch",
			mutate: func(diff *spvwire.MsgMNListDiff) {
				diff.MNList = nil
			},
			err: ErrMerkleRootMismatch,
		},
		{
			name: "broken proof",
			mutate: func(diff *spvwire.MsgMNListDiff) {
				diff.MerkleHashes = []chainhash.Hash{{0xee}}
			},
			err: merkleblock.ErrInvalidMerkleBlock,
		},
		{
			name: "coinbase not matched",
			mutate: func(diff *spvwire.MsgMNListDiff) {
				diff.MerkleFlags = []byte{0x00}
			},
			err: ErrCoinbaseNotProven,
		},
	}

	for _, test := range tests {
		store := chainstore.NewMemStore()
		manager, err := NewListManager(store)
		require.NoError(t, err)

		diff := testDiff(
			t, store, 1, chainhash.Hash{}, list, nil, list,
		)
		test.mutate(diff)

		err = manager.UpdateList(diff)

		var validationErr *ValidationError
		require.ErrorAs(t, err, &validationErr, test.name)
		require.ErrorIs(t, err, test.err, test.name)
		require.Equal(t, chainhash.Hash{}, manager.BaseBlockHash())
		require.Empty(t, manager.Masternodes(), test.name)

		_, err = store.FetchMeta(listMetaKey)
		require.ErrorIs(t, err, chainstore.ErrMetaNotFound)
	}
}

// TestListMerkleRoot checks the odd leaf is paired with itself.
func TestListMerkleRoot(t *testing.T) {
	t.Parallel()

	require.Equal(t, chainhash.Hash{}, ListMerkleRoot(nil))

	a, b, c := testEntry(1), testEntry(2), testEntry(3)
	require.Equal(t, a.Hash(), ListMerkleRoot([]spvwire.SMLEntry{a}))

	pair := func(l, r chainhash.Hash) chainhash.Hash {
		return chainhash.DoubleHashH(append(l[:], r[:]...))
	}

	want := pair(
		pair(a.Hash(), b.Hash()), pair(c.Hash(), c.Hash()),
	)
	require.Equal(t, want, ListMerkleRoot([]spvwire.SMLEntry{a, b, c}))
}

type fakeRequester struct{}

func (fakeRequester) Addr() string                   { return "fake:1" }
func (fakeRequester) SendMessage(wire.Message) error { return nil }
func (fakeRequester) GetData(...*wire.InvVect) error { return nil }

type fakeSession struct {
	tasks  []peer.Task
	closed error
}

func (s *fakeSession) Addr() string     { return "10.0.0.1:9999" }
func (s *fakeSession) Ready() bool      { return s.closed == nil }
func (s *fakeSession) LastBlock() int32 { return 100 }
func (s *fakeSession) Close(err error)  { s.closed = err }

func (s *fakeSession) AddTask(t peer.Task) error {
	s.tasks = append(s.tasks, t)
	return nil
}

type fakeScheduler struct {
	tasks []peer.Task
}

func (s *fakeScheduler) AddTask(t peer.Task) error {
	s.tasks = append(s.tasks, t)
	return nil
}

func completedDiffTask(t *testing.T,
	diff *spvwire.MsgMNListDiff) *tasks.RequestMasternodeListDiffTask {

	task := tasks.NewRequestMasternodeListDiffTask(
		diff.BaseBlockHash, diff.BlockHash, clock.NewTestClock(testTime),
	)
	require.NoError(t, task.Start(fakeRequester{}))
	require.True(t, task.HandleMessage(diff))

	return task
}

// TestSyncer checks valid diffs are applied and invalid ones get their peer
// disconnected and are requested again from the confirmed list.
func TestSyncer(t *testing.T) {
	t.Parallel()

	store := chainstore.NewMemStore()
	manager, err := NewListManager(store)
	require.NoError(t, err)

	scheduler := &fakeScheduler{}
	syncer := NewSyncer(scheduler, manager, clock.NewTestClock(testTime))

	list := []spvwire.SMLEntry{testEntry(1)}
	diff := testDiff(t, store, 1, chainhash.Hash{}, list, nil, list)

	require.NoError(t, syncer.Sync(diff.BlockHash))
	require.Len(t, scheduler.tasks, 1)
	request, ok := scheduler.tasks[0].(*tasks.RequestMasternodeListDiffTask)
	require.True(t, ok)
	require.Equal(t, chainhash.Hash{}, request.BaseBlockHash())
	require.Equal(t, diff.BlockHash, request.BlockHash())

	// Tasks of other kinds are left to other handlers.
	sess := &fakeSession{}
	other := tasks.NewRequestInstantLocksTask(
		nil, clock.NewTestClock(testTime),
	)
	require.False(t, syncer.OnTaskCompleted(sess, other))

	// A diff with a bad proof costs the peer its connection.
	bad := *diff
	bad.MerkleFlags = []byte{0x00}
	require.True(t, syncer.OnTaskCompleted(sess, completedDiffTask(t, &bad)))
	require.Error(t, sess.closed)
	require.Len(t, scheduler.tasks, 2)
	retry, ok := scheduler.tasks[1].(*tasks.RequestMasternodeListDiffTask)
	require.True(t, ok)
	require.Equal(t, chainhash.Hash{}, retry.BaseBlockHash())
	require.Equal(t, diff.BlockHash, retry.BlockHash())

	good := &fakeSession{}
	require.True(t, syncer.OnTaskCompleted(good, completedDiffTask(t, diff)))
	require.NoError(t, good.closed)
	require.Equal(t, diff.BlockHash, manager.BaseBlockHash())
	require.Len(t, scheduler.tasks, 2)
}

// flakyLists fails the first updates it is asked to apply with a local
// error.
type flakyLists struct {
	base     chainhash.Hash
	failures int
	applied  []chainhash.Hash
}

func (l *flakyLists) BaseBlockHash() chainhash.Hash {
	return l.base
}

func (l *flakyLists) UpdateList(diff *spvwire.MsgMNListDiff) error {
	if l.failures > 0 {
		l.failures--
		return errors.New("unable to persist masternode list")
	}

	l.applied = append(l.applied, diff.BlockHash)
	l.base = diff.BlockHash

	return nil
}

// TestSyncerRetriesFailedUpdate checks a diff that could not be applied for a
// local reason is requested again without blaming the peer.
func TestSyncerRetriesFailedUpdate(t *testing.T) {
	t.Parallel()

	base := chainhash.Hash{0x01}
	target := chainhash.Hash{0x02}
	lists := &flakyLists{base: base, failures: 1}
	scheduler := &fakeScheduler{}
	syncer := NewSyncer(scheduler, lists, clock.NewTestClock(testTime))

	diff := &spvwire.MsgMNListDiff{BaseBlockHash: base, BlockHash: target}

	sess := &fakeSession{}
	require.True(t, syncer.OnTaskCompleted(sess, completedDiffTask(t, diff)))
	require.NoError(t, sess.closed)
	require.Empty(t, lists.applied)

	require.Len(t, scheduler.tasks, 1)
	retry, ok := scheduler.tasks[0].(*tasks.RequestMasternodeListDiffTask)
	require.True(t, ok)
	require.Equal(t, base, retry.BaseBlockHash())
	require.Equal(t, target, retry.BlockHash())

	require.True(t, syncer.OnTaskCompleted(sess, completedDiffTask(t, diff)))
	require.Equal(t, []chainhash.Hash{target}, lists.applied)
	require.Len(t, scheduler.tasks, 1)
}

type recordingProcessor struct {
	locks []*spvwire.MsgISLock
}

func (p *recordingProcessor) ProcessInstantLocks(locks []*spvwire.MsgISLock) {
	p.locks = append(p.locks, locks...)
}

// TestInstantLockHandler checks announced locks are requested from the
// announcing peer and forwarded once received.
func TestInstantLockHandler(t *testing.T) {
	t.Parallel()

	processor := &recordingProcessor{}
	handler := NewInstantLockHandler(
		processor, clock.NewTestClock(testTime),
	)

	lock := &spvwire.MsgISLock{
		Inputs: []wire.OutPoint{{Index: 7}},
		TxHash: chainhash.Hash{7},
	}

	sess := &fakeSession{}
	handler.handleInventory(sess, []*wire.InvVect{
		peer.NewInvVect(wire.InvTypeTx, chainhash.Hash{1}),
	})
	require.Empty(t, sess.tasks)

	handler.handleInventory(sess, []*wire.InvVect{
		peer.NewInvVect(wire.InvTypeTx, chainhash.Hash{1}),
		peer.NewInvVect(spvwire.InvTypeISLock, lock.Hash()),
	})
	require.Len(t, sess.tasks, 1)

	task, ok := sess.tasks[0].(*tasks.RequestInstantLocksTask)
	require.True(t, ok)
	require.NoError(t, task.Start(fakeRequester{}))
	require.True(t, task.HandleMessage(lock))
	require.Equal(t, peer.TaskCompleted, task.State())

	require.False(t, handler.OnTaskCompleted(sess, &fakeTask{}))
	require.True(t, handler.OnTaskCompleted(sess, task))
	require.Equal(t, []*spvwire.MsgISLock{lock}, processor.locks)
}

type fakeTask struct {
	peer.Task
}

package masternode

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/spvd/chainstore"
	"github.com/lightningnetwork/spvd/merkleblock"
	"github.com/lightningnetwork/spvd/spvwire"
)

// listMetaKey is the store meta key of the confirmed masternode list.
const listMetaKey = "masternode-list"

var (
	// ErrBaseMismatch is returned when a diff does not start at the
	// confirmed list.
	ErrBaseMismatch = errors.New("diff base does not match confirmed list")

	// ErrMerkleRootMismatch is returned when the list obtained from a diff
	// does not hash to the root committed in the coinbase.
	ErrMerkleRootMismatch = errors.New("masternode list merkle root " +
		"mismatch")

	// ErrCoinbaseNotProven is returned when the coinbase transaction of a
	// diff is not proven by its partial merkle tree.
	ErrCoinbaseNotProven = errors.New("coinbase not proven by merkle tree")
)

// ValidationError is returned when a diff received from a peer is invalid.
// The peer that sent it should not be trusted.
type ValidationError struct {
	Err error
}

// Error returns a human readable description of the failure.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("masternode list validation failed: %v", e.Err)
}

// Unwrap returns the underlying error.
func (e *ValidationError) Unwrap() error {
	return e.Err
}

func validationErr(format string, args ...interface{}) error {
	return &ValidationError{Err: fmt.Errorf(format, args...)}
}

// ListManager holds the confirmed simplified masternode list and applies
// diffs to it.
type ListManager struct {
	store chainstore.Store

	mtx           sync.RWMutex
	baseBlockHash chainhash.Hash
	masternodes   map[chainhash.Hash]spvwire.SMLEntry
}

// NewListManager creates a manager restoring the last confirmed list from
// store. Without a stored list the manager starts empty at the zero hash.
func NewListManager(store chainstore.Store) (*ListManager, error) {
	m := &ListManager{
		store:       store,
		masternodes: make(map[chainhash.Hash]spvwire.SMLEntry),
	}

	raw, err := store.FetchMeta(listMetaKey)
	switch {
	case errors.Is(err, chainstore.ErrMetaNotFound):
		return m, nil

	case err != nil:
		return nil, err
	}

	if err := m.decode(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("unable to decode masternode list: %w",
			err)
	}

	log.Infof("Restored masternode list with %d entries at %v",
		len(m.masternodes), m.baseBlockHash)

	return m, nil
}

// BaseBlockHash returns the hash of the block the confirmed list belongs to.
func (m *ListManager) BaseBlockHash() chainhash.Hash {
	m.mtx.RLock()
	defer m.mtx.RUnlock()

	return m.baseBlockHash
}

// Masternodes returns the confirmed list sorted by registration hash.
func (m *ListManager) Masternodes() []spvwire.SMLEntry {
	m.mtx.RLock()
	defer m.mtx.RUnlock()

	return sortedEntries(m.masternodes)
}

// UpdateList validates diff against the confirmed list and the stored
// header of its target block, then makes the resulting list the confirmed
// one. Failures caused by the content of the diff are *ValidationError.
func (m *ListManager) UpdateList(diff *spvwire.MsgMNListDiff) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if diff.BaseBlockHash != m.baseBlockHash {
		return &ValidationError{Err: fmt.Errorf("%w: have %v, got %v",
			ErrBaseMismatch, m.baseBlockHash, diff.BaseBlockHash)}
	}

	updated := make(
		map[chainhash.Hash]spvwire.SMLEntry, len(m.masternodes),
	)
	for hash, entry := range m.masternodes {
		updated[hash] = entry
	}
	for _, hash := range diff.DeletedMNs {
		delete(updated, hash)
	}
	for _, entry := range diff.MNList {
		updated[entry.ProRegTxHash] = entry
	}

	entries := sortedEntries(updated)

	payload, err := diff.CoinbaseTx.CoinbasePayload()
	if err != nil {
		return validationErr("invalid coinbase payload: %w", err)
	}

	root := ListMerkleRoot(entries)
	if root != payload.MerkleRootMNList {
		return &ValidationError{Err: fmt.Errorf("%w: computed %v, "+
			"committed %v", ErrMerkleRootMismatch, root,
			payload.MerkleRootMNList)}
	}

	block, err := m.store.BlockByHash(&diff.BlockHash)
	if err != nil {
		return fmt.Errorf("unable to fetch block %v: %w",
			diff.BlockHash, err)
	}

	hashes := make([]*chainhash.Hash, len(diff.MerkleHashes))
	for i := range diff.MerkleHashes {
		hashes[i] = &diff.MerkleHashes[i]
	}
	matched, err := merkleblock.ExtractMatches(
		diff.TotalTransactions, hashes, diff.MerkleFlags,
		block.Header.MerkleRoot,
	)
	if err != nil {
		return validationErr("invalid coinbase proof: %w", err)
	}

	coinbaseHash := diff.CoinbaseTx.TxHash()
	if len(matched) == 0 || matched[0] != coinbaseHash {
		return &ValidationError{Err: fmt.Errorf("%w: %v",
			ErrCoinbaseNotProven, coinbaseHash)}
	}

	var buf bytes.Buffer
	if err := encodeList(&buf, diff.BlockHash, entries); err != nil {
		return err
	}
	if err := m.store.PutMeta(listMetaKey, buf.Bytes()); err != nil {
		return fmt.Errorf("unable to store masternode list: %w", err)
	}

	log.Infof("Masternode list updated to %v: %d entries, %d removed, "+
		"%d added or changed", diff.BlockHash, len(updated),
		len(diff.DeletedMNs), len(diff.MNList))

	m.baseBlockHash = diff.BlockHash
	m.masternodes = updated

	return nil
}

// ListMerkleRoot returns the merkle root of the list, with the entry hashes
// as leaves in the given order. An empty list hashes to the zero hash.
func ListMerkleRoot(entries []spvwire.SMLEntry) chainhash.Hash {
	if len(entries) == 0 {
		return chainhash.Hash{}
	}

	level := make([]chainhash.Hash, len(entries))
	for i := range entries {
		level[i] = entries[i].Hash()
	}

	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}

		next := make([]chainhash.Hash, 0, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			var buf [chainhash.HashSize * 2]byte
			copy(buf[:chainhash.HashSize], level[i][:])
			copy(buf[chainhash.HashSize:], level[i+1][:])
			next = append(next, chainhash.DoubleHashH(buf[:]))
		}
		level = next
	}

	return level[0]
}

// sortedEntries returns the entries ordered by their registration hash in
// internal byte order.
func sortedEntries(
	masternodes map[chainhash.Hash]spvwire.SMLEntry) []spvwire.SMLEntry {

	entries := make([]spvwire.SMLEntry, 0, len(masternodes))
	for _, entry := range masternodes {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		return bytes.Compare(
			entries[i].ProRegTxHash[:], entries[j].ProRegTxHash[:],
		) < 0
	})

	return entries
}

// encodeList serializes a list as block hash || varint count || entries.
func encodeList(w io.Writer, blockHash chainhash.Hash,
	entries []spvwire.SMLEntry) error {

	if _, err := w.Write(blockHash[:]); err != nil {
		return err
	}
	err := wire.WriteVarInt(w, wire.ProtocolVersion, uint64(len(entries)))
	if err != nil {
		return err
	}
	for i := range entries {
		if err := entries[i].Serialize(w); err != nil {
			return err
		}
	}

	return nil
}

func (m *ListManager) decode(r io.Reader) error {
	if _, err := io.ReadFull(r, m.baseBlockHash[:]); err != nil {
		return err
	}

	count, err := wire.ReadVarInt(r, wire.ProtocolVersion)
	if err != nil {
		return err
	}
	for i := uint64(0); i < count; i++ {
		var entry spvwire.SMLEntry
		if err := entry.Deserialize(r); err != nil {
			return err
		}
		m.masternodes[entry.ProRegTxHash] = entry
	}

	return nil
}

package chainstore

import (
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// MemStore is an in-memory Store. It is used for tests and for short-lived
// regtest sessions.
type MemStore struct {
	mu       sync.RWMutex
	byHeight map[int32]*Block
	byHash   map[chainhash.Hash]*Block
	meta     map[string][]byte
	tip      *Block
}

// A compile-time check to ensure MemStore implements the Store interface.
var _ Store = (*MemStore)(nil)

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		byHeight: make(map[int32]*Block),
		byHash:   make(map[chainhash.Hash]*Block),
		meta:     make(map[string][]byte),
	}
}

// BlockByHeight returns the block at the given height.
func (m *MemStore) BlockByHeight(height int32) (*Block, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	block, ok := m.byHeight[height]
	if !ok {
		return nil, ErrBlockNotFound
	}

	return block, nil
}

// BlockByHash returns the block with the given header hash.
func (m *MemStore) BlockByHash(hash *chainhash.Hash) (*Block, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	block, ok := m.byHash[*hash]
	if !ok {
		return nil, ErrBlockNotFound
	}

	return block, nil
}

// PreviousChunk returns up to count blocks ending at and including
// endHeight, ordered by ascending height.
func (m *MemStore) PreviousChunk(endHeight int32, count int) ([]*Block,
	error) {

	m.mu.RLock()
	defer m.mu.RUnlock()

	chunk := make([]*Block, 0, count)
	for h := chunkStart(endHeight, count); h <= endHeight; h++ {
		block, ok := m.byHeight[h]
		if !ok {
			// Only a contiguous run ending at endHeight is useful
			// to callers, so restart on gaps.
			chunk = chunk[:0]
			continue
		}
		chunk = append(chunk, block)
	}

	return chunk, nil
}

// LastBlock returns the block with the greatest height.
func (m *MemStore) LastBlock() (*Block, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.tip == nil {
		return nil, ErrEmptyChain
	}

	return m.tip, nil
}

// AddBlocks stores the given blocks.
func (m *MemStore) AddBlocks(blocks ...*Block) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, block := range blocks {
		if old, ok := m.byHeight[block.Height]; ok {
			delete(m.byHash, old.Hash)
		}
		m.byHeight[block.Height] = block
		m.byHash[block.Hash] = block

		if m.tip == nil || block.Height >= m.tip.Height {
			m.tip = block
		}
	}

	return nil
}

// PutMeta stores an opaque value under key.
func (m *MemStore) PutMeta(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.meta[key] = append([]byte(nil), value...)

	return nil
}

// FetchMeta returns the value stored under key.
func (m *MemStore) FetchMeta(key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	value, ok := m.meta[key]
	if !ok {
		return nil, ErrMetaNotFound
	}

	return append([]byte(nil), value...), nil
}

package chainstore

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.etcd.io/bbolt"
)

const (
	// DBFilename is the name of the database file within the data
	// directory.
	DBFilename = "headers.db"

	// DefaultCacheSize is the number of headers kept in the read cache.
	// It comfortably covers the largest validator window.
	DefaultCacheSize = 2016 * 2

	dbFilePermission = 0600
)

var (
	// headerBucket maps big-endian heights to encoded blocks.
	headerBucket = []byte("headers")

	// hashIndexBucket maps header hashes to big-endian heights.
	hashIndexBucket = []byte("hash-index")

	// metaBucket stores opaque values for other subsystems, such as the
	// confirmed masternode list.
	metaBucket = []byte("meta")
)

// BoltStore is a Store backed by a bbolt database with an LRU cache in front
// of header reads.
type BoltStore struct {
	db    *bbolt.DB
	cache *lru.Cache[int32, *Block]
}

// A compile-time check to ensure BoltStore implements the Store interface.
var _ Store = (*BoltStore)(nil)

// OpenBoltStore opens, or creates, the header database in dbDir.
func OpenBoltStore(dbDir string, cacheSize int) (*BoltStore, error) {
	if err := os.MkdirAll(dbDir, 0700); err != nil {
		return nil, err
	}

	dbPath := filepath.Join(dbDir, DBFilename)
	db, err := bbolt.Open(dbPath, dbFilePermission, &bbolt.Options{
		Timeout: time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("unable to open %v: %w", dbPath, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		buckets := [][]byte{headerBucket, hashIndexBucket, metaBucket}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	cache, err := lru.New[int32, *Block](cacheSize)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	log.Infof("Opened header store at %v", dbPath)

	return &BoltStore{
		db:    db,
		cache: cache,
	}, nil
}

// Close closes the underlying database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func heightKey(height int32) []byte {
	var key [4]byte
	byteOrder.PutUint32(key[:], uint32(height))

	return key[:]
}

// BlockByHeight returns the block at the given height.
func (s *BoltStore) BlockByHeight(height int32) (*Block, error) {
	if block, ok := s.cache.Get(height); ok {
		return block, nil
	}

	var block *Block
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(headerBucket).Get(heightKey(height))
		if v == nil {
			return ErrBlockNotFound
		}

		var err error
		block, err = deserializeBlock(v)

		return err
	})
	if err != nil {
		return nil, err
	}

	s.cache.Add(height, block)

	return block, nil
}

// BlockByHash returns the block with the given header hash.
func (s *BoltStore) BlockByHash(hash *chainhash.Hash) (*Block, error) {
	var height int32
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(hashIndexBucket).Get(hash[:])
		if v == nil {
			return ErrBlockNotFound
		}
		height = int32(byteOrder.Uint32(v))

		return nil
	})
	if err != nil {
		return nil, err
	}

	return s.BlockByHeight(height)
}

// PreviousChunk returns up to count blocks ending at and including
// endHeight, ordered by ascending height.
func (s *BoltStore) PreviousChunk(endHeight int32, count int) ([]*Block,
	error) {

	chunk := make([]*Block, 0, count)
	for h := chunkStart(endHeight, count); h <= endHeight; h++ {
		block, err := s.BlockByHeight(h)
		switch {
		case errors.Is(err, ErrBlockNotFound):
			chunk = chunk[:0]
			continue

		case err != nil:
			return nil, err
		}

		chunk = append(chunk, block)
	}

	return chunk, nil
}

// LastBlock returns the block with the greatest height.
func (s *BoltStore) LastBlock() (*Block, error) {
	var block *Block
	err := s.db.View(func(tx *bbolt.Tx) error {
		_, v := tx.Bucket(headerBucket).Cursor().Last()
		if v == nil {
			return ErrEmptyChain
		}

		var err error
		block, err = deserializeBlock(v)

		return err
	})
	if err != nil {
		return nil, err
	}

	return block, nil
}

// AddBlocks stores the given blocks in a single transaction.
func (s *BoltStore) AddBlocks(blocks ...*Block) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		headers := tx.Bucket(headerBucket)
		index := tx.Bucket(hashIndexBucket)

		for _, block := range blocks {
			key := heightKey(block.Height)

			// Drop the index entry of a block we are replacing.
			if old := headers.Get(key); old != nil {
				oldBlock, err := deserializeBlock(old)
				if err != nil {
					return err
				}
				if err := index.Delete(oldBlock.Hash[:]); err != nil {
					return err
				}
			}

			v, err := serializeBlock(block)
			if err != nil {
				return err
			}
			if err := headers.Put(key, v); err != nil {
				return err
			}
			if err := index.Put(block.Hash[:], key); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return err
	}

	for _, block := range blocks {
		s.cache.Add(block.Height, block)
	}

	return nil
}

// PutMeta stores an opaque value under key.
func (s *BoltStore) PutMeta(key string, value []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(metaBucket).Put([]byte(key), value)
	})
}

// FetchMeta returns the value stored under key.
func (s *BoltStore) FetchMeta(key string) ([]byte, error) {
	var value []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(metaBucket).Get([]byte(key))
		if v == nil {
			return ErrMetaNotFound
		}
		value = bytes.Clone(v)

		return nil
	})

	return value, err
}

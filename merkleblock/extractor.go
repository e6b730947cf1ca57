package merkleblock

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// minTxSize is the smallest possible serialized transaction. It bounds the
// number of transactions a block of a given size can hold.
const minTxSize = 60

// ErrInvalidMerkleBlock is returned when a merkle block is not a valid
// partial merkle tree of its header.
var ErrInvalidMerkleBlock = errors.New("invalid merkle block")

// HeaderHasher computes the identifying hash of a block header.
type HeaderHasher func(header *wire.BlockHeader) chainhash.Hash

// DoubleSHA256 identifies a header by the double-SHA256 of its serialization.
func DoubleSHA256(header *wire.BlockHeader) chainhash.Hash {
	return header.BlockHash()
}

// Extractor verifies merkle blocks and extracts the transaction hashes they
// match.
type Extractor struct {
	maxBlockSize uint32
	hasher       HeaderHasher
}

// NewExtractor creates an extractor for a network whose blocks are at most
// maxBlockSize bytes.
func NewExtractor(maxBlockSize uint32, hasher HeaderHasher) *Extractor {
	if hasher == nil {
		hasher = DoubleSHA256
	}

	return &Extractor{
		maxBlockSize: maxBlockSize,
		hasher:       hasher,
	}
}

// Hash returns the identifying hash of a header.
func (e *Extractor) Hash(header *wire.BlockHeader) chainhash.Hash {
	return e.hasher(header)
}

// Extract verifies the partial merkle tree of msg against its header and
// returns a MerkleBlock expecting the matched transactions.
func (e *Extractor) Extract(msg *wire.MsgMerkleBlock) (*MerkleBlock, error) {
	if msg.Transactions > e.maxBlockSize/minTxSize {
		return nil, fmt.Errorf("%w: %d transactions exceed block size",
			ErrInvalidMerkleBlock, msg.Transactions)
	}

	matched, err := ExtractMatches(
		msg.Transactions, msg.Hashes, msg.Flags, msg.Header.MerkleRoot,
	)
	if err != nil {
		return nil, err
	}

	return newMerkleBlock(msg.Header, e.hasher(&msg.Header), matched), nil
}

// partialTree walks a partial merkle tree depth first.
type partialTree struct {
	total   uint32
	hashes  []*chainhash.Hash
	flags   []byte
	bitsUse uint32
	hashUse int
	matched []chainhash.Hash
}

// treeDepth returns the height of a merkle tree over n leaves.
func treeDepth(n uint32) (e uint8) {
	for ; (uint64(1) << e) < uint64(n); e++ {
	}
	return
}

// width returns the number of nodes at the given height of the tree.
func (p *partialTree) width(height uint8) uint32 {
	return uint32((uint64(p.total) + (uint64(1) << height) - 1) >> height)
}

func (p *partialTree) nextFlag() (bool, error) {
	if p.bitsUse >= uint32(len(p.flags))*8 {
		return false, fmt.Errorf("%w: ran out of flag bits",
			ErrInvalidMerkleBlock)
	}
	flag := p.flags[p.bitsUse/8]&(1<<(p.bitsUse%8)) != 0
	p.bitsUse++

	return flag, nil
}

func (p *partialTree) nextHash() (chainhash.Hash, error) {
	if p.hashUse >= len(p.hashes) {
		return chainhash.Hash{}, fmt.Errorf("%w: ran out of hashes",
			ErrInvalidMerkleBlock)
	}
	hash := *p.hashes[p.hashUse]
	p.hashUse++

	return hash, nil
}

// makeParent hashes two children.
func makeParent(left, right chainhash.Hash) chainhash.Hash {
	var concat [chainhash.HashSize * 2]byte
	copy(concat[:chainhash.HashSize], left[:])
	copy(concat[chainhash.HashSize:], right[:])

	return chainhash.DoubleHashH(concat[:])
}

// traverse computes the hash of the node at height and pos, collecting the
// matched leaves on the way.
func (p *partialTree) traverse(height uint8, pos uint32) (chainhash.Hash,
	error) {

	flag, err := p.nextFlag()
	if err != nil {
		return chainhash.Hash{}, err
	}

	// Leaves and pruned subtrees are given as hashes.
	if height == 0 || !flag {
		hash, err := p.nextHash()
		if err != nil {
			return chainhash.Hash{}, err
		}
		if height == 0 && flag {
			p.matched = append(p.matched, hash)
		}

		return hash, nil
	}

	left, err := p.traverse(height-1, pos*2)
	if err != nil {
		return chainhash.Hash{}, err
	}

	right := left
	if pos*2+1 < p.width(height-1) {
		right, err = p.traverse(height-1, pos*2+1)
		if err != nil {
			return chainhash.Hash{}, err
		}
		// Identical siblings let a tree with a duplicated
		// transaction share the root of the original
		// (CVE-2012-2459).
		if right == left {
			return chainhash.Hash{}, fmt.Errorf("%w: duplicate "+
				"sibling hash %v", ErrInvalidMerkleBlock, left)
		}
	}

	return makeParent(left, right), nil
}

// ExtractMatches verifies a partial merkle tree over total transactions
// against root and returns the matched transaction hashes in block order.
func ExtractMatches(total uint32, hashes []*chainhash.Hash, flags []byte,
	root chainhash.Hash) ([]chainhash.Hash, error) {

	switch {
	case total == 0:
		return nil, fmt.Errorf("%w: no transactions",
			ErrInvalidMerkleBlock)

	case uint32(len(hashes)) > total:
		return nil, fmt.Errorf("%w: more hashes than transactions",
			ErrInvalidMerkleBlock)

	case len(flags)*8 < len(hashes):
		return nil, fmt.Errorf("%w: fewer flag bits than hashes",
			ErrInvalidMerkleBlock)
	}

	tree := &partialTree{
		total:  total,
		hashes: hashes,
		flags:  flags,
	}
	computed, err := tree.traverse(treeDepth(total), 0)
	if err != nil {
		return nil, err
	}

	switch {
	case tree.hashUse != len(hashes):
		return nil, fmt.Errorf("%w: %d unused hashes",
			ErrInvalidMerkleBlock, len(hashes)-tree.hashUse)

	case (tree.bitsUse+7)/8 != uint32(len(flags)):
		return nil, fmt.Errorf("%w: unused flag bytes",
			ErrInvalidMerkleBlock)

	case computed != root:
		return nil, fmt.Errorf("%w: computed root %v but expected %v",
			ErrInvalidMerkleBlock, computed, root)
	}

	return tree.matched, nil
}

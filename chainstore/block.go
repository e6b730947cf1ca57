package chainstore

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// Block is an accepted block header together with its position in the chain.
// Blocks are immutable once they have been added to a Store.
type Block struct {
	// Header is the raw 80-byte block header.
	Header wire.BlockHeader

	// Height is the height of the block within the chain.
	Height int32

	// Hash is the identifying hash of the header. It is carried explicitly
	// since not every network uses double-SHA256 for header identity.
	Hash chainhash.Hash
}

// NewBlock creates a new block at the given height, identified by the
// double-SHA256 hash of its header.
func NewBlock(header wire.BlockHeader, height int32) *Block {
	return &Block{
		Header: header,
		Height: height,
		Hash:   header.BlockHash(),
	}
}

// Timestamp returns the header timestamp as unix seconds.
func (b *Block) Timestamp() int64 {
	return b.Header.Timestamp.Unix()
}

// Bits returns the compact target of the block.
func (b *Block) Bits() uint32 {
	return b.Header.Bits
}

// PrevHash returns the hash of the block's parent.
func (b *Block) PrevHash() chainhash.Hash {
	return b.Header.PrevBlock
}

// String returns a short human readable identifier of the block.
func (b *Block) String() string {
	return fmt.Sprintf("%v@%d", b.Hash, b.Height)
}

// encode serializes the block as height || hash || header.
func (b *Block) encode(w io.Writer) error {
	if err := binary.Write(w, byteOrder, b.Height); err != nil {
		return err
	}
	if _, err := w.Write(b.Hash[:]); err != nil {
		return err
	}

	return b.Header.Serialize(w)
}

// decode deserializes a block written by encode.
func (b *Block) decode(r io.Reader) error {
	if err := binary.Read(r, byteOrder, &b.Height); err != nil {
		return err
	}
	if _, err := io.ReadFull(r, b.Hash[:]); err != nil {
		return err
	}

	return b.Header.Deserialize(r)
}

// serializeBlock returns the encoded form of the block.
func serializeBlock(b *Block) ([]byte, error) {
	var buf bytes.Buffer
	if err := b.encode(&buf); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// deserializeBlock decodes a block from its encoded form.
func deserializeBlock(v []byte) (*Block, error) {
	block := &Block{}
	if err := block.decode(bytes.NewReader(v)); err != nil {
		return nil, err
	}

	return block, nil
}

// BlockHash is a marker correlating a requested filtered block with its
// position in the chain. A zero Height means the height is unknown.
type BlockHash struct {
	// Hash is the header hash of the requested block.
	Hash chainhash.Hash

	// Height is the expected height of the block, or zero if unknown.
	Height int32
}

// String returns the marker in hash@height form.
func (b BlockHash) String() string {
	return fmt.Sprintf("%v@%d", b.Hash, b.Height)
}

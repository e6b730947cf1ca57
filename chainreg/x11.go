package chainreg

import (
	"bytes"

	"github.com/bitbandi/go-x11"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/spvd/merkleblock"
)

// A compile-time check to ensure X11HeaderHash is a header hasher.
var _ merkleblock.HeaderHasher = X11HeaderHash

// X11HeaderHash identifies a header of the masternode fork by the X11 chain
// of hashes over its serialization.
func X11HeaderHash(header *wire.BlockHeader) chainhash.Hash {
	var buf bytes.Buffer
	buf.Grow(wire.MaxBlockHeaderPayload)

	// Writing to a bytes.Buffer cannot fail.
	_ = header.Serialize(&buf)

	// The hasher keeps intermediate state and is not safe for concurrent
	// use.
	var out chainhash.Hash
	x11.New().Hash(buf.Bytes(), out[:])

	return out
}

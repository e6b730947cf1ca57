package blockvalidator

import (
	"fmt"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/lightningnetwork/spvd/chainstore"
)

// ProofOfWork checks that a header hash satisfies the target it claims and
// that the target is within the network limit.
type ProofOfWork struct {
	maxBits uint32
}

// A compile-time check to ensure ProofOfWork implements the Validator
// interface.
var _ Validator = (*ProofOfWork)(nil)

// NewProofOfWork creates the proof of work check bounded by maxBits.
func NewProofOfWork(maxBits uint32) *ProofOfWork {
	return &ProofOfWork{maxBits: maxBits}
}

// Name returns the rule name.
func (p *ProofOfWork) Name() string {
	return "ProofOfWork"
}

// IsValidatable always returns true.
func (p *ProofOfWork) IsValidatable(_, _ *chainstore.Block) bool {
	return true
}

// Validate checks the candidate header hash against its target.
func (p *ProofOfWork) Validate(candidate, _ *chainstore.Block) error {
	target := blockchain.CompactToBig(candidate.Bits())
	if target.Sign() <= 0 {
		return fmt.Errorf("%w: target of %v is not positive",
			ErrInvalidProofOfWork, candidate)
	}

	limit := blockchain.CompactToBig(p.maxBits)
	if target.Cmp(limit) > 0 {
		return fmt.Errorf("%w: target of %v above limit %064x",
			ErrInvalidProofOfWork, candidate, limit)
	}

	if blockchain.HashToBig(&candidate.Hash).Cmp(target) > 0 {
		return fmt.Errorf("%w: %v", ErrInvalidProofOfWork, candidate)
	}

	return nil
}

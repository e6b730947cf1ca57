package blockvalidator

import (
	"math/big"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/lightningnetwork/spvd/chainstore"
)

const (
	// edaLookback is the number of parent links walked back from the
	// previous block to measure elapsed median time.
	edaLookback = 6

	// edaTriggerSeconds is the elapsed median time past over the lookback
	// that triggers an emergency adjustment.
	edaTriggerSeconds = 12 * 60 * 60
)

// EDA is the emergency difficulty adjustment used by the cash fork before the
// DAA activated.
type EDA struct {
	maxBits uint32
	helper  *Helper
}

// A compile-time check to ensure EDA implements the Validator interface.
var _ Validator = (*EDA)(nil)

// NewEDA creates an EDA rule capped at maxBits.
func NewEDA(maxBits uint32, helper *Helper) *EDA {
	return &EDA{
		maxBits: maxBits,
		helper:  helper,
	}
}

// Name returns the rule name.
func (e *EDA) Name() string {
	return "EDA"
}

// IsValidatable always returns true, the EDA being the fallback rule of the
// cash-fork chain.
func (e *EDA) IsValidatable(_, _ *chainstore.Block) bool {
	return true
}

// Validate checks the candidate's bits against the emergency adjustment.
func (e *EDA) Validate(candidate, previous *chainstore.Block) error {
	if previous.Bits() == e.maxBits {
		return checkBits(e.Name(), candidate, e.maxBits)
	}

	cursor, err := e.helper.Ancestor(previous, edaLookback)
	if err != nil {
		return err
	}

	prevMTP, err := e.helper.MedianTimePast(previous)
	if err != nil {
		return err
	}
	cursorMTP, err := e.helper.MedianTimePast(cursor)
	if err != nil {
		return err
	}

	if prevMTP-cursorMTP < edaTriggerSeconds {
		return checkBits(e.Name(), candidate, previous.Bits())
	}

	return checkBits(e.Name(), candidate, e.emergencyBits(previous.Bits()))
}

// emergencyBits shifts the decoded previous target right by two bits and caps
// the re-encoded value at the maximum bits. The cap compares compact values
// numerically.
func (e *EDA) emergencyBits(prevBits uint32) uint32 {
	target := blockchain.CompactToBig(prevBits)
	target = new(big.Int).Rsh(target, 2)

	bits := blockchain.BigToCompact(target)
	if bits > e.maxBits {
		bits = e.maxBits
	}

	return bits
}

package blockvalidator

import (
	"errors"
	"fmt"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/spvd/chainstore"
)

var (
	// ErrBitsMismatch is returned when the compact target of a candidate
	// block differs from the one computed by a difficulty rule.
	ErrBitsMismatch = errors.New("block bits do not match expected bits")

	// ErrNoPreviousBlock is returned when a rule needs more ancestors than
	// the store currently holds. Callers may fetch more history rather than
	// treating the source of the block as malicious.
	ErrNoPreviousBlock = errors.New("insufficient block history")

	// ErrInvalidProofOfWork is returned when the hash of a block header is
	// above the target it claims.
	ErrInvalidProofOfWork = errors.New("block hash above target")

	// ErrPrevHashMismatch is returned when the candidate does not link to
	// the block passed as its predecessor.
	ErrPrevHashMismatch = errors.New("block does not extend previous block")
)

// BitsMismatchError carries the details of an ErrBitsMismatch failure.
type BitsMismatchError struct {
	// Rule is the name of the validator that rejected the block.
	Rule string

	// Expected is the compact target computed by the rule.
	Expected uint32

	// Actual is the compact target found in the candidate header.
	Actual uint32
}

// Error returns a human readable description of the mismatch.
func (e *BitsMismatchError) Error() string {
	return fmt.Sprintf("%v: expected bits %08x, got %08x", e.Rule,
		e.Expected, e.Actual)
}

// Unwrap allows errors.Is to match the error against ErrBitsMismatch.
func (e *BitsMismatchError) Unwrap() error {
	return ErrBitsMismatch
}

// checkBits returns a BitsMismatchError if the candidate does not carry the
// expected bits.
func checkBits(rule string, candidate *chainstore.Block, expected uint32) error {
	if candidate.Bits() == expected {
		return nil
	}

	return &BitsMismatchError{
		Rule:     rule,
		Expected: expected,
		Actual:   candidate.Bits(),
	}
}

// Validator is a single consensus rule that is applied to a candidate block
// and its predecessor.
type Validator interface {
	// Name returns a short identifier of the rule used in logs and errors.
	Name() string

	// IsValidatable returns true if the rule applies to the candidate.
	IsValidatable(candidate, previous *chainstore.Block) bool

	// Validate checks the candidate against the rule.
	Validate(candidate, previous *chainstore.Block) error
}

// Chain applies an optional head validator to every block followed by the
// first of its ordered rules whose IsValidatable holds.
type Chain struct {
	head  fn.Option[Validator]
	rules []Validator
}

// NewChain creates a validator chain. The head validator, if any, runs before
// the first matching rule on every block.
func NewChain(head fn.Option[Validator], rules ...Validator) *Chain {
	return &Chain{
		head:  head,
		rules: rules,
	}
}

// Add appends a rule to the end of the chain.
func (c *Chain) Add(v Validator) {
	c.rules = append(c.rules, v)
}

// Validate checks that candidate extends previous, then runs the head
// validator and the first applicable rule.
func (c *Chain) Validate(candidate, previous *chainstore.Block) error {
	if candidate.PrevHash() != previous.Hash {
		return fmt.Errorf("%w: %v does not build on %v",
			ErrPrevHashMismatch, candidate, previous)
	}

	headErr := fn.MapOptionZ(c.head, func(v Validator) error {
		return v.Validate(candidate, previous)
	})
	if headErr != nil {
		return headErr
	}

	for _, rule := range c.rules {
		if !rule.IsValidatable(candidate, previous) {
			continue
		}

		log.Tracef("Validating %v with rule %v", candidate, rule.Name())

		return rule.Validate(candidate, previous)
	}

	return nil
}

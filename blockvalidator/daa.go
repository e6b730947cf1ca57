package blockvalidator

import (
	"math/big"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/lightningnetwork/spvd/chainstore"
)

const (
	// DAAWindow is the number of trailing blocks the cash-fork difficulty
	// algorithm looks at.
	DAAWindow = 147

	// DAAActivationTime is the median time past at which the cash-fork
	// difficulty algorithm replaced the emergency adjustment.
	DAAActivationTime = 1510600000

	// daaMinTimespanBlocks and daaMaxTimespanBlocks bound the measured
	// timespan in multiples of the target spacing.
	daaMinTimespanBlocks = 72
	daaMaxTimespanBlocks = 288
)

// oneLsh256 is 1 shifted left 256 bits.
var oneLsh256 = new(big.Int).Lsh(big.NewInt(1), 256)

// DAAConfig holds the network constants of the DAA rule.
type DAAConfig struct {
	// TargetSpacing is the desired time between blocks in seconds.
	TargetSpacing int64

	// ActivationTime is the median time past of the previous block from
	// which the rule applies.
	ActivationTime int64
}

// DAA is the cash-fork difficulty adjustment algorithm. Every block's target
// is derived from the work done over a trailing window of blocks whose
// boundaries are chosen by timestamp median to resist manipulation.
type DAA struct {
	cfg    DAAConfig
	helper *Helper
}

// A compile-time check to ensure DAA implements the Validator interface.
var _ Validator = (*DAA)(nil)

// NewDAA creates a new DAA rule.
func NewDAA(cfg DAAConfig, helper *Helper) *DAA {
	return &DAA{
		cfg:    cfg,
		helper: helper,
	}
}

// Name returns the rule name.
func (d *DAA) Name() string {
	return "DAA"
}

// IsValidatable returns true once the median time past of the previous block
// reaches the activation time.
func (d *DAA) IsValidatable(_, previous *chainstore.Block) bool {
	mtp, err := d.helper.MedianTimePast(previous)
	if err != nil {
		log.Debugf("Unable to compute median time past of %v: %v",
			previous, err)
		return false
	}

	return mtp >= d.cfg.ActivationTime
}

// Validate checks the candidate's bits against the target computed from the
// window ending at previous.
func (d *DAA) Validate(candidate, previous *chainstore.Block) error {
	chunk, err := d.helper.Chunk(previous.Height, DAAWindow)
	if err != nil {
		return err
	}

	return checkBits(d.Name(), candidate, d.NextBits(chunk))
}

// ClampTimespan bounds a measured timespan to [72, 288] times the target
// spacing.
func ClampTimespan(timespan, targetSpacing int64) int64 {
	minTimespan := daaMinTimespanBlocks * targetSpacing
	maxTimespan := daaMaxTimespanBlocks * targetSpacing

	switch {
	case timespan > maxTimespan:
		return maxTimespan

	case timespan < minTimespan:
		return minTimespan
	}

	return timespan
}

// NextBits computes the compact target required of the block following the
// last block of chunk. The chunk must hold DAAWindow blocks in ascending
// height order.
func (d *DAA) NextBits(chunk []*chainstore.Block) uint32 {
	n := len(chunk)
	first := SuitableBlock([3]*chainstore.Block{
		chunk[0], chunk[1], chunk[2],
	})
	last := SuitableBlock([3]*chainstore.Block{
		chunk[n-3], chunk[n-2], chunk[n-1],
	})

	timespan := ClampTimespan(
		last.Timestamp()-first.Timestamp(), d.cfg.TargetSpacing,
	)

	// Sum the work of every block after the first suitable block up to
	// and including the last suitable one.
	work := new(big.Int)
	for _, block := range chunk {
		if block.Height <= first.Height || block.Height > last.Height {
			continue
		}
		work.Add(work, blockchain.CalcWork(block.Bits()))
	}

	work.Mul(work, big.NewInt(d.cfg.TargetSpacing))
	work.Div(work, big.NewInt(timespan))

	// A zero work sum can only come from a degenerate window, in which
	// case the easiest encodable target is the best we can do.
	if work.Sign() == 0 {
		return blockchain.BigToCompact(oneLsh256)
	}

	target := new(big.Int).Div(oneLsh256, work)
	target.Sub(target, big.NewInt(1))

	return blockchain.BigToCompact(target)
}

package blockvalidator

import (
	"math/big"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/lightningnetwork/spvd/chainstore"
)

// LegacyConfig holds the constants of the original 2016 block retarget.
type LegacyConfig struct {
	// Interval is the number of blocks between retargets.
	Interval int32

	// TargetTimespan is the desired duration of one interval in seconds.
	TargetTimespan int64

	// AdjustmentFactor bounds how much the timespan may move the target
	// in a single retarget.
	AdjustmentFactor int64

	// MaxBits is the compact form of the proof of work limit.
	MaxBits uint32
}

// LegacyDifficultyAdjustment validates the retarget every Interval blocks.
type LegacyDifficultyAdjustment struct {
	cfg    LegacyConfig
	helper *Helper
}

// A compile-time check to ensure LegacyDifficultyAdjustment implements the
// Validator interface.
var _ Validator = (*LegacyDifficultyAdjustment)(nil)

// NewLegacyDifficultyAdjustment creates the retarget rule.
func NewLegacyDifficultyAdjustment(cfg LegacyConfig,
	helper *Helper) *LegacyDifficultyAdjustment {

	return &LegacyDifficultyAdjustment{
		cfg:    cfg,
		helper: helper,
	}
}

// Name returns the rule name.
func (l *LegacyDifficultyAdjustment) Name() string {
	return "LegacyDifficultyAdjustment"
}

// IsValidatable returns true for blocks at a retarget height.
func (l *LegacyDifficultyAdjustment) IsValidatable(candidate,
	_ *chainstore.Block) bool {

	return candidate.Height%l.cfg.Interval == 0
}

// Validate checks the retargeted bits of the candidate.
func (l *LegacyDifficultyAdjustment) Validate(candidate,
	previous *chainstore.Block) error {

	first, err := l.helper.Ancestor(previous, int(l.cfg.Interval)-1)
	if err != nil {
		return err
	}

	minTimespan := l.cfg.TargetTimespan / l.cfg.AdjustmentFactor
	maxTimespan := l.cfg.TargetTimespan * l.cfg.AdjustmentFactor

	timespan := previous.Timestamp() - first.Timestamp()
	switch {
	case timespan < minTimespan:
		timespan = minTimespan
	case timespan > maxTimespan:
		timespan = maxTimespan
	}

	target := blockchain.CompactToBig(previous.Bits())
	target.Mul(target, big.NewInt(timespan))
	target.Div(target, big.NewInt(l.cfg.TargetTimespan))

	if limit := blockchain.CompactToBig(l.cfg.MaxBits); target.Cmp(limit) > 0 {
		target = limit
	}

	return checkBits(l.Name(), candidate, blockchain.BigToCompact(target))
}

// LegacyTestNet implements the testnet rule that allows a minimum difficulty
// block once twice the target spacing has passed without a block.
type LegacyTestNet struct {
	cfg           LegacyConfig
	targetSpacing int64
	helper        *Helper
}

// A compile-time check to ensure LegacyTestNet implements the Validator
// interface.
var _ Validator = (*LegacyTestNet)(nil)

// NewLegacyTestNet creates the testnet minimum difficulty rule.
func NewLegacyTestNet(cfg LegacyConfig, targetSpacing int64,
	helper *Helper) *LegacyTestNet {

	return &LegacyTestNet{
		cfg:           cfg,
		targetSpacing: targetSpacing,
		helper:        helper,
	}
}

// Name returns the rule name.
func (l *LegacyTestNet) Name() string {
	return "LegacyTestNet"
}

// IsValidatable returns true for blocks between retarget heights.
func (l *LegacyTestNet) IsValidatable(candidate, _ *chainstore.Block) bool {
	return candidate.Height%l.cfg.Interval != 0
}

// Validate checks the candidate against the testnet minimum difficulty rule.
func (l *LegacyTestNet) Validate(candidate, previous *chainstore.Block) error {
	if candidate.Timestamp() > previous.Timestamp()+2*l.targetSpacing {
		return checkBits(l.Name(), candidate, l.cfg.MaxBits)
	}

	// Otherwise the block must carry the bits of the last block that
	// was not mined under the minimum difficulty exception.
	cursor := previous
	for cursor.Height%l.cfg.Interval != 0 && cursor.Bits() == l.cfg.MaxBits {
		parent, err := l.helper.Parent(cursor)
		if err != nil {
			return err
		}
		cursor = parent
	}

	return checkBits(l.Name(), candidate, cursor.Bits())
}

// BitsContinuity requires a block to keep the bits of its predecessor. It is
// the fallback rule of networks that only retarget at fixed heights.
type BitsContinuity struct{}

// A compile-time check to ensure BitsContinuity implements the Validator
// interface.
var _ Validator = (*BitsContinuity)(nil)

// Name returns the rule name.
func (BitsContinuity) Name() string {
	return "BitsContinuity"
}

// IsValidatable always returns true.
func (BitsContinuity) IsValidatable(_, _ *chainstore.Block) bool {
	return true
}

// Validate checks the candidate kept the previous bits.
func (b BitsContinuity) Validate(candidate, previous *chainstore.Block) error {
	return checkBits(b.Name(), candidate, previous.Bits())
}

package blockvalidator

import (
	"math/big"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/lightningnetwork/spvd/chainstore"
)

// dgwPastBlocks is the number of blocks averaged by Dark Gravity Wave.
const dgwPastBlocks = 24

// DarkGravityWave is the per-block difficulty retarget of the masternode
// fork. It averages the targets of the last 24 blocks and scales the result
// by their clamped timespan.
type DarkGravityWave struct {
	targetSpacing int64
	maxBits       uint32
	helper        *Helper
}

// A compile-time check to ensure DarkGravityWave implements the Validator
// interface.
var _ Validator = (*DarkGravityWave)(nil)

// NewDarkGravityWave creates the retarget rule.
func NewDarkGravityWave(targetSpacing int64, maxBits uint32,
	helper *Helper) *DarkGravityWave {

	return &DarkGravityWave{
		targetSpacing: targetSpacing,
		maxBits:       maxBits,
		helper:        helper,
	}
}

// Name returns the rule name.
func (d *DarkGravityWave) Name() string {
	return "DarkGravityWave"
}

// IsValidatable returns true once enough blocks exist to average.
func (d *DarkGravityWave) IsValidatable(_, previous *chainstore.Block) bool {
	return previous.Height >= dgwPastBlocks
}

// Validate checks the candidate against the averaged target.
func (d *DarkGravityWave) Validate(candidate,
	previous *chainstore.Block) error {

	avg := new(big.Int)
	cursor := previous
	for count := int64(1); count <= dgwPastBlocks; count++ {
		target := blockchain.CompactToBig(cursor.Bits())
		if count == 1 {
			avg.Set(target)
		} else {
			avg.Mul(avg, big.NewInt(count))
			avg.Add(avg, target)
			avg.Div(avg, big.NewInt(count+1))
		}

		if count == dgwPastBlocks {
			break
		}

		parent, err := d.helper.Parent(cursor)
		if err != nil {
			return err
		}
		cursor = parent
	}

	targetTimespan := dgwPastBlocks * d.targetSpacing
	timespan := previous.Timestamp() - cursor.Timestamp()
	switch {
	case timespan < targetTimespan/3:
		timespan = targetTimespan / 3
	case timespan > targetTimespan*3:
		timespan = targetTimespan * 3
	}

	avg.Mul(avg, big.NewInt(timespan))
	avg.Div(avg, big.NewInt(targetTimespan))

	if limit := blockchain.CompactToBig(d.maxBits); avg.Cmp(limit) > 0 {
		avg = limit
	}

	return checkBits(d.Name(), candidate, blockchain.BigToCompact(avg))
}

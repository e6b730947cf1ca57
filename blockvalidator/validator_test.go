package blockvalidator

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/spvd/chainstore"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

const (
	testSpacing = 600
	testMaxBits = 0x1d00ffff

	// daaStart is a timestamp safely past DAA activation.
	daaStart = DAAActivationTime + 100000
)

// buildChain creates n linked blocks with the given timestamps and bits,
// stores them and returns them in height order.
func buildChain(t require.TestingT, store chainstore.Store,
	timestamps []int64, bits []uint32) []*chainstore.Block {

	blocks := make([]*chainstore.Block, 0, len(timestamps))
	var prev chainhash.Hash
	for i := range timestamps {
		header := wire.BlockHeader{
			Version:   4,
			PrevBlock: prev,
			Timestamp: time.Unix(timestamps[i], 0),
			Bits:      bits[i],
			Nonce:     uint32(i),
		}
		block := chainstore.NewBlock(header, int32(i))
		blocks = append(blocks, block)
		prev = block.Hash
	}
	require.NoError(t, store.AddBlocks(blocks...))

	return blocks
}

// uniformChain builds n blocks spaced evenly with constant bits.
func uniformChain(t require.TestingT, store chainstore.Store, n int,
	start, spacing int64, bits uint32) []*chainstore.Block {

	timestamps := make([]int64, n)
	allBits := make([]uint32, n)
	for i := 0; i < n; i++ {
		timestamps[i] = start + int64(i)*spacing
		allBits[i] = bits
	}

	return buildChain(t, store, timestamps, allBits)
}

// candidateAfter returns an unstored block extending prev.
func candidateAfter(prev *chainstore.Block, spacing int64,
	bits uint32) *chainstore.Block {

	header := wire.BlockHeader{
		Version:   4,
		PrevBlock: prev.Hash,
		Timestamp: time.Unix(prev.Timestamp()+spacing, 0),
		Bits:      bits,
	}

	return chainstore.NewBlock(header, prev.Height+1)
}

// TestClampTimespan checks the DAA timespan clamp boundaries.
func TestClampTimespan(t *testing.T) {
	t.Parallel()

	tests := []struct {
		multiple int64
		expected int64
	}{
		{multiple: 1, expected: 72},
		{multiple: 72, expected: 72},
		{multiple: 144, expected: 144},
		{multiple: 288, expected: 288},
		{multiple: 500, expected: 288},
	}
	for _, test := range tests {
		clamped := ClampTimespan(test.multiple*testSpacing, testSpacing)
		require.Equal(t, test.expected*testSpacing, clamped,
			"multiple %d", test.multiple)
	}
}

// TestDAAGoldenVector feeds 150 synthetic headers to the DAA rule and checks
// the bits computed for the last blocks.
func TestDAAGoldenVector(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		spacing  int64
		expected uint32
	}{
		{
			// Blocks on schedule keep the target unchanged.
			name:     "on schedule",
			spacing:  testSpacing,
			expected: 0x1d00ffff,
		},
		{
			// Blocks twice as fast hit the lower clamp and halve
			// the target.
			name:     "twice as fast",
			spacing:  testSpacing / 2,
			expected: 0x1c7fff80,
		},
		{
			// Blocks twice as slow hit the upper clamp and double
			// the target.
			name:     "twice as slow",
			spacing:  testSpacing * 2,
			expected: 0x1d01fffe,
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			store := chainstore.NewMemStore()
			chain := uniformChain(
				t, store, 150, daaStart, test.spacing,
				0x1d00ffff,
			)
			daa := NewDAA(DAAConfig{
				TargetSpacing:  testSpacing,
				ActivationTime: DAAActivationTime,
			}, NewHelper(store))

			for height := 147; height < 150; height++ {
				prev := chain[height-1]
				good := candidateAfter(
					prev, test.spacing, test.expected,
				)
				require.True(t, daa.IsValidatable(good, prev))
				require.NoError(t, daa.Validate(good, prev),
					"height %d", height)

				if test.expected == 0x1d00ffff {
					continue
				}

				bad := candidateAfter(
					prev, test.spacing, 0x1d00ffff,
				)
				err := daa.Validate(bad, prev)
				require.ErrorIs(t, err, ErrBitsMismatch)

				var mismatch *BitsMismatchError
				require.ErrorAs(t, err, &mismatch)
				require.Equal(t, test.expected, mismatch.Expected)
			}
		})
	}
}

// TestSuitableBlock checks the median block is chosen by timestamp rather
// than by position, with ties resolved in input order.
func TestSuitableBlock(t *testing.T) {
	t.Parallel()

	block := func(height int32, ts int64) *chainstore.Block {
		return chainstore.NewBlock(wire.BlockHeader{
			Timestamp: time.Unix(ts, 0),
			Nonce:     uint32(height),
		}, height)
	}

	tests := []struct {
		name       string
		timestamps [3]int64
		expected   int32
	}{
		{"ascending", [3]int64{100, 200, 300}, 1},
		{"newest first", [3]int64{300, 100, 200}, 2},
		{"oldest last", [3]int64{200, 300, 100}, 0},
		{"descending", [3]int64{300, 200, 100}, 1},
		{"tie below", [3]int64{100, 100, 50}, 0},
		{"tie around", [3]int64{100, 50, 100}, 0},
		{"all equal", [3]int64{100, 100, 100}, 1},
	}
	for _, test := range tests {
		var blocks [3]*chainstore.Block
		for i, ts := range test.timestamps {
			blocks[i] = block(int32(i), ts)
		}

		suitable := SuitableBlock(blocks)
		require.Equal(t, test.expected, suitable.Height, test.name)

		// The caller's array keeps its order.
		for i := range blocks {
			require.Equal(t, int32(i), blocks[i].Height, test.name)
		}
	}

	rapid.Check(t, func(t *rapid.T) {
		var (
			blocks [3]*chainstore.Block
			sorted []int64
		)
		for i := range blocks {
			ts := rapid.Int64Range(0, 10).Draw(t, "ts")
			blocks[i] = block(int32(i), ts)
			sorted = append(sorted, ts)
		}
		if sorted[0] > sorted[1] {
			sorted[0], sorted[1] = sorted[1], sorted[0]
		}
		if sorted[1] > sorted[2] {
			sorted[1], sorted[2] = sorted[2], sorted[1]
		}
		if sorted[0] > sorted[1] {
			sorted[0], sorted[1] = sorted[1], sorted[0]
		}

		require.Equal(t, sorted[1], SuitableBlock(blocks).Timestamp())
	})
}

// TestDAAUnorderedBoundaries checks the DAA window boundaries are the median
// timestamp blocks when timestamps around them are out of order. Harder bits
// on both sides of each boundary make the work sum depend on which block is
// picked.
func TestDAAUnorderedBoundaries(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		timestamps map[int]int64
		expected   uint32
	}{
		{
			// First boundary is height 0, last is height 144.
			name: "outer picks",
			timestamps: map[int]int64{
				0: 900, 1: 0, 2: 1200,
				144: 86400, 145: 87000, 146: 86000,
			},
			expected: 0x1d00f9db,
		},
		{
			// First boundary is height 2, last is height 146.
			name: "inner picks",
			timestamps: map[int]int64{
				0: 1200, 1: 1800, 2: 1500,
				144: 86400, 145: 87000, 146: 86800,
			},
			expected: 0x1d00f946,
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			timestamps := make([]int64, DAAWindow)
			bits := make([]uint32, DAAWindow)
			for i := range timestamps {
				timestamps[i] = daaStart + int64(i)*testSpacing
				bits[i] = 0x1d00ffff
			}
			for height, offset := range test.timestamps {
				timestamps[height] = daaStart + offset
			}
			for _, height := range []int{1, 2, 145, 146} {
				bits[height] = 0x1c7fff80
			}

			store := chainstore.NewMemStore()
			chain := buildChain(t, store, timestamps, bits)
			daa := NewDAA(DAAConfig{
				TargetSpacing:  testSpacing,
				ActivationTime: DAAActivationTime,
			}, NewHelper(store))

			prev := chain[DAAWindow-1]
			require.Equal(t, test.expected, daa.NextBits(chain))

			good := candidateAfter(prev, testSpacing, test.expected)
			require.NoError(t, daa.Validate(good, prev))

			bad := candidateAfter(prev, testSpacing, 0x1d00ffff)
			var mismatch *BitsMismatchError
			require.ErrorAs(t, daa.Validate(bad, prev), &mismatch)
			require.Equal(t, test.expected, mismatch.Expected)
		})
	}
}

// TestDAAInsufficientHistory asserts a short chain is reported as missing
// history rather than a mismatch.
func TestDAAInsufficientHistory(t *testing.T) {
	t.Parallel()

	store := chainstore.NewMemStore()
	chain := uniformChain(t, store, 100, daaStart, testSpacing, testMaxBits)
	daa := NewDAA(DAAConfig{
		TargetSpacing:  testSpacing,
		ActivationTime: DAAActivationTime,
	}, NewHelper(store))

	prev := chain[99]
	err := daa.Validate(candidateAfter(prev, testSpacing, testMaxBits), prev)
	require.ErrorIs(t, err, ErrNoPreviousBlock)
}

// TestDAAActivation checks the rule only applies once the median time past of
// the previous block reaches the activation time.
func TestDAAActivation(t *testing.T) {
	t.Parallel()

	store := chainstore.NewMemStore()
	chain := uniformChain(
		t, store, 20, DAAActivationTime-10*testSpacing, testSpacing,
		testMaxBits,
	)
	daa := NewDAA(DAAConfig{
		TargetSpacing:  testSpacing,
		ActivationTime: DAAActivationTime,
	}, NewHelper(store))

	// The median of blocks 0..10 is block 5, before activation.
	require.False(t, daa.IsValidatable(nil, chain[10]))

	// The median of blocks 9..19 is block 14, after activation.
	require.True(t, daa.IsValidatable(nil, chain[19]))
}

// genBits draws a valid, positive compact target.
func genBits(t *rapid.T, label string) uint32 {
	exponent := rapid.Uint32Range(0x18, 0x1d).Draw(t, label+"-exp")
	mantissa := rapid.Uint32Range(0x008000, 0x7fffff).Draw(
		t, label+"-mantissa",
	)

	return exponent<<24 | mantissa
}

// TestDAADeterminism asserts identical windows always produce identical bits,
// regardless of the store they are read from.
func TestDAADeterminism(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		timestamps := make([]int64, DAAWindow)
		bits := make([]uint32, DAAWindow)
		ts := int64(daaStart)
		for i := 0; i < DAAWindow; i++ {
			// Allow out of order timestamps to exercise the
			// median selection.
			ts += rapid.Int64Range(-1200, 3600).Draw(t, "delta")
			timestamps[i] = ts
			bits[i] = genBits(t, "bits")
		}

		daa := NewDAA(DAAConfig{
			TargetSpacing:  testSpacing,
			ActivationTime: DAAActivationTime,
		}, nil)

		first := buildChain(t, chainstore.NewMemStore(), timestamps, bits)
		second := buildChain(t, chainstore.NewMemStore(), timestamps, bits)

		firstBits := daa.NextBits(first)
		require.Equal(t, firstBits, daa.NextBits(second))
		require.Equal(t, firstBits, daa.NextBits(first))
		require.NotZero(t, firstBits)
	})
}

// TestClampProperty checks every clamped timespan stays in range.
func TestClampProperty(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		spacing := rapid.Int64Range(1, 1200).Draw(t, "spacing")
		timespan := rapid.Int64Range(-1e7, 1e7).Draw(t, "timespan")

		clamped := ClampTimespan(timespan, spacing)
		require.GreaterOrEqual(t, clamped, 72*spacing)
		require.LessOrEqual(t, clamped, 288*spacing)

		if timespan >= 72*spacing && timespan <= 288*spacing {
			require.Equal(t, timespan, clamped)
		}
	})
}

// TestEDA covers the three branches of the emergency adjustment.
func TestEDA(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		spacing   int64
		prevBits  uint32
		candidate uint32
		expectErr error
	}{
		{
			name:      "previous at max, candidate at max",
			spacing:   7200,
			prevBits:  testMaxBits,
			candidate: testMaxBits,
		},
		{
			name:      "previous at max, candidate harder",
			spacing:   7200,
			prevBits:  testMaxBits,
			candidate: 0x1c7fff80,
			expectErr: ErrBitsMismatch,
		},
		{
			name:      "twelve hours elapsed",
			spacing:   7200,
			prevBits:  0x1c7fff80,
			candidate: 0x1c1fffe0,
		},
		{
			name:      "twelve hours elapsed, bits kept",
			spacing:   7200,
			prevBits:  0x1c7fff80,
			candidate: 0x1c7fff80,
			expectErr: ErrBitsMismatch,
		},
		{
			name:      "twelve hours elapsed, capped at max",
			spacing:   7200,
			prevBits:  0x1e00ffff,
			candidate: testMaxBits,
		},
		{
			name:      "on schedule keeps bits",
			spacing:   testSpacing,
			prevBits:  0x1c7fff80,
			candidate: 0x1c7fff80,
		},
		{
			name:      "on schedule rejects change",
			spacing:   testSpacing,
			prevBits:  0x1c7fff80,
			candidate: 0x1c1fffe0,
			expectErr: ErrBitsMismatch,
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			store := chainstore.NewMemStore()
			chain := uniformChain(
				t, store, 30, daaStart, test.spacing,
				test.prevBits,
			)
			eda := NewEDA(testMaxBits, NewHelper(store))

			prev := chain[29]
			candidate := candidateAfter(
				prev, test.spacing, test.candidate,
			)
			require.True(t, eda.IsValidatable(candidate, prev))

			err := eda.Validate(candidate, prev)
			if test.expectErr != nil {
				require.ErrorIs(t, err, test.expectErr)
				return
			}
			require.NoError(t, err)
		})
	}
}

// heightSkewedStore answers height lookups from a competing branch while hash
// lookups follow the stored chain.
type heightSkewedStore struct {
	*chainstore.MemStore

	byHeight map[int32]*chainstore.Block
}

func (s *heightSkewedStore) BlockByHeight(height int32) (*chainstore.Block,
	error) {

	if block, ok := s.byHeight[height]; ok {
		return block, nil
	}

	return s.MemStore.BlockByHeight(height)
}

// TestEDAFollowsParentLinks checks the six block lookback walks the previous
// hash links of the chain being extended even when the height index points at
// a competing branch.
func TestEDAFollowsParentLinks(t *testing.T) {
	t.Parallel()

	const prevBits = 0x1c7fff80

	tests := []struct {
		name       string
		spacing    int64
		otherTimes func(tip int64, height int32) int64
		expected   uint32
		unexpected uint32
	}{
		{
			// The competing branch is a day older, which would
			// look like a stall if its blocks were used.
			name:    "on schedule",
			spacing: testSpacing,
			otherTimes: func(tip int64, height int32) int64 {
				return tip - 86400 - int64(29-height)*7200
			},
			expected:   prevBits,
			unexpected: 0x1c1fffe0,
		},
		{
			// The competing branch is on schedule right up to the
			// tip, which would hide the stall.
			name:    "stalled",
			spacing: 7200,
			otherTimes: func(tip int64, height int32) int64 {
				return tip - int64(29-height)*60
			},
			expected:   0x1c1fffe0,
			unexpected: prevBits,
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			mem := chainstore.NewMemStore()
			chain := uniformChain(
				t, mem, 30, daaStart, test.spacing, prevBits,
			)
			prev := chain[29]

			store := &heightSkewedStore{
				MemStore: mem,
				byHeight: make(map[int32]*chainstore.Block),
			}
			for height := int32(0); height < 29; height++ {
				ts := test.otherTimes(prev.Timestamp(), height)
				store.byHeight[height] = chainstore.NewBlock(
					wire.BlockHeader{
						Version:   4,
						Timestamp: time.Unix(ts, 0),
						Bits:      prevBits,
						Nonce:     uint32(height) + 1000,
					}, height,
				)
			}

			eda := NewEDA(testMaxBits, NewHelper(store))

			good := candidateAfter(prev, test.spacing, test.expected)
			require.NoError(t, eda.Validate(good, prev))

			bad := candidateAfter(prev, test.spacing, test.unexpected)
			require.ErrorIs(
				t, eda.Validate(bad, prev), ErrBitsMismatch,
			)
		})
	}
}

// TestEDAMissingAncestor asserts the six block lookback reports missing
// history.
func TestEDAMissingAncestor(t *testing.T) {
	t.Parallel()

	store := chainstore.NewMemStore()
	chain := uniformChain(t, store, 4, daaStart, testSpacing, 0x1c7fff80)
	eda := NewEDA(testMaxBits, NewHelper(store))

	prev := chain[3]
	err := eda.Validate(candidateAfter(prev, testSpacing, 0x1c7fff80), prev)
	require.ErrorIs(t, err, ErrNoPreviousBlock)
}

// TestLegacyDifficultyAdjustment checks the retarget rule with a short
// interval.
func TestLegacyDifficultyAdjustment(t *testing.T) {
	t.Parallel()

	cfg := LegacyConfig{
		Interval:         10,
		TargetTimespan:   10 * testSpacing,
		AdjustmentFactor: 4,
		MaxBits:          testMaxBits,
	}

	store := chainstore.NewMemStore()
	chain := uniformChain(t, store, 20, daaStart, 60, testMaxBits)
	legacy := NewLegacyDifficultyAdjustment(cfg, NewHelper(store))

	prev := chain[19]
	require.False(t, legacy.IsValidatable(chain[19], chain[18]))

	// Blocks ten times too fast clamp to a quarter of the target.
	candidate := candidateAfter(prev, 60, 0x1c3fffc0)
	require.True(t, legacy.IsValidatable(candidate, prev))
	require.NoError(t, legacy.Validate(candidate, prev))

	candidate = candidateAfter(prev, 60, testMaxBits)
	require.ErrorIs(t, legacy.Validate(candidate, prev), ErrBitsMismatch)
}

// TestLegacyTestNet checks the minimum difficulty exception.
func TestLegacyTestNet(t *testing.T) {
	t.Parallel()

	cfg := LegacyConfig{
		Interval: 2016,
		MaxBits:  testMaxBits,
	}

	timestamps := []int64{daaStart, daaStart + 600, daaStart + 1200,
		daaStart + 5000}
	bits := []uint32{0x1c7fff80, 0x1c7fff80, testMaxBits, testMaxBits}

	store := chainstore.NewMemStore()
	chain := buildChain(t, store, timestamps, bits)
	rule := NewLegacyTestNet(cfg, testSpacing, NewHelper(store))

	prev := chain[3]

	// A late block may use the minimum difficulty.
	late := candidateAfter(prev, 1201, testMaxBits)
	require.NoError(t, rule.Validate(late, prev))

	// A timely block must use the last real difficulty.
	timely := candidateAfter(prev, 600, 0x1c7fff80)
	require.NoError(t, rule.Validate(timely, prev))

	timely = candidateAfter(prev, 600, testMaxBits)
	require.ErrorIs(t, rule.Validate(timely, prev), ErrBitsMismatch)
}

// TestDarkGravityWave checks the averaged retarget with a clamped timespan.
func TestDarkGravityWave(t *testing.T) {
	t.Parallel()

	store := chainstore.NewMemStore()
	chain := uniformChain(t, store, 30, daaStart, 10, testMaxBits)
	dgw := NewDarkGravityWave(150, 0x1e0fffff, NewHelper(store))

	require.False(t, dgw.IsValidatable(nil, chain[10]))

	prev := chain[29]
	require.True(t, dgw.IsValidatable(nil, prev))

	// Blocks far too fast clamp to a third of the target.
	require.NoError(t, dgw.Validate(candidateAfter(prev, 10, 0x1c555500), prev))
	require.ErrorIs(t,
		dgw.Validate(candidateAfter(prev, 10, testMaxBits), prev),
		ErrBitsMismatch,
	)
}

// TestProofOfWork checks the header hash is compared to its target.
func TestProofOfWork(t *testing.T) {
	t.Parallel()

	store := chainstore.NewMemStore()
	chain := uniformChain(t, store, 2, daaStart, testSpacing, 0x207fffff)
	pow := NewProofOfWork(0x207fffff)

	// The regression test target is met by about half of all hashes, so
	// a few nonces are enough to mine a block.
	mined := false
	header := candidateAfter(chain[1], testSpacing, 0x207fffff).Header
	for nonce := uint32(0); nonce < 1000 && !mined; nonce++ {
		header.Nonce = nonce
		mined = pow.Validate(chainstore.NewBlock(header, 2), nil) == nil
	}
	require.True(t, mined)

	// A mainnet target is not met by an unmined header.
	hard := candidateAfter(chain[1], testSpacing, testMaxBits)
	require.ErrorIs(t, pow.Validate(hard, chain[1]), ErrInvalidProofOfWork)

	// A target above the limit is rejected.
	easy := candidateAfter(chain[1], testSpacing, 0x207fffff)
	require.ErrorIs(t,
		NewProofOfWork(testMaxBits).Validate(easy, chain[1]),
		ErrInvalidProofOfWork,
	)
}

// recordingValidator records whether it was asked to validate.
type recordingValidator struct {
	name        string
	validatable bool
	err         error
	called      int
}

func (r *recordingValidator) Name() string { return r.name }

func (r *recordingValidator) IsValidatable(_, _ *chainstore.Block) bool {
	return r.validatable
}

func (r *recordingValidator) Validate(_, _ *chainstore.Block) error {
	r.called++
	return r.err
}

// TestChainFirstMatch asserts the head always runs and only the first
// applicable rule is applied.
func TestChainFirstMatch(t *testing.T) {
	t.Parallel()

	store := chainstore.NewMemStore()
	chain := uniformChain(t, store, 2, daaStart, testSpacing, testMaxBits)

	head := &recordingValidator{name: "head"}
	skipped := &recordingValidator{name: "skipped"}
	first := &recordingValidator{name: "first", validatable: true}
	second := &recordingValidator{name: "second", validatable: true}

	validators := NewChain(fn.Some[Validator](head), skipped, first)
	validators.Add(second)

	require.NoError(t, validators.Validate(chain[1], chain[0]))
	require.Equal(t, 1, head.called)
	require.Zero(t, skipped.called)
	require.Equal(t, 1, first.called)
	require.Zero(t, second.called)

	// A failing head stops the chain.
	head.err = ErrInvalidProofOfWork
	require.ErrorIs(t, validators.Validate(chain[1], chain[0]),
		ErrInvalidProofOfWork)
	require.Equal(t, 1, first.called)

	// Blocks that do not link are rejected up front.
	require.ErrorIs(t, validators.Validate(chain[0], chain[1]),
		ErrPrevHashMismatch)
}

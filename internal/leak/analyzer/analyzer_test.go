package analyzer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kolkov/leakdetector/internal/leak/rankedlist"
	"github.com/kolkov/leakdetector/internal/leak/value"
)

const (
	rankingSize = 16
	threshold   = 4
)

// sample feeds one cycle of (size value, count) pairs.
func sample(a *Analyzer, pairs map[uint32]int) {
	rl := rankedlist.New(rankingSize)
	for size, count := range pairs {
		rl.Add(value.Size(size), count)
	}
	a.AddSample(rl)
}

func suspectedSizes(a *Analyzer) []uint32 {
	out := []uint32{}
	for _, v := range a.SuspectedLeaks() {
		out = append(out, v.SizeBytes())
	}
	return out
}

// TestMonotonicGrowthReported: a value rising by a constant positive
// delta every sample is reported at sample T.
func TestMonotonicGrowthReported(t *testing.T) {
	a := New(rankingSize, threshold)

	for cycle := 1; cycle <= threshold; cycle++ {
		sample(a, map[uint32]int{
			64: cycle * 10, // the grower
			16: 3,          // static noise
			32: 5,
		})
		if cycle < threshold {
			assert.Emptyf(t, suspectedSizes(a), "reported early at cycle %d", cycle)
		}
	}
	assert.Equal(t, []uint32{64}, suspectedSizes(a))
}

// TestPlateauStaysReported: once reported, a series that stops growing
// keeps its report.
func TestPlateauStaysReported(t *testing.T) {
	a := New(rankingSize, threshold)

	for cycle := 1; cycle <= threshold; cycle++ {
		sample(a, map[uint32]int{64: cycle * 10, 16: 3})
	}
	require.Equal(t, []uint32{64}, suspectedSizes(a))

	for cycle := 0; cycle < 10; cycle++ {
		sample(a, map[uint32]int{64: threshold * 10, 16: 3})
		assert.Equalf(t, []uint32{64}, suspectedSizes(a), "lost report at plateau cycle %d", cycle)
	}
}

// TestFluctuatingValueRecovers: a reported value whose delta flips
// sign every sample leaves the reported set within T samples.
func TestFluctuatingValueRecovers(t *testing.T) {
	a := New(rankingSize, threshold)

	for cycle := 1; cycle <= threshold; cycle++ {
		sample(a, map[uint32]int{64: cycle * 10, 16: 3})
	}
	require.Equal(t, []uint32{64}, suspectedSizes(a))

	base := threshold * 10
	gone := false
	for cycle := 0; cycle < 2*threshold; cycle++ {
		count := base
		if cycle%2 == 0 {
			count = base - 7
		}
		sample(a, map[uint32]int{64: count, 16: 3})
		if len(suspectedSizes(a)) == 0 {
			gone = true
		}
	}
	assert.True(t, gone, "fluctuating value never left the reported set")
	assert.Empty(t, suspectedSizes(a), "fluctuating value still reported after recovery window")
}

// TestOscillatorNeverReported: a value alternately gaining and losing
// one allocation never accumulates enough suspicion.
func TestOscillatorNeverReported(t *testing.T) {
	a := New(rankingSize, threshold)

	for cycle := 0; cycle < 20; cycle++ {
		count := 0
		if cycle%2 == 0 {
			count = 1
		}
		sample(a, map[uint32]int{64: count})
		assert.Emptyf(t, suspectedSizes(a), "oscillator reported at cycle %d", cycle)
	}
}

// TestTwoGrowersBothReported: two values growing at different rates
// are both reported, and the reported list is sorted by value.
func TestTwoGrowersBothReported(t *testing.T) {
	a := New(rankingSize, threshold)

	for cycle := 1; cycle <= threshold; cycle++ {
		pairs := map[uint32]int{
			124: cycle * 3,
			112: cycle * 4,
		}
		// Plenty of flat peers so the growers stand out.
		for s := uint32(4); s <= 40; s += 4 {
			pairs[s] = 0
		}
		sample(a, pairs)
	}
	assert.Equal(t, []uint32{112, 124}, suspectedSizes(a))
}

// TestUniformSamplesReportNothing: identical samples score each value
// once on the first sample (delta against nothing) and then have zero
// deltas everywhere, so nothing is ever reported.
func TestUniformSamplesReportNothing(t *testing.T) {
	a := New(rankingSize, threshold)

	for cycle := 0; cycle < 10; cycle++ {
		sample(a, map[uint32]int{16: 100, 32: 100, 64: 100})
		assert.Empty(t, suspectedSizes(a))
	}
}

// TestLoneGrowerInSingletonRanking: tier-2 tables often rank a single
// call stack; a lone rising entry must still score.
func TestLoneGrowerInSingletonRanking(t *testing.T) {
	a := New(rankingSize, threshold)

	for cycle := 1; cycle <= threshold; cycle++ {
		sample(a, map[uint32]int{72: cycle * 5})
	}
	assert.Equal(t, []uint32{72}, suspectedSizes(a))
}

func TestDumpRendersState(t *testing.T) {
	a := New(rankingSize, threshold)
	for cycle := 1; cycle <= threshold; cycle++ {
		sample(a, map[uint32]int{64: cycle * 10, 16: 3})
	}

	dump := a.Dump()
	assert.Contains(t, dump, "Top entries:")
	assert.Contains(t, dump, "Suspicion scores:")
	assert.Contains(t, dump, "Suspected leaks: 64")
}

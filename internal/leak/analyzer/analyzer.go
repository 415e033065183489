// Package analyzer implements the hysteresis suspicion engine shared by
// both analysis tiers.
//
// The analyzer consumes one ranked list of (value, net-alloc-count)
// pairs per analysis cycle and maintains a suspicion score per value. A
// value is reported as a suspected leak once its score reaches the
// configured threshold, and stops being reported once the score decays
// below it.
//
// Per sample, the engine:
//
//  1. Computes each ranked value's count delta against the previous
//     sample (absent values count as zero).
//  2. Flags rising outliers: values whose positive delta stands at or
//     above mean + one standard deviation of all deltas in the ranking.
//  3. Scores: an outlier gains a point only when its count sets a new
//     high-water mark; a value whose count declined loses a point, and
//     is forgotten when its score reaches zero.
//
// The high-water-mark gate is what separates a leak from an oscillator:
// a steadily growing series sets a new mark every cycle and accumulates
// score monotonically, while a series that alternately grows and shrinks
// revisits old marks, gains nothing, and decays out. A leak that stops
// growing (plateaus) neither gains nor loses score, so it stays
// reported.
package analyzer

import (
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/kolkov/leakdetector/internal/leak/rankedlist"
	"github.com/kolkov/leakdetector/internal/leak/value"
)

// suspicion tracks one value's score and the highest count at which it
// was last scored.
type suspicion struct {
	score uint32
	peak  int
}

// Analyzer looks for possible leak patterns in allocation data over
// time. Not safe for concurrent use.
type Analyzer struct {
	rankingSize    int
	scoreThreshold uint32

	// The previous sample's ranking, for delta computation.
	prev *rankedlist.List

	// Suspicion histogram. Every value present here is currently under
	// suspicion; entries are removed when their score decays to zero.
	hist map[value.Value]*suspicion

	// Values whose score has reached the threshold, sorted by value.
	// Rebuilt on every AddSample so callers see stable ordering.
	suspected []value.Value
}

// New creates an Analyzer examining the top rankingSize entries and
// reporting values after scoreThreshold accumulated suspicions.
func New(rankingSize, scoreThreshold int) *Analyzer {
	return &Analyzer{
		rankingSize:    rankingSize,
		scoreThreshold: uint32(scoreThreshold),
		hist:           make(map[value.Value]*suspicion),
	}
}

// SuspectedLeaks returns the currently reported values, sorted by
// value. The slice is owned by the Analyzer and valid until the next
// AddSample.
func (a *Analyzer) SuspectedLeaks() []value.Value {
	return a.suspected
}

// AddSample feeds one analysis cycle's ranking into the engine. The
// list is retained by the Analyzer; the caller must not reuse it.
func (a *Analyzer) AddSample(rl *rankedlist.List) {
	entries := rl.Entries()

	type deltaEntry struct {
		val   value.Value
		delta int
		count int
	}
	deltas := make([]deltaEntry, 0, len(entries))
	present := make(map[value.Value]struct{}, len(entries))

	for _, e := range entries {
		prevCount, _ := a.previousCount(e.Value)
		deltas = append(deltas, deltaEntry{e.Value, e.Count - prevCount, e.Count})
		present[e.Value] = struct{}{}
	}

	// Rising-outlier cutoff: mean + stddev over every delta in the
	// ranking. With a single entry the cutoff equals its own delta, so
	// a lone grower still scores.
	var mean, sd float64
	if len(deltas) > 0 {
		var sum float64
		for _, d := range deltas {
			sum += float64(d.delta)
		}
		mean = sum / float64(len(deltas))
		var varSum float64
		for _, d := range deltas {
			diff := float64(d.delta) - mean
			varSum += diff * diff
		}
		sd = math.Sqrt(varSum / float64(len(deltas)))
	}
	cutoff := mean + sd

	suspects := make(map[value.Value]struct{})
	for _, d := range deltas {
		if d.delta > 0 && float64(d.delta) >= cutoff {
			suspects[d.val] = struct{}{}
			s := a.hist[d.val]
			if s == nil {
				s = &suspicion{}
				a.hist[d.val] = s
			}
			if d.count > s.peak {
				s.score++
				s.peak = d.count
			}
		}
	}

	// Decay values whose counts declined, and values that fell out of
	// the ranking entirely.
	for _, d := range deltas {
		if _, ok := suspects[d.val]; ok || d.delta >= 0 {
			continue
		}
		a.decay(d.val)
	}
	for v := range a.hist {
		if _, ok := present[v]; !ok {
			a.decay(v)
		}
	}

	a.prev = rl

	a.suspected = a.suspected[:0]
	for v, s := range a.hist {
		if s.score >= a.scoreThreshold {
			a.suspected = append(a.suspected, v)
		}
	}
	sort.Slice(a.suspected, func(i, j int) bool {
		return a.suspected[i].Less(a.suspected[j])
	})
}

func (a *Analyzer) decay(v value.Value) {
	s := a.hist[v]
	if s == nil {
		return
	}
	if s.score > 0 {
		s.score--
	}
	if s.score == 0 {
		delete(a.hist, v)
	}
}

// previousCount returns the value's count from the previous sample and
// whether it was present.
func (a *Analyzer) previousCount(v value.Value) (int, bool) {
	if a.prev == nil {
		return 0, false
	}
	for _, e := range a.prev.Entries() {
		if e.Value == v {
			return e.Count, true
		}
	}
	return 0, false
}

// Dump renders the analyzer's state for verbose logging: the most
// recent ranking, the suspicion histogram, and the reported set.
func (a *Analyzer) Dump() string {
	var b strings.Builder

	b.WriteString("Top entries:\n")
	if a.prev != nil {
		for _, e := range a.prev.Entries() {
			b.WriteString("  ")
			b.WriteString(e.Value.String())
			b.WriteString(": ")
			b.WriteString(strconv.Itoa(e.Count))
			b.WriteByte('\n')
		}
	}

	b.WriteString("Suspicion scores:\n")
	keys := make([]value.Value, 0, len(a.hist))
	for v := range a.hist {
		keys = append(keys, v)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
	for _, v := range keys {
		b.WriteString("  ")
		b.WriteString(v.String())
		b.WriteString(": ")
		b.WriteString(strconv.Itoa(int(a.hist[v].score)))
		b.WriteByte('\n')
	}

	b.WriteString("Suspected leaks:")
	for _, v := range a.suspected {
		b.WriteByte(' ')
		b.WriteString(v.String())
	}
	b.WriteByte('\n')
	return b.String()
}

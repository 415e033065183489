// Package stacktable implements the tier-2 aggregate: for a single
// suspected allocation size, a table of net allocation counts per call
// stack, with an embedded analyzer that nominates specific stacks.
//
// The table does not own the CallStack objects it references; the
// interner guarantees one object per distinct stack, so entries are
// keyed by the stack's precomputed 32-bit hash and never re-examine
// frames. Keying on the hash also lets the free path remove an entry
// knowing only the hash recovered from the address map.
package stacktable

import (
	"strconv"
	"strings"

	"github.com/kolkov/leakdetector/internal/leak/analyzer"
	"github.com/kolkov/leakdetector/internal/leak/callstack"
	"github.com/kolkov/leakdetector/internal/leak/rankedlist"
	"github.com/kolkov/leakdetector/internal/leak/value"
)

// Examine the top this-many call stacks per analysis cycle.
const rankedListSize = 16

// entry tracks one call stack's net allocation count.
type entry struct {
	stack *callstack.CallStack
	net   uint32
}

// Table aggregates allocations by call stack for one size bucket.
// Not safe for concurrent use.
type Table struct {
	numAllocs uint32
	numFrees  uint32

	entries map[uint32]*entry

	analyzer *analyzer.Analyzer

	// Removes that found no live entry. A nonzero value means frees
	// outran allocs for some stack (aliased sampling); the count is
	// clamped rather than driven negative.
	underflows uint32
}

// New creates a Table whose analyzer reports a call stack after
// suspicionThreshold accumulated suspicions.
func New(suspicionThreshold int) *Table {
	return &Table{
		entries:  make(map[uint32]*entry),
		analyzer: analyzer.New(rankedListSize, suspicionThreshold),
	}
}

// Add records one allocation at the given call stack.
func (t *Table) Add(cs *callstack.CallStack) {
	e := t.entries[cs.Hash]
	if e == nil {
		e = &entry{stack: cs}
		t.entries[cs.Hash] = e
	}
	e.net++
	t.numAllocs++
}

// Remove records one free at the given call stack.
func (t *Table) Remove(cs *callstack.CallStack) {
	t.RemoveByHash(cs.Hash)
}

// RemoveByHash records one free for the stack with the given stored
// hash. The free path uses this form: the address map keeps only the
// hash, not the pointer.
//
// A hash with no live entry is counted and otherwise ignored. Entries
// whose net count reaches zero are erased; they are recreated if the
// stack allocates again.
func (t *Table) RemoveByHash(h uint32) {
	e := t.entries[h]
	if e == nil {
		t.underflows++
		return
	}
	e.net--
	t.numFrees++
	if e.net == 0 {
		delete(t.entries, h)
	}
}

// TestForLeaks ranks the table's positive-net entries and feeds them to
// the embedded analyzer. Suspected stacks are then available from
// SuspectedLeaks.
func (t *Table) TestForLeaks() {
	rl := rankedlist.New(rankedListSize)
	for _, e := range t.entries {
		if e.net > 0 {
			rl.Add(value.Stack(e.stack), int(e.net))
		}
	}
	t.analyzer.AddSample(rl)
}

// SuspectedLeaks returns the call stacks currently reported by the
// embedded analyzer, sorted by value.
func (t *Table) SuspectedLeaks() []value.Value {
	return t.analyzer.SuspectedLeaks()
}

// Size returns the number of distinct call stacks with a live entry.
func (t *Table) Size() int { return len(t.entries) }

// Empty reports whether the table has no live entries.
func (t *Table) Empty() bool { return len(t.entries) == 0 }

// NumAllocs returns the total allocations recorded.
func (t *Table) NumAllocs() uint32 { return t.numAllocs }

// NumFrees returns the total frees recorded.
func (t *Table) NumFrees() uint32 { return t.numFrees }

// Underflows returns the number of removes that found no entry.
func (t *Table) Underflows() uint32 { return t.underflows }

// Dump renders the table's counters and analyzer state for verbose
// logging.
func (t *Table) Dump() string {
	var b strings.Builder
	b.WriteString("Total number of allocations: ")
	b.WriteString(strconv.FormatUint(uint64(t.numAllocs), 10))
	b.WriteString("\nTotal number of frees: ")
	b.WriteString(strconv.FormatUint(uint64(t.numFrees), 10))
	b.WriteString("\nNet number of allocations: ")
	b.WriteString(strconv.FormatUint(uint64(t.numAllocs-t.numFrees), 10))
	b.WriteString("\nTotal number of distinct stack traces: ")
	b.WriteString(strconv.Itoa(len(t.entries)))
	b.WriteByte('\n')
	b.WriteString(t.analyzer.Dump())
	return b.String()
}

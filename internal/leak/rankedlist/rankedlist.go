// Package rankedlist implements the bounded top-K aggregate both
// analysis tiers feed into the leak analyzer.
//
// A List holds at most its configured capacity of (value, count) pairs,
// ordered by count descending with ties broken by value ascending. Adds
// that cannot displace the tail are rejected, so a full pass over an
// arbitrarily large input retains exactly the K greatest counts.
package rankedlist

import (
	"sort"

	"github.com/kolkov/leakdetector/internal/leak/value"
)

// Entry is a single ranked (value, count) pair.
type Entry struct {
	Value value.Value
	Count int
}

// List is a bounded list of entries kept in sorted order.
// Lists are built fresh each analysis cycle and handed off to the
// analyzer; they are not safe for concurrent use.
type List struct {
	maxSize int
	entries []Entry
}

// New creates a List that retains at most maxSize entries.
func New(maxSize int) *List {
	return &List{
		maxSize: maxSize,
		entries: make([]Entry, 0, maxSize),
	}
}

// Size returns the number of entries currently held.
func (l *List) Size() int { return len(l.entries) }

// MaxSize returns the capacity.
func (l *List) MaxSize() int { return l.maxSize }

// Entries returns the entries in sorted order. The slice is owned by the
// List; callers must not modify it.
func (l *List) Entries() []Entry { return l.entries }

// MinCount returns the smallest retained count, or 0 if empty.
func (l *List) MinCount() int {
	if len(l.entries) == 0 {
		return 0
	}
	return l.entries[len(l.entries)-1].Count
}

// MaxCount returns the largest retained count, or 0 if empty.
func (l *List) MaxCount() int {
	if len(l.entries) == 0 {
		return 0
	}
	return l.entries[0].Count
}

// Add inserts a (value, count) pair, keeping the list sorted and
// bounded. When the list is full, a count no greater than the current
// tail is rejected. Existing entries with the same value are not
// coalesced; callers aggregate before ranking.
func (l *List) Add(v value.Value, count int) {
	if len(l.entries) == l.maxSize && count <= l.MinCount() {
		return
	}

	// First position where the new entry sorts before the resident one:
	// higher count, or equal count and smaller value.
	idx := sort.Search(len(l.entries), func(i int) bool {
		e := l.entries[i]
		if count != e.Count {
			return count > e.Count
		}
		return v.Less(e.Value)
	})

	l.entries = append(l.entries, Entry{})
	copy(l.entries[idx+1:], l.entries[idx:])
	l.entries[idx] = Entry{Value: v, Count: count}

	if len(l.entries) > l.maxSize {
		l.entries = l.entries[:l.maxSize]
	}
}

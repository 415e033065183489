// Package addrmap implements the live-allocation index: a map from
// sampled allocation addresses to what is known about them (size and,
// when a stack was captured, the interned call stack's hash).
//
// Two implementations satisfy the same contract. Compact is the
// production structure: a four-level spatial decomposition of the
// address space that stores block-relative offsets instead of full
// addresses. Simple is a conventional chained hash map, kept for
// comparison and as the reference for the contract's semantics. Both
// draw all memory from the detector's arena.
//
// Neither implementation is safe for concurrent use; the detector
// serialises access under its spin lock.
package addrmap

// AllocInfo is what the map records per live allocation.
//
// Size is the allocation size as stored (capped at 15 bits by the
// compact variant, matching its packed entry layout). CallStackHash is
// the interned stack's stored hash, valid only when HasCallStack is
// set.
type AllocInfo struct {
	Size          uint32
	HasCallStack  bool
	CallStackHash uint32
}

// Map is the live-allocation index contract.
type Map interface {
	// Insert records a live allocation at ptr. An existing entry for
	// the same ptr is overwritten in place: pointer-keyed sampling can
	// observe two lifetimes of the same address slot with the
	// intervening free unrecorded. Returns false if the entry could not
	// be stored (arena exhausted); the event is dropped.
	Insert(ptr uintptr, size uint32, callStackHash uint32, hasCallStack bool) bool

	// FindAndRemove looks up ptr, and if present copies its record into
	// out, removes the entry and returns true. Returns false for
	// addresses never inserted (the common case: the alloc was not
	// sampled).
	FindAndRemove(ptr uintptr, out *AllocInfo) bool

	// Size returns the number of live entries.
	Size() int
}

// Package callstack implements interned call stacks and the trie-based
// manager that owns them.
//
// Every distinct (depth, frames) sequence observed by the detector maps
// to exactly one CallStack object, so pointer equality is content
// equality everywhere downstream: the per-size tables key on the stack's
// precomputed hash and never compare frames again.
//
// The manager stores stacks in a trie keyed frame-by-frame, walked from
// the outermost frame inward. Interning a stack that shares a prefix
// with an existing one allocates only the nodes for the new suffix,
// which is the common case for deep stacks under a common entry point.
// Each node carries the running 32-bit digest of its path; the leaf
// finishes the digest into the CallStack's stored hash.
//
// All memory comes from the detector's arena. CallStacks are never freed
// individually; the whole trie is dropped when the arena is released at
// shutdown.
package callstack

import (
	"unsafe"

	"github.com/kolkov/leakdetector/internal/leak/arena"
	"github.com/kolkov/leakdetector/internal/leak/hash"
)

// CallStack is an immutable interned call stack.
//
// Depth is the number of valid entries in Frames. Hash is the finished
// 32-bit digest of the first Depth frames; it is computed once at
// interning and consulted by every table that buckets on stacks.
//
// CallStack objects live in arena memory. Holding a *CallStack is safe
// for the lifetime of the Manager that produced it.
type CallStack struct {
	Depth  uint32
	Hash   uint32
	Frames []uintptr
}

// node is one trie level: the frame it consumes, the running digest of
// the path from the root, a sibling chain, the first child, and the
// interned stack ending here (if any).
type node struct {
	frame uintptr
	hash  uint32
	_     uint32
	next  *node
	child *node
	leaf  *CallStack
}

// Manager interns call stacks. It is not safe for concurrent use; the
// detector serialises access under its spin lock.
type Manager struct {
	arena *arena.Arena
	root  node

	numStacks int
	numNodes  int
}

// NewManager creates a Manager whose stacks and trie nodes are allocated
// from a.
func NewManager(a *arena.Arena) *Manager {
	return &Manager{arena: a}
}

// Intern returns the canonical CallStack for the given frame sequence,
// creating it on first sight.
//
// Two calls with element-wise equal frames return the same pointer.
// Returns nil for an empty sequence, or when the arena is exhausted;
// callers treat nil as "no stack available" and drop the stack
// association for the current event.
func (m *Manager) Intern(frames []uintptr) *CallStack {
	if len(frames) == 0 {
		return nil
	}

	n := &m.root
	for i := len(frames) - 1; i >= 0; i-- {
		f := frames[i]

		var found *node
		for c := n.child; c != nil; c = c.next {
			if c.frame == f {
				found = c
				break
			}
		}
		if found == nil {
			found = m.newNode()
			if found == nil {
				return nil
			}
			found.frame = f
			found.hash = hash.StepUintptr(n.hash, f)
			found.next = n.child
			n.child = found
		}
		n = found
	}

	if n.leaf != nil {
		return n.leaf
	}

	cs := m.newCallStack(frames, hash.Finish(n.hash))
	if cs == nil {
		return nil
	}
	n.leaf = cs
	m.numStacks++
	return cs
}

// Size returns the number of distinct interned call stacks.
func (m *Manager) Size() int {
	return m.numStacks
}

// Nodes returns the number of trie nodes allocated, a telemetry signal
// for how well stacks share prefixes.
func (m *Manager) Nodes() int {
	return m.numNodes
}

func (m *Manager) newNode() *node {
	b := m.arena.Alloc(int(unsafe.Sizeof(node{})))
	if b == nil {
		return nil
	}
	m.numNodes++
	return (*node)(unsafe.Pointer(&b[0]))
}

func (m *Manager) newCallStack(frames []uintptr, h uint32) *CallStack {
	b := m.arena.Alloc(int(unsafe.Sizeof(CallStack{})))
	if b == nil {
		return nil
	}
	fb := m.arena.Alloc(len(frames) * int(unsafe.Sizeof(uintptr(0))))
	if fb == nil {
		return nil
	}

	cs := (*CallStack)(unsafe.Pointer(&b[0]))
	cs.Depth = uint32(len(frames))
	cs.Hash = h
	cs.Frames = unsafe.Slice((*uintptr)(unsafe.Pointer(&fb[0])), len(frames))
	copy(cs.Frames, frames)
	return cs
}

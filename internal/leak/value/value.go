// Package value defines the tagged value the two analysis tiers rank and
// score: an allocation size at tier 1, an interned call stack at tier 2.
//
// Values are small, comparable, and totally ordered (kind first, then
// payload), so they can key the analyzer's suspicion histogram and give
// the reported-leaks list a stable sort order across cycles.
package value

import (
	"fmt"
	"unsafe"

	"github.com/kolkov/leakdetector/internal/leak/callstack"
)

// Kind discriminates the payload of a Value.
type Kind uint8

const (
	// KindNone is the zero Value.
	KindNone Kind = iota
	// KindSize carries an allocation size in bytes.
	KindSize
	// KindCallStack carries an interned call stack.
	KindCallStack
)

// String returns the kind's display name.
func (k Kind) String() string {
	switch k {
	case KindSize:
		return "size"
	case KindCallStack:
		return "call stack"
	default:
		return "(none)"
	}
}

// Value is a tagged union of an allocation size or a call stack pointer.
// The zero Value has KindNone. Values are comparable and usable as map
// keys.
type Value struct {
	kind  Kind
	size  uint32
	stack *callstack.CallStack
}

// Size returns a Value holding an allocation size.
func Size(s uint32) Value {
	return Value{kind: KindSize, size: s}
}

// Stack returns a Value holding an interned call stack.
func Stack(cs *callstack.CallStack) Value {
	return Value{kind: KindCallStack, stack: cs}
}

// Kind returns the value's kind.
func (v Value) Kind() Kind { return v.kind }

// SizeBytes returns the size payload; valid only for KindSize.
func (v Value) SizeBytes() uint32 { return v.size }

// CallStack returns the stack payload; valid only for KindCallStack.
func (v Value) CallStack() *callstack.CallStack { return v.stack }

// Less orders values by kind first, then by payload. Call stacks order
// by pointer address: the interner guarantees one object per distinct
// stack, so address order is arbitrary but stable, which is all the
// reported-leaks sort needs.
func (v Value) Less(o Value) bool {
	if v.kind != o.kind {
		return v.kind < o.kind
	}
	switch v.kind {
	case KindSize:
		return v.size < o.size
	case KindCallStack:
		return uintptr(unsafe.Pointer(v.stack)) < uintptr(unsafe.Pointer(o.stack))
	default:
		return false
	}
}

// String renders the payload for logs.
func (v Value) String() string {
	switch v.kind {
	case KindSize:
		return fmt.Sprintf("%d", v.size)
	case KindCallStack:
		return fmt.Sprintf("%p", v.stack)
	default:
		return "(none)"
	}
}

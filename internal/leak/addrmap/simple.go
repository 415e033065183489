package addrmap

import (
	"encoding/binary"
	"unsafe"

	"github.com/cespare/xxhash/v2"

	"github.com/kolkov/leakdetector/internal/leak/arena"
)

// Bucket count for the simple variant, sized for roughly 100k live
// entries. Prime, to spread addresses with shared low bits.
const simpleNumBuckets = 100003

// sentry is the simple variant's per-allocation record. Unlike the
// compact entry it stores the full address, which is what the extra
// memory per entry buys simplicity with.
type sentry struct {
	next *sentry
	addr uintptr
	info AllocInfo
}

// Simple is a chained hash map from allocation address to AllocInfo.
// It satisfies the same contract as Compact with a fraction of the
// code, at a higher per-entry cost.
type Simple struct {
	arena   *arena.Arena
	buckets []*sentry
	num     int

	maxSteps uint64
}

// NewSimple creates a simple map drawing from a. As with Compact, a
// failed bucket-table allocation leaves the map permanently empty.
func NewSimple(a *arena.Arena) *Simple {
	s := &Simple{arena: a}
	n := simpleNumBuckets * int(unsafe.Sizeof((*sentry)(nil)))
	if b := a.Alloc(n); b != nil {
		s.buckets = unsafe.Slice((**sentry)(unsafe.Pointer(&b[0])), simpleNumBuckets)
	}
	return s
}

// Size returns the number of live entries.
func (s *Simple) Size() int { return s.num }

// MaxSteps returns the longest chain walked by an Insert.
func (s *Simple) MaxSteps() uint64 { return s.maxSteps }

func bucketFor(addr uintptr) int {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(addr))
	return int(xxhash.Sum64(buf[:]) % simpleNumBuckets)
}

// Insert records a live allocation at ptr, overwriting in place when an
// entry for the same address already exists.
func (s *Simple) Insert(ptr uintptr, size uint32, callStackHash uint32, hasCallStack bool) bool {
	if s.buckets == nil {
		return false
	}
	idx := bucketFor(ptr)

	var steps uint64
	for e := s.buckets[idx]; e != nil; e = e.next {
		steps++
		if e.addr == ptr {
			e.info = AllocInfo{Size: size, HasCallStack: hasCallStack, CallStackHash: callStackHash}
			if steps > s.maxSteps {
				s.maxSteps = steps
			}
			return true
		}
	}

	b := s.arena.Alloc(int(unsafe.Sizeof(sentry{})))
	if b == nil {
		return false
	}
	e := (*sentry)(unsafe.Pointer(&b[0]))
	e.addr = ptr
	e.info = AllocInfo{Size: size, HasCallStack: hasCallStack, CallStackHash: callStackHash}
	e.next = s.buckets[idx]
	s.buckets[idx] = e
	s.num++

	if steps > s.maxSteps {
		s.maxSteps = steps
	}
	return true
}

// FindAndRemove looks up ptr; on a hit it fills out, returns the entry
// to the arena, and reports true.
func (s *Simple) FindAndRemove(ptr uintptr, out *AllocInfo) bool {
	if s.buckets == nil {
		return false
	}
	idx := bucketFor(ptr)

	for pp := &s.buckets[idx]; *pp != nil; pp = &(*pp).next {
		e := *pp
		if e.addr == ptr {
			*out = e.info
			*pp = e.next
			s.arena.FreeBlock(unsafe.Pointer(e), int(unsafe.Sizeof(sentry{})))
			s.num--
			return true
		}
	}
	return false
}

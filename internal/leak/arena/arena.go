// Package arena implements the detector's private allocator.
//
// Every internal structure of the leak detector (interned call stacks,
// address-map clusters and entries, free lists) lives in memory obtained
// here rather than on the observed heap or the garbage-collected heap.
// Blocks are carved out of large mmap'd chunks, recycled through
// per-size-class free lists, and released wholesale at Shutdown.
//
// The arena never calls into the allocator being observed, and after
// warm-up it does not grow the Go heap either: chunk bookkeeping is a
// small fixed-cost slice, and block headers are threaded through the
// blocks themselves.
//
// Exhaustion degrades, it does not fail: once the configured limit is
// reached Alloc returns nil and a saturating overflow counter is
// incremented. Callers treat a nil block as "drop the current event".
package arena

import (
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	// Granularity of mmap requests. Allocations larger than this get a
	// dedicated chunk of their exact (page-rounded) size.
	chunkSize = 1 << 20

	// DefaultLimit bounds total mapped memory when the caller does not
	// specify one.
	DefaultLimit = 256 << 20

	// Size classes are powers of two in [minClassSize, maxClassSize].
	// minClassSize leaves room for the free-list link written into
	// recycled blocks.
	minClassSize = 16
	maxClassSize = 1 << 16
	numClasses   = 13 // 16 .. 65536
)

// ErrAccounting is returned by Shutdown when the arena's alloc/free
// bookkeeping was found inconsistent (a double free or a corrupted
// block size). That is a bug in the detector itself, not in the
// observed process; the caller logs it and proceeds with the
// tear-down. Blocks merely still in use at shutdown are normal: the
// detector's resident structures are released wholesale.
var ErrAccounting = errors.New("arena: inconsistent allocation accounting")

// Stats describes the arena's memory accounting.
type Stats struct {
	// BytesMapped is the total size of all mmap'd chunks.
	BytesMapped uint64

	// BytesInUse is the total size (rounded to size class) of blocks
	// currently handed out.
	BytesInUse uint64

	// Allocs and Frees count Alloc and Free calls that succeeded.
	Allocs uint64
	Frees  uint64

	// Overflows counts Alloc calls rejected because the limit was
	// reached. A nonzero value means events were dropped.
	Overflows uint64
}

// Arena is a private bump-and-recycle allocator.
//
// Not safe for concurrent use; the detector serialises all access under
// its spin lock.
type Arena struct {
	limit uint64

	chunks [][]byte // mmap'd regions, released at Shutdown
	cur    []byte   // unused tail of the newest chunk

	// Heads of intrusive free lists, one per size class. Each entry is
	// the address of a recycled block whose first word links to the
	// next.
	freeHeads [numClasses]uintptr

	stats        Stats
	down         bool
	inconsistent bool
}

// New creates an arena bounded by limit bytes of mapped memory.
// A limit of 0 selects DefaultLimit.
func New(limit uint64) *Arena {
	if limit == 0 {
		limit = DefaultLimit
	}
	return &Arena{limit: limit}
}

// classFor returns the size-class index and the class's block size for a
// request of n bytes, or (-1, n rounded to page) for oversize requests.
func classFor(n int) (int, int) {
	size := minClassSize
	for c := 0; c < numClasses; c++ {
		if n <= size {
			return c, size
		}
		size <<= 1
	}
	const pageMask = 4096 - 1
	return -1, (n + pageMask) &^ pageMask
}

// Alloc returns a zeroed block of at least n bytes, or nil if the arena
// is exhausted or shut down.
//
// The returned slice has len n; its capacity is the block's size class,
// which Free uses to recycle it. The memory is valid until Free or
// Shutdown.
func (a *Arena) Alloc(n int) []byte {
	if n <= 0 || a.down {
		return nil
	}

	class, size := classFor(n)

	// Reuse a recycled block of the same class.
	if class >= 0 && a.freeHeads[class] != 0 {
		p := a.freeHeads[class]
		a.freeHeads[class] = *(*uintptr)(unsafe.Pointer(p))
		b := unsafe.Slice((*byte)(unsafe.Pointer(p)), size)
		clear(b)
		a.stats.Allocs++
		a.stats.BytesInUse += uint64(size)
		return b[:n:size]
	}

	// Carve from the current chunk.
	if len(a.cur) < size {
		chunk := size
		if chunk < chunkSize {
			chunk = chunkSize
		}
		if a.stats.BytesMapped+uint64(chunk) > a.limit {
			a.stats.Overflows++
			return nil
		}
		mem, err := unix.Mmap(-1, 0, chunk,
			unix.PROT_READ|unix.PROT_WRITE,
			unix.MAP_PRIVATE|unix.MAP_ANON)
		if err != nil {
			a.stats.Overflows++
			return nil
		}
		a.chunks = append(a.chunks, mem)
		a.cur = mem
		a.stats.BytesMapped += uint64(chunk)
	}

	b := a.cur[:size:size]
	a.cur = a.cur[size:]
	a.stats.Allocs++
	a.stats.BytesInUse += uint64(size)
	return b[:n:size]
}

// Free recycles a block previously returned by Alloc.
//
// Oversize blocks (beyond the largest size class) are not recycled; they
// stay mapped until Shutdown. Free of a nil slice is a no-op.
func (a *Arena) Free(b []byte) {
	if b == nil || a.down {
		return
	}
	size := cap(b)
	a.stats.Frees++
	if a.stats.BytesInUse < uint64(size) {
		a.inconsistent = true
		a.stats.BytesInUse = 0
	} else {
		a.stats.BytesInUse -= uint64(size)
	}

	class := -1
	for c, s := 0, minClassSize; c < numClasses; c, s = c+1, s<<1 {
		if size == s {
			class = c
			break
		}
	}
	if class < 0 {
		return
	}

	b = b[:size]
	*(*uintptr)(unsafe.Pointer(&b[0])) = a.freeHeads[class]
	a.freeHeads[class] = uintptr(unsafe.Pointer(&b[0]))
}

// FreeBlock recycles a block by address and requested size, for callers
// that kept only a pointer into the block rather than the slice Alloc
// returned. n must be the size originally requested.
func (a *Arena) FreeBlock(p unsafe.Pointer, n int) {
	if p == nil {
		return
	}
	_, size := classFor(n)
	a.Free(unsafe.Slice((*byte)(p), size))
}

// Stats returns a copy of the current accounting.
func (a *Arena) Stats() Stats {
	return a.stats
}

// Shutdown unmaps all chunks and disables the arena. Blocks still in
// use are released with everything else.
//
// Returns ErrAccounting (wrapped with the outstanding byte count) if
// the arena's bookkeeping was found inconsistent; the memory is
// released regardless.
func (a *Arena) Shutdown() error {
	if a.down {
		return nil
	}
	a.down = true

	inUse := a.stats.BytesInUse
	for _, c := range a.chunks {
		_ = unix.Munmap(c)
	}
	a.chunks = nil
	a.cur = nil
	for i := range a.freeHeads {
		a.freeHeads[i] = 0
	}
	a.stats.BytesInUse = 0
	a.stats.BytesMapped = 0

	if a.inconsistent {
		return fmt.Errorf("%w: %d bytes recorded in use", ErrAccounting, inUse)
	}
	return nil
}

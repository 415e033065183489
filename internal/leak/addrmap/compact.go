package addrmap

import (
	"unsafe"

	"github.com/kolkov/leakdetector/internal/leak/arena"
)

// Spatial decomposition of the address space. Allocations cluster
// tightly, so interior levels are allocated only where addresses
// actually land, and an entry needs just its offset within a 256-byte
// block: the full address is recomputed from the path down the levels.
const (
	blockSize = 256

	blocksPerPage = 16
	pageSize      = blocksPerPage * blockSize // 4 KiB

	pagesPerSubcluster = 16
	subclusterSize     = pagesPerSubcluster * pageSize // 64 KiB

	subclustersPerCluster = 16
	clusterSize           = subclustersPerCluster * subclusterSize // 1 MiB

	// Direct-indexed for a 32-bit address space; wider addresses fold
	// by modulo and disambiguate via the cluster id chain.
	clusterHashTableSize = (1 << 32) / clusterSize

	// Allocate free entries this many at a time.
	entryBulkAllocCount = 64

	// The packed entry stores its size in 15 bits.
	maxEntrySize = 1<<15 - 1

	hasCallStackFlag = 1 << 15
)

// centry is the packed per-allocation record: chain link, offset within
// the block, size with a has-call-stack flag folded into the top bit,
// and the interned stack hash.
type centry struct {
	next     *centry
	offset   uint16
	sizeFlag uint16
	hash     uint32
}

func (e *centry) store(offset uint16, size uint32, callStackHash uint32, hasCallStack bool) {
	if size > maxEntrySize {
		size = maxEntrySize
	}
	e.offset = offset
	e.sizeFlag = uint16(size)
	if hasCallStack {
		e.sizeFlag |= hasCallStackFlag
		e.hash = callStackHash
	} else {
		e.hash = 0
	}
}

func (e *centry) load(out *AllocInfo) {
	out.Size = uint32(e.sizeFlag &^ hasCallStackFlag)
	out.HasCallStack = e.sizeFlag&hasCallStackFlag != 0
	out.CallStackHash = e.hash
}

type cpage struct {
	blocks [blocksPerPage]*centry
}

type csubcluster struct {
	pages [pagesPerSubcluster]*cpage
}

type ccluster struct {
	id          uintptr
	next        *ccluster
	subclusters [subclustersPerCluster]*csubcluster
}

// CompactStats is the compact map's telemetry.
type CompactStats struct {
	// HeapBytes is the arena memory consumed by the structure.
	HeapBytes uint64

	// Counts of interior levels materialised so far.
	NumClusters    uint64
	NumSubclusters uint64
	NumPages       uint64

	// NumEntries counts entry records ever allocated (free-listed
	// entries included).
	NumEntries uint64

	// MaxSteps is the longest block chain walked by an Insert.
	MaxSteps uint64
}

// Compact is the production live-allocation index.
type Compact struct {
	arena *arena.Arena

	table       []*ccluster
	freeEntries *centry

	numEntries int
	stats      CompactStats
}

// NewCompact creates a compact map drawing from a. The top-level
// cluster table is allocated eagerly; if the arena cannot supply it the
// map is permanently empty and every Insert fails.
func NewCompact(a *arena.Arena) *Compact {
	c := &Compact{arena: a}
	n := clusterHashTableSize * int(unsafe.Sizeof((*ccluster)(nil)))
	if b := c.alloc(n); b != nil {
		c.table = unsafe.Slice((**ccluster)(unsafe.Pointer(&b[0])), clusterHashTableSize)
	}
	return c
}

// Size returns the number of live entries.
func (c *Compact) Size() int { return c.numEntries }

// Stats returns a copy of the telemetry counters.
func (c *Compact) Stats() CompactStats { return c.stats }

func (c *Compact) alloc(n int) []byte {
	b := c.arena.Alloc(n)
	if b != nil {
		c.stats.HeapBytes += uint64(cap(b))
	}
	return b
}

func (c *Compact) getCluster(addr uintptr) *ccluster {
	id := addr / clusterSize
	idx := id % clusterHashTableSize
	for cl := c.table[idx]; cl != nil; cl = cl.next {
		if cl.id == id {
			return cl
		}
	}

	b := c.alloc(int(unsafe.Sizeof(ccluster{})))
	if b == nil {
		return nil
	}
	cl := (*ccluster)(unsafe.Pointer(&b[0]))
	cl.id = id
	cl.next = c.table[idx]
	c.table[idx] = cl
	c.stats.NumClusters++
	return cl
}

func (c *Compact) getPage(addr uintptr) *cpage {
	if c.table == nil {
		return nil
	}
	cl := c.getCluster(addr)
	if cl == nil {
		return nil
	}

	si := (addr % clusterSize) / subclusterSize
	sc := cl.subclusters[si]
	if sc == nil {
		b := c.alloc(int(unsafe.Sizeof(csubcluster{})))
		if b == nil {
			return nil
		}
		sc = (*csubcluster)(unsafe.Pointer(&b[0]))
		cl.subclusters[si] = sc
		c.stats.NumSubclusters++
	}

	pi := (addr % subclusterSize) / pageSize
	pg := sc.pages[pi]
	if pg == nil {
		b := c.alloc(int(unsafe.Sizeof(cpage{})))
		if b == nil {
			return nil
		}
		pg = (*cpage)(unsafe.Pointer(&b[0]))
		sc.pages[pi] = pg
		c.stats.NumPages++
	}
	return pg
}

// Insert records a live allocation at ptr, overwriting any entry
// already present for the same address.
func (c *Compact) Insert(ptr uintptr, size uint32, callStackHash uint32, hasCallStack bool) bool {
	pg := c.getPage(ptr)
	if pg == nil {
		return false
	}

	block := (ptr % pageSize) / blockSize
	offset := uint16(ptr % blockSize)

	var steps uint64
	for e := pg.blocks[block]; e != nil; e = e.next {
		steps++
		if e.offset == offset {
			e.store(offset, size, callStackHash, hasCallStack)
			if steps > c.stats.MaxSteps {
				c.stats.MaxSteps = steps
			}
			return true
		}
	}

	if c.freeEntries == nil {
		b := c.alloc(entryBulkAllocCount * int(unsafe.Sizeof(centry{})))
		if b == nil {
			return false
		}
		batch := unsafe.Slice((*centry)(unsafe.Pointer(&b[0])), entryBulkAllocCount)
		for i := 0; i < entryBulkAllocCount-1; i++ {
			batch[i].next = &batch[i+1]
		}
		batch[entryBulkAllocCount-1].next = nil
		c.freeEntries = &batch[0]
		c.stats.NumEntries += entryBulkAllocCount
	}

	e := c.freeEntries
	c.freeEntries = e.next
	e.store(offset, size, callStackHash, hasCallStack)
	e.next = pg.blocks[block]
	pg.blocks[block] = e
	c.numEntries++

	if steps > c.stats.MaxSteps {
		c.stats.MaxSteps = steps
	}
	return true
}

// FindAndRemove looks up ptr; on a hit it fills out, unlinks the entry
// back onto the free list, and returns true.
func (c *Compact) FindAndRemove(ptr uintptr, out *AllocInfo) bool {
	pg := c.getPage(ptr)
	if pg == nil {
		return false
	}

	block := (ptr % pageSize) / blockSize
	offset := uint16(ptr % blockSize)

	for pp := &pg.blocks[block]; *pp != nil; pp = &(*pp).next {
		e := *pp
		if e.offset == offset {
			e.load(out)
			*pp = e.next
			e.next = c.freeEntries
			c.freeEntries = e
			c.numEntries--
			return true
		}
	}
	return false
}

// Package detector implements the core leak detector: the per-size
// aggregate array, the two-tier analysis, and report assembly.
//
// Tier 1 ranks size buckets by net allocation count and feeds them to a
// leak analyzer; a size that accumulates enough suspicion gets a
// CallStackTable attached, which switches on stack capture for that
// size. Tier 2 then ranks the call stacks within each attached table
// and nominates specific (size, stack) pairs as suspected leaks.
//
// All methods except ShouldGetStackTraceForSize must be called under
// the detector's spin lock. ShouldGetStackTraceForSize is deliberately
// lock-free: the hook layer consults it before deciding whether to pay
// for stack capture, and the table pointers it reads are published
// atomically.
package detector

import (
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/kolkov/leakdetector/internal/leak/addrmap"
	"github.com/kolkov/leakdetector/internal/leak/analyzer"
	"github.com/kolkov/leakdetector/internal/leak/arena"
	"github.com/kolkov/leakdetector/internal/leak/callstack"
	"github.com/kolkov/leakdetector/internal/leak/rankedlist"
	"github.com/kolkov/leakdetector/internal/leak/stacktable"
	"github.com/kolkov/leakdetector/internal/leak/value"
)

const (
	// Look for leaks in the top this-many entries in each tier.
	rankedListSize = 16

	// Number of size buckets. Sizes quantise to 32-bit words, so the
	// largest natively bucketed allocation is numSizeEntries*4 - 1
	// bytes.
	numSizeEntries = 2048

	sizeGranularity = 4
)

// SizeToIndex converts an allocation size to its bucket index.
//
// Sizes at or beyond the table's reach fold into bucket 0, sharing it
// with zero-byte allocations; huge allocations are effectively ignored
// rather than tracked in a bucket of their own.
func SizeToIndex(size uintptr) int {
	idx := int(size / sizeGranularity)
	if idx < numSizeEntries {
		return idx
	}
	return 0
}

// IndexToSize converts a bucket index back to its representative size.
func IndexToSize(index int) uint32 {
	return uint32(index * sizeGranularity)
}

// allocSizeEntry is one tier-1 bucket. The stack table pointer is
// written under the detector lock and read without it by the hook
// layer, hence the atomic.
type allocSizeEntry struct {
	numAllocs uint32
	numFrees  uint32

	stackTable atomic.Pointer[stacktable.Table]
}

// Stats is a snapshot of the detector's counters.
type Stats struct {
	AllocSize uint64
	FreeSize  uint64

	NumAllocs              uint64
	NumFrees               uint64
	NumAllocsWithCallStack uint64

	NumStackTables uint32

	// DroppedEvents counts sampled events the address map could not
	// store (arena exhausted).
	DroppedEvents uint64

	// InternedStacks is the number of distinct call stacks seen.
	InternedStacks int
}

// Impl is the leak detector core. One instance exists per process,
// owned by the hook layer.
type Impl struct {
	manager    *callstack.Manager
	addressMap addrmap.Map

	sizeAnalyzer *analyzer.Analyzer
	sizeEntries  []allocSizeEntry

	mappingAddr uintptr
	mappingSize uintptr

	callStackSuspicionThreshold int
	verbose                     bool
	logger                      *zap.Logger

	stats Stats
}

// New creates a detector core.
//
// The address map is injected so the hook layer can select the compact
// or the simple variant; both must draw from ar, which also backs the
// call stack interner. mappingAddr/mappingSize describe the host
// binary's text segment for offset normalisation; zero disables it.
func New(
	ar *arena.Arena,
	addressMap addrmap.Map,
	mappingAddr, mappingSize uintptr,
	sizeSuspicionThreshold, callStackSuspicionThreshold int,
	verbose bool,
	logger *zap.Logger,
) *Impl {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Impl{
		manager:                     callstack.NewManager(ar),
		addressMap:                  addressMap,
		sizeAnalyzer:                analyzer.New(rankedListSize, sizeSuspicionThreshold),
		sizeEntries:                 make([]allocSizeEntry, numSizeEntries),
		mappingAddr:                 mappingAddr,
		mappingSize:                 mappingSize,
		callStackSuspicionThreshold: callStackSuspicionThreshold,
		verbose:                     verbose,
		logger:                      logger,
	}
}

// ShouldGetStackTraceForSize reports whether allocations of the given
// size currently need their stack captured. Safe to call without the
// detector lock.
func (d *Impl) ShouldGetStackTraceForSize(size uintptr) bool {
	return d.sizeEntries[SizeToIndex(size)].stackTable.Load() != nil
}

// RecordAlloc records one sampled allocation.
//
// frames is the captured call stack (outermost call last, matching the
// capture order), or empty when no stack was taken. The stack is
// interned and counted only when the size's table is attached.
func (d *Impl) RecordAlloc(ptr uintptr, size uintptr, frames []uintptr) {
	d.stats.AllocSize += uint64(size)
	d.stats.NumAllocs++

	entry := &d.sizeEntries[SizeToIndex(size)]
	entry.numAllocs++

	var csHash uint32
	var hasCS bool
	if table := entry.stackTable.Load(); table != nil && len(frames) > 0 {
		if cs := d.manager.Intern(frames); cs != nil {
			table.Add(cs)
			csHash = cs.Hash
			hasCS = true
			d.stats.NumAllocsWithCallStack++
		}
	}

	if !d.addressMap.Insert(ptr, uint32(size), csHash, hasCS) {
		d.stats.DroppedEvents++
	}
}

// RecordFree records one sampled free. Unknown pointers are ignored:
// the matching alloc was either unsampled or predates the detector.
func (d *Impl) RecordFree(ptr uintptr) {
	var info addrmap.AllocInfo
	if !d.addressMap.FindAndRemove(ptr, &info) {
		return
	}

	entry := &d.sizeEntries[SizeToIndex(uintptr(info.Size))]
	entry.numFrees++

	if info.HasCallStack {
		if table := entry.stackTable.Load(); table != nil {
			table.RemoveByHash(info.CallStackHash)
		}
	}

	d.stats.NumFrees++
	d.stats.FreeSize += uint64(info.Size)
}

// TestForLeaks runs one analysis cycle and appends any suspected leaks
// to *reports (which is reset first).
//
// Tier 1 runs before tier 2 so a size promoted this cycle has its
// table attached immediately; the table's own analysis only begins
// accumulating from the next cycle's allocations.
func (d *Impl) TestForLeaks(doLogging bool, reports *[]Report) {
	if doLogging {
		d.dumpStats()
	}

	// Tier 1: rank net allocation counts per size bucket.
	sizeRanked := rankedlist.New(rankedListSize)
	for i := range d.sizeEntries {
		entry := &d.sizeEntries[i]
		net := int(int32(entry.numAllocs - entry.numFrees))
		sizeRanked.Add(value.Size(IndexToSize(i)), net)
	}
	d.sizeAnalyzer.AddSample(sizeRanked)

	if doLogging && d.verbose {
		d.logger.Info("size analyzer state", zap.String("dump", d.sizeAnalyzer.Dump()))
	}

	// Attach stack tables for newly suspected sizes.
	for _, v := range d.sizeAnalyzer.SuspectedLeaks() {
		size := v.SizeBytes()
		entry := &d.sizeEntries[SizeToIndex(uintptr(size))]
		if entry.stackTable.Load() != nil {
			continue
		}
		if doLogging {
			d.logger.Info("attaching call stack table", zap.Uint32("size", size))
		}
		entry.stackTable.Store(stacktable.New(d.callStackSuspicionThreshold))
		d.stats.NumStackTables++
	}

	// Tier 2: analyse every attached table.
	*reports = (*reports)[:0]
	for i := range d.sizeEntries {
		table := d.sizeEntries[i].stackTable.Load()
		if table == nil || table.Empty() {
			continue
		}

		size := IndexToSize(i)
		if doLogging && d.verbose {
			d.logger.Info("stack table state",
				zap.Uint32("size", size),
				zap.String("dump", table.Dump()))
		}

		table.TestForLeaks()
		for _, v := range table.SuspectedLeaks() {
			cs := v.CallStack()
			offsets := make([]uintptr, cs.Depth)
			for j, frame := range cs.Frames {
				offsets[j] = d.offset(frame)
			}
			report := Report{AllocSizeBytes: size, CallStackOffsets: offsets}
			*reports = append(*reports, report)

			if doLogging {
				d.logger.Warn("suspected leak", zap.Stringer("report", report))
			}
		}
	}

	sortReports(*reports)
}

// Stats returns a snapshot of the detector's counters.
func (d *Impl) Stats() Stats {
	s := d.stats
	s.InternedStacks = d.manager.Size()
	return s
}

// AddressMapSize returns the number of live entries in the address map.
func (d *Impl) AddressMapSize() int {
	return d.addressMap.Size()
}

// offset translates a raw frame address into a mapping-relative offset
// when it falls inside the host binary's text segment.
func (d *Impl) offset(addr uintptr) uintptr {
	if addr >= d.mappingAddr && addr < d.mappingAddr+d.mappingSize {
		return addr - d.mappingAddr
	}
	return addr
}

func (d *Impl) dumpStats() {
	s := d.Stats()
	var pctWithStacks float64
	if s.NumAllocs > 0 {
		pctWithStacks = 100 * float64(s.NumAllocsWithCallStack) / float64(s.NumAllocs)
	}
	d.logger.Info("leak detector stats",
		zap.Uint64("alloc_size", s.AllocSize),
		zap.Uint64("free_size", s.FreeSize),
		zap.Uint64("net_alloc_size", s.AllocSize-s.FreeSize),
		zap.Uint32("num_stack_tables", s.NumStackTables),
		zap.Float64("pct_allocs_with_call_stack", pctWithStacks),
		zap.Int("interned_call_stacks", s.InternedStacks),
		zap.Int("live_address_map_entries", d.addressMap.Size()),
	)
}

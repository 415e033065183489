// Package api implements the process-wide leak detector runtime.
//
// This package owns the single global detector instance and the entry
// points the host wires into its allocator: OnAlloc and OnFree. These
// are CRITICAL HOT PATHS — they run inside the host's allocation path
// for every allocation and free, so everything expensive is gated
// behind two cheap lock-free checks:
//
//  1. The sampling filter: a pure function of the pointer's bits, so an
//     allocation and its matching free always reach the same decision.
//  2. ShouldGetStackTraceForSize: stack capture is paid only for sizes
//     tier 1 has already marked suspect.
//
// Shared state is guarded by a non-reentrant spin lock rather than a
// mutex (see the spinlock package for why). Stack capture happens
// outside the lock; only the bookkeeping that touches the detector's
// tables runs inside it. Analysis is amortised: TestForLeaks runs only
// after DumpIntervalBytes of cumulative allocation, under the same
// lock.
package api

import (
	"errors"
	"runtime"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/kolkov/leakdetector/internal/leak/addrmap"
	"github.com/kolkov/leakdetector/internal/leak/arena"
	"github.com/kolkov/leakdetector/internal/leak/detector"
	"github.com/kolkov/leakdetector/internal/leak/hash"
	"github.com/kolkov/leakdetector/internal/leak/spinlock"
)

// Hard cap on captured stack depth, independent of configuration.
const maxStackDepth = 32

// Frames of detector plumbing between the host call site and the
// capture function: the api entry point and the public facade.
const stripFrames = 2

var (
	// ErrAlreadyInitialized is returned by Init when a detector is
	// already running. First caller wins; later calls are no-ops.
	ErrAlreadyInitialized = errors.New("leak detector already initialized")

	// ErrNotInitialized is returned by Shutdown without a running
	// detector.
	ErrNotInitialized = errors.New("leak detector not initialized")

	// ErrDisabled is returned by Init when the sampling factor is
	// below 1. The detector is not installed at all in that case: a
	// hot path that can never record anything is pure overhead.
	ErrDisabled = errors.New("leak detector disabled by sampling factor")
)

// Config carries the detector's tuning parameters, fixed at Init.
type Config struct {
	// SamplingFactor keeps an event iff the pointer hash's top byte is
	// below it; 0..256, where 256 samples everything. Below 1 the
	// detector is not installed.
	SamplingFactor int

	// StackDepth is the maximum number of frames captured per sampled
	// allocation of a suspected size.
	StackDepth int

	// DumpIntervalBytes is how many bytes of cumulative allocation
	// (sampled or not) pass between analysis cycles.
	DumpIntervalBytes uint64

	// SizeSuspicionThreshold is the tier-1 analyzer's score threshold.
	SizeSuspicionThreshold int

	// CallStackSuspicionThreshold is the tier-2 score threshold.
	CallStackSuspicionThreshold int

	// Verbose makes each analysis cycle dump intermediate ranked lists
	// and suspicion scores through the logger.
	Verbose bool

	// MappingAddr and MappingSize describe the host binary's text
	// segment; reported frames inside the range are rebased to offsets.
	// Zero values disable rebasing.
	MappingAddr uintptr
	MappingSize uintptr

	// ArenaLimitBytes bounds the detector's private memory. Zero
	// selects the arena's default.
	ArenaLimitBytes uint64

	// UseSimpleAddressMap selects the simple chained-hash address map
	// instead of the compact spatial one.
	UseSimpleAddressMap bool

	// CaptureStack fills frames with the current call stack, skipping
	// skip detector-internal frames, and returns the depth captured.
	// It is invoked outside the detector lock and must be
	// reentrant-safe. Nil disables in-process capture (replay supplies
	// frames with each event instead).
	CaptureStack func(frames []uintptr, skip int) int

	// ReportSink receives each analysis cycle's suspected leaks. It is
	// invoked outside the detector lock. Nil discards reports (they
	// are still logged).
	ReportSink func([]detector.Report)

	// Logger receives lifecycle, stats, and report logging. Nil means
	// silent.
	Logger *zap.Logger
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		SamplingFactor:              1,
		StackDepth:                  4,
		DumpIntervalBytes:           32 << 20,
		SizeSuspicionThreshold:      4,
		CallStackSuspicionThreshold: 4,
	}
}

// Global detector state. The detector pointer is read lock-free on the
// hot path (it is written only inside Init/Shutdown under the lock);
// everything else mutable is touched only under the lock.
var (
	lock spinlock.SpinLock

	det atomic.Pointer[detector.Impl]

	cfg    Config
	ar     *arena.Arena
	logger = zap.NewNop()

	// Cumulative allocated bytes, before sampling, and the value it
	// had when analysis last ran. Both guarded by the lock.
	totalAllocSize   uint64
	lastAnalysisSize uint64

	// Reused report buffer for periodic analysis. Guarded by the lock.
	reportBuf []detector.Report
)

// Init installs the global detector. The first caller wins; a second
// Init is a logged no-op returning ErrAlreadyInitialized.
func Init(c Config) error {
	if c.SamplingFactor < 1 {
		if c.Logger != nil {
			c.Logger.Warn("not enabling leak detector",
				zap.Int("sampling_factor", c.SamplingFactor))
		}
		return ErrDisabled
	}
	normalize(&c)

	lock.Lock()
	defer lock.Unlock()

	if det.Load() != nil {
		logger.Warn("leak detector already initialized; ignoring second init")
		return ErrAlreadyInitialized
	}

	a := arena.New(c.ArenaLimitBytes)
	var m addrmap.Map
	if c.UseSimpleAddressMap {
		m = addrmap.NewSimple(a)
	} else {
		m = addrmap.NewCompact(a)
	}

	ar = a
	cfg = c
	if c.Logger != nil {
		logger = c.Logger
	} else {
		logger = zap.NewNop()
	}
	totalAllocSize = 0
	lastAnalysisSize = 0

	d := detector.New(a, m,
		c.MappingAddr, c.MappingSize,
		c.SizeSuspicionThreshold, c.CallStackSuspicionThreshold,
		c.Verbose, logger)
	det.Store(d)

	logger.Info("starting leak detector",
		zap.Int("sampling_factor", c.SamplingFactor),
		zap.Int("stack_depth", c.StackDepth),
		zap.Uint64("dump_interval_bytes", c.DumpIntervalBytes))
	return nil
}

func normalize(c *Config) {
	if c.SamplingFactor > 256 {
		c.SamplingFactor = 256
	}
	if c.StackDepth <= 0 {
		c.StackDepth = 4
	}
	if c.StackDepth > maxStackDepth {
		c.StackDepth = maxStackDepth
	}
	if c.DumpIntervalBytes == 0 {
		c.DumpIntervalBytes = 32 << 20
	}
	if c.SizeSuspicionThreshold <= 0 {
		c.SizeSuspicionThreshold = 4
	}
	if c.CallStackSuspicionThreshold <= 0 {
		c.CallStackSuspicionThreshold = 4
	}
}

// Shutdown tears down the global detector. Late events racing the
// tear-down are dropped by the critical section.
func Shutdown() error {
	lock.Lock()
	if det.Load() == nil {
		lock.Unlock()
		return ErrNotInitialized
	}
	det.Store(nil)
	a := ar
	ar = nil
	reportBuf = nil
	lock.Unlock()

	if err := a.Shutdown(); err != nil {
		// A bookkeeping inconsistency is a bug in the detector, not a
		// leak in the observed process.
		logger.Error("leak detector arena inconsistent at shutdown", zap.Error(err))
	}
	logger.Info("stopped leak detector")
	return nil
}

// IsInitialized reports whether a detector is installed.
func IsInitialized() bool {
	return det.Load() != nil
}

// shouldSample decides, from the pointer bits alone, whether this
// event is processed. Deterministic in ptr, so allocs and frees of the
// same pointer agree.
func shouldSample(ptr uintptr) bool {
	return hash.Pointer(ptr) < uint64(cfg.SamplingFactor)
}

// OnAlloc is the allocation hook. ptr is the new allocation's address,
// size its requested size in bytes.
//
// The cumulative-bytes counter is updated for every call; the rest of
// the path runs only for sampled, non-nil pointers. Stack capture, if
// the size warrants it, happens before the lock is taken.
func OnAlloc(ptr uintptr, size uintptr) {
	d := det.Load()
	if d == nil {
		return
	}

	lock.Lock()
	totalAllocSize += uint64(size)
	lock.Unlock()

	if ptr == 0 || !shouldSample(ptr) {
		return
	}

	var stackBuf [maxStackDepth]uintptr
	depth := 0
	if cfg.CaptureStack != nil && d.ShouldGetStackTraceForSize(size) {
		depth = cfg.CaptureStack(stackBuf[:cfg.StackDepth], stripFrames)
	}

	record(d, ptr, size, stackBuf[:depth])
}

// OnAllocWithStack is the allocation hook for hosts that supply the
// call stack with the event (the replay driver). The frames are used
// only when the size's table is attached, mirroring the capture gate
// of OnAlloc.
func OnAllocWithStack(ptr uintptr, size uintptr, frames []uintptr) {
	d := det.Load()
	if d == nil {
		return
	}

	lock.Lock()
	totalAllocSize += uint64(size)
	lock.Unlock()

	if ptr == 0 || !shouldSample(ptr) {
		return
	}

	if !d.ShouldGetStackTraceForSize(size) {
		frames = nil
	}
	if len(frames) > cfg.StackDepth {
		frames = frames[:cfg.StackDepth]
	}

	record(d, ptr, size, frames)
}

func record(d *detector.Impl, ptr uintptr, size uintptr, frames []uintptr) {
	var pending []detector.Report

	lock.Lock()
	if det.Load() == d {
		d.RecordAlloc(ptr, size, frames)
		pending = maybeTestForLeaksLocked(d)
	}
	lock.Unlock()

	if len(pending) > 0 && cfg.ReportSink != nil {
		cfg.ReportSink(pending)
	}
}

// OnFree is the deallocation hook.
func OnFree(ptr uintptr) {
	d := det.Load()
	if d == nil || ptr == 0 || !shouldSample(ptr) {
		return
	}

	lock.Lock()
	if det.Load() == d {
		d.RecordFree(ptr)
	}
	lock.Unlock()
}

// maybeTestForLeaksLocked runs an analysis cycle if enough bytes have
// been allocated since the last one. Caller holds the lock. Returns a
// copy of any reports for delivery outside the lock.
func maybeTestForLeaksLocked(d *detector.Impl) []detector.Report {
	if totalAllocSize <= lastAnalysisSize+cfg.DumpIntervalBytes {
		return nil
	}
	lastAnalysisSize = totalAllocSize

	d.TestForLeaks(true, &reportBuf)
	if len(reportBuf) == 0 {
		return nil
	}
	out := make([]detector.Report, len(reportBuf))
	copy(out, reportBuf)
	return out
}

// TestForLeaksNow forces an analysis cycle and returns the suspected
// leaks. Used by the replay driver at end of trace and by tests.
func TestForLeaksNow(doLogging bool) []detector.Report {
	d := det.Load()
	if d == nil {
		return nil
	}

	lock.Lock()
	defer lock.Unlock()
	if det.Load() != d {
		return nil
	}

	var reports []detector.Report
	d.TestForLeaks(doLogging, &reports)
	return reports
}

// ShouldGetStackTraceForSize reports whether allocations of this size
// currently need a stack trace. Lock-free.
func ShouldGetStackTraceForSize(size uintptr) bool {
	d := det.Load()
	return d != nil && d.ShouldGetStackTraceForSize(size)
}

// RuntimeStats aggregates the detector's observable counters.
type RuntimeStats struct {
	// TotalAllocSize is cumulative allocated bytes, before sampling.
	TotalAllocSize uint64

	Detector detector.Stats
	Arena    arena.Stats

	// AddressMapEntries is the number of live sampled allocations.
	AddressMapEntries int
}

// Stats returns a snapshot of the runtime's counters. Zero value when
// no detector is installed.
func Stats() RuntimeStats {
	d := det.Load()
	if d == nil {
		return RuntimeStats{}
	}

	lock.Lock()
	defer lock.Unlock()
	if det.Load() != d {
		return RuntimeStats{}
	}
	return RuntimeStats{
		TotalAllocSize:    totalAllocSize,
		Detector:          d.Stats(),
		Arena:             ar.Stats(),
		AddressMapEntries: d.AddressMapSize(),
	}
}

// CaptureCallers is the default in-process stack capture, backed by
// runtime.Callers. skip counts detector-internal frames above the host
// call site.
func CaptureCallers(frames []uintptr, skip int) int {
	return runtime.Callers(skip+2, frames)
}

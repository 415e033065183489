// Package leak implements an in-process statistical memory-leak
// detector: it observes a program's allocation and free events,
// maintains a compact model of the live heap, and periodically runs a
// two-tier statistical analysis that nominates specific
// (allocation-size, call-stack) pairs as suspected leaks.
//
// The detector is designed to run continuously inside a production
// binary at microscopic overhead: events are sampled by a pure
// function of the pointer bits, no per-event work is unbounded, and
// memory use is bounded by the number of distinct allocation sites
// rather than by the number of live allocations.
//
// # Quick Start
//
// Wire the hooks into whatever allocator you observe and let the
// detector run:
//
//	cfg := leak.DefaultConfig()
//	cfg.SamplingFactor = 1 // keep ~1/256 of events
//	cfg.CaptureStack = leak.CaptureCallers
//	cfg.ReportSink = func(reports []leak.Report) {
//		for _, r := range reports {
//			log.Printf("suspected leak: %v", r)
//		}
//	}
//	if err := leak.Init(cfg); err != nil {
//		// ErrDisabled means the sampling factor turned the detector off.
//	}
//	defer leak.Shutdown()
//
//	// In the allocator:
//	leak.OnAlloc(uintptr(p), size)
//	// ...
//	leak.OnFree(uintptr(p))
//
// # How It Works
//
// Tier 1 aggregates net allocation counts into 2048 size buckets of
// 4-byte granularity. Every 32 MiB of allocation (configurable) the
// top buckets are ranked and fed to a hysteresis analyzer; a bucket
// whose net count keeps rising like an outlier accumulates suspicion,
// and at the threshold it is promoted: a call-stack table is attached
// and ShouldGetStackTraceForSize starts returning true for it, which
// is the signal to start paying for stack capture on that size only.
//
// Tier 2 runs the same ranking-and-hysteresis machinery over the call
// stacks inside each attached table. A stack that keeps rising is
// emitted as a Report: the allocation size plus the stack's frames,
// rebased against the host binary's text mapping so reports are stable
// across runs of the same binary.
//
// Statistical detection has no reachability analysis: a reported pair
// is a strong growth signal, not proof. Conversely a real leak behind
// an unsampled pointer or a never-promoted size goes unreported.
//
// # Overhead Model
//
// Unsampled allocations touch one counter under a spin lock; unsampled
// frees touch nothing. Sampled events additionally update the
// live-allocation index. Stack capture
// runs only for sizes already under suspicion, outside the lock. The
// analysis pass itself may take milliseconds but runs only once per
// dump interval.
//
// All detector-internal allocations come from a private mmap-backed
// arena, never from the observed allocator, so the hooks cannot
// recurse into themselves.
package leak

// Package leak provides the public API for the statistical memory-leak
// detector.
//
// See doc.go for detailed documentation and examples.
package leak

import (
	internal "github.com/kolkov/leakdetector/internal/leak/api"
	"github.com/kolkov/leakdetector/internal/leak/detector"
)

// Config carries the detector's tuning parameters. See the field
// documentation in the internal api package; the zero value of any
// field other than SamplingFactor selects its default.
type Config = internal.Config

// Report is one suspected leak: an allocation size and the offsets of
// the call stack that tier 2 nominated.
type Report = detector.Report

// Stats aggregates the detector's observable counters.
type Stats = internal.RuntimeStats

// Sentinel errors returned by Init and Shutdown.
var (
	ErrAlreadyInitialized = internal.ErrAlreadyInitialized
	ErrNotInitialized     = internal.ErrNotInitialized
	ErrDisabled           = internal.ErrDisabled
)

// DefaultConfig returns the production defaults: sample 1/256 of
// events, capture 4 frames, analyse every 32 MiB of allocation, report
// after 4 suspicions at either tier.
func DefaultConfig() Config {
	return internal.DefaultConfig()
}

// Init installs the process-wide detector with the given
// configuration.
//
// The first caller wins: a second Init is a logged no-op returning
// ErrAlreadyInitialized. A sampling factor below 1 leaves the detector
// uninstalled entirely and returns ErrDisabled.
//
//	cfg := leak.DefaultConfig()
//	cfg.CaptureStack = leak.CaptureCallers
//	if err := leak.Init(cfg); err != nil && !errors.Is(err, leak.ErrDisabled) {
//		log.Fatal(err)
//	}
//	defer leak.Shutdown()
func Init(cfg Config) error {
	return internal.Init(cfg)
}

// Shutdown tears down the detector and releases its private memory.
// Events arriving during the tear-down are dropped.
func Shutdown() error {
	return internal.Shutdown()
}

// IsInitialized reports whether a detector is installed.
func IsInitialized() bool {
	return internal.IsInitialized()
}

// OnAlloc is the allocation hook: the host calls it with each new
// allocation's address and size. When the allocation's size is under
// suspicion, the configured CaptureStack runs (outside the detector
// lock) to associate a call stack with the event.
//
// Safe to call before Init or after Shutdown; such calls do nothing.
func OnAlloc(ptr uintptr, size uintptr) {
	internal.OnAlloc(ptr, size)
}

// OnAllocWithStack is OnAlloc for hosts that already have the call
// stack in hand, such as the trace replay driver. frames are raw
// instruction pointers, deepest call first.
func OnAllocWithStack(ptr uintptr, size uintptr, frames []uintptr) {
	internal.OnAllocWithStack(ptr, size, frames)
}

// OnFree is the deallocation hook: the host calls it with each freed
// pointer. Frees of pointers whose allocation was not sampled are
// ignored.
func OnFree(ptr uintptr) {
	internal.OnFree(ptr)
}

// TestForLeaks forces an analysis cycle immediately, regardless of the
// allocation interval, and returns the suspected leaks. Normally
// analysis runs by itself every Config.DumpIntervalBytes of
// allocation; this entry point exists for drivers that want a final
// verdict, such as the replay tool at end of trace.
func TestForLeaks(logResults bool) []Report {
	return internal.TestForLeaksNow(logResults)
}

// ShouldGetStackTraceForSize reports whether allocations of the given
// size are currently under suspicion and therefore worth the cost of a
// stack trace. Hosts that capture stacks themselves use this to skip
// capture for everything else. Safe to call without synchronisation.
func ShouldGetStackTraceForSize(size uintptr) bool {
	return internal.ShouldGetStackTraceForSize(size)
}

// GetStats returns a snapshot of the detector's counters, or the zero
// value when no detector is installed.
func GetStats() Stats {
	return internal.Stats()
}

// CaptureCallers is the default in-process stack capture for
// Config.CaptureStack, backed by runtime.Callers. It is a variable
// rather than a wrapper function so assigning it does not add a stack
// frame that would throw off the capture skip count.
var CaptureCallers = internal.CaptureCallers

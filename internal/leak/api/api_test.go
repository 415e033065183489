package api

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kolkov/leakdetector/internal/leak/detector"
)

// teardown makes each test start from an uninstalled detector.
func teardown(t *testing.T) {
	t.Helper()
	t.Cleanup(func() {
		if IsInitialized() {
			_ = Shutdown()
		}
	})
}

func TestLifecycle(t *testing.T) {
	teardown(t)

	assert.False(t, IsInitialized())
	assert.ErrorIs(t, Shutdown(), ErrNotInitialized)

	cfg := DefaultConfig()
	require.NoError(t, Init(cfg))
	assert.True(t, IsInitialized())

	// First caller wins; the second init is a no-op.
	assert.ErrorIs(t, Init(cfg), ErrAlreadyInitialized)
	assert.True(t, IsInitialized())

	require.NoError(t, Shutdown())
	assert.False(t, IsInitialized())

	// The detector can come back after a shutdown.
	require.NoError(t, Init(cfg))
	assert.True(t, IsInitialized())
}

func TestSamplingFactorZeroDisables(t *testing.T) {
	teardown(t)

	cfg := DefaultConfig()
	cfg.SamplingFactor = 0
	assert.ErrorIs(t, Init(cfg), ErrDisabled)
	assert.False(t, IsInitialized(), "a disabled detector must not be installed")
}

func TestHooksBeforeInitAreNoOps(t *testing.T) {
	teardown(t)

	// Must not panic or install anything.
	OnAlloc(0x1000, 64)
	OnFree(0x1000)
	assert.False(t, IsInitialized())
	assert.Nil(t, TestForLeaksNow(false))
	assert.Equal(t, RuntimeStats{}, Stats())
}

func TestNullPointerIgnored(t *testing.T) {
	teardown(t)

	cfg := DefaultConfig()
	cfg.SamplingFactor = 256
	require.NoError(t, Init(cfg))

	OnAlloc(0, 64)
	s := Stats()
	assert.Equal(t, uint64(64), s.TotalAllocSize,
		"null allocs still feed the analysis timer")
	assert.Equal(t, uint64(0), s.Detector.NumAllocs)
	assert.Equal(t, 0, s.AddressMapEntries)
}

func TestSampleEverything(t *testing.T) {
	teardown(t)

	cfg := DefaultConfig()
	cfg.SamplingFactor = 256
	require.NoError(t, Init(cfg))

	for i := 1; i <= 100; i++ {
		OnAlloc(uintptr(i*64), 32)
	}
	s := Stats()
	assert.Equal(t, uint64(100), s.Detector.NumAllocs)
	assert.Equal(t, 100, s.AddressMapEntries)

	for i := 1; i <= 100; i++ {
		OnFree(uintptr(i * 64))
	}
	s = Stats()
	assert.Equal(t, uint64(100), s.Detector.NumFrees)
	assert.Equal(t, 0, s.AddressMapEntries)
}

// TestSamplingDeterminism is scenario F: the same event sequence
// produces identical stats on every run.
func TestSamplingDeterminism(t *testing.T) {
	teardown(t)

	run := func() RuntimeStats {
		cfg := DefaultConfig()
		cfg.SamplingFactor = 4
		require.NoError(t, Init(cfg))
		defer func() { require.NoError(t, Shutdown()) }()

		for i := 1; i <= 50000; i++ {
			ptr := uintptr(i * 4096)
			OnAlloc(ptr, uintptr(16+(i%32)*8))
			if i%2 == 0 {
				OnFree(ptr)
			}
		}
		return Stats()
	}

	first := run()
	second := run()

	assert.Equal(t, first.TotalAllocSize, second.TotalAllocSize)
	assert.Equal(t, first.Detector.NumAllocs, second.Detector.NumAllocs)
	assert.Equal(t, first.Detector.NumFrees, second.Detector.NumFrees)
	assert.Equal(t, first.AddressMapEntries, second.AddressMapEntries)
	assert.NotZero(t, first.Detector.NumAllocs,
		"sampling factor 4 over 50k events should keep some")
}

// TestAllocFreeSamplingAgreement: a pointer's alloc and free always
// reach the same sampling decision, so the address map drains to
// empty when everything is freed.
func TestAllocFreeSamplingAgreement(t *testing.T) {
	teardown(t)

	cfg := DefaultConfig()
	cfg.SamplingFactor = 8
	require.NoError(t, Init(cfg))

	for i := 1; i <= 20000; i++ {
		OnAlloc(uintptr(i*256), 48)
	}
	for i := 1; i <= 20000; i++ {
		OnFree(uintptr(i * 256))
	}

	s := Stats()
	assert.Equal(t, s.Detector.NumAllocs, s.Detector.NumFrees)
	assert.Equal(t, 0, s.AddressMapEntries)
}

// TestPeriodicAnalysisAndReportSink drives a growing leak through the
// byte-interval trigger and expects the sink to eventually receive a
// report blaming the leaking stack.
func TestPeriodicAnalysisAndReportSink(t *testing.T) {
	teardown(t)

	var delivered []detector.Report

	cfg := DefaultConfig()
	cfg.SamplingFactor = 256
	cfg.DumpIntervalBytes = 4 << 10
	cfg.ReportSink = func(reports []detector.Report) {
		delivered = append(delivered, reports...)
	}
	require.NoError(t, Init(cfg))

	leakStack := []uintptr{0x41000, 0x42000, 0x43000}
	var next uintptr = 0x100000
	for i := 0; i < 3000; i++ {
		next += 16
		OnAllocWithStack(next, 512, leakStack)
	}

	require.NotEmpty(t, delivered, "sink never received a report")
	assert.Equal(t, uint32(512), delivered[0].AllocSizeBytes)
	assert.Equal(t, leakStack, delivered[0].CallStackOffsets,
		"no mapping configured, frames pass through raw")
}

// TestStackGatePromotion: ShouldGetStackTraceForSize flips once tier 1
// promotes the size, and only then do allocations carry stacks.
func TestStackGatePromotion(t *testing.T) {
	teardown(t)

	cfg := DefaultConfig()
	cfg.SamplingFactor = 256
	cfg.DumpIntervalBytes = 2 << 10
	require.NoError(t, Init(cfg))

	assert.False(t, ShouldGetStackTraceForSize(256))

	stack := []uintptr{0x1111, 0x2222}
	var next uintptr = 0x200000
	for i := 0; i < 200 && !ShouldGetStackTraceForSize(256); i++ {
		next += 16
		OnAllocWithStack(next, 256, stack)
	}
	require.True(t, ShouldGetStackTraceForSize(256), "size never promoted")
	assert.False(t, ShouldGetStackTraceForSize(260))

	before := Stats().Detector.NumAllocsWithCallStack
	next += 16
	OnAllocWithStack(next, 256, stack)
	assert.Equal(t, before+1, Stats().Detector.NumAllocsWithCallStack)
}

func TestManualTestForLeaks(t *testing.T) {
	teardown(t)

	cfg := DefaultConfig()
	cfg.SamplingFactor = 256
	require.NoError(t, Init(cfg))

	OnAlloc(0x5000, 64)
	reports := TestForLeaksNow(false)
	assert.Empty(t, reports, "one quiet allocation is not a leak")
}

func TestCaptureCallersProducesFrames(t *testing.T) {
	var frames [8]uintptr
	n := CaptureCallers(frames[:], 0)
	require.Greater(t, n, 0)
	assert.NotZero(t, frames[0])
}

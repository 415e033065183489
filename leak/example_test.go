package leak_test

import (
	"fmt"

	"github.com/kolkov/leakdetector/leak"
)

// Example demonstrates wiring the detector into an allocator and
// checking for leaks. With balanced traffic, nothing is reported.
func Example() {
	cfg := leak.DefaultConfig()
	cfg.SamplingFactor = 256 // sample every event for the example
	if err := leak.Init(cfg); err != nil {
		fmt.Println(err)
		return
	}
	defer leak.Shutdown()

	// The host allocator calls the hooks with each event.
	for i := 1; i <= 100; i++ {
		ptr := uintptr(i * 64)
		leak.OnAlloc(ptr, 96)
		leak.OnFree(ptr)
	}

	reports := leak.TestForLeaks(false)
	stats := leak.GetStats()
	fmt.Printf("sampled allocs: %d, frees: %d, live: %d, leaks: %d\n",
		stats.Detector.NumAllocs, stats.Detector.NumFrees,
		stats.AddressMapEntries, len(reports))

	// Output:
	// sampled allocs: 100, frees: 100, live: 0, leaks: 0
}

// Example_disabled shows that a sampling factor below one leaves the
// detector uninstalled entirely.
func Example_disabled() {
	cfg := leak.DefaultConfig()
	cfg.SamplingFactor = 0
	err := leak.Init(cfg)
	fmt.Println(err == leak.ErrDisabled, leak.IsInitialized())

	// Output:
	// true false
}

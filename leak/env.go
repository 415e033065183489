package leak

import (
	"os"
	"strconv"
)

// Environment variables honoured by ConfigFromEnv. The dump interval
// is expressed in KiB to keep typical values readable.
const (
	EnvSamplingFactor              = "LEAK_DETECTOR_SAMPLING_FACTOR"
	EnvStackDepth                  = "LEAK_DETECTOR_STACK_DEPTH"
	EnvDumpIntervalKB              = "LEAK_DETECTOR_DUMP_INTERVAL_KB"
	EnvVerbose                     = "LEAK_DETECTOR_VERBOSE"
	EnvSizeSuspicionThreshold      = "LEAK_DETECTOR_SIZE_SUSPICION_THRESHOLD"
	EnvCallStackSuspicionThreshold = "LEAK_DETECTOR_CALL_STACK_SUSPICION_THRESHOLD"
)

// ConfigFromEnv returns DefaultConfig overridden by any of the
// LEAK_DETECTOR_* environment variables that are set. Unparseable
// values fall back to the default.
func ConfigFromEnv() Config {
	cfg := DefaultConfig()
	cfg.SamplingFactor = envToInt(EnvSamplingFactor, cfg.SamplingFactor)
	cfg.StackDepth = envToInt(EnvStackDepth, cfg.StackDepth)
	cfg.DumpIntervalBytes = uint64(envToInt(EnvDumpIntervalKB,
		int(cfg.DumpIntervalBytes/1024))) * 1024
	cfg.Verbose = envToBool(EnvVerbose, cfg.Verbose)
	cfg.SizeSuspicionThreshold = envToInt(EnvSizeSuspicionThreshold,
		cfg.SizeSuspicionThreshold)
	cfg.CallStackSuspicionThreshold = envToInt(EnvCallStackSuspicionThreshold,
		cfg.CallStackSuspicionThreshold)
	return cfg
}

func envToInt(name string, def int) int {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envToBool(name string, def bool) bool {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	switch v[0] {
	case 't', 'T', 'y', 'Y', '1':
		return true
	default:
		return false
	}
}

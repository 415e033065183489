package main

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/kolkov/leakdetector/leak"
)

// Record codes of the binary trace format. A trace is a 16-byte header
// (mapping address and size, both u64) followed by a stream of records,
// each opening with one of these codes. All fields are little-endian.
const (
	allocCode = 0xdeadbeef
	freeCode  = 0xcafebabe
)

var errUnknownCode = errors.New("unknown record code")

func newReplayCommand() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "replay FILE",
		Short: "Replay a recorded allocation trace through the detector",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(args[0], v)
		},
	}

	defaults := leak.DefaultConfig()
	cmd.Flags().Int("sampling-factor", defaults.SamplingFactor,
		"keep an event if the pointer hash's top byte is below this (0..256)")
	cmd.Flags().Int("stack-depth", defaults.StackDepth,
		"max frames kept per sampled allocation")
	cmd.Flags().Uint64("dump-interval-kb", defaults.DumpIntervalBytes/1024,
		"KiB of cumulative allocation between analysis cycles")
	cmd.Flags().Int("size-suspicion-threshold", defaults.SizeSuspicionThreshold,
		"suspicions before an allocation size is reported")
	cmd.Flags().Int("call-stack-suspicion-threshold", defaults.CallStackSuspicionThreshold,
		"suspicions before a call stack is reported")
	cmd.Flags().Bool("verbose", false,
		"dump intermediate ranked lists during analysis")
	cmd.Flags().Bool("simple-address-map", false,
		"use the simple chained-hash address map instead of the compact one")
	cmd.Flags().String("log-file", "",
		"write logs to this file (rotated) instead of stderr")

	if err := bindFlags(cmd, v); err != nil {
		panic(err)
	}
	return cmd
}

func runReplay(path string, v *viper.Viper) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	r := bufio.NewReader(f)

	var mappingAddr, mappingSize uint64
	if err := binary.Read(r, binary.LittleEndian, &mappingAddr); err != nil {
		return fmt.Errorf("reading trace header: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &mappingSize); err != nil {
		return fmt.Errorf("reading trace header: %w", err)
	}

	logger, closeLogger, err := buildLogger(v.GetString("log-file"))
	if err != nil {
		return err
	}
	defer closeLogger()

	cfg := leak.DefaultConfig()
	cfg.SamplingFactor = v.GetInt("sampling-factor")
	cfg.StackDepth = v.GetInt("stack-depth")
	cfg.DumpIntervalBytes = v.GetUint64("dump-interval-kb") * 1024
	cfg.SizeSuspicionThreshold = v.GetInt("size-suspicion-threshold")
	cfg.CallStackSuspicionThreshold = v.GetInt("call-stack-suspicion-threshold")
	cfg.Verbose = v.GetBool("verbose")
	cfg.UseSimpleAddressMap = v.GetBool("simple-address-map")
	cfg.MappingAddr = uintptr(mappingAddr)
	cfg.MappingSize = uintptr(mappingSize)
	cfg.Logger = logger

	if err := leak.Init(cfg); err != nil {
		if errors.Is(err, leak.ErrDisabled) {
			return fmt.Errorf("sampling factor %d disables the detector", cfg.SamplingFactor)
		}
		return err
	}
	defer leak.Shutdown()

	verbose := cfg.Verbose
	events := 0
	for {
		var code uint32
		if err := binary.Read(r, binary.LittleEndian, &code); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("reading record code: %w", err)
		}

		switch code {
		case allocCode:
			var ptr uint64
			var size, depth uint32
			if err := readFields(r, &ptr, &size, &depth); err != nil {
				return fmt.Errorf("reading alloc record: %w", err)
			}
			var frames []uintptr
			if depth > 0 {
				frames = make([]uintptr, depth)
				for i := range frames {
					var frame uint64
					if err := binary.Read(r, binary.LittleEndian, &frame); err != nil {
						return fmt.Errorf("reading alloc frames: %w", err)
					}
					frames[i] = uintptr(frame)
				}
			}
			if verbose {
				logger.Debug("alloc",
					zap.Uint64("ptr", ptr),
					zap.Uint32("size", size),
					zap.Uint32("depth", depth))
			}
			if ptr != 0 && size != 0 {
				leak.OnAllocWithStack(uintptr(ptr), uintptr(size), frames)
			}

		case freeCode:
			var ptr uint64
			if err := binary.Read(r, binary.LittleEndian, &ptr); err != nil {
				return fmt.Errorf("reading free record: %w", err)
			}
			if verbose {
				logger.Debug("free", zap.Uint64("ptr", ptr))
			}
			leak.OnFree(uintptr(ptr))

		default:
			return fmt.Errorf("%w: %#x after %d events", errUnknownCode, code, events)
		}
		events++
	}

	reports := leak.TestForLeaks(true)
	stats := leak.GetStats()

	fmt.Printf("Replayed %d events (%d bytes allocated)\n",
		events, stats.TotalAllocSize)
	fmt.Printf("Sampled: %d allocs, %d frees, %d live\n",
		stats.Detector.NumAllocs, stats.Detector.NumFrees, stats.AddressMapEntries)
	if len(reports) == 0 {
		fmt.Println("No suspected leaks.")
		return nil
	}
	fmt.Printf("Suspected leaks (%d):\n", len(reports))
	for _, rep := range reports {
		fmt.Printf("  %v\n", rep)
	}
	return nil
}

func readFields(r io.Reader, ptr *uint64, size, depth *uint32) error {
	if err := binary.Read(r, binary.LittleEndian, ptr); err != nil {
		return err
	}
	if err := binary.Read(r, binary.LittleEndian, size); err != nil {
		return err
	}
	return binary.Read(r, binary.LittleEndian, depth)
}

// Package main implements the leakreplay CLI tool.
//
// leakreplay drives the leak detector from a recorded allocation
// trace instead of live hooks. A trace captures a host process's
// allocation and free events together with the call stacks the host
// unwound at record time, so detector behaviour can be reproduced,
// tuned, and regression-tested offline.
//
// Usage:
//
//	leakreplay replay trace.bin                # replay with defaults
//	leakreplay replay --sampling-factor=256 t  # sample every event
//	leakreplay version
//
// All detector parameters are configurable by flag or by the
// LEAK_DETECTOR_* environment variables (flags win).
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "leakreplay",
		Short:         "Replay allocation traces through the leak detector",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newReplayCommand())
	root.AddCommand(newVersionCommand())
	return root
}

// bindFlags connects a command's flags to viper so each parameter can
// also be supplied as LEAK_DETECTOR_<FLAG> with dashes as underscores.
func bindFlags(cmd *cobra.Command, v *viper.Viper) error {
	v.SetEnvPrefix("LEAK_DETECTOR")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	var err error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if e := v.BindPFlag(f.Name, f); e != nil && err == nil {
			err = e
		}
	})
	return err
}

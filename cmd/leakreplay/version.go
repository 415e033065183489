package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kolkov/leakdetector/leak"
)

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("leakreplay version %s\n", leak.Version)
		},
	}
}

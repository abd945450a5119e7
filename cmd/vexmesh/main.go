// Package main is the entry point for the vexmesh binary.
// It runs the event propagation mesh and validates rule files.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd creates the root command for vexmesh
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "vexmesh",
		Short: "Cross-boundary event propagation mesh",
		Long: `vexmesh moves semantic events between the kernel module, FUSE
userspace and the graph, vector, agent, storage and observability layers.
Events are routed by declarative rules, filtered, and translated across the
kernel/userspace boundary before being queued for each target.

Example:
  vexmesh serve --config /etc/vexmesh/vexmesh.yaml
  vexmesh validate /etc/vexmesh/rules.yaml`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to configuration file (YAML or JSON)")
	rootCmd.PersistentFlags().StringP("log-level", "l", "", "Log level override (debug, info, warn, error)")

	rootCmd.AddCommand(newServeCmd(), newValidateCmd())
	return rootCmd
}

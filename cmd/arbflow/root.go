package main

import (
	"context"

	"github.com/spf13/cobra"
)

const version = "v0.3.0"

// Execute runs the CLI.
func Execute(ctx context.Context) error {
	root := &cobra.Command{
		Use:     "arbflow",
		Short:   "Cross-venue arbitrage detection engine",
		Version: version,
	}
	root.AddCommand(runCmd())
	root.AddCommand(healthCmd())
	return root.ExecuteContext(ctx)
}

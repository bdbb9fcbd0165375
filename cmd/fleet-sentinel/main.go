package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "fleet-sentinel",
		Short: "Fleet state, project registry and inference routing for a small self-hosted fleet",
		Long: `fleet-sentinel keeps one checksummed snapshot of the fleet (nodes, VMs, containers,
projects and inference providers), guards writes to it with a lease and routes
inference requests across local and cloud backends.`,
		SilenceUsage: true,
	}

	root.AddCommand(newServeCmd(), newScanCmd())
	root.AddCommand(newClientCmds()...)
	return root
}

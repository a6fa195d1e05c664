// Command vesper runs the background-execution lifecycle service. The same
// binary also runs as an engine process when started with the engine
// subcommand by the process launcher.
package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "vesper",
		Short: "Foreground and background execution lifecycle service",
		Long: `Vesper runs application callbacks in isolated engines on two tracks:
a long-lived foreground service and short background fetch cycles bounded
by OS task grants. It exposes the method-call surface and host lifecycle
hooks over HTTP.`,
		SilenceUsage: true,
	}
	root.AddCommand(newServeCmd(), newEngineCmd())
	return root
}

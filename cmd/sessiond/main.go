// Command sessiond runs a sessionkit server with one of the bundled
// protocols and its HTTP admin surface.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "sessiond: %s\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessiond",
		Short: "Session-oriented TCP server",
		Long: `sessiond accepts framed TCP connections and serves them with one of the
bundled protocols (chat, echo or time). An HTTP admin endpoint exposes
health, live sessions, Prometheus metrics and a websocket entry point.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(
		serveCmd(),
		usersCmd(),
		versionCmd(),
	)

	return cmd
}

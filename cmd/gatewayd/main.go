// Command gatewayd runs the LSP gateway daemon: a pool of per-language,
// per-workspace language server subprocesses multiplexed behind a small,
// stable tool surface and an optional admin HTTP/websocket API.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
	GoVersion = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "gatewayd",
		Short: "LSP gateway daemon",
		Long: `gatewayd multiplexes code-intelligence requests onto pooled,
per-language, per-workspace LSP backend subprocesses and exposes a small,
stable outer tool surface (hover/signature/completion, rename, diagnostics,
workspace-edit application, arbitrary command execution).`,
	}

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(healthCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// Command swarmcored runs the swarmcore multi-agent collaboration
// runtime: the persistent store, the UI event bus, one runner per
// auto-run agent, and the per-workspace task supervisor, all wired
// together by the runtime façade.
//
// Usage:
//
//	swarmcored serve --config swarmcore.yaml
//	swarmcored migrate --config swarmcore.yaml
package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags during release builds.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "swarmcored",
		Short: "swarmcore runtime daemon",
		Long: `swarmcored hosts the agent runners, the per-workspace task supervisor,
and the UI event bus for a swarmcore deployment.`,
		Version: version + " (" + commit + ")",
	}
	cmd.AddCommand(buildServeCmd(), buildMigrateCmd())
	return cmd
}

// Package main provides the entry point for the perfsentinel CLI tool.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/perfsentinel/perfsentinel/cmd/perfsentinel/commands"
	"github.com/perfsentinel/perfsentinel/pkg/version"
)

var (
	verbose bool
	quiet   bool
)

func main() {
	version.InitBinaryVersion()

	rootCmd := &cobra.Command{
		Use:   "perfsentinel",
		Short: "PerfSentinel - Step-level performance regression sentinel",
		Long: `PerfSentinel guards test suites against step-level performance
regressions by keeping rolling statistical baselines per step.

Commands:
  analyze       Classify a run against the rolling baseline
  seed          Initialize baseline history from archived runs
  aggregate     Collect archived runs across parallel jobs
  cleanup       Apply the retention policy to stored state
  health-check  Probe the configured storage backend
  mcp           Start the MCP server on stdio`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress output")

	// Add commands.
	rootCmd.AddCommand(commands.NewAnalyzeCommand())
	rootCmd.AddCommand(commands.NewSeedCommand())
	rootCmd.AddCommand(commands.NewAggregateCommand())
	rootCmd.AddCommand(commands.NewCleanupCommand())
	rootCmd.AddCommand(commands.NewHealthCheckCommand())
	rootCmd.AddCommand(commands.NewMCPCommand())
	rootCmd.AddCommand(versionCmd())

	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Fprintf(os.Stdout, "perfsentinel %s (commit: %s, built: %s)\n", version.Version, version.Commit, version.Date)
		},
	}
}

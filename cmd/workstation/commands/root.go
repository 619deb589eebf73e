package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// defaultConfigPath is where the installer looks for its configuration
// when --config is not given. A missing file falls back to defaults.
const defaultConfigPath = "/etc/workstation/config.yaml"

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
	dryRun     bool
)

// Execute runs the root command.
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "workstation",
		Short: "Debian VPS workstation installer",
		Long: `workstation provisions a Debian VPS into a development workstation by
running installation modules in dependency order.

Features:
  - Dependency-ordered module batches with bounded parallelism
  - Retry with exponential backoff and circuit breakers around apt,
    package registries, and downloads
  - Compensating rollback recorded while modules execute
  - OPA policy gate over the install plan and the rollback decision
  - SQLite run history with an audit trail
  - WASM plugin modules and Starlark lifecycle hooks`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().BoolVar(&dryRun, "dry-run", false, "preview all work without executing commands")

	// Add subcommands
	rootCmd.AddCommand(newInstallCommand())
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newModulesCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newFactsCommand())

	return rootCmd
}

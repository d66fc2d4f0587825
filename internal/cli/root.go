// Package cli wires the engine, state stores, and providers into the stratus
// command tree. Commands stay thin: load config, call the engine, render.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stratus-iac/stratus/internal/logging"
)

var (
	flagWorkspace     string
	flagLogLevel      string
	flagLogFormat     string
	flagBackend       string
	flagStatePath     string
	flagBackendConfig string
)

var rootCmd = &cobra.Command{
	Use:   "stratus",
	Short: "Plan and apply declarative infrastructure",
	Long: `Stratus reconciles a declared set of resources against recorded state.

It builds a dependency graph from your configuration, diffs it against the
last recorded snapshot, and applies the resulting change set concurrently
while respecting dependency order.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logging.Init(flagLogLevel, flagLogFormat)
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&flagWorkspace, "workspace", "w", "default", "Workspace to operate on")
	pf.StringVar(&flagLogLevel, "log-level", "warn", "Log level (debug, info, warn, error)")
	pf.StringVar(&flagLogFormat, "log-format", "console", "Log format (console, json)")
	pf.StringVar(&flagBackend, "backend", "local", "State backend (local, sqlite, s3)")
	pf.StringVar(&flagStatePath, "state-path", ".stratus", "State directory (local) or database file (sqlite)")
	pf.StringVar(&flagBackendConfig, "backend-config", "", "JSON file with backend settings (s3)")

	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(applyCmd)
	rootCmd.AddCommand(destroyCmd)
	rootCmd.AddCommand(refreshCmd)
	rootCmd.AddCommand(taintCmd)
	rootCmd.AddCommand(untaintCmd)
	rootCmd.AddCommand(workspaceCmd)
	rootCmd.AddCommand(stateCmd)
	rootCmd.AddCommand(graphCmd)
	rootCmd.AddCommand(versionCmd)
}

func workspaceArg() string {
	if flagWorkspace == "" {
		return "default"
	}
	return flagWorkspace
}

func requireWorkspace(known []string, name string) error {
	for _, w := range known {
		if w == name {
			return nil
		}
	}
	return fmt.Errorf("workspace %q does not exist (create it with 'stratus workspace new %s')", name, name)
}

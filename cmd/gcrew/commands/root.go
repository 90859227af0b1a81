package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "gcrew",
		Short: "Groundcrew - Deployment Orchestration Engine",
		Long: `Groundcrew orchestrates infrastructure deployment sessions for multiple
tenants: policy-checked resource requests, engine dry runs, human approval
and supervised applies, with session secrets held in an in-memory vault.

Features:
  - Session state machine with TTL expiry
  - Per-tenant policy profiles plus Rego rule extensions
  - Supervised terraform/tofu execution with streamed progress
  - Ephemeral secret vault with encrypted recovery capsules
  - Durable SQLite record store and audit trail`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newServeCommand(version))
	rootCmd.AddCommand(newSweepCommand())
	rootCmd.AddCommand(newMigrateCommand())
	rootCmd.AddCommand(newPolicyCommand())
	rootCmd.AddCommand(newSessionsCommand())
	rootCmd.AddCommand(newDevCommand())
	rootCmd.AddCommand(newVersionCommand(version, commit, buildDate))

	return rootCmd
}

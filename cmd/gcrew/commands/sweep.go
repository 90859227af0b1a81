package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newSweepCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one maintenance sweep and exit",
		Long: `Run every registered maintenance task once: expire sessions past
their TTL, delete expired recovery capsules and destroy expired vault
entries. Useful from cron or for operator intervention.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := buildApp(ctx, "sweep")
			if err != nil {
				return err
			}
			defer a.shutdown(ctx)

			if err := a.sweeper.RunOnce(ctx); err != nil {
				return fmt.Errorf("sweep finished with errors: %w", err)
			}
			fmt.Println("sweep complete")
			return nil
		},
	}

	return cmd
}

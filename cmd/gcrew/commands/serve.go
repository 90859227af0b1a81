package commands

import (
	"context"
	"time"

	"github.com/spf13/cobra"
)

func newServeCommand(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestration engine",
		Long: `Run the Groundcrew engine: the background sweeper loops, the policy
rules watcher and the Prometheus metrics endpoint. The engine keeps
running until interrupted.`,
		Example: `  # Run with the default configuration
  gcrew serve

  # Run with a config file
  gcrew serve --config /etc/groundcrew/config.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := buildApp(ctx, version)
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				a.shutdown(shutdownCtx)
			}()

			if err := a.metrics.StartMetricsServer(); err != nil {
				return err
			}
			a.sweeper.Start(ctx)

			a.logger.WithField("store", a.cfg.Store.Path).Info("engine running")
			<-ctx.Done()
			a.logger.Info("shutting down")
			return nil
		},
	}

	return cmd
}

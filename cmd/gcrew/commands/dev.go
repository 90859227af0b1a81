package commands

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/groundcrew/groundcrew/pkg/config"
	"github.com/groundcrew/groundcrew/pkg/runner"
	"github.com/groundcrew/groundcrew/pkg/session"
)

func newDevCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dev",
		Short: "Developer and operator utilities",
	}

	cmd.AddCommand(newDevExecCommand())
	return cmd
}

func newDevExecCommand() *cobra.Command {
	var (
		dir       string
		operation string
		binary    string
		extraArgs []string
		timeout   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "exec",
		Short: "Run a raw engine operation against a directory",
		Long: `Run one engine operation directly, outside any session. Progress is
streamed to stdout. Intended for operator debugging against a scratch
directory; nothing is recorded in the store.`,
		Example: `  # Dry run a scratch directory
  gcrew dev exec --dir ./scratch --op plan

  # Destroy with a custom binary and timeout
  gcrew dev exec --dir ./scratch --op destroy --binary tofu --timeout 15m`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			op := runner.Operation(operation)
			if err := op.Validate(); err != nil {
				return err
			}

			logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
			r := runner.New(cfg.RunnerConfig(), logger)

			result, err := r.Run(ctx, runner.Request{
				Operation: op,
				Dir:       dir,
				Binary:    binary,
				ExtraArgs: extraArgs,
				Timeout:   timeout,
			}, func(p session.Progress) {
				fmt.Printf("\r%d/%d %s", p.Completed, p.Total, p.CurrentAction)
			})
			fmt.Println()
			if err != nil {
				return err
			}

			fmt.Printf("operation: %s\n", result.Operation)
			fmt.Printf("success:   %v (exit %d)\n", result.Success, result.ExitCode)
			fmt.Printf("duration:  %s\n", result.Duration.Round(time.Millisecond))
			if result.Summary.Total() > 0 {
				fmt.Printf("changes:   +%d ~%d -%d\n",
					result.Summary.ToCreate, result.Summary.ToUpdate, result.Summary.ToDelete)
			}
			if !result.Success {
				for _, line := range result.Excerpt {
					fmt.Printf("  | %s\n", line)
				}
				return result.Err()
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&dir, "dir", "d", "", "working directory")
	cmd.Flags().StringVar(&operation, "op", "plan", "operation (plan, apply, destroy, validate)")
	cmd.Flags().StringVar(&binary, "binary", "", "engine binary override")
	cmd.Flags().StringSliceVar(&extraArgs, "extra-arg", nil, "additional engine arguments")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "operation timeout override")
	_ = cmd.MarkFlagRequired("dir")
	return cmd
}

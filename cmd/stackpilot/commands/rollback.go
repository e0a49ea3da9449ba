package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stackpilot/stackpilot/pkg/rollback"
)

func newRollbackCommand() *cobra.Command {
	var (
		rollbackState string
		dryRun        bool
	)

	cmd := &cobra.Command{
		Use:   "rollback",
		Short: "Replay the rollback action log",
		Long: `Replay the recorded rollback actions in reverse order.

Every action is attempted even if earlier ones fail. Actions that
could not be confirmed stay in the log so the command can be re-run;
the log file is removed once every action succeeded.`,
		Example: `  # Show what would be rolled back
  stackpilot rollback --dry-run

  # Execute the rollback
  stackpilot rollback`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, metrics, tracer, err := buildTelemetry(cmd.Root().Version)
			if err != nil {
				return err
			}
			defer tracer.Shutdown(cmd.Context())

			rb, err := openRollbackManager(rollbackState, logger, metrics)
			if err != nil {
				return err
			}

			actions := rb.Actions()
			if len(actions) == 0 {
				logger.Info("No rollback actions recorded")
				return nil
			}

			for actionType, count := range rb.Summary() {
				logger.WithField("type", actionType).WithField("count", count).Info("Pending rollback actions")
			}

			if err := rb.Rollback(cmd.Context(), dryRun); err != nil {
				return fmt.Errorf("rollback incomplete: %w", err)
			}

			if dryRun {
				logger.Info("Dry run complete, no actions executed")
			} else {
				logger.WithField("actions", len(actions)).Info("Rollback complete")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&rollbackState, "rollback-state", rollback.DefaultStateFileName, "rollback action log path")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "log actions without executing them")

	return cmd
}

package commands

import (
	"github.com/spf13/cobra"

	"github.com/stackpilot/stackpilot/pkg/rollback"
)

func newResumeCommand() *cobra.Command {
	var (
		manifestPath  string
		strategyName  string
		maxWorkers    int
		rollbackState string
	)

	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Resume an interrupted installation",
		Long: `Resume the most recent interrupted installation.

Modules that already completed are skipped and reported as resumed;
everything else runs through its normal lifecycle. The manifest must
match the one used by the interrupted run.`,
		Example: `  # Resume using the original manifest
  stackpilot resume -f manifest.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInstall(cmd.Context(), installOptions{
				manifestPath:  manifestPath,
				strategyName:  strategyName,
				maxWorkers:    maxWorkers,
				rollbackState: rollbackState,
				version:       cmd.Root().Version,
				resume:        true,
			})
		},
	}

	cmd.Flags().StringVarP(&manifestPath, "manifest", "f", "manifest.yaml", "manifest file of the interrupted installation")
	cmd.Flags().StringVar(&strategyName, "strategy", "", "execution strategy (parallel, pipeline, hybrid); overrides the manifest")
	cmd.Flags().IntVar(&maxWorkers, "max-workers", 0, "max parallel workers; overrides the manifest")
	cmd.Flags().StringVar(&rollbackState, "rollback-state", rollback.DefaultStateFileName, "rollback action log path")

	return cmd
}

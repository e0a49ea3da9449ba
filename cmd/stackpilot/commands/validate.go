package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stackpilot/stackpilot/pkg/manifest"
)

func newValidateCommand() *cobra.Command {
	var (
		manifestPath string
		watch        bool
	)

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a manifest",
		Long: `Validate a manifest without installing anything.

Checks YAML structure, required fields, duplicate modules, dangling
dependency references and cycles. With --watch the file is re-validated
on every change until interrupted.`,
		Example: `  # Validate once
  stackpilot validate -f manifest.yaml

  # Re-validate on every save
  stackpilot validate -f manifest.yaml --watch`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, _, tracer, err := buildTelemetry(cmd.Root().Version)
			if err != nil {
				return err
			}
			defer tracer.Shutdown(cmd.Context())

			loader := manifest.NewLoader()

			report := func(m *manifest.Manifest, err error) {
				if err != nil {
					logger.WithError(err).WithField("manifest", manifestPath).Error("Manifest invalid")
					return
				}
				logger.WithField("manifest", manifestPath).
					WithField("profile", m.Profile).
					WithField("modules", len(m.Modules)).
					Info("Manifest valid")
			}

			m, loadErr := loader.LoadFromFile(manifestPath)
			report(m, loadErr)

			if watch {
				watcher := manifest.NewWatcher(loader, logger)
				return watcher.Watch(cmd.Context(), manifestPath, report)
			}

			if loadErr != nil {
				return fmt.Errorf("manifest validation failed")
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&manifestPath, "manifest", "f", "manifest.yaml", "manifest file to validate")
	cmd.Flags().BoolVar(&watch, "watch", false, "re-validate on file changes")

	return cmd
}

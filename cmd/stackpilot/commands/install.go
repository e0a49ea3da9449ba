package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/stackpilot/stackpilot/pkg/engine"
	"github.com/stackpilot/stackpilot/pkg/manifest"
	"github.com/stackpilot/stackpilot/pkg/rollback"
	"github.com/stackpilot/stackpilot/pkg/telemetry"
)

func newInstallCommand() *cobra.Command {
	var (
		manifestPath  string
		strategyName  string
		maxWorkers    int
		dryRun        bool
		autoRollback  bool
		rollbackState string
	)

	cmd := &cobra.Command{
		Use:   "install",
		Short: "Install modules from a manifest",
		Long: `Install the modules declared in a manifest.

This command:
  - Loads and validates the manifest
  - Resolves dependencies into parallel execution batches
  - Runs each module through its five-stage lifecycle
  - Persists per-module state for resume after interruption
  - Records rollback actions as modules make changes`,
		Example: `  # Install with the manifest's strategy
  stackpilot install -f manifest.yaml

  # Force the pipeline strategy
  stackpilot install -f manifest.yaml --strategy pipeline

  # Report what would run without executing stages
  stackpilot install -f manifest.yaml --dry-run

  # Roll back recorded actions automatically on failure
  stackpilot install -f manifest.yaml --auto-rollback`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInstall(cmd.Context(), installOptions{
				manifestPath:  manifestPath,
				strategyName:  strategyName,
				maxWorkers:    maxWorkers,
				dryRun:        dryRun,
				autoRollback:  autoRollback,
				rollbackState: rollbackState,
				version:       cmd.Root().Version,
			})
		},
	}

	cmd.Flags().StringVarP(&manifestPath, "manifest", "f", "manifest.yaml", "manifest file to install")
	cmd.Flags().StringVar(&strategyName, "strategy", "", "execution strategy (parallel, pipeline, hybrid); overrides the manifest")
	cmd.Flags().IntVar(&maxWorkers, "max-workers", 0, "max parallel workers; overrides the manifest")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report stage events without executing lifecycle code")
	cmd.Flags().BoolVar(&autoRollback, "auto-rollback", false, "roll back recorded actions when the installation fails")
	cmd.Flags().StringVar(&rollbackState, "rollback-state", rollback.DefaultStateFileName, "rollback action log path")

	return cmd
}

type installOptions struct {
	manifestPath  string
	strategyName  string
	maxWorkers    int
	dryRun        bool
	autoRollback  bool
	rollbackState string
	version       string

	// resume makes the run skip modules the resumed installation
	// already completed.
	resume bool
}

func runInstall(ctx context.Context, opts installOptions) error {
	logger, metrics, tracer, err := buildTelemetry(opts.version)
	if err != nil {
		return err
	}
	defer tracer.Shutdown(context.Background())

	m, err := manifest.NewLoader().LoadFromFile(opts.manifestPath)
	if err != nil {
		return err
	}

	graph, err := m.Graph()
	if err != nil {
		return err
	}

	stateMgr, store, err := openStateManager(ctx, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	rb, err := openRollbackManager(opts.rollbackState, logger, metrics)
	if err != nil {
		return err
	}

	contexts := m.ExecutionContexts(opts.dryRun)
	attachLifecycles(contexts, m, rb, stateMgr)

	strategyName := opts.strategyName
	if strategyName == "" {
		strategyName = m.Strategy
	}
	maxWorkers := opts.maxWorkers
	if maxWorkers == 0 {
		maxWorkers = m.MaxWorkers
	}
	strategy := strategyFromName(strategyName, maxWorkers)

	installerOpts := []engine.InstallerOption{
		engine.WithStrategy(strategy),
		engine.WithStateRecorder(stateMgr),
		engine.WithProgressCallback(meteredPrinter(logger, metrics)),
	}

	if opts.resume {
		resumed, err := stateMgr.ResumeInstallation(ctx)
		if err != nil {
			return err
		}
		if resumed == nil {
			return fmt.Errorf("no resumable installation found")
		}
		completed := stateMgr.CompletedModules()
		logger.WithInstallationID(resumed.InstallationID).
			WithField("completed_modules", len(completed)).
			Info("Resuming installation")
		installerOpts = append(installerOpts, engine.WithCompletedModules(completed))
	} else {
		inst, err := stateMgr.StartInstallation(ctx, m.Profile, map[string]interface{}{
			"manifest": opts.manifestPath,
			"strategy": strategy.Name(),
			"dry_run":  opts.dryRun,
		})
		if err != nil {
			return err
		}
		logger.WithInstallationID(inst.InstallationID).
			WithField("profile", m.Profile).
			WithField("strategy", strategy.Name()).
			WithField("modules", len(m.Modules)).
			Info("Starting installation")
	}

	if err := metrics.StartMetricsServer(); err != nil {
		logger.WithError(err).Warn("Metrics endpoint unavailable")
	}

	active := stateMgr.Active()
	spanCtx, span := tracer.StartInstallationSpan(ctx, active.InstallationID, m.Profile)
	metrics.InstallationStarted(m.Profile)
	start := time.Now()

	installer := engine.NewInstaller(graph, installerOpts...)
	results, runErr := installer.Run(spanCtx, contexts)

	elapsed := time.Since(start).Seconds()
	if runErr != nil {
		telemetry.RecordError(span, runErr)
		metrics.InstallationCompleted(m.Profile, "failed", elapsed)
	} else {
		telemetry.RecordSuccess(span)
		metrics.InstallationCompleted(m.Profile, "success", elapsed)
	}
	span.End()

	for _, r := range results {
		if r.Resumed {
			continue
		}
		outcome := "success"
		if !r.Success {
			outcome = "failed"
		}
		metrics.ModuleFinished(r.ModuleName, outcome, r.Duration.Seconds())
	}

	printResults(logger, results)

	if runErr != nil {
		if opts.autoRollback && len(rb.Actions()) > 0 {
			logger.WithField("actions", len(rb.Actions())).Warn("Installation failed, rolling back")
			if rbErr := rb.Rollback(context.Background(), false); rbErr != nil {
				logger.WithError(rbErr).Error("Rollback incomplete")
			}
		}
		return runErr
	}

	return nil
}

// meteredPrinter layers metric updates over the log renderer.
func meteredPrinter(logger *telemetry.Logger, metrics *telemetry.Metrics) engine.ProgressCallback {
	printer := progressPrinter(logger)
	return func(module string, event engine.StageEvent, data map[string]interface{}) {
		switch event {
		case engine.EventStarted:
			metrics.ModuleStarted()
		}
		printer(module, event, data)
	}
}

func printResults(logger *telemetry.Logger, results map[string]*engine.ExecutionResult) {
	var succeeded, failed, resumed int
	for _, r := range results {
		switch {
		case r.Resumed:
			resumed++
		case r.Success:
			succeeded++
		default:
			failed++
		}
	}

	l := logger.
		WithField("succeeded", succeeded).
		WithField("failed", failed).
		WithField("skipped", resumed)
	if failed > 0 {
		l.Error("Installation finished with failures")
		return
	}
	l.Info("Installation finished")
}

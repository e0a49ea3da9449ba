package commands

import (
	"context"
	"fmt"

	"github.com/stackpilot/stackpilot/pkg/engine"
	"github.com/stackpilot/stackpilot/pkg/rollback"
	"github.com/stackpilot/stackpilot/pkg/state"
	"github.com/stackpilot/stackpilot/pkg/telemetry"
)

// buildTelemetry assembles the logger, metrics and tracer from the
// global flags and the defaults.
func buildTelemetry(version string) (*telemetry.Logger, *telemetry.Metrics, *telemetry.Tracer, error) {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = version
	cfg.Logging.Level = logLevel
	cfg.Logging.Format = logFormat
	if jsonOutput {
		cfg.Logging.Format = "json"
	}
	cfg.Metrics.ListenAddress = metricsAddr

	logger, err := telemetry.NewLogger(cfg.Logging)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create logger: %w", err)
	}

	metrics, err := telemetry.NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	tracer, err := telemetry.NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create tracer: %w", err)
	}

	return logger, metrics, tracer, nil
}

// openStateManager opens the state database, runs migrations and wraps
// it in a manager. The caller owns the returned store and must Close it.
func openStateManager(ctx context.Context, logger *telemetry.Logger) (*state.Manager, *state.SQLiteStore, error) {
	path := statePath
	if path == "" {
		path = state.DefaultPath()
	}

	store, err := state.NewSQLiteStore(state.Config{Path: path})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create state store: %w", err)
	}

	if err := store.Init(ctx); err != nil {
		return nil, nil, fmt.Errorf("failed to open state database at %s: %w", path, err)
	}

	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("failed to migrate state database: %w", err)
	}

	logger.WithField("path", path).Debug("State database ready")

	return state.NewManager(store, logger), store, nil
}

// openRollbackManager creates the rollback manager and rehydrates any
// action log a previous run left behind. New registrations append to the
// loaded log; skipping the load would overwrite the prior run's actions
// on the first registration.
func openRollbackManager(path string, logger *telemetry.Logger, metrics *telemetry.Metrics) (*rollback.Manager, error) {
	rb := rollback.NewManager(path, logger).WithMetrics(metrics)
	if err := rb.LoadState(); err != nil {
		return nil, err
	}
	return rb, nil
}

// strategyFromName resolves a strategy name, falling back to hybrid.
func strategyFromName(name string, maxWorkers int) engine.Strategy {
	switch name {
	case "parallel":
		return engine.NewParallelStrategy(maxWorkers)
	case "pipeline":
		return engine.NewPipelineStrategy()
	default:
		return engine.NewHybridStrategy(maxWorkers)
	}
}

// progressPrinter renders engine stage events through the logger.
func progressPrinter(logger *telemetry.Logger) engine.ProgressCallback {
	return func(module string, event engine.StageEvent, data map[string]interface{}) {
		l := logger.WithModule(module).WithField("event", string(event))
		for k, v := range data {
			l = l.WithField(k, v)
		}

		switch event {
		case engine.EventCompleted:
			l.Info("Module completed")
		case engine.EventFailed:
			l.Error("Module failed")
		case engine.EventStarted:
			l.Info("Module started")
		default:
			l.Debug("Stage event")
		}
	}
}

package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the orchestration engine.
type Metrics struct {
	config MetricsConfig

	// Installation metrics
	installationsStarted   *prometheus.CounterVec
	installationsCompleted *prometheus.CounterVec
	installationDuration   *prometheus.HistogramVec

	// Module metrics
	modulesExecuted *prometheus.CounterVec
	moduleDuration  *prometheus.HistogramVec

	// Rollback metrics
	rollbackActions *prometheus.CounterVec

	// Error metrics
	errorsByCode *prometheus.CounterVec

	// System metrics
	activeModules prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// No-op metrics instance.
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		installationsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "installations_started_total",
			Help:      "Total number of installations started.",
		}, []string{"profile"}),

		installationsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "installations_completed_total",
			Help:      "Total number of installations completed, by final status.",
		}, []string{"profile", "status"}),

		installationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "installation_duration_seconds",
			Help:      "Wall-clock duration of installations.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"profile"}),

		modulesExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "modules_executed_total",
			Help:      "Total number of module executions, by result.",
		}, []string{"module", "result"}),

		moduleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "module_duration_seconds",
			Help:      "Wall-clock duration of module executions.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14),
		}, []string{"module"}),

		rollbackActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rollback_actions_total",
			Help:      "Total number of rollback actions executed, by type and result.",
		}, []string{"action_type", "result"}),

		errorsByCode: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Total number of engine errors, by error code.",
		}, []string{"code"}),

		activeModules: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_modules",
			Help:      "Number of modules currently executing.",
		}),
	}

	registry.MustRegister(
		m.installationsStarted,
		m.installationsCompleted,
		m.installationDuration,
		m.modulesExecuted,
		m.moduleDuration,
		m.rollbackActions,
		m.errorsByCode,
		m.activeModules,
	)

	return m, nil
}

// Registry returns the underlying Prometheus registry, nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics. Nothing is
// started when metrics are disabled or no listen address is configured.
func (m *Metrics) StartMetricsServer() error {
	if m.registry == nil || m.config.ListenAddress == "" {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			// Log error but don't fail the application
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	return nil
}

// InstallationStarted records the start of an installation.
func (m *Metrics) InstallationStarted(profile string) {
	if m.registry == nil {
		return
	}
	m.installationsStarted.WithLabelValues(profile).Inc()
}

// InstallationCompleted records the completion of an installation.
func (m *Metrics) InstallationCompleted(profile, status string, seconds float64) {
	if m.registry == nil {
		return
	}
	m.installationsCompleted.WithLabelValues(profile, status).Inc()
	m.installationDuration.WithLabelValues(profile).Observe(seconds)
}

// ModuleStarted records a module entering execution.
func (m *Metrics) ModuleStarted() {
	if m.registry == nil {
		return
	}
	m.activeModules.Inc()
}

// ModuleFinished records a module execution result.
func (m *Metrics) ModuleFinished(module, result string, seconds float64) {
	if m.registry == nil {
		return
	}
	m.activeModules.Dec()
	m.modulesExecuted.WithLabelValues(module, result).Inc()
	m.moduleDuration.WithLabelValues(module).Observe(seconds)
}

// RollbackAction records one rollback action execution.
func (m *Metrics) RollbackAction(actionType, result string) {
	if m.registry == nil {
		return
	}
	m.rollbackActions.WithLabelValues(actionType, result).Inc()
}

// Error records an engine error by code.
func (m *Metrics) Error(code string) {
	if m.registry == nil {
		return
	}
	m.errorsByCode.WithLabelValues(code).Inc()
}

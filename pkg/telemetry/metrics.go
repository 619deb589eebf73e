package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the workstation installer.
// A nil *Metrics is a valid no-op collector, as is one built with
// MetricsConfig.Enabled set to false.
type Metrics struct {
	config MetricsConfig

	// Run metrics
	runsTotal   *prometheus.CounterVec
	runDuration *prometheus.HistogramVec

	// Module metrics
	modulesTotal   *prometheus.CounterVec
	moduleDuration *prometheus.HistogramVec

	// Batch metrics
	batchesTotal prometheus.Counter
	batchSize    prometheus.Histogram

	// Resilience metrics
	retryAttempts     *prometheus.CounterVec
	breakerState      *prometheus.GaugeVec
	breakerRejections *prometheus.CounterVec

	// Rollback metrics
	rollbackActions *prometheus.CounterVec

	// Error metrics
	errorsTotal *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		runsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Total number of installation runs by result",
			},
			[]string{"result"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of installation runs in seconds",
				Buckets:   buckets,
			},
			[]string{"result"},
		),

		modulesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "modules_total",
				Help:      "Total number of module executions by status",
			},
			[]string{"module", "status"},
		),
		moduleDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "module_duration_seconds",
				Help:      "Duration of module lifecycles in seconds",
				Buckets:   buckets,
			},
			[]string{"module"},
		),

		batchesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batches_total",
				Help:      "Total number of executed batches",
			},
		),
		batchSize: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "batch_size",
				Help:      "Number of modules per executed batch",
				Buckets:   prometheus.LinearBuckets(1, 1, 8),
			},
		),

		retryAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retry_attempts_total",
				Help:      "Total number of retry attempts by operation",
			},
			[]string{"operation"},
		),
		breakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "breaker_state",
				Help:      "Circuit breaker state (0=closed, 1=open, 2=half_open)",
			},
			[]string{"name"},
		),
		breakerRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "breaker_rejections_total",
				Help:      "Total number of calls rejected by open circuit breakers",
			},
			[]string{"name"},
		),

		rollbackActions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rollback_actions_total",
				Help:      "Total number of replayed rollback actions by status",
			},
			[]string{"status"},
		),

		errorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total number of classified errors",
			},
			[]string{"class", "kind"},
		),
	}

	registry.MustRegister(
		m.runsTotal,
		m.runDuration,
		m.modulesTotal,
		m.moduleDuration,
		m.batchesTotal,
		m.batchSize,
		m.retryAttempts,
		m.breakerState,
		m.breakerRejections,
		m.rollbackActions,
		m.errorsTotal,
	)

	return m, nil
}

// Run Metrics

// RecordRun records a finished run with its result and duration.
func (m *Metrics) RecordRun(result string, duration time.Duration) {
	if m == nil || m.runsTotal == nil {
		return
	}
	m.runsTotal.WithLabelValues(result).Inc()
	m.runDuration.WithLabelValues(result).Observe(duration.Seconds())
}

// Module Metrics

// RecordModule records a module execution outcome. Durations are only
// observed for modules that actually ran.
func (m *Metrics) RecordModule(module, status string, duration time.Duration) {
	if m == nil || m.modulesTotal == nil {
		return
	}
	m.modulesTotal.WithLabelValues(module, status).Inc()
	if duration > 0 {
		m.moduleDuration.WithLabelValues(module).Observe(duration.Seconds())
	}
}

// Batch Metrics

// RecordBatch records an executed batch and its size.
func (m *Metrics) RecordBatch(size int) {
	if m == nil || m.batchesTotal == nil {
		return
	}
	m.batchesTotal.Inc()
	m.batchSize.Observe(float64(size))
}

// Resilience Metrics

// RecordRetryAttempt records a retry attempt for an operation.
func (m *Metrics) RecordRetryAttempt(operation string) {
	if m == nil || m.retryAttempts == nil {
		return
	}
	m.retryAttempts.WithLabelValues(operation).Inc()
}

// SetBreakerState sets the state gauge for a circuit breaker.
func (m *Metrics) SetBreakerState(name, state string) {
	if m == nil || m.breakerState == nil {
		return
	}
	var value float64
	switch state {
	case "open":
		value = 1
	case "half_open":
		value = 2
	default:
		value = 0
	}
	m.breakerState.WithLabelValues(name).Set(value)
}

// RecordBreakerRejection records a call rejected by an open breaker.
func (m *Metrics) RecordBreakerRejection(name string) {
	if m == nil || m.breakerRejections == nil {
		return
	}
	m.breakerRejections.WithLabelValues(name).Inc()
}

// Rollback Metrics

// RecordRollbackAction records a replayed rollback action outcome.
func (m *Metrics) RecordRollbackAction(status string) {
	if m == nil || m.rollbackActions == nil {
		return
	}
	m.rollbackActions.WithLabelValues(status).Inc()
}

// Error Metrics

// RecordError records a classified error.
func (m *Metrics) RecordError(class, kind string) {
	if m == nil || m.errorsTotal == nil {
		return
	}
	m.errorsTotal.WithLabelValues(class, kind).Inc()
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration is a helper to time an operation and record it.
func (t *Timer) ObserveDuration(observer prometheus.Observer) {
	observer.Observe(t.Duration().Seconds())
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics.
func (m *Metrics) StartMetricsServer() error {
	if m == nil || !m.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	return nil
}

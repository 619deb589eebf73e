// Package telemetry provides observability instrumentation for the
// workstation installer.
//
// The telemetry package integrates structured logging (zerolog), distributed
// tracing (OpenTelemetry), metrics (Prometheus), and event publishing into a
// unified system for monitoring and debugging installation runs.
//
// # Architecture
//
// The telemetry system is built on four pillars:
//
//  1. Structured Logging - Context-aware logging with zerolog
//  2. Distributed Tracing - OpenTelemetry traces with multiple exporters
//  3. Metrics Collection - Prometheus metrics for operational insights
//  4. Event Publishing - Event stream for progress display and audit
//
// # Usage
//
// Initialize telemetry at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceName = "workstation"
//	cfg.ServiceVersion = "1.0.0"
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
// Add telemetry to context:
//
//	ctx = tel.WithContext(ctx)
//
// # Structured Logging
//
// The logger provides component-specific logging with field helpers:
//
//	logger := tel.Logger.NewComponentLogger("installer")
//	logger = logger.WithRunID("run-123").WithModule("docker")
//	logger.Info("Configuring module")
//	logger.WithError(err).Error("Module failed")
//
// Log levels: trace, debug, info, warn, error, fatal
//
// # Distributed Tracing
//
// Tracing provides visibility into run structure and timing. The installer
// nests batch spans under the run span and module spans under batches:
//
//	ctx, span := tel.Tracer.StartRunSpan(ctx, runID)
//	defer span.End()
//
//	if err != nil {
//	    telemetry.RecordError(span, err)
//	}
//
// Supported exporters: OTLP (production), Stdout (development), None (testing)
//
// # Metrics
//
// Prometheus metrics track run behavior. Key metrics exposed:
//
//   - workstation_runs_total{result}
//   - workstation_run_duration_seconds{result}
//   - workstation_modules_total{module,status}
//   - workstation_module_duration_seconds{module}
//   - workstation_batches_total
//   - workstation_batch_size
//   - workstation_retry_attempts_total{operation}
//   - workstation_breaker_state{name}
//   - workstation_breaker_rejections_total{name}
//   - workstation_rollback_actions_total{status}
//   - workstation_errors_total{class,kind}
//
// Metrics are exposed via HTTP at /metrics (default: :9090/metrics).
//
// # Event Publishing
//
// The event system carries the run lifecycle to subscribers such as the CLI
// progress display and the run history store:
//
//	tel.Events.Subscribe(func(event telemetry.Event) {
//	    fmt.Printf("%s %s\n", event.Type, event.Message)
//	}, telemetry.FilterByRunID(runID))
//
// Event filters: FilterByLevel, FilterByType, FilterByRunID, FilterByModule
//
// # Configuration
//
// The package provides pre-configured setups for different environments:
//
//	// Development (verbose logging, stdout traces, full sampling)
//	cfg := telemetry.DevelopmentConfig()
//
//	// Production (JSON logs, OTLP traces, metrics server)
//	cfg := telemetry.ProductionConfig()
//
// # Graceful Shutdown
//
// Always shut down telemetry gracefully to flush pending data:
//
//	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
//	defer cancel()
//
//	if err := tel.Shutdown(ctx); err != nil {
//	    log.Printf("Telemetry shutdown error: %v", err)
//	}
package telemetry

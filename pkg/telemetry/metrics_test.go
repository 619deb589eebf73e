package telemetry

import (
	"testing"
	"time"
)

func TestMetrics_NilReceiver_NoPanic(t *testing.T) {
	var m *Metrics

	m.RecordRun("succeeded", time.Minute)
	m.RecordModule("python", "succeeded", time.Second)
	m.RecordBatch(3)
	m.RecordRetryAttempt("apt-get install")
	m.SetBreakerState("apt", "open")
	m.RecordBreakerRejection("apt")
	m.RecordRollbackAction("failed")
	m.RecordError("transient", "module_lifecycle")

	if err := m.StartMetricsServer(); err != nil {
		t.Fatalf("Expected no error from nil metrics server, got: %v", err)
	}
}

func TestMetrics_Disabled_NoPanic(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	m.RecordRun("failed", time.Minute)
	m.RecordModule("docker", "failed", 5*time.Second)
	m.RecordBatch(1)
	m.SetBreakerState("nodesource", "half_open")

	if m.registry != nil {
		t.Error("Expected disabled metrics to have no registry")
	}
}

func TestMetrics_Enabled_RecordsSamples(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{
		Enabled:   true,
		Namespace: "workstation",
	})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	m.RecordRun("succeeded", time.Minute)
	m.RecordModule("python", "succeeded", 30*time.Second)
	m.RecordModule("docker", "skipped", 0)
	m.RecordBatch(3)
	m.RecordRetryAttempt("apt-get install")
	m.SetBreakerState("apt", "open")
	m.RecordBreakerRejection("apt")
	m.RecordRollbackAction("succeeded")
	m.RecordError("permanent", "graph")

	families, err := m.registry.Gather()
	if err != nil {
		t.Fatalf("Expected no gather error, got: %v", err)
	}

	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}

	for _, want := range []string{
		"workstation_runs_total",
		"workstation_run_duration_seconds",
		"workstation_modules_total",
		"workstation_module_duration_seconds",
		"workstation_batches_total",
		"workstation_batch_size",
		"workstation_retry_attempts_total",
		"workstation_breaker_state",
		"workstation_breaker_rejections_total",
		"workstation_rollback_actions_total",
		"workstation_errors_total",
	} {
		if !names[want] {
			t.Errorf("Expected metric family %s to be registered with samples", want)
		}
	}
}

func TestMetrics_SetBreakerState_Values(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: true, Namespace: "ws"})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	cases := []struct {
		state string
		want  float64
	}{
		{"closed", 0},
		{"open", 1},
		{"half_open", 2},
		{"bogus", 0},
	}

	for _, tc := range cases {
		m.SetBreakerState("apt", tc.state)

		families, err := m.registry.Gather()
		if err != nil {
			t.Fatalf("Expected no gather error, got: %v", err)
		}
		var got float64
		for _, f := range families {
			if f.GetName() != "ws_breaker_state" {
				continue
			}
			for _, metric := range f.GetMetric() {
				got = metric.GetGauge().GetValue()
			}
		}
		if got != tc.want {
			t.Errorf("State %s: expected gauge %v, got %v", tc.state, tc.want, got)
		}
	}
}

func TestMetrics_Handler_NilRegistry(t *testing.T) {
	m := &Metrics{}
	if m.Handler() == nil {
		t.Fatal("Expected a handler even without a registry")
	}
}

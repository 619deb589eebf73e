package engine

import (
	"time"
)

// ModuleDescriptor describes an installation module's scheduling metadata.
// Descriptors are declared once at registration and immutable thereafter.
type ModuleDescriptor struct {
	// Name is the unique module name (e.g., "system", "docker").
	Name string `json:"name"`

	// DependsOn lists module names that must finish before this module runs.
	DependsOn []string `json:"depends_on,omitempty"`

	// Priority is an informational tie-break hint; it does not affect batching.
	Priority int `json:"priority"`

	// ForceSequential forces the module into its own singleton batch.
	ForceSequential bool `json:"force_sequential"`

	// Mandatory marks a module whose failure halts the whole install.
	Mandatory bool `json:"mandatory"`
}

// ExecutionContext carries everything a module needs for one batch execution.
// A fresh context is built per batch and owned by the executor for that batch.
type ExecutionContext struct {
	// RunID is the identifier of the installation run.
	RunID string `json:"run_id"`

	// Module is the module name.
	Module string `json:"module"`

	// Handle is the module implementation to drive through its lifecycle.
	Handle Module `json:"-"`

	// Config is the read-only configuration accessor for this module.
	Config Accessor `json:"-"`

	// DryRun indicates side effects must be skipped by the module.
	// The core engine propagates the flag but does not interpret it.
	DryRun bool `json:"dry_run"`
}

// Result is the immutable outcome of driving one module through its lifecycle.
type Result struct {
	// Module is the module name this result belongs to.
	Module string `json:"module"`

	// Status is the terminal module status.
	Status ModuleStatus `json:"status"`

	// Success indicates every lifecycle stage passed.
	Success bool `json:"success"`

	// Stage is the last stage reached (completed or the failing stage).
	Stage Stage `json:"stage"`

	// Error is the captured lifecycle error, if any.
	Error *InstallError `json:"error,omitempty"`

	// StartedAt is when the module started executing.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when the module finished.
	CompletedAt time.Time `json:"completed_at"`

	// Duration is the total module execution time.
	Duration time.Duration `json:"duration"`
}

// RunSummary aggregates the outcome of a whole installation run.
type RunSummary struct {
	// RunID is the unique identifier for this run.
	RunID string `json:"run_id"`

	// State is the final installer state.
	State InstallerState `json:"state"`

	// StartedAt is when the run started.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when the run reached a terminal state.
	CompletedAt time.Time `json:"completed_at"`

	// Duration is the total run duration.
	Duration time.Duration `json:"duration"`

	// DryRun indicates the run executed without side effects.
	DryRun bool `json:"dry_run"`

	// Batches is the executed batch plan in order.
	Batches [][]string `json:"batches,omitempty"`

	// Results maps module names to their execution results.
	Results map[string]*Result `json:"results"`

	// Total is the number of scheduled modules.
	Total int `json:"total"`

	// Succeeded is the number of modules that succeeded.
	Succeeded int `json:"succeeded"`

	// Failed is the number of modules that failed.
	Failed int `json:"failed"`

	// Skipped is the number of modules skipped after a batch failure.
	Skipped int `json:"skipped"`

	// MandatoryFailed indicates a mandatory module failed; the run can never
	// be marked succeeded even though later batches were skipped.
	MandatoryFailed bool `json:"mandatory_failed"`

	// RolledBack indicates the rollback ledger was invoked for this run.
	RolledBack bool `json:"rolled_back"`

	// RollbackFailures counts undo actions that failed during rollback.
	RollbackFailures int `json:"rollback_failures"`

	// ConfigDigest is the SHA-256 of the effective configuration, for audit.
	ConfigDigest string `json:"config_digest,omitempty"`

	// Error is the run-level error that stopped the install, if any.
	Error string `json:"error,omitempty"`
}

// FailedModules returns the names of failed modules in no particular order.
func (s *RunSummary) FailedModules() []string {
	var failed []string
	for name, r := range s.Results {
		if r.Status == ModuleStatusFailed {
			failed = append(failed, name)
		}
	}
	return failed
}

// Recount recomputes the aggregate counters from the per-module results.
func (s *RunSummary) Recount() {
	s.Succeeded, s.Failed, s.Skipped = 0, 0, 0
	for _, r := range s.Results {
		switch r.Status {
		case ModuleStatusSucceeded:
			s.Succeeded++
		case ModuleStatusFailed:
			s.Failed++
		case ModuleStatusSkipped:
			s.Skipped++
		}
	}
}

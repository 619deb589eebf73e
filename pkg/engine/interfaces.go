package engine

import (
	"context"
)

// Module is the contract every installation module implements.
// The three lifecycle stages run in order; an error return stops the
// module's lifecycle and marks it failed.
type Module interface {
	// Name returns the unique module name.
	Name() string

	// DependsOn returns the names of modules that must finish first.
	// An empty result falls back to the static default dependency table.
	DependsOn() []string

	// Priority returns an informational ordering hint.
	Priority() int

	// ForceSequential reports whether the module must run alone in its batch.
	ForceSequential() bool

	// Mandatory reports whether a failure of this module halts the install.
	Mandatory() bool

	// Validate checks preconditions without side effects.
	Validate(ctx context.Context) error

	// Configure performs the installation work.
	Configure(ctx context.Context) error

	// Verify checks the module's post-conditions.
	Verify(ctx context.Context) error
}

// Rollbacker is optional self-compensation for a module, detected by type
// assertion after the module's own ledger entries have been undone.
type Rollbacker interface {
	// Rollback undoes the module's side effects.
	Rollback(ctx context.Context) error
}

// Accessor provides read-only dotted-path configuration lookup with defaults.
// Module code receives only the accessor, never the typed config tree.
type Accessor interface {
	// GetString returns the string at path, or def when absent.
	GetString(path string, def string) string

	// GetInt returns the integer at path, or def when absent.
	GetInt(path string, def int) int

	// GetBool returns the boolean at path, or def when absent.
	GetBool(path string, def bool) bool

	// GetStringSlice returns the string slice at path, or def when absent.
	GetStringSlice(path string, def []string) []string

	// Get returns the raw value at path, or def when absent.
	Get(path string, def interface{}) interface{}
}

// SystemValidator performs pre-flight checks before any module runs.
type SystemValidator interface {
	// ValidateSystem verifies the host satisfies the install requirements.
	ValidateSystem(ctx context.Context) error
}

// ModuleLoader supplies additional modules discovered at runtime,
// such as WASM plugins.
type ModuleLoader interface {
	// LoadModules discovers and instantiates modules.
	LoadModules(ctx context.Context) ([]Module, error)
}

// HookDispatcher fires lifecycle hook events. Implementations log handler
// errors and never return them; a hook can observe but not abort an install.
type HookDispatcher interface {
	// Dispatch invokes all handlers registered for the event.
	Dispatch(ctx context.Context, event string, payload map[string]interface{})
}

// Hook event names fired by the installer.
const (
	HookBeforeInstall         = "before_install"
	HookAfterInstall          = "after_install"
	HookBeforeModuleValidate  = "before_module_validate"
	HookAfterModuleValidate   = "after_module_validate"
	HookBeforeModuleConfigure = "before_module_configure"
	HookAfterModuleConfigure  = "after_module_configure"
	HookOnModuleError         = "on_module_error"
	HookOnInstallError        = "on_install_error"
)

// PlanInput is the policy input describing a planned install.
type PlanInput struct {
	// Modules are the scheduled module descriptors.
	Modules []ModuleDescriptor `json:"modules"`

	// Batches is the computed batch plan.
	Batches [][]string `json:"batches"`

	// DryRun indicates the plan will execute without side effects.
	DryRun bool `json:"dry_run"`
}

// PolicyDecision is the outcome of a policy review.
type PolicyDecision struct {
	// Allowed indicates no deny rule matched.
	Allowed bool `json:"allowed"`

	// Violations lists deny messages; any entry fails the install.
	Violations []string `json:"violations,omitempty"`

	// Warnings lists warn messages; logged but non-blocking.
	Warnings []string `json:"warnings,omitempty"`
}

// PolicyGate reviews the plan before execution and decides on rollback
// after a failed run.
type PolicyGate interface {
	// ReviewPlan evaluates deny/warn rules against the planned install.
	ReviewPlan(ctx context.Context, input PlanInput) (*PolicyDecision, error)

	// ApproveRollback decides whether a failed run should roll back.
	ApproveRollback(ctx context.Context, summary *RunSummary) (bool, error)
}

// RunRecorder persists run history. The installer records; reading back
// is a reporting concern outside the engine.
type RunRecorder interface {
	// RecordRunStart persists the run row when execution begins.
	RecordRunStart(ctx context.Context, summary *RunSummary) error

	// RecordModuleResult persists one module result.
	RecordModuleResult(ctx context.Context, runID string, result *Result) error

	// RecordEvent appends a timeline event to the run.
	RecordEvent(ctx context.Context, runID, eventType, module, message string) error

	// FinishRun persists the terminal run state and totals.
	FinishRun(ctx context.Context, summary *RunSummary) error
}

// StageCallback receives module progress notifications from the executor.
// Callback errors and panics never block module progress.
type StageCallback func(module string, stage Stage, data map[string]interface{}) error

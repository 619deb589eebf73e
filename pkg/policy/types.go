package policy

import (
	"sort"
	"time"

	"github.com/yunaamelia/debian-vps-workstation-sub001/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for warnings that should be reviewed.
	SeverityWarning Severity = "warning"

	// SeverityError is for errors that block the install.
	SeverityError Severity = "error"

	// SeverityCritical is for critical violations that must be addressed immediately.
	SeverityCritical Severity = "critical"
)

// Blocks reports whether a violation of this severity denies the plan.
func (s Severity) Blocks() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy represents a policy rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code. The declared package selects the
	// scope: workstation.rollback packages feed the rollback decision, all
	// other packages are evaluated against the install plan.
	Rego string `json:"rego"`

	// Severity is the default severity for violations that do not carry
	// their own.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Metadata contains additional policy metadata.
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	// CreatedAt is when the policy was created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the policy was last updated.
	UpdatedAt time.Time `json:"updated_at"`
}

// Violation is a single deny result produced by a policy.
type Violation struct {
	// Policy is the name of the policy that produced the violation.
	Policy string `json:"policy"`

	// Module is the module the violation refers to, when known.
	Module string `json:"module,omitempty"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`
}

// SummaryInput is the document rollback policies evaluate against.
type SummaryInput struct {
	// RunID identifies the failed run.
	RunID string `json:"run_id"`

	// State is the terminal installer state.
	State string `json:"state"`

	// DryRun indicates the run executed without side effects.
	DryRun bool `json:"dry_run"`

	// Total is the number of scheduled modules.
	Total int `json:"total"`

	// Succeeded is the number of modules that succeeded.
	Succeeded int `json:"succeeded"`

	// Failed is the number of modules that failed.
	Failed int `json:"failed"`

	// Skipped is the number of modules skipped after a batch failure.
	Skipped int `json:"skipped"`

	// MandatoryFailed indicates a mandatory module failed.
	MandatoryFailed bool `json:"mandatory_failed"`

	// FailedModules lists the names of failed modules in sorted order.
	FailedModules []string `json:"failed_modules,omitempty"`

	// DurationSeconds is the total run duration in seconds.
	DurationSeconds float64 `json:"duration_seconds"`
}

// SummarizeRun converts a run summary into the rollback policy input.
// Skipped modules are counted but not listed as failures.
func SummarizeRun(summary *engine.RunSummary) SummaryInput {
	if summary == nil {
		return SummaryInput{}
	}

	input := SummaryInput{
		RunID:           summary.RunID,
		State:           string(summary.State),
		DryRun:          summary.DryRun,
		Total:           summary.Total,
		Succeeded:       summary.Succeeded,
		Failed:          summary.Failed,
		Skipped:         summary.Skipped,
		MandatoryFailed: summary.MandatoryFailed,
		DurationSeconds: summary.Duration.Seconds(),
	}

	for name, result := range summary.Results {
		if result != nil && result.Status == engine.ModuleStatusFailed {
			input.FailedModules = append(input.FailedModules, name)
		}
	}
	sort.Strings(input.FailedModules)

	return input
}

package stores

import (
	"context"
	"time"

	"github.com/yunaamelia/debian-vps-workstation-sub001/pkg/engine"
)

// RunRecord is one persisted installation run.
type RunRecord struct {
	ID               string                `json:"id"`
	State            engine.InstallerState `json:"state"`
	DryRun           bool                  `json:"dry_run"`
	StartedAt        time.Time             `json:"started_at"`
	CompletedAt      *time.Time            `json:"completed_at,omitempty"`
	Duration         time.Duration         `json:"duration"`
	Batches          [][]string            `json:"batches,omitempty"`
	Total            int                   `json:"total"`
	Succeeded        int                   `json:"succeeded"`
	Failed           int                   `json:"failed"`
	Skipped          int                   `json:"skipped"`
	MandatoryFailed  bool                  `json:"mandatory_failed"`
	RolledBack       bool                  `json:"rolled_back"`
	RollbackFailures int                   `json:"rollback_failures"`
	ConfigDigest     string                `json:"config_digest,omitempty"`
	Error            *string               `json:"error,omitempty"`
	CreatedAt        time.Time             `json:"created_at"`
	UpdatedAt        time.Time             `json:"updated_at"`
}

// ModuleResultRecord is one persisted module outcome within a run.
type ModuleResultRecord struct {
	RunID       string              `json:"run_id"`
	Module      string              `json:"module"`
	Status      engine.ModuleStatus `json:"status"`
	Success     bool                `json:"success"`
	Stage       engine.Stage        `json:"stage"`
	Error       *string             `json:"error,omitempty"`
	StartedAt   time.Time           `json:"started_at"`
	CompletedAt time.Time           `json:"completed_at"`
	Duration    time.Duration       `json:"duration"`
}

// EventRecord is one timeline entry of a run.
type EventRecord struct {
	ID        int64     `json:"id"`
	RunID     string    `json:"run_id"`
	Type      string    `json:"type"`
	Module    string    `json:"module,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// AuditRecord is one audit trail entry. Action names follow a
// "run.started"/"run.finished" convention; Resource is the run ID or
// other subject the action touched. Details may carry a JSON blob.
type AuditRecord struct {
	ID        int64     `json:"id"`
	Actor     string    `json:"actor"`
	Action    string    `json:"action"`
	Resource  string    `json:"resource,omitempty"`
	Details   *string   `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Store defines the persistence contract for run history and audit.
// The recording half is the engine's RunRecorder; the reading half
// serves the CLI history command.
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error

	// Recording, consumed by the installer.
	engine.RunRecorder

	// History reads
	GetRun(ctx context.Context, id string) (*RunRecord, error)
	ListRuns(ctx context.Context, limit, offset int) ([]*RunRecord, error)
	ListModuleResults(ctx context.Context, runID string) ([]*ModuleResultRecord, error)
	ListEvents(ctx context.Context, runID string, limit, offset int) ([]*EventRecord, error)
	DeleteRun(ctx context.Context, id string) error

	// Audit operations
	AppendAudit(ctx context.Context, entry *AuditRecord) error
	ListAudit(ctx context.Context, action, actor *string, limit, offset int) ([]*AuditRecord, error)

	// Utility
	HealthCheck(ctx context.Context) error
}

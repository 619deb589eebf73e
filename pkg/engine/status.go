package engine

import (
	"encoding/json"
	"fmt"
)

// InstallerState represents the lifecycle state of an installation run.
type InstallerState string

const (
	// StateInit indicates the installer was constructed but not yet started.
	StateInit InstallerState = "init"

	// StateValidating indicates pre-flight system validation is in progress.
	StateValidating InstallerState = "validating"

	// StateLoading indicates modules and plugins are being loaded.
	StateLoading InstallerState = "loading"

	// StateBuildingGraph indicates the dependency graph is being built and validated.
	StateBuildingGraph InstallerState = "building_graph"

	// StateExecuting indicates batches are being executed.
	StateExecuting InstallerState = "executing"

	// StateSummarizing indicates results are being aggregated.
	StateSummarizing InstallerState = "summarizing"

	// StateSucceeded indicates the run completed with every module succeeding.
	StateSucceeded InstallerState = "succeeded"

	// StateFailed indicates the run stopped with at least one failure.
	StateFailed InstallerState = "failed"

	// StateRollingBack indicates recorded rollback actions are being undone.
	// Only reachable from StateFailed.
	StateRollingBack InstallerState = "rolling_back"
)

// IsTerminal returns true if the installer state represents a final state.
func (s InstallerState) IsTerminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// IsActive returns true if the installer is still making progress.
func (s InstallerState) IsActive() bool {
	return s == StateValidating || s == StateLoading || s == StateBuildingGraph ||
		s == StateExecuting || s == StateSummarizing || s == StateRollingBack
}

// Validate checks if the installer state is valid.
func (s InstallerState) Validate() error {
	switch s {
	case StateInit, StateValidating, StateLoading, StateBuildingGraph,
		StateExecuting, StateSummarizing, StateSucceeded, StateFailed, StateRollingBack:
		return nil
	default:
		return fmt.Errorf("invalid installer state: %s", s)
	}
}

// CanTransitionTo reports whether the state machine allows moving to next.
func (s InstallerState) CanTransitionTo(next InstallerState) bool {
	switch s {
	case StateInit:
		return next == StateValidating
	case StateValidating:
		return next == StateLoading || next == StateFailed
	case StateLoading:
		return next == StateBuildingGraph || next == StateFailed
	case StateBuildingGraph:
		return next == StateExecuting || next == StateFailed
	case StateExecuting:
		return next == StateSummarizing
	case StateSummarizing:
		return next == StateSucceeded || next == StateFailed
	case StateFailed:
		return next == StateRollingBack
	case StateRollingBack:
		return next == StateFailed
	default:
		return false
	}
}

// ModuleStatus represents the execution status of a single module.
type ModuleStatus string

const (
	// ModuleStatusPending indicates the module is waiting for its batch.
	ModuleStatusPending ModuleStatus = "pending"

	// ModuleStatusRunning indicates the module lifecycle is executing.
	ModuleStatusRunning ModuleStatus = "running"

	// ModuleStatusSucceeded indicates every lifecycle stage passed.
	ModuleStatusSucceeded ModuleStatus = "succeeded"

	// ModuleStatusFailed indicates a lifecycle stage failed.
	ModuleStatusFailed ModuleStatus = "failed"

	// ModuleStatusSkipped indicates the module never ran because an earlier
	// batch failed.
	ModuleStatusSkipped ModuleStatus = "skipped"
)

// IsTerminal returns true if the module status represents a final state.
func (s ModuleStatus) IsTerminal() bool {
	return s == ModuleStatusSucceeded || s == ModuleStatusFailed || s == ModuleStatusSkipped
}

// Validate checks if the module status is valid.
func (s ModuleStatus) Validate() error {
	switch s {
	case ModuleStatusPending, ModuleStatusRunning, ModuleStatusSucceeded,
		ModuleStatusFailed, ModuleStatusSkipped:
		return nil
	default:
		return fmt.Errorf("invalid module status: %s", s)
	}
}

// Stage identifies a point in a module's lifecycle reported to progress callbacks.
type Stage string

const (
	// StageStarted fires when a module is picked up by a worker.
	StageStarted Stage = "started"

	// StageValidating fires before the module's Validate stage.
	StageValidating Stage = "validating"

	// StageConfiguring fires before the module's Configure stage.
	StageConfiguring Stage = "configuring"

	// StageVerifying fires before the module's Verify stage.
	StageVerifying Stage = "verifying"

	// StageCompleted fires after all stages passed.
	StageCompleted Stage = "completed"

	// StageFailed fires after a stage error stopped the module.
	StageFailed Stage = "failed"
)

// Validate checks if the stage is valid.
func (s Stage) Validate() error {
	switch s {
	case StageStarted, StageValidating, StageConfiguring, StageVerifying,
		StageCompleted, StageFailed:
		return nil
	default:
		return fmt.Errorf("invalid stage: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s InstallerState) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *InstallerState) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = InstallerState(str)
	return s.Validate()
}

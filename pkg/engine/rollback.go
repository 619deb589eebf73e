package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// RollbackAction pairs a human-readable description with its undo callback.
// Actions are owned exclusively by the ledger once added.
type RollbackAction struct {
	// Description says what the undo will do, for logs and events.
	Description string

	// Undo reverses one recorded side effect.
	Undo func(ctx context.Context) error
}

// RollbackLedger records undo actions in insertion order and replays them in
// LIFO order. Any module may append during execution; only the installer
// invokes Rollback, after all batches have stopped.
type RollbackLedger struct {
	// logger records undo progress and failures
	logger zerolog.Logger

	// onAction is invoked after each undo attempt; err is nil on success
	onAction func(description string, err error)

	// mu protects the fields below
	mu sync.Mutex

	// actions holds the recorded undos in insertion order
	actions []RollbackAction

	// drained marks the ledger as spent; further Rollback calls are no-ops
	drained bool
}

// NewRollbackLedger creates an empty ledger.
func NewRollbackLedger(logger zerolog.Logger) *RollbackLedger {
	return &RollbackLedger{
		logger:  logger.With().Str("component", "rollback").Logger(),
		actions: make([]RollbackAction, 0),
	}
}

// WithOnAction sets a hook invoked after every undo attempt.
func (l *RollbackLedger) WithOnAction(fn func(description string, err error)) *RollbackLedger {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onAction = fn
	return l
}

// Add appends an undo action. Safe for concurrent use.
func (l *RollbackLedger) Add(description string, undo func(ctx context.Context) error) {
	if undo == nil {
		l.logger.Warn().Str("action", description).Msg("Ignoring rollback action with nil undo")
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.drained {
		l.logger.Warn().Str("action", description).Msg("Rollback action added after ledger drained")
		return
	}

	l.actions = append(l.actions, RollbackAction{Description: description, Undo: undo})
}

// Len returns the number of recorded actions.
func (l *RollbackLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.actions)
}

// Rollback replays the recorded undos in LIFO order. Individual failures are
// logged and counted without aborting the rest. The ledger drains once; a
// second call is a no-op reporting success.
func (l *RollbackLedger) Rollback(ctx context.Context) (bool, int) {
	l.mu.Lock()
	if l.drained {
		l.mu.Unlock()
		return true, 0
	}
	l.drained = true
	actions := l.actions
	l.actions = nil
	l.mu.Unlock()

	if len(actions) == 0 {
		return true, 0
	}

	l.logger.Info().Int("actions", len(actions)).Msg("Rolling back recorded actions")

	failed := 0
	for i := len(actions) - 1; i >= 0; i-- {
		action := actions[i]

		l.logger.Info().Str("action", action.Description).Msg("Undoing action")

		err := l.runUndo(ctx, action)
		if l.onAction != nil {
			l.onAction(action.Description, err)
		}
		if err != nil {
			failed++
			l.logger.Error().
				Err(NewRollbackActionError(action.Description, err)).
				Str("action", action.Description).
				Msg("Rollback action failed")
		}
	}

	l.logger.Info().
		Int("actions", len(actions)).
		Int("failed", failed).
		Msg("Rollback finished")

	return failed == 0, failed
}

// runUndo executes one undo, converting a panic into an error so the
// remaining actions still run.
func (l *RollbackLedger) runUndo(ctx context.Context, action RollbackAction) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("undo panicked: %v", r)
		}
	}()
	return action.Undo(ctx)
}

package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultWorkers is the intra-batch parallelism used when configuration
// is silent.
const DefaultWorkers = 4

// HybridExecutor drives every module of a batch through its
// validate -> configure -> verify lifecycle. Modules inside a batch run in
// parallel up to the worker limit; the batch fully drains before the next
// one starts. If the parallel path cannot proceed the executor falls back
// to sequential execution, keeping results already obtained.
type HybridExecutor struct {
	// workers is the maximum number of concurrent modules per batch
	workers int

	// logger records executor progress
	logger zerolog.Logger
}

// NewHybridExecutor creates an executor with the given worker limit.
// Non-positive limits fall back to DefaultWorkers.
func NewHybridExecutor(workers int, logger zerolog.Logger) *HybridExecutor {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &HybridExecutor{
		workers: workers,
		logger:  logger.With().Str("component", "executor").Logger(),
	}
}

// Workers returns the configured worker limit.
func (e *HybridExecutor) Workers() int {
	return e.workers
}

// Execute runs one batch to completion and returns a result per module.
// Module lifecycle errors are captured in the results, never returned;
// callback failures and panics never block module progress.
func (e *HybridExecutor) Execute(ctx context.Context, batch []ExecutionContext, callback StageCallback) map[string]*Result {
	results := make(map[string]*Result, len(batch))
	if len(batch) == 0 {
		return results
	}

	if len(batch) == 1 || e.workers == 1 {
		e.runSequential(ctx, batch, results, callback)
		return results
	}

	if err := e.runParallel(ctx, batch, results, callback); err != nil {
		e.logger.Warn().
			Err(err).
			Int("completed", len(results)).
			Msg("Parallel execution unavailable, falling back to sequential")
		e.runSequential(ctx, batch, results, callback)
	}

	return results
}

// runParallel executes the batch on a bounded worker pool. A pool that
// cannot start returns an error so Execute can fall back; results obtained
// before the failure stay in the map.
func (e *HybridExecutor) runParallel(ctx context.Context, batch []ExecutionContext, results map[string]*Result, callback StageCallback) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = NewInternalError(fmt.Sprintf("worker pool failed: %v", r), nil)
		}
	}()

	workerCount := e.workers
	if len(batch) < workerCount {
		workerCount = len(batch)
	}
	if workerCount <= 0 {
		return NewInternalError("worker pool has no workers", nil)
	}

	workQueue := make(chan *ExecutionContext, len(batch))
	for i := range batch {
		workQueue <- &batch[i]
	}
	close(workQueue)

	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			for ec := range workQueue {
				result := e.runModule(ctx, ec, callback)

				mu.Lock()
				results[ec.Module] = result
				mu.Unlock()
			}
		}()
	}

	wg.Wait()
	return nil
}

// runSequential executes the batch in order, skipping modules that already
// have a result so a fallback never re-runs finished work.
func (e *HybridExecutor) runSequential(ctx context.Context, batch []ExecutionContext, results map[string]*Result, callback StageCallback) {
	for i := range batch {
		ec := &batch[i]
		if _, done := results[ec.Module]; done {
			continue
		}
		results[ec.Module] = e.runModule(ctx, ec, callback)
	}
}

// runModule drives one module through its lifecycle stages. The first stage
// error stops the lifecycle and is captured in the result.
func (e *HybridExecutor) runModule(ctx context.Context, ec *ExecutionContext, callback StageCallback) *Result {
	started := time.Now()
	result := &Result{
		Module:    ec.Module,
		StartedAt: started,
	}

	e.notify(callback, ec.Module, StageStarted, nil)

	if err := ctx.Err(); err != nil {
		result.Stage = StageStarted
		result.Error = NewLifecycleError(ec.Module, string(StageStarted), err).
			WithOperation("cancelled")
		e.finish(result, callback)
		return result
	}

	stages := []struct {
		stage Stage
		fn    func(context.Context) error
	}{
		{StageValidating, ec.Handle.Validate},
		{StageConfiguring, ec.Handle.Configure},
		{StageVerifying, ec.Handle.Verify},
	}

	for _, s := range stages {
		e.notify(callback, ec.Module, s.stage, nil)
		result.Stage = s.stage

		if err := e.runStage(ctx, s.fn); err != nil {
			result.Error = NewLifecycleError(ec.Module, string(s.stage), err)
			break
		}
	}

	e.finish(result, callback)
	return result
}

// finish stamps timings, derives the terminal status, and fires the
// completed or failed callback.
func (e *HybridExecutor) finish(result *Result, callback StageCallback) {
	result.CompletedAt = time.Now()
	result.Duration = result.CompletedAt.Sub(result.StartedAt)

	if result.Error != nil {
		result.Status = ModuleStatusFailed
		result.Success = false
		e.logger.Error().
			Str("module", result.Module).
			Str("stage", string(result.Stage)).
			Dur("duration", result.Duration).
			Err(result.Error).
			Msg("Module failed")
		e.notify(callback, result.Module, StageFailed, map[string]interface{}{
			"stage": string(result.Stage),
			"error": result.Error.Error(),
		})
		return
	}

	result.Stage = StageCompleted
	result.Status = ModuleStatusSucceeded
	result.Success = true
	e.logger.Info().
		Str("module", result.Module).
		Dur("duration", result.Duration).
		Msg("Module completed")
	e.notify(callback, result.Module, StageCompleted, map[string]interface{}{
		"duration": result.Duration.String(),
	})
}

// runStage executes one lifecycle stage, converting a panic into an error so
// a misbehaving module cannot take down the batch.
func (e *HybridExecutor) runStage(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("stage panicked: %v", r)
		}
	}()
	return fn(ctx)
}

// notify fires the progress callback, swallowing its errors and panics.
func (e *HybridExecutor) notify(callback StageCallback, module string, stage Stage, data map[string]interface{}) {
	if callback == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			e.logger.Warn().
				Str("module", module).
				Str("stage", string(stage)).
				Interface("panic", r).
				Msg("Progress callback panicked")
		}
	}()

	if err := callback(module, stage, data); err != nil {
		e.logger.Warn().
			Err(err).
			Str("module", module).
			Str("stage", string(stage)).
			Msg("Progress callback failed")
	}
}

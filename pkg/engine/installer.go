package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/yunaamelia/debian-vps-workstation-sub001/pkg/telemetry"
)

// Rollback decision modes accepted by the installer configuration.
const (
	RollbackAlways = "always"
	RollbackNever  = "never"
	RollbackPolicy = "policy"
)

// InstallerOptions wires the installer's collaborators. Modules and Ledger
// are required for a useful run; everything else is optional and skipped
// when nil.
type InstallerOptions struct {
	// Modules are the statically registered installation modules.
	Modules []Module

	// Loader supplies additional modules at run time (WASM plugins).
	Loader ModuleLoader

	// Validator performs pre-flight system validation.
	Validator SystemValidator

	// Hooks receives lifecycle hook events.
	Hooks HookDispatcher

	// Policy gates the plan and decides on rollback.
	Policy PolicyGate

	// Recorder persists run history.
	Recorder RunRecorder

	// Ledger collects rollback actions during execution.
	Ledger *RollbackLedger

	// Accessor is the configuration view handed to execution contexts.
	Accessor Accessor

	// Workers bounds intra-batch parallelism.
	Workers int

	// FailFast stops scheduling after a batch with failures.
	FailFast bool

	// AutoRollback is one of always, never, policy.
	AutoRollback string

	// DryRun propagates to every execution context.
	DryRun bool

	// ConfigDigest is the SHA-256 of the effective configuration.
	ConfigDigest string

	// Progress receives executor stage callbacks, observational only.
	Progress StageCallback

	// Confirm is asked before an approved rollback actually runs.
	// Nil means no confirmation step.
	Confirm func(summary *RunSummary) bool

	// Events receives run lifecycle events.
	Events *telemetry.EventPublisher

	// Metrics records run counters and durations.
	Metrics *telemetry.Metrics

	// Tracer wraps the run, batches, and modules in spans.
	Tracer *telemetry.Tracer

	// Logger is the installer's structured logger.
	Logger zerolog.Logger
}

// Installer orchestrates an installation run through its state machine:
// init, validating, loading, building_graph, executing, summarizing, then
// succeeded or failed, with rolling_back reachable only from failed.
type Installer struct {
	modules      []Module
	loader       ModuleLoader
	validator    SystemValidator
	hooks        HookDispatcher
	policy       PolicyGate
	recorder     RunRecorder
	ledger       *RollbackLedger
	accessor     Accessor
	executor     *HybridExecutor
	failFast     bool
	autoRollback string
	dryRun       bool
	configDigest string
	progress     StageCallback
	confirm      func(summary *RunSummary) bool
	events       *telemetry.EventPublisher
	metrics      *telemetry.Metrics
	tracer       *telemetry.Tracer
	logger       zerolog.Logger

	// ran collects the handles that executed, in batch order; rollback
	// consults it for modules that compensate themselves. Touched only by
	// the orchestrating goroutine.
	ran []Module

	// mu protects state
	mu    sync.Mutex
	state InstallerState
}

// NewInstaller creates an installer from its options.
func NewInstaller(opts InstallerOptions) *Installer {
	logger := opts.Logger.With().Str("component", "installer").Logger()

	autoRollback := opts.AutoRollback
	if autoRollback == "" {
		autoRollback = RollbackNever
	}

	return &Installer{
		modules:      opts.Modules,
		loader:       opts.Loader,
		validator:    opts.Validator,
		hooks:        opts.Hooks,
		policy:       opts.Policy,
		recorder:     opts.Recorder,
		ledger:       opts.Ledger,
		accessor:     opts.Accessor,
		executor:     NewHybridExecutor(opts.Workers, opts.Logger),
		failFast:     opts.FailFast,
		autoRollback: autoRollback,
		dryRun:       opts.DryRun,
		configDigest: opts.ConfigDigest,
		progress:     opts.Progress,
		confirm:      opts.Confirm,
		events:       opts.Events,
		metrics:      opts.Metrics,
		tracer:       opts.Tracer,
		logger:       logger,
		state:        StateInit,
	}
}

// State returns the installer's current state.
func (i *Installer) State() InstallerState {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// setState advances the state machine, logging illegal transitions instead
// of panicking; the run itself carries the error.
func (i *Installer) setState(next InstallerState) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if !i.state.CanTransitionTo(next) {
		i.logger.Warn().
			Str("from", string(i.state)).
			Str("to", string(next)).
			Msg("Illegal installer state transition")
	}
	i.logger.Debug().
		Str("from", string(i.state)).
		Str("to", string(next)).
		Msg("Installer state changed")
	i.state = next
}

// Plan resolves modules, builds the dependency graph, and returns the
// batch plan without executing anything.
func (i *Installer) Plan(ctx context.Context) (*PlanInput, error) {
	modules, err := i.loadModules(ctx)
	if err != nil {
		return nil, err
	}

	descriptors, _, batches, err := i.buildGraph(modules)
	if err != nil {
		return nil, err
	}

	return &PlanInput{
		Modules: descriptors,
		Batches: batches,
		DryRun:  i.dryRun,
	}, nil
}

// Run drives a full installation run. The returned summary is always
// non-nil; the error covers pipeline failures (validation, graph, policy),
// while per-module lifecycle failures are carried inside the summary.
func (i *Installer) Run(ctx context.Context) (*RunSummary, error) {
	summary := &RunSummary{
		RunID:        uuid.New().String(),
		StartedAt:    time.Now(),
		DryRun:       i.dryRun,
		ConfigDigest: i.configDigest,
		Results:      make(map[string]*Result),
	}

	logger := i.logger.With().Str("run_id", summary.RunID).Logger()
	logger.Info().Bool("dry_run", i.dryRun).Msg("Installation run starting")

	if i.tracer != nil {
		var span trace.Span
		ctx, span = i.tracer.StartRunSpan(ctx, summary.RunID)
		defer span.End()
	}

	// INIT -> VALIDATING
	i.setState(StateValidating)
	i.publishEvent(ctx, summary, telemetry.EventTypeRunStarted, "", "Installation run started")
	if i.recorder != nil {
		if err := i.recorder.RecordRunStart(ctx, summary); err != nil {
			logger.Warn().Err(err).Msg("Failed to record run start")
		}
	}

	if i.validator != nil {
		if err := i.validator.ValidateSystem(ctx); err != nil {
			return i.fail(ctx, summary, NewValidationError("pre-flight validation failed", err))
		}
	}

	// VALIDATING -> LOADING
	i.setState(StateLoading)
	modules, err := i.loadModules(ctx)
	if err != nil {
		return i.fail(ctx, summary, err)
	}

	names := make([]string, 0, len(modules))
	for _, m := range modules {
		names = append(names, m.Name())
	}
	i.dispatchHook(ctx, HookBeforeInstall, map[string]interface{}{
		"run_id":  summary.RunID,
		"modules": names,
		"dry_run": i.dryRun,
	})

	// LOADING -> BUILDING_GRAPH
	i.setState(StateBuildingGraph)
	descriptors, byName, batches, err := i.buildGraph(modules)
	if err != nil {
		return i.fail(ctx, summary, err)
	}
	summary.Batches = batches
	summary.Total = len(modules)

	if i.policy != nil {
		decision, perr := i.policy.ReviewPlan(ctx, PlanInput{
			Modules: descriptors,
			Batches: batches,
			DryRun:  i.dryRun,
		})
		if perr != nil {
			return i.fail(ctx, summary, NewPolicyError("policy evaluation failed", perr))
		}
		for _, warning := range decision.Warnings {
			logger.Warn().Str("policy", warning).Msg("Policy warning")
		}
		if !decision.Allowed {
			return i.fail(ctx, summary, NewPolicyError(
				fmt.Sprintf("policy denied install: %s", strings.Join(decision.Violations, "; ")),
				nil,
			))
		}
	}

	// BUILDING_GRAPH -> EXECUTING
	i.setState(StateExecuting)
	mandatory := make(map[string]bool, len(descriptors))
	for _, d := range descriptors {
		mandatory[d.Name] = d.Mandatory
	}

	callback := i.stageCallback(ctx, summary)
	stopped := false
	var runErr *InstallError

	for index, batch := range batches {
		if stopped {
			i.markSkipped(ctx, summary, batch)
			continue
		}

		if err := ctx.Err(); err != nil {
			runErr = NewInternalError("installation cancelled", err)
			stopped = true
			i.markSkipped(ctx, summary, batch)
			continue
		}

		batchCtx := ctx
		var batchSpan trace.Span
		if i.tracer != nil {
			batchCtx, batchSpan = i.tracer.StartBatchSpan(ctx, index, len(batch))
		}

		logger.Info().
			Int("batch", index).
			Strs("modules", batch).
			Msg("Executing batch")
		i.publishEvent(ctx, summary, telemetry.EventTypeBatchStarted, "",
			fmt.Sprintf("Batch %d started: %s", index, strings.Join(batch, ", ")))
		i.metrics.RecordBatch(len(batch))

		contexts := make([]ExecutionContext, 0, len(batch))
		for _, name := range batch {
			contexts = append(contexts, ExecutionContext{
				RunID:  summary.RunID,
				Module: name,
				Handle: byName[name],
				Config: i.accessor,
				DryRun: i.dryRun,
			})
		}

		results := i.executor.Execute(batchCtx, contexts, callback)

		batchFailed := false
		mandatoryFailed := false
		for name, result := range results {
			summary.Results[name] = result
			i.metrics.RecordModule(name, string(result.Status), result.Duration)
			if i.recorder != nil {
				if err := i.recorder.RecordModuleResult(ctx, summary.RunID, result); err != nil {
					logger.Warn().Err(err).Str("module", name).Msg("Failed to record module result")
				}
			}
			if result.Status == ModuleStatusFailed {
				batchFailed = true
				if mandatory[name] {
					mandatoryFailed = true
				}
			}
		}

		for _, name := range batch {
			if _, done := results[name]; done {
				i.ran = append(i.ran, byName[name])
			}
		}

		if batchSpan != nil {
			if batchFailed {
				telemetry.RecordError(batchSpan, fmt.Errorf("batch %d had failures", index))
			} else {
				telemetry.RecordSuccess(batchSpan)
			}
			batchSpan.End()
		}

		i.publishEvent(ctx, summary, telemetry.EventTypeBatchCompleted, "",
			fmt.Sprintf("Batch %d completed (failed=%t)", index, batchFailed))

		if mandatoryFailed {
			summary.MandatoryFailed = true
		}
		if batchFailed && (i.failFast || mandatoryFailed) {
			logger.Error().
				Int("batch", index).
				Bool("mandatory_failed", mandatoryFailed).
				Msg("Stopping after failed batch")
			stopped = true
		}
	}

	if runErr != nil {
		return i.fail(ctx, summary, runErr)
	}

	// EXECUTING -> SUMMARIZING
	i.setState(StateSummarizing)
	summary.Recount()

	final := StateSucceeded
	if summary.Failed > 0 || summary.MandatoryFailed {
		final = StateFailed
	}
	return i.finalize(ctx, summary, final), nil
}

// loadModules combines the static modules with loader-discovered ones,
// returning a pipeline error when loading fails.
func (i *Installer) loadModules(ctx context.Context) ([]Module, *InstallError) {
	modules := append([]Module(nil), i.modules...)

	if i.loader != nil {
		plugins, err := i.loader.LoadModules(ctx)
		if err != nil {
			return nil, NewPluginError("failed to load plugin modules", err)
		}
		modules = append(modules, plugins...)
	}

	if len(modules) == 0 {
		return nil, NewValidationError("no modules enabled", nil)
	}

	return modules, nil
}

// buildGraph registers every module's descriptor with a fresh dependency
// graph and computes the batch plan.
func (i *Installer) buildGraph(modules []Module) ([]ModuleDescriptor, map[string]Module, [][]string, *InstallError) {
	graph := NewDependencyGraph()
	descriptors := make([]ModuleDescriptor, 0, len(modules))
	byName := make(map[string]Module, len(modules))

	for _, m := range modules {
		d := DescriptorFor(m)
		if err := graph.AddModule(d.Name, d.DependsOn, d.ForceSequential); err != nil {
			return nil, nil, nil, asInstallError(err)
		}
		descriptors = append(descriptors, d)
		byName[d.Name] = m
	}

	if err := graph.Validate(); err != nil {
		return nil, nil, nil, asInstallError(err)
	}

	batches, err := graph.ExecutionBatches()
	if err != nil {
		return nil, nil, nil, asInstallError(err)
	}

	return descriptors, byName, batches, nil
}

// asInstallError converts any error into an *InstallError, wrapping
// foreign errors as graph errors.
func asInstallError(err error) *InstallError {
	if ie, ok := err.(*InstallError); ok {
		return ie
	}
	return NewGraphError(err.Error(), err)
}

// markSkipped records skipped results for a batch that never ran.
func (i *Installer) markSkipped(ctx context.Context, summary *RunSummary, batch []string) {
	now := time.Now()
	for _, name := range batch {
		if _, done := summary.Results[name]; done {
			continue
		}
		result := &Result{
			Module:      name,
			Status:      ModuleStatusSkipped,
			Stage:       StageStarted,
			StartedAt:   now,
			CompletedAt: now,
		}
		summary.Results[name] = result
		i.metrics.RecordModule(name, string(ModuleStatusSkipped), 0)
		if i.recorder != nil {
			if err := i.recorder.RecordModuleResult(ctx, summary.RunID, result); err != nil {
				i.logger.Warn().Err(err).Str("module", name).Msg("Failed to record skipped module")
			}
		}
	}
}

// fail finalizes a run stopped by a pipeline error.
func (i *Installer) fail(ctx context.Context, summary *RunSummary, ierr *InstallError) (*RunSummary, error) {
	i.logger.Error().Err(ierr).Str("run_id", summary.RunID).Msg("Installation run failed")
	summary.Error = ierr.Error()
	return i.finalize(ctx, summary, StateFailed), ierr
}

// finalize stamps the summary, fires the closing hooks and events, applies
// the rollback decision, and persists the terminal run state.
func (i *Installer) finalize(ctx context.Context, summary *RunSummary, final InstallerState) *RunSummary {
	if i.State() == StateExecuting {
		i.setState(StateSummarizing)
	}
	summary.Recount()
	summary.State = final
	summary.CompletedAt = time.Now()
	summary.Duration = summary.CompletedAt.Sub(summary.StartedAt)

	i.setState(final)

	if final == StateSucceeded {
		i.logger.Info().
			Str("run_id", summary.RunID).
			Int("succeeded", summary.Succeeded).
			Dur("duration", summary.Duration).
			Msg("Installation run succeeded")
		i.metrics.RecordRun("succeeded", summary.Duration)
		i.publishEvent(ctx, summary, telemetry.EventTypeRunCompleted, "", "Installation run completed")
		i.dispatchHook(ctx, HookAfterInstall, map[string]interface{}{
			"run_id":    summary.RunID,
			"succeeded": summary.Succeeded,
			"duration":  summary.Duration.String(),
		})
	} else {
		i.logger.Error().
			Str("run_id", summary.RunID).
			Int("failed", summary.Failed).
			Int("skipped", summary.Skipped).
			Strs("failed_modules", summary.FailedModules()).
			Msg("Installation run failed")
		i.metrics.RecordRun("failed", summary.Duration)
		i.publishEvent(ctx, summary, telemetry.EventTypeRunFailed, "", "Installation run failed")
		i.dispatchHook(ctx, HookOnInstallError, map[string]interface{}{
			"run_id":         summary.RunID,
			"failed_modules": summary.FailedModules(),
			"error":          summary.Error,
		})

		i.maybeRollback(ctx, summary)
	}

	if i.recorder != nil {
		if err := i.recorder.FinishRun(ctx, summary); err != nil {
			i.logger.Warn().Err(err).Msg("Failed to record run finish")
		}
	}

	return summary
}

// maybeRollback applies the configured rollback decision to a failed run.
// Rollback runs on an uncancellable context so a SIGINT that failed the run
// cannot also abort the cleanup.
func (i *Installer) maybeRollback(ctx context.Context, summary *RunSummary) {
	if !i.shouldRollback(ctx, summary) {
		return
	}

	i.setState(StateRollingBack)
	rbCtx := context.WithoutCancel(ctx)

	i.publishEvent(rbCtx, summary, telemetry.EventTypeRollbackStarted, "",
		fmt.Sprintf("Rolling back %d recorded actions", i.ledgerLen()))

	ok := true
	failed := 0
	if i.ledger != nil {
		i.ledger.WithOnAction(func(description string, err error) {
			if err != nil {
				i.metrics.RecordRollbackAction("failed")
				i.publishEvent(rbCtx, summary, telemetry.EventTypeRollbackActionFailed, "",
					fmt.Sprintf("Rollback action failed: %s", description))
				return
			}
			i.metrics.RecordRollbackAction("succeeded")
		})
		ok, failed = i.ledger.Rollback(rbCtx)
	}

	if extra := i.rollbackModules(rbCtx, summary); extra > 0 {
		ok = false
		failed += extra
	}

	summary.RolledBack = true
	summary.RollbackFailures = failed

	i.publishEvent(rbCtx, summary, telemetry.EventTypeRollbackCompleted, "",
		fmt.Sprintf("Rollback finished (ok=%t, failed=%d)", ok, failed))

	i.setState(StateFailed)
}

// rollbackModules invokes Rollback on executed modules that manage their own
// compensation, in reverse batch order, after the ledger has been replayed.
// Returns the number of modules whose rollback failed.
func (i *Installer) rollbackModules(ctx context.Context, summary *RunSummary) int {
	failed := 0
	for idx := len(i.ran) - 1; idx >= 0; idx-- {
		m := i.ran[idx]
		rb, ok := m.(Rollbacker)
		if !ok {
			continue
		}

		i.logger.Info().Str("module", m.Name()).Msg("Rolling back module")
		if err := rb.Rollback(ctx); err != nil {
			failed++
			i.logger.Error().Err(err).Str("module", m.Name()).Msg("Module rollback failed")
			i.metrics.RecordRollbackAction("failed")
			i.publishEvent(ctx, summary, telemetry.EventTypeRollbackActionFailed, m.Name(),
				fmt.Sprintf("Module rollback failed: %s", err))
			continue
		}
		i.metrics.RecordRollbackAction("succeeded")
	}
	return failed
}

// hasSelfRollback reports whether any executed module compensates itself.
func (i *Installer) hasSelfRollback() bool {
	for _, m := range i.ran {
		if _, ok := m.(Rollbacker); ok {
			return true
		}
	}
	return false
}

// ledgerLen is the nil-safe recorded action count.
func (i *Installer) ledgerLen() int {
	if i.ledger == nil {
		return 0
	}
	return i.ledger.Len()
}

// shouldRollback resolves the rollback decision chain: config mode first,
// policy engine when configured, interactive confirmation last.
func (i *Installer) shouldRollback(ctx context.Context, summary *RunSummary) bool {
	if i.dryRun {
		return false
	}
	if i.ledgerLen() == 0 && !i.hasSelfRollback() {
		return false
	}

	var decision bool
	switch i.autoRollback {
	case RollbackAlways:
		decision = true
	case RollbackNever:
		decision = false
	case RollbackPolicy:
		if i.policy == nil {
			i.logger.Warn().Msg("Rollback mode is policy but no policy gate is configured")
			decision = false
		} else {
			approved, err := i.policy.ApproveRollback(ctx, summary)
			if err != nil {
				i.logger.Error().Err(err).Msg("Rollback policy evaluation failed")
				decision = false
			} else {
				decision = approved
			}
		}
	default:
		i.logger.Warn().Str("mode", i.autoRollback).Msg("Unknown rollback mode")
		decision = false
	}

	if decision && i.confirm != nil {
		decision = i.confirm(summary)
	}

	return decision
}

// stageCallback composes the telemetry, hook, and progress consumers of
// executor stage notifications. Module spans open at started and close at
// completed or failed.
func (i *Installer) stageCallback(ctx context.Context, summary *RunSummary) StageCallback {
	var mu sync.Mutex
	spans := make(map[string]trace.Span)

	return func(module string, stage Stage, data map[string]interface{}) error {
		switch stage {
		case StageStarted:
			if i.tracer != nil {
				_, span := i.tracer.StartModuleSpan(ctx, module)
				mu.Lock()
				spans[module] = span
				mu.Unlock()
			}
			i.publishEvent(ctx, summary, telemetry.EventTypeModuleStarted, module, "Module started")
		case StageCompleted:
			i.endModuleSpan(&mu, spans, module, nil)
			i.publishEvent(ctx, summary, telemetry.EventTypeModuleCompleted, module, "Module completed")
		case StageFailed:
			failure := fmt.Errorf("module failed")
			if msg, ok := data["error"].(string); ok {
				failure = fmt.Errorf("%s", msg)
			}
			i.endModuleSpan(&mu, spans, module, failure)
			i.publishEvent(ctx, summary, telemetry.EventTypeModuleFailed, module, "Module failed")
		default:
			i.publishEvent(ctx, summary, telemetry.EventTypeModuleStage, module,
				fmt.Sprintf("Module stage: %s", stage))
		}

		payload := map[string]interface{}{
			"run_id": summary.RunID,
			"module": module,
			"stage":  string(stage),
		}
		for k, v := range data {
			payload[k] = v
		}

		switch stage {
		case StageValidating:
			i.dispatchHook(ctx, HookBeforeModuleValidate, payload)
		case StageConfiguring:
			i.dispatchHook(ctx, HookAfterModuleValidate, payload)
			i.dispatchHook(ctx, HookBeforeModuleConfigure, payload)
		case StageVerifying:
			i.dispatchHook(ctx, HookAfterModuleConfigure, payload)
		case StageFailed:
			i.dispatchHook(ctx, HookOnModuleError, payload)
		}

		if i.progress != nil {
			return i.progress(module, stage, data)
		}
		return nil
	}
}

// endModuleSpan closes a module span opened by the stage callback.
func (i *Installer) endModuleSpan(mu *sync.Mutex, spans map[string]trace.Span, module string, failure error) {
	if i.tracer == nil {
		return
	}
	mu.Lock()
	span, ok := spans[module]
	delete(spans, module)
	mu.Unlock()
	if !ok {
		return
	}
	if failure != nil {
		telemetry.RecordError(span, failure)
	} else {
		telemetry.RecordSuccess(span)
	}
	span.End()
}

// dispatchHook fires a hook event when a dispatcher is configured.
func (i *Installer) dispatchHook(ctx context.Context, event string, payload map[string]interface{}) {
	if i.hooks == nil {
		return
	}
	i.hooks.Dispatch(ctx, event, payload)
}

// publishEvent emits a telemetry event and appends it to the run record.
func (i *Installer) publishEvent(ctx context.Context, summary *RunSummary, eventType, module, message string) {
	if i.events != nil {
		if err := i.events.Publish(telemetry.Event{
			Type:    eventType,
			Source:  "installer",
			RunID:   summary.RunID,
			Module:  module,
			Message: message,
			Level:   eventLevel(eventType),
		}); err != nil {
			i.logger.Debug().Err(err).Str("event", eventType).Msg("Failed to publish event")
		}
	}

	if i.recorder != nil {
		if err := i.recorder.RecordEvent(ctx, summary.RunID, eventType, module, message); err != nil {
			i.logger.Warn().Err(err).Str("event", eventType).Msg("Failed to record event")
		}
	}
}

// eventLevel maps an event type to its severity.
func eventLevel(eventType string) string {
	switch eventType {
	case telemetry.EventTypeRunFailed, telemetry.EventTypeModuleFailed, telemetry.EventTypeRollbackActionFailed:
		return telemetry.EventLevelError
	case telemetry.EventTypeRollbackStarted, telemetry.EventTypeRollbackCompleted:
		return telemetry.EventLevelWarning
	default:
		return telemetry.EventLevelInfo
	}
}

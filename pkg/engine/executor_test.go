package engine

import (
	"context"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

// fakeModule is a scriptable Module implementation for executor and
// installer tests.
type fakeModule struct {
	name            string
	dependsOn       []string
	priority        int
	forceSequential bool
	mandatory       bool

	validateErr  error
	configureErr error
	verifyErr    error
	panicStage   Stage

	mu     sync.Mutex
	stages []string
}

func newFakeModule(name string) *fakeModule {
	return &fakeModule{name: name}
}

func (m *fakeModule) Name() string          { return m.name }
func (m *fakeModule) DependsOn() []string   { return m.dependsOn }
func (m *fakeModule) Priority() int         { return m.priority }
func (m *fakeModule) ForceSequential() bool { return m.forceSequential }
func (m *fakeModule) Mandatory() bool       { return m.mandatory }

func (m *fakeModule) record(stage string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stages = append(m.stages, stage)
}

// Stages returns the lifecycle stages invoked so far.
func (m *fakeModule) Stages() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.stages...)
}

func (m *fakeModule) Validate(ctx context.Context) error {
	m.record("validate")
	if m.panicStage == StageValidating {
		panic("validate exploded")
	}
	return m.validateErr
}

func (m *fakeModule) Configure(ctx context.Context) error {
	m.record("configure")
	if m.panicStage == StageConfiguring {
		panic("configure exploded")
	}
	return m.configureErr
}

func (m *fakeModule) Verify(ctx context.Context) error {
	m.record("verify")
	if m.panicStage == StageVerifying {
		panic("verify exploded")
	}
	return m.verifyErr
}

// stageRecorder is a StageCallback capturing notifications.
type stageRecorder struct {
	mu         sync.Mutex
	calls      []string
	failedData map[string]interface{}
	err        error
	panics     bool
}

func (r *stageRecorder) callback(module string, stage Stage, data map[string]interface{}) error {
	if r.panics {
		panic("callback exploded")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, module+":"+string(stage))
	if stage == StageFailed {
		r.failedData = data
	}
	return r.err
}

func (r *stageRecorder) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func batchOf(modules ...*fakeModule) []ExecutionContext {
	batch := make([]ExecutionContext, 0, len(modules))
	for _, m := range modules {
		batch = append(batch, ExecutionContext{
			RunID:  "run-1",
			Module: m.name,
			Handle: m,
		})
	}
	return batch
}

func TestNewHybridExecutor_DefaultWorkers(t *testing.T) {
	e := NewHybridExecutor(0, zerolog.Nop())

	if e.Workers() != DefaultWorkers {
		t.Errorf("Expected default worker limit %d, got %d", DefaultWorkers, e.Workers())
	}

	e = NewHybridExecutor(8, zerolog.Nop())
	if e.Workers() != 8 {
		t.Errorf("Expected 8 workers, got %d", e.Workers())
	}
}

func TestHybridExecutor_Execute_EmptyBatch(t *testing.T) {
	e := NewHybridExecutor(4, zerolog.Nop())

	results := e.Execute(context.Background(), nil, nil)

	if len(results) != 0 {
		t.Errorf("Expected no results, got %d", len(results))
	}
}

func TestHybridExecutor_Execute_ParallelSuccess(t *testing.T) {
	e := NewHybridExecutor(4, zerolog.Nop())

	modules := []*fakeModule{
		newFakeModule("security"),
		newFakeModule("python"),
		newFakeModule("nodejs"),
	}

	results := e.Execute(context.Background(), batchOf(modules...), nil)

	if len(results) != 3 {
		t.Fatalf("Expected 3 results, got %d", len(results))
	}
	for _, m := range modules {
		result := results[m.name]
		if result == nil {
			t.Fatalf("Expected result for %s", m.name)
		}
		if !result.Success || result.Status != ModuleStatusSucceeded {
			t.Errorf("Expected %s succeeded, got status=%s", m.name, result.Status)
		}
		if result.Stage != StageCompleted {
			t.Errorf("Expected %s at completed stage, got %s", m.name, result.Stage)
		}
		expected := []string{"validate", "configure", "verify"}
		if !reflect.DeepEqual(m.Stages(), expected) {
			t.Errorf("Expected %s lifecycle %v, got %v", m.name, expected, m.Stages())
		}
		if result.CompletedAt.Before(result.StartedAt) {
			t.Errorf("Expected %s completion after start", m.name)
		}
	}
}

func TestHybridExecutor_Execute_StageOrder(t *testing.T) {
	e := NewHybridExecutor(4, zerolog.Nop())
	recorder := &stageRecorder{}

	module := newFakeModule("system")
	results := e.Execute(context.Background(), batchOf(module), recorder.callback)

	if !results["system"].Success {
		t.Fatalf("Expected success, got: %v", results["system"].Error)
	}

	expected := []string{
		"system:started",
		"system:validating",
		"system:configuring",
		"system:verifying",
		"system:completed",
	}
	if !reflect.DeepEqual(recorder.Calls(), expected) {
		t.Errorf("Expected callback order %v, got %v", expected, recorder.Calls())
	}
}

func TestHybridExecutor_Execute_FailedModule(t *testing.T) {
	e := NewHybridExecutor(4, zerolog.Nop())
	recorder := &stageRecorder{}

	module := newFakeModule("docker")
	module.configureErr = NewTransientError("download failed", nil)

	results := e.Execute(context.Background(), batchOf(module), recorder.callback)

	result := results["docker"]
	if result.Success || result.Status != ModuleStatusFailed {
		t.Fatalf("Expected failure, got status=%s", result.Status)
	}
	if result.Stage != StageConfiguring {
		t.Errorf("Expected failing stage configuring, got %s", result.Stage)
	}
	if result.Error == nil {
		t.Fatal("Expected captured error")
	}
	if result.Error.Kind != KindModuleLifecycle {
		t.Errorf("Expected lifecycle error, got %s", result.Error.Kind)
	}
	if result.Error.Module != "docker" || result.Error.Stage != "configuring" {
		t.Errorf("Expected module and stage context, got module=%s stage=%s",
			result.Error.Module, result.Error.Stage)
	}

	// Verify never ran after the configure failure.
	expected := []string{"validate", "configure"}
	if !reflect.DeepEqual(module.Stages(), expected) {
		t.Errorf("Expected lifecycle stopped at configure, got %v", module.Stages())
	}

	calls := recorder.Calls()
	last := calls[len(calls)-1]
	if last != "docker:failed" {
		t.Errorf("Expected final failed notification, got %s", last)
	}
	if recorder.failedData["stage"] != "configuring" {
		t.Errorf("Expected failed data to carry the stage, got %v", recorder.failedData)
	}
	if msg, ok := recorder.failedData["error"].(string); !ok || msg == "" {
		t.Errorf("Expected failed data to carry the error, got %v", recorder.failedData)
	}
}

func TestHybridExecutor_Execute_ModulePanic(t *testing.T) {
	e := NewHybridExecutor(4, zerolog.Nop())

	module := newFakeModule("python")
	module.panicStage = StageConfiguring

	results := e.Execute(context.Background(), batchOf(module), nil)

	result := results["python"]
	if result.Success {
		t.Fatal("Expected panicking module to fail")
	}
	if result.Error == nil || !strings.Contains(result.Error.Error(), "stage panicked") {
		t.Errorf("Expected panic converted to error, got: %v", result.Error)
	}
}

func TestHybridExecutor_Execute_CallbackErrorIgnored(t *testing.T) {
	e := NewHybridExecutor(4, zerolog.Nop())
	recorder := &stageRecorder{err: NewInternalError("callback broken", nil)}

	module := newFakeModule("system")
	results := e.Execute(context.Background(), batchOf(module), recorder.callback)

	if !results["system"].Success {
		t.Errorf("Expected module to succeed despite callback errors, got: %v",
			results["system"].Error)
	}
}

func TestHybridExecutor_Execute_CallbackPanicIgnored(t *testing.T) {
	e := NewHybridExecutor(4, zerolog.Nop())
	recorder := &stageRecorder{panics: true}

	module := newFakeModule("system")
	results := e.Execute(context.Background(), batchOf(module), recorder.callback)

	if !results["system"].Success {
		t.Errorf("Expected module to succeed despite callback panics, got: %v",
			results["system"].Error)
	}
}

func TestHybridExecutor_Execute_ContextCancelled(t *testing.T) {
	e := NewHybridExecutor(4, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	module := newFakeModule("system")
	results := e.Execute(ctx, batchOf(module), nil)

	result := results["system"]
	if result.Success || result.Status != ModuleStatusFailed {
		t.Fatalf("Expected cancelled module to fail, got status=%s", result.Status)
	}
	if result.Stage != StageStarted {
		t.Errorf("Expected failure at started stage, got %s", result.Stage)
	}
	if result.Error == nil || result.Error.Operation != "cancelled" {
		t.Errorf("Expected cancelled operation marker, got: %v", result.Error)
	}
	if len(module.Stages()) != 0 {
		t.Errorf("Expected lifecycle never invoked, got %v", module.Stages())
	}
}

func TestHybridExecutor_Execute_SingleWorkerSequential(t *testing.T) {
	e := NewHybridExecutor(1, zerolog.Nop())
	recorder := &stageRecorder{}

	a := newFakeModule("a")
	b := newFakeModule("b")

	results := e.Execute(context.Background(), batchOf(a, b), recorder.callback)

	if len(results) != 2 {
		t.Fatalf("Expected 2 results, got %d", len(results))
	}

	// One worker runs the batch in order: a fully finishes before b starts.
	calls := recorder.Calls()
	if calls[0] != "a:started" {
		t.Errorf("Expected a to start first, got %v", calls)
	}
	if calls[len(calls)-1] != "b:completed" {
		t.Errorf("Expected b to finish last, got %v", calls)
	}
}

func TestHybridExecutor_Execute_ZeroWorkerFallback(t *testing.T) {
	// Constructed directly to bypass the worker floor: the parallel path
	// cannot start and Execute falls back to sequential.
	e := &HybridExecutor{workers: 0, logger: zerolog.Nop()}

	a := newFakeModule("a")
	b := newFakeModule("b")

	results := e.Execute(context.Background(), batchOf(a, b), nil)

	if len(results) != 2 {
		t.Fatalf("Expected 2 results from fallback, got %d", len(results))
	}
	for _, name := range []string{"a", "b"} {
		if !results[name].Success {
			t.Errorf("Expected %s to succeed via fallback, got: %v", name, results[name].Error)
		}
	}
}

func TestHybridExecutor_RunSequential_SkipsSeededResults(t *testing.T) {
	e := NewHybridExecutor(1, zerolog.Nop())

	a := newFakeModule("a")
	b := newFakeModule("b")

	seeded := &Result{Module: "a", Status: ModuleStatusSucceeded, Success: true}
	results := map[string]*Result{"a": seeded}

	e.runSequential(context.Background(), batchOf(a, b), results, nil)

	if results["a"] != seeded {
		t.Error("Expected seeded result preserved")
	}
	if len(a.Stages()) != 0 {
		t.Errorf("Expected seeded module not re-run, got %v", a.Stages())
	}
	if !results["b"].Success {
		t.Errorf("Expected b executed, got: %v", results["b"])
	}
}

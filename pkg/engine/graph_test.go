package engine

import (
	"reflect"
	"strings"
	"testing"
)

func TestDependencyGraph_AddModule_EmptyName(t *testing.T) {
	g := NewDependencyGraph()

	err := g.AddModule("", nil, false)
	if err == nil {
		t.Fatal("Expected error for empty module name, got nil")
	}
	if KindOf(err) != KindGraph {
		t.Errorf("Expected graph error, got kind %s", KindOf(err))
	}
}

func TestDependencyGraph_AddModule_Duplicate(t *testing.T) {
	g := NewDependencyGraph()

	if err := g.AddModule("system", nil, true); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	err := g.AddModule("system", nil, false)
	if err == nil {
		t.Fatal("Expected error for duplicate module, got nil")
	}
	if !strings.Contains(err.Error(), "duplicate module: system") {
		t.Errorf("Expected duplicate module message, got: %v", err)
	}
}

func TestDependencyGraph_AddModule_SelfDependency(t *testing.T) {
	g := NewDependencyGraph()

	err := g.AddModule("docker", []string{"docker"}, false)
	if err == nil {
		t.Fatal("Expected error for self dependency, got nil")
	}
	if !strings.Contains(err.Error(), "depends on itself") {
		t.Errorf("Expected self dependency message, got: %v", err)
	}
}

func TestDependencyGraph_AddModule_PlaceholderPromotion(t *testing.T) {
	g := NewDependencyGraph()

	// docker references system before system is registered
	if err := g.AddModule("docker", []string{"system"}, false); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if err := g.AddModule("system", nil, true); err != nil {
		t.Fatalf("Expected no error registering placeholder, got: %v", err)
	}

	if err := g.Validate(); err != nil {
		t.Fatalf("Expected valid graph after promotion, got: %v", err)
	}
}

func TestDependencyGraph_Validate_MissingDependency(t *testing.T) {
	g := NewDependencyGraph()

	if err := g.AddModule("docker", []string{"system", "security"}, false); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if err := g.AddModule("system", nil, true); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	err := g.Validate()
	if err == nil {
		t.Fatal("Expected error for unregistered dependency, got nil")
	}
	if !strings.Contains(err.Error(), "module docker depends on unregistered module security") {
		t.Errorf("Expected missing dependency message, got: %v", err)
	}
}

func TestDependencyGraph_Validate_SimpleCycle(t *testing.T) {
	g := NewDependencyGraph()

	if err := g.AddModule("a", []string{"b"}, false); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if err := g.AddModule("b", []string{"a"}, false); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	err := g.Validate()
	if err == nil {
		t.Fatal("Expected error for dependency cycle, got nil")
	}
	if !strings.Contains(err.Error(), "circular dependency detected: a -> b -> a") {
		t.Errorf("Expected cycle path in error, got: %v", err)
	}
}

func TestDependencyGraph_Validate_ComplexCycle(t *testing.T) {
	g := NewDependencyGraph()

	if err := g.AddModule("a", []string{"c"}, false); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if err := g.AddModule("b", []string{"a"}, false); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if err := g.AddModule("c", []string{"b"}, false); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	err := g.Validate()
	if err == nil {
		t.Fatal("Expected error for dependency cycle, got nil")
	}
	for _, name := range []string{"a", "b", "c"} {
		if !strings.Contains(err.Error(), name) {
			t.Errorf("Expected cycle error to name %s, got: %v", name, err)
		}
	}
}

func TestDependencyGraph_ExecutionBatches_DefaultLayout(t *testing.T) {
	g := NewDependencyGraph()

	if err := g.AddModule("system", nil, true); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if err := g.AddModule("security", []string{"system"}, false); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if err := g.AddModule("python", []string{"system"}, false); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if err := g.AddModule("nodejs", []string{"system"}, false); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if err := g.AddModule("docker", []string{"system", "security"}, false); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	batches, err := g.ExecutionBatches()
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	expected := [][]string{
		{"system"},
		{"security", "python", "nodejs"},
		{"docker"},
	}
	if !reflect.DeepEqual(batches, expected) {
		t.Errorf("Expected batches %v, got %v", expected, batches)
	}
}

func TestDependencyGraph_ExecutionBatches_ForceSequentialIsolation(t *testing.T) {
	g := NewDependencyGraph()

	if err := g.AddModule("a", nil, true); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if err := g.AddModule("b", nil, true); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if err := g.AddModule("c", nil, false); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if err := g.AddModule("d", nil, false); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	batches, err := g.ExecutionBatches()
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	// Force-sequential modules get singleton batches ahead of the parallel rest.
	expected := [][]string{{"a"}, {"b"}, {"c", "d"}}
	if !reflect.DeepEqual(batches, expected) {
		t.Errorf("Expected batches %v, got %v", expected, batches)
	}
}

func TestDependencyGraph_ExecutionBatches_FirstSeenOrder(t *testing.T) {
	g := NewDependencyGraph()

	for _, name := range []string{"zeta", "alpha", "mid"} {
		if err := g.AddModule(name, nil, false); err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
	}

	batches, err := g.ExecutionBatches()
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	expected := [][]string{{"zeta", "alpha", "mid"}}
	if !reflect.DeepEqual(batches, expected) {
		t.Errorf("Expected registration order preserved, got %v", batches)
	}
}

func TestDependencyGraph_ExecutionBatches_SingleModule(t *testing.T) {
	g := NewDependencyGraph()

	if err := g.AddModule("system", nil, false); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	batches, err := g.ExecutionBatches()
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(batches) != 1 || len(batches[0]) != 1 || batches[0][0] != "system" {
		t.Errorf("Expected single batch with one module, got %v", batches)
	}
}

func TestDependencyGraph_ExecutionBatches_MissingDependency(t *testing.T) {
	g := NewDependencyGraph()

	if err := g.AddModule("docker", []string{"system"}, false); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	_, err := g.ExecutionBatches()
	if err == nil {
		t.Fatal("Expected error for unregistered dependency, got nil")
	}
	if !strings.Contains(err.Error(), "unregistered module system") {
		t.Errorf("Expected missing dependency message, got: %v", err)
	}
}

func TestDependencyGraph_ExecutionBatches_CycleAmongRemaining(t *testing.T) {
	g := NewDependencyGraph()

	if err := g.AddModule("a", []string{"b"}, false); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if err := g.AddModule("b", []string{"a"}, false); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	_, err := g.ExecutionBatches()
	if err == nil {
		t.Fatal("Expected error for cycle, got nil")
	}
	if !strings.Contains(err.Error(), "dependency cycle among remaining modules") {
		t.Errorf("Expected remaining cycle message, got: %v", err)
	}
}

func TestDependencyGraph_Modules(t *testing.T) {
	g := NewDependencyGraph()

	if err := g.AddModule("system", nil, false); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if err := g.AddModule("docker", []string{"system", "security"}, false); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	// Placeholders count too.
	if g.Len() != 3 {
		t.Errorf("Expected 3 known modules, got %d", g.Len())
	}

	modules := g.Modules()
	expected := []string{"system", "docker", "security"}
	if !reflect.DeepEqual(modules, expected) {
		t.Errorf("Expected modules %v, got %v", expected, modules)
	}
}

func TestDependencyGraph_ToDOT(t *testing.T) {
	g := NewDependencyGraph()

	if err := g.AddModule("system", nil, true); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if err := g.AddModule("docker", []string{"system"}, false); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	dot := g.ToDOT()

	if !strings.Contains(dot, "digraph InstallGraph") {
		t.Error("Expected DOT output to declare the digraph")
	}
	if !strings.Contains(dot, "subgraph cluster_batch_0") {
		t.Error("Expected DOT output to group batches")
	}
	if !strings.Contains(dot, "\"system\" -> \"docker\"") {
		t.Error("Expected DOT output to contain the dependency edge")
	}
	if !strings.Contains(dot, "lightyellow") {
		t.Error("Expected force-sequential module to be highlighted")
	}
}

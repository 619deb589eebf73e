package modules

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func nodeTree(settings map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{
		"modules": map[string]interface{}{"nodejs": settings},
	}
}

// newTestNodeModule points the repository paths at a scratch directory.
func newTestNodeModule(t *testing.T, deps Deps) *nodeModule {
	t.Helper()

	dir := t.TempDir()
	m := newNodeModule(deps).(*nodeModule)
	m.keyringDir = filepath.Join(dir, "keyrings")
	m.keyringPath = filepath.Join(m.keyringDir, nodeKeyringFile)
	m.listPath = filepath.Join(dir, nodeListFile)
	return m
}

func TestNodeModuleConfigure(t *testing.T) {
	run := newFakeRunner()

	deps := newTestDeps(run, nodeTree(map[string]interface{}{
		"version":         "22",
		"global_packages": []string{"typescript"},
	}))
	m := newTestNodeModule(t, deps)

	if err := m.Configure(context.Background()); err != nil {
		t.Fatalf("Configure failed: %v", err)
	}

	if !run.ranContaining("deb.nodesource.com/gpgkey") {
		t.Errorf("Expected signing key fetch, commands: %v", run.commands)
	}
	if !run.usedBreaker(BreakerNodeSource) {
		t.Errorf("Expected key fetch under the nodesource breaker, breakers: %v", run.breakers)
	}
	for _, want := range []string{"apt-get update", "apt-get install -y nodejs", "npm install -g typescript"} {
		if !run.ran(want) {
			t.Errorf("Expected %q to run, commands: %v", want, run.commands)
		}
	}

	list, err := os.ReadFile(m.listPath)
	if err != nil {
		t.Fatalf("Reading apt source failed: %v", err)
	}
	if !strings.Contains(string(list), "node_22.x") {
		t.Errorf("Expected apt source for major 22, got: %s", list)
	}
	if !strings.Contains(string(list), "signed-by="+m.keyringPath) {
		t.Errorf("Expected apt source signed by the keyring, got: %s", list)
	}

	// apt source, keyring, nodejs package
	if deps.Ledger.Len() != 3 {
		t.Errorf("Expected 3 ledger entries, got %d", deps.Ledger.Len())
	}
}

func TestNodeModuleSkipsWhenCurrent(t *testing.T) {
	run := newFakeRunner()
	run.outputs["node --version"] = "v22.11.0"

	deps := newTestDeps(run, nodeTree(map[string]interface{}{"version": "22"}))
	m := newTestNodeModule(t, deps)

	if err := m.Configure(context.Background()); err != nil {
		t.Fatalf("Configure failed: %v", err)
	}
	if len(run.commands) != 0 {
		t.Errorf("Expected no commands when version matches, got %v", run.commands)
	}
	if _, err := os.Stat(m.listPath); !os.IsNotExist(err) {
		t.Error("Expected no apt source when version matches")
	}
}

func TestNodeModuleValidate(t *testing.T) {
	deps := newTestDeps(newFakeRunner(), nodeTree(map[string]interface{}{"version": "twenty"}))
	m := newNodeModule(deps)

	err := m.Validate(context.Background())
	if err == nil || !strings.Contains(err.Error(), "twenty") {
		t.Fatalf("Expected version validation error, got: %v", err)
	}
}

func TestNodeModuleVerify(t *testing.T) {
	run := newFakeRunner()
	run.outputs["node --version"] = "v22.4.1"

	m := newNodeModule(newTestDeps(run, nodeTree(map[string]interface{}{"version": "22"})))
	if err := m.Verify(context.Background()); err != nil {
		t.Fatalf("Verify failed: %v", err)
	}

	run.outputs["node --version"] = "v20.9.0"
	err := m.Verify(context.Background())
	if err == nil || !strings.Contains(err.Error(), "20") {
		t.Fatalf("Expected version mismatch error, got: %v", err)
	}
}

package modules

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func golangTree(settings map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{
		"modules": map[string]interface{}{"golang": settings},
	}
}

// newTestGolangModule points the profile drop-in at a scratch directory.
// The install dir stays at the default: install commands only reach the
// fake runner.
func newTestGolangModule(t *testing.T, deps Deps) *golangModule {
	t.Helper()

	m := newGolangModule(deps).(*golangModule)
	m.profilePath = filepath.Join(t.TempDir(), "golang.sh")
	return m
}

func TestGolangModuleConfigure(t *testing.T) {
	run := newFakeRunner()
	run.outputs["dpkg --print-architecture"] = "amd64"

	deps := newTestDeps(run, golangTree(map[string]interface{}{"version": "1.25.1"}))
	m := newTestGolangModule(t, deps)

	if err := m.Configure(context.Background()); err != nil {
		t.Fatalf("Configure failed: %v", err)
	}

	if !run.ranContaining("https://go.dev/dl/go1.25.1.linux-amd64.tar.gz") {
		t.Errorf("Expected tarball download, commands: %v", run.commands)
	}
	if !run.usedBreaker(BreakerDownload) {
		t.Errorf("Expected download breaker, breakers: %v", run.breakers)
	}
	if !run.ran("tar -C /usr/local -xzf") {
		t.Errorf("Expected tarball unpack, commands: %v", run.commands)
	}
	if run.ran("rm -rf") {
		t.Errorf("Expected no removal on fresh install, commands: %v", run.commands)
	}

	profile, err := os.ReadFile(m.profilePath)
	if err != nil {
		t.Fatalf("Reading profile drop-in failed: %v", err)
	}
	if !strings.Contains(string(profile), "/usr/local/go/bin") {
		t.Errorf("Expected PATH entry in profile, got: %s", profile)
	}

	// toolchain removal and profile drop-in
	if deps.Ledger.Len() != 2 {
		t.Errorf("Expected 2 ledger entries, got %d", deps.Ledger.Len())
	}
}

func TestGolangModuleUpgradeReplacesTree(t *testing.T) {
	run := newFakeRunner()
	run.outputs["dpkg --print-architecture"] = "amd64"
	run.outputs["/usr/local/go/bin/go version"] = "go version go1.24.2 linux/amd64"

	deps := newTestDeps(run, golangTree(map[string]interface{}{"version": "1.25.1"}))
	m := newTestGolangModule(t, deps)

	if err := m.Configure(context.Background()); err != nil {
		t.Fatalf("Configure failed: %v", err)
	}

	if !run.ran("rm -rf /usr/local/go") {
		t.Errorf("Expected previous toolchain removed, commands: %v", run.commands)
	}

	// an upgrade cannot restore the old toolchain; only the profile entry remains
	if deps.Ledger.Len() != 1 {
		t.Errorf("Expected 1 ledger entry, got %d", deps.Ledger.Len())
	}
}

func TestGolangModuleSkipsCurrent(t *testing.T) {
	run := newFakeRunner()
	run.outputs["/usr/local/go/bin/go version"] = "go version go1.25.1 linux/amd64"

	deps := newTestDeps(run, golangTree(map[string]interface{}{"version": "1.25.1"}))
	m := newTestGolangModule(t, deps)

	if err := m.Configure(context.Background()); err != nil {
		t.Fatalf("Configure failed: %v", err)
	}
	if run.ranContaining("go.dev/dl") || run.ran("tar") {
		t.Errorf("Expected no download when version matches, commands: %v", run.commands)
	}
	if _, err := os.Stat(m.profilePath); err != nil {
		t.Errorf("Expected profile drop-in written even when current: %v", err)
	}
}

func TestGolangModuleHostArch(t *testing.T) {
	tests := []struct {
		dpkg    string
		want    string
		wantErr bool
	}{
		{"amd64", "amd64", false},
		{"arm64", "arm64", false},
		{"armhf", "armv6l", false},
		{"i386", "386", false},
		{"ppc64el", "ppc64le", false},
		{"alpha", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.dpkg, func(t *testing.T) {
			run := newFakeRunner()
			run.outputs["dpkg --print-architecture"] = tt.dpkg

			m := newGolangModule(newTestDeps(run, nil)).(*golangModule)
			got, err := m.hostArch(context.Background())
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Expected error for %s", tt.dpkg)
				}
				return
			}
			if err != nil {
				t.Fatalf("hostArch failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestGolangModuleValidate(t *testing.T) {
	run := newFakeRunner()
	run.missing["curl"] = true

	m := newGolangModule(newTestDeps(run, nil))
	if err := m.Validate(context.Background()); err == nil {
		t.Fatal("Expected error when curl is missing")
	}

	deps := newTestDeps(newFakeRunner(), golangTree(map[string]interface{}{"version": ""}))
	m = newGolangModule(deps)
	if err := m.Validate(context.Background()); err == nil {
		t.Fatal("Expected error for empty version")
	}
}

package modules

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func dockerTree(settings map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{
		"modules": map[string]interface{}{"docker": settings},
	}
}

// newTestDockerModule points the repository paths at a scratch directory
// and seeds the keyring file the fake curl cannot create.
func newTestDockerModule(t *testing.T, deps Deps) *dockerModule {
	t.Helper()

	dir := t.TempDir()
	m := newDockerModule(deps).(*dockerModule)
	m.keyringDir = filepath.Join(dir, "keyrings")
	m.keyringPath = filepath.Join(m.keyringDir, dockerKeyringFile)
	m.listPath = filepath.Join(dir, dockerListFile)

	if err := os.MkdirAll(m.keyringDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(m.keyringPath, []byte("KEY"), 0o600); err != nil {
		t.Fatal(err)
	}
	return m
}

func TestDockerModuleConfigure(t *testing.T) {
	run := newFakeRunner()
	run.outputs["dpkg --print-architecture"] = "amd64"
	run.outputs["sh -c . /etc/os-release"] = "bookworm"
	run.installed["ca-certificates"] = "20241223"
	run.installed["curl"] = "8.11.0-1"

	deps := newTestDeps(run, dockerTree(map[string]interface{}{
		"users": []string{"alice"},
	}))
	m := newTestDockerModule(t, deps)

	if err := m.Configure(context.Background()); err != nil {
		t.Fatalf("Configure failed: %v", err)
	}

	if !run.ranContaining("download.docker.com/linux/debian/gpg") {
		t.Errorf("Expected signing key fetch, commands: %v", run.commands)
	}
	if !run.usedBreaker(BreakerDownload) {
		t.Errorf("Expected key fetch under the download breaker, breakers: %v", run.breakers)
	}
	for _, want := range []string{
		"apt-get update",
		"apt-get install -y docker-ce docker-ce-cli containerd.io docker-buildx-plugin docker-compose-plugin",
		"systemctl enable --now docker",
		"usermod -aG docker alice",
	} {
		if !run.ran(want) {
			t.Errorf("Expected %q to run, commands: %v", want, run.commands)
		}
	}

	list, err := os.ReadFile(m.listPath)
	if err != nil {
		t.Fatalf("Reading apt source failed: %v", err)
	}
	want := "deb [arch=amd64 signed-by=" + m.keyringPath + "] https://download.docker.com/linux/debian bookworm stable\n"
	if string(list) != want {
		t.Errorf("Expected apt source %q, got %q", want, list)
	}

	// keyring, apt source, docker packages, service, group membership
	if deps.Ledger.Len() != 5 {
		t.Errorf("Expected 5 ledger entries, got %d", deps.Ledger.Len())
	}
}

func TestDockerModuleConfigureDryRun(t *testing.T) {
	run := newFakeRunner()
	run.dryRun = true
	run.outputs["dpkg --print-architecture"] = "amd64"
	run.outputs["sh -c . /etc/os-release"] = "bookworm"

	deps := newTestDeps(run, nil)
	m := newTestDockerModule(t, deps)
	listBefore, _ := os.ReadFile(m.listPath)

	if err := m.Configure(context.Background()); err != nil {
		t.Fatalf("Configure failed: %v", err)
	}

	if len(run.commands) != 0 {
		t.Errorf("Expected no executed commands in dry-run, got %v", run.commands)
	}
	if deps.Ledger.Len() != 0 {
		t.Errorf("Expected no ledger entries in dry-run, got %d", deps.Ledger.Len())
	}

	listAfter, _ := os.ReadFile(m.listPath)
	if string(listBefore) != string(listAfter) {
		t.Error("Expected apt source untouched in dry-run")
	}
}

func TestDockerModuleValidate(t *testing.T) {
	run := newFakeRunner()
	run.outputs["dpkg --print-architecture"] = "s390x"

	m := newDockerModule(newTestDeps(run, nil))
	err := m.Validate(context.Background())
	if err == nil || !strings.Contains(err.Error(), "s390x") {
		t.Fatalf("Expected unsupported-architecture error, got: %v", err)
	}

	run.outputs["dpkg --print-architecture"] = "arm64"
	if err := m.Validate(context.Background()); err != nil {
		t.Fatalf("Expected arm64 to validate, got: %v", err)
	}
}

func TestDockerModuleVerify(t *testing.T) {
	run := newFakeRunner()
	run.outputs["docker --version"] = "Docker version 27.3.1, build ce12230"
	run.outputs["systemctl is-active docker"] = "active"

	m := newDockerModule(newTestDeps(run, nil))
	if err := m.Verify(context.Background()); err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !run.ran("docker run --rm hello-world") {
		t.Errorf("Expected smoke test container run, commands: %v", run.commands)
	}
}

func TestDockerModuleVerifySmokeTestFails(t *testing.T) {
	run := newFakeRunner()
	run.outputs["docker --version"] = "Docker version 27.3.1, build ce12230"
	run.outputs["systemctl is-active docker"] = "active"
	run.fail["docker run"] = "Cannot connect to the Docker daemon"

	m := newDockerModule(newTestDeps(run, nil))
	err := m.Verify(context.Background())
	if err == nil || !strings.Contains(err.Error(), "smoke test") {
		t.Fatalf("Expected smoke test failure, got: %v", err)
	}
}

func TestDockerModuleVerifySmokeTestDisabled(t *testing.T) {
	run := newFakeRunner()
	run.outputs["docker --version"] = "Docker version 27.3.1, build ce12230"
	run.outputs["systemctl is-active docker"] = "active"

	deps := newTestDeps(run, dockerTree(map[string]interface{}{"smoke_test": false}))
	m := newDockerModule(deps)

	if err := m.Verify(context.Background()); err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if run.ran("docker run") {
		t.Errorf("Expected no container run, commands: %v", run.commands)
	}
}

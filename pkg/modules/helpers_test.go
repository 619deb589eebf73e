package modules

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/yunaamelia/debian-vps-workstation-sub001/pkg/engine"
)

func TestEnsurePackages(t *testing.T) {
	run := newFakeRunner()
	run.installed["curl"] = "8.11.0-1"
	ledger := engine.NewRollbackLedger(zerolog.Nop())

	err := ensurePackages(context.Background(), run, ledger, []string{"curl", "jq", "ripgrep"})
	if err != nil {
		t.Fatalf("ensurePackages failed: %v", err)
	}

	if !run.ran("apt-get install -y jq ripgrep") {
		t.Errorf("Expected only missing packages installed, commands: %v", run.commands)
	}
	if ledger.Len() != 1 {
		t.Fatalf("Expected 1 ledger entry, got %d", ledger.Len())
	}

	ledger.Rollback(context.Background())
	if !run.ran("apt-get remove -y jq ripgrep") {
		t.Errorf("Expected rollback to remove installed packages, commands: %v", run.commands)
	}
	if run.ran("apt-get remove -y curl") {
		t.Errorf("Expected preinstalled curl kept, commands: %v", run.commands)
	}
}

func TestEnsurePackagesAllPresent(t *testing.T) {
	run := newFakeRunner()
	run.installed["curl"] = "8.11.0-1"
	ledger := engine.NewRollbackLedger(zerolog.Nop())

	if err := ensurePackages(context.Background(), run, ledger, []string{"curl"}); err != nil {
		t.Fatalf("ensurePackages failed: %v", err)
	}
	if len(run.commands) != 0 {
		t.Errorf("Expected no commands, got %v", run.commands)
	}
	if ledger.Len() != 0 {
		t.Errorf("Expected no ledger entries, got %d", ledger.Len())
	}
}

func TestWriteFileWithUndoNewFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "drop-in.conf")
	ledger := engine.NewRollbackLedger(zerolog.Nop())

	if err := writeFileWithUndo(path, []byte("a = 1\n"), 0o644, ledger); err != nil {
		t.Fatalf("writeFileWithUndo failed: %v", err)
	}

	ledger.Rollback(context.Background())
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("Expected undo to remove the new file")
	}
}

func TestWriteFileWithUndoExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "drop-in.conf")
	if err := os.WriteFile(path, []byte("old\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	ledger := engine.NewRollbackLedger(zerolog.Nop())

	if err := writeFileWithUndo(path, []byte("new\n"), 0o644, ledger); err != nil {
		t.Fatalf("writeFileWithUndo failed: %v", err)
	}

	ledger.Rollback(context.Background())
	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Reading restored file failed: %v", err)
	}
	if string(content) != "old\n" {
		t.Errorf("Expected restored content, got %q", content)
	}
}

func TestServiceActive(t *testing.T) {
	run := newFakeRunner()
	run.outputs["systemctl is-active nginx"] = "active"
	run.outputs["systemctl is-active cron"] = "inactive"

	ctx := context.Background()
	if !serviceActive(ctx, run, "nginx") {
		t.Error("Expected nginx to read active")
	}
	if serviceActive(ctx, run, "cron") {
		t.Error("Expected cron to read inactive")
	}
	if serviceActive(ctx, run, "unknown") {
		t.Error("Expected unscripted unit to read inactive")
	}
}

func TestEnableService(t *testing.T) {
	run := newFakeRunner()
	ledger := engine.NewRollbackLedger(zerolog.Nop())

	if err := enableService(context.Background(), run, ledger, "docker"); err != nil {
		t.Fatalf("enableService failed: %v", err)
	}
	if !run.ran("systemctl enable --now docker") {
		t.Errorf("Expected enable command, commands: %v", run.commands)
	}

	ledger.Rollback(context.Background())
	if !run.ran("systemctl disable --now docker") {
		t.Errorf("Expected rollback to disable, commands: %v", run.commands)
	}
}

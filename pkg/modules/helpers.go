package modules

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/yunaamelia/debian-vps-workstation-sub001/pkg/engine"
)

// missingPackages filters pkgs down to those dpkg does not report installed.
func missingPackages(ctx context.Context, run Runner, pkgs []string) []string {
	missing := make([]string, 0, len(pkgs))
	for _, pkg := range pkgs {
		if installed, _ := run.PackageInstalled(ctx, pkg); !installed {
			missing = append(missing, pkg)
		}
	}
	return missing
}

// ensurePackages installs the packages that are not yet present and records
// one ledger entry that removes exactly those on rollback. Packages that
// were already installed are never removed.
func ensurePackages(ctx context.Context, run Runner, ledger *engine.RollbackLedger, pkgs []string) error {
	missing := missingPackages(ctx, run, pkgs)
	if len(missing) == 0 {
		return nil
	}

	args := append([]string{"install", "-y"}, missing...)
	if _, err := run.AptGet(ctx, args...); err != nil {
		return fmt.Errorf("install %s: %w", strings.Join(missing, " "), err)
	}

	if !run.DryRun() {
		removed := append([]string(nil), missing...)
		ledger.Add("remove packages "+strings.Join(removed, ", "), func(ctx context.Context) error {
			_, err := run.AptGet(ctx, append([]string{"remove", "-y"}, removed...)...)
			return err
		})
	}
	return nil
}

// writeFileWithUndo writes content at path and records a ledger entry that
// restores the previous content, or removes the file when it did not exist.
func writeFileWithUndo(path string, content []byte, perm os.FileMode, ledger *engine.RollbackLedger) error {
	prev, readErr := os.ReadFile(path)
	existed := readErr == nil

	if err := os.WriteFile(path, content, perm); err != nil {
		return err
	}

	if existed {
		ledger.Add("restore "+path, func(ctx context.Context) error {
			return os.WriteFile(path, prev, perm)
		})
	} else {
		ledger.Add("remove "+path, func(ctx context.Context) error {
			return os.Remove(path)
		})
	}
	return nil
}

// enableService enables and starts a systemd unit now, with a ledger entry
// that disables it again on rollback.
func enableService(ctx context.Context, run Runner, ledger *engine.RollbackLedger, unit string) error {
	if _, err := run.Run(ctx, "systemctl", "enable", "--now", unit); err != nil {
		return fmt.Errorf("enable %s: %w", unit, err)
	}

	if !run.DryRun() {
		ledger.Add("disable service "+unit, func(ctx context.Context) error {
			_, err := run.Run(ctx, "systemctl", "disable", "--now", unit)
			return err
		})
	}
	return nil
}

// serviceActive reports whether a systemd unit is active.
func serviceActive(ctx context.Context, run Runner, unit string) bool {
	out, err := run.Output(ctx, "systemctl", "is-active", unit)
	return err == nil && out == "active"
}

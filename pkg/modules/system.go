package modules

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/yunaamelia/debian-vps-workstation-sub001/pkg/engine"
)

// defaultSystemPackages is the base tool set installed on every workstation.
var defaultSystemPackages = []string{
	"build-essential",
	"ca-certificates",
	"curl",
	"git",
	"gnupg",
	"htop",
	"tmux",
	"unzip",
	"vim",
	"wget",
}

func init() {
	Register("system", newSystemModule)
}

// systemModule refreshes the package index, upgrades the base system,
// installs the base tool set, and sets the timezone. It mutates the
// package database heavily, so it runs alone in its batch.
type systemModule struct {
	meta
	cfg    engine.Accessor
	run    Runner
	ledger *engine.RollbackLedger
	logger zerolog.Logger
}

func newSystemModule(deps Deps) engine.Module {
	return &systemModule{
		meta:   newMeta(deps.Config, "system", nil, 10, true, true),
		cfg:    deps.Config,
		run:    deps.Runner,
		ledger: deps.Ledger,
		logger: deps.Logger.With().Str("module", "system").Logger(),
	}
}

func (m *systemModule) Validate(ctx context.Context) error {
	if !m.run.HasCommand("apt-get") {
		return fmt.Errorf("apt-get not found on PATH")
	}

	if tz := m.timezone(); tz != "" && tz != "UTC" && !strings.Contains(tz, "/") {
		return fmt.Errorf("timezone %q is not a zoneinfo name", tz)
	}
	return nil
}

func (m *systemModule) Configure(ctx context.Context) error {
	if _, err := m.run.AptGet(ctx, "update"); err != nil {
		return fmt.Errorf("refresh package index: %w", err)
	}

	if m.cfg.GetBool("modules.system.upgrade", true) {
		if _, err := m.run.AptGet(ctx, "upgrade", "-y"); err != nil {
			return fmt.Errorf("upgrade packages: %w", err)
		}
	}

	if err := ensurePackages(ctx, m.run, m.ledger, m.packages()); err != nil {
		return err
	}

	if err := m.configureTimezone(ctx); err != nil {
		return err
	}

	if m.cfg.GetBool("modules.system.autoremove", true) {
		if _, err := m.run.AptGet(ctx, "autoremove", "-y"); err != nil {
			return fmt.Errorf("autoremove packages: %w", err)
		}
	}
	return nil
}

func (m *systemModule) Verify(ctx context.Context) error {
	if m.run.DryRun() {
		m.logger.Info().Msg("Dry-run: skipping verification")
		return nil
	}

	for _, pkg := range m.packages() {
		if installed, _ := m.run.PackageInstalled(ctx, pkg); !installed {
			return fmt.Errorf("package %s missing after install", pkg)
		}
	}

	if tz := m.timezone(); tz != "" {
		current, err := m.run.Output(ctx, "timedatectl", "show", "--property=Timezone", "--value")
		if err != nil {
			return fmt.Errorf("read timezone: %w", err)
		}
		if current != tz {
			return fmt.Errorf("timezone is %s, want %s", current, tz)
		}
	}
	return nil
}

// configureTimezone sets the configured timezone and records an undo entry
// restoring the previous one.
func (m *systemModule) configureTimezone(ctx context.Context) error {
	tz := m.timezone()
	if tz == "" {
		return nil
	}

	current, err := m.run.Output(ctx, "timedatectl", "show", "--property=Timezone", "--value")
	if err != nil {
		current = ""
	}
	if current == tz {
		return nil
	}

	if _, err := m.run.Run(ctx, "timedatectl", "set-timezone", tz); err != nil {
		return fmt.Errorf("set timezone %s: %w", tz, err)
	}

	if !m.run.DryRun() && current != "" {
		prev := current
		m.ledger.Add("restore timezone "+prev, func(ctx context.Context) error {
			_, err := m.run.Run(ctx, "timedatectl", "set-timezone", prev)
			return err
		})
	}
	return nil
}

func (m *systemModule) packages() []string {
	return m.cfg.GetStringSlice("modules.system.packages", defaultSystemPackages)
}

func (m *systemModule) timezone() string {
	return m.cfg.GetString("modules.system.timezone", "")
}

package modules

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/yunaamelia/debian-vps-workstation-sub001/pkg/engine"
)

// BreakerPyPI guards pip downloads.
const BreakerPyPI = "pypi"

var defaultPythonPackages = []string{
	"python3",
	"python3-venv",
	"python3-pip",
	"python3-dev",
}

func init() {
	Register("python", newPythonModule)
}

// pythonModule installs the Python toolchain and, when a virtualenv path is
// configured, creates it and installs pip packages into it. Pip packages
// never go into the system interpreter: Debian marks it externally managed.
type pythonModule struct {
	meta
	cfg    engine.Accessor
	run    Runner
	ledger *engine.RollbackLedger
	logger zerolog.Logger
}

func newPythonModule(deps Deps) engine.Module {
	return &pythonModule{
		meta:   newMeta(deps.Config, "python", []string{"system"}, 30, false, false),
		cfg:    deps.Config,
		run:    deps.Runner,
		ledger: deps.Ledger,
		logger: deps.Logger.With().Str("module", "python").Logger(),
	}
}

func (m *pythonModule) Validate(ctx context.Context) error {
	if !m.run.HasCommand("apt-get") {
		return fmt.Errorf("apt-get not found on PATH")
	}
	if len(m.pipPackages()) > 0 && m.venvPath() == "" {
		return fmt.Errorf("pip packages require modules.python.venv to be set")
	}
	return nil
}

func (m *pythonModule) Configure(ctx context.Context) error {
	if err := ensurePackages(ctx, m.run, m.ledger, m.packages()); err != nil {
		return err
	}

	venv := m.venvPath()
	if venv == "" {
		return nil
	}

	if err := m.createVenv(ctx, venv); err != nil {
		return err
	}

	if pkgs := m.pipPackages(); len(pkgs) > 0 {
		pip := filepath.Join(venv, "bin", "pip")
		args := append([]string{"install", "--upgrade"}, pkgs...)
		if _, err := m.run.Guarded(ctx, BreakerPyPI, pip, args...); err != nil {
			return fmt.Errorf("install pip packages: %w", err)
		}
	}
	return nil
}

func (m *pythonModule) Verify(ctx context.Context) error {
	if m.run.DryRun() {
		m.logger.Info().Msg("Dry-run: skipping verification")
		return nil
	}

	if _, err := m.run.Output(ctx, "python3", "--version"); err != nil {
		return fmt.Errorf("python3 is not runnable: %w", err)
	}

	venv := m.venvPath()
	if venv == "" {
		return nil
	}
	if _, err := os.Stat(filepath.Join(venv, "bin", "python")); err != nil {
		return fmt.Errorf("virtualenv %s missing: %w", venv, err)
	}

	pip := filepath.Join(venv, "bin", "pip")
	for _, pkg := range m.pipPackages() {
		if _, err := m.run.Output(ctx, pip, "show", pkg); err != nil {
			return fmt.Errorf("pip package %s missing from %s: %w", pkg, venv, err)
		}
	}
	return nil
}

// createVenv creates the virtualenv unless it already exists.
func (m *pythonModule) createVenv(ctx context.Context, venv string) error {
	if _, err := os.Stat(filepath.Join(venv, "bin", "python")); err == nil {
		m.logger.Debug().Str("path", venv).Msg("Virtualenv already exists")
		return nil
	}

	if _, err := m.run.Run(ctx, "python3", "-m", "venv", venv); err != nil {
		return fmt.Errorf("create virtualenv %s: %w", venv, err)
	}

	if !m.run.DryRun() {
		m.ledger.Add("remove virtualenv "+venv, func(ctx context.Context) error {
			return os.RemoveAll(venv)
		})
	}
	return nil
}

func (m *pythonModule) packages() []string {
	return m.cfg.GetStringSlice("modules.python.packages", defaultPythonPackages)
}

func (m *pythonModule) pipPackages() []string {
	return m.cfg.GetStringSlice("modules.python.pip_packages", nil)
}

func (m *pythonModule) venvPath() string {
	return m.cfg.GetString("modules.python.venv", "")
}

package modules

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/yunaamelia/debian-vps-workstation-sub001/pkg/engine"
)

// BreakerNodeSource guards NodeSource repository downloads.
const BreakerNodeSource = "nodesource"

const (
	defaultNodeMajor = "22"

	aptKeyringDir   = "/etc/apt/keyrings"
	aptSourcesDir   = "/etc/apt/sources.list.d"
	nodeKeyringFile = "nodesource.gpg"
	nodeListFile    = "nodesource.list"
)

func init() {
	Register("nodejs", newNodeModule)
}

// nodeModule installs Node.js from the NodeSource repository and the
// configured global npm packages. When the requested major version is
// already installed the repository setup is skipped.
type nodeModule struct {
	meta
	cfg    engine.Accessor
	run    Runner
	ledger *engine.RollbackLedger
	logger zerolog.Logger

	keyringDir  string
	keyringPath string
	listPath    string
}

func newNodeModule(deps Deps) engine.Module {
	return &nodeModule{
		meta:        newMeta(deps.Config, "nodejs", []string{"system"}, 40, false, false),
		cfg:         deps.Config,
		run:         deps.Runner,
		ledger:      deps.Ledger,
		logger:      deps.Logger.With().Str("module", "nodejs").Logger(),
		keyringDir:  aptKeyringDir,
		keyringPath: filepath.Join(aptKeyringDir, nodeKeyringFile),
		listPath:    filepath.Join(aptSourcesDir, nodeListFile),
	}
}

func (m *nodeModule) Validate(ctx context.Context) error {
	if !m.run.HasCommand("apt-get") {
		return fmt.Errorf("apt-get not found on PATH")
	}
	if _, err := strconv.Atoi(m.major()); err != nil {
		return fmt.Errorf("node version %q is not a major version number", m.major())
	}
	return nil
}

func (m *nodeModule) Configure(ctx context.Context) error {
	major := m.major()

	if current := m.installedMajor(ctx); current == major {
		m.logger.Info().Str("version", current).Msg("Requested Node.js major already installed")
		return m.installGlobals(ctx)
	}

	if err := m.configureRepository(ctx, major); err != nil {
		return err
	}

	hadNode, _ := m.run.PackageInstalled(ctx, "nodejs")
	if _, err := m.run.AptGet(ctx, "install", "-y", "nodejs"); err != nil {
		return fmt.Errorf("install nodejs: %w", err)
	}
	if !hadNode && !m.run.DryRun() {
		m.ledger.Add("remove nodejs", func(ctx context.Context) error {
			_, err := m.run.AptGet(ctx, "remove", "-y", "nodejs")
			return err
		})
	}

	return m.installGlobals(ctx)
}

func (m *nodeModule) Verify(ctx context.Context) error {
	if m.run.DryRun() {
		m.logger.Info().Msg("Dry-run: skipping verification")
		return nil
	}

	if current := m.installedMajor(ctx); current != m.major() {
		return fmt.Errorf("node major version is %q, want %s", current, m.major())
	}
	if !m.run.HasCommand("npm") {
		return fmt.Errorf("npm not found on PATH")
	}

	for _, pkg := range m.globalPackages() {
		if _, err := m.run.Output(ctx, "npm", "ls", "-g", "--depth=0", pkg); err != nil {
			return fmt.Errorf("global npm package %s missing: %w", pkg, err)
		}
	}
	return nil
}

// configureRepository installs the NodeSource signing key and apt source.
func (m *nodeModule) configureRepository(ctx context.Context, major string) error {
	if m.run.DryRun() {
		m.logger.Info().Str("path", m.listPath).Msg("Dry-run: would configure NodeSource repository")
	} else if err := os.MkdirAll(m.keyringDir, 0o755); err != nil {
		return fmt.Errorf("create keyring dir: %w", err)
	}

	fetchKey := fmt.Sprintf(
		"curl -fsSL https://deb.nodesource.com/gpgkey/nodesource-repo.gpg.key | gpg --dearmor --yes -o %s",
		m.keyringPath)
	if _, err := m.run.Guarded(ctx, BreakerNodeSource, "sh", "-c", fetchKey); err != nil {
		return fmt.Errorf("fetch NodeSource signing key: %w", err)
	}

	list := fmt.Sprintf("deb [signed-by=%s] https://deb.nodesource.com/node_%s.x nodistro main\n",
		m.keyringPath, major)
	if m.run.DryRun() {
		m.logger.Info().Str("path", m.listPath).Msg("Dry-run: would write apt source")
	} else {
		if err := writeFileWithUndo(m.listPath, []byte(list), 0o644, m.ledger); err != nil {
			return fmt.Errorf("write NodeSource apt source: %w", err)
		}
		keyring := m.keyringPath
		m.ledger.Add("remove NodeSource keyring", func(ctx context.Context) error {
			return os.Remove(keyring)
		})
	}

	if _, err := m.run.AptGet(ctx, "update"); err != nil {
		return fmt.Errorf("refresh package index: %w", err)
	}
	return nil
}

func (m *nodeModule) installGlobals(ctx context.Context) error {
	pkgs := m.globalPackages()
	if len(pkgs) == 0 {
		return nil
	}

	args := append([]string{"install", "-g"}, pkgs...)
	if _, err := m.run.Guarded(ctx, "npm", "npm", args...); err != nil {
		return fmt.Errorf("install global npm packages: %w", err)
	}
	return nil
}

// installedMajor returns the installed Node.js major version, or "" when
// node is absent or unparseable.
func (m *nodeModule) installedMajor(ctx context.Context) string {
	out, err := m.run.Output(ctx, "node", "--version")
	if err != nil {
		return ""
	}
	version := strings.TrimPrefix(out, "v")
	if i := strings.Index(version, "."); i > 0 {
		return version[:i]
	}
	return ""
}

func (m *nodeModule) major() string {
	return m.cfg.GetString("modules.nodejs.version", defaultNodeMajor)
}

func (m *nodeModule) globalPackages() []string {
	return m.cfg.GetStringSlice("modules.nodejs.global_packages", nil)
}

package modules

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/yunaamelia/debian-vps-workstation-sub001/pkg/engine"
)

// BreakerDownload guards direct tarball and key downloads.
const BreakerDownload = "download"

const (
	defaultGoVersion = "1.25.0"

	goInstallDir  = "/usr/local"
	goProfilePath = "/etc/profile.d/golang.sh"
)

func init() {
	Register("golang", newGolangModule)
}

// golangModule installs the Go toolchain from the upstream tarball into
// /usr/local/go and adds a profile drop-in placing it on PATH.
type golangModule struct {
	meta
	cfg    engine.Accessor
	run    Runner
	ledger *engine.RollbackLedger
	logger zerolog.Logger

	installDir  string
	profilePath string
}

func newGolangModule(deps Deps) engine.Module {
	return &golangModule{
		meta:        newMeta(deps.Config, "golang", []string{"system"}, 50, false, false),
		cfg:         deps.Config,
		run:         deps.Runner,
		ledger:      deps.Ledger,
		logger:      deps.Logger.With().Str("module", "golang").Logger(),
		installDir:  goInstallDir,
		profilePath: goProfilePath,
	}
}

func (m *golangModule) Validate(ctx context.Context) error {
	for _, tool := range []string{"curl", "tar"} {
		if !m.run.HasCommand(tool) {
			return fmt.Errorf("%s not found on PATH", tool)
		}
	}
	if m.version() == "" {
		return fmt.Errorf("modules.golang.version must not be empty")
	}
	return nil
}

func (m *golangModule) Configure(ctx context.Context) error {
	version := m.version()

	current := m.installedVersion(ctx)
	if current == version {
		m.logger.Info().Str("version", version).Msg("Requested Go version already installed")
		return m.writeProfile(ctx)
	}

	arch, err := m.hostArch(ctx)
	if err != nil {
		return err
	}

	tarball := fmt.Sprintf("go%s.linux-%s.tar.gz", version, arch)
	tmp := filepath.Join(os.TempDir(), tarball)
	url := "https://go.dev/dl/" + tarball

	if _, err := m.run.Guarded(ctx, BreakerDownload, "curl", "-fsSL", "-o", tmp, url); err != nil {
		return fmt.Errorf("download %s: %w", tarball, err)
	}

	goRoot := filepath.Join(m.installDir, "go")
	if current != "" {
		if _, err := m.run.Run(ctx, "rm", "-rf", goRoot); err != nil {
			return fmt.Errorf("remove previous toolchain: %w", err)
		}
	}

	if _, err := m.run.Run(ctx, "tar", "-C", m.installDir, "-xzf", tmp); err != nil {
		return fmt.Errorf("unpack %s: %w", tarball, err)
	}

	// A fresh install is undone by deleting the tree. An upgrade is not:
	// the previous toolchain is gone once the new tarball is unpacked.
	if current == "" && !m.run.DryRun() {
		m.ledger.Add("remove Go toolchain "+goRoot, func(ctx context.Context) error {
			return os.RemoveAll(goRoot)
		})
	}

	if !m.run.DryRun() {
		if err := os.Remove(tmp); err != nil && !os.IsNotExist(err) {
			m.logger.Warn().Err(err).Str("path", tmp).Msg("Failed to remove downloaded tarball")
		}
	}

	return m.writeProfile(ctx)
}

func (m *golangModule) Verify(ctx context.Context) error {
	if m.run.DryRun() {
		m.logger.Info().Msg("Dry-run: skipping verification")
		return nil
	}

	if got := m.installedVersion(ctx); got != m.version() {
		return fmt.Errorf("go version is %q, want %s", got, m.version())
	}
	if _, err := os.Stat(m.profilePath); err != nil {
		return fmt.Errorf("profile drop-in missing: %w", err)
	}
	return nil
}

// writeProfile installs the PATH drop-in for login shells.
func (m *golangModule) writeProfile(ctx context.Context) error {
	if m.run.DryRun() {
		m.logger.Info().Str("path", m.profilePath).Msg("Dry-run: would write profile drop-in")
		return nil
	}

	goBin := filepath.Join(m.installDir, "go", "bin")
	content := "export PATH=$PATH:" + goBin + "\n"

	if prev, err := os.ReadFile(m.profilePath); err == nil && string(prev) == content {
		return nil
	}
	if err := writeFileWithUndo(m.profilePath, []byte(content), 0o755, m.ledger); err != nil {
		return fmt.Errorf("write profile drop-in: %w", err)
	}
	return nil
}

// installedVersion returns the version of the installed toolchain, or ""
// when none is present. Output looks like "go version go1.25.0 linux/amd64".
func (m *golangModule) installedVersion(ctx context.Context) string {
	goBinary := filepath.Join(m.installDir, "go", "bin", "go")
	out, err := m.run.Output(ctx, goBinary, "version")
	if err != nil {
		return ""
	}
	fields := strings.Fields(out)
	if len(fields) < 3 {
		return ""
	}
	return strings.TrimPrefix(fields[2], "go")
}

// hostArch maps the dpkg architecture to the Go release architecture.
func (m *golangModule) hostArch(ctx context.Context) (string, error) {
	res, err := m.run.Dpkg(ctx, "--print-architecture")
	if err != nil {
		return "", fmt.Errorf("detect architecture: %w", err)
	}

	arch := strings.TrimSpace(res.Stdout)
	switch arch {
	case "amd64", "arm64", "riscv64":
		return arch, nil
	case "armhf":
		return "armv6l", nil
	case "i386":
		return "386", nil
	case "ppc64el":
		return "ppc64le", nil
	default:
		return "", fmt.Errorf("no Go release for architecture %q", arch)
	}
}

func (m *golangModule) version() string {
	return m.cfg.GetString("modules.golang.version", defaultGoVersion)
}

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

const (
	dockerKeyringFile = "docker.asc"
	dockerListFile    = "docker.list"
)

var defaultDockerPackages = []string{
	"docker-ce",
	"docker-ce-cli",
	"containerd.io",
	"docker-buildx-plugin",
	"docker-compose-plugin",
}

// dockerArchitectures lists the dpkg architectures Docker publishes Debian
// packages for.
var dockerArchitectures = map[string]bool{
	"amd64": true,
	"arm64": true,
	"armhf": true,
}

func init() {
	Register("docker", newDockerModule)
}

// dockerModule installs Docker Engine from the upstream apt repository,
// enables the service, and grants the configured users access. It depends
// on security so the firewall baseline exists before the daemon starts
// managing its own rules.
type dockerModule struct {
	meta
	cfg    engine.Accessor
	run    Runner
	ledger *engine.RollbackLedger
	logger zerolog.Logger

	keyringDir  string
	keyringPath string
	listPath    string
}

func newDockerModule(deps Deps) engine.Module {
	return &dockerModule{
		meta:        newMeta(deps.Config, "docker", []string{"system", "security"}, 60, false, false),
		cfg:         deps.Config,
		run:         deps.Runner,
		ledger:      deps.Ledger,
		logger:      deps.Logger.With().Str("module", "docker").Logger(),
		keyringDir:  aptKeyringDir,
		keyringPath: filepath.Join(aptKeyringDir, dockerKeyringFile),
		listPath:    filepath.Join(aptSourcesDir, dockerListFile),
	}
}

func (m *dockerModule) Validate(ctx context.Context) error {
	if !m.run.HasCommand("apt-get") {
		return fmt.Errorf("apt-get not found on PATH")
	}

	res, err := m.run.Dpkg(ctx, "--print-architecture")
	if err != nil {
		return fmt.Errorf("detect architecture: %w", err)
	}
	if arch := strings.TrimSpace(res.Stdout); !dockerArchitectures[arch] {
		return fmt.Errorf("docker has no Debian packages for architecture %q", arch)
	}
	return nil
}

func (m *dockerModule) Configure(ctx context.Context) error {
	if err := ensurePackages(ctx, m.run, m.ledger, []string{"ca-certificates", "curl"}); err != nil {
		return err
	}

	if err := m.configureRepository(ctx); err != nil {
		return err
	}

	if _, err := m.run.AptGet(ctx, "update"); err != nil {
		return fmt.Errorf("refresh package index: %w", err)
	}
	if err := ensurePackages(ctx, m.run, m.ledger, m.packages()); err != nil {
		return err
	}

	if err := enableService(ctx, m.run, m.ledger, "docker"); err != nil {
		return err
	}

	return m.grantUsers(ctx)
}

func (m *dockerModule) Verify(ctx context.Context) error {
	if m.run.DryRun() {
		m.logger.Info().Msg("Dry-run: skipping verification")
		return nil
	}

	if _, err := m.run.Output(ctx, "docker", "--version"); err != nil {
		return fmt.Errorf("docker is not runnable: %w", err)
	}
	if !serviceActive(ctx, m.run, "docker") {
		return fmt.Errorf("docker service is not active")
	}

	if m.cfg.GetBool("modules.docker.smoke_test", true) {
		if _, err := m.run.Run(ctx, "docker", "run", "--rm", "hello-world"); err != nil {
			return fmt.Errorf("docker smoke test failed: %w", err)
		}
	}
	return nil
}

// configureRepository installs Docker's signing key and apt source.
func (m *dockerModule) configureRepository(ctx context.Context) error {
	if m.run.DryRun() {
		m.logger.Info().Str("path", m.listPath).Msg("Dry-run: would configure Docker repository")
	} else if err := os.MkdirAll(m.keyringDir, 0o755); err != nil {
		return fmt.Errorf("create keyring dir: %w", err)
	}

	if _, err := m.run.Guarded(ctx, BreakerDownload, "curl",
		"-fsSL", "https://download.docker.com/linux/debian/gpg", "-o", m.keyringPath); err != nil {
		return fmt.Errorf("fetch Docker signing key: %w", err)
	}

	if !m.run.DryRun() {
		if err := os.Chmod(m.keyringPath, 0o644); err != nil {
			return fmt.Errorf("chmod signing key: %w", err)
		}
		keyring := m.keyringPath
		m.ledger.Add("remove Docker keyring", func(ctx context.Context) error {
			return os.Remove(keyring)
		})
	}

	res, err := m.run.Dpkg(ctx, "--print-architecture")
	if err != nil {
		return fmt.Errorf("detect architecture: %w", err)
	}
	arch := strings.TrimSpace(res.Stdout)

	codename, err := m.codename(ctx)
	if err != nil {
		return err
	}

	list := fmt.Sprintf("deb [arch=%s signed-by=%s] https://download.docker.com/linux/debian %s stable\n",
		arch, m.keyringPath, codename)
	if m.run.DryRun() {
		m.logger.Info().Str("path", m.listPath).Msg("Dry-run: would write apt source")
		return nil
	}
	if err := writeFileWithUndo(m.listPath, []byte(list), 0o644, m.ledger); err != nil {
		return fmt.Errorf("write Docker apt source: %w", err)
	}
	return nil
}

// grantUsers adds the configured users to the docker group.
func (m *dockerModule) grantUsers(ctx context.Context) error {
	for _, user := range m.cfg.GetStringSlice("modules.docker.users", nil) {
		if _, err := m.run.Run(ctx, "usermod", "-aG", "docker", user); err != nil {
			return fmt.Errorf("add %s to docker group: %w", user, err)
		}
		if !m.run.DryRun() {
			u := user
			m.ledger.Add("remove "+u+" from docker group", func(ctx context.Context) error {
				_, err := m.run.Run(ctx, "gpasswd", "-d", u, "docker")
				return err
			})
		}
	}
	return nil
}

// codename resolves the Debian release codename for the apt source line.
func (m *dockerModule) codename(ctx context.Context) (string, error) {
	if configured := m.cfg.GetString("modules.docker.codename", ""); configured != "" {
		return configured, nil
	}

	out, err := m.run.Output(ctx, "sh", "-c", `. /etc/os-release && echo "$VERSION_CODENAME"`)
	if err != nil {
		return "", fmt.Errorf("detect release codename: %w", err)
	}
	if out == "" {
		return "", fmt.Errorf("os-release has no VERSION_CODENAME")
	}
	return out, nil
}

func (m *dockerModule) packages() []string {
	return m.cfg.GetStringSlice("modules.docker.packages", defaultDockerPackages)
}

package modules

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/yunaamelia/debian-vps-workstation-sub001/pkg/engine"
)

const (
	defaultSSHPort = 22

	sshdConfigPath = "/etc/ssh/sshd_config"
	jailLocalPath  = "/etc/fail2ban/jail.local"
	sysctlDropIn   = "/etc/sysctl.d/99-hardening.conf"
)

// sysctlHardening is the kernel parameter drop-in applied by the security
// module.
const sysctlHardening = `net.ipv4.tcp_syncookies = 1
net.ipv4.conf.all.rp_filter = 1
net.ipv4.conf.all.accept_redirects = 0
net.ipv4.conf.all.send_redirects = 0
net.ipv4.conf.all.accept_source_route = 0
net.ipv6.conf.all.accept_redirects = 0
kernel.dmesg_restrict = 1
`

func init() {
	Register("security", newSecurityModule)
}

// securityModule configures the firewall, fail2ban, SSH hardening, and
// kernel parameters. A failure here halts the install: later modules open
// network surface that depends on this baseline.
type securityModule struct {
	meta
	cfg    engine.Accessor
	run    Runner
	ledger *engine.RollbackLedger
	logger zerolog.Logger

	// paths are fields so tests can point them at a scratch directory
	sshdPath   string
	jailPath   string
	sysctlPath string
}

func newSecurityModule(deps Deps) engine.Module {
	return &securityModule{
		meta:       newMeta(deps.Config, "security", []string{"system"}, 20, false, true),
		cfg:        deps.Config,
		run:        deps.Runner,
		ledger:     deps.Ledger,
		logger:     deps.Logger.With().Str("module", "security").Logger(),
		sshdPath:   sshdConfigPath,
		jailPath:   jailLocalPath,
		sysctlPath: sysctlDropIn,
	}
}

func (m *securityModule) Validate(ctx context.Context) error {
	if !m.run.HasCommand("apt-get") {
		return fmt.Errorf("apt-get not found on PATH")
	}

	port := m.sshPort()
	if port < 1 || port > 65535 {
		return fmt.Errorf("ssh port %d out of range", port)
	}
	return nil
}

func (m *securityModule) Configure(ctx context.Context) error {
	pkgs := make([]string, 0, 2)
	if m.ufwEnabled() {
		pkgs = append(pkgs, "ufw")
	}
	if m.fail2banEnabled() {
		pkgs = append(pkgs, "fail2ban")
	}
	if len(pkgs) > 0 {
		if err := ensurePackages(ctx, m.run, m.ledger, pkgs); err != nil {
			return err
		}
	}

	if m.ufwEnabled() {
		if err := m.configureFirewall(ctx); err != nil {
			return err
		}
	}

	if err := m.hardenSSH(ctx); err != nil {
		return err
	}

	if m.fail2banEnabled() {
		if err := m.configureFail2ban(ctx); err != nil {
			return err
		}
	}

	if m.cfg.GetBool("modules.security.sysctl", true) {
		if err := m.configureSysctl(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (m *securityModule) Verify(ctx context.Context) error {
	if m.run.DryRun() {
		m.logger.Info().Msg("Dry-run: skipping verification")
		return nil
	}

	if m.ufwEnabled() {
		status, err := m.run.Output(ctx, "ufw", "status")
		if err != nil {
			return fmt.Errorf("read ufw status: %w", err)
		}
		if !strings.Contains(status, "Status: active") {
			return fmt.Errorf("ufw is not active")
		}
	}

	if _, err := m.run.Run(ctx, "sshd", "-t"); err != nil {
		return fmt.Errorf("sshd configuration is invalid: %w", err)
	}

	if m.fail2banEnabled() && !serviceActive(ctx, m.run, "fail2ban") {
		return fmt.Errorf("fail2ban service is not active")
	}
	return nil
}

// configureFirewall applies the default-deny policy and the allow rules.
// The SSH port is always allowed before the firewall is enabled.
func (m *securityModule) configureFirewall(ctx context.Context) error {
	steps := [][]string{
		{"default", "deny", "incoming"},
		{"default", "allow", "outgoing"},
		{"allow", fmt.Sprintf("%d/tcp", m.sshPort())},
	}
	for _, rule := range m.cfg.GetStringSlice("modules.security.ufw_allow", nil) {
		steps = append(steps, []string{"allow", rule})
	}
	steps = append(steps, []string{"--force", "enable"})

	for _, args := range steps {
		if _, err := m.run.Run(ctx, "ufw", args...); err != nil {
			return fmt.Errorf("ufw %s: %w", strings.Join(args, " "), err)
		}
	}

	if !m.run.DryRun() {
		m.ledger.Add("disable ufw", func(ctx context.Context) error {
			_, err := m.run.Run(ctx, "ufw", "--force", "disable")
			return err
		})
	}
	return nil
}

// hardenSSH rewrites sshd_config with the hardened directives, keeping a
// backup that validation failures and rollback restore.
func (m *securityModule) hardenSSH(ctx context.Context) error {
	if m.run.DryRun() {
		m.logger.Info().Str("path", m.sshdPath).Msg("Dry-run: would harden sshd configuration")
		return nil
	}

	original, err := os.ReadFile(m.sshdPath)
	if err != nil {
		return fmt.Errorf("read sshd config: %w", err)
	}

	perm := os.FileMode(0o644)
	if info, statErr := os.Stat(m.sshdPath); statErr == nil {
		perm = info.Mode().Perm()
	}

	backupPath := m.sshdPath + ".bak"
	if err := os.WriteFile(backupPath, original, perm); err != nil {
		return fmt.Errorf("write sshd config backup: %w", err)
	}

	updated := applySSHDirectives(string(original), m.sshDirectives())
	if err := os.WriteFile(m.sshdPath, []byte(updated), perm); err != nil {
		return fmt.Errorf("write sshd config: %w", err)
	}

	// An invalid config would lock us out on the next reload. Restore the
	// original before reporting the failure.
	if _, err := m.run.Run(ctx, "sshd", "-t"); err != nil {
		if restoreErr := os.WriteFile(m.sshdPath, original, perm); restoreErr != nil {
			m.logger.Error().Err(restoreErr).Msg("Failed to restore sshd config backup")
		}
		return fmt.Errorf("hardened sshd config failed validation: %w", err)
	}

	if err := m.reloadSSH(ctx); err != nil {
		return err
	}

	m.ledger.Add("restore "+m.sshdPath, func(ctx context.Context) error {
		if err := os.WriteFile(m.sshdPath, original, perm); err != nil {
			return err
		}
		return m.reloadSSH(ctx)
	})
	return nil
}

// reloadSSH reloads the SSH daemon. Debian names the unit ssh; other
// distributions use sshd, so the second name is tried on failure.
func (m *securityModule) reloadSSH(ctx context.Context) error {
	if _, err := m.run.Run(ctx, "systemctl", "reload", "ssh"); err != nil {
		if _, retryErr := m.run.Run(ctx, "systemctl", "reload", "sshd"); retryErr != nil {
			return fmt.Errorf("reload ssh daemon: %w", retryErr)
		}
	}
	return nil
}

func (m *securityModule) configureFail2ban(ctx context.Context) error {
	jail := fmt.Sprintf(`[DEFAULT]
bantime = 1h
findtime = 10m
maxretry = 5

[sshd]
enabled = true
port = %d
`, m.sshPort())

	if m.run.DryRun() {
		m.logger.Info().Str("path", m.jailPath).Msg("Dry-run: would write fail2ban jail")
	} else if err := writeFileWithUndo(m.jailPath, []byte(jail), 0o644, m.ledger); err != nil {
		return fmt.Errorf("write fail2ban jail: %w", err)
	}

	if err := enableService(ctx, m.run, m.ledger, "fail2ban"); err != nil {
		return err
	}
	if _, err := m.run.Run(ctx, "systemctl", "restart", "fail2ban"); err != nil {
		return fmt.Errorf("restart fail2ban: %w", err)
	}
	return nil
}

func (m *securityModule) configureSysctl(ctx context.Context) error {
	if m.run.DryRun() {
		m.logger.Info().Str("path", m.sysctlPath).Msg("Dry-run: would write sysctl hardening drop-in")
	} else if err := writeFileWithUndo(m.sysctlPath, []byte(sysctlHardening), 0o644, m.ledger); err != nil {
		return fmt.Errorf("write sysctl drop-in: %w", err)
	}

	if _, err := m.run.Run(ctx, "sysctl", "--system"); err != nil {
		return fmt.Errorf("apply sysctl settings: %w", err)
	}
	return nil
}

// sshDirectives builds the ordered directive list applied to sshd_config.
func (m *securityModule) sshDirectives() [][2]string {
	directives := [][2]string{
		{"Port", strconv.Itoa(m.sshPort())},
		{"PermitRootLogin", yesNo(m.cfg.GetBool("modules.security.permit_root_login", false))},
		{"PasswordAuthentication", yesNo(m.cfg.GetBool("modules.security.password_auth", false))},
		{"PubkeyAuthentication", "yes"},
		{"X11Forwarding", "no"},
		{"MaxAuthTries", "3"},
	}
	if users := m.cfg.GetStringSlice("modules.security.allow_users", nil); len(users) > 0 {
		directives = append(directives, [2]string{"AllowUsers", strings.Join(users, " ")})
	}
	return directives
}

func (m *securityModule) sshPort() int {
	return m.cfg.GetInt("modules.security.ssh_port", defaultSSHPort)
}

func (m *securityModule) ufwEnabled() bool {
	return m.cfg.GetBool("modules.security.ufw", true)
}

func (m *securityModule) fail2banEnabled() bool {
	return m.cfg.GetBool("modules.security.fail2ban", true)
}

// applySSHDirectives rewrites active occurrences of each directive in the
// sshd_config content and appends directives that never occurred. Comments
// and unrelated lines are preserved as written.
func applySSHDirectives(content string, directives [][2]string) string {
	lines := strings.Split(content, "\n")
	applied := make(map[string]bool, len(directives))

	want := make(map[string]string, len(directives))
	order := make([]string, 0, len(directives))
	for _, d := range directives {
		key := strings.ToLower(d[0])
		want[key] = d[0] + " " + d[1]
		order = append(order, key)
	}

	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		fields := strings.Fields(trimmed)
		key := strings.ToLower(fields[0])
		if replacement, ok := want[key]; ok {
			lines[i] = replacement
			applied[key] = true
		}
	}

	out := strings.Join(lines, "\n")
	var missing []string
	for _, key := range order {
		if !applied[key] {
			missing = append(missing, want[key])
		}
	}
	if len(missing) > 0 {
		if !strings.HasSuffix(out, "\n") {
			out += "\n"
		}
		out += strings.Join(missing, "\n") + "\n"
	}
	return out
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}

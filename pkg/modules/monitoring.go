package modules

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/yunaamelia/debian-vps-workstation-sub001/pkg/engine"
)

const (
	nodeExporterUnit    = "prometheus-node-exporter"
	nodeExporterDefault = "/etc/default/prometheus-node-exporter"
	nodeExporterPort    = ":9100"
)

func init() {
	Register("monitoring", newMonitoringModule)
}

// monitoringModule installs the Prometheus node exporter from the Debian
// archive and enables its service unit.
type monitoringModule struct {
	meta
	cfg    engine.Accessor
	run    Runner
	ledger *engine.RollbackLedger
	logger zerolog.Logger

	defaultsPath string
}

func newMonitoringModule(deps Deps) engine.Module {
	return &monitoringModule{
		meta:         newMeta(deps.Config, "monitoring", []string{"system"}, 70, false, false),
		cfg:          deps.Config,
		run:          deps.Runner,
		ledger:       deps.Ledger,
		logger:       deps.Logger.With().Str("module", "monitoring").Logger(),
		defaultsPath: nodeExporterDefault,
	}
}

func (m *monitoringModule) Validate(ctx context.Context) error {
	if !m.run.HasCommand("apt-get") {
		return fmt.Errorf("apt-get not found on PATH")
	}

	if addr := m.listenAddress(); addr != "" && !strings.Contains(addr, ":") {
		return fmt.Errorf("listen address %q has no port", addr)
	}
	return nil
}

func (m *monitoringModule) Configure(ctx context.Context) error {
	if err := ensurePackages(ctx, m.run, m.ledger, m.packages()); err != nil {
		return err
	}

	if addr := m.listenAddress(); addr != "" {
		content := fmt.Sprintf("ARGS=\"--web.listen-address=%s\"\n", addr)
		if m.run.DryRun() {
			m.logger.Info().Str("path", m.defaultsPath).Msg("Dry-run: would write exporter defaults")
		} else if err := writeFileWithUndo(m.defaultsPath, []byte(content), 0o644, m.ledger); err != nil {
			return fmt.Errorf("write exporter defaults: %w", err)
		}
		if _, err := m.run.Run(ctx, "systemctl", "restart", nodeExporterUnit); err != nil {
			return fmt.Errorf("restart %s: %w", nodeExporterUnit, err)
		}
	}

	return enableService(ctx, m.run, m.ledger, nodeExporterUnit)
}

func (m *monitoringModule) Verify(ctx context.Context) error {
	if m.run.DryRun() {
		m.logger.Info().Msg("Dry-run: skipping verification")
		return nil
	}

	if !serviceActive(ctx, m.run, nodeExporterUnit) {
		return fmt.Errorf("%s service is not active", nodeExporterUnit)
	}

	metrics, err := m.run.Output(ctx, "curl", "-fsS", "--max-time", "5", m.metricsURL())
	if err != nil {
		return fmt.Errorf("scrape metrics endpoint: %w", err)
	}
	if !strings.Contains(metrics, "node_") {
		return fmt.Errorf("metrics endpoint returned no node metrics")
	}
	return nil
}

// metricsURL builds the local scrape URL from the listen address.
func (m *monitoringModule) metricsURL() string {
	addr := m.listenAddress()
	if addr == "" {
		addr = nodeExporterPort
	}
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	return "http://" + addr + "/metrics"
}

func (m *monitoringModule) packages() []string {
	return m.cfg.GetStringSlice("modules.monitoring.packages", []string{nodeExporterUnit})
}

func (m *monitoringModule) listenAddress() string {
	return m.cfg.GetString("modules.monitoring.listen_address", "")
}

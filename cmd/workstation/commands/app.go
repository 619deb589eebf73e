package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/user"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/yunaamelia/debian-vps-workstation-sub001/pkg/config"
	"github.com/yunaamelia/debian-vps-workstation-sub001/pkg/engine"
	"github.com/yunaamelia/debian-vps-workstation-sub001/pkg/hooks"
	"github.com/yunaamelia/debian-vps-workstation-sub001/pkg/modules"
	"github.com/yunaamelia/debian-vps-workstation-sub001/pkg/plugins"
	"github.com/yunaamelia/debian-vps-workstation-sub001/pkg/policy"
	"github.com/yunaamelia/debian-vps-workstation-sub001/pkg/stores"
	"github.com/yunaamelia/debian-vps-workstation-sub001/pkg/telemetry"
)

// app bundles the collaborators one command invocation wires together.
// Flag overrides are applied to the typed config before the accessor and
// digest are derived, so modules and plugins observe the effective values.
type app struct {
	cfg      *config.Config
	tel      *telemetry.Telemetry
	accessor *config.MapAccessor
	digest   string
}

// newApp loads the configuration, applies the persistent flag overrides
// and any command-specific ones, and brings up the telemetry stack.
func newApp(overrides ...func(*config.Config)) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	if dryRun {
		cfg.Installer.DryRun = true
	}
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}
	for _, override := range overrides {
		override(cfg)
	}

	tel, err := telemetry.NewTelemetry(cfg.Telemetry.ToTelemetry())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	accessor, err := cfg.Accessor()
	if err != nil {
		return nil, err
	}

	digest, err := cfg.Digest()
	if err != nil {
		return nil, err
	}

	return &app{cfg: cfg, tel: tel, accessor: accessor, digest: digest}, nil
}

// Close flushes and shuts down the telemetry stack.
func (a *app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.tel.Shutdown(ctx); err != nil {
		logger := a.logger()
		logger.Debug().Err(err).Msg("Telemetry shutdown failed")
	}
}

// logger returns the configured structured logger.
func (a *app) logger() zerolog.Logger {
	return a.tel.Logger.Zerolog()
}

// enabledModules resolves the module set for a run: an explicit --modules
// subset when given, the configured enabled list otherwise.
func (a *app) enabledModules(subset []string) []string {
	if len(subset) > 0 {
		return subset
	}
	return a.cfg.Modules.Enabled
}

// buildModules constructs the named built-in modules.
func (a *app) buildModules(names []string, runner modules.Runner, ledger *engine.RollbackLedger) ([]engine.Module, error) {
	return modules.Build(names, modules.Deps{
		Config: a.accessor,
		Runner: runner,
		Ledger: ledger,
		Logger: a.logger(),
	})
}

// planModules constructs modules for read-only commands. The runner is in
// dry-run mode and never invoked: listing and planning read descriptors only.
func (a *app) planModules(names []string) ([]engine.Module, error) {
	runner := modules.NewCommandRunner(modules.RunnerOptions{DryRun: true}, zerolog.Nop())
	return a.buildModules(names, runner, engine.NewRollbackLedger(zerolog.Nop()))
}

// buildPlan resolves the enabled modules, plugins included, and computes
// the batch plan without executing anything.
func (a *app) buildPlan(ctx context.Context) (*engine.PlanInput, error) {
	mods, err := a.planModules(a.cfg.Modules.Enabled)
	if err != nil {
		return nil, err
	}

	loader, closeLoader, err := a.pluginLoader(ctx)
	if err != nil {
		return nil, err
	}
	defer closeLoader()

	installer := engine.NewInstaller(engine.InstallerOptions{
		Modules:  mods,
		Loader:   loader,
		Accessor: a.accessor,
		DryRun:   a.cfg.Installer.DryRun,
		Logger:   a.logger(),
	})

	return installer.Plan(ctx)
}

// policyGate builds the OPA gate when policy is enabled, loading custom
// policies from the configured directory over the built-ins. With watch
// set, changed policy files hot-reload for the lifetime of ctx.
func (a *app) policyGate(ctx context.Context, watch bool) (engine.PolicyGate, error) {
	if !a.cfg.Policy.Enabled {
		return nil, nil
	}

	logger := a.logger()
	eng, err := policy.NewEngine(logger)
	if err != nil {
		return nil, err
	}
	eng.WithDenyOnError(a.cfg.Policy.DenyOnError)

	if a.cfg.Policy.Dir == "" {
		return eng, nil
	}

	if err := eng.LoadPolicies(ctx, []string{a.cfg.Policy.Dir}); err != nil {
		return nil, err
	}

	if watch {
		watcher := policy.NewLoader(logger)
		err := watcher.Watch(ctx, []string{a.cfg.Policy.Dir}, func(policies []policy.Policy) error {
			return eng.ReplaceCustom(ctx, policies)
		})
		if err != nil {
			logger.Warn().Err(err).Msg("Failed to watch policy directory")
		}
	}

	return eng, nil
}

// hookDispatcher binds the Starlark scripts from the hooks directory.
// No directory, or a directory without recognized scripts, means no
// dispatcher; the installer skips hook dispatch entirely then.
func (a *app) hookDispatcher() (engine.HookDispatcher, error) {
	if a.cfg.Hooks.Dir == "" {
		return nil, nil
	}

	logger := a.logger()
	dispatcher := hooks.NewDispatcher(logger)
	loader := hooks.NewDirLoader(a.cfg.Hooks.Dir, 0, logger)

	bound, err := loader.Bind(dispatcher)
	if err != nil {
		return nil, err
	}
	if bound == 0 {
		return nil, nil
	}

	logger.Info().Int("scripts", bound).Str("dir", a.cfg.Hooks.Dir).Msg("Hook scripts bound")
	return &filteredDispatcher{inner: dispatcher, enabled: a.cfg.Hooks.EventEnabled}, nil
}

// filteredDispatcher drops hook events outside the configured allow-list.
type filteredDispatcher struct {
	inner   engine.HookDispatcher
	enabled func(event string) bool
}

var _ engine.HookDispatcher = (*filteredDispatcher)(nil)

func (d *filteredDispatcher) Dispatch(ctx context.Context, event string, payload map[string]interface{}) {
	if !d.enabled(event) {
		return
	}
	d.inner.Dispatch(ctx, event, payload)
}

// pluginLoader builds the WASM module loader when plugins are enabled.
// The returned closer releases the runtime and every loaded instance.
func (a *app) pluginLoader(ctx context.Context) (engine.ModuleLoader, func(), error) {
	if !a.cfg.Plugins.Enabled || a.cfg.Plugins.Dir == "" {
		return nil, func() {}, nil
	}

	logger := a.logger()
	runtime, err := plugins.NewRuntime(ctx, plugins.RuntimeConfig{
		MemLimitMB: a.cfg.Plugins.MemLimitMB,
	}, a.accessor, logger)
	if err != nil {
		return nil, nil, err
	}

	closer := func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := runtime.Close(closeCtx); err != nil {
			logger.Debug().Err(err).Msg("Plugin runtime close failed")
		}
	}

	return plugins.NewLoader(a.cfg.Plugins.Dir, runtime, a.accessor, logger), closer, nil
}

// openStore opens the run-history store and applies migrations, creating
// the database directory on first use.
func (a *app) openStore(ctx context.Context) (*stores.SQLiteStore, error) {
	if dir := filepath.Dir(a.cfg.Store.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create store directory %s: %w", dir, err)
		}
	}

	store, err := stores.NewSQLiteStore(stores.Config{Path: a.cfg.Store.Path})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

// appendAudit writes one audit entry, logging failures instead of failing
// the command.
func (a *app) appendAudit(ctx context.Context, store *stores.SQLiteStore, action, resource string, details map[string]interface{}) {
	entry := &stores.AuditRecord{
		Actor:    actorName(),
		Action:   action,
		Resource: resource,
	}
	if details != nil {
		if data, err := json.Marshal(details); err == nil {
			blob := string(data)
			entry.Details = &blob
		}
	}
	if err := store.AppendAudit(ctx, entry); err != nil {
		a.logger().Warn().Err(err).Str("action", action).Msg("Failed to append audit entry")
	}
}

// actorName resolves who invoked the command, looking through sudo.
func actorName() string {
	if sudoer := os.Getenv("SUDO_USER"); sudoer != "" {
		return sudoer
	}
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return "unknown"
}

// printJSON renders v as indented JSON.
func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

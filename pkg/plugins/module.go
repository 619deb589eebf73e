package plugins

import (
	"context"

	"github.com/yunaamelia/debian-vps-workstation-sub001/pkg/engine"
)

// pluginModule adapts a loaded plugin instance to the engine Module
// interface. Descriptor fields come from the manifest; lifecycle stages
// call through to the wasm exports.
type pluginModule struct {
	manifest *Manifest
	instance *Instance
	dryRun   bool
}

var _ engine.Module = (*pluginModule)(nil)

// rollbackModule is the variant returned for plugins that export rollback,
// so the engine's Rollbacker type assertion only succeeds when the guest
// actually implements it.
type rollbackModule struct {
	*pluginModule
}

var _ engine.Rollbacker = (*rollbackModule)(nil)

// newModule wraps a manifest and instance as an engine module.
func newModule(manifest *Manifest, instance *Instance, dryRun bool) engine.Module {
	m := &pluginModule{
		manifest: manifest,
		instance: instance,
		dryRun:   dryRun,
	}
	if instance != nil && instance.HasRollback() {
		return &rollbackModule{pluginModule: m}
	}
	return m
}

func (m *pluginModule) Name() string {
	return m.manifest.Name
}

func (m *pluginModule) DependsOn() []string {
	return append([]string(nil), m.manifest.DependsOn...)
}

func (m *pluginModule) Priority() int {
	return m.manifest.Priority
}

func (m *pluginModule) ForceSequential() bool {
	return m.manifest.ForceSequential
}

func (m *pluginModule) Mandatory() bool {
	return m.manifest.Mandatory
}

func (m *pluginModule) Validate(ctx context.Context) error {
	return m.instance.CallStage(ctx, exportValidate, m.dryRun)
}

func (m *pluginModule) Configure(ctx context.Context) error {
	return m.instance.CallStage(ctx, exportConfigure, m.dryRun)
}

func (m *pluginModule) Verify(ctx context.Context) error {
	return m.instance.CallStage(ctx, exportVerify, m.dryRun)
}

func (m *rollbackModule) Rollback(ctx context.Context) error {
	return m.instance.CallStage(ctx, exportRollback, m.dryRun)
}

package plugins

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"github.com/yunaamelia/debian-vps-workstation-sub001/pkg/engine"
)

// Loader discovers <dir>/<name>/plugin.yaml manifests and loads each plugin
// into the shared runtime. It implements engine.ModuleLoader. A directory
// without a manifest is not a plugin and is skipped; a malformed plugin
// fails the load, because silently dropping an installed plugin would
// change what the run installs.
type Loader struct {
	dir      string
	runtime  *Runtime
	accessor engine.Accessor
	logger   zerolog.Logger

	mu     sync.Mutex
	loaded []engine.Module
}

var _ engine.ModuleLoader = (*Loader)(nil)

// NewLoader creates a loader over a plugins directory. The runtime owns the
// instantiated plugins; closing it unloads them all.
func NewLoader(dir string, runtime *Runtime, accessor engine.Accessor, logger zerolog.Logger) *Loader {
	return &Loader{
		dir:      dir,
		runtime:  runtime,
		accessor: accessor,
		logger:   logger,
	}
}

// LoadModules discovers and instantiates every plugin under the directory.
// Plugins load once; later calls return the same modules. A plugin is
// skipped when its modules.<name>.enabled setting is false. A missing or
// empty directory loads nothing; plugins are optional.
func (l *Loader) LoadModules(ctx context.Context) ([]engine.Module, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.loaded != nil {
		return append([]engine.Module(nil), l.loaded...), nil
	}

	if l.dir == "" {
		l.loaded = []engine.Module{}
		return nil, nil
	}

	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			l.logger.Debug().Str("dir", l.dir).Msg("Plugins directory does not exist")
			l.loaded = []engine.Module{}
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read plugins directory %s: %w", l.dir, err)
	}

	modules := make([]engine.Module, 0, len(entries))
	dryRun := l.accessor.GetBool("installer.dry_run", false)

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		manifestPath := filepath.Join(l.dir, entry.Name(), ManifestFileName)
		if _, err := os.Stat(manifestPath); err != nil {
			continue
		}

		module, err := l.loadOne(ctx, entry.Name(), manifestPath, dryRun)
		if err != nil {
			return nil, err
		}
		if module == nil {
			continue
		}
		modules = append(modules, module)
	}

	l.loaded = modules
	return append([]engine.Module(nil), modules...), nil
}

// loadOne loads a single plugin. A nil module with nil error means the
// plugin is disabled.
func (l *Loader) loadOne(ctx context.Context, dirName, manifestPath string, dryRun bool) (engine.Module, error) {
	manifest, err := LoadManifest(manifestPath)
	if err != nil {
		return nil, err
	}

	if manifest.Name != dirName {
		return nil, fmt.Errorf("plugin directory %s does not match manifest name %s", dirName, manifest.Name)
	}

	if !l.accessor.GetBool(settingPath(manifest.Name, "enabled"), true) {
		l.logger.Debug().
			Str("plugin", manifest.Name).
			Msg("Plugin disabled by configuration, skipping")
		return nil, nil
	}

	wasm, err := os.ReadFile(manifest.WasmPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read plugin wasm %s: %w", manifest.WasmPath, err)
	}

	if manifest.Checksum != "" {
		if err := manifest.VerifyChecksum(wasm); err != nil {
			return nil, err
		}
	}

	if err := manifest.ValidateSettings(l.accessor); err != nil {
		return nil, err
	}

	instance, err := l.runtime.Load(ctx, manifest.Name, wasm)
	if err != nil {
		return nil, err
	}

	l.logger.Info().
		Str("plugin", manifest.Name).
		Str("version", manifest.Version).
		Bool("rollback", instance.HasRollback()).
		Msg("Loaded plugin module")

	return newModule(manifest, instance, dryRun), nil
}

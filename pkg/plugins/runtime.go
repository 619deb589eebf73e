package plugins

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/yunaamelia/debian-vps-workstation-sub001/pkg/engine"
)

const (
	// hostModuleName is the import namespace plugins link against.
	hostModuleName = "env"

	// configGetMiss is returned by config_get when the key is absent.
	configGetMiss = ^uint32(0)
)

// RuntimeConfig bounds plugin execution. Zero values fall back to defaults.
type RuntimeConfig struct {
	// MemLimitMB caps each plugin instance's linear memory. Default 64.
	MemLimitMB int

	// CallTimeout bounds each lifecycle stage call. Default 30s.
	CallTimeout time.Duration
}

// Runtime is the shared wazero runtime all plugin instances load into.
// Each instance gets its own linear memory under the configured limit;
// the host module exposes log and config_get to every guest.
type Runtime struct {
	runtime  wazero.Runtime
	cfg      RuntimeConfig
	accessor engine.Accessor
	logger   zerolog.Logger
}

// NewRuntime creates the wazero runtime with WASI and the host module
// instantiated. Close must be called to release it; closing the runtime
// closes every plugin instance loaded into it.
func NewRuntime(ctx context.Context, cfg RuntimeConfig, accessor engine.Accessor, logger zerolog.Logger) (*Runtime, error) {
	if cfg.MemLimitMB <= 0 {
		cfg.MemLimitMB = 64
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}

	// 64KiB wasm pages, so one MiB is 16 pages.
	pages := uint32(cfg.MemLimitMB) * 16

	runtimeConfig := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(pages).
		WithCloseOnContextDone(true)

	runtime := wazero.NewRuntimeWithConfig(ctx, runtimeConfig)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime); err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}

	r := &Runtime{
		runtime:  runtime,
		cfg:      cfg,
		accessor: accessor,
		logger:   logger,
	}

	builder := runtime.NewHostModuleBuilder(hostModuleName)
	r.registerHostFunctions(builder)
	if _, err := builder.Instantiate(ctx); err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate host module: %w", err)
	}

	return r, nil
}

// registerHostFunctions exports the host side of the plugin ABI. The calling
// plugin is identified by its module name, so one host module serves all
// instances.
func (r *Runtime) registerHostFunctions(builder wazero.HostModuleBuilder) {
	// log(level, ptr, len): levels 0 debug, 1 info, 2 warn, 3 error.
	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, level, msgPtr, msgLen uint32) {
			msg, ok := mod.Memory().Read(msgPtr, msgLen)
			if !ok {
				r.logger.Warn().
					Str("plugin", mod.Name()).
					Msg("Plugin log call points outside its memory")
				return
			}
			r.logEvent(level).
				Str("plugin", mod.Name()).
				Msg(string(msg))
		}).
		Export("log")

	// config_get(key_ptr, key_len, out_ptr, out_cap) -> value_len.
	// The value at modules.<plugin>.<key> is JSON-encoded and written to
	// out_ptr when it fits in out_cap. The full encoded length is returned
	// either way so the guest can retry with a larger buffer; a missing key
	// returns configGetMiss.
	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, keyPtr, keyLen, outPtr, outCap uint32) uint32 {
			key, ok := mod.Memory().Read(keyPtr, keyLen)
			if !ok {
				return configGetMiss
			}

			v := r.accessor.Get(settingPath(mod.Name(), string(key)), nil)
			if v == nil {
				return configGetMiss
			}

			encoded, err := json.Marshal(v)
			if err != nil {
				r.logger.Warn().
					Str("plugin", mod.Name()).
					Str("key", string(key)).
					Err(err).
					Msg("Plugin setting is not encodable")
				return configGetMiss
			}

			if uint32(len(encoded)) <= outCap {
				if !mod.Memory().Write(outPtr, encoded) {
					return configGetMiss
				}
			}
			return uint32(len(encoded))
		}).
		Export("config_get")
}

// logEvent maps a plugin log level to a logger event.
func (r *Runtime) logEvent(level uint32) *zerolog.Event {
	switch level {
	case 0:
		return r.logger.Debug()
	case 1:
		return r.logger.Info()
	case 2:
		return r.logger.Warn()
	default:
		return r.logger.Error()
	}
}

// Load instantiates a plugin's wasm binary and resolves its exports.
// Plugins are WASI reactors: _initialize runs at load, the lifecycle
// exports are called afterwards.
func (r *Runtime) Load(ctx context.Context, name string, wasm []byte) (*Instance, error) {
	modConfig := wazero.NewModuleConfig().
		WithName(name).
		WithStartFunctions("_initialize").
		WithRandSource(rand.Reader).
		WithSysWalltime().
		WithSysNanotime().
		WithSysNanosleep()

	mod, err := r.runtime.InstantiateWithConfig(ctx, wasm, modConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to instantiate plugin %s: %w", name, err)
	}

	instance, err := newInstance(name, mod, r.cfg.CallTimeout)
	if err != nil {
		mod.Close(ctx)
		return nil, fmt.Errorf("plugin %s: %w", name, err)
	}

	return instance, nil
}

// Close releases the runtime and every instance loaded into it.
func (r *Runtime) Close(ctx context.Context) error {
	return r.runtime.Close(ctx)
}

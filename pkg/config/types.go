package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/yunaamelia/debian-vps-workstation-sub001/pkg/engine"
	"github.com/yunaamelia/debian-vps-workstation-sub001/pkg/telemetry"
)

// Duration is a time.Duration that unmarshals from YAML duration strings
// ("30s", "1m30s") or bare integers interpreted as seconds.
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

// MarshalYAML renders the duration as a string ("1s", "2m0s").
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML accepts either a duration string or an integer second count.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, perr := time.ParseDuration(s)
		if perr != nil {
			return fmt.Errorf("invalid duration %q: %w", s, perr)
		}
		*d = Duration(parsed)
		return nil
	}

	var n int64
	if err := value.Decode(&n); err == nil {
		if n < 0 {
			return fmt.Errorf("invalid duration %d: must not be negative", n)
		}
		*d = Duration(time.Duration(n) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value on line %d", value.Line)
}

// Config is the full typed configuration tree for the workstation installer.
// It is decoded from YAML over DefaultConfig, checked against the embedded CUE
// schema, then struct-validated.
type Config struct {
	// Installer configures orchestration behavior.
	Installer InstallerConfig `yaml:"installer"`

	// Retry configures the backoff policy for retried external operations.
	Retry RetryConfig `yaml:"retry"`

	// Breaker configures circuit breakers guarding external endpoints.
	Breaker BreakerConfig `yaml:"breaker"`

	// Modules selects and parameterizes installation modules.
	Modules ModulesConfig `yaml:"modules"`

	// Hooks configures lifecycle hook scripts.
	Hooks HooksConfig `yaml:"hooks"`

	// Policy configures the OPA plan/rollback gate.
	Policy PolicyConfig `yaml:"policy"`

	// Store configures run-history persistence.
	Store StoreConfig `yaml:"store"`

	// Telemetry configures logging, metrics, tracing, and events.
	Telemetry TelemetryConfig `yaml:"telemetry"`

	// Plugins configures WASM plugin module loading.
	Plugins PluginsConfig `yaml:"plugins"`
}

// InstallerConfig configures the orchestration engine.
type InstallerConfig struct {
	// MaxWorkers bounds intra-batch parallelism.
	MaxWorkers int `yaml:"max_workers" validate:"min=1,max=64"`

	// FailFast stops the run at the first failed batch regardless of
	// whether a mandatory module failed.
	FailFast bool `yaml:"fail_fast"`

	// AutoRollback selects the rollback decision mode.
	AutoRollback string `yaml:"auto_rollback" validate:"oneof=always never policy"`

	// DryRun previews all work without executing commands.
	DryRun bool `yaml:"dry_run"`
}

// RetryConfig configures exponential backoff for retried operations.
type RetryConfig struct {
	// MaxRetries is the total invocation count, the first attempt included.
	MaxRetries int `yaml:"max_retries" validate:"min=1,max=10"`

	// BaseDelay is the delay after the first failed attempt.
	BaseDelay Duration `yaml:"base_delay"`

	// MaxDelay caps the computed backoff delay.
	MaxDelay Duration `yaml:"max_delay"`

	// BackoffFactor is the exponential growth factor between attempts.
	BackoffFactor float64 `yaml:"backoff_factor" validate:"gte=1"`

	// Jitter adds uniform noise to each delay.
	Jitter bool `yaml:"jitter"`
}

// ToPolicy converts the section to the engine retry policy.
func (r RetryConfig) ToPolicy() engine.RetryPolicy {
	return engine.RetryPolicy{
		MaxRetries:    r.MaxRetries,
		BaseDelay:     r.BaseDelay.Std(),
		MaxDelay:      r.MaxDelay.Std(),
		BackoffFactor: r.BackoffFactor,
		Jitter:        r.Jitter,
	}
}

// BreakerConfig configures circuit breakers for external endpoints.
type BreakerConfig struct {
	// FailureThreshold is the consecutive-failure count that opens a breaker.
	FailureThreshold int `yaml:"failure_threshold" validate:"min=1"`

	// SuccessThreshold is the half-open success count that closes a breaker.
	SuccessThreshold int `yaml:"success_threshold" validate:"min=1"`

	// Timeout is the open-state cool-down before the next probe.
	Timeout Duration `yaml:"timeout"`
}

// ToBreaker converts the section to the engine breaker settings.
func (b BreakerConfig) ToBreaker() engine.BreakerConfig {
	return engine.BreakerConfig{
		FailureThreshold: b.FailureThreshold,
		SuccessThreshold: b.SuccessThreshold,
		Timeout:          b.Timeout.Std(),
	}
}

// ModulesConfig selects enabled modules and carries per-module settings.
// Any key other than "enabled" is treated as a module settings map, so
// configuration like `modules.docker.users` flows through untouched.
type ModulesConfig struct {
	// Enabled lists the modules to install, in no particular order.
	Enabled []string `yaml:"enabled" validate:"required,min=1,dive,required"`

	// Settings holds per-module configuration keyed by module name.
	Settings map[string]map[string]interface{} `yaml:",inline"`
}

// Setting returns the raw value for a module setting key.
func (m ModulesConfig) Setting(module, key string) (interface{}, bool) {
	settings, ok := m.Settings[module]
	if !ok {
		return nil, false
	}
	v, ok := settings[key]
	return v, ok
}

// IsEnabled reports whether a module appears in the enabled list.
func (m ModulesConfig) IsEnabled(name string) bool {
	for _, enabled := range m.Enabled {
		if enabled == name {
			return true
		}
	}
	return false
}

// Priority returns the scheduling priority override for a module, or 0.
func (m ModulesConfig) Priority(module string) int {
	v, ok := m.Setting(module, "priority")
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

// HooksConfig configures lifecycle hook scripts.
type HooksConfig struct {
	// Dir is the directory scanned for <event>.star hook scripts.
	// Empty disables file-based hooks.
	Dir string `yaml:"dir"`

	// Events lists the hook events that may fire.
	Events []string `yaml:"events" validate:"dive,oneof=before_install after_install before_module_validate after_module_validate before_module_configure after_module_configure on_module_error on_install_error"`
}

// EventEnabled reports whether an event name appears in the enabled list.
func (h HooksConfig) EventEnabled(event string) bool {
	for _, e := range h.Events {
		if e == event {
			return true
		}
	}
	return false
}

// PolicyConfig configures the OPA gate.
type PolicyConfig struct {
	// Dir is an optional directory of extra .rego policies.
	Dir string `yaml:"dir"`

	// Enabled turns policy evaluation on.
	Enabled bool `yaml:"enabled"`

	// DenyOnError treats policy evaluation errors as denials.
	DenyOnError bool `yaml:"deny_on_error"`
}

// StoreConfig configures run-history persistence.
type StoreConfig struct {
	// Path is the SQLite database file path.
	Path string `yaml:"path" validate:"required"`
}

// TelemetryConfig is the YAML-facing telemetry section. It maps onto
// telemetry.Config, which carries the full knob set with defaults.
type TelemetryConfig struct {
	Logging LoggingConfig       `yaml:"logging"`
	Metrics MetricsConfig       `yaml:"metrics"`
	Tracing TracingConfig       `yaml:"tracing"`
	Events  EventsSectionConfig `yaml:"events"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	// Level sets the minimum log level.
	Level string `yaml:"level" validate:"oneof=trace debug info warn error fatal"`

	// Format selects console or json output.
	Format string `yaml:"format" validate:"oneof=console json"`

	// Output selects stdout, stderr, or a file path.
	Output string `yaml:"output"`
}

// MetricsConfig configures the Prometheus registry and optional endpoint.
type MetricsConfig struct {
	// Enabled turns metric collection on.
	Enabled bool `yaml:"enabled"`

	// ListenAddress serves /metrics when non-empty and metrics are enabled.
	ListenAddress string `yaml:"listen_address"`
}

// TracingConfig configures the OpenTelemetry tracer.
type TracingConfig struct {
	// Enabled turns span export on.
	Enabled bool `yaml:"enabled"`

	// Exporter selects otlp, stdout, or none.
	Exporter string `yaml:"exporter" validate:"omitempty,oneof=otlp stdout none"`

	// Endpoint is the OTLP collector address.
	Endpoint string `yaml:"endpoint"`

	// SamplingRate is the parent-based trace sampling ratio.
	SamplingRate float64 `yaml:"sampling_rate" validate:"gte=0,lte=1"`
}

// EventsSectionConfig configures the event publisher.
type EventsSectionConfig struct {
	// Enabled turns event publishing on.
	Enabled bool `yaml:"enabled"`

	// BufferSize sizes the async delivery buffer.
	BufferSize int `yaml:"buffer_size" validate:"min=0"`

	// Async delivers events on a background goroutine.
	Async bool `yaml:"async"`
}

// ToTelemetry expands the YAML section into a full telemetry configuration,
// starting from the telemetry package defaults.
func (t TelemetryConfig) ToTelemetry() *telemetry.Config {
	cfg := telemetry.DefaultConfig()

	if t.Logging.Level != "" {
		cfg.Logging.Level = t.Logging.Level
	}
	if t.Logging.Format != "" {
		cfg.Logging.Format = t.Logging.Format
	}
	if t.Logging.Output != "" {
		cfg.Logging.Output = t.Logging.Output
	}

	cfg.Metrics.Enabled = t.Metrics.Enabled
	if t.Metrics.ListenAddress != "" {
		cfg.Metrics.ListenAddress = t.Metrics.ListenAddress
	}

	cfg.Tracing.Enabled = t.Tracing.Enabled
	if t.Tracing.Exporter != "" {
		cfg.Tracing.Exporter = t.Tracing.Exporter
	}
	if t.Tracing.Endpoint != "" {
		cfg.Tracing.Endpoint = t.Tracing.Endpoint
	}
	if t.Tracing.SamplingRate > 0 {
		cfg.Tracing.SamplingRate = t.Tracing.SamplingRate
	}

	cfg.Events.Enabled = t.Events.Enabled
	if t.Events.BufferSize > 0 {
		cfg.Events.BufferSize = t.Events.BufferSize
	}
	cfg.Events.EnableAsync = t.Events.Async

	return cfg
}

// PluginsConfig configures the WASM plugin loader.
type PluginsConfig struct {
	// Dir is the directory scanned for <name>/plugin.yaml manifests.
	Dir string `yaml:"dir"`

	// Enabled turns plugin loading on.
	Enabled bool `yaml:"enabled"`

	// MemLimitMB caps each plugin instance's linear memory.
	MemLimitMB int `yaml:"mem_limit_mb" validate:"min=1,max=1024"`
}

// DefaultConfig returns the configuration used when no file is present.
// The golang and monitoring modules are opt-in.
func DefaultConfig() *Config {
	return &Config{
		Installer: InstallerConfig{
			MaxWorkers:   engine.DefaultWorkers,
			FailFast:     false,
			AutoRollback: engine.RollbackNever,
			DryRun:       false,
		},
		Retry: RetryConfig{
			MaxRetries:    3,
			BaseDelay:     Duration(1 * time.Second),
			MaxDelay:      Duration(60 * time.Second),
			BackoffFactor: 2.0,
			Jitter:        true,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 2,
			Timeout:          Duration(60 * time.Second),
		},
		Modules: ModulesConfig{
			Enabled:  []string{"system", "security", "python", "nodejs", "docker"},
			Settings: map[string]map[string]interface{}{},
		},
		Hooks: HooksConfig{
			Dir: "",
			Events: []string{
				engine.HookBeforeInstall,
				engine.HookAfterInstall,
				engine.HookBeforeModuleValidate,
				engine.HookAfterModuleValidate,
				engine.HookBeforeModuleConfigure,
				engine.HookAfterModuleConfigure,
				engine.HookOnModuleError,
				engine.HookOnInstallError,
			},
		},
		Policy: PolicyConfig{
			Dir:         "",
			Enabled:     true,
			DenyOnError: false,
		},
		Store: StoreConfig{
			Path: "/var/lib/workstation/history.db",
		},
		Telemetry: TelemetryConfig{
			Logging: LoggingConfig{
				Level:  "info",
				Format: "console",
				Output: "stderr",
			},
			Metrics: MetricsConfig{
				Enabled:       false,
				ListenAddress: ":9090",
			},
			Tracing: TracingConfig{
				Enabled:      false,
				Exporter:     "none",
				SamplingRate: 1.0,
			},
			Events: EventsSectionConfig{
				Enabled:    true,
				BufferSize: 1000,
				Async:      false,
			},
		},
		Plugins: PluginsConfig{
			Dir:        "",
			Enabled:    false,
			MemLimitMB: 64,
		},
	}
}

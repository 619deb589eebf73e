package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Environment variables honored by Load. They override whatever the file
// (or the defaults) provided.
const (
	EnvLogLevel = "WORKSTATION_LOG_LEVEL"
	EnvDryRun   = "WORKSTATION_DRY_RUN"
)

// Load reads the YAML configuration at path and returns the validated typed
// tree. A missing file is not an error: defaults apply, then environment
// overrides, then validation, same as for a present file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Parse(nil)
		}
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML bytes over DefaultConfig, applies environment
// overrides, and validates the result. nil or empty data yields the
// validated defaults.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()

	if len(data) > 0 {
		var raw map[string]interface{}
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
		if raw == nil {
			raw = map[string]interface{}{}
		}

		sv, err := newSchemaValidator()
		if err != nil {
			return nil, err
		}
		if err := sv.validate(raw); err != nil {
			return nil, err
		}

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to decode config: %w", err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnvOverrides applies the WORKSTATION_* environment variables.
func applyEnvOverrides(cfg *Config) error {
	if level := os.Getenv(EnvLogLevel); level != "" {
		cfg.Telemetry.Logging.Level = level
	}

	if dryRun := os.Getenv(EnvDryRun); dryRun != "" {
		parsed, err := strconv.ParseBool(dryRun)
		if err != nil {
			return fmt.Errorf("invalid %s value %q: %w", EnvDryRun, dryRun, err)
		}
		cfg.Installer.DryRun = parsed
	}

	return nil
}

// Validate runs struct validation over the typed tree.
func Validate(cfg *Config) error {
	v := validator.New()
	if err := v.Struct(cfg); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}

// Tree renders the effective configuration as a raw nested map, the shape
// the dotted-path accessor reads. Per-module settings maps surface as
// modules.<name>.* keys.
func (c *Config) Tree() (map[string]interface{}, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to render config tree: %w", err)
	}

	var tree map[string]interface{}
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return nil, fmt.Errorf("failed to rebuild config tree: %w", err)
	}

	return tree, nil
}

// Accessor returns a read-only dotted-path view over the effective
// configuration. Module code receives only this, never the typed tree.
func (c *Config) Accessor() (*MapAccessor, error) {
	tree, err := c.Tree()
	if err != nil {
		return nil, err
	}
	return NewAccessor(tree), nil
}

// Digest returns a stable content address of the effective configuration,
// recorded with each run for audit.
func (c *Config) Digest() (string, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("failed to digest config: %w", err)
	}

	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

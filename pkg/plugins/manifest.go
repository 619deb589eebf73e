package plugins

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/yunaamelia/debian-vps-workstation-sub001/pkg/engine"
)

// ManifestFileName is the file the loader looks for in each plugin directory.
const ManifestFileName = "plugin.yaml"

var pluginNameRE = regexp.MustCompile(`^[a-z][a-z0-9-]*$`)

// settingTypes are the value types a manifest config field may declare.
var settingTypes = map[string]bool{
	"string":  true,
	"int":     true,
	"bool":    true,
	"strings": true,
}

// Manifest describes one WASM plugin: its identity, scheduling descriptor
// fields, the wasm entry point, and the settings schema its module reads
// from modules.<name>.* at run time.
type Manifest struct {
	// Name is the module name the plugin registers under.
	Name string `yaml:"name"`

	// Version is the plugin version, recorded in logs.
	Version string `yaml:"version"`

	// Entry is the wasm binary path, relative to the manifest directory
	// unless absolute.
	Entry string `yaml:"entry"`

	// DependsOn lists modules that must finish before this plugin runs.
	DependsOn []string `yaml:"depends_on"`

	// Priority is the informational ordering hint within a batch.
	Priority int `yaml:"priority"`

	// ForceSequential makes the plugin run alone in its batch.
	ForceSequential bool `yaml:"force_sequential"`

	// Mandatory makes a plugin failure halt the install.
	Mandatory bool `yaml:"mandatory"`

	// Checksum is an optional sha256 hex digest of the wasm binary.
	Checksum string `yaml:"checksum"`

	// Config declares the settings the plugin reads, keyed by setting name.
	Config map[string]ConfigField `yaml:"config"`

	// Path is the manifest file path, set by LoadManifest.
	Path string `yaml:"-"`

	// WasmPath is the resolved wasm binary path, set by LoadManifest.
	WasmPath string `yaml:"-"`
}

// ConfigField declares one plugin setting.
type ConfigField struct {
	// Type is one of string, int, bool, or strings.
	Type string `yaml:"type"`

	// Default documents the value the plugin assumes when the setting
	// is absent. The loader does not inject it; the plugin applies it.
	Default interface{} `yaml:"default"`

	// Required fails the load when the setting is missing.
	Required bool `yaml:"required"`

	// Description documents the setting.
	Description string `yaml:"description"`
}

// LoadManifest reads and validates a plugin.yaml and resolves the wasm
// binary path next to it.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plugin manifest: %w", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse plugin manifest %s: %w", path, err)
	}
	m.Path = path

	if err := m.validate(); err != nil {
		return nil, fmt.Errorf("invalid plugin manifest %s: %w", path, err)
	}

	if filepath.IsAbs(m.Entry) {
		m.WasmPath = m.Entry
	} else {
		m.WasmPath = filepath.Join(filepath.Dir(path), m.Entry)
	}
	if _, err := os.Stat(m.WasmPath); err != nil {
		return nil, fmt.Errorf("plugin wasm binary not found at %s: %w", m.WasmPath, err)
	}

	return &m, nil
}

// validate checks the manifest fields that do not touch the filesystem.
func (m *Manifest) validate() error {
	if m.Name == "" {
		return fmt.Errorf("plugin name is required")
	}
	if !pluginNameRE.MatchString(m.Name) {
		return fmt.Errorf("plugin name %q must match %s", m.Name, pluginNameRE.String())
	}
	if m.Version == "" {
		return fmt.Errorf("plugin version is required")
	}
	if m.Entry == "" {
		return fmt.Errorf("plugin entry is required")
	}

	for key, field := range m.Config {
		if key == "" {
			return fmt.Errorf("config field name must not be empty")
		}
		if !settingTypes[field.Type] {
			return fmt.Errorf("config field %s: unknown type %q", key, field.Type)
		}
	}

	return nil
}

// VerifyChecksum compares the wasm binary against the manifest checksum.
func (m *Manifest) VerifyChecksum(wasm []byte) error {
	sum := sha256.Sum256(wasm)
	computed := hex.EncodeToString(sum[:])
	if computed != m.Checksum {
		return fmt.Errorf("wasm checksum mismatch for plugin %s: manifest %s, binary %s",
			m.Name, m.Checksum, computed)
	}
	return nil
}

// ValidateSettings checks the plugin's modules.<name>.* settings against the
// declared config fields: required ones must be present, present ones must
// match their declared type. Undeclared settings pass through untouched.
func (m *Manifest) ValidateSettings(accessor engine.Accessor) error {
	keys := make([]string, 0, len(m.Config))
	for key := range m.Config {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		field := m.Config[key]
		path := settingPath(m.Name, key)

		v := accessor.Get(path, nil)
		if v == nil {
			if field.Required {
				return fmt.Errorf("plugin %s requires setting %s", m.Name, path)
			}
			continue
		}

		if !settingMatchesType(v, field.Type) {
			return fmt.Errorf("setting %s must be of type %s", path, field.Type)
		}
	}

	return nil
}

// settingPath returns the dotted config path for a plugin setting.
func settingPath(plugin, key string) string {
	return "modules." + plugin + "." + key
}

// settingMatchesType reports whether a raw config value satisfies a declared
// field type. Numeric widening mirrors the accessor's integer handling.
func settingMatchesType(v interface{}, fieldType string) bool {
	switch fieldType {
	case "string":
		_, ok := v.(string)
		return ok
	case "bool":
		_, ok := v.(bool)
		return ok
	case "int":
		switch n := v.(type) {
		case int, int64, uint64:
			return true
		case float64:
			return n == float64(int(n))
		default:
			return false
		}
	case "strings":
		switch list := v.(type) {
		case []string:
			return true
		case []interface{}:
			for _, item := range list {
				if _, ok := item.(string); !ok {
					return false
				}
			}
			return true
		default:
			return false
		}
	default:
		return false
	}
}

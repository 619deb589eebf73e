package plugins

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/yunaamelia/debian-vps-workstation-sub001/pkg/config"
	"github.com/yunaamelia/debian-vps-workstation-sub001/pkg/engine"
)

func newTestRuntime(t *testing.T, accessor engine.Accessor) *Runtime {
	t.Helper()

	rt, err := NewRuntime(context.Background(), RuntimeConfig{}, accessor, zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create runtime: %v", err)
	}
	t.Cleanup(func() {
		rt.Close(context.Background())
	})
	return rt
}

const loaderManifest = `
name: %s
version: 0.1.0
entry: plugin.wasm
`

func TestLoaderSkipsNonPluginEntries(t *testing.T) {
	root := t.TempDir()
	accessor := config.NewAccessor(nil)

	if err := os.WriteFile(filepath.Join(root, "README.md"), []byte("docs"), 0o644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(root, "not-a-plugin"), 0o755); err != nil {
		t.Fatalf("Failed to create dir: %v", err)
	}

	loader := NewLoader(root, newTestRuntime(t, accessor), accessor, zerolog.Nop())
	modules, err := loader.LoadModules(context.Background())
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if len(modules) != 0 {
		t.Errorf("Expected no modules, got %d", len(modules))
	}
}

func TestLoaderMissingDir(t *testing.T) {
	accessor := config.NewAccessor(nil)
	loader := NewLoader(filepath.Join(t.TempDir(), "absent"), newTestRuntime(t, accessor), accessor, zerolog.Nop())

	modules, err := loader.LoadModules(context.Background())
	if err != nil {
		t.Fatalf("Expected missing directory to load nothing, got %v", err)
	}
	if len(modules) != 0 {
		t.Errorf("Expected no modules, got %d", len(modules))
	}
}

func TestLoaderBadWasm(t *testing.T) {
	root := t.TempDir()
	accessor := config.NewAccessor(nil)
	writePluginDir(t, root, "broken", strings.Replace(loaderManifest, "%s", "broken", 1), []byte("not wasm"))

	loader := NewLoader(root, newTestRuntime(t, accessor), accessor, zerolog.Nop())
	_, err := loader.LoadModules(context.Background())
	if err == nil {
		t.Fatal("Expected error for invalid wasm binary")
	}
	if !strings.Contains(err.Error(), "broken") {
		t.Errorf("Expected error to name the plugin, got %q", err.Error())
	}
}

func TestLoaderDisabledPlugin(t *testing.T) {
	root := t.TempDir()
	accessor := config.NewAccessor(map[string]interface{}{
		"modules": map[string]interface{}{
			"off": map[string]interface{}{
				"enabled": false,
			},
		},
	})
	// The wasm is garbage: a disabled plugin must never be instantiated.
	writePluginDir(t, root, "off", strings.Replace(loaderManifest, "%s", "off", 1), []byte("not wasm"))

	loader := NewLoader(root, newTestRuntime(t, accessor), accessor, zerolog.Nop())
	modules, err := loader.LoadModules(context.Background())
	if err != nil {
		t.Fatalf("Expected disabled plugin to be skipped, got %v", err)
	}
	if len(modules) != 0 {
		t.Errorf("Expected no modules, got %d", len(modules))
	}
}

func TestLoaderChecksumMismatch(t *testing.T) {
	root := t.TempDir()
	accessor := config.NewAccessor(nil)

	other := sha256.Sum256([]byte("other content"))
	manifest := strings.Replace(loaderManifest, "%s", "sealed", 1) +
		"checksum: " + hex.EncodeToString(other[:]) + "\n"
	writePluginDir(t, root, "sealed", manifest, []byte("actual wasm"))

	loader := NewLoader(root, newTestRuntime(t, accessor), accessor, zerolog.Nop())
	_, err := loader.LoadModules(context.Background())
	if err == nil {
		t.Fatal("Expected checksum mismatch error")
	}
	if !strings.Contains(err.Error(), "checksum mismatch") {
		t.Errorf("Expected checksum error, got %q", err.Error())
	}
}

func TestLoaderDirNameMismatch(t *testing.T) {
	root := t.TempDir()
	accessor := config.NewAccessor(nil)
	writePluginDir(t, root, "alpha", strings.Replace(loaderManifest, "%s", "beta", 1), []byte("fake wasm"))

	loader := NewLoader(root, newTestRuntime(t, accessor), accessor, zerolog.Nop())
	_, err := loader.LoadModules(context.Background())
	if err == nil {
		t.Fatal("Expected directory name mismatch error")
	}
	if !strings.Contains(err.Error(), "does not match manifest name") {
		t.Errorf("Expected mismatch error, got %q", err.Error())
	}
}

func TestLoaderRequiredSettingMissing(t *testing.T) {
	root := t.TempDir()
	accessor := config.NewAccessor(nil)

	manifest := strings.Replace(loaderManifest, "%s", "strict", 1) + `config:
  token:
    type: string
    required: true
`
	writePluginDir(t, root, "strict", manifest, []byte("fake wasm"))

	loader := NewLoader(root, newTestRuntime(t, accessor), accessor, zerolog.Nop())
	_, err := loader.LoadModules(context.Background())
	if err == nil {
		t.Fatal("Expected error for missing required setting")
	}
	if !strings.Contains(err.Error(), "requires setting") {
		t.Errorf("Expected required setting error, got %q", err.Error())
	}
}

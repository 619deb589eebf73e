package hooks

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/yunaamelia/debian-vps-workstation-sub001/pkg/engine"
)

// knownEvents are the hook events the installer fires. A script file whose
// base name is not one of these is ignored with a warning.
var knownEvents = map[string]bool{
	engine.HookBeforeInstall:         true,
	engine.HookAfterInstall:          true,
	engine.HookBeforeModuleValidate:  true,
	engine.HookAfterModuleValidate:   true,
	engine.HookBeforeModuleConfigure: true,
	engine.HookAfterModuleConfigure:  true,
	engine.HookOnModuleError:         true,
	engine.HookOnInstallError:        true,
}

// DirLoader discovers <event>.star scripts in a hooks directory and binds
// them to a dispatcher.
type DirLoader struct {
	dir     string
	timeout time.Duration
	logger  zerolog.Logger
}

// NewDirLoader creates a loader for the given directory. A zero timeout is
// passed through to the handlers, which apply DefaultScriptTimeout.
func NewDirLoader(dir string, timeout time.Duration, logger zerolog.Logger) *DirLoader {
	return &DirLoader{dir: dir, timeout: timeout, logger: logger}
}

// Bind registers one StarlarkHandler per recognized script and returns the
// number bound. A missing or empty directory binds nothing and is not an
// error; hooks are optional.
func (l *DirLoader) Bind(d *Dispatcher) (int, error) {
	if l.dir == "" {
		return 0, nil
	}

	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read hooks directory %s: %w", l.dir, err)
	}

	bound := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".star") {
			continue
		}

		event := strings.TrimSuffix(entry.Name(), ".star")
		if !knownEvents[event] {
			l.logger.Warn().
				Str("file", entry.Name()).
				Msg("Hook script does not match any event, skipping")
			continue
		}

		path := filepath.Join(l.dir, entry.Name())
		d.Register(event, NewStarlarkHandler(path, l.timeout, l.logger))
		bound++

		l.logger.Debug().
			Str("event", event).
			Str("path", path).
			Msg("Bound hook script")
	}

	return bound, nil
}

package modules

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/yunaamelia/debian-vps-workstation-sub001/pkg/engine"
)

// Deps carries the collaborators a module factory receives. The runner,
// ledger, and logger are shared by every module in a run.
type Deps struct {
	// Config is the dotted-path configuration accessor.
	Config engine.Accessor

	// Runner executes host commands.
	Runner Runner

	// Ledger records undo actions for rollback.
	Ledger *engine.RollbackLedger

	// Logger is the parent logger; factories attach their module name.
	Logger zerolog.Logger
}

// Factory constructs one module from its collaborators.
type Factory func(deps Deps) engine.Module

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register adds a module factory under its name. Built-in modules register
// at package init; calling Register twice for one name is a programming
// error and panics.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if _, dup := registry[name]; dup {
		panic("modules: Register called twice for " + name)
	}
	registry[name] = factory
}

// Registered returns the registered module names in sorted order.
func Registered() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Build constructs the named modules in the given order. Unknown and
// duplicate names are configuration errors.
func Build(names []string, deps Deps) ([]engine.Module, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()

	seen := make(map[string]bool, len(names))
	built := make([]engine.Module, 0, len(names))
	for _, name := range names {
		if seen[name] {
			return nil, engine.NewConfigError(fmt.Sprintf("module %s enabled twice", name), nil)
		}
		seen[name] = true

		factory, ok := registry[name]
		if !ok {
			known := make([]string, 0, len(registry))
			for n := range registry {
				known = append(known, n)
			}
			sort.Strings(known)
			return nil, engine.NewConfigError(
				fmt.Sprintf("unknown module %s (registered: %v)", name, known), nil)
		}
		built = append(built, factory(deps))
	}
	return built, nil
}

// meta carries the scheduling descriptor shared by the built-in modules.
type meta struct {
	name            string
	dependsOn       []string
	priority        int
	forceSequential bool
	mandatory       bool
}

func (m meta) Name() string          { return m.name }
func (m meta) Priority() int         { return m.priority }
func (m meta) ForceSequential() bool { return m.forceSequential }
func (m meta) Mandatory() bool       { return m.mandatory }

func (m meta) DependsOn() []string {
	return append([]string(nil), m.dependsOn...)
}

// newMeta builds a descriptor, letting configuration override the priority
// hint at modules.<name>.priority.
func newMeta(cfg engine.Accessor, name string, dependsOn []string, priority int, forceSequential, mandatory bool) meta {
	return meta{
		name:            name,
		dependsOn:       dependsOn,
		priority:        cfg.GetInt("modules."+name+".priority", priority),
		forceSequential: forceSequential,
		mandatory:       mandatory,
	}
}

package engine

// defaultDependencyTable is the static fallback used when a module declares
// no dependencies of its own. Unknown module names have no fallback.
var defaultDependencyTable = map[string][]string{
	"system":     {},
	"security":   {"system"},
	"python":     {"system"},
	"nodejs":     {"system"},
	"golang":     {"system"},
	"docker":     {"system", "security"},
	"monitoring": {"system"},
}

// DefaultDependencies returns the fallback dependency list for a module name.
func DefaultDependencies(name string) []string {
	deps, ok := defaultDependencyTable[name]
	if !ok {
		return nil
	}
	return append([]string(nil), deps...)
}

// DescriptorFor derives a module's scheduling descriptor, filling the
// dependency list from the default table when the module declares none.
func DescriptorFor(m Module) ModuleDescriptor {
	deps := m.DependsOn()
	if len(deps) == 0 {
		deps = DefaultDependencies(m.Name())
	}
	return ModuleDescriptor{
		Name:            m.Name(),
		DependsOn:       deps,
		Priority:        m.Priority(),
		ForceSequential: m.ForceSequential(),
		Mandatory:       m.Mandatory(),
	}
}

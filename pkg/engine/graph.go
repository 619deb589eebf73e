package engine

import (
	"fmt"
	"strings"
)

// DependencyGraph builds the module dependency graph and computes execution
// batches. Edges run dep -> module: a module may only run after every
// dependency's batch has fully finished.
type DependencyGraph struct {
	// nodes maps module names to their graph nodes
	nodes map[string]*moduleNode

	// order records names in first-seen order; it drives the deterministic
	// frontier ordering inside ExecutionBatches
	order []string
}

// moduleNode is a single module entry in the dependency graph.
type moduleNode struct {
	// name is the module name
	name string

	// dependsOn lists the declared dependencies
	dependsOn []string

	// forceSequential isolates the module into a singleton batch
	forceSequential bool

	// registered distinguishes added modules from placeholder nodes that
	// were only referenced as a dependency
	registered bool
}

// NewDependencyGraph creates an empty dependency graph.
func NewDependencyGraph() *DependencyGraph {
	return &DependencyGraph{
		nodes: make(map[string]*moduleNode),
		order: make([]string, 0),
	}
}

// AddModule registers a module and its dependency edges. Dependencies that
// have not been registered yet are created as placeholders; Validate reports
// them if they are never registered.
func (g *DependencyGraph) AddModule(name string, dependsOn []string, forceSequential bool) error {
	if name == "" {
		return NewGraphError("module has empty name", nil)
	}

	node, exists := g.nodes[name]
	if exists && node.registered {
		return NewGraphError(fmt.Sprintf("duplicate module: %s", name), nil)
	}

	if !exists {
		node = &moduleNode{name: name}
		g.nodes[name] = node
		g.order = append(g.order, name)
	}

	node.dependsOn = append([]string(nil), dependsOn...)
	node.forceSequential = forceSequential
	node.registered = true

	for _, dep := range dependsOn {
		if dep == name {
			return NewGraphError(fmt.Sprintf("module %s depends on itself", name), nil)
		}
		if _, ok := g.nodes[dep]; !ok {
			g.nodes[dep] = &moduleNode{name: dep}
			g.order = append(g.order, dep)
		}
	}

	return nil
}

// Len returns the number of known modules, placeholders included.
func (g *DependencyGraph) Len() int {
	return len(g.nodes)
}

// Modules returns all module names in first-seen order.
func (g *DependencyGraph) Modules() []string {
	return append([]string(nil), g.order...)
}

// Validate checks the graph for missing dependencies and cycles.
// Cycle errors name every module on the detected cycle.
func (g *DependencyGraph) Validate() error {
	if err := g.checkRegistered(); err != nil {
		return err
	}
	return g.detectCycles()
}

// checkRegistered reports the first dependency that was referenced but
// never registered as a module.
func (g *DependencyGraph) checkRegistered() error {
	for _, name := range g.order {
		node := g.nodes[name]
		for _, dep := range node.dependsOn {
			if !g.nodes[dep].registered {
				return NewGraphError(
					fmt.Sprintf("module %s depends on unregistered module %s", name, dep),
					nil,
				).WithModule(name)
			}
		}
	}
	return nil
}

// detectCycles uses depth-first search to detect circular dependencies.
func (g *DependencyGraph) detectCycles() error {
	visited := make(map[string]bool)
	recStack := make(map[string]bool)
	path := make([]string, 0)

	for _, name := range g.order {
		if !visited[name] {
			if cycle, err := g.detectCyclesUtil(name, visited, recStack, path); err != nil {
				return NewGraphError(
					fmt.Sprintf("circular dependency detected: %s", formatCycle(cycle)),
					nil,
				)
			}
		}
	}

	return nil
}

// detectCyclesUtil performs DFS to detect cycles in the dependency graph.
func (g *DependencyGraph) detectCyclesUtil(
	name string,
	visited map[string]bool,
	recStack map[string]bool,
	path []string,
) ([]string, error) {
	visited[name] = true
	recStack[name] = true
	path = append(path, name)

	for _, dep := range g.nodes[name].dependsOn {
		if !visited[dep] {
			if cycle, err := g.detectCyclesUtil(dep, visited, recStack, path); err != nil {
				return cycle, err
			}
		} else if recStack[dep] {
			// Found a cycle - construct the cycle path
			cycleStart := -1
			for i, id := range path {
				if id == dep {
					cycleStart = i
					break
				}
			}
			if cycleStart >= 0 {
				return append(path[cycleStart:], dep), fmt.Errorf("cycle detected")
			}
		}
	}

	recStack[name] = false
	return nil, nil
}

// ExecutionBatches computes the ordered batch plan using Kahn's algorithm
// with force-sequential isolation. Each iteration takes the current frontier
// (in-degree zero, first-seen order), emits its force-sequential members as
// singleton batches one at a time, then the rest as one parallel batch.
// Newly freed modules wait for the next iteration.
func (g *DependencyGraph) ExecutionBatches() ([][]string, error) {
	if err := g.checkRegistered(); err != nil {
		return nil, err
	}

	inDegree := make(map[string]int, len(g.nodes))
	dependents := make(map[string][]string, len(g.nodes))
	for _, name := range g.order {
		inDegree[name] = len(g.nodes[name].dependsOn)
		for _, dep := range g.nodes[name].dependsOn {
			dependents[dep] = append(dependents[dep], name)
		}
	}

	remaining := make(map[string]bool, len(g.nodes))
	for _, name := range g.order {
		remaining[name] = true
	}

	remove := func(name string) {
		delete(remaining, name)
		for _, succ := range dependents[name] {
			inDegree[succ]--
		}
	}

	batches := make([][]string, 0)
	for len(remaining) > 0 {
		frontier := make([]string, 0)
		for _, name := range g.order {
			if remaining[name] && inDegree[name] == 0 {
				frontier = append(frontier, name)
			}
		}

		if len(frontier) == 0 {
			left := make([]string, 0, len(remaining))
			for _, name := range g.order {
				if remaining[name] {
					left = append(left, name)
				}
			}
			return nil, NewGraphError(
				fmt.Sprintf("dependency cycle among remaining modules: %s", strings.Join(left, ", ")),
				nil,
			)
		}

		parallel := make([]string, 0, len(frontier))
		for _, name := range frontier {
			if g.nodes[name].forceSequential {
				batches = append(batches, []string{name})
				remove(name)
			} else {
				parallel = append(parallel, name)
			}
		}

		if len(parallel) > 0 {
			batches = append(batches, parallel)
			for _, name := range parallel {
				remove(name)
			}
		}
	}

	return batches, nil
}

// formatCycle formats a cycle path for error messages.
func formatCycle(cycle []string) string {
	if len(cycle) == 0 {
		return ""
	}
	return strings.Join(cycle, " -> ")
}

// ToDOT generates a DOT format representation of the graph for visualization.
// The output can be rendered with Graphviz tools.
func (g *DependencyGraph) ToDOT() string {
	var sb strings.Builder

	sb.WriteString("digraph InstallGraph {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	batches, err := g.ExecutionBatches()
	if err == nil {
		for i, batch := range batches {
			sb.WriteString(fmt.Sprintf("  subgraph cluster_batch_%d {\n", i))
			sb.WriteString(fmt.Sprintf("    label=\"Batch %d\";\n", i))
			sb.WriteString("    style=dashed;\n")
			for _, name := range batch {
				color := "lightblue"
				if g.nodes[name].forceSequential {
					color = "lightyellow"
				}
				sb.WriteString(fmt.Sprintf("    \"%s\" [fillcolor=\"%s\", style=\"filled,rounded\"];\n",
					name, color))
			}
			sb.WriteString("  }\n\n")
		}
	} else {
		for _, name := range g.order {
			sb.WriteString(fmt.Sprintf("  \"%s\";\n", name))
		}
	}

	for _, name := range g.order {
		for _, dep := range g.nodes[name].dependsOn {
			sb.WriteString(fmt.Sprintf("  \"%s\" -> \"%s\";\n", dep, name))
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

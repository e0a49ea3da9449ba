package engine

import (
	"fmt"
	"sort"
	"strings"
)

// graphNode is one module in the dependency graph.
type graphNode struct {
	name            string
	dependsOn       []string
	forceSequential bool

	// declared is false for nodes that were auto-inserted because another
	// module referenced them before (or without) being added themselves.
	declared bool
}

// DependencyGraph is a directed graph of module -> dependency edges plus
// scheduling hints. It produces ordered batches of modules that are safe to
// run concurrently.
type DependencyGraph struct {
	// nodes maps module names to their graph nodes.
	nodes map[string]*graphNode

	// order records insertion order so batch output is deterministic.
	order []string

	// dependents maps a module name to the modules that depend on it.
	dependents map[string][]string

	// inDegree tracks the number of unsatisfied dependencies per module.
	inDegree map[string]int
}

// NewDependencyGraph creates an empty dependency graph.
func NewDependencyGraph() *DependencyGraph {
	return &DependencyGraph{
		nodes:      make(map[string]*graphNode),
		dependents: make(map[string][]string),
		inDegree:   make(map[string]int),
	}
}

// AddModule inserts a module with its declared dependencies. Any dependency
// that has not been added yet is auto-inserted as a placeholder node, with
// an edge dependency -> name; the placeholder becomes a real module if it is
// added later. Adding the same module twice is an error.
func (g *DependencyGraph) AddModule(name string, dependsOn []string, forceSequential bool) error {
	if name == "" {
		return NewPermanentError("module has empty name", nil).
			WithCode(ErrCodeValidation)
	}

	if existing, ok := g.nodes[name]; ok {
		if existing.declared {
			return NewPermanentError(fmt.Sprintf("duplicate module: %s", name), nil).
				WithCode(ErrCodeValidation)
		}
		// Placeholder inserted earlier by a dependent; promote it.
		existing.declared = true
		existing.dependsOn = append([]string(nil), dependsOn...)
		existing.forceSequential = forceSequential
	} else {
		g.nodes[name] = &graphNode{
			name:            name,
			dependsOn:       append([]string(nil), dependsOn...),
			forceSequential: forceSequential,
			declared:        true,
		}
		g.order = append(g.order, name)
	}

	for _, dep := range dependsOn {
		if dep == name {
			return NewPermanentError(fmt.Sprintf("module %s depends on itself", name), nil).
				WithCode(ErrCodeCycle).WithModule(name)
		}
		if _, ok := g.nodes[dep]; !ok {
			g.nodes[dep] = &graphNode{name: dep}
			g.order = append(g.order, dep)
		}
		g.dependents[dep] = append(g.dependents[dep], name)
	}

	return nil
}

// Len returns the number of modules in the graph, placeholders included.
func (g *DependencyGraph) Len() int {
	return len(g.nodes)
}

// ForceSequential reports whether the named module carries the
// force-sequential hint.
func (g *DependencyGraph) ForceSequential(name string) bool {
	node, ok := g.nodes[name]
	return ok && node.forceSequential
}

// Validate checks the graph for structural problems. It returns an error for
// a dependency cycle or for a dependency that was referenced but never added
// as a module. A disconnected graph is not an error; it is reported through
// the returned warnings.
func (g *DependencyGraph) Validate() ([]string, error) {
	var undeclared []string
	for _, name := range g.order {
		if !g.nodes[name].declared {
			undeclared = append(undeclared, name)
		}
	}
	if len(undeclared) > 0 {
		sort.Strings(undeclared)
		return nil, NewPermanentError(
			fmt.Sprintf("dependencies referenced but never added as modules: %s",
				strings.Join(undeclared, ", ")),
			nil,
		).WithCode(ErrCodeValidation)
	}

	if cycle := g.findCycle(); len(cycle) > 0 {
		return nil, NewPermanentError(
			fmt.Sprintf("circular dependency detected: %s", strings.Join(cycle, " -> ")),
			nil,
		).WithCode(ErrCodeCycle)
	}

	var warnings []string
	if n := g.componentCount(); n > 1 {
		warnings = append(warnings,
			fmt.Sprintf("dependency graph is disconnected (%d components)", n))
	}

	return warnings, nil
}

// findCycle runs depth-first search over dependency edges and returns the
// first cycle found as a path, or nil.
func (g *DependencyGraph) findCycle() []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(g.nodes))

	var path []string
	var cycle []string

	var visit func(name string) bool
	visit = func(name string) bool {
		color[name] = gray
		path = append(path, name)

		for _, dep := range g.nodes[name].dependsOn {
			switch color[dep] {
			case white:
				if visit(dep) {
					return true
				}
			case gray:
				// Cut the path back to where the cycle starts.
				start := 0
				for i, n := range path {
					if n == dep {
						start = i
						break
					}
				}
				cycle = append(append([]string(nil), path[start:]...), dep)
				return true
			}
		}

		color[name] = black
		path = path[:len(path)-1]
		return false
	}

	for _, name := range g.order {
		if color[name] == white {
			if visit(name) {
				return cycle
			}
		}
	}
	return nil
}

// componentCount returns the number of weakly connected components.
func (g *DependencyGraph) componentCount() int {
	if len(g.nodes) == 0 {
		return 0
	}

	// Undirected adjacency over dependency edges.
	adj := make(map[string][]string, len(g.nodes))
	for name, node := range g.nodes {
		for _, dep := range node.dependsOn {
			adj[name] = append(adj[name], dep)
			adj[dep] = append(adj[dep], name)
		}
	}

	seen := make(map[string]bool, len(g.nodes))
	count := 0
	for _, name := range g.order {
		if seen[name] {
			continue
		}
		count++
		stack := []string{name}
		for len(stack) > 0 {
			n := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if seen[n] {
				continue
			}
			seen[n] = true
			stack = append(stack, adj[n]...)
		}
	}
	return count
}

// ParallelBatches computes the execution batches using Kahn's algorithm.
// At each step the frontier is every module whose dependencies are all
// satisfied. Force-sequential modules in the frontier each become their own
// singleton batch, in discovery order; the remaining frontier modules form
// one combined batch. An empty frontier while modules remain signals a
// cycle; the error names the stuck modules and no partial result is
// returned.
func (g *DependencyGraph) ParallelBatches() ([]Batch, error) {
	inDegree := make(map[string]int, len(g.nodes))
	for name := range g.nodes {
		inDegree[name] = len(g.nodes[name].dependsOn)
	}

	remaining := len(g.nodes)
	var batches []Batch

	for remaining > 0 {
		// Frontier in insertion order keeps output deterministic.
		var frontier []string
		for _, name := range g.order {
			if deg, ok := inDegree[name]; ok && deg == 0 {
				frontier = append(frontier, name)
			}
		}

		if len(frontier) == 0 {
			var stuck []string
			for _, name := range g.order {
				if _, ok := inDegree[name]; ok {
					stuck = append(stuck, name)
				}
			}
			return nil, NewPermanentError(
				fmt.Sprintf("circular dependency: cannot schedule modules: %s",
					strings.Join(stuck, ", ")),
				nil,
			).WithCode(ErrCodeCycle)
		}

		var combined Batch
		for _, name := range frontier {
			if g.nodes[name].forceSequential {
				batches = append(batches, Batch{name})
			} else {
				combined = append(combined, name)
			}
		}
		if len(combined) > 0 {
			batches = append(batches, combined)
		}

		// Remove the whole frontier, then recompute.
		for _, name := range frontier {
			delete(inDegree, name)
			remaining--
			for _, dependent := range g.dependents[name] {
				if _, ok := inDegree[dependent]; ok {
					inDegree[dependent]--
				}
			}
		}
	}

	return batches, nil
}

// ToDOT generates a DOT format representation of the graph for rendering
// with Graphviz tools. Batches are grouped into dashed clusters.
func (g *DependencyGraph) ToDOT() (string, error) {
	batches, err := g.ParallelBatches()
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString("digraph InstallGraph {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for i, batch := range batches {
		sb.WriteString(fmt.Sprintf("  subgraph cluster_batch_%d {\n", i))
		sb.WriteString(fmt.Sprintf("    label=\"Batch %d\";\n", i))
		sb.WriteString("    style=dashed;\n")
		for _, name := range batch {
			shape := ""
			if g.nodes[name].forceSequential {
				shape = ", fillcolor=\"lightyellow\", style=\"filled,rounded\""
			}
			sb.WriteString(fmt.Sprintf("    \"%s\" [label=\"%s\"%s];\n", name, name, shape))
		}
		sb.WriteString("  }\n\n")
	}

	for _, name := range g.order {
		for _, dep := range g.nodes[name].dependsOn {
			sb.WriteString(fmt.Sprintf("  \"%s\" -> \"%s\";\n", dep, name))
		}
	}

	sb.WriteString("}\n")
	return sb.String(), nil
}

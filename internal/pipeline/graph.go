package pipeline

import (
	"fmt"
	"sort"
	"strings"
)

// Graph is the action dependency DAG of a pipeline.
type Graph struct {
	// nodes are action names
	nodes map[string]bool

	// edges map an action to the actions it needs
	edges map[string][]string

	// dependents is the reverse edge set
	dependents map[string][]string
}

// CycleError indicates a circular dependency between actions.
type CycleError struct {
	Cycle []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("circular dependency between actions: %s", strings.Join(e.Cycle, " -> "))
}

// MissingDependencyError indicates an action needs an action that does not
// exist.
type MissingDependencyError struct {
	Action     string
	Dependency string
}

func (e *MissingDependencyError) Error() string {
	return fmt.Sprintf("action %q needs non-existent action %q", e.Action, e.Dependency)
}

// NewGraph builds the dependency graph of a pipeline, verifying that every
// needed action exists and that there are no cycles.
func NewGraph(p *Pipeline) (*Graph, error) {
	g := &Graph{
		nodes:      make(map[string]bool),
		edges:      make(map[string][]string),
		dependents: make(map[string][]string),
	}

	for name := range p.Actions {
		g.nodes[name] = true
	}

	for name, action := range p.Actions {
		g.edges[name] = append([]string(nil), action.Needs...)
		for _, dep := range action.Needs {
			if !g.nodes[dep] {
				return nil, &MissingDependencyError{Action: name, Dependency: dep}
			}
			g.dependents[dep] = append(g.dependents[dep], name)
		}
	}

	if _, err := g.TopologicalSort(); err != nil {
		return nil, err
	}
	return g, nil
}

// TopologicalSort returns action names in a valid execution order using
// Kahn's algorithm, which doubles as cycle detection. Ordering is
// deterministic: ties break alphabetically.
func (g *Graph) TopologicalSort() ([]string, error) {
	inDegree := make(map[string]int)
	for node := range g.nodes {
		inDegree[node] = len(g.edges[node])
	}

	var queue []string
	for node := range g.nodes {
		if inDegree[node] == 0 {
			queue = append(queue, node)
		}
	}
	sort.Strings(queue)

	var result []string
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		result = append(result, current)

		dependents := append([]string(nil), g.dependents[current]...)
		sort.Strings(dependents)
		for _, dependent := range dependents {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
		sort.Strings(queue)
	}

	if len(result) != len(g.nodes) {
		return nil, &CycleError{Cycle: g.findCycle()}
	}
	return result, nil
}

// Needs returns the direct dependencies of an action.
func (g *Graph) Needs(action string) []string {
	return append([]string(nil), g.edges[action]...)
}

// Dependents returns the actions which need the given action.
func (g *Graph) Dependents(action string) []string {
	return append([]string(nil), g.dependents[action]...)
}

// findCycle locates a cycle path for error reporting.
func (g *Graph) findCycle() []string {
	const (
		white = 0 // unvisited
		gray  = 1 // visiting
		black = 2 // visited
	)

	color := make(map[string]int)
	parent := make(map[string]string)
	for node := range g.nodes {
		color[node] = white
	}

	var cycle []string
	var dfs func(string) bool

	dfs = func(node string) bool {
		color[node] = gray

		deps := append([]string(nil), g.edges[node]...)
		sort.Strings(deps)
		for _, dep := range deps {
			if color[dep] == gray {
				cycle = []string{dep}
				current := node
				for current != dep {
					cycle = append([]string{current}, cycle...)
					current = parent[current]
				}
				cycle = append(cycle, dep)
				return true
			}
			if color[dep] == white {
				parent[dep] = node
				if dfs(dep) {
					return true
				}
			}
		}

		color[node] = black
		return false
	}

	var nodes []string
	for node := range g.nodes {
		nodes = append(nodes, node)
	}
	sort.Strings(nodes)

	for _, node := range nodes {
		if color[node] == white && dfs(node) {
			return cycle
		}
	}
	return nil
}

package phase

import (
	"fmt"
	"strings"

	"conveyor/internal/services"
)

// Graph holds the validated phase dependency graph. Construction fails fast
// on unknown or cyclic dependencies; a bad declaration is a configuration
// error, never a runtime one.
type Graph struct {
	defs  map[string]Definition
	order []string
}

// NewGraph validates the declarations and returns the dependency graph.
func NewGraph(defs []Definition) (*Graph, error) {
	byID := make(map[string]Definition, len(defs))
	for _, def := range defs {
		if def.ID == "" {
			return nil, services.Wrap(services.ErrConfiguration, "planner", "build graph", "phase id must not be empty", nil)
		}
		if _, dup := byID[def.ID]; dup {
			return nil, services.Wrap(services.ErrConfiguration, "planner", "build graph",
				fmt.Sprintf("duplicate phase %q", def.ID), nil)
		}
		byID[def.ID] = def
	}
	for _, def := range defs {
		for _, dep := range def.Dependencies {
			if _, ok := byID[dep]; !ok {
				return nil, services.Wrap(services.ErrConfiguration, "planner", "build graph",
					fmt.Sprintf("phase %q depends on unknown phase %q", def.ID, dep), nil)
			}
		}
	}

	order, err := topologicalOrder(defs, byID)
	if err != nil {
		return nil, err
	}

	return &Graph{defs: byID, order: order}, nil
}

// topologicalOrder runs Kahn's algorithm; leftovers indicate a cycle.
func topologicalOrder(defs []Definition, byID map[string]Definition) ([]string, error) {
	indegree := make(map[string]int, len(defs))
	dependents := make(map[string][]string, len(defs))
	for _, def := range defs {
		indegree[def.ID] = len(def.Dependencies)
		for _, dep := range def.Dependencies {
			dependents[dep] = append(dependents[dep], def.ID)
		}
	}

	queue := make([]string, 0, len(defs))
	for _, def := range defs {
		if indegree[def.ID] == 0 {
			queue = append(queue, def.ID)
		}
	}

	order := make([]string, 0, len(defs))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if len(order) != len(defs) {
		remaining := make([]string, 0, len(defs)-len(order))
		for id, deg := range indegree {
			if deg > 0 {
				remaining = append(remaining, id)
			}
		}
		return nil, services.Wrap(services.ErrConfiguration, "planner", "build graph",
			fmt.Sprintf("cyclic dependency among phases: %s", strings.Join(remaining, ", ")), nil)
	}
	return order, nil
}

// Definition returns the declaration for a phase identifier.
func (g *Graph) Definition(id string) (Definition, bool) {
	def, ok := g.defs[id]
	return def, ok
}

// Definitions returns all declarations in topological order.
func (g *Graph) Definitions() []Definition {
	defs := make([]Definition, 0, len(g.order))
	for _, id := range g.order {
		defs = append(defs, g.defs[id])
	}
	return defs
}

// Len returns the number of declared phases.
func (g *Graph) Len() int { return len(g.order) }

// NextRunnable computes every phase whose dependencies are all satisfied and
// whose own status is pending. The returned set carries no ordering
// guarantee; callers dispatch it concurrently and must persist every result
// before planning again.
func (g *Graph) NextRunnable(state State) []Definition {
	var runnable []Definition
	for _, id := range g.order {
		if state.StatusOf(id) != StatusPending {
			continue
		}
		if g.dependenciesSatisfied(id, state) {
			runnable = append(runnable, g.defs[id])
		}
	}
	return runnable
}

func (g *Graph) dependenciesSatisfied(id string, state State) bool {
	for _, dep := range g.defs[id].Dependencies {
		switch state.StatusOf(dep) {
		case StatusSucceeded:
		case StatusSkipped:
			if !g.defs[dep].Optional {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// Blocked returns pending phases that can never become runnable: a
// dependency failed, was skipped without being optional, or is itself
// blocked. The orchestrator marks these skipped so the run reaches a
// terminal state.
func (g *Graph) Blocked(state State) []string {
	blocked := make(map[string]struct{})
	for _, id := range g.order {
		if state.StatusOf(id) != StatusPending {
			continue
		}
		for _, dep := range g.defs[id].Dependencies {
			if _, depBlocked := blocked[dep]; depBlocked {
				blocked[id] = struct{}{}
				break
			}
			switch state.StatusOf(dep) {
			case StatusFailed:
				blocked[id] = struct{}{}
			case StatusSkipped:
				if !g.defs[dep].Optional {
					blocked[id] = struct{}{}
				}
			}
			if _, done := blocked[id]; done {
				break
			}
		}
	}

	out := make([]string, 0, len(blocked))
	for _, id := range g.order {
		if _, ok := blocked[id]; ok {
			out = append(out, id)
		}
	}
	return out
}

// Terminal reports whether the run is finished: every phase reached a
// terminal status, or a fatal phase failed.
func (g *Graph) Terminal(state State) bool {
	if _, fatal := g.FatalFailure(state); fatal {
		return true
	}
	for _, id := range g.order {
		if !state.StatusOf(id).Terminal() {
			return false
		}
	}
	return true
}

// Failed reports whether any phase failed.
func (g *Graph) Failed(state State) bool {
	for _, id := range g.order {
		if state.StatusOf(id) == StatusFailed {
			return true
		}
	}
	return false
}

// FatalFailure returns the first failed phase declared fatal, if any.
func (g *Graph) FatalFailure(state State) (string, bool) {
	for _, id := range g.order {
		if g.defs[id].Fatal && state.StatusOf(id) == StatusFailed {
			return id, true
		}
	}
	return "", false
}

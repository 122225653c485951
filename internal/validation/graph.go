package validation

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rendis/imagechain/pkg/schema"
)

// Options tunes structural graph validation.
type Options struct {
	// AllowBranching accepts fan-in/fan-out graphs. They are executed in
	// topological order as if linear, so alternate paths are not threaded.
	AllowBranching bool
}

// ValidateGraph checks that g describes a single well-formed pipeline:
// unique non-empty step IDs, edges between known steps, no self-loops,
// no cycles, one weakly connected component and (unless branching is
// allowed) a strict chain shape. All issues are collected.
func ValidateGraph(g *schema.Graph, opts Options) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if g == nil {
		result.AddError("/", schema.ErrCodeValidation, "graph is nil")
		return result
	}

	index := make(map[string]int, len(g.Steps))
	for i, s := range g.Steps {
		path := fmt.Sprintf("steps[%d]", i)
		if strings.TrimSpace(s.ID) == "" {
			result.AddError(path+".id", schema.ErrCodeValidation, fmt.Sprintf("step %d has an empty id", i))
			continue
		}
		if _, dup := index[s.ID]; dup {
			result.AddError(path+".id", schema.ErrCodeValidation, fmt.Sprintf("duplicate step id %q", s.ID))
			continue
		}
		index[s.ID] = i
		if strings.TrimSpace(s.Prompt) == "" {
			result.AddError(path+".prompt", schema.ErrCodeValidation, fmt.Sprintf("step %q has an empty prompt", s.ID))
		}
	}

	outgoing := make([][]int, len(g.Steps))
	incoming := make([][]int, len(g.Steps))
	seenEdge := make(map[schema.Edge]bool, len(g.Edges))
	for i, e := range g.Edges {
		path := fmt.Sprintf("edges[%d]", i)
		from, okFrom := index[e.From]
		to, okTo := index[e.To]
		if !okFrom {
			result.AddError(path+".from", schema.ErrCodeValidation, fmt.Sprintf("edge references unknown step %q", e.From))
		}
		if !okTo {
			result.AddError(path+".to", schema.ErrCodeValidation, fmt.Sprintf("edge references unknown step %q", e.To))
		}
		if !okFrom || !okTo {
			continue
		}
		if from == to {
			result.AddError(path, schema.ErrCodeValidation, fmt.Sprintf("step %q cannot connect to itself", e.From))
			continue
		}
		if seenEdge[e] {
			result.AddWarning(path, schema.ErrCodeValidation, fmt.Sprintf("duplicate edge %s -> %s ignored", e.From, e.To))
			continue
		}
		seenEdge[e] = true
		outgoing[from] = append(outgoing[from], to)
		incoming[to] = append(incoming[to], from)
	}

	// Graph analysis is meaningless over broken references.
	if !result.Valid() {
		return result
	}
	for i := range outgoing {
		sort.Ints(outgoing[i])
	}

	if cycle := findCycle(g.Steps, outgoing); len(cycle) > 0 {
		result.AddError("edges", schema.ErrCodeCycleDetected,
			fmt.Sprintf("cycle detected: %s", strings.Join(cycle, " -> ")))
		return result
	}

	if stray := unconnected(outgoing, incoming); len(stray) > 0 {
		ids := make([]string, 0, len(stray))
		for _, i := range stray {
			ids = append(ids, fmt.Sprintf("%q", g.Steps[i].ID))
		}
		result.AddError("steps", schema.ErrCodeDisconnected,
			fmt.Sprintf("graph is disconnected: %s not connected to step %q", strings.Join(ids, ", "), g.Steps[0].ID))
		return result
	}

	if opts.AllowBranching {
		return result
	}
	for i, s := range g.Steps {
		if n := len(incoming[i]); n > 1 {
			result.AddError(fmt.Sprintf("steps[%d]", i), schema.ErrCodeNotAChain,
				fmt.Sprintf("step %q has %d incoming edges; a pipeline must be a single chain", s.ID, n))
		}
		if n := len(outgoing[i]); n > 1 {
			result.AddError(fmt.Sprintf("steps[%d]", i), schema.ErrCodeNotAChain,
				fmt.Sprintf("step %q has %d outgoing edges; a pipeline must be a single chain", s.ID, n))
		}
	}
	return result
}

// findCycle runs a DFS in step insertion order and returns one stable
// cycle witness as step IDs, first and last equal. Nil when acyclic.
func findCycle(steps []schema.Step, outgoing [][]int) []string {
	const (
		white = iota
		gray
		black
	)

	color := make([]int, len(steps))
	parent := make([]int, len(steps))
	for i := range parent {
		parent[i] = -1
	}

	var cycle []int
	var visit func(u int) bool
	visit = func(u int) bool {
		color[u] = gray
		for _, v := range outgoing[u] {
			switch color[v] {
			case white:
				parent[v] = u
				if visit(v) {
					return true
				}
			case gray:
				// Back edge u -> v closes v ... u -> v.
				cycle = append(cycle, v)
				for cur := u; cur != -1 && cur != v; cur = parent[cur] {
					cycle = append(cycle, cur)
				}
				cycle = append(cycle, v)
				return true
			}
		}
		color[u] = black
		return false
	}

	for i := range steps {
		if color[i] == white && visit(i) {
			break
		}
	}
	if len(cycle) == 0 {
		return nil
	}

	out := make([]string, 0, len(cycle))
	for i := len(cycle) - 1; i >= 0; i-- {
		out = append(out, steps[cycle[i]].ID)
	}
	return out
}

// unconnected returns the steps not weakly connected to the first step.
func unconnected(outgoing, incoming [][]int) []int {
	if len(outgoing) == 0 {
		return nil
	}
	reached := make([]bool, len(outgoing))
	reached[0] = true
	queue := []int{0}
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		for _, next := range append(append([]int(nil), outgoing[node]...), incoming[node]...) {
			if !reached[next] {
				reached[next] = true
				queue = append(queue, next)
			}
		}
	}

	var stray []int
	for i, ok := range reached {
		if !ok {
			stray = append(stray, i)
		}
	}
	return stray
}

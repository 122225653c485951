package engine

import (
	"container/heap"

	"github.com/rendis/imagechain/internal/validation"
	"github.com/rendis/imagechain/pkg/schema"
)

// DAG is the ordered form of a validated graph.
type DAG struct {
	Steps        map[string]schema.Step // step ID → step
	Successors   map[string][]string    // step ID → steps that run after it
	Predecessors map[string][]string    // step ID → steps that run before it
	Sorted       []string               // topological order
	Roots        []string               // steps with no incoming edges
}

// ParseDAG validates g and orders it with Kahn's algorithm. Ties between
// ready steps are broken by their position in g.Steps, so the same graph
// always yields the same order. Any validation failure is returned as a
// VALIDATION_ERROR before anything is executed.
func ParseDAG(g *schema.Graph, opts validation.Options) (*DAG, error) {
	if err := validation.ValidateGraph(g, opts).ToError(); err != nil {
		return nil, err
	}

	dag := &DAG{
		Steps:        make(map[string]schema.Step, len(g.Steps)),
		Successors:   make(map[string][]string, len(g.Steps)),
		Predecessors: make(map[string][]string, len(g.Steps)),
	}

	index := make(map[string]int, len(g.Steps))
	for i, s := range g.Steps {
		dag.Steps[s.ID] = s
		index[s.ID] = i
	}

	outgoing := make([][]int, len(g.Steps))
	inDegree := make([]int, len(g.Steps))
	seen := make(map[schema.Edge]bool, len(g.Edges))
	for _, e := range g.Edges {
		if seen[e] {
			continue
		}
		seen[e] = true
		from, to := index[e.From], index[e.To]
		outgoing[from] = append(outgoing[from], to)
		inDegree[to]++
		dag.Successors[e.From] = append(dag.Successors[e.From], e.To)
		dag.Predecessors[e.To] = append(dag.Predecessors[e.To], e.From)
	}

	ready := &indexHeap{}
	for i, deg := range inDegree {
		if deg == 0 {
			heap.Push(ready, i)
			dag.Roots = append(dag.Roots, g.Steps[i].ID)
		}
	}

	sorted := make([]string, 0, len(g.Steps))
	for ready.Len() > 0 {
		node := heap.Pop(ready).(int)
		sorted = append(sorted, g.Steps[node].ID)
		for _, next := range outgoing[node] {
			inDegree[next]--
			if inDegree[next] == 0 {
				heap.Push(ready, next)
			}
		}
	}

	if len(sorted) != len(g.Steps) {
		return nil, schema.NewError(schema.ErrCodeValidation, "graph contains a cycle or an unreachable component").
			WithDetails(map[string]any{"codes": []string{schema.ErrCodeCycleDetected}})
	}

	dag.Sorted = sorted
	return dag, nil
}

// Chain returns the steps in execution order.
func (d *DAG) Chain() []schema.Step {
	steps := make([]schema.Step, 0, len(d.Sorted))
	for _, id := range d.Sorted {
		steps = append(steps, d.Steps[id])
	}
	return steps
}

// Order returns the steps of g in execution order, or a validation error.
// An empty graph yields an empty order.
func Order(g *schema.Graph, opts validation.Options) ([]schema.Step, error) {
	dag, err := ParseDAG(g, opts)
	if err != nil {
		return nil, err
	}
	return dag.Chain(), nil
}

// indexHeap pops the smallest step index first.
type indexHeap []int

func (h indexHeap) Len() int           { return len(h) }
func (h indexHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h indexHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *indexHeap) Push(x any)        { *h = append(*h, x.(int)) }
func (h *indexHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

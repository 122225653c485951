package diagram

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/rendis/imagechain/internal/engine"
	"github.com/rendis/imagechain/internal/store"
	"github.com/rendis/imagechain/internal/validation"
	"github.com/rendis/imagechain/pkg/schema"
)

const (
	startID = "__start__"
	endID   = "__end__"
)

// Build constructs a DiagramModel from a graph and, optionally, the
// execution records of a run over it. With records every step gets a
// status overlay; steps the run never reached are pending.
func Build(g *schema.Graph, opts validation.Options, records []*schema.ExecutionRecord) (*DiagramModel, error) {
	dag, err := engine.ParseDAG(g, opts)
	if err != nil {
		return nil, fmt.Errorf("diagram: order graph: %w", err)
	}

	nodes := make([]*Node, 0, len(dag.Sorted)+2)
	nodes = append(nodes, &Node{ID: startID, Label: "Start", Kind: NodeKindStart})
	for _, id := range dag.Sorted {
		nodes = append(nodes, stepToNode(dag.Steps[id]))
	}
	nodes = append(nodes, &Node{ID: endID, Label: "End", Kind: NodeKindEnd})

	if records != nil {
		overlayStatus(nodes, records)
	}

	return &DiagramModel{
		Title:  titleFromGraph(g),
		Nodes:  nodes,
		Edges:  buildEdges(dag),
		Levels: buildLevels(dag),
	}, nil
}

// ForRun builds the diagram of a persisted run with its step statuses.
func ForRun(ctx context.Context, s store.Store, runID string) (*DiagramModel, error) {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	var g schema.Graph
	if err := json.Unmarshal(run.Graph, &g); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "run %s: decode stored graph", runID).WithCause(err)
	}
	records, err := s.ListRecords(ctx, runID)
	if err != nil {
		return nil, err
	}
	if records == nil {
		records = []*schema.ExecutionRecord{}
	}

	// The stored graph already ran, so its shape is not re-checked.
	model, err := Build(&g, validation.Options{AllowBranching: true}, records)
	if err != nil {
		return nil, err
	}
	if run.Name != "" {
		model.Title = run.Name
	}
	model.Title = fmt.Sprintf("%s (%s)", model.Title, run.Status)
	return model, nil
}

func stepToNode(step schema.Step) *Node {
	kind := NodeKindCustom
	if step.Kind == schema.StepKindPrebuilt {
		kind = NodeKindPrebuilt
	}
	return &Node{ID: step.ID, Label: step.DisplayName(), Kind: kind}
}

// overlayStatus folds records into per-step overlays.
func overlayStatus(nodes []*Node, records []*schema.ExecutionRecord) {
	byStep := make(map[string]*StatusOverlay)
	for _, rec := range records {
		ov, ok := byStep[rec.StepID]
		if !ok {
			ov = &StatusOverlay{}
			byStep[rec.StepID] = ov
		}
		ov.DurationMs += rec.DurationMs
		if rec.Backend != "" && !slices.Contains(ov.Backends, rec.Backend) {
			ov.Backends = append(ov.Backends, rec.Backend)
		}
		if rec.Outcome == schema.OutcomeSuccess {
			ov.Succeeded++
		} else {
			ov.Failed++
			ov.Error = rec.Error
		}
	}

	for _, node := range nodes {
		if node.Kind == NodeKindStart || node.Kind == NodeKindEnd {
			continue
		}
		ov, ok := byStep[node.ID]
		switch {
		case !ok:
			ov = &StatusOverlay{Status: StatusPending}
		case ov.Failed > 0:
			ov.Status = StatusFailed
		default:
			ov.Status = StatusCompleted
		}
		node.Status = ov
	}
}

// buildEdges links start to the roots, every graph edge in execution
// order, and the leaves to end.
func buildEdges(dag *engine.DAG) []Edge {
	edges := make([]Edge, 0, len(dag.Sorted)+len(dag.Roots)+1)
	for _, root := range dag.Roots {
		edges = append(edges, Edge{From: startID, To: root})
	}
	for _, id := range dag.Sorted {
		for _, next := range dag.Successors[id] {
			edges = append(edges, Edge{From: id, To: next})
		}
	}
	for _, id := range dag.Sorted {
		if len(dag.Successors[id]) == 0 {
			edges = append(edges, Edge{From: id, To: endID})
		}
	}
	if len(dag.Sorted) == 0 {
		edges = append(edges, Edge{From: startID, To: endID})
	}
	return edges
}

// buildLevels groups steps by their longest distance from a root and
// wraps them with the virtual start and end levels.
func buildLevels(dag *engine.DAG) [][]string {
	depth := make(map[string]int, len(dag.Sorted))
	maxDepth := -1
	for _, id := range dag.Sorted {
		d := 0
		for _, prev := range dag.Predecessors[id] {
			d = max(d, depth[prev]+1)
		}
		depth[id] = d
		maxDepth = max(maxDepth, d)
	}

	levels := make([][]string, 0, maxDepth+3)
	levels = append(levels, []string{startID})
	for d := 0; d <= maxDepth; d++ {
		var level []string
		for _, id := range dag.Sorted {
			if depth[id] == d {
				level = append(level, id)
			}
		}
		levels = append(levels, level)
	}
	levels = append(levels, []string{endID})
	return levels
}

func titleFromGraph(g *schema.Graph) string {
	if g.Name != "" {
		return g.Name
	}
	return "Graph"
}

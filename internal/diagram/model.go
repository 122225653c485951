package diagram

// NodeKind classifies a diagram node.
type NodeKind string

const (
	NodeKindPrebuilt NodeKind = "prebuilt"
	NodeKindCustom   NodeKind = "custom"
	NodeKindStart    NodeKind = "start"
	NodeKindEnd      NodeKind = "end"
)

// Step statuses shown on a diagram.
const (
	StatusCompleted = "completed" // every attempt succeeded
	StatusFailed    = "failed"    // at least one attempt failed
	StatusPending   = "pending"   // the run never reached the step
)

// DiagramModel is the intermediate representation used by all renderers.
type DiagramModel struct {
	Title  string
	Nodes  []*Node
	Edges  []Edge
	Levels [][]string
}

// Node represents a single step in the diagram.
type Node struct {
	ID     string
	Label  string
	Kind   NodeKind
	Status *StatusOverlay
}

// StatusOverlay summarizes a run's execution records for one step.
type StatusOverlay struct {
	Status     string
	Succeeded  int // images the step finished
	Failed     int
	DurationMs int64
	Backends   []string // backends that served the step, first use order
	Error      string   // last failure
}

// Edge represents an ordering constraint between two nodes.
type Edge struct {
	From  string
	To    string
	Label string
}

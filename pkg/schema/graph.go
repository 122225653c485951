package schema

// StepKind records where a step came from. It never changes execution.
type StepKind string

const (
	StepKindPrebuilt StepKind = "prebuilt"
	StepKindCustom   StepKind = "custom"
)

// Step is one image transformation in a workflow graph.
// Steps are immutable; an edit replaces the step wholesale.
type Step struct {
	ID     string   `json:"id"`
	Name   string   `json:"name"`
	Prompt string   `json:"prompt"`
	Kind   StepKind `json:"kind,omitempty"`
}

// DisplayName returns the step name, falling back to its ID.
func (s Step) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	return s.ID
}

// Edge is a directed connection: From must run before To.
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Graph is the set of steps and edges built by an editor.
// Steps keep their insertion order, which breaks ordering ties.
// The engine never mutates a Graph.
type Graph struct {
	Name  string `json:"name,omitempty"`
	Steps []Step `json:"steps"`
	Edges []Edge `json:"edges,omitempty"`
}

// Step returns the step with the given ID.
func (g *Graph) Step(id string) (Step, bool) {
	for _, s := range g.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return Step{}, false
}

// Image is an input image: identity, display name and encoded bytes.
type Image struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	MediaType string `json:"media_type"`
	Data      []byte `json:"data"`
}

// Label returns the display name, falling back to the ID.
func (img Image) Label() string {
	if img.Name != "" {
		return img.Name
	}
	return img.ID
}

// Output is the final result of one image's chain, tagged with the
// originating image's identity and filename.
type Output struct {
	ImageID   string `json:"image_id"`
	Name      string `json:"name"`
	MediaType string `json:"media_type"`
	Data      []byte `json:"data"`
}

package schema

import "time"

// Outcome of one (image, step) attempt.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// ExecutionRecord is an append-only log entry for one (image, step) attempt.
// Records are never mutated after they are appended.
type ExecutionRecord struct {
	RunID      string    `json:"run_id"`
	Sequence   int64     `json:"sequence"`
	ImageID    string    `json:"image_id"`
	ImageName  string    `json:"image_name"`
	StepID     string    `json:"step_id"`
	StepName   string    `json:"step_name"`
	Outcome    Outcome   `json:"outcome"`
	Backend    string    `json:"backend,omitempty"`
	Cost       float64   `json:"cost"`
	Credits    int       `json:"credits"`
	Error      string    `json:"error,omitempty"`
	DurationMs int64     `json:"duration_ms"`
	Timestamp  time.Time `json:"timestamp"`
}

package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/imagechain/pkg/schema"
)

// Run is a persisted batch execution.
type Run struct {
	ID          string           `json:"id"`
	Name        string           `json:"name,omitempty"`
	Graph       json.RawMessage  `json:"graph"`
	Status      schema.RunStatus `json:"status"`
	ImageCount  int              `json:"image_count"`
	StepCount   int              `json:"step_count"`
	OutputCount int              `json:"output_count"`
	Error       json.RawMessage  `json:"error,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	StartedAt   *time.Time       `json:"started_at,omitempty"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// RunUpdate holds the mutable fields of a run. Nil fields are left alone.
type RunUpdate struct {
	Status      *schema.RunStatus
	StartedAt   *time.Time
	CompletedAt *time.Time
	OutputCount *int
	Error       json.RawMessage
}

// RunFilter narrows ListRuns.
type RunFilter struct {
	Status *schema.RunStatus
	Since  *time.Time
	Limit  int
	Offset int
}

// Event is an entry in a run's append-only event log.
type Event struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"run_id"`
	ImageID   string          `json:"image_id,omitempty"`
	StepID    string          `json:"step_id,omitempty"`
	Type      string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
}

// EventFilter narrows GetEventsByType.
type EventFilter struct {
	RunID string
	Since *time.Time
	Limit int
}

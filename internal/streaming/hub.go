package streaming

import "context"

// StreamEvent is a real-time event emitted while a run executes.
type StreamEvent struct {
	RunID     string `json:"run_id"`
	ImageID   string `json:"image_id,omitempty"`
	StepID    string `json:"step_id,omitempty"`
	EventType string `json:"event_type"`
	Sequence  int64  `json:"sequence,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// EventFilter specifies which events a subscriber wants to receive.
type EventFilter struct {
	RunID      string   `json:"run_id,omitempty"`
	ImageID    string   `json:"image_id,omitempty"`
	EventTypes []string `json:"event_types,omitempty"`
}

// EventHub provides pub/sub for real-time run events.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}

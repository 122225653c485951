package engine

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/rendis/imagechain/internal/logging"
	"github.com/rendis/imagechain/internal/store"
	"github.com/rendis/imagechain/internal/streaming"
)

// EventAppender is satisfied by the Store; used to persist run events.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

// emitter fans run events out to the event log and the live hub.
// Either sink may be nil. Failures are logged and never returned: the
// event log is a record of the run, not a precondition for it.
type emitter struct {
	appender EventAppender
	hub      streaming.EventHub
	logger   *slog.Logger
}

func (e *emitter) emit(ctx context.Context, runID, imageID, stepID, eventType string, payload map[string]any) {
	// Terminal events are emitted after the run context may have been cancelled.
	ctx = context.WithoutCancel(ctx)

	var seq int64
	if e.appender != nil {
		event := &store.Event{RunID: runID, ImageID: imageID, StepID: stepID, Type: eventType}
		if len(payload) > 0 {
			raw, err := json.Marshal(payload)
			if err != nil {
				logging.LogWith(ctx, e.logger).Warn("encode event payload", "event_type", eventType, "error", err)
			} else {
				event.Payload = raw
			}
		}
		if err := e.appender.AppendEvent(ctx, event); err != nil {
			logging.LogWith(ctx, e.logger).Warn("append event", "event_type", eventType, "error", err)
		}
		seq = event.Sequence
	}

	if e.hub != nil {
		err := e.hub.Publish(ctx, streaming.StreamEvent{
			RunID:     runID,
			ImageID:   imageID,
			StepID:    stepID,
			EventType: eventType,
			Sequence:  seq,
			Payload:   payload,
		})
		if err != nil {
			logging.LogWith(ctx, e.logger).Warn("publish event", "event_type", eventType, "error", err)
		}
	}
}

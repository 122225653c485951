package mcp

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/imagechain/internal/streaming"
	"github.com/rendis/imagechain/pkg/schema"
)

// notificationMethod is the MCP method run events are pushed under.
const notificationMethod = "notifications/message"

// notificationSender is the part of *server.MCPServer the notifier uses.
type notificationSender interface {
	SendNotificationToSpecificClient(sessionID string, method string, params map[string]any) error
}

// RunNotifier pushes run events to the MCP session that started the run.
type RunNotifier struct {
	sender   notificationSender
	sessions *SessionRegistry
	logger   *slog.Logger
}

// NewRunNotifier creates a notifier that pushes via MCP notifications.
func NewRunNotifier(sender notificationSender, sessions *SessionRegistry, logger *slog.Logger) *RunNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &RunNotifier{sender: sender, sessions: sessions, logger: logger}
}

// Notify sends one event to its run's session.
// Best-effort: returns nil if the run has no known session.
func (n *RunNotifier) Notify(event streaming.StreamEvent) error {
	sessionID, ok := n.sessions.SessionFor(event.RunID)
	if !ok {
		return nil
	}
	if isTerminal(event.EventType) {
		n.sessions.Forget(event.RunID)
	}

	err := n.sender.SendNotificationToSpecificClient(sessionID, notificationMethod, map[string]any{
		"level":  "info",
		"logger": "imagechain",
		"data":   event,
	})
	if errors.Is(err, server.ErrSessionNotFound) {
		// Session went away between lookup and send.
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}

// Forward subscribes to hub and notifies every event until ctx is done or
// stop is called. stop waits for the forwarding goroutine to exit.
func (n *RunNotifier) Forward(ctx context.Context, hub streaming.EventHub) (stop func(), err error) {
	ch, unsubscribe, err := hub.Subscribe(ctx, streaming.EventFilter{})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				if err := n.Notify(ev); err != nil {
					n.logger.Warn("push run event", "run_id", ev.RunID, "event_type", ev.EventType, "error", err)
				}
			}
		}
	}()

	return func() {
		cancel()
		unsubscribe()
		<-done
	}, nil
}

func isTerminal(eventType string) bool {
	switch eventType {
	case schema.EventRunCompleted, schema.EventRunFailed, schema.EventRunCancelled:
		return true
	}
	return false
}

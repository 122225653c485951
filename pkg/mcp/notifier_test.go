package mcp

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/imagechain/internal/streaming"
	"github.com/rendis/imagechain/pkg/schema"
)

type sentNotification struct {
	sessionID string
	method    string
	params    map[string]any
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sentNotification
	err  error
}

func (f *fakeSender) SendNotificationToSpecificClient(sessionID, method string, params map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sentNotification{sessionID, method, params})
	return nil
}

func (f *fakeSender) Sent() []sentNotification {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentNotification(nil), f.sent...)
}

func TestRunNotifier_Notify(t *testing.T) {
	sender := &fakeSender{}
	sessions := NewSessionRegistry()
	sessions.Register("run-1", "session-1")
	n := NewRunNotifier(sender, sessions, discardLogger())

	require.NoError(t, n.Notify(streaming.StreamEvent{RunID: "run-1", EventType: schema.EventStepStarted}))
	require.NoError(t, n.Notify(streaming.StreamEvent{RunID: "other", EventType: schema.EventStepStarted}))

	sent := sender.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "session-1", sent[0].sessionID)
	assert.Equal(t, notificationMethod, sent[0].method)
	assert.Equal(t, streaming.StreamEvent{RunID: "run-1", EventType: schema.EventStepStarted}, sent[0].params["data"])

	// A terminal event is the last one routed for the run.
	require.NoError(t, n.Notify(streaming.StreamEvent{RunID: "run-1", EventType: schema.EventRunCompleted}))
	_, ok := sessions.SessionFor("run-1")
	assert.False(t, ok)
	assert.Len(t, sender.Sent(), 2)
}

func TestRunNotifier_ExpiredSession(t *testing.T) {
	sender := &fakeSender{err: server.ErrSessionNotFound}
	sessions := NewSessionRegistry()
	sessions.Register("run-1", "session-1")
	sessions.Register("run-2", "session-1")
	n := NewRunNotifier(sender, sessions, discardLogger())

	assert.NoError(t, n.Notify(streaming.StreamEvent{RunID: "run-1", EventType: schema.EventStepStarted}))
	_, ok := sessions.SessionFor("run-2")
	assert.False(t, ok)

	sender.err = errors.New("broken pipe")
	sessions.Register("run-3", "session-2")
	assert.Error(t, n.Notify(streaming.StreamEvent{RunID: "run-3", EventType: schema.EventStepStarted}))
}

func TestRunNotifier_Forward(t *testing.T) {
	hub := streaming.NewMemoryHub()
	sender := &fakeSender{}
	sessions := NewSessionRegistry()
	sessions.Register("run-1", "session-1")
	n := NewRunNotifier(sender, sessions, discardLogger())

	stop, err := n.Forward(context.Background(), hub)
	require.NoError(t, err)
	assert.Equal(t, 1, hub.Subscribers())

	require.NoError(t, hub.Publish(context.Background(), streaming.StreamEvent{RunID: "run-1", EventType: schema.EventRunStarted}))
	require.Eventually(t, func() bool { return len(sender.Sent()) == 1 }, time.Second, 5*time.Millisecond)

	stop()
	assert.Equal(t, 0, hub.Subscribers())
}

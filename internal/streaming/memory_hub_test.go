package streaming

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func receive(t *testing.T, ch <-chan StreamEvent) StreamEvent {
	t.Helper()
	select {
	case got := <-ch:
		return got
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return StreamEvent{}
}

func assertNoEvent(t *testing.T, ch <-chan StreamEvent) {
	t.Helper()
	select {
	case evt, ok := <-ch:
		if ok {
			t.Fatalf("unexpected event: %+v", evt)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishSubscribe(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	event := StreamEvent{
		RunID:     "run-1",
		ImageID:   "img-1",
		StepID:    "bg",
		EventType: "step_completed",
		Payload:   map[string]any{"backend": "primary"},
	}
	require.NoError(t, hub.Publish(ctx, event))

	got := receive(t, ch)
	assert.Equal(t, event.RunID, got.RunID)
	assert.Equal(t, event.ImageID, got.ImageID)
	assert.Equal(t, event.StepID, got.StepID)
	assert.Equal(t, event.EventType, got.EventType)
}

func TestFilter(t *testing.T) {
	tests := []struct {
		name   string
		filter EventFilter
		events []StreamEvent
		want   []string
	}{
		{
			name:   "by run",
			filter: EventFilter{RunID: "run-1"},
			events: []StreamEvent{
				{RunID: "run-1", EventType: "a"},
				{RunID: "run-2", EventType: "b"},
			},
			want: []string{"a"},
		},
		{
			name:   "by image",
			filter: EventFilter{ImageID: "img-2"},
			events: []StreamEvent{
				{RunID: "run-1", ImageID: "img-1", EventType: "a"},
				{RunID: "run-1", ImageID: "img-2", EventType: "b"},
			},
			want: []string{"b"},
		},
		{
			name:   "by type",
			filter: EventFilter{EventTypes: []string{"step_completed", "run_failed"}},
			events: []StreamEvent{
				{RunID: "run-1", EventType: "step_completed"},
				{RunID: "run-1", EventType: "step_started"},
				{RunID: "run-1", EventType: "run_failed"},
			},
			want: []string{"step_completed", "run_failed"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hub := NewMemoryHub()
			ctx := context.Background()
			ch, cancel, err := hub.Subscribe(ctx, tt.filter)
			require.NoError(t, err)
			defer cancel()

			for _, e := range tt.events {
				require.NoError(t, hub.Publish(ctx, e))
			}
			var received []string
			for range tt.want {
				received = append(received, receive(t, ch).EventType)
			}
			assert.Equal(t, tt.want, received)
			assertNoEvent(t, ch)
		})
	}
}

func TestMultipleSubscribers(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch1, cancel1, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel1()

	ch2, cancel2, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel2()

	require.NoError(t, hub.Publish(ctx, StreamEvent{RunID: "run-1", EventType: "run_started"}))

	for _, ch := range []<-chan StreamEvent{ch1, ch2} {
		got := receive(t, ch)
		assert.Equal(t, "run-1", got.RunID)
	}
}

func TestCancelSubscription(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, hub.Subscribers())

	cancel()
	cancel()

	require.NoError(t, hub.Publish(ctx, StreamEvent{RunID: "run-1", EventType: "run_started"}))

	_, ok := <-ch
	assert.False(t, ok, "channel should be closed after cancel")
	assert.Equal(t, 0, hub.Subscribers())
}

func TestBackpressure(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	for i := 0; i < defaultChannelBuffer+10; i++ {
		require.NoError(t, hub.Publish(ctx, StreamEvent{RunID: "run-1", EventType: "tick"}))
	}

	drained := 0
	for len(ch) > 0 {
		<-ch
		drained++
	}
	assert.Equal(t, defaultChannelBuffer, drained)
	assert.Equal(t, uint64(10), hub.Dropped())
}

func TestConcurrentAccess(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()
	const goroutines = 20
	const eventsPerGoroutine = 50

	var wg sync.WaitGroup

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < eventsPerGoroutine; j++ {
				_ = hub.Publish(ctx, StreamEvent{RunID: "run-concurrent", EventType: "tick"})
			}
		}()
	}

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
			if err != nil {
				return
			}
			for range 5 {
				select {
				case <-ch:
				case <-time.After(10 * time.Millisecond):
				}
			}
			cancel()
		}()
	}

	wg.Wait()
	assert.Equal(t, 0, hub.Subscribers())
}

func TestPublishCancelledContext(t *testing.T) {
	hub := NewMemoryHub()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := hub.Publish(ctx, StreamEvent{RunID: "run-1", EventType: "tick"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSubscribeCancelledContext(t *testing.T) {
	hub := NewMemoryHub()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := hub.Subscribe(ctx, EventFilter{})
	assert.ErrorIs(t, err, context.Canceled)
}

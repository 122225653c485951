package engine

import (
	"context"
	"slices"
	"sync"

	"github.com/rendis/imagechain/pkg/schema"
)

// TransitionHook is called before or after a state transition.
type TransitionHook func(from, to schema.RunStatus) error

type runHookKey struct {
	from, to schema.RunStatus
}

// RunFSM validates run lifecycle transitions and emits the matching event.
// It holds no per-run state; callers pass the current status.
type RunFSM struct {
	mu     sync.Mutex
	events *emitter
	before map[runHookKey][]TransitionHook
	after  map[runHookKey][]TransitionHook
}

// newRunFSM creates a RunFSM that emits events through events (may be nil).
func newRunFSM(events *emitter) *RunFSM {
	return &RunFSM{
		events: events,
		before: make(map[runHookKey][]TransitionHook),
		after:  make(map[runHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a transition. A hook error aborts it.
func (f *RunFSM) OnBefore(from, to schema.RunStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := runHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a transition.
func (f *RunFSM) OnAfter(from, to schema.RunStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := runHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates and executes a run state transition, emitting the
// corresponding event with payload.
func (f *RunFSM) Transition(ctx context.Context, runID string, from, to schema.RunStatus, payload map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !isValidRunTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid run transition: %s -> %s", from, to).
			WithDetails(map[string]any{"run_id": runID, "from": string(from), "to": string(to)})
	}

	key := runHookKey{from, to}
	for _, hook := range f.before[key] {
		if err := hook(from, to); err != nil {
			return err
		}
	}

	if eventType := runEventType(to); eventType != "" && f.events != nil {
		f.events.emit(ctx, runID, "", "", eventType, payload)
	}

	for _, hook := range f.after[key] {
		if err := hook(from, to); err != nil {
			return err
		}
	}
	return nil
}

func isValidRunTransition(from, to schema.RunStatus) bool {
	return slices.Contains(ValidRunTransitions[from], to)
}

func runEventType(to schema.RunStatus) string {
	switch to {
	case schema.RunStatusRunning:
		return schema.EventRunStarted
	case schema.RunStatusCompleted:
		return schema.EventRunCompleted
	case schema.RunStatusFailed:
		return schema.EventRunFailed
	case schema.RunStatusCancelled:
		return schema.EventRunCancelled
	default:
		return ""
	}
}

// ValidRunTransitions defines the allowed state transitions for runs.
var ValidRunTransitions = map[schema.RunStatus][]schema.RunStatus{
	schema.RunStatusIdle:      {schema.RunStatusRunning, schema.RunStatusCancelled},
	schema.RunStatusRunning:   {schema.RunStatusCompleted, schema.RunStatusCancelled, schema.RunStatusFailed},
	schema.RunStatusCompleted: {},
	schema.RunStatusCancelled: {},
	schema.RunStatusFailed:    {},
}

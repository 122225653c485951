package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/imagechain/internal/backend"
	"github.com/rendis/imagechain/internal/store"
	"github.com/rendis/imagechain/pkg/schema"
)

func newTestManager(t *testing.T, poolSize int) (*Manager, *store.MemoryStore) {
	t.Helper()
	r, s := newTestRunner(t)
	m := NewManager(r, s, poolSize, discardLogger())
	t.Cleanup(m.Shutdown)
	return m, s
}

// blockingBackend signals started on its first call and blocks until the
// call is cancelled.
func blockingBackend(started chan<- struct{}) *fakeBackend {
	return &fakeBackend{name: "slow", fn: func(ctx context.Context, _ *backend.Request) (*backend.Response, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return nil, ctx.Err()
	}}
}

func TestManager_StartAndWait(t *testing.T) {
	m, s := newTestManager(t, 2)

	runID, err := m.Start(context.Background(), nil, &ExecuteRequest{
		Images:   testImages(),
		Steps:    twoSteps(),
		Backends: staticBackends(newClients(t, appendPrompt("primary"))),
	})
	require.NoError(t, err)
	require.NotEmpty(t, runID)

	res, err := m.Wait(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, res.Status)
	assert.Len(t, res.Outputs, 2)

	report, err := m.Status(context.Background(), runID)
	require.NoError(t, err)
	assert.False(t, report.Active)
	assert.Equal(t, schema.RunStatusCompleted, report.Run.Status)
	assert.Equal(t, 4, report.Totals.Attempts)
	assert.Equal(t, 4, report.Totals.Successes)
	assert.Equal(t, 4, report.Totals.ByBackend["primary"])

	_, err = s.GetRun(context.Background(), runID)
	require.NoError(t, err)
}

func TestManager_StartOrdersGraph(t *testing.T) {
	m, _ := newTestManager(t, 1)
	g := &schema.Graph{
		Steps: []schema.Step{{ID: "b", Prompt: "2"}, {ID: "a", Prompt: "1"}},
		Edges: []schema.Edge{{From: "a", To: "b"}},
	}

	runID, err := m.Start(context.Background(), g, &ExecuteRequest{
		Images:   testImages()[:1],
		Backends: staticBackends(newClients(t, appendPrompt("primary"))),
	})
	require.NoError(t, err)

	res, err := m.Wait(context.Background(), runID)
	require.NoError(t, err)
	require.Len(t, res.Outputs, 1)
	assert.Equal(t, []byte("A+1+2"), res.Outputs[0].Data)
}

func TestManager_CancelStopsRun(t *testing.T) {
	m, _ := newTestManager(t, 1)
	started := make(chan struct{}, 1)

	runID, err := m.Start(context.Background(), nil, &ExecuteRequest{
		Images:   testImages(),
		Steps:    twoSteps(),
		Backends: staticBackends(newClients(t, blockingBackend(started))),
	})
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("backend was never called")
	}
	assert.Contains(t, m.Active(), runID)
	assert.Equal(t, []string{runID}, m.Queue().Running)

	require.NoError(t, m.Cancel(runID))
	res, err := m.Wait(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCancelled, res.Status)
	assert.Empty(t, res.Records)
	assert.Empty(t, m.Active())
	require.Eventually(t, func() bool {
		return m.PoolMetrics().Cancelled == 1
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, m.Queue().Running)

	// Cancelling a finished run is a no-op.
	assert.NoError(t, m.Cancel(runID))
}

func TestManager_RunOutlivesStartContext(t *testing.T) {
	m, _ := newTestManager(t, 1)
	ctx, cancel := context.WithCancel(context.Background())

	runID, err := m.Start(ctx, nil, &ExecuteRequest{
		Images:   testImages(),
		Steps:    twoSteps(),
		Backends: staticBackends(newClients(t, appendPrompt("primary"))),
	})
	require.NoError(t, err)
	cancel()

	res, err := m.Wait(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, res.Status)
}

func TestManager_StartRejectsInvalidRequests(t *testing.T) {
	m, _ := newTestManager(t, 1)
	clients := newClients(t, appendPrompt("primary"))

	_, err := m.Start(context.Background(), nil, nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, err = m.Start(context.Background(), nil, &ExecuteRequest{Images: testImages(), Backends: staticBackends(clients)})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	cyclic := &schema.Graph{
		Steps: []schema.Step{{ID: "a", Prompt: "1"}, {ID: "b", Prompt: "2"}},
		Edges: []schema.Edge{{From: "a", To: "b"}, {From: "b", To: "a"}},
	}
	_, err = m.Start(context.Background(), cyclic, &ExecuteRequest{Images: testImages(), Backends: staticBackends(clients)})
	assert.True(t, schema.IsValidation(err))
	assert.Empty(t, m.Active())
}

func TestManager_DuplicateRunID(t *testing.T) {
	m, _ := newTestManager(t, 2)
	started := make(chan struct{}, 1)
	req := func(b backend.Backend) *ExecuteRequest {
		return &ExecuteRequest{
			RunID:    "fixed",
			Images:   testImages(),
			Steps:    twoSteps(),
			Backends: staticBackends(newClients(t, b)),
		}
	}

	_, err := m.Start(context.Background(), nil, req(blockingBackend(started)))
	require.NoError(t, err)
	<-started

	_, err = m.Start(context.Background(), nil, req(appendPrompt("primary")))
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))

	require.NoError(t, m.Cancel("fixed"))
	_, err = m.Wait(context.Background(), "fixed")
	require.NoError(t, err)
}

func TestManager_UnknownRun(t *testing.T) {
	m, _ := newTestManager(t, 1)

	assert.True(t, schema.IsCode(m.Cancel("missing"), schema.ErrCodeNotFound))
	_, err := m.Wait(context.Background(), "missing")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
	_, err = m.Status(context.Background(), "missing")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestManager_WaitHonoursContext(t *testing.T) {
	m, _ := newTestManager(t, 1)
	started := make(chan struct{}, 1)

	runID, err := m.Start(context.Background(), nil, &ExecuteRequest{
		Images:   testImages(),
		Steps:    twoSteps(),
		Backends: staticBackends(newClients(t, blockingBackend(started))),
	})
	require.NoError(t, err)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = m.Wait(ctx, runID)
	assert.True(t, schema.IsCancelled(err))

	report, err := m.Status(context.Background(), runID)
	require.NoError(t, err)
	assert.True(t, report.Active)
	assert.Equal(t, schema.RunStatusRunning, report.Run.Status)
}

func TestManager_ShutdownCancelsActiveRuns(t *testing.T) {
	r, _ := newTestRunner(t)
	m := NewManager(r, nil, 1, discardLogger())
	started := make(chan struct{}, 1)

	runID, err := m.Start(context.Background(), nil, &ExecuteRequest{
		Images:   testImages(),
		Steps:    twoSteps(),
		Backends: staticBackends(newClients(t, blockingBackend(started))),
	})
	require.NoError(t, err)
	<-started

	m.Shutdown()

	res, err := m.Wait(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCancelled, res.Status)

	_, err = m.Start(context.Background(), nil, &ExecuteRequest{
		Images:   testImages(),
		Steps:    twoSteps(),
		Backends: staticBackends(newClients(t, appendPrompt("primary"))),
	})
	assert.True(t, schema.IsCode(err, schema.ErrCodeFatal))

	_, err = m.Status(context.Background(), runID)
	assert.True(t, schema.IsCode(err, schema.ErrCodeStore))
}

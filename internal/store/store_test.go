package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/imagechain/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	s, err := NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() {
		_ = s.Close()
		_ = os.RemoveAll(dir)
	})
	return s
}

// forEachStore runs fn against every Store implementation.
func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Helper()
	t.Run("libsql", func(t *testing.T) { fn(t, newTestStore(t)) })
	t.Run("memory", func(t *testing.T) { fn(t, NewMemoryStore()) })
}

func seedRun(t *testing.T, s Store) *Run {
	t.Helper()
	run := &Run{
		ID:         uuid.New().String(),
		Name:       "product-shots",
		Graph:      json.RawMessage(`{"steps":[{"id":"a","prompt":"remove background"}]}`),
		ImageCount: 2,
		StepCount:  1,
	}
	require.NoError(t, s.CreateRun(context.Background(), run))
	return run
}

// --- Runs ---

func TestCreateAndGetRun(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		run := seedRun(t, s)

		got, err := s.GetRun(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, run.ID, got.ID)
		assert.Equal(t, "product-shots", got.Name)
		assert.Equal(t, schema.RunStatusIdle, got.Status)
		assert.Equal(t, 2, got.ImageCount)
		assert.Equal(t, 1, got.StepCount)
		assert.JSONEq(t, string(run.Graph), string(got.Graph))
		assert.Nil(t, got.StartedAt)
		assert.Nil(t, got.CompletedAt)
	})
}

func TestCreateRun_Duplicate(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		run := seedRun(t, s)
		err := s.CreateRun(context.Background(), &Run{ID: run.ID})
		require.Error(t, err)
		assert.True(t, schema.IsCode(err, schema.ErrCodeConflict), "got %v", err)
	})
}

func TestGetRun_NotFound(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		_, err := s.GetRun(context.Background(), "nonexistent")
		require.Error(t, err)
		assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))
	})
}

func TestUpdateRun(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		run := seedRun(t, s)

		running := schema.RunStatusRunning
		started := time.Now().UTC().Truncate(time.Second)
		require.NoError(t, s.UpdateRun(ctx, run.ID, RunUpdate{Status: &running, StartedAt: &started}))

		failed := schema.RunStatusFailed
		completed := started.Add(3 * time.Second)
		outputs := 1
		require.NoError(t, s.UpdateRun(ctx, run.ID, RunUpdate{
			Status:      &failed,
			CompletedAt: &completed,
			OutputCount: &outputs,
			Error:       json.RawMessage(`{"code":"QUOTA_ERROR"}`),
		}))

		got, err := s.GetRun(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, schema.RunStatusFailed, got.Status)
		require.NotNil(t, got.StartedAt)
		require.NotNil(t, got.CompletedAt)
		assert.WithinDuration(t, started, *got.StartedAt, time.Second)
		assert.WithinDuration(t, completed, *got.CompletedAt, time.Second)
		assert.Equal(t, 1, got.OutputCount)
		assert.JSONEq(t, `{"code":"QUOTA_ERROR"}`, string(got.Error))
	})
}

func TestUpdateRun_NotFound(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		status := schema.RunStatusRunning
		err := s.UpdateRun(context.Background(), "missing", RunUpdate{Status: &status})
		assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))
	})
}

func TestListRuns_FilterAndPaging(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		base := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
		completed := schema.RunStatusCompleted
		for i := 0; i < 4; i++ {
			run := &Run{ID: uuid.New().String(), CreatedAt: base.Add(time.Duration(i) * time.Minute)}
			require.NoError(t, s.CreateRun(ctx, run))
			if i%2 == 0 {
				require.NoError(t, s.UpdateRun(ctx, run.ID, RunUpdate{Status: &completed}))
			}
		}

		all, err := s.ListRuns(ctx, RunFilter{})
		require.NoError(t, err)
		require.Len(t, all, 4)
		for i := 1; i < len(all); i++ {
			assert.False(t, all[i].CreatedAt.After(all[i-1].CreatedAt), "runs must be newest first")
		}

		done, err := s.ListRuns(ctx, RunFilter{Status: &completed})
		require.NoError(t, err)
		assert.Len(t, done, 2)

		page, err := s.ListRuns(ctx, RunFilter{Limit: 2, Offset: 1})
		require.NoError(t, err)
		require.Len(t, page, 2)
		assert.Equal(t, all[1].ID, page[0].ID)
		assert.Equal(t, all[2].ID, page[1].ID)

		since := base.Add(2 * time.Minute)
		recent, err := s.ListRuns(ctx, RunFilter{Since: &since})
		require.NoError(t, err)
		assert.Len(t, recent, 2)
	})
}

// --- Records ---

func TestAppendRecord_SequenceAndOrder(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		run := seedRun(t, s)

		for i, step := range []string{"bg", "relight", "upscale"} {
			rec := &schema.ExecutionRecord{
				RunID:      run.ID,
				ImageID:    "img-1",
				ImageName:  "shoe.png",
				StepID:     step,
				StepName:   step,
				Outcome:    schema.OutcomeSuccess,
				Backend:    "primary",
				Cost:       0.039,
				Credits:    1,
				DurationMs: 120,
			}
			require.NoError(t, s.AppendRecord(ctx, rec))
			assert.Equal(t, int64(i+1), rec.Sequence)
		}

		recs, err := s.ListRecords(ctx, run.ID)
		require.NoError(t, err)
		require.Len(t, recs, 3)
		assert.Equal(t, "bg", recs[0].StepID)
		assert.Equal(t, "upscale", recs[2].StepID)
		assert.Equal(t, "shoe.png", recs[1].ImageName)
		assert.InDelta(t, 0.039, recs[1].Cost, 1e-9)
		assert.Equal(t, "primary", recs[1].Backend)

		other, err := s.ListRecords(ctx, "other-run")
		require.NoError(t, err)
		assert.Empty(t, other)
	})
}

func TestAppendRecord_ConcurrentSequencesAreUnique(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		run := seedRun(t, s)

		const n = 20
		var wg sync.WaitGroup
		errs := make(chan error, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs <- s.AppendRecord(ctx, &schema.ExecutionRecord{
					RunID: run.ID, ImageID: "img", StepID: "s", Outcome: schema.OutcomeSuccess,
				})
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		recs, err := s.ListRecords(ctx, run.ID)
		require.NoError(t, err)
		require.Len(t, recs, n)
		for i, r := range recs {
			assert.Equal(t, int64(i+1), r.Sequence)
		}
	})
}

// --- Events ---

func TestAppendEvent_MonotonicSequence(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		run := seedRun(t, s)

		for i := 0; i < 5; i++ {
			e := &Event{RunID: run.ID, ImageID: "img-1", StepID: "a", Type: schema.EventStepStarted}
			require.NoError(t, s.AppendEvent(ctx, e))
			assert.Equal(t, int64(i+1), e.Sequence, "sequence should be monotonic")
			assert.False(t, e.Timestamp.IsZero())
		}
	})
}

func TestGetEvents_Since(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		run := seedRun(t, s)

		types := []string{schema.EventRunStarted, schema.EventStepStarted, schema.EventStepCompleted, schema.EventRunCompleted}
		for _, et := range types {
			require.NoError(t, s.AppendEvent(ctx, &Event{
				RunID:   run.ID,
				Type:    et,
				Payload: json.RawMessage(`{"backend":"primary"}`),
			}))
		}

		all, err := s.GetEvents(ctx, run.ID, 0)
		require.NoError(t, err)
		require.Len(t, all, 4)
		for i, e := range all {
			assert.Equal(t, types[i], e.Type)
			assert.JSONEq(t, `{"backend":"primary"}`, string(e.Payload))
		}

		tail, err := s.GetEvents(ctx, run.ID, 2)
		require.NoError(t, err)
		require.Len(t, tail, 2)
		assert.Equal(t, schema.EventStepCompleted, tail[0].Type)
	})
}

func TestGetEventsByType(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		r1 := seedRun(t, s)
		r2 := seedRun(t, s)

		for _, id := range []string{r1.ID, r2.ID, r1.ID} {
			require.NoError(t, s.AppendEvent(ctx, &Event{RunID: id, Type: schema.EventBackendFailover}))
			require.NoError(t, s.AppendEvent(ctx, &Event{RunID: id, Type: schema.EventStepRetry}))
		}

		failovers, err := s.GetEventsByType(ctx, schema.EventBackendFailover, EventFilter{})
		require.NoError(t, err)
		assert.Len(t, failovers, 3)

		scoped, err := s.GetEventsByType(ctx, schema.EventBackendFailover, EventFilter{RunID: r1.ID})
		require.NoError(t, err)
		assert.Len(t, scoped, 2)

		limited, err := s.GetEventsByType(ctx, schema.EventStepRetry, EventFilter{Limit: 1})
		require.NoError(t, err)
		assert.Len(t, limited, 1)
	})
}

func TestLibSQLStore_MigrateIdempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Migrate(context.Background()))
	require.NoError(t, s.Vacuum(context.Background()))
}

func TestSplitStatements(t *testing.T) {
	stmts := splitStatements("-- header\nCREATE TABLE a (x INT);\n\n-- only a comment;\nCREATE INDEX i ON a(x);\n")
	require.Len(t, stmts, 2)
	assert.Equal(t, "CREATE TABLE a (x INT)", stmts[0])
	assert.Equal(t, "CREATE INDEX i ON a(x)", stmts[1])
}

func TestSummarize(t *testing.T) {
	recs := []*schema.ExecutionRecord{
		{Sequence: 1, Outcome: schema.OutcomeSuccess, Backend: "primary", Cost: 0.039, Credits: 1, DurationMs: 100},
		{Sequence: 2, Outcome: schema.OutcomeSuccess, Backend: "fallback", Cost: 0.039, Credits: 1, DurationMs: 200},
		{Sequence: 3, Outcome: schema.OutcomeFailure, DurationMs: 50},
	}
	totals, err := Summarize("run-1", recs)
	require.NoError(t, err)
	assert.Equal(t, 3, totals.Attempts)
	assert.Equal(t, 2, totals.Successes)
	assert.Equal(t, 1, totals.Failures)
	assert.InDelta(t, 0.078, totals.Cost, 1e-9)
	assert.Equal(t, 2, totals.Credits)
	assert.Equal(t, 350*time.Millisecond, totals.Duration)
	assert.Equal(t, map[string]int{"primary": 1, "fallback": 1}, totals.ByBackend)
}

func TestSummarize_SequenceGap(t *testing.T) {
	recs := []*schema.ExecutionRecord{{Sequence: 1}, {Sequence: 3}}
	_, err := Summarize("run-1", recs)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeStore, schema.CodeOf(err))
	assert.Contains(t, err.Error(), "expected 2, got 3")
}

package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/rendis/imagechain/internal/store"
	"github.com/rendis/imagechain/internal/validation"
	"github.com/rendis/imagechain/pkg/schema"
)

// maxFinishedRuns bounds how many finished runs stay waitable in memory.
const maxFinishedRuns = 64

// RunReport is a run's persisted state plus its execution totals.
type RunReport struct {
	Run    *store.Run    `json:"run"`
	Totals *store.Totals `json:"totals"`
	Active bool          `json:"active"`
}

// Manager runs batches in the background on a bounded run pool. Each
// run is sequential; the pool bounds how many runs proceed at once.
type Manager struct {
	runner *Runner
	store  store.Store
	pool   *RunPool
	logger *slog.Logger

	mu       sync.Mutex
	runs     map[string]*activeRun
	finished []string // oldest first
}

type activeRun struct {
	cancel context.CancelFunc
	done   chan struct{}
	result *RunResult
	err    error
}

// NewManager creates a Manager that admits at most poolSize concurrent
// runs. s may be nil, in which case Status is unavailable.
func NewManager(runner *Runner, s store.Store, poolSize int, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		runner: runner,
		store:  s,
		pool:   NewRunPool(poolSize, logger),
		logger: logger,
		runs:   make(map[string]*activeRun),
	}
}

// Start validates the request and launches it in the background, returning
// the run ID. When g is non-nil its ordered steps replace req.Steps. Start
// blocks while the pool is full, honouring ctx; the run itself outlives ctx
// and stops only through Cancel or Shutdown.
func (m *Manager) Start(ctx context.Context, g *schema.Graph, req *ExecuteRequest) (string, error) {
	if req == nil {
		return "", checkRequest(nil)
	}
	if g != nil {
		steps, err := Order(g, validation.Options{AllowBranching: m.runner.config.AllowBranching})
		if err != nil {
			return "", err
		}
		req.Steps, req.Graph = steps, g
	}
	if err := checkRequest(req); err != nil {
		return "", err
	}
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}
	runID := req.RunID

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	run := &activeRun{cancel: cancel, done: make(chan struct{})}

	m.mu.Lock()
	if _, exists := m.runs[runID]; exists {
		m.mu.Unlock()
		cancel()
		return "", schema.NewErrorf(schema.ErrCodeConflict, "run %q already exists", runID)
	}
	m.runs[runID] = run
	m.mu.Unlock()

	err := m.pool.Admit(ctx, runID, func() schema.RunStatus {
		defer m.retire(runID, run)
		res, err := m.runner.Execute(runCtx, req)
		run.result, run.err = res, err
		if err != nil {
			m.logger.Warn("background run ended with error", "run_id", runID, "error", err)
		}
		if res == nil {
			return schema.RunStatusFailed
		}
		return res.Status
	})
	if err != nil {
		m.mu.Lock()
		delete(m.runs, runID)
		m.mu.Unlock()
		cancel()
		switch {
		case errors.Is(err, ErrPoolShutdown):
			return "", schema.NewError(schema.ErrCodeFatal, "run manager is shut down").WithCause(err)
		case schema.IsCode(err, schema.ErrCodeConflict):
			return "", err
		}
		return "", cancelledError(err)
	}
	return runID, nil
}

// retire marks run finished and evicts the oldest finished runs.
func (m *Manager) retire(runID string, run *activeRun) {
	run.cancel()
	close(run.done)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.finished = append(m.finished, runID)
	for len(m.finished) > maxFinishedRuns {
		delete(m.runs, m.finished[0])
		m.finished = m.finished[1:]
	}
}

func (m *Manager) lookup(runID string) (*activeRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "run %q not found", runID)
	}
	return run, nil
}

// Cancel requests cancellation of a run. Cancelling a finished run is a
// no-op.
func (m *Manager) Cancel(runID string) error {
	run, err := m.lookup(runID)
	if err != nil {
		return err
	}
	run.cancel()
	return nil
}

// Wait blocks until the run finishes and returns what Runner.Execute
// returned for it.
func (m *Manager) Wait(ctx context.Context, runID string) (*RunResult, error) {
	run, err := m.lookup(runID)
	if err != nil {
		return nil, err
	}
	select {
	case <-run.done:
		return run.result, run.err
	case <-ctx.Done():
		return nil, cancelledError(ctx.Err())
	}
}

// Active returns the IDs of runs still in progress.
func (m *Manager) Active() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, run := range m.runs {
		if !isDone(run) {
			ids = append(ids, id)
		}
	}
	return ids
}

// Status loads a run and totals its execution records.
func (m *Manager) Status(ctx context.Context, runID string) (*RunReport, error) {
	if m.store == nil {
		return nil, schema.NewError(schema.ErrCodeStore, "no store configured")
	}
	run, err := m.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	records, err := m.store.ListRecords(ctx, runID)
	if err != nil {
		return nil, err
	}
	totals, err := store.Summarize(runID, records)
	if err != nil {
		return nil, err
	}

	report := &RunReport{Run: run, Totals: totals}
	m.mu.Lock()
	if active, ok := m.runs[runID]; ok {
		report.Active = !isDone(active)
	}
	m.mu.Unlock()
	return report, nil
}

// Shutdown cancels every active run and waits for them to finish.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	for _, run := range m.runs {
		run.cancel()
	}
	m.mu.Unlock()
	m.pool.Shutdown()
}

// PoolMetrics exposes the run pool counters.
func (m *Manager) PoolMetrics() PoolMetrics { return m.pool.Metrics() }

// Queue lists the runs waiting for a pool slot and those holding one.
func (m *Manager) Queue() PoolQueue { return m.pool.Queue() }

func isDone(run *activeRun) bool {
	select {
	case <-run.done:
		return true
	default:
		return false
	}
}

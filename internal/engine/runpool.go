package engine

import (
	"cmp"
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"github.com/rendis/imagechain/internal/metrics"
	"github.com/rendis/imagechain/pkg/schema"
)

// PoolMetrics counts runs by where they are in the pool and how they ended.
type PoolMetrics struct {
	Size      int   `json:"size"`
	Queued    int   `json:"queued"`
	Running   int   `json:"running"`
	Completed int64 `json:"completed"`
	Cancelled int64 `json:"cancelled"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

// PoolQueue lists the runs waiting for a slot and the runs holding one,
// each oldest first.
type PoolQueue struct {
	Queued  []string `json:"queued"`
	Running []string `json:"running"`
}

// ErrPoolShutdown is returned when a run is admitted to a shut-down pool.
var ErrPoolShutdown = errors.New("run pool is shut down")

// RunPool admits runs onto a fixed number of slots. The pool knows a run ID
// from the moment it asks for a slot until its body returns.
type RunPool struct {
	slots  chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup
	logger *slog.Logger

	mu      sync.Mutex
	closed  bool
	queued  map[string]time.Time
	running map[string]time.Time
	counts  PoolMetrics
}

// NewRunPool creates a pool running at most size runs at once.
func NewRunPool(size int, logger *slog.Logger) *RunPool {
	if size <= 0 {
		size = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RunPool{
		slots:   make(chan struct{}, size),
		done:    make(chan struct{}),
		logger:  logger,
		queued:  make(map[string]time.Time),
		running: make(map[string]time.Time),
	}
}

// Size returns the number of slots.
func (p *RunPool) Size() int { return cap(p.slots) }

// Admit queues runID for a slot and, once it holds one, executes body on its
// own goroutine. It blocks while every slot is taken, honouring ctx. A run ID
// already queued or running is rejected with CONFLICT.
func (p *RunPool) Admit(ctx context.Context, runID string, body func() schema.RunStatus) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolShutdown
	}
	if _, ok := p.queued[runID]; ok {
		p.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeConflict, "run %q is already queued", runID)
	}
	if _, ok := p.running[runID]; ok {
		p.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeConflict, "run %q is already running", runID)
	}
	p.queued[runID] = time.Now()
	metrics.PoolRuns.WithLabelValues("queued").Inc()
	p.mu.Unlock()

	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		p.dequeue(runID)
		return ctx.Err()
	case <-p.done:
		p.dequeue(runID)
		return ErrPoolShutdown
	}

	// wg.Add stays under the lock so Shutdown's wg.Wait cannot miss it.
	p.mu.Lock()
	p.dequeueLocked(runID)
	if p.closed {
		p.mu.Unlock()
		<-p.slots
		return ErrPoolShutdown
	}
	p.running[runID] = time.Now()
	metrics.PoolRuns.WithLabelValues("running").Inc()
	p.wg.Add(1)
	p.mu.Unlock()

	go p.run(runID, body)
	return nil
}

func (p *RunPool) run(runID string, body func() schema.RunStatus) {
	status := schema.RunStatusFailed
	defer func() {
		r := recover()
		if r != nil {
			p.logger.Error("run panicked", "run_id", runID, "panic", r, "stack", string(debug.Stack()))
		}
		p.finish(runID, status, r != nil)
		<-p.slots
		p.wg.Done()
	}()
	status = body()
}

func (p *RunPool) dequeue(runID string) {
	p.mu.Lock()
	p.dequeueLocked(runID)
	p.mu.Unlock()
}

func (p *RunPool) dequeueLocked(runID string) {
	if _, ok := p.queued[runID]; ok {
		delete(p.queued, runID)
		metrics.PoolRuns.WithLabelValues("queued").Dec()
	}
}

func (p *RunPool) finish(runID string, status schema.RunStatus, panicked bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.running, runID)
	metrics.PoolRuns.WithLabelValues("running").Dec()

	switch {
	case panicked:
		p.counts.Panics++
		p.counts.Failed++
	case status == schema.RunStatusCompleted:
		p.counts.Completed++
	case status == schema.RunStatusCancelled:
		p.counts.Cancelled++
	default:
		p.counts.Failed++
	}
}

// Wait blocks until every admitted run has returned.
func (p *RunPool) Wait() {
	p.wg.Wait()
}

// Shutdown stops admitting runs, releases queued callers and waits for the
// running ones to return.
func (p *RunPool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	p.wg.Wait()
}

// Queue returns the queued and running run IDs.
func (p *RunPool) Queue() PoolQueue {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolQueue{Queued: byAge(p.queued), Running: byAge(p.running)}
}

// Metrics returns a snapshot of the pool counters.
func (p *RunPool) Metrics() PoolMetrics {
	p.mu.Lock()
	defer p.mu.Unlock()
	m := p.counts
	m.Size = cap(p.slots)
	m.Queued = len(p.queued)
	m.Running = len(p.running)
	return m
}

func byAge(since map[string]time.Time) []string {
	ids := make([]string, 0, len(since))
	for id := range since {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, func(a, b string) int {
		if c := since[a].Compare(since[b]); c != 0 {
			return c
		}
		return cmp.Compare(a, b)
	})
	return ids
}

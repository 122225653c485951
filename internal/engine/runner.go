package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/imagechain/internal/backend"
	"github.com/rendis/imagechain/internal/expressions"
	"github.com/rendis/imagechain/internal/logging"
	"github.com/rendis/imagechain/internal/metrics"
	"github.com/rendis/imagechain/internal/store"
	"github.com/rendis/imagechain/internal/streaming"
	"github.com/rendis/imagechain/internal/validation"
	"github.com/rendis/imagechain/pkg/schema"
)

// Default metering constants for successful steps.
const (
	DefaultCostPerStep    = 0.039
	DefaultCreditsPerStep = 1
)

// Config holds configuration for the runner.
type Config struct {
	CostPerStep    float64
	CreditsPerStep int
	BackendPause   time.Duration         // pause between backends of one failover
	AllowBranching bool                  // linearize fan-out/fan-in graphs instead of rejecting them
	CircuitBreaker *CircuitBreakerConfig // nil = disabled
}

// DefaultConfig returns the default runner configuration.
func DefaultConfig() Config {
	return Config{
		CostPerStep:    DefaultCostPerStep,
		CreditsPerStep: DefaultCreditsPerStep,
		BackendPause:   DefaultBackendPause,
	}
}

// BackendsFactory returns the backend preference list for one run.
type BackendsFactory func(ctx context.Context) ([]*backend.Client, error)

// Progress describes the (image, step) pair about to run. Indexes are 0-based.
type Progress struct {
	RunID      string `json:"run_id"`
	ImageID    string `json:"image_id"`
	ImageName  string `json:"image_name"`
	ImageIndex int    `json:"image_index"`
	ImageTotal int    `json:"image_total"`
	StepID     string `json:"step_id"`
	StepName   string `json:"step_name"`
	StepIndex  int    `json:"step_index"`
	StepTotal  int    `json:"step_total"`
}

// ExecuteRequest is one batch: every image runs through every step.
type ExecuteRequest struct {
	RunID string // generated if empty
	Name  string
	Graph *schema.Graph // persisted with the run; optional

	Images   []schema.Image
	Steps    []schema.Step // execution order
	Backends BackendsFactory

	OnProgress func(Progress)
	OnRetry    backend.RetryFunc
	OnOutput   func(schema.Output)
}

// RunResult is the outcome of Execute. Outputs and Records hold whatever
// completed before the run stopped.
type RunResult struct {
	RunID       string                   `json:"run_id"`
	Status      schema.RunStatus         `json:"status"`
	Outputs     []schema.Output          `json:"outputs"`
	Records     []schema.ExecutionRecord `json:"records"`
	Error       *schema.ChainError       `json:"error,omitempty"`
	StartedAt   time.Time                `json:"started_at"`
	CompletedAt time.Time                `json:"completed_at"`
}

// Runner executes image batches through a step chain, one (image, step)
// at a time.
type Runner struct {
	store    store.Store
	events   *emitter
	fsm      *RunFSM
	failover *Failover
	breakers *CircuitBreakerRegistry
	prompts  *expressions.PromptRenderer
	config   Config
	logger   *slog.Logger
}

// NewRunner creates a Runner. s and hub are optional (nil = not persisted
// or published).
func NewRunner(s store.Store, hub streaming.EventHub, cfg Config, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BackendPause <= 0 {
		cfg.BackendPause = DefaultBackendPause
	}

	var breakers *CircuitBreakerRegistry
	if cfg.CircuitBreaker != nil {
		breakers = NewCircuitBreakerRegistry(*cfg.CircuitBreaker)
		breakers.OnStateChange(func(name string, from, to CircuitState) {
			logger.Info("circuit breaker state changed", "backend", name, "from", from.String(), "to", to.String())
		})
	}

	var appender EventAppender
	if s != nil {
		appender = s
	}
	events := &emitter{appender: appender, hub: hub, logger: logger}

	fsm := newRunFSM(events)
	for from, targets := range ValidRunTransitions {
		for _, to := range targets {
			if !to.Terminal() {
				continue
			}
			fsm.OnAfter(from, to, func(_, to schema.RunStatus) error {
				metrics.Runs.WithLabelValues(string(to)).Inc()
				return nil
			})
		}
	}

	return &Runner{
		store:    s,
		events:   events,
		fsm:      fsm,
		failover: NewFailover(cfg.BackendPause, breakers, logger),
		breakers: breakers,
		prompts:  expressions.NewPromptRenderer(nil),
		config:   cfg,
		logger:   logger,
	}
}

// Breakers returns the circuit breaker registry, or nil when disabled.
func (r *Runner) Breakers() *CircuitBreakerRegistry { return r.breakers }

// RunGraph orders g and executes req with the resulting chain. Validation
// failures are returned before any backend is called.
func (r *Runner) RunGraph(ctx context.Context, g *schema.Graph, req *ExecuteRequest) (*RunResult, error) {
	steps, err := Order(g, validation.Options{AllowBranching: r.config.AllowBranching})
	if err != nil {
		return nil, err
	}
	req.Steps = steps
	req.Graph = g
	return r.Execute(ctx, req)
}

// Execute runs every image through every step: images in input order, and
// for each image the full chain before the next image starts.
//
// Completed and cancelled runs return a nil error; cancellation is a
// normal termination. The first failed step halts the batch and is
// returned as a *schema.ChainError naming the step and image. The
// RunResult is non-nil whenever the run was started.
func (r *Runner) Execute(ctx context.Context, req *ExecuteRequest) (*RunResult, error) {
	if err := checkRequest(req); err != nil {
		return nil, err
	}

	runID := req.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	ctx = logging.WithRunID(ctx, runID)
	logger := logging.LogWith(ctx, r.logger)

	res := &RunResult{
		RunID:   runID,
		Status:  schema.RunStatusIdle,
		Outputs: []schema.Output{},
		Records: []schema.ExecutionRecord{},
	}
	r.createRun(ctx, req, runID)

	if err := ctx.Err(); err != nil {
		r.finish(ctx, res, schema.RunStatusCancelled, nil)
		return res, nil
	}

	res.StartedAt = time.Now().UTC()
	if err := r.fsm.Transition(ctx, runID, schema.RunStatusIdle, schema.RunStatusRunning, map[string]any{
		"images": len(req.Images),
		"steps":  len(req.Steps),
	}); err != nil {
		return nil, err
	}
	res.Status = schema.RunStatusRunning
	r.updateRun(ctx, runID, store.RunUpdate{Status: &res.Status, StartedAt: &res.StartedAt})
	logger.Info("run started", "images", len(req.Images), "steps", len(req.Steps))

	runErr := r.process(ctx, req, res)
	switch {
	case runErr == nil:
		r.finish(ctx, res, schema.RunStatusCompleted, nil)
		logger.Info("run completed", "outputs", len(res.Outputs), "duration", res.CompletedAt.Sub(res.StartedAt))
		return res, nil

	case schema.IsCancelled(runErr):
		r.finish(ctx, res, schema.RunStatusCancelled, nil)
		logger.Info("run cancelled", "outputs", len(res.Outputs))
		return res, nil

	default:
		ce, ok := schema.AsChainError(runErr)
		if !ok {
			ce = schema.NewError(schema.ErrCodeFatal, runErr.Error()).WithCause(runErr)
		}
		res.Error = ce
		r.finish(ctx, res, schema.RunStatusFailed, ce)
		logger.Error("run failed", "error", ce)
		return res, ce
	}
}

func checkRequest(req *ExecuteRequest) error {
	switch {
	case req == nil:
		return schema.NewError(schema.ErrCodeValidation, "execute request is required")
	case len(req.Steps) == 0:
		return schema.NewError(schema.ErrCodeValidation, "workflow has no steps")
	case len(req.Images) == 0:
		return schema.NewError(schema.ErrCodeValidation, "no input images")
	case req.Backends == nil:
		return schema.NewError(schema.ErrCodeValidation, "no backends configured")
	}
	return nil
}

// process is the image/step loop. It returns nil, a CANCELLED error or the
// step failure that halted the batch.
func (r *Runner) process(ctx context.Context, req *ExecuteRequest, res *RunResult) error {
	clients, err := req.Backends(ctx)
	if err != nil {
		if schema.IsCancelled(err) || ctx.Err() != nil {
			return cancelledError(err)
		}
		return schema.NewError(schema.ErrCodeFatal, "create backends").WithCause(err)
	}

	for i, img := range req.Images {
		imgCtx := logging.WithImageID(ctx, img.ID)
		data, mediaType := img.Data, img.MediaType

		for j, step := range req.Steps {
			if err := ctx.Err(); err != nil {
				return cancelledError(err)
			}
			pos := Progress{
				RunID:      res.RunID,
				ImageID:    img.ID,
				ImageName:  img.Label(),
				ImageIndex: i,
				ImageTotal: len(req.Images),
				StepID:     step.ID,
				StepName:   step.DisplayName(),
				StepIndex:  j,
				StepTotal:  len(req.Steps),
			}
			in := stepInput{pos: pos, step: step, img: img, data: data, mediaType: mediaType}
			out, err := r.runStep(logging.WithStepID(imgCtx, step.ID), req, clients, res, in)
			if err != nil {
				return err
			}
			data, mediaType = out.Data, out.MediaType
		}

		output := schema.Output{ImageID: img.ID, Name: img.Name, MediaType: mediaType, Data: data}
		res.Outputs = append(res.Outputs, output)
		if req.OnOutput != nil {
			req.OnOutput(output)
		}
		r.events.emit(imgCtx, res.RunID, img.ID, "", schema.EventImageCompleted, map[string]any{
			"name":       img.Name,
			"media_type": mediaType,
			"size_bytes": len(data),
		})
	}
	return nil
}

// stepInput is one (image, step) pair and the image's current bytes.
type stepInput struct {
	pos       Progress
	step      schema.Step
	img       schema.Image
	data      []byte
	mediaType string
}

// runStep performs one (image, step) attempt through the failover chain and
// records its outcome. Cancellation leaves no record.
func (r *Runner) runStep(ctx context.Context, req *ExecuteRequest, clients []*backend.Client, res *RunResult, in stepInput) (*backend.Result, error) {
	logger := logging.LogWith(ctx, r.logger)
	pos, step, img := in.pos, in.step, in.img

	if req.OnProgress != nil {
		req.OnProgress(pos)
	}
	r.events.emit(ctx, res.RunID, img.ID, step.ID, schema.EventStepStarted, map[string]any{
		"image_index": pos.ImageIndex,
		"image_total": pos.ImageTotal,
		"step_index":  pos.StepIndex,
		"step_total":  pos.StepTotal,
		"step_name":   pos.StepName,
	})

	start := time.Now()
	out, err := r.transform(ctx, req, clients, res.RunID, in)
	elapsed := time.Since(start)

	if err != nil {
		if schema.IsCancelled(err) {
			return nil, err
		}
		stepErr := stepFailure(err, step, img)
		r.appendRecord(ctx, res, schema.ExecutionRecord{
			RunID:      res.RunID,
			ImageID:    img.ID,
			ImageName:  img.Label(),
			StepID:     step.ID,
			StepName:   step.DisplayName(),
			Outcome:    schema.OutcomeFailure,
			Backend:    stepErr.Backend,
			Error:      stepErr.Error(),
			DurationMs: elapsed.Milliseconds(),
		})
		metrics.StepDuration.WithLabelValues(string(schema.OutcomeFailure)).Observe(elapsed.Seconds())
		r.events.emit(ctx, res.RunID, img.ID, step.ID, schema.EventStepFailed, map[string]any{
			"error":       stepErr,
			"duration_ms": elapsed.Milliseconds(),
		})
		logger.Warn("step failed", "error", stepErr)
		return nil, stepErr
	}

	r.appendRecord(ctx, res, schema.ExecutionRecord{
		RunID:      res.RunID,
		ImageID:    img.ID,
		ImageName:  img.Label(),
		StepID:     step.ID,
		StepName:   step.DisplayName(),
		Outcome:    schema.OutcomeSuccess,
		Backend:    out.Backend,
		Cost:       r.config.CostPerStep,
		Credits:    r.config.CreditsPerStep,
		DurationMs: elapsed.Milliseconds(),
	})
	metrics.StepDuration.WithLabelValues(string(schema.OutcomeSuccess)).Observe(elapsed.Seconds())
	metrics.SimulatedCost.Add(r.config.CostPerStep)
	metrics.SimulatedCredits.Add(float64(r.config.CreditsPerStep))
	r.events.emit(ctx, res.RunID, img.ID, step.ID, schema.EventStepCompleted, map[string]any{
		"backend":     out.Backend,
		"attempts":    out.Attempts,
		"media_type":  out.MediaType,
		"duration_ms": elapsed.Milliseconds(),
	})
	logger.Debug("step completed", "backend", out.Backend, "attempts", out.Attempts, "duration", elapsed)
	return out, nil
}

// transform renders the step prompt and runs it through the failover chain.
func (r *Runner) transform(ctx context.Context, req *ExecuteRequest, clients []*backend.Client, runID string, in stepInput) (*backend.Result, error) {
	pos, step, img := in.pos, in.step, in.img
	prompt, err := r.prompts.Render(ctx, step.Prompt, &expressions.PromptScope{
		RunID:          runID,
		ImageID:        img.ID,
		ImageName:      img.Name,
		ImageMediaType: img.MediaType,
		ImageIndex:     pos.ImageIndex,
		ImageTotal:     pos.ImageTotal,
		StepID:         step.ID,
		StepName:       pos.StepName,
		StepIndex:      pos.StepIndex,
		StepTotal:      pos.StepTotal,
	})
	if err != nil {
		return nil, err
	}

	hooks := FailoverHooks{
		OnRetry: func(n backend.RetryNotice) {
			r.events.emit(ctx, runID, img.ID, step.ID, schema.EventStepRetry, map[string]any{
				"backend":  n.Backend,
				"attempt":  n.Attempt,
				"delay_ms": n.Delay.Milliseconds(),
				"error":    errText(n.Err),
			})
			if req.OnRetry != nil {
				req.OnRetry(n)
			}
		},
		OnFailover: func(from, next string, reason error) {
			r.events.emit(ctx, runID, img.ID, step.ID, schema.EventBackendFailover, map[string]any{
				"from":   from,
				"to":     next,
				"reason": errText(reason),
			})
		},
		OnBreaker: func(name string, _, to CircuitState) {
			r.events.emit(ctx, runID, img.ID, step.ID, breakerEventType(to), map[string]any{"backend": name})
		},
	}

	return r.failover.Run(ctx, clients, &backend.Request{
		Data:      in.data,
		MediaType: in.mediaType,
		Prompt:    prompt,
		ImageName: img.Name,
		StepName:  pos.StepName,
	}, hooks)
}

// finish moves the run to a terminal status and persists the summary.
func (r *Runner) finish(ctx context.Context, res *RunResult, to schema.RunStatus, runErr *schema.ChainError) {
	from := res.Status
	res.Status = to
	res.CompletedAt = time.Now().UTC()

	payload := map[string]any{
		"outputs": len(res.Outputs),
		"records": len(res.Records),
	}
	if !res.StartedAt.IsZero() {
		payload["duration_ms"] = res.CompletedAt.Sub(res.StartedAt).Milliseconds()
	}
	if runErr != nil {
		payload["error"] = runErr
	}
	if err := r.fsm.Transition(ctx, res.RunID, from, to, payload); err != nil {
		logging.LogWith(ctx, r.logger).Error("run transition", "from", from, "to", to, "error", err)
	}

	outputs := len(res.Outputs)
	update := store.RunUpdate{Status: &to, CompletedAt: &res.CompletedAt, OutputCount: &outputs}
	if runErr != nil {
		if raw, err := json.Marshal(runErr); err == nil {
			update.Error = raw
		}
	}
	r.updateRun(ctx, res.RunID, update)
}

func (r *Runner) createRun(ctx context.Context, req *ExecuteRequest, runID string) {
	if r.store == nil {
		return
	}
	g := req.Graph
	if g == nil {
		g = chainGraph(req.Name, req.Steps)
	}
	raw, err := json.Marshal(g)
	if err != nil {
		logging.LogWith(ctx, r.logger).Warn("encode run graph", "error", err)
		raw = nil
	}
	run := &store.Run{
		ID:         runID,
		Name:       req.Name,
		Graph:      raw,
		Status:     schema.RunStatusIdle,
		ImageCount: len(req.Images),
		StepCount:  len(req.Steps),
	}
	if err := r.store.CreateRun(context.WithoutCancel(ctx), run); err != nil {
		logging.LogWith(ctx, r.logger).Warn("persist run", "error", err)
	}
}

func (r *Runner) updateRun(ctx context.Context, runID string, update store.RunUpdate) {
	if r.store == nil {
		return
	}
	if err := r.store.UpdateRun(context.WithoutCancel(ctx), runID, update); err != nil {
		logging.LogWith(ctx, r.logger).Warn("update run", "error", err)
	}
}

// appendRecord adds rec to the result and the store. The in-memory
// sequence mirrors the store's per-run numbering.
func (r *Runner) appendRecord(ctx context.Context, res *RunResult, rec schema.ExecutionRecord) {
	rec.Sequence = int64(len(res.Records) + 1)
	rec.Timestamp = time.Now().UTC()
	res.Records = append(res.Records, rec)
	if r.store == nil {
		return
	}
	if err := r.store.AppendRecord(context.WithoutCancel(ctx), &rec); err != nil {
		logging.LogWith(ctx, r.logger).Warn("persist execution record", "error", err)
	}
}

// stepFailure wraps err with the step and image that produced it, keeping
// its code, backend and details.
func stepFailure(err error, step schema.Step, img schema.Image) *schema.ChainError {
	code, msg := schema.ErrCodeFatal, err.Error()
	var backendName string
	var details map[string]any
	if ce, ok := schema.AsChainError(err); ok {
		code, msg, backendName, details = ce.Code, ce.Message, ce.Backend, ce.Details
	}
	out := schema.NewErrorf(code, "step %q failed on image %q: %s", step.DisplayName(), img.Label(), msg).
		WithStep(step.ID).
		WithImage(img.ID).
		WithCause(err)
	if backendName != "" {
		out = out.WithBackend(backendName)
	}
	if details != nil {
		out = out.WithDetails(details)
	}
	return out
}

// chainGraph builds the graph document for a bare step list.
func chainGraph(name string, steps []schema.Step) *schema.Graph {
	g := &schema.Graph{Name: name, Steps: steps}
	for i := 1; i < len(steps); i++ {
		g.Edges = append(g.Edges, schema.Edge{From: steps[i-1].ID, To: steps[i].ID})
	}
	return g
}

func breakerEventType(to CircuitState) string {
	switch to {
	case CircuitOpen:
		return schema.EventCircuitBreakerOpen
	case CircuitHalfOpen:
		return schema.EventCircuitBreakerHalfOpen
	default:
		return schema.EventCircuitBreakerClosed
	}
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

package panel

import (
	"fmt"
	"net/http"
	"time"

	"github.com/rendis/imagechain/internal/diagram"
	"github.com/rendis/imagechain/internal/engine"
	"github.com/rendis/imagechain/internal/store"
	"github.com/rendis/imagechain/pkg/schema"
)

func (s *PanelServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleRuns lists runs, newest first.
func (s *PanelServer) handleRuns(w http.ResponseWriter, r *http.Request) {
	filter := store.RunFilter{
		Limit:  queryInt(r, "limit", 50),
		Offset: queryInt(r, "offset", 0),
	}
	q := r.URL.Query()
	if status := q.Get("status"); status != "" {
		rs := schema.RunStatus(status)
		filter.Status = &rs
	}
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("since must be RFC3339: %v", err))
			return
		}
		filter.Since = &t
	}

	runs, err := s.deps.Store.ListRuns(r.Context(), filter)
	if err != nil {
		s.writeFailure(w, "list runs", err)
		return
	}
	if runs == nil {
		runs = []*store.Run{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// handleActive lists the runs in progress, split into those waiting for a
// pool slot and those holding one, with the pool counters.
func (s *PanelServer) handleActive(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Manager == nil {
		writeJSON(w, http.StatusOK, map[string]any{"runs": []string{}, "queued": []string{}, "running": []string{}})
		return
	}
	active := s.deps.Manager.Active()
	if active == nil {
		active = []string{}
	}
	queue := s.deps.Manager.Queue()
	writeJSON(w, http.StatusOK, map[string]any{
		"runs":    active,
		"queued":  queue.Queued,
		"running": queue.Running,
		"pool":    s.deps.Manager.PoolMetrics(),
	})
}

// handleRun returns a run with its execution totals.
func (s *PanelServer) handleRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	runID := r.PathValue("id")

	if s.deps.Manager != nil {
		report, err := s.deps.Manager.Status(ctx, runID)
		if err != nil {
			s.writeFailure(w, "run status", err)
			return
		}
		writeJSON(w, http.StatusOK, report)
		return
	}

	run, err := s.deps.Store.GetRun(ctx, runID)
	if err != nil {
		s.writeFailure(w, "get run", err)
		return
	}
	totals, err := s.totals(r, runID)
	if err != nil {
		s.writeFailure(w, "summarize run", err)
		return
	}
	writeJSON(w, http.StatusOK, &engine.RunReport{Run: run, Totals: totals})
}

// handleRecords lists a run's execution records with their totals.
func (s *PanelServer) handleRecords(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	runID := r.PathValue("id")

	if _, err := s.deps.Store.GetRun(ctx, runID); err != nil {
		s.writeFailure(w, "get run", err)
		return
	}
	records, err := s.deps.Store.ListRecords(ctx, runID)
	if err != nil {
		s.writeFailure(w, "list records", err)
		return
	}
	totals, err := store.Summarize(runID, records)
	if err != nil {
		s.writeFailure(w, "summarize run", err)
		return
	}
	if records == nil {
		records = []*schema.ExecutionRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records, "totals": totals})
}

// handleEvents lists a run's persisted events after the since sequence.
func (s *PanelServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	events, err := s.deps.Store.GetEvents(r.Context(), runID, int64(queryInt(r, "since", 0)))
	if err != nil {
		s.writeFailure(w, "get events", err)
		return
	}
	if events == nil {
		events = []*store.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// handleDiagram draws a run's graph with per-step status.
func (s *PanelServer) handleDiagram(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	model, err := diagram.ForRun(ctx, s.deps.Store, r.PathValue("id"))
	if err != nil {
		s.writeFailure(w, "build diagram", err)
		return
	}

	switch format := r.URL.Query().Get("format"); format {
	case "", "mermaid":
		writeText(w, "text/plain; charset=utf-8", []byte(diagram.RenderMermaid(model)))
	case "ascii":
		writeText(w, "text/plain; charset=utf-8", []byte(diagram.RenderASCII(model)))
	case "svg", "png":
		img, err := diagram.RenderImage(ctx, model, diagram.Format(format))
		if err != nil {
			s.writeFailure(w, "render diagram", err)
			return
		}
		ct := "image/svg+xml"
		if format == "png" {
			ct = "image/png"
		}
		writeText(w, ct, img)
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown format %q", format))
	}
}

// handleCancel requests cancellation of an active run.
func (s *PanelServer) handleCancel(w http.ResponseWriter, r *http.Request) {
	if s.deps.Manager == nil {
		writeError(w, http.StatusServiceUnavailable, "runs are not managed by this server")
		return
	}
	runID := r.PathValue("id")
	if err := s.deps.Manager.Cancel(runID); err != nil {
		s.writeFailure(w, "cancel run", err)
		return
	}
	s.deps.Logger.Info("run cancel requested", "run_id", runID)
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true, "run_id": runID})
}

func (s *PanelServer) totals(r *http.Request, runID string) (*store.Totals, error) {
	records, err := s.deps.Store.ListRecords(r.Context(), runID)
	if err != nil {
		return nil, err
	}
	return store.Summarize(runID, records)
}

// writeFailure maps err to a status code. Server-side failures are logged.
func (s *PanelServer) writeFailure(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.deps.Logger.Error(op+" failed", "error", err)
	}
	writeError(w, status, fmt.Sprintf("%s: %v", op, err))
}

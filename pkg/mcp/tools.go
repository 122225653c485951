package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/imagechain/internal/diagram"
	"github.com/rendis/imagechain/internal/engine"
	"github.com/rendis/imagechain/internal/imagefile"
	"github.com/rendis/imagechain/internal/store"
	"github.com/rendis/imagechain/internal/validation"
	"github.com/rendis/imagechain/pkg/schema"
)

// validateResult is the imagechain.validate response.
type validateResult struct {
	Valid    bool                     `json:"valid"`
	Order    []schema.Step            `json:"order,omitempty"`
	Errors   []schema.ValidationIssue `json:"errors,omitempty"`
	Warnings []schema.ValidationIssue `json:"warnings,omitempty"`
	Error    *schema.ChainError       `json:"error,omitempty"`
}

// outputSummary describes a finished image without its bytes.
type outputSummary struct {
	ImageID   string `json:"image_id"`
	Name      string `json:"name"`
	MediaType string `json:"media_type"`
	SizeBytes int    `json:"size_bytes"`
	Path      string `json:"path,omitempty"`
}

// runSummary is the imagechain.run response.
type runSummary struct {
	RunID   string                   `json:"run_id"`
	Status  schema.RunStatus         `json:"status"`
	Outputs []outputSummary          `json:"outputs,omitempty"`
	Records []schema.ExecutionRecord `json:"records,omitempty"`
	Error   *schema.ChainError       `json:"error,omitempty"`
}

// handleValidate checks a graph document and returns its execution order.
// An invalid graph is a normal result, not a tool error.
func (s *Server) handleValidate(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	doc := mcp.ParseStringMap(req, "graph", nil)
	if doc == nil {
		return mcp.NewToolResultError("graph is required"), nil
	}

	g, err := s.decoder.DecodeValue(doc)
	if err != nil {
		ce, _ := schema.AsChainError(err)
		return marshalResult(validateResult{Error: ce})
	}

	vr := validation.ValidateGraph(g, s.graphOpts)
	out := validateResult{Valid: vr.Valid(), Errors: vr.Errors, Warnings: vr.Warnings}
	if out.Valid {
		steps, err := engine.Order(g, s.graphOpts)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("order graph: %v", err)), nil
		}
		out.Order = steps
	}
	return marshalResult(out)
}

// handleRun starts a batch. Finished images are written to out_dir as they
// complete. With wait=true the call blocks until the run ends.
func (s *Server) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.manager == nil || s.backends == nil {
		return mcp.NewToolResultError("runs are not configured on this server"), nil
	}
	doc := mcp.ParseStringMap(req, "graph", nil)
	if doc == nil {
		return mcp.NewToolResultError("graph is required"), nil
	}
	paths := req.GetStringSlice("images", nil)
	if len(paths) == 0 {
		return mcp.NewToolResultError("images is required"), nil
	}

	g, err := s.decoder.DecodeValue(doc)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid graph: %v", err)), nil
	}
	images, err := imagefile.LoadAll(paths)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("load images: %v", err)), nil
	}

	outDir := req.GetString("out_dir", s.outDir)
	written := &writtenOutputs{paths: make(map[string]string)}
	runID := uuid.NewString()
	s.captureSession(ctx, runID)

	_, err = s.manager.Start(ctx, g, &engine.ExecuteRequest{
		RunID:    runID,
		Name:     req.GetString("name", g.Name),
		Images:   images,
		Backends: s.backends,
		OnOutput: func(out schema.Output) {
			if outDir == "" {
				return
			}
			path, err := imagefile.Write(outDir, out)
			if err != nil {
				s.logger.Error("write output", "run_id", runID, "image", out.Name, "error", err)
				return
			}
			written.set(out.ImageID, path)
		},
	})
	if err != nil {
		s.sessions.Forget(runID)
		return mcp.NewToolResultError(fmt.Sprintf("start run: %v", err)), nil
	}

	if !req.GetBool("wait", false) {
		return marshalResult(map[string]any{
			"run_id": runID,
			"status": schema.RunStatusRunning,
			"images": len(images),
		})
	}

	res, runErr := s.manager.Wait(ctx, runID)
	if res == nil {
		return mcp.NewToolResultError(fmt.Sprintf("wait for run %s: %v", runID, runErr)), nil
	}
	return marshalResult(summarize(res, written))
}

// handleStatus returns a run's persisted state and totals.
func (s *Server) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	if s.manager == nil {
		return mcp.NewToolResultError("runs are not configured on this server"), nil
	}

	report, statusErr := s.manager.Status(ctx, runID)
	if statusErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", statusErr)), nil
	}
	return marshalResult(report)
}

// handleCancel requests cancellation of a run.
func (s *Server) handleCancel(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	if s.manager == nil {
		return mcp.NewToolResultError("runs are not configured on this server"), nil
	}

	if cancelErr := s.manager.Cancel(runID); cancelErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("cancel failed: %v", cancelErr)), nil
	}
	return marshalResult(map[string]any{"ok": true, "run_id": runID})
}

// handleRecords lists a run's execution records with their totals.
func (s *Server) handleRecords(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	records, listErr := s.store.ListRecords(ctx, runID)
	if listErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", listErr)), nil
	}
	totals, sumErr := store.Summarize(runID, records)
	if sumErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("summarize failed: %v", sumErr)), nil
	}
	return marshalResult(map[string]any{"records": records, "totals": totals})
}

// handleRuns lists runs, newest first.
func (s *Server) handleRuns(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := store.RunFilter{
		Limit:  req.GetInt("limit", 50),
		Offset: req.GetInt("offset", 0),
	}
	if status := req.GetString("status", ""); status != "" {
		rs := schema.RunStatus(status)
		filter.Status = &rs
	}
	if since := req.GetString("since", ""); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("since must be RFC3339: %v", err)), nil
		}
		filter.Since = &t
	}

	runs, err := s.store.ListRuns(ctx, filter)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"runs": runs})
}

// handleEvents lists a run's events, or the latest events of one type.
func (s *Server) handleEvents(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID := req.GetString("run_id", "")
	eventType := req.GetString("event_type", "")

	if eventType != "" {
		events, err := s.store.GetEventsByType(ctx, eventType, store.EventFilter{
			RunID: runID,
			Limit: req.GetInt("limit", 100),
		})
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
		}
		return marshalResult(map[string]any{"events": events})
	}

	if runID == "" {
		return mcp.NewToolResultError("event query requires either 'event_type' or 'run_id'"), nil
	}
	events, err := s.store.GetEvents(ctx, runID, int64(req.GetInt("since", 0)))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"events": events})
}

// handleDiagram renders a graph document or a stored run as text.
func (s *Server) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var (
		model *diagram.DiagramModel
		err   error
	)
	if runID := req.GetString("run_id", ""); runID != "" {
		model, err = diagram.ForRun(ctx, s.store, runID)
	} else {
		doc := mcp.ParseStringMap(req, "graph", nil)
		if doc == nil {
			return mcp.NewToolResultError("diagram requires either 'graph' or 'run_id'"), nil
		}
		g, decodeErr := s.decoder.DecodeValue(doc)
		if decodeErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid graph: %v", decodeErr)), nil
		}
		model, err = diagram.Build(g, s.graphOpts, nil)
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("diagram failed: %v", err)), nil
	}

	switch format := req.GetString("format", "mermaid"); format {
	case "mermaid":
		return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
	case "ascii":
		return mcp.NewToolResultText(diagram.RenderASCII(model)), nil
	case "svg":
		svg, renderErr := diagram.RenderImage(ctx, model, diagram.FormatSVG)
		if renderErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("render failed: %v", renderErr)), nil
		}
		return mcp.NewToolResultText(string(svg)), nil
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown format %q", format)), nil
	}
}

// --- Internal helpers ---

// writtenOutputs maps image IDs to the files their outputs were written to.
type writtenOutputs struct {
	mu    sync.Mutex
	paths map[string]string
}

func (w *writtenOutputs) set(imageID, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.paths[imageID] = path
}

func (w *writtenOutputs) get(imageID string) string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.paths[imageID]
}

func summarize(res *engine.RunResult, written *writtenOutputs) runSummary {
	out := runSummary{
		RunID:   res.RunID,
		Status:  res.Status,
		Records: res.Records,
		Error:   res.Error,
	}
	for _, o := range res.Outputs {
		out.Outputs = append(out.Outputs, outputSummary{
			ImageID:   o.ImageID,
			Name:      o.Name,
			MediaType: o.MediaType,
			SizeBytes: len(o.Data),
			Path:      written.get(o.ImageID),
		})
	}
	return out
}

// captureSession maps the run to the caller's MCP session for progress
// notifications.
func (s *Server) captureSession(ctx context.Context, runID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(runID, session.SessionID())
	}
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}

package panel

import (
	"log/slog"
	"net/http"
	"os"

	"github.com/rendis/imagechain/internal/engine"
	"github.com/rendis/imagechain/internal/store"
	"github.com/rendis/imagechain/internal/streaming"
)

// PanelDeps holds the dependencies for the panel server.
type PanelDeps struct {
	Store   store.Store
	Manager *engine.Manager    // optional; enables live status and cancel
	Hub     streaming.EventHub // optional; enables the SSE streams
	Logger  *slog.Logger
}

// PanelServer serves the run monitoring API: run history, records, events,
// diagrams and live event streams.
type PanelServer struct {
	deps PanelDeps
}

// NewPanelServer creates a new PanelServer.
func NewPanelServer(deps PanelDeps) *PanelServer {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &PanelServer{deps: deps}
}

// Handler returns the HTTP handler for the panel routes.
func (s *PanelServer) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)

	// Queries.
	mux.HandleFunc("GET /api/runs", s.handleRuns)
	mux.HandleFunc("GET /api/runs/active", s.handleActive)
	mux.HandleFunc("GET /api/runs/{id}", s.handleRun)
	mux.HandleFunc("GET /api/runs/{id}/records", s.handleRecords)
	mux.HandleFunc("GET /api/runs/{id}/events", s.handleEvents)
	mux.HandleFunc("GET /api/runs/{id}/diagram", s.handleDiagram)

	// SSE streams.
	mux.HandleFunc("GET /sse/events", s.handleSSEGlobal)
	mux.HandleFunc("GET /sse/runs/{id}", s.handleSSERun)

	// Mutations.
	mux.HandleFunc("POST /api/runs/{id}/cancel", s.handleCancel)

	return mux
}

package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/imagechain/internal/engine"
	"github.com/rendis/imagechain/internal/store"
	"github.com/rendis/imagechain/internal/streaming"
	"github.com/rendis/imagechain/internal/validation"
)

// ServerDeps holds the dependencies for creating a Server.
type ServerDeps struct {
	Manager  *engine.Manager
	Store    store.Store
	Backends engine.BackendsFactory
	Hub      streaming.EventHub // optional; enables run progress notifications
	Decoder  *validation.GraphDecoder
	Graph    validation.Options
	OutDir   string // default output directory for imagechain.run
	Version  string
	Logger   *slog.Logger
}

// Server wraps an MCP server with imagechain tool handlers.
type Server struct {
	manager   *engine.Manager
	store     store.Store
	backends  engine.BackendsFactory
	hub       streaming.EventHub
	decoder   *validation.GraphDecoder
	graphOpts validation.Options
	outDir    string
	sessions  *SessionRegistry
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewServer creates a Server with all tools registered.
func NewServer(deps ServerDeps) (*Server, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	decoder := deps.Decoder
	if decoder == nil {
		var err error
		if decoder, err = validation.NewGraphDecoder(); err != nil {
			return nil, err
		}
	}
	version := deps.Version
	if version == "" {
		version = "dev"
	}

	s := &Server{
		manager:   deps.Manager,
		store:     deps.Store,
		backends:  deps.Backends,
		hub:       deps.Hub,
		decoder:   decoder,
		graphOpts: deps.Graph,
		outDir:    deps.OutDir,
		sessions:  NewSessionRegistry(),
		logger:    logger,
	}

	hooks := &server.Hooks{}
	hooks.AddOnUnregisterSession(func(_ context.Context, session server.ClientSession) {
		s.sessions.Remove(session.SessionID())
	})

	mcpSrv := server.NewMCPServer(
		"imagechain",
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithHooks(hooks),
		server.WithInstructions("imagechain runs batches of images through a chain of AI image transformation steps. "+
			"Use imagechain.validate to check a graph, imagechain.run to start a batch, imagechain.status and imagechain.records to follow it, "+
			"imagechain.cancel to stop it, imagechain.runs or imagechain.events to browse history, and imagechain.diagram to draw a graph or a run."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s, nil
}

// Serve starts the stdio transport and blocks until ctx is cancelled or
// stdin closes. Run events are forwarded to the session that started the
// run while serving.
func (s *Server) Serve(ctx context.Context) error {
	if s.hub != nil {
		notifier := NewRunNotifier(s.mcpServer, s.sessions, s.logger)
		stop, err := notifier.Forward(ctx, s.hub)
		if err != nil {
			return err
		}
		defer stop()
	}
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: validateTool(), Handler: s.handleValidate},
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: recordsTool(), Handler: s.handleRecords},
		{Tool: runsTool(), Handler: s.handleRuns},
		{Tool: eventsTool(), Handler: s.handleEvents},
		{Tool: diagramTool(), Handler: s.handleDiagram},
	}
}

// --- Tool definitions ---

func validateTool() mcp.Tool {
	return mcp.NewTool("imagechain.validate",
		mcp.WithDescription("Validate a workflow graph and return its execution order"),
		mcp.WithObject("graph", mcp.Required(), mcp.Description("Graph document: {name, steps: [{id, name, prompt}], edges: [{from, to}]}")),
	)
}

func runTool() mcp.Tool {
	return mcp.NewTool("imagechain.run",
		mcp.WithDescription("Run a batch of images through a workflow graph"),
		mcp.WithObject("graph", mcp.Required(), mcp.Description("Graph document: {name, steps: [{id, name, prompt}], edges: [{from, to}]}")),
		mcp.WithArray("images", mcp.Required(), mcp.WithStringItems(), mcp.Description("Paths of the input image files, processed in order")),
		mcp.WithString("out_dir", mcp.Description("Directory finished images are written to")),
		mcp.WithString("name", mcp.Description("Run name")),
		mcp.WithBoolean("wait", mcp.Description("Block until the run finishes (default: false)")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("imagechain.status",
		mcp.WithDescription("Get a run's status and execution totals"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to query")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("imagechain.cancel",
		mcp.WithDescription("Cancel an in-progress run"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to cancel")),
	)
}

func recordsTool() mcp.Tool {
	return mcp.NewTool("imagechain.records",
		mcp.WithDescription("List a run's execution records"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run")),
	)
}

func runsTool() mcp.Tool {
	return mcp.NewTool("imagechain.runs",
		mcp.WithDescription("List runs, newest first"),
		mcp.WithString("status", mcp.Enum("idle", "running", "completed", "cancelled", "failed"), mcp.Description("Only runs with this status")),
		mcp.WithString("since", mcp.Description("Only runs created at or after this RFC3339 time")),
		mcp.WithNumber("limit", mcp.Description("Maximum runs to return (default: 50)")),
		mcp.WithNumber("offset", mcp.Description("Runs to skip")),
	)
}

func eventsTool() mcp.Tool {
	return mcp.NewTool("imagechain.events",
		mcp.WithDescription("List run events"),
		mcp.WithString("run_id", mcp.Description("ID of the run (required unless event_type is set)")),
		mcp.WithString("event_type", mcp.Description("Only events of this type, newest first")),
		mcp.WithNumber("since", mcp.Description("Only events after this sequence number (with run_id)")),
		mcp.WithNumber("limit", mcp.Description("Maximum events to return with event_type (default: 100)")),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("imagechain.diagram",
		mcp.WithDescription("Draw a workflow graph, or a run's progress through its graph"),
		mcp.WithObject("graph", mcp.Description("Graph document to draw (required unless run_id is set)")),
		mcp.WithString("run_id", mcp.Description("Draw this run with per-step status")),
		mcp.WithString("format", mcp.Enum("ascii", "mermaid", "svg"), mcp.Description("Output format (default: mermaid)")),
	)
}

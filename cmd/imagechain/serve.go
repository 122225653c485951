package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/rendis/imagechain/internal/backend"
	"github.com/rendis/imagechain/internal/engine"
	"github.com/rendis/imagechain/internal/metrics"
	"github.com/rendis/imagechain/internal/panel"
	"github.com/rendis/imagechain/internal/streaming"
	mcpserver "github.com/rendis/imagechain/pkg/mcp"
)

// serveOptions defines flags for the `serve` command.
type serveOptions struct {
	global *globalOptions

	outDir    string
	panelAddr string
}

func newServeOptions(global *globalOptions) *serveOptions {
	return &serveOptions{global: global}
}

func (o *serveOptions) addFlags(cmd *cobra.Command) {
	if o == nil {
		return
	}

	cmd.Flags().StringVar(&o.outDir, "out", "", "default directory imagechain.run writes finished images to")
	cmd.Flags().StringVar(&o.panelAddr, "panel-addr", "", "serve the run monitoring API on this address (overrides panel_addr)")
}

// run serves the MCP tools over stdio until stdin closes or a signal
// arrives. Runs still in progress are cancelled on the way out.
func (o *serveOptions) run(ctx context.Context, _ *cobra.Command) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, logger := o.global.cfg, o.global.logger

	s, err := o.global.openStore(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	backends, err := backendsFactory(cfg, backend.ClientOptions{Logger: logger})
	if err != nil {
		return err
	}

	if cfg.MetricsAddr != "" {
		shutdown := startHTTPServer("metrics", cfg.MetricsAddr, metricsHandler(), logger)
		defer shutdown()
	}

	hub := streaming.NewMemoryHub()
	manager := engine.NewManager(o.global.newRunner(s, hub), s, cfg.PoolSize, logger)
	defer manager.Shutdown()

	panelAddr := cfg.PanelAddr
	if o.panelAddr != "" {
		panelAddr = o.panelAddr
	}
	if panelAddr != "" {
		api := panel.NewPanelServer(panel.PanelDeps{Store: s, Manager: manager, Hub: hub, Logger: logger})
		shutdown := startHTTPServer("panel", panelAddr, api.Handler(), logger)
		defer shutdown()
	}

	srv, err := mcpserver.NewServer(mcpserver.ServerDeps{
		Manager:  manager,
		Store:    s,
		Backends: backends,
		Hub:      hub,
		Graph:    cfg.validationOptions(),
		OutDir:   o.outDir,
		Version:  version,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	logger.Info("imagechain MCP server listening on stdio", "version", version, "pool_size", cfg.PoolSize)
	if err := srv.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// metricsHandler serves the imagechain collectors from a private registry.
func metricsHandler() http.Handler {
	registry := prometheus.NewRegistry()
	metrics.InitMetrics(registry)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	return mux
}

// startHTTPServer serves handler on addr in the background and returns a
// function that shuts the listener down.
func startHTTPServer(name, addr string, handler http.Handler, logger *slog.Logger) func() {
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info(name+" listener started", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(name+" listener failed", "error", err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	}
}

// newCmdServe creates the `serve` command.
func newCmdServe(global *globalOptions) *cobra.Command {
	o := newServeOptions(global)

	command := &cobra.Command{
		Use:   "serve",
		Short: "Serve the imagechain MCP tools over stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.run(cmd.Context(), cmd)
		},
	}

	o.addFlags(command)

	return command
}

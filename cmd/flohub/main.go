// Package main provides the CLI entry point for the flo hub: a server that
// hosts long-lived autonomous agents, routes their tool calls, and streams
// their browser viewports to connected clients.
//
// # Basic Usage
//
// Start the hub:
//
//	flohub serve --config flohub.yaml
//
// Environment variables referenced in the config file (for example
// ${FLOHUB_AUTH_TOKEN}) are expanded at load time.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/robman/flo.monster-sub000/internal/browse"
	"github.com/robman/flo.monster-sub000/internal/config"
	"github.com/robman/flo.monster-sub000/internal/hub"
	"github.com/robman/flo.monster-sub000/internal/session"
	"github.com/robman/flo.monster-sub000/internal/stream"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "flohub",
		Short: "flohub - agent hosting hub",
		Long: `flohub hosts long-lived autonomous agents: it runs their agentic
loops, schedules their triggers, executes their sandboxed code, and fans
events out to subscribed browser clients over WebSocket.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.AddCommand(buildServeCmd(), buildCheckConfigCmd())
	return rootCmd
}

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the hub server",
		Long: `Start the hub server.

The server will:
1. Load configuration from the specified file
2. Open the session store (memory or sqlite)
3. Rehydrate persisted agents and their schedules
4. Listen for WebSocket clients on the hub port
5. Listen for viewport stream connections on the stream port

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "flohub.yaml", "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func buildCheckConfigCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "check-config",
		Short: "Validate a configuration file and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.Load(configPath); err != nil {
				return err
			}
			fmt.Println("configuration ok")
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "flohub.yaml", "Path to YAML configuration file")
	return cmd
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	slog.Info("starting flohub", "version", version, "config", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	slog.SetDefault(buildLogger(cfg, debug))

	sessions, err := openSessionStore(cfg)
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}

	opts := []hub.ServerOption{
		hub.WithMetricsRegistry(prometheus.DefaultRegisterer),
	}
	var browser *browse.Manager
	if cfg.Stream.BrowserDebugURL != "" || cfg.Server.StreamPort > 0 {
		browser = browse.NewManager(browse.Config{
			DebugURL:     cfg.Stream.BrowserDebugURL,
			ViewportW:    cfg.Stream.ViewportWidth,
			ViewportH:    cfg.Stream.ViewportHeight,
			FrameQuality: cfg.Stream.FrameQuality,
		})
		opts = append(opts, hub.WithBrowseManager(browser))
	}
	server := hub.NewServer(cfg, sessions, opts...)

	hubAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	hubSrv := &http.Server{Addr: hubAddr, Handler: server.Handler()}

	streamSrv := &http.Server{
		Addr: fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.StreamPort),
		Handler: stream.NewServer(server.StreamTokens(), server.StreamAttach,
			stream.WithHighWaterMark(uint32(cfg.Stream.AckHighWaterMark)),
			stream.WithAckGrace(cfg.Stream.AckGrace)),
	}

	errCh := make(chan error, 3)
	go func() { errCh <- listen(hubSrv, cfg, "hub") }()
	if cfg.Server.StreamPort > 0 {
		go func() { errCh <- listen(streamSrv, cfg, "stream") }()
	}

	var metricsSrv *http.Server
	if cfg.Server.MetricsPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{
			Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.MetricsPort),
			Handler: mux,
		}
		go func() { errCh <- metricsSrv.ListenAndServe() }()
	}

	if err := server.Rehydrate(ctx); err != nil {
		return fmt.Errorf("failed to rehydrate agents: %w", err)
	}
	server.Scheduler().Start()
	slog.Info("hub listening", "addr", hubAddr, "tls", cfg.Server.TLS.Enabled())

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	select {
	case <-sigCtx.Done():
		slog.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	server.Shutdown(shutdownCtx)
	_ = hubSrv.Shutdown(shutdownCtx)
	_ = streamSrv.Shutdown(shutdownCtx)
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	slog.Info("hub stopped")
	return nil
}

func buildLogger(cfg *config.Config, debug bool) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if debug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Logging.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func listen(srv *http.Server, cfg *config.Config, name string) error {
	if cfg.Server.TLS.Enabled() {
		slog.Info("listener starting", "name", name, "addr", srv.Addr, "tls", true)
		return srv.ListenAndServeTLS(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
	}
	slog.Info("listener starting", "name", name, "addr", srv.Addr, "tls", false)
	return srv.ListenAndServe()
}

func openSessionStore(cfg *config.Config) (session.Store, error) {
	switch cfg.Storage.Backend {
	case "sqlite":
		return session.NewSQLiteStore(cfg.Storage.SQLitePath)
	default:
		return session.NewMemoryStore(), nil
	}
}

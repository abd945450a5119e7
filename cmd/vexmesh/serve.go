package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/polisai/vexmesh/pkg/config"
	"github.com/polisai/vexmesh/pkg/logging"
	"github.com/polisai/vexmesh/pkg/metrics"
	"github.com/polisai/vexmesh/pkg/telemetry"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the propagation mesh",
		Long: `Run the propagation mesh with its admin endpoint.

The configuration file and the rule file are watched; edits are applied
without a restart. SIGHUP forces a reload of both.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}
	cmd.Flags().String("admin-addr", "", "Admin and metrics listen address (overrides metrics.address)")
	cmd.Flags().String("rules", "", "Path to the rule file (overrides rules_path)")
	cmd.Flags().Bool("pretty", false, "Enable text log output")
	return cmd
}

// loadConfig reads the configuration named by --config and applies flag
// overrides on top of file and environment values.
func loadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, "", fmt.Errorf("failed to get config flag: %w", err)
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, "", err
	}

	if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
		cfg.Logging.Level = lvl
	}
	if f := cmd.Flags().Lookup("rules"); f != nil && f.Value.String() != "" {
		cfg.RulesPath = f.Value.String()
	}
	if f := cmd.Flags().Lookup("admin-addr"); f != nil && f.Value.String() != "" {
		cfg.Metrics.Address = f.Value.String()
	}
	if pretty, _ := cmd.Flags().GetBool("pretty"); pretty {
		cfg.Logging.Pretty = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, configPath, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, configPath, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger, level := logging.NewLogger(cfg.Logging.LoggerConfig())
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupProvider(ctx, cfg.Telemetry.ProviderConfig())
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Error("Tracer shutdown failed", "error", err)
		}
	}()

	m := metrics.New()
	ms, err := newMesh(cfg, logger, m)
	if err != nil {
		return err
	}
	reloader := config.NewReloader(cfg, logger.With("component", "config"), m)
	for _, a := range ms.appliers(level) {
		reloader.Register(a)
	}

	if err := ms.start(ctx); err != nil {
		_ = ms.stop()
		return err
	}
	defer func() {
		if err := ms.stop(); err != nil {
			logger.Error("Mesh shutdown failed", "error", err)
		}
	}()

	reload := func(path string) error {
		if path == ms.rulesAbs {
			return ms.reloadRules(ctx)
		}
		return reloader.ReloadFile(path)
	}

	watcher, err := startWatcher(ctx, configPath, ms, reload, logger)
	if err != nil {
		return err
	}
	if watcher != nil {
		defer func() { _ = watcher.Stop() }()
	}

	go handleSIGHUP(ctx, configPath, ms, reload, logger)

	var server *http.Server
	if cfg.Metrics.Enabled {
		server, err = startAdminServer(cfg.Metrics.Address, newAdminHandler(ms, reloader), logger)
		if err != nil {
			return err
		}
	}

	logger.Info("vexmesh running", "config", configPath, "rules", cfg.RulesPath)
	<-ctx.Done()
	logger.Info("Shutting down")

	if server != nil {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(sctx); err != nil {
			logger.Error("Admin server shutdown error", "error", err)
		}
	}
	return nil
}

// startWatcher watches the configuration file and the rule file. It returns
// nil when there is nothing on disk to watch.
func startWatcher(ctx context.Context, configPath string, ms *mesh, reload func(string) error, logger *slog.Logger) (*config.Watcher, error) {
	var paths []string
	if ms.rulesAbs != "" {
		paths = append(paths, ms.rulesAbs)
	}
	if configPath != "" {
		abs, err := filepath.Abs(configPath)
		if err != nil {
			return nil, fmt.Errorf("resolve config path: %w", err)
		}
		paths = append(paths, abs)
	}
	if len(paths) == 0 {
		return nil, nil
	}
	w, err := config.NewWatcher(paths, reload, config.WithWatcherLogger(logger.With("component", "watcher")))
	if err != nil {
		return nil, err
	}
	if err := w.Start(ctx); err != nil {
		_ = w.Stop()
		return nil, err
	}
	return w, nil
}

func handleSIGHUP(ctx context.Context, configPath string, ms *mesh, reload func(string) error, logger *slog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			logger.Info("Received SIGHUP, reloading")
			if configPath != "" {
				abs, _ := filepath.Abs(configPath)
				if err := reload(abs); err != nil {
					logger.Error("Configuration reload failed", "error", err)
				}
			}
			if err := ms.reloadRules(ctx); err != nil {
				logger.Error("Rule reload failed", "error", err)
			}
		}
	}
}

func startAdminServer(addr string, handler http.Handler, logger *slog.Logger) (*http.Server, error) {
	server := &http.Server{
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to bind admin listener %s: %w", addr, err)
	}
	logger.Info("Admin server listening", "addr", listener.Addr().String())

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Admin server failed", "error", err)
		}
	}()
	return server, nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/taskpilot/internal/config"
	"github.com/haasonsaas/taskpilot/internal/history"
	"github.com/haasonsaas/taskpilot/internal/observability"
	"github.com/haasonsaas/taskpilot/internal/worker"
)

// buildServeCmd creates the "serve" command that starts the session
// server: a worker manager plus an HTTP endpoint for health checks and
// Prometheus metrics. Frontends attach through the manager API.
func buildServeCmd() *cobra.Command {
	var (
		configPath  string
		listenAddr  string
		historyPath string
		overlayPath string
		debug       bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the TaskPilot session server",
		Long: `Start the session server.

The server will:
1. Load configuration from the specified file
2. Open the transcript store
3. Start the worker manager (up to 8 concurrent sessions)
4. Start the HTTP server for health checks and metrics

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  taskpilot serve

  # Start with custom config and metrics address
  taskpilot serve --config /etc/taskpilot/config.json --listen :9187`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, listenAddr, historyPath, overlayPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to JSON configuration file")
	cmd.Flags().StringVar(&listenAddr, "listen", ":9187", "HTTP listen address for /healthz and /metrics")
	cmd.Flags().StringVar(&historyPath, "history", defaultHistoryPath(), "Path to the sqlite transcript store")
	cmd.Flags().StringVar(&overlayPath, "approvals", "", "Path to YAML approval overlay (optional)")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging (verbose output)")

	return cmd
}

func runServe(ctx context.Context, configPath, listenAddr, historyPath, overlayPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	level := "info"
	if debug || cfg.Settings.DebugMode {
		level = "debug"
	}
	logger := observability.NewLogger(observability.LogConfig{Level: level, Format: "json"})
	metrics := observability.NewMetrics(nil)

	store, err := openHistory(historyPath)
	if err != nil {
		return fmt.Errorf("open history store: %w", err)
	}
	defer store.Close()

	endpoint, model, err := cfg.Active()
	if err != nil {
		return fmt.Errorf("resolve endpoint: %w", err)
	}

	overlay := &config.ApprovalOverlay{}
	if overlayPath != "" {
		overlay, err = config.LoadApprovalOverlay(overlayPath)
		if err != nil {
			return fmt.Errorf("load approval overlay: %w", err)
		}
	}

	manager := worker.NewManager(worker.ManagerOptions{
		Logger:  logger,
		Metrics: metrics,
		HostDefaults: worker.HostOptions{
			BaseURL:          endpoint.BaseURL,
			APIKey:           endpoint.APIKey,
			Model:            model.ID,
			Temperature:      cfg.Settings.Temperature,
			MaxTokens:        cfg.Settings.MaxTokens,
			MaxContextTokens: model.MaxTokens,
			AlwaysAllowTools: overlay.AlwaysAllow,
			AlwaysDenyTools:  overlay.AlwaysDeny,
		},
	})
	defer manager.Shutdown()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "ok workers=%d\n", manager.WorkerCount())
	})
	server := &http.Server{Addr: listenAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", listenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	logger.Info("taskpilot started",
		"version", version,
		"endpoint", endpoint.ID,
		"model", model.ID,
		"max_workers", worker.MaxWorkers,
	)

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-sigCtx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	return nil
}

// defaultHistoryPath places the transcript store next to the user's
// config directory, falling back to the working directory.
func defaultHistoryPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "taskpilot-history.db"
	}
	return filepath.Join(dir, "taskpilot", "history.db")
}

// openHistory opens the transcript store, creating parent directories
// for the default config-dir location.
func openHistory(path string) (*history.Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	return history.Open(path)
}

// ============================================================================
// framecut CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Provides the user-facing command line interface based on Cobra
//
// Command Structure:
//   framecut                       # Root command
//   ├── serve                      # Start the coordinator + job API
//   ├── work                       # Start one or more inference workers
//   │   └── --count, -n           # Number of workers in this process
//   ├── plan                       # Dry-run window planning for a videos dir
//   ├── status                     # Query a running coordinator
//   ├── --config, -c              # Config file path (all commands)
//   ├── --version                  # Display version information
//   └── --help                     # Display help information
//
// Configuration Management:
//   Uses YAML format config file (default: configs/framecut.yaml).
//   API keys are taken from the environment only (FRAMECUT_API_KEY or
//   OPENAI_API_KEY), never from the file.
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/seglab/framecut/internal/config"
	"github.com/seglab/framecut/internal/coordinator"
	"github.com/seglab/framecut/internal/metrics"
	"github.com/seglab/framecut/internal/planner"
	"github.com/seglab/framecut/internal/server"
	"github.com/seglab/framecut/internal/source"
	"github.com/seglab/framecut/internal/vlm"
	"github.com/seglab/framecut/internal/worker"
)

var configFile string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "framecut",
		Short: "framecut: distributed video segmentation by windowed VLM voting",
		Long: `framecut splits long manipulation videos into per-instruction segments:
- overlapping windows dispatched to pull-based workers
- Hanning-weighted transition voting across windows
- crash-recoverable result journal per video
- atomic two-step finalization (segments.json then .DONE)`,
		Version: "1.0.0",
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/framecut.yaml", "config file path")

	rootCmd.AddCommand(buildServeCommand())
	rootCmd.AddCommand(buildWorkCommand())
	rootCmd.AddCommand(buildPlanCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

func buildServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the coordinator and the worker-facing job API",
		Long:  "Plan windows for every video under data.videos_dir, recover journaled progress, and serve jobs until all videos are finalized or the process is stopped",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger()

	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)
	if cfg.Metrics.Enabled {
		go func() {
			if err := metrics.StartServer(cfg.Metrics.Port, registry); err != nil {
				logger.Error("metrics server exited", "error", err)
			}
		}()
	}

	coord, err := coordinator.NewCoordinator(coordinator.Config{
		WindowSize:       cfg.Plan.WindowSize,
		Stride:           cfg.Plan.Stride,
		FramesPerWindow:  cfg.Plan.FramesPerWindow,
		MaxAttempts:      cfg.Dispatch.MaxAttempts,
		LeaseTimeout:     cfg.LeaseTimeout(),
		SweepInterval:    cfg.SweepInterval(),
		AcceptFraction:   cfg.Segment.AcceptFraction,
		MinSegmentFrames: cfg.Segment.MinSegmentFrames,
		OutputDir:        cfg.Data.OutputDir,
	}, source.NewDir(cfg.Data.VideosDir), collector, logger)
	if err != nil {
		return err
	}
	if err := coord.Start(); err != nil {
		return err
	}
	defer coord.Stop()

	httpSrv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: server.New(coord.Dispatcher(), coord.Store(), logger).Handler(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("job API listening", "addr", cfg.Server.Addr)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		return fmt.Errorf("job API server failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
	return nil
}

func buildWorkCommand() *cobra.Command {
	var count int

	cmd := &cobra.Command{
		Use:   "work",
		Short: "Start inference workers polling the coordinator",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWork(count)
		},
	}

	cmd.Flags().IntVarP(&count, "count", "n", 1, "Number of workers in this process")
	return cmd
}

func runWork(count int) error {
	if count < 1 {
		return fmt.Errorf("worker count must be >= 1, got %d", count)
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger()

	backend, err := buildBackend(cfg)
	if err != nil {
		return err
	}
	logger.Info("starting workers",
		"count", count, "backend", backend.Name(), "server", cfg.Worker.ServerURL)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(count)
	for i := 0; i < count; i++ {
		w := worker.New(worker.Options{
			Backend:      backend,
			Client:       worker.NewClient(cfg.Worker.ServerURL, cfg.RequestTimeout()),
			PollInterval: cfg.PollInterval(),
			MaxBackoff:   cfg.MaxBackoff(),
			ParseRetries: cfg.Worker.ParseRetries,
			Logger:       logger,
		})
		go func() {
			defer wg.Done()
			if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("worker exited", "worker", w.ID(), "error", err)
			}
		}()
	}

	wg.Wait()
	logger.Info("workers stopped")
	return nil
}

func buildBackend(cfg *config.Config) (vlm.Backend, error) {
	switch cfg.Backend.Type {
	case "fixed":
		return &vlm.Fixed{}, nil
	case "openai":
		if cfg.Backend.APIKey == "" {
			return nil, fmt.Errorf("backend API key is not set (FRAMECUT_API_KEY or OPENAI_API_KEY)")
		}
		return vlm.NewOpenAI(vlm.OpenAIConfig{
			BaseURL:     cfg.Backend.BaseURL,
			APIKey:      cfg.Backend.APIKey,
			Model:       cfg.Backend.Model,
			Temperature: cfg.Backend.Temperature,
			MaxTokens:   cfg.Backend.MaxTokens,
		}), nil
	default:
		return nil, fmt.Errorf("unknown backend type %q", cfg.Backend.Type)
	}
}

func buildPlanCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "plan",
		Short: "Show the window plan for every video without running anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlan()
		},
	}
}

func runPlan() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	videos, err := source.NewDir(cfg.Data.VideosDir).ListVideos()
	if err != nil {
		return err
	}

	fmt.Printf("📋 Window plan (window=%d stride=%d frames/window=%d)\n",
		cfg.Plan.WindowSize, cfg.Plan.Stride, cfg.Plan.FramesPerWindow)
	for _, v := range videos {
		windows, err := planner.Plan(v.ID, v.NFrames, cfg.Plan.WindowSize, cfg.Plan.Stride)
		if err != nil {
			return err
		}
		fmt.Printf("  └─ %-24s %5d frames → %3d windows\n", v.ID, v.NFrames, len(windows))
		for _, w := range windows {
			fmt.Printf("       w%-3d [%5d, %5d)\n", w.ID, w.StartFrame, w.EndFrame)
		}
	}
	return nil
}

func buildStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue statistics of a running coordinator",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus()
		},
	}
}

func runStatus() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	resp, err := http.Get(cfg.Worker.ServerURL + "/v1/status")
	if err != nil {
		return fmt.Errorf("coordinator unreachable at %s: %w", cfg.Worker.ServerURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status request failed: HTTP %d", resp.StatusCode)
	}

	var st server.StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return fmt.Errorf("failed to decode status: %w", err)
	}

	fmt.Println("📋 Coordinator status:")
	fmt.Printf("  └─ Queued:            %d\n", st.Stats.Queued)
	fmt.Printf("  └─ Inflight:          %d\n", st.Stats.Inflight)
	fmt.Printf("  └─ Done:              %d\n", st.Stats.Done)
	fmt.Printf("  └─ Failed permanent:  %d\n", st.Stats.FailedPermanent)
	fmt.Printf("  └─ Videos:            %d\n", len(st.Videos))
	return nil
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func newLogger() *slog.Logger {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)
	return logger
}

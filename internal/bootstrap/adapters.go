package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mailcanary/mailcanary/config"
	"github.com/mailcanary/mailcanary/internal/adapters/reaper"
	"github.com/mailcanary/mailcanary/internal/adapters/worker"
	"github.com/mailcanary/mailcanary/internal/core"
	"github.com/mailcanary/mailcanary/internal/observability/statsd"
	"github.com/mailcanary/mailcanary/internal/service"
)

// WorkerRunnerConfig contains configuration for the render worker runner.
type WorkerRunnerConfig struct {
	Services ServiceContainer
	Config   config.WorkerConfig
	Logger   *slog.Logger
}

// RunWorker starts the render worker loop.
func RunWorker(ctx context.Context, cfg WorkerRunnerConfig) error {
	if cfg.Services.Worker == nil {
		return errors.New("worker service is not built; check enabled service modes")
	}

	runner, err := worker.NewRunner(worker.RunnerOptions{
		Jobs:   cfg.Services.Jobs,
		Worker: cfg.Services.Worker,
		Config: cfg.Config,
		Logger: cfg.Logger,
	})
	if err != nil {
		return fmt.Errorf("create worker runner: %w", err)
	}

	return runner.Run(ctx)
}

// ReaperRunnerConfig contains configuration for the reaper runner.
type ReaperRunnerConfig struct {
	DB      *sql.DB
	Logger  *slog.Logger
	Config  config.ReaperConfig
	Metrics statsd.Sink
}

// RunReaper starts the reaper service.
func RunReaper(ctx context.Context, cfg ReaperRunnerConfig) error {
	runner, err := reaper.NewRunner(reaper.RunnerOptions{
		DB:      cfg.DB,
		Config:  cfg.Config,
		Logger:  cfg.Logger,
		Metrics: cfg.Metrics,
	})
	if err != nil {
		return fmt.Errorf("create reaper runner: %w", err)
	}

	return runner.Run(ctx)
}

// HealthRunnerConfig contains configuration for the worker health monitor.
type HealthRunnerConfig struct {
	Services ServiceContainer
	Config   config.HealthConfig
	Logger   *slog.Logger
	Metrics  statsd.Sink
}

// RunHealthMonitor starts the worker health monitor.
func RunHealthMonitor(ctx context.Context, cfg HealthRunnerConfig) error {
	if cfg.Services.Worker == nil {
		return errors.New("health monitor requires an in-process worker service")
	}

	monitor, err := service.NewHealthMonitor(service.HealthMonitorOptions{
		Workers: []core.WorkerStatsProvider{cfg.Services.Worker},
		Queue:   cfg.Services.Jobs,
		Config:  cfg.Config,
		Logger:  cfg.Logger,
		Metrics: cfg.Metrics,
	})
	if err != nil {
		return fmt.Errorf("create health monitor: %w", err)
	}

	return monitor.Run(ctx)
}

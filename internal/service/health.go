package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mailcanary/mailcanary/config"
	"github.com/mailcanary/mailcanary/internal/core"
	"github.com/mailcanary/mailcanary/internal/domain/model"
	"github.com/mailcanary/mailcanary/internal/observability/statsd"
)

// QueueStatsSource supplies job queue counts for health evaluation.
// *JobService satisfies this.
type QueueStatsSource interface {
	Stats(ctx context.Context) (*model.JobStats, error)
}

// HealthMonitorOptions groups dependencies for HealthMonitor.
type HealthMonitorOptions struct {
	Workers []core.WorkerStatsProvider // Required: workers to observe
	Queue   QueueStatsSource           // Optional: queue depth source for stall detection
	Config  config.HealthConfig        // Required: health monitor configuration
	Logger  *slog.Logger               // Optional: structured logger
	Metrics statsd.Sink                // Optional: metrics sink (StatsD-compatible)
}

// HealthMonitor periodically inspects worker counters and the queue depth,
// logging warnings when a worker looks stalled or memory-heavy and exporting
// the snapshots as gauges.
type HealthMonitor struct {
	workers []core.WorkerStatsProvider
	queue   QueueStatsSource
	config  config.HealthConfig
	logger  *slog.Logger
	metrics statsd.Sink
}

// NewHealthMonitor constructs a new HealthMonitor.
func NewHealthMonitor(opts HealthMonitorOptions) (*HealthMonitor, error) {
	if len(opts.Workers) == 0 {
		return nil, errors.New("at least one WorkerStatsProvider is required")
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "health_monitor")
	}

	return &HealthMonitor{
		workers: opts.Workers,
		queue:   opts.Queue,
		config:  opts.Config,
		logger:  logger,
		metrics: opts.Metrics,
	}, nil
}

// MustNewHealthMonitor constructs a new HealthMonitor and panics on error.
// Use this when you're certain the options are valid (e.g., in main.go).
func MustNewHealthMonitor(opts HealthMonitorOptions) *HealthMonitor {
	m, err := NewHealthMonitor(opts)
	if err != nil {
		//nolint:forbidigo // Must constructor fails fast when dependencies are invalid during startup
		panic(fmt.Sprintf("failed to create HealthMonitor: %v", err))
	}
	return m
}

// Run starts the health check loop and runs until the context is cancelled.
// Returns nil on graceful shutdown (context.Canceled), error otherwise.
func (m *HealthMonitor) Run(ctx context.Context) error {
	if m.logger != nil {
		m.logger.InfoContext(ctx, "starting health monitor", "interval", m.config.Interval)
	}

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	m.check(ctx)

	for {
		select {
		case <-ctx.Done():
			if m.logger != nil {
				m.logger.InfoContext(ctx, "health monitor stopping", "reason", ctx.Err())
			}
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()

		case <-ticker.C:
			m.check(ctx)
		}
	}
}

// check takes one snapshot of every worker plus the queue and evaluates it.
func (m *HealthMonitor) check(ctx context.Context) {
	backlog := m.queueBacklog(ctx)

	for _, w := range m.workers {
		stats := w.Stats()
		m.emitWorkerGauges(stats)
		m.evaluateWorker(ctx, stats, backlog)
	}

	if backlog >= 0 && m.metrics != nil {
		m.metrics.Gauge("health.queue_backlog", float64(backlog), nil)
	}
}

// queueBacklog returns the number of waiting jobs, or -1 when unknown.
func (m *HealthMonitor) queueBacklog(ctx context.Context) int {
	if m.queue == nil {
		return -1
	}

	stats, err := m.queue.Stats(ctx)
	if err != nil {
		if m.logger != nil {
			m.logger.WarnContext(ctx, "failed to read queue stats", "error", err)
		}
		return -1
	}

	return stats.Backlog()
}

// evaluateWorker logs warnings for stalled or memory-heavy workers.
func (m *HealthMonitor) evaluateWorker(ctx context.Context, stats model.WorkerStats, backlog int) {
	if m.config.MemoryWarnBytes > 0 && stats.MemoryBytes > m.config.MemoryWarnBytes {
		if m.logger != nil {
			m.logger.WarnContext(ctx, "worker memory usage above threshold",
				"worker_id", stats.WorkerID,
				"memory_bytes", stats.MemoryBytes,
				"threshold_bytes", m.config.MemoryWarnBytes,
			)
		}
		m.count("health.memory_warning", stats.WorkerID)
	}

	if m.isStalled(stats, backlog) {
		if m.logger != nil {
			m.logger.WarnContext(ctx, "worker appears stalled",
				"worker_id", stats.WorkerID,
				"state", stats.State,
				"backlog", backlog,
				"last_completed_at", stats.LastCompletedAt,
				"current_jobs", stats.CurrentJobs,
			)
		}
		m.count("health.stall_warning", stats.WorkerID)
	}
}

// isStalled reports whether a running worker with work waiting has gone too
// long without completing a job. A worker that never completed anything yet is
// given the benefit of the doubt, it may have just started.
func (m *HealthMonitor) isStalled(stats model.WorkerStats, backlog int) bool {
	if stats.State != model.WorkerRunning || backlog <= 0 {
		return false
	}
	if stats.LastCompletedAt.IsZero() {
		return false
	}

	window := time.Duration(m.config.StallFactor) * m.config.Interval
	return time.Since(stats.LastCompletedAt) > window
}

func (m *HealthMonitor) emitWorkerGauges(stats model.WorkerStats) {
	if m.metrics == nil {
		return
	}

	tags := map[string]string{"worker_id": stats.WorkerID}
	m.metrics.Gauge("health.worker.memory_bytes", float64(stats.MemoryBytes), tags)
	m.metrics.Gauge("health.worker.goroutines", float64(stats.Goroutines), tags)
	m.metrics.Gauge("health.worker.current_jobs", float64(stats.CurrentJobs), tags)
	m.metrics.Gauge("health.worker.processed_jobs", float64(stats.ProcessedJobs), tags)
	m.metrics.Gauge("health.worker.failed_jobs", float64(stats.FailedJobs), tags)
}

func (m *HealthMonitor) count(name, workerID string) {
	if m.metrics == nil {
		return
	}
	m.metrics.Count(name, 1, map[string]string{"worker_id": workerID})
}

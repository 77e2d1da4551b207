// Package worker provides the adapter that pulls render jobs off the queue and
// drives them through the worker service.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mailcanary/mailcanary/config"
	"github.com/mailcanary/mailcanary/internal/domain/model"
	"github.com/mailcanary/mailcanary/internal/service"
)

// heartbeatFraction divides the lease to pick the heartbeat interval, so a
// healthy worker renews well before the lease lapses.
const heartbeatFraction = 3

// RunnerOptions configures the worker runner adapter.
type RunnerOptions struct {
	Jobs   *service.JobService    // Required: queue operations
	Worker *service.WorkerService // Required: render job execution
	Config config.WorkerConfig
	Logger *slog.Logger
}

// Runner claims jobs and executes them on a pool of goroutines. It keeps each
// claimed job's lease alive with heartbeats while the job runs.
type Runner struct {
	jobs    *service.JobService
	worker  *service.WorkerService
	logger  *slog.Logger
	lease   time.Duration
	loops   int
	maxRate int

	mu     sync.Mutex
	starts []time.Time
}

// NewRunner constructs a worker runner.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.Jobs == nil {
		return nil, errors.New("JobService is required")
	}
	if opts.Worker == nil {
		return nil, errors.New("WorkerService is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	lease := opts.Config.JobLease
	if lease <= 0 {
		lease = opts.Jobs.DefaultLease()
	}
	loops := opts.Config.Concurrency
	if loops <= 0 {
		loops = 1
	}

	return &Runner{
		jobs:    opts.Jobs,
		worker:  opts.Worker,
		logger:  logger,
		lease:   lease,
		loops:   loops,
		maxRate: opts.Config.MaxJobsPerMinute,
	}, nil
}

// Run starts worker goroutines and processes jobs until the context is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting worker runner", "workers", r.loops, "lease", r.lease)

	if err := r.worker.SetState(model.WorkerRunning); err != nil {
		return fmt.Errorf("worker state: %w", err)
	}

	// Derive a cancellable context that we can signal on first fatal error
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	unsub, ch := r.jobs.Subscribe()
	defer unsub()

	var wg sync.WaitGroup
	errCh := make(chan error, 1)

	for range r.loops {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.workerLoop(ctx, ch); err != nil {
				// first error wins, cancels all workers
				select {
				case errCh <- err:
					cancel()
				default:
				}
			}
		}()
	}

	wg.Wait()
	r.shutdownStates(ctx)

	select {
	case err := <-errCh:
		return err
	default:
		return ctx.Err()
	}
}

func (r *Runner) shutdownStates(ctx context.Context) {
	if err := r.worker.SetState(model.WorkerStopping); err != nil {
		r.logger.DebugContext(ctx, "worker state transition skipped", "error", err)
	}
	if err := r.worker.SetState(model.WorkerStopped); err != nil {
		r.logger.DebugContext(ctx, "worker state transition skipped", "error", err)
	}
	r.logger.InfoContext(ctx, "worker runner stopped")
}

func (r *Runner) workerLoop(ctx context.Context, notify <-chan struct{}) error {
	for ctx.Err() == nil {
		if !r.waitForRateSlot(ctx) {
			return nil
		}

		job, err := r.jobs.ReserveNext(ctx, r.lease)
		switch {
		case err == nil:
			if job != nil {
				r.recordStart()
				r.processJob(ctx, job)
			}
		case errors.Is(err, model.ErrNoJobsAvailable):
			if !r.waitForNotify(ctx, notify) {
				return nil
			}
		case ctx.Err() != nil:
			return nil
		default:
			return fmt.Errorf("reserve next: %w", err)
		}
	}
	return nil
}

func (r *Runner) waitForNotify(ctx context.Context, notify <-chan struct{}) bool {
	select {
	case <-ctx.Done():
		return false
	case <-notify:
		return true
	}
}

// processJob runs one job under a heartbeat that keeps its lease alive.
func (r *Runner) processJob(ctx context.Context, job *model.RenderJob) {
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go r.heartbeatLoop(hbCtx, job.ID)

	if err := r.worker.ProcessJob(ctx, job); err != nil {
		r.logger.WarnContext(ctx, "job processing failed", "job_id", job.ID, "error", err)
	}
}

func (r *Runner) heartbeatLoop(ctx context.Context, jobID string) {
	interval := r.lease / heartbeatFraction
	if interval <= 0 {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := r.jobs.Heartbeat(ctx, jobID, r.lease)
			if err != nil {
				if ctx.Err() == nil {
					r.logger.WarnContext(ctx, "heartbeat failed", "job_id", jobID, "error", err)
				}
				continue
			}
			if !ok {
				// The job is no longer leased to us, likely reaped or cancelled.
				r.logger.WarnContext(ctx, "heartbeat rejected, job lease lost", "job_id", jobID)
				return
			}
		}
	}
}

// waitForRateSlot blocks until starting another job stays within the
// per-minute throttle. Returns false when the context is cancelled.
func (r *Runner) waitForRateSlot(ctx context.Context) bool {
	if r.maxRate <= 0 {
		return ctx.Err() == nil
	}

	for {
		wait := r.throttleDelay(time.Now())
		if wait <= 0 {
			return ctx.Err() == nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}
	}
}

// throttleDelay returns how long to wait before the sliding one-minute window
// has room for another job start.
func (r *Runner) throttleDelay(now time.Time) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := now.Add(-time.Minute)
	kept := r.starts[:0]
	for _, ts := range r.starts {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	r.starts = kept

	if len(r.starts) < r.maxRate {
		return 0
	}
	return r.starts[0].Sub(cutoff)
}

func (r *Runner) recordStart() {
	if r.maxRate <= 0 {
		return
	}
	r.mu.Lock()
	r.starts = append(r.starts, time.Now())
	r.mu.Unlock()
}

package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mailcanary/mailcanary/internal/core"
	"github.com/mailcanary/mailcanary/internal/domain/model"
	apperrors "github.com/mailcanary/mailcanary/internal/errors"
	"github.com/mailcanary/mailcanary/internal/observability/statsd"
	"github.com/mailcanary/mailcanary/internal/registry"
)

const (
	// jobTimeoutFactor pads the catalogue's duration estimate to form the hard
	// deadline for one job when no explicit timeout is configured.
	jobTimeoutFactor = 3
	minJobTimeout    = 2 * time.Minute
)

// WorkerServiceOptions groups dependencies for WorkerService.
type WorkerServiceOptions struct {
	WorkerID     string                // Required: unique worker identifier
	Jobs         *JobService           // Required: job lifecycle operations
	Orchestrator *CaptureOrchestrator  // Required: screenshot fan-out
	Detector     *IssueDetector        // Required: issue detection rules
	Registry     *registry.Registry    // Required: email client catalogue
	Results      core.ResultRepository // Required: render result persistence
	Progress     core.ProgressStore    // Optional: live progress publishing
	JobTimeout   time.Duration         // Optional: hard per-job deadline; derived from the estimate when zero
	Logger       *slog.Logger          // Optional: structured logger
	Metrics      statsd.Sink           // Optional: metric sink
}

// WorkerService executes claimed render jobs: it resolves the client list,
// drives the capture fan-out, scores the outcomes, and persists the result.
// One WorkerService may process jobs from multiple goroutines.
type WorkerService struct {
	workerID     string
	jobs         *JobService
	orchestrator *CaptureOrchestrator
	detector     *IssueDetector
	scorer       *Scorer
	registry     *registry.Registry
	results      core.ResultRepository
	progress     core.ProgressStore
	jobTimeout   time.Duration
	logger       *slog.Logger
	metrics      statsd.Sink

	stateMu sync.Mutex
	state   model.WorkerState

	processedJobs   atomic.Int64
	failedJobs      atomic.Int64
	currentJobs     atomic.Int64
	lastCompletedAt atomic.Int64 // unix nanos
}

// NewWorkerService constructs a WorkerService.
func NewWorkerService(opts WorkerServiceOptions) (*WorkerService, error) {
	if opts.WorkerID == "" {
		return nil, errors.New("worker id is required")
	}
	if opts.Jobs == nil {
		return nil, errors.New("job service is required")
	}
	if opts.Orchestrator == nil {
		return nil, errors.New("capture orchestrator is required")
	}
	if opts.Detector == nil {
		return nil, errors.New("issue detector is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("client registry is required")
	}
	if opts.Results == nil {
		return nil, errors.New("result repository is required")
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "worker_service", "worker_id", opts.WorkerID)
	}

	return &WorkerService{
		workerID:     opts.WorkerID,
		jobs:         opts.Jobs,
		orchestrator: opts.Orchestrator,
		detector:     opts.Detector,
		scorer:       NewScorer(),
		registry:     opts.Registry,
		results:      opts.Results,
		progress:     opts.Progress,
		jobTimeout:   opts.JobTimeout,
		logger:       logger,
		metrics:      opts.Metrics,
		state:        model.WorkerStarting,
	}, nil
}

// MustNewWorkerService constructs a WorkerService and panics on error.
func MustNewWorkerService(opts WorkerServiceOptions) *WorkerService {
	svc, err := NewWorkerService(opts)
	if err != nil {
		//nolint:forbidigo // Must constructor fails fast when dependencies are invalid during startup
		panic(fmt.Sprintf("failed to create WorkerService: %v", err))
	}
	return svc
}

// SetState transitions the worker's lifecycle state, rejecting illegal moves.
func (w *WorkerService) SetState(next model.WorkerState) error {
	w.stateMu.Lock()
	defer w.stateMu.Unlock()

	if w.state == next {
		return nil
	}
	if !w.state.CanTransitionTo(next) {
		return fmt.Errorf("illegal worker state transition %s -> %s", w.state, next)
	}
	w.state = next
	return nil
}

// State returns the worker's current lifecycle state.
func (w *WorkerService) State() model.WorkerState {
	w.stateMu.Lock()
	defer w.stateMu.Unlock()
	return w.state
}

// Stats returns a read-only snapshot of the worker's counters and resources.
func (w *WorkerService) Stats() model.WorkerStats {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	stats := model.WorkerStats{
		WorkerID:      w.workerID,
		State:         w.State(),
		ProcessedJobs: w.processedJobs.Load(),
		FailedJobs:    w.failedJobs.Load(),
		CurrentJobs:   w.currentJobs.Load(),
		MemoryBytes:   mem.Alloc,
		Goroutines:    runtime.NumGoroutine(),
	}
	if nanos := w.lastCompletedAt.Load(); nanos > 0 {
		stats.LastCompletedAt = time.Unix(0, nanos)
	}
	return stats
}

// ProcessJob runs one claimed job through capture, scoring and persistence.
// Panics inside job processing are recovered and recorded as job failures so
// one poisoned job cannot take the worker down.
func (w *WorkerService) ProcessJob(ctx context.Context, job *model.RenderJob) (err error) {
	w.currentJobs.Add(1)
	defer w.currentJobs.Add(-1)

	defer func() {
		if r := recover(); r != nil {
			w.failedJobs.Add(1)
			if w.logger != nil {
				w.logger.ErrorContext(ctx, "panic while processing job", "job_id", job.ID, "panic", r)
			}
			if _, failErr := w.jobs.Fail(ctx, job.ID, fmt.Sprintf("worker panic: %v", r)); failErr != nil && w.logger != nil {
				w.logger.ErrorContext(ctx, "record panic failure", "job_id", job.ID, "error", failErr)
			}
			err = fmt.Errorf("job %s panicked: %v", job.ID, r)
		}
	}()

	startedAt := time.Now()

	clients, resolveErr := w.registry.ResolveActive(job.Config.ClientIDs)
	if resolveErr != nil {
		return w.failJob(ctx, job, fmt.Sprintf("resolve clients: %v", resolveErr))
	}

	if _, setErr := w.jobs.SetStatus(ctx, core.SetStatusParams{
		JobID: job.ID,
		From:  model.JobStatusProcessing,
		To:    model.JobStatusCapturing,
	}); setErr != nil {
		return fmt.Errorf("enter capturing: %w", setErr)
	}

	jobCtx, cancel := context.WithTimeout(ctx, w.timeoutFor(job))
	defer cancel()

	progress := model.NewJobProgress(len(clients) + 1)
	w.publishProgress(jobCtx, job.ID, progress, "capturing", startedAt)

	completedClients := 0
	outcomes, captureErr := w.orchestrator.Capture(jobCtx, CaptureParams{
		Job:     job,
		Clients: clients,
		OnClientDone: func(outcome *model.ClientCaptureOutcome) {
			completedClients++
			step := fmt.Sprintf("captured %s", outcome.ClientID)
			progress.Advance(step, completedClients, time.Now())
			w.publishProgress(jobCtx, job.ID, progress, step, startedAt)
		},
		CancelRequested: func(pollCtx context.Context) bool {
			return w.jobs.CancelRequested(pollCtx, job.ID)
		},
	})
	if captureErr != nil {
		if errors.Is(captureErr, ErrCaptureCancelled) {
			return w.cancelJob(ctx, job)
		}
		if jobCtx.Err() != nil {
			return w.failJob(ctx, job, "job deadline exceeded during capture")
		}
		return w.failJob(ctx, job, fmt.Sprintf("capture: %v", captureErr))
	}

	if _, setErr := w.jobs.SetStatus(ctx, core.SetStatusParams{
		JobID: job.ID,
		From:  model.JobStatusCapturing,
		To:    model.JobStatusAnalyzing,
	}); setErr != nil {
		return fmt.Errorf("enter analyzing: %w", setErr)
	}
	progress.Advance("analyzing", len(clients), time.Now())
	w.publishProgress(ctx, job.ID, progress, "analyzing", startedAt)

	clientResults := make([]model.ClientResult, 0, len(outcomes))
	for i := range outcomes {
		outcome := &outcomes[i]
		client, clientErr := w.registry.Client(outcome.ClientID)
		if clientErr != nil {
			return w.failJob(ctx, job, fmt.Sprintf("score client %s: %v", outcome.ClientID, clientErr))
		}
		issues := w.detector.Detect(client, outcome)
		clientResults = append(clientResults, w.scorer.ScoreClient(outcome, issues))
	}

	completedAt := time.Now()
	result := w.scorer.Aggregate(AggregateParams{
		JobID:       job.ID,
		Clients:     clients,
		Results:     clientResults,
		StartedAt:   startedAt,
		CompletedAt: completedAt,
	})

	if upsertErr := w.results.Upsert(ctx, result); upsertErr != nil {
		return w.failJob(ctx, job, fmt.Sprintf("persist result: %v", upsertErr))
	}

	progress.Done(completedAt)
	w.publishProgress(ctx, job.ID, progress, "done", startedAt)
	w.clearProgress(ctx, job.ID)

	if result.OverallStatus == model.JobStatusFailed {
		return w.failJob(ctx, job, "all clients failed the render test")
	}

	actualDuration := completedAt.Sub(startedAt)
	if _, completeErr := w.jobs.Complete(ctx, job.ID, actualDuration); completeErr != nil {
		return fmt.Errorf("complete job: %w", completeErr)
	}

	w.processedJobs.Add(1)
	w.lastCompletedAt.Store(completedAt.UnixNano())

	if w.logger != nil {
		w.logger.InfoContext(ctx, "job completed",
			"job_id", job.ID,
			"clients", len(clients),
			"overall_score", result.OverallScore,
			"duration", actualDuration,
		)
	}
	return nil
}

// failJob records a job failure and bumps the failure counter. Validation
// errors are terminal; the repository consumes a retry either way.
func (w *WorkerService) failJob(ctx context.Context, job *model.RenderJob, reason string) error {
	w.failedJobs.Add(1)
	w.clearProgress(ctx, job.ID)

	if _, err := w.jobs.Fail(ctx, job.ID, reason); err != nil {
		return fmt.Errorf("record job failure: %w", err)
	}
	return apperrors.Internalf("job %s failed: %s", job.ID, reason)
}

// cancelJob finalizes a cooperatively cancelled job.
func (w *WorkerService) cancelJob(ctx context.Context, job *model.RenderJob) error {
	w.clearProgress(ctx, job.ID)

	if _, err := w.jobs.MarkCancelled(ctx, job.ID); err != nil {
		return fmt.Errorf("mark job cancelled: %w", err)
	}
	if w.logger != nil {
		w.logger.InfoContext(ctx, "job cancelled mid-flight", "job_id", job.ID)
	}
	return nil
}

// timeoutFor derives the hard deadline for one job.
func (w *WorkerService) timeoutFor(job *model.RenderJob) time.Duration {
	if w.jobTimeout > 0 {
		return w.jobTimeout
	}
	timeout := job.EstimatedDuration * jobTimeoutFactor
	if timeout < minJobTimeout {
		timeout = minJobTimeout
	}
	return timeout
}

// publishProgress pushes a progress snapshot best-effort.
func (w *WorkerService) publishProgress(ctx context.Context, jobID string, progress *model.JobProgress, step string, startedAt time.Time) {
	if w.progress == nil {
		return
	}
	progress.CurrentStep = step
	progress.EstimateRemaining(startedAt, time.Now())
	if err := w.progress.Publish(ctx, jobID, progress); err != nil && w.logger != nil {
		w.logger.DebugContext(ctx, "publish progress failed", "job_id", jobID, "error", err)
	}
}

func (w *WorkerService) clearProgress(ctx context.Context, jobID string) {
	if w.progress == nil {
		return
	}
	if err := w.progress.Clear(ctx, jobID); err != nil && w.logger != nil {
		w.logger.DebugContext(ctx, "clear progress failed", "job_id", jobID, "error", err)
	}
}

var _ core.WorkerStatsProvider = (*WorkerService)(nil)

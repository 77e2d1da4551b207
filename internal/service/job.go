package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mailcanary/mailcanary/internal/core"
	domainjob "github.com/mailcanary/mailcanary/internal/domain/job"
	"github.com/mailcanary/mailcanary/internal/domain/model"
	apperrors "github.com/mailcanary/mailcanary/internal/errors"
	"github.com/mailcanary/mailcanary/internal/observability/metrics"
	"github.com/mailcanary/mailcanary/internal/observability/statsd"
	"github.com/mailcanary/mailcanary/internal/registry"
)

// JobServiceOptions groups dependencies for JobService.
type JobServiceOptions struct {
	Repo            core.JobRepository        // Required: job repository
	Registry        *registry.Registry        // Required: email client catalogue
	DefaultLease    time.Duration             // Required: default lease duration for jobs
	Results         core.ResultRepository     // Optional: persisted render results for GetDetails
	Progress        core.ProgressStore        // Optional: live progress + cooperative cancellation
	MaxBacklog      int                       // Optional: queue capacity; 0 disables backpressure
	Logger          *slog.Logger              // Optional: structured logger
	Metrics         statsd.Sink               // Optional: metric sink
	LeasePolicy     *domainjob.LeasePolicy    // Optional: override default lease policy
	Notifier        domainjob.Notifier        // Optional: custom job availability notifier
	NotifierOptions domainjob.NotifierOptions // Optional: configure default notifier behaviour
}

// JobService provides business logic for render job operations.
//
// This service manages:
// - Submission with catalogue resolution and capacity backpressure
// - Job reservation and lease management for workers
// - Cancellation (queued directly, running cooperatively)
// - Retry of terminal jobs as fresh clones
// - Pub/sub notification of job availability.
type JobService struct {
	repo        core.JobRepository
	registry    *registry.Registry
	results     core.ResultRepository
	progress    core.ProgressStore
	leasePolicy *domainjob.LeasePolicy
	notifier    domainjob.Notifier
	maxBacklog  int
	logger      *slog.Logger
	metrics     statsd.Sink
}

// NewJobService constructs a new JobService.
func NewJobService(opts JobServiceOptions) (*JobService, error) {
	if opts.Repo == nil {
		return nil, errors.New("JobRepository is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("client registry is required")
	}

	var leasePolicy *domainjob.LeasePolicy
	switch {
	case opts.LeasePolicy != nil:
		leasePolicy = opts.LeasePolicy
	case opts.DefaultLease > 0:
		var err error
		leasePolicy, err = domainjob.NewLeasePolicy(opts.DefaultLease)
		if err != nil {
			return nil, fmt.Errorf("create lease policy: %w", err)
		}
	default:
		return nil, errors.New("DefaultLease must be positive")
	}

	notifier := opts.Notifier
	if notifier == nil {
		options := opts.NotifierOptions
		if options.Waiter == nil {
			options.Waiter = opts.Repo
		}
		var err error
		notifier, err = domainjob.NewNotifier(options)
		if err != nil {
			return nil, fmt.Errorf("create job notifier: %w", err)
		}
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "job_service")
		logger.Debug("JobService initialized",
			"default_lease", leasePolicy.Default(),
			"max_backlog", opts.MaxBacklog,
		)
	}

	return &JobService{
		repo:        opts.Repo,
		registry:    opts.Registry,
		results:     opts.Results,
		progress:    opts.Progress,
		leasePolicy: leasePolicy,
		notifier:    notifier,
		maxBacklog:  opts.MaxBacklog,
		logger:      logger,
		metrics:     opts.Metrics,
	}, nil
}

// MustNewJobService constructs a new JobService and panics on error.
// Use this when you're certain the options are valid (e.g., in main.go).
func MustNewJobService(opts JobServiceOptions) *JobService {
	svc, err := NewJobService(opts)
	if err != nil {
		//nolint:forbidigo // Must constructor fails fast when dependencies are invalid during startup
		panic(fmt.Sprintf("failed to create JobService: %v", err))
	}
	return svc
}

// Submit validates a render job request against the client catalogue and
// admits it to the queue.
func (s *JobService) Submit(ctx context.Context, req *model.CreateJobRequest) (*model.RenderJob, error) {
	if req == nil {
		return nil, apperrors.Validation("create job request is required")
	}
	if req.Config.Priority == 0 {
		req.Config.Priority = model.PriorityDefault
	}
	if err := req.Validate(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeValidation, "invalid job request")
	}

	clients, err := s.registry.ResolveActive(req.Config.ClientIDs)
	if err != nil {
		return nil, err
	}

	job, err := s.repo.Enqueue(ctx, core.EnqueueParams{
		Request:           req,
		MaxBacklog:        s.maxBacklog,
		EstimatedDuration: registry.EstimateJobDuration(clients),
	})
	if err != nil {
		return nil, fmt.Errorf("enqueue job: %w", err)
	}

	metrics.EmitJobLifecycle(s.metrics, metrics.JobMetric{
		Transition: "submitted",
		Result:     metrics.ResultSuccess,
	})

	if s.logger != nil {
		s.logger.InfoContext(ctx, "job submitted",
			"id", job.ID,
			"priority", job.Config.Priority,
			"clients", len(req.Config.ClientIDs),
		)
	}

	return job, nil
}

// Get retrieves a job by its ID.
func (s *JobService) Get(ctx context.Context, id string) (*model.RenderJob, error) {
	job, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// GetDetails retrieves a job along with its live progress and, when finished,
// its persisted result. Progress and result lookups are best-effort.
func (s *JobService) GetDetails(ctx context.Context, id string) (*model.JobDetails, error) {
	job, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}

	details := &model.JobDetails{Job: job}

	if s.progress != nil && !job.Status.Terminal() {
		progress, perr := s.progress.Get(ctx, id)
		if perr == nil {
			details.Progress = progress
		} else if s.logger != nil {
			s.logger.DebugContext(ctx, "progress lookup failed", "id", id, "error", perr)
		}
	}

	if s.results != nil && (job.Status == model.JobStatusCompleted || job.Status == model.JobStatusFailed) {
		result, rerr := s.results.GetByJobID(ctx, id)
		if rerr == nil {
			details.Result = result
		} else if s.logger != nil {
			s.logger.DebugContext(ctx, "result lookup failed", "id", id, "error", rerr)
		}
	}

	return details, nil
}

// Cancel cancels a job. Queued jobs cancel immediately; running jobs receive a
// cooperative cancellation flag the worker honours at its next checkpoint.
// Jobs past analyzing or already terminal can no longer be cancelled.
func (s *JobService) Cancel(ctx context.Context, id string) (*model.RenderJob, error) {
	cancelled, err := s.repo.CancelQueued(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("cancel job: %w", err)
	}
	if cancelled {
		metrics.EmitJobLifecycle(s.metrics, metrics.JobMetric{
			Transition: "cancelled",
			Result:     metrics.ResultSuccess,
		})
		return s.repo.GetByID(ctx, id)
	}

	job, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("cancel job: %w", err)
	}

	switch job.Status {
	case model.JobStatusProcessing, model.JobStatusCapturing:
		if s.progress == nil {
			return nil, apperrors.Conflictf("job %s is running and cooperative cancellation is unavailable", id)
		}
		if reqErr := s.progress.RequestCancel(ctx, id); reqErr != nil {
			return nil, fmt.Errorf("request cancel: %w", reqErr)
		}
		if s.logger != nil {
			s.logger.InfoContext(ctx, "cancellation requested", "id", id, "status", job.Status)
		}
		return job, nil
	default:
		return nil, apperrors.Conflictf("job %s is %s and can no longer be cancelled", id, job.Status)
	}
}

// Retry clones a terminal failed or cancelled job into a fresh queued job.
// The original row is left untouched; the clone records its ancestry.
func (s *JobService) Retry(ctx context.Context, id string, priorityOverride *int) (*model.RenderJob, error) {
	job, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("retry job: %w", err)
	}

	if job.Status != model.JobStatusFailed && job.Status != model.JobStatusCancelled {
		return nil, apperrors.Conflictf("job %s is %s; only failed or cancelled jobs can be retried", id, job.Status)
	}

	req := &model.CreateJobRequest{
		HTML:       job.HTML,
		Subject:    job.Subject,
		Preheader:  job.Preheader,
		Config:     job.Config,
		MaxRetries: job.MaxRetries,
		RetryOf:    &job.ID,
	}
	if priorityOverride != nil {
		req.Config.Priority = *priorityOverride
	}

	clone, err := s.Submit(ctx, req)
	if err != nil {
		return nil, err
	}

	if s.logger != nil {
		s.logger.InfoContext(ctx, "job retried", "id", id, "clone_id", clone.ID)
	}
	return clone, nil
}

// ReserveNext reserves the next available job for processing.
func (s *JobService) ReserveNext(ctx context.Context, lease time.Duration) (*model.RenderJob, error) {
	decision := s.leasePolicy.Resolve(lease)
	if decision.Clamped() && s.logger != nil {
		s.logger.DebugContext(ctx, "clamped sub-second lease duration to 1 second",
			"requested_duration", decision.Requested,
		)
	}

	job, err := s.repo.ReserveNext(ctx, decision.Seconds)
	if err != nil {
		if errors.Is(err, model.ErrNoJobsAvailable) {
			return nil, model.ErrNoJobsAvailable
		}
		return nil, fmt.Errorf("reserve job: %w", err)
	}
	return job, nil
}

// Heartbeat refreshes the lease on a job a worker is still driving.
func (s *JobService) Heartbeat(ctx context.Context, id string, lease time.Duration) (bool, error) {
	decision := s.leasePolicy.Resolve(lease)
	ok, err := s.repo.Heartbeat(ctx, id, decision.Seconds)
	if err != nil {
		return false, fmt.Errorf("heartbeat job: %w", err)
	}
	return ok, nil
}

// SetStatus performs a guarded worker-side transition.
func (s *JobService) SetStatus(ctx context.Context, params core.SetStatusParams) (bool, error) {
	ok, err := s.repo.SetStatus(ctx, params)
	if err != nil {
		return false, fmt.Errorf("set job status: %w", err)
	}
	emitResult := metrics.ResultSuccess
	if !ok {
		emitResult = metrics.ResultNoop
	}
	metrics.EmitJobLifecycle(s.metrics, metrics.JobMetric{
		Transition: string(params.To),
		Result:     emitResult,
	})
	return ok, nil
}

// Complete marks a job as completed with its measured duration.
func (s *JobService) Complete(ctx context.Context, id string, actualDuration time.Duration) (bool, error) {
	ok, err := s.repo.Complete(ctx, id, actualDuration)
	if err != nil {
		return false, fmt.Errorf("complete job: %w", err)
	}
	metrics.EmitJobLifecycle(s.metrics, metrics.JobMetric{
		Transition: string(model.JobStatusCompleted),
		Result:     metrics.ResultSuccess,
		Duration:   actualDuration,
	})
	return ok, nil
}

// Fail records a failure; the repo requeues the job while retries remain.
func (s *JobService) Fail(ctx context.Context, id, errMsg string) (bool, error) {
	ok, err := s.repo.Fail(ctx, id, errMsg)
	if err != nil {
		return false, fmt.Errorf("fail job: %w", err)
	}
	metrics.EmitJobLifecycle(s.metrics, metrics.JobMetric{
		Transition: string(model.JobStatusFailed),
		Result:     metrics.ResultError,
		Err:        errors.New(errMsg),
	})
	if s.logger != nil {
		s.logger.WarnContext(ctx, "job failed", "id", id, "error", errMsg)
	}
	return ok, nil
}

// MarkCancelled finalizes a running job after cooperative cancellation.
func (s *JobService) MarkCancelled(ctx context.Context, id string) (bool, error) {
	ok, err := s.repo.MarkCancelled(ctx, id)
	if err != nil {
		return false, fmt.Errorf("mark job cancelled: %w", err)
	}
	if ok && s.progress != nil {
		if clearErr := s.progress.Clear(ctx, id); clearErr != nil && s.logger != nil {
			s.logger.DebugContext(ctx, "clear progress failed", "id", id, "error", clearErr)
		}
	}
	metrics.EmitJobLifecycle(s.metrics, metrics.JobMetric{
		Transition: string(model.JobStatusCancelled),
		Result:     metrics.ResultSuccess,
	})
	return ok, nil
}

// CancelRequested reports whether a cooperative cancellation flag is set.
func (s *JobService) CancelRequested(ctx context.Context, id string) bool {
	if s.progress == nil {
		return false
	}
	requested, err := s.progress.CancelRequested(ctx, id)
	if err != nil {
		if s.logger != nil {
			s.logger.DebugContext(ctx, "cancel flag lookup failed", "id", id, "error", err)
		}
		return false
	}
	return requested
}

// Stats returns counts of jobs in each state.
func (s *JobService) Stats(ctx context.Context) (*model.JobStats, error) {
	stats, err := s.repo.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("job stats: %w", err)
	}
	return stats, nil
}

// Subscribe returns a channel that signals when new jobs may be available.
func (s *JobService) Subscribe() (func(), <-chan struct{}) {
	return s.notifier.Subscribe()
}

// Shutdown stops all notification listeners.
func (s *JobService) Shutdown() {
	s.notifier.StopAll()
}

// DefaultLease exposes the resolved default lease duration.
func (s *JobService) DefaultLease() time.Duration {
	return s.leasePolicy.Default()
}

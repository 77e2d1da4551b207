package core

import (
	"context"
	"time"

	"github.com/mailcanary/mailcanary/internal/domain/model"
)

// This file contains repository and adapter interface definitions (ports in
// hexagonal architecture). Service implementations should depend on these
// interfaces, not concrete implementations.

// EnqueueParams groups parameters for JobRepository.Enqueue to keep param count ≤3.
type EnqueueParams struct {
	Request *model.CreateJobRequest
	// MaxBacklog caps how many jobs may wait in the queue; 0 disables the check.
	MaxBacklog int
	// EstimatedDuration is precomputed by the job service from the client catalogue.
	EstimatedDuration time.Duration
}

// SetStatusParams groups parameters for JobRepository.SetStatus.
type SetStatusParams struct {
	JobID string
	From  model.JobStatus
	To    model.JobStatus
}

// JobRepository defines the interface for render job data operations.
type JobRepository interface {
	// Enqueue admits a new job to the queue, returning a Capacity error when the
	// backlog limit is reached.
	Enqueue(ctx context.Context, params EnqueueParams) (*model.RenderJob, error)
	GetByID(ctx context.Context, id string) (*model.RenderJob, error)
	// ReserveNext atomically claims the highest-priority queued job and moves it
	// to processing under a lease. Returns model.ErrNoJobsAvailable when idle.
	ReserveNext(ctx context.Context, leaseSeconds int) (*model.RenderJob, error)
	WaitForNotification(ctx context.Context) error
	Heartbeat(ctx context.Context, jobID string, leaseSeconds int) (bool, error)
	// SetStatus performs a guarded transition; it returns false when the job was
	// not in the expected From status.
	SetStatus(ctx context.Context, params SetStatusParams) (bool, error)
	Complete(ctx context.Context, id string, actualDuration time.Duration) (bool, error)
	Fail(ctx context.Context, id, errMsg string) (bool, error)
	// CancelQueued cancels a job that has not been claimed yet. Jobs already
	// running are cancelled cooperatively through the progress store.
	CancelQueued(ctx context.Context, id string) (bool, error)
	// MarkCancelled finalizes a running job after a cooperative cancellation.
	MarkCancelled(ctx context.Context, id string) (bool, error)
	Stats(ctx context.Context) (*model.JobStats, error)
}

// ResultRepository defines the interface for persisted render result data.
type ResultRepository interface {
	Upsert(ctx context.Context, result *model.RenderResult) error
	GetByJobID(ctx context.Context, jobID string) (*model.RenderResult, error)
}

// CaptureBackend takes screenshots of rendered HTML for a given client and
// viewport. Implementations talk to an external rendering service.
type CaptureBackend interface {
	Capture(ctx context.Context, req model.CaptureRequest) ([]byte, error)
}

// PutBlobParams groups parameters for BlobStore.Put.
type PutBlobParams struct {
	Key         string
	Data        []byte
	ContentType string
}

// BlobStore persists screenshot bytes and returns a stable URL for them.
type BlobStore interface {
	Put(ctx context.Context, params PutBlobParams) (string, error)
}

// ProgressStore publishes live job progress and carries cooperative
// cancellation flags between the API and workers.
type ProgressStore interface {
	Publish(ctx context.Context, jobID string, progress *model.JobProgress) error
	Get(ctx context.Context, jobID string) (*model.JobProgress, error)
	Clear(ctx context.Context, jobID string) error
	RequestCancel(ctx context.Context, jobID string) error
	CancelRequested(ctx context.Context, jobID string) (bool, error)
}

// DeleteOldJobsParams groups parameters for DeleteOldJobs to keep param count ≤3.
type DeleteOldJobsParams struct {
	Status    model.JobStatus
	MaxAge    time.Duration
	BatchSize int
}

// DeleteOldResultsParams groups parameters for DeleteOldResults.
type DeleteOldResultsParams struct {
	MaxAge    time.Duration
	BatchSize int
}

// ReaperRepository defines the interface for job cleanup operations.
type ReaperRepository interface {
	// RequeueExpiredLeases returns jobs whose lease lapsed back to the queue, or
	// fails them once retries are exhausted. Returns the number of rows touched.
	RequeueExpiredLeases(ctx context.Context, batchSize int) (int64, error)

	// FailStaleQueuedJobs marks queued jobs older than maxAge as failed.
	// Processes up to batchSize jobs per call to prevent long locks.
	FailStaleQueuedJobs(ctx context.Context, maxAge time.Duration, batchSize int) (int64, error)

	// DeleteOldJobs deletes terminal jobs with the given status older than maxAge.
	// Processes up to batchSize jobs per call to prevent long locks.
	DeleteOldJobs(ctx context.Context, params DeleteOldJobsParams) (int64, error)

	// DeleteOldResults deletes persisted job_results rows older than maxAge.
	// Processes up to batchSize rows per call.
	DeleteOldResults(ctx context.Context, params DeleteOldResultsParams) (int64, error)
}

// WorkerStatsProvider exposes a read-only snapshot of a worker's counters for
// the health monitor and the stats endpoint.
type WorkerStatsProvider interface {
	Stats() model.WorkerStats
}

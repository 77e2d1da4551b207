package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/mailcanary/mailcanary/internal/core"
	"github.com/mailcanary/mailcanary/internal/domain/model"
	"github.com/mailcanary/mailcanary/internal/observability/metrics"
	"github.com/mailcanary/mailcanary/internal/observability/statsd"
)

const (
	defaultMaxConcurrentCaptures = 4
	captureRetryBackoff          = 500 * time.Millisecond
	screenshotContentType        = "image/png"
)

// CaptureOrchestratorOptions groups dependencies for CaptureOrchestrator.
type CaptureOrchestratorOptions struct {
	Backend       core.CaptureBackend // Required: screenshot backend
	Blobs         core.BlobStore      // Required: screenshot storage
	MaxConcurrent int                 // Optional: max in-flight captures per job, defaults to 4
	Logger        *slog.Logger        // Optional: structured logger
	Metrics       statsd.Sink         // Optional: metric sink
}

// CaptureOrchestrator fans a render job out into capture units, one per
// client x viewport x mode, bounds their concurrency with a weighted
// semaphore, and uploads each screenshot to blob storage.
type CaptureOrchestrator struct {
	backend       core.CaptureBackend
	blobs         core.BlobStore
	maxConcurrent int64
	logger        *slog.Logger
	metrics       statsd.Sink
}

// NewCaptureOrchestrator constructs a CaptureOrchestrator.
func NewCaptureOrchestrator(opts CaptureOrchestratorOptions) (*CaptureOrchestrator, error) {
	if opts.Backend == nil {
		return nil, errors.New("capture backend is required")
	}
	if opts.Blobs == nil {
		return nil, errors.New("blob store is required")
	}

	maxConcurrent := opts.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrentCaptures
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "capture_orchestrator")
	}

	return &CaptureOrchestrator{
		backend:       opts.Backend,
		blobs:         opts.Blobs,
		maxConcurrent: int64(maxConcurrent),
		logger:        logger,
		metrics:       opts.Metrics,
	}, nil
}

// CaptureParams groups inputs for Capture.
type CaptureParams struct {
	Job     *model.RenderJob
	Clients []model.EmailClient
	// OnClientDone is invoked as each client's units all finish; used for
	// progress reporting. May be nil.
	OnClientDone func(outcome *model.ClientCaptureOutcome)
	// CancelRequested is polled between clients for cooperative cancellation.
	// May be nil.
	CancelRequested func(ctx context.Context) bool
}

// ErrCaptureCancelled reports that a cooperative cancellation stopped the fan-out.
var ErrCaptureCancelled = errors.New("capture cancelled")

// Capture runs the full screenshot fan-out for a job. Units of one client run
// concurrently under the job-wide semaphore; clients are issued in catalogue
// order so cancellation checks land on client boundaries. The returned slice
// holds one outcome per client in issue order.
func (o *CaptureOrchestrator) Capture(ctx context.Context, params CaptureParams) ([]model.ClientCaptureOutcome, error) {
	sem := semaphore.NewWeighted(o.maxConcurrent)
	outcomes := make([]model.ClientCaptureOutcome, 0, len(params.Clients))

	for i := range params.Clients {
		if ctx.Err() != nil {
			return outcomes, ctx.Err()
		}
		if params.CancelRequested != nil && params.CancelRequested(ctx) {
			return outcomes, ErrCaptureCancelled
		}

		client := params.Clients[i]
		outcome, err := o.captureClient(ctx, sem, params.Job, client)
		if err != nil {
			return outcomes, err
		}

		outcomes = append(outcomes, *outcome)
		if params.OnClientDone != nil {
			params.OnClientDone(outcome)
		}
	}

	return outcomes, nil
}

// captureClient runs all units of one client concurrently and collects their outcomes.
func (o *CaptureOrchestrator) captureClient(
	ctx context.Context,
	sem *semaphore.Weighted,
	job *model.RenderJob,
	client model.EmailClient,
) (*model.ClientCaptureOutcome, error) {
	units := expandUnits(job, client)
	results := make([]model.CaptureUnitOutcome, len(units))

	started := time.Now()
	var wg sync.WaitGroup
	for i := range units {
		if err := sem.Acquire(ctx, 1); err != nil {
			wg.Wait()
			return nil, fmt.Errorf("acquire capture slot: %w", err)
		}

		wg.Add(1)
		go func(idx int, unit model.CaptureUnit) {
			defer wg.Done()
			defer sem.Release(1)
			results[idx] = o.captureUnit(ctx, job, client, unit)
		}(i, units[i])
	}
	wg.Wait()

	outcome := &model.ClientCaptureOutcome{
		ClientID:   client.ID,
		Units:      results,
		RenderTime: time.Since(started),
	}

	if o.logger != nil {
		o.logger.DebugContext(ctx, "client capture finished",
			"job_id", job.ID,
			"client", client.ID,
			"units", len(results),
			"failed", outcome.FailedUnits(),
			"render_time", outcome.RenderTime,
		)
	}
	return outcome, nil
}

// captureUnit takes one screenshot with per-attempt timeout and retries, then
// uploads it. Failures are recorded in the outcome, never returned; one bad
// unit must not abort the rest of the fan-out.
func (o *CaptureOrchestrator) captureUnit(
	ctx context.Context,
	job *model.RenderJob,
	client model.EmailClient,
	unit model.CaptureUnit,
) model.CaptureUnitOutcome {
	outcome := model.CaptureUnitOutcome{Unit: unit}
	started := time.Now()

	maxAttempts := client.TestConfig.Retries + 1
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		outcome.Attempts = attempt

		if attempt > 1 {
			backoff := time.Duration(attempt-1) * captureRetryBackoff
			select {
			case <-ctx.Done():
				lastErr = ctx.Err()
			case <-time.After(backoff):
			}
			if ctx.Err() != nil {
				break
			}
		}

		url, err := o.attemptCapture(ctx, job, client, unit)
		if err == nil {
			outcome.OK = true
			outcome.ScreenshotURL = url
			break
		}
		lastErr = err

		if o.logger != nil {
			o.logger.WarnContext(ctx, "capture attempt failed",
				"job_id", job.ID,
				"client", client.ID,
				"viewport", unit.Viewport.Name,
				"mode", unit.Mode,
				"attempt", attempt,
				"error", err,
			)
		}
		if ctx.Err() != nil {
			break
		}
	}

	outcome.Duration = time.Since(started)
	if !outcome.OK && lastErr != nil {
		outcome.Error = lastErr.Error()
	}

	result := metrics.ResultSuccess
	if !outcome.OK {
		result = metrics.ResultError
	}
	metrics.EmitCaptureUnit(o.metrics, metrics.CaptureMetric{
		ClientID: client.ID,
		Mode:     string(unit.Mode),
		Result:   result,
		Attempts: outcome.Attempts,
		Duration: outcome.Duration,
		Err:      lastErr,
	})
	return outcome
}

// attemptCapture performs a single capture attempt under the client timeout
// and stores the screenshot bytes.
func (o *CaptureOrchestrator) attemptCapture(
	ctx context.Context,
	job *model.RenderJob,
	client model.EmailClient,
	unit model.CaptureUnit,
) (string, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, client.TestConfig.Timeout)
	defer cancel()

	data, err := o.backend.Capture(attemptCtx, model.CaptureRequest{
		ClientID: client.ID,
		HTML:     job.HTML,
		Viewport: unit.Viewport,
		Mode:     unit.Mode,
		Delay:    client.TestConfig.ScreenshotDelay,
		LoadWait: client.TestConfig.LoadWaitTime,
	})
	if err != nil {
		return "", fmt.Errorf("capture screenshot: %w", err)
	}

	url, err := o.blobs.Put(attemptCtx, core.PutBlobParams{
		Key:         screenshotKey(job.ID, unit),
		Data:        data,
		ContentType: screenshotContentType,
	})
	if err != nil {
		return "", fmt.Errorf("store screenshot: %w", err)
	}
	return url, nil
}

// expandUnits enumerates the client x viewport x mode combinations for a job.
// Job-level viewports override the client defaults; dark mode runs only when
// the job asks for it and the client both supports and tests it.
func expandUnits(job *model.RenderJob, client model.EmailClient) []model.CaptureUnit {
	viewports := client.TestConfig.Viewports
	if len(job.Config.Viewports) > 0 {
		viewports = job.Config.Viewports
	}

	modes := []model.CaptureMode{model.CaptureModeLight}
	if job.Config.DarkMode && client.TestConfig.DarkModeTest && client.Capabilities.DarkMode {
		modes = append(modes, model.CaptureModeDark)
	}

	units := make([]model.CaptureUnit, 0, len(viewports)*len(modes))
	for _, vp := range viewports {
		for _, mode := range modes {
			units = append(units, model.CaptureUnit{
				ClientID: client.ID,
				Viewport: vp,
				Mode:     mode,
			})
		}
	}
	return units
}

// screenshotKey builds the blob key for one capture unit.
func screenshotKey(jobID string, unit model.CaptureUnit) string {
	return fmt.Sprintf("%s/%s/%s_%s.png", jobID, unit.ClientID, unit.Viewport.Name, unit.Mode)
}

// TotalUnits counts the capture units a job will fan out to across clients.
// The worker uses it to size progress reporting.
func TotalUnits(job *model.RenderJob, clients []model.EmailClient) int {
	n := 0
	for i := range clients {
		n += len(expandUnits(job, clients[i]))
	}
	return n
}

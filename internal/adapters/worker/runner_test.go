package worker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mailcanary/mailcanary/config"
	"github.com/mailcanary/mailcanary/internal/domain/model"
	"github.com/mailcanary/mailcanary/internal/mocks"
	"github.com/mailcanary/mailcanary/internal/registry"
	"github.com/mailcanary/mailcanary/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

type stubNotifier struct {
	ch chan struct{}
}

func newStubNotifier() *stubNotifier {
	return &stubNotifier{ch: make(chan struct{}, 1)}
}

func (n *stubNotifier) Subscribe() (func(), <-chan struct{}) {
	return func() {}, n.ch
}

func (n *stubNotifier) StopAll() {}

func runnerTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg, err := registry.New([]model.EmailClient{
		{
			ID:              "gmail-web",
			DisplayName:     "Gmail",
			Vendor:          "Google",
			Type:            model.ClientTypeWeb,
			RenderingEngine: "blink",
			Capabilities: model.Capabilities{
				CSS3:          true,
				MediaQueries:  true,
				WebFonts:      true,
				MaxEmailWidth: 650,
			},
			TestConfig: model.ClientTestConfig{
				Enabled:  true,
				Priority: 5,
				Timeout:  2 * time.Second,
				Viewports: []model.Viewport{
					{Name: "desktop", Width: 1280, Height: 800},
				},
			},
		},
	})
	require.NoError(t, err)
	return reg
}

func runnerTestJob() *model.RenderJob {
	return &model.RenderJob{
		ID:     "job-1",
		Status: model.JobStatusProcessing,
		HTML:   "<html><body>hi</body></html>",
		Config: model.RenderJobConfig{
			ClientIDs: []string{"gmail-web"},
			Priority:  model.PriorityDefault,
		},
		EstimatedDuration: 5 * time.Second,
	}
}

type runnerDeps struct {
	repo     *mocks.MockJobRepository
	results  *mocks.MockResultRepository
	backend  *mocks.MockCaptureBackend
	blobs    *mocks.MockBlobStore
	notifier *stubNotifier
}

func newTestRunner(t *testing.T, cfg config.WorkerConfig) (*Runner, *service.WorkerService, runnerDeps) {
	t.Helper()
	ctrl := gomock.NewController(t)

	deps := runnerDeps{
		repo:     mocks.NewMockJobRepository(ctrl),
		results:  mocks.NewMockResultRepository(ctrl),
		backend:  mocks.NewMockCaptureBackend(ctrl),
		blobs:    mocks.NewMockBlobStore(ctrl),
		notifier: newStubNotifier(),
	}

	reg := runnerTestRegistry(t)

	jobs := service.MustNewJobService(service.JobServiceOptions{
		Repo:         deps.repo,
		Registry:     reg,
		DefaultLease: 30 * time.Second,
		Results:      deps.results,
		Notifier:     deps.notifier,
	})

	orch, err := service.NewCaptureOrchestrator(service.CaptureOrchestratorOptions{
		Backend: deps.backend,
		Blobs:   deps.blobs,
	})
	require.NoError(t, err)

	detector, err := service.NewIssueDetector(service.IssueDetectorOptions{
		Rules: service.DefaultIssueRules(),
	})
	require.NoError(t, err)

	workerSvc, err := service.NewWorkerService(service.WorkerServiceOptions{
		WorkerID:     "worker-test",
		Jobs:         jobs,
		Orchestrator: orch,
		Detector:     detector,
		Registry:     reg,
		Results:      deps.results,
		JobTimeout:   time.Minute,
	})
	require.NoError(t, err)

	runner, err := NewRunner(RunnerOptions{
		Jobs:   jobs,
		Worker: workerSvc,
		Config: cfg,
	})
	require.NoError(t, err)

	return runner, workerSvc, deps
}

func TestNewRunner(t *testing.T) {
	t.Run("requires job service and worker service", func(t *testing.T) {
		_, err := NewRunner(RunnerOptions{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "JobService is required")
	})
}

func TestRunner_Run(t *testing.T) {
	t.Run("processes a job end to end and drains on cancel", func(t *testing.T) {
		runner, workerSvc, deps := newTestRunner(t, config.WorkerConfig{Concurrency: 1})

		var reserved atomic.Bool
		deps.repo.EXPECT().ReserveNext(gomock.Any(), 30).DoAndReturn(
			func(ctx context.Context, leaseSeconds int) (*model.RenderJob, error) {
				if reserved.CompareAndSwap(false, true) {
					return runnerTestJob(), nil
				}
				return nil, model.ErrNoJobsAvailable
			},
		).AnyTimes()
		deps.repo.EXPECT().SetStatus(gomock.Any(), gomock.Any()).Return(true, nil).AnyTimes()
		deps.repo.EXPECT().Heartbeat(gomock.Any(), "job-1", gomock.Any()).Return(true, nil).AnyTimes()
		deps.repo.EXPECT().Complete(gomock.Any(), "job-1", gomock.Any()).Return(true, nil)

		deps.backend.EXPECT().Capture(gomock.Any(), gomock.Any()).Return([]byte("png"), nil)
		deps.blobs.EXPECT().Put(gomock.Any(), gomock.Any()).Return("https://shots/job-1.png", nil)
		deps.results.EXPECT().Upsert(gomock.Any(), gomock.Any()).Return(nil)

		ctx, cancel := context.WithCancel(context.Background())

		done := make(chan error, 1)
		go func() {
			done <- runner.Run(ctx)
		}()

		require.Eventually(t, func() bool {
			return workerSvc.Stats().ProcessedJobs == 1
		}, 2*time.Second, 10*time.Millisecond)

		cancel()

		select {
		case err := <-done:
			assert.ErrorIs(t, err, context.Canceled)
		case <-time.After(2 * time.Second):
			t.Fatal("runner did not stop after context cancellation")
		}

		assert.Equal(t, model.WorkerStopped, workerSvc.State())
	})

	t.Run("waits for notification when queue is empty", func(t *testing.T) {
		runner, workerSvc, deps := newTestRunner(t, config.WorkerConfig{Concurrency: 1})

		var calls atomic.Int64
		deps.repo.EXPECT().ReserveNext(gomock.Any(), gomock.Any()).DoAndReturn(
			func(ctx context.Context, leaseSeconds int) (*model.RenderJob, error) {
				calls.Add(1)
				return nil, model.ErrNoJobsAvailable
			},
		).AnyTimes()

		ctx, cancel := context.WithCancel(context.Background())

		done := make(chan error, 1)
		go func() {
			done <- runner.Run(ctx)
		}()

		require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)

		// A notification wakes the loop for another reservation attempt.
		deps.notifier.ch <- struct{}{}
		require.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, 5*time.Millisecond)

		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("runner did not stop after context cancellation")
		}

		assert.Equal(t, int64(0), workerSvc.Stats().ProcessedJobs)
	})
}

func TestRunner_throttleDelay(t *testing.T) {
	runner := &Runner{maxRate: 2}
	now := time.Now()

	assert.Zero(t, runner.throttleDelay(now))

	runner.starts = []time.Time{now.Add(-30 * time.Second), now.Add(-10 * time.Second)}
	delay := runner.throttleDelay(now)
	assert.InDelta(t, (30 * time.Second).Seconds(), delay.Seconds(), 0.1)

	// Entries older than a minute fall out of the window.
	runner.starts = []time.Time{now.Add(-2 * time.Minute), now.Add(-10 * time.Second)}
	assert.Zero(t, runner.throttleDelay(now))
	assert.Len(t, runner.starts, 1)
}

package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/mailcanary/mailcanary/internal/core"
	domainjob "github.com/mailcanary/mailcanary/internal/domain/job"
	"github.com/mailcanary/mailcanary/internal/domain/model"
	apperrors "github.com/mailcanary/mailcanary/internal/errors"
	"github.com/mailcanary/mailcanary/internal/mocks"
	"github.com/mailcanary/mailcanary/internal/registry"
)

type stubJobNotifier struct {
	subscribeCalls int
	stopCalled     bool
}

func (s *stubJobNotifier) Subscribe() (func(), <-chan struct{}) {
	s.subscribeCalls++
	ch := make(chan struct{})
	unsub := func() {
		select {
		case <-ch:
		default:
		}
		close(ch)
	}
	return unsub, ch
}

func (s *stubJobNotifier) StopAll() {
	s.stopCalled = true
}

var _ domainjob.Notifier = (*stubJobNotifier)(nil)

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	r, err := registry.New([]model.EmailClient{
		{
			ID:              "gmail-web",
			DisplayName:     "Gmail",
			Vendor:          "Google",
			Type:            model.ClientTypeWeb,
			Platform:        "browser",
			RenderingEngine: "blink",
			Capabilities:    model.Capabilities{CSS3: true, DarkMode: true, MaxEmailWidth: 600},
			TestConfig: model.ClientTestConfig{
				Enabled:         true,
				Priority:        9,
				Timeout:         30 * time.Second,
				ScreenshotDelay: time.Second,
				LoadWaitTime:    time.Second,
				DarkModeTest:    true,
				Viewports:       []model.Viewport{{Name: "desktop", Width: 1280, Height: 900}},
			},
		},
	})
	require.NoError(t, err)
	return r
}

func validCreateRequest() *model.CreateJobRequest {
	return &model.CreateJobRequest{
		HTML: "<html><body><p>hello</p></body></html>",
		Config: model.RenderJobConfig{
			ClientIDs: []string{"gmail-web"},
			Priority:  model.PriorityDefault,
		},
		MaxRetries: 2,
	}
}

type jobServiceDeps struct {
	repo     *mocks.MockJobRepository
	results  *mocks.MockResultRepository
	progress *mocks.MockProgressStore
	notifier *stubJobNotifier
}

func newTestJobService(t *testing.T) (*JobService, jobServiceDeps) {
	t.Helper()
	ctrl := gomock.NewController(t)
	deps := jobServiceDeps{
		repo:     mocks.NewMockJobRepository(ctrl),
		results:  mocks.NewMockResultRepository(ctrl),
		progress: mocks.NewMockProgressStore(ctrl),
		notifier: &stubJobNotifier{},
	}
	svc := MustNewJobService(JobServiceOptions{
		Repo:         deps.repo,
		Registry:     testRegistry(t),
		Results:      deps.results,
		Progress:     deps.progress,
		DefaultLease: 30 * time.Second,
		Notifier:     deps.notifier,
	})
	return svc, deps
}

func TestNewJobService(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockJobRepository(ctrl)

	t.Run("requires repository", func(t *testing.T) {
		_, err := NewJobService(JobServiceOptions{
			Registry:     testRegistry(t),
			DefaultLease: time.Minute,
		})
		require.Error(t, err)
	})

	t.Run("requires registry", func(t *testing.T) {
		_, err := NewJobService(JobServiceOptions{
			Repo:         repo,
			DefaultLease: time.Minute,
		})
		require.Error(t, err)
	})

	t.Run("requires positive default lease", func(t *testing.T) {
		_, err := NewJobService(JobServiceOptions{
			Repo:     repo,
			Registry: testRegistry(t),
		})
		require.Error(t, err)
	})

	t.Run("defaults waiter to repo", func(t *testing.T) {
		svc, err := NewJobService(JobServiceOptions{
			Repo:         repo,
			Registry:     testRegistry(t),
			DefaultLease: time.Minute,
		})
		require.NoError(t, err)
		defer svc.Shutdown()
		assert.Equal(t, time.Minute, svc.DefaultLease())
	})
}

func TestJobService_Submit(t *testing.T) {
	ctx := context.Background()

	t.Run("enqueues a valid request", func(t *testing.T) {
		svc, deps := newTestJobService(t)

		var got core.EnqueueParams
		deps.repo.EXPECT().
			Enqueue(gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, params core.EnqueueParams) (*model.RenderJob, error) {
				got = params
				return &model.RenderJob{ID: "j1", Status: model.JobStatusQueued, Config: params.Request.Config}, nil
			})

		job, err := svc.Submit(ctx, validCreateRequest())
		require.NoError(t, err)
		assert.Equal(t, "j1", job.ID)
		assert.Equal(t, model.JobStatusQueued, job.Status)
		assert.Positive(t, got.EstimatedDuration)
	})

	t.Run("defaults priority", func(t *testing.T) {
		svc, deps := newTestJobService(t)

		deps.repo.EXPECT().
			Enqueue(gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, params core.EnqueueParams) (*model.RenderJob, error) {
				return &model.RenderJob{ID: "j1", Config: params.Request.Config}, nil
			})

		req := validCreateRequest()
		req.Config.Priority = 0
		job, err := svc.Submit(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, model.PriorityDefault, job.Config.Priority)
	})

	t.Run("rejects nil request", func(t *testing.T) {
		svc, _ := newTestJobService(t)

		_, err := svc.Submit(ctx, nil)
		require.Error(t, err)
		assert.True(t, apperrors.IsValidation(err))
	})

	t.Run("rejects blank html", func(t *testing.T) {
		svc, _ := newTestJobService(t)

		req := validCreateRequest()
		req.HTML = "   "
		_, err := svc.Submit(ctx, req)
		require.Error(t, err)
		assert.True(t, apperrors.IsValidation(err))
	})

	t.Run("rejects unknown client", func(t *testing.T) {
		svc, _ := newTestJobService(t)

		req := validCreateRequest()
		req.Config.ClientIDs = []string{"lotus-notes"}
		_, err := svc.Submit(ctx, req)
		require.Error(t, err)
		assert.True(t, apperrors.IsValidation(err))
		assert.Equal(t, "client_ids", apperrors.GetField(err))
	})

	t.Run("propagates capacity error", func(t *testing.T) {
		svc, deps := newTestJobService(t)

		deps.repo.EXPECT().
			Enqueue(gomock.Any(), gomock.Any()).
			Return(nil, apperrors.Capacity("queue is full"))

		_, err := svc.Submit(ctx, validCreateRequest())
		require.Error(t, err)
		assert.True(t, apperrors.IsCapacity(err))
	})
}

func TestJobService_GetDetails(t *testing.T) {
	ctx := context.Background()

	t.Run("includes progress for running jobs", func(t *testing.T) {
		svc, deps := newTestJobService(t)

		deps.repo.EXPECT().
			GetByID(gomock.Any(), "j1").
			Return(&model.RenderJob{ID: "j1", Status: model.JobStatusCapturing}, nil)
		deps.progress.EXPECT().
			Get(gomock.Any(), "j1").
			Return(model.NewJobProgress(4), nil)

		details, err := svc.GetDetails(ctx, "j1")
		require.NoError(t, err)
		require.NotNil(t, details.Progress)
		assert.Nil(t, details.Result)
	})

	t.Run("includes result for completed jobs", func(t *testing.T) {
		svc, deps := newTestJobService(t)

		deps.repo.EXPECT().
			GetByID(gomock.Any(), "j1").
			Return(&model.RenderJob{ID: "j1", Status: model.JobStatusCompleted}, nil)
		deps.results.EXPECT().
			GetByJobID(gomock.Any(), "j1").
			Return(&model.RenderResult{JobID: "j1", OverallScore: 88}, nil)

		details, err := svc.GetDetails(ctx, "j1")
		require.NoError(t, err)
		assert.Nil(t, details.Progress)
		require.NotNil(t, details.Result)
		assert.Equal(t, float64(88), details.Result.OverallScore)
	})

	t.Run("missing result is not fatal", func(t *testing.T) {
		svc, deps := newTestJobService(t)

		deps.repo.EXPECT().
			GetByID(gomock.Any(), "j1").
			Return(&model.RenderJob{ID: "j1", Status: model.JobStatusFailed}, nil)
		deps.results.EXPECT().
			GetByJobID(gomock.Any(), "j1").
			Return(nil, errors.New("not found"))

		details, err := svc.GetDetails(ctx, "j1")
		require.NoError(t, err)
		assert.Nil(t, details.Result)
	})
}

func TestJobService_Cancel(t *testing.T) {
	ctx := context.Background()

	t.Run("queued job cancels directly", func(t *testing.T) {
		svc, deps := newTestJobService(t)

		deps.repo.EXPECT().CancelQueued(gomock.Any(), "j1").Return(true, nil)
		deps.repo.EXPECT().
			GetByID(gomock.Any(), "j1").
			Return(&model.RenderJob{ID: "j1", Status: model.JobStatusCancelled}, nil)

		job, err := svc.Cancel(ctx, "j1")
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusCancelled, job.Status)
	})

	t.Run("running job requests cooperative cancel", func(t *testing.T) {
		svc, deps := newTestJobService(t)

		deps.repo.EXPECT().CancelQueued(gomock.Any(), "j1").Return(false, nil)
		deps.repo.EXPECT().
			GetByID(gomock.Any(), "j1").
			Return(&model.RenderJob{ID: "j1", Status: model.JobStatusCapturing}, nil)
		deps.progress.EXPECT().RequestCancel(gomock.Any(), "j1").Return(nil)

		job, err := svc.Cancel(ctx, "j1")
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusCapturing, job.Status)
	})

	t.Run("terminal job is a conflict", func(t *testing.T) {
		svc, deps := newTestJobService(t)

		deps.repo.EXPECT().CancelQueued(gomock.Any(), "j1").Return(false, nil)
		deps.repo.EXPECT().
			GetByID(gomock.Any(), "j1").
			Return(&model.RenderJob{ID: "j1", Status: model.JobStatusCompleted}, nil)

		_, err := svc.Cancel(ctx, "j1")
		require.Error(t, err)
		assert.True(t, apperrors.IsConflict(err))
	})

	t.Run("analyzing job is too late to cancel", func(t *testing.T) {
		svc, deps := newTestJobService(t)

		deps.repo.EXPECT().CancelQueued(gomock.Any(), "j1").Return(false, nil)
		deps.repo.EXPECT().
			GetByID(gomock.Any(), "j1").
			Return(&model.RenderJob{ID: "j1", Status: model.JobStatusAnalyzing}, nil)

		_, err := svc.Cancel(ctx, "j1")
		require.Error(t, err)
		assert.True(t, apperrors.IsConflict(err))
	})
}

func TestJobService_Retry(t *testing.T) {
	ctx := context.Background()

	t.Run("clones a failed job", func(t *testing.T) {
		svc, deps := newTestJobService(t)

		deps.repo.EXPECT().
			GetByID(gomock.Any(), "j1").
			Return(&model.RenderJob{
				ID:     "j1",
				Status: model.JobStatusFailed,
				HTML:   "<html><body>x</body></html>",
				Config: model.RenderJobConfig{
					ClientIDs: []string{"gmail-web"},
					Priority:  2,
				},
				MaxRetries: 1,
			}, nil)

		var enqueued *model.CreateJobRequest
		deps.repo.EXPECT().
			Enqueue(gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, params core.EnqueueParams) (*model.RenderJob, error) {
				enqueued = params.Request
				return &model.RenderJob{ID: "j2", Status: model.JobStatusQueued, Config: params.Request.Config}, nil
			})

		clone, err := svc.Retry(ctx, "j1", nil)
		require.NoError(t, err)
		assert.Equal(t, "j2", clone.ID)
		require.NotNil(t, enqueued.RetryOf)
		assert.Equal(t, "j1", *enqueued.RetryOf)
		assert.Equal(t, 2, enqueued.Config.Priority)
	})

	t.Run("priority override applies", func(t *testing.T) {
		svc, deps := newTestJobService(t)

		deps.repo.EXPECT().
			GetByID(gomock.Any(), "j1").
			Return(&model.RenderJob{
				ID:     "j1",
				Status: model.JobStatusCancelled,
				HTML:   "<html><body>x</body></html>",
				Config: model.RenderJobConfig{ClientIDs: []string{"gmail-web"}, Priority: 4},
			}, nil)
		deps.repo.EXPECT().
			Enqueue(gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, params core.EnqueueParams) (*model.RenderJob, error) {
				return &model.RenderJob{ID: "j2", Config: params.Request.Config}, nil
			})

		override := model.PriorityHighest
		clone, err := svc.Retry(ctx, "j1", &override)
		require.NoError(t, err)
		assert.Equal(t, model.PriorityHighest, clone.Config.Priority)
	})

	t.Run("running job cannot be retried", func(t *testing.T) {
		svc, deps := newTestJobService(t)

		deps.repo.EXPECT().
			GetByID(gomock.Any(), "j1").
			Return(&model.RenderJob{ID: "j1", Status: model.JobStatusProcessing}, nil)

		_, err := svc.Retry(ctx, "j1", nil)
		require.Error(t, err)
		assert.True(t, apperrors.IsConflict(err))
	})
}

func TestJobService_ReserveNext(t *testing.T) {
	ctx := context.Background()

	t.Run("resolves default lease", func(t *testing.T) {
		svc, deps := newTestJobService(t)

		deps.repo.EXPECT().
			ReserveNext(gomock.Any(), 30).
			Return(&model.RenderJob{ID: "j1", Status: model.JobStatusProcessing}, nil)

		job, err := svc.ReserveNext(ctx, 0)
		require.NoError(t, err)
		assert.Equal(t, "j1", job.ID)
	})

	t.Run("explicit lease passes through", func(t *testing.T) {
		svc, deps := newTestJobService(t)

		deps.repo.EXPECT().
			ReserveNext(gomock.Any(), 120).
			Return(&model.RenderJob{ID: "j1"}, nil)

		_, err := svc.ReserveNext(ctx, 2*time.Minute)
		require.NoError(t, err)
	})

	t.Run("passes no-jobs sentinel through", func(t *testing.T) {
		svc, deps := newTestJobService(t)

		deps.repo.EXPECT().
			ReserveNext(gomock.Any(), gomock.Any()).
			Return(nil, model.ErrNoJobsAvailable)

		_, err := svc.ReserveNext(ctx, time.Minute)
		require.ErrorIs(t, err, model.ErrNoJobsAvailable)
	})
}

func TestJobService_Heartbeat(t *testing.T) {
	ctx := context.Background()
	svc, deps := newTestJobService(t)

	deps.repo.EXPECT().Heartbeat(gomock.Any(), "j1", 30).Return(true, nil)

	ok, err := svc.Heartbeat(ctx, "j1", 0)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestJobService_CancelRequested(t *testing.T) {
	ctx := context.Background()

	t.Run("reads the cooperative flag", func(t *testing.T) {
		svc, deps := newTestJobService(t)

		deps.progress.EXPECT().CancelRequested(gomock.Any(), "j1").Return(true, nil)
		assert.True(t, svc.CancelRequested(ctx, "j1"))
	})

	t.Run("lookup error reports false", func(t *testing.T) {
		svc, deps := newTestJobService(t)

		deps.progress.EXPECT().
			CancelRequested(gomock.Any(), "j1").
			Return(false, errors.New("redis down"))
		assert.False(t, svc.CancelRequested(ctx, "j1"))
	})
}

func TestJobService_MarkCancelled(t *testing.T) {
	ctx := context.Background()
	svc, deps := newTestJobService(t)

	deps.repo.EXPECT().MarkCancelled(gomock.Any(), "j1").Return(true, nil)
	deps.progress.EXPECT().Clear(gomock.Any(), "j1").Return(nil)

	ok, err := svc.MarkCancelled(ctx, "j1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestJobService_SetStatus(t *testing.T) {
	ctx := context.Background()
	svc, deps := newTestJobService(t)

	deps.repo.EXPECT().
		SetStatus(gomock.Any(), core.SetStatusParams{
			JobID: "j1",
			From:  model.JobStatusProcessing,
			To:    model.JobStatusCapturing,
		}).
		Return(true, nil)

	ok, err := svc.SetStatus(ctx, core.SetStatusParams{
		JobID: "j1",
		From:  model.JobStatusProcessing,
		To:    model.JobStatusCapturing,
	})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestJobService_Shutdown(t *testing.T) {
	svc, deps := newTestJobService(t)

	unsub, ch := svc.Subscribe()
	defer unsub()
	assert.NotNil(t, ch)
	assert.Equal(t, 1, deps.notifier.subscribeCalls)

	svc.Shutdown()
	assert.True(t, deps.notifier.stopCalled)
}

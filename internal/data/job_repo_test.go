package data

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailcanary/mailcanary/internal/core"
	"github.com/mailcanary/mailcanary/internal/domain/model"
	apperrors "github.com/mailcanary/mailcanary/internal/errors"
	"github.com/mailcanary/mailcanary/internal/testutil"
)

// stubClock lets tests move repository time without sleeping.
type stubClock struct {
	now time.Time
}

func (c *stubClock) Now() time.Time { return c.now }

func (c *stubClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

// newStubClock starts slightly ahead of the database clock so freshly
// inserted jobs (scheduled_at defaults to now()) are immediately claimable.
func newStubClock() *stubClock {
	return &stubClock{now: time.Now().Add(5 * time.Second)}
}

func newTestRepo(db *sql.DB, clock *stubClock) *JobRepo {
	cfg := RepoConfig{RetryDelaySeconds: 30}
	if clock != nil {
		cfg.TimeProvider = clock
	}
	return NewJobRepo(db, cfg)
}

func testJobRequest(priority int, clientIDs ...string) *model.CreateJobRequest {
	if len(clientIDs) == 0 {
		clientIDs = []string{"gmail-web"}
	}
	return &model.CreateJobRequest{
		HTML: "<html><body><p>Hello</p></body></html>",
		Config: model.RenderJobConfig{
			ClientIDs: clientIDs,
			Priority:  priority,
		},
		MaxRetries: 2,
	}
}

func enqueueJob(t *testing.T, repo *JobRepo, priority int) *model.RenderJob {
	t.Helper()
	job, err := repo.Enqueue(context.Background(), core.EnqueueParams{
		Request:           testJobRequest(priority),
		EstimatedDuration: 4 * time.Second,
	})
	require.NoError(t, err)
	require.NotNil(t, job)
	return job
}

func TestJobRepo_Enqueue(t *testing.T) {
	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := newTestRepo(db, nil)

		job, err := repo.Enqueue(context.Background(), core.EnqueueParams{
			Request:           testJobRequest(2),
			EstimatedDuration: 7 * time.Second,
		})
		require.NoError(t, err)

		assert.NotEmpty(t, job.ID)
		assert.Equal(t, model.JobStatusQueued, job.Status)
		assert.Equal(t, 2, job.Config.Priority)
		assert.Equal(t, []string{"gmail-web"}, job.Config.ClientIDs)
		assert.Equal(t, 7*time.Second, job.EstimatedDuration)
		assert.Equal(t, 2, job.MaxRetries)
		assert.Zero(t, job.RetryCount)
		assert.Nil(t, job.LeaseExpiresAt)
	})
}

func TestJobRepo_Enqueue_InvalidRequest(t *testing.T) {
	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := newTestRepo(db, nil)

		req := testJobRequest(1)
		req.HTML = ""
		_, err := repo.Enqueue(context.Background(), core.EnqueueParams{Request: req})
		require.Error(t, err)
	})
}

func TestJobRepo_Enqueue_BacklogFull(t *testing.T) {
	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := newTestRepo(db, nil)

		_, err := repo.Enqueue(context.Background(), core.EnqueueParams{
			Request:    testJobRequest(3),
			MaxBacklog: 1,
		})
		require.NoError(t, err)

		_, err = repo.Enqueue(context.Background(), core.EnqueueParams{
			Request:    testJobRequest(3),
			MaxBacklog: 1,
		})
		require.Error(t, err)
		assert.True(t, apperrors.IsCapacity(err))
	})
}

func TestJobRepo_ReserveNext_PriorityOrder(t *testing.T) {
	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := newTestRepo(db, nil)

		low := enqueueJob(t, repo, 5)
		urgent := enqueueJob(t, repo, 1)
		mid := enqueueJob(t, repo, 3)

		first, err := repo.ReserveNext(context.Background(), 60)
		require.NoError(t, err)
		assert.Equal(t, urgent.ID, first.ID)
		assert.Equal(t, model.JobStatusProcessing, first.Status)
		require.NotNil(t, first.LeaseExpiresAt)
		assert.NotNil(t, first.StartedAt)

		second, err := repo.ReserveNext(context.Background(), 60)
		require.NoError(t, err)
		assert.Equal(t, mid.ID, second.ID)

		third, err := repo.ReserveNext(context.Background(), 60)
		require.NoError(t, err)
		assert.Equal(t, low.ID, third.ID)
	})
}

func TestJobRepo_ReserveNext_FIFOWithinPriority(t *testing.T) {
	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := newTestRepo(db, nil)

		older := enqueueJob(t, repo, 3)
		_ = enqueueJob(t, repo, 3)

		first, err := repo.ReserveNext(context.Background(), 60)
		require.NoError(t, err)
		assert.Equal(t, older.ID, first.ID)
	})
}

func TestJobRepo_ReserveNext_Empty(t *testing.T) {
	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := newTestRepo(db, nil)

		_, err := repo.ReserveNext(context.Background(), 60)
		require.ErrorIs(t, err, model.ErrNoJobsAvailable)
	})
}

func TestJobRepo_ReserveNext_ReclaimsExpiredLease(t *testing.T) {
	testutil.WithAutoDB(t, func(db *sql.DB) {
		clock := newStubClock()
		repo := newTestRepo(db, clock)

		job := enqueueJob(t, repo, 3)

		claimed, err := repo.ReserveNext(context.Background(), 30)
		require.NoError(t, err)
		require.Equal(t, job.ID, claimed.ID)

		// Nothing else is claimable while the lease is live.
		_, err = repo.ReserveNext(context.Background(), 30)
		require.ErrorIs(t, err, model.ErrNoJobsAvailable)

		clock.Advance(31 * time.Second)

		reclaimed, err := repo.ReserveNext(context.Background(), 30)
		require.NoError(t, err)
		assert.Equal(t, job.ID, reclaimed.ID)
		assert.Equal(t, 1, reclaimed.RetryCount)
	})
}

func TestJobRepo_Heartbeat(t *testing.T) {
	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := newTestRepo(db, nil)

		job := enqueueJob(t, repo, 3)
		claimed, err := repo.ReserveNext(context.Background(), 30)
		require.NoError(t, err)

		ok, err := repo.Heartbeat(context.Background(), claimed.ID, 60)
		require.NoError(t, err)
		assert.True(t, ok)

		got, err := repo.GetByID(context.Background(), job.ID)
		require.NoError(t, err)
		require.NotNil(t, got.LeaseExpiresAt)
		assert.Greater(t, got.LeaseExpiresAt.Unix(), claimed.LeaseExpiresAt.Unix())
	})
}

func TestJobRepo_Heartbeat_NotRunning(t *testing.T) {
	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := newTestRepo(db, nil)

		job := enqueueJob(t, repo, 3)

		ok, err := repo.Heartbeat(context.Background(), job.ID, 60)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestJobRepo_Heartbeat_InvalidLease(t *testing.T) {
	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := newTestRepo(db, nil)

		_, err := repo.Heartbeat(context.Background(), "ignored", 0)
		require.Error(t, err)
	})
}

func TestJobRepo_SetStatus_GuardedTransition(t *testing.T) {
	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := newTestRepo(db, nil)

		job := enqueueJob(t, repo, 3)
		_, err := repo.ReserveNext(context.Background(), 60)
		require.NoError(t, err)

		ok, err := repo.SetStatus(context.Background(), core.SetStatusParams{
			JobID: job.ID,
			From:  model.JobStatusProcessing,
			To:    model.JobStatusCapturing,
		})
		require.NoError(t, err)
		assert.True(t, ok)

		// Stale From status loses the guarded update.
		ok, err = repo.SetStatus(context.Background(), core.SetStatusParams{
			JobID: job.ID,
			From:  model.JobStatusProcessing,
			To:    model.JobStatusCapturing,
		})
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestJobRepo_SetStatus_IllegalTransition(t *testing.T) {
	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := newTestRepo(db, nil)

		job := enqueueJob(t, repo, 3)

		_, err := repo.SetStatus(context.Background(), core.SetStatusParams{
			JobID: job.ID,
			From:  model.JobStatusQueued,
			To:    model.JobStatusCompleted,
		})
		require.Error(t, err)
	})
}

func advanceToAnalyzing(t *testing.T, repo *JobRepo, jobID string) {
	t.Helper()
	for _, step := range []struct {
		from, to model.JobStatus
	}{
		{model.JobStatusProcessing, model.JobStatusCapturing},
		{model.JobStatusCapturing, model.JobStatusAnalyzing},
	} {
		ok, err := repo.SetStatus(context.Background(), core.SetStatusParams{
			JobID: jobID,
			From:  step.from,
			To:    step.to,
		})
		require.NoError(t, err)
		require.True(t, ok)
	}
}

func TestJobRepo_Complete(t *testing.T) {
	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := newTestRepo(db, nil)

		job := enqueueJob(t, repo, 3)
		_, err := repo.ReserveNext(context.Background(), 60)
		require.NoError(t, err)
		advanceToAnalyzing(t, repo, job.ID)

		ok, err := repo.Complete(context.Background(), job.ID, 1500*time.Millisecond)
		require.NoError(t, err)
		assert.True(t, ok)

		got, err := repo.GetByID(context.Background(), job.ID)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusCompleted, got.Status)
		require.NotNil(t, got.ActualDuration)
		assert.Equal(t, 1500*time.Millisecond, *got.ActualDuration)
		assert.NotNil(t, got.CompletedAt)
		assert.Nil(t, got.LeaseExpiresAt)
	})
}

func TestJobRepo_Complete_WrongStatus(t *testing.T) {
	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := newTestRepo(db, nil)

		job := enqueueJob(t, repo, 3)

		ok, err := repo.Complete(context.Background(), job.ID, time.Second)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestJobRepo_Fail_RequeuesWithDelay(t *testing.T) {
	testutil.WithAutoDB(t, func(db *sql.DB) {
		clock := newStubClock()
		repo := newTestRepo(db, clock)

		job := enqueueJob(t, repo, 3)
		_, err := repo.ReserveNext(context.Background(), 60)
		require.NoError(t, err)

		ok, err := repo.Fail(context.Background(), job.ID, "capture backend unreachable")
		require.NoError(t, err)
		assert.True(t, ok)

		got, err := repo.GetByID(context.Background(), job.ID)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusQueued, got.Status)
		assert.Equal(t, 1, got.RetryCount)
		require.NotNil(t, got.LastError)
		assert.Equal(t, "capture backend unreachable", *got.LastError)

		// The retry delay keeps the job out of reach until it elapses.
		_, err = repo.ReserveNext(context.Background(), 60)
		require.ErrorIs(t, err, model.ErrNoJobsAvailable)

		clock.Advance(31 * time.Second)
		reclaimed, err := repo.ReserveNext(context.Background(), 60)
		require.NoError(t, err)
		assert.Equal(t, job.ID, reclaimed.ID)
	})
}

func TestJobRepo_Fail_ExhaustedRetries(t *testing.T) {
	testutil.WithAutoDB(t, func(db *sql.DB) {
		clock := newStubClock()
		repo := newTestRepo(db, clock)

		req := testJobRequest(3)
		req.MaxRetries = 0
		job, err := repo.Enqueue(context.Background(), core.EnqueueParams{Request: req})
		require.NoError(t, err)

		_, err = repo.ReserveNext(context.Background(), 60)
		require.NoError(t, err)

		ok, err := repo.Fail(context.Background(), job.ID, "boom")
		require.NoError(t, err)
		assert.True(t, ok)

		got, err := repo.GetByID(context.Background(), job.ID)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusFailed, got.Status)
		assert.NotNil(t, got.CompletedAt)
	})
}

func TestJobRepo_CancelQueued(t *testing.T) {
	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := newTestRepo(db, nil)

		job := enqueueJob(t, repo, 3)

		ok, err := repo.CancelQueued(context.Background(), job.ID)
		require.NoError(t, err)
		assert.True(t, ok)

		got, err := repo.GetByID(context.Background(), job.ID)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusCancelled, got.Status)
	})
}

func TestJobRepo_CancelQueued_AlreadyClaimed(t *testing.T) {
	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := newTestRepo(db, nil)

		job := enqueueJob(t, repo, 3)
		_, err := repo.ReserveNext(context.Background(), 60)
		require.NoError(t, err)

		ok, err := repo.CancelQueued(context.Background(), job.ID)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestJobRepo_CancelQueued_NotFound(t *testing.T) {
	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := newTestRepo(db, nil)

		_, err := repo.CancelQueued(context.Background(), "00000000-0000-0000-0000-000000000000")
		require.ErrorIs(t, err, ErrJobNotFound)
	})
}

func TestJobRepo_MarkCancelled(t *testing.T) {
	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := newTestRepo(db, nil)

		job := enqueueJob(t, repo, 3)
		_, err := repo.ReserveNext(context.Background(), 60)
		require.NoError(t, err)

		ok, err := repo.MarkCancelled(context.Background(), job.ID)
		require.NoError(t, err)
		assert.True(t, ok)

		got, err := repo.GetByID(context.Background(), job.ID)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusCancelled, got.Status)
		assert.Nil(t, got.LeaseExpiresAt)
	})
}

func TestJobRepo_Stats(t *testing.T) {
	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := newTestRepo(db, nil)

		enqueueJob(t, repo, 3)
		enqueueJob(t, repo, 3)
		claimed := enqueueJob(t, repo, 1)
		_, err := repo.ReserveNext(context.Background(), 60)
		require.NoError(t, err)

		stats, err := repo.Stats(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 2, stats.Queued)
		assert.Equal(t, 1, stats.Processing)
		assert.Equal(t, 2, stats.Backlog())

		statuses := testutil.InspectJobStatuses(t, db)
		assert.Equal(t, "processing", statuses[claimed.ID])
	})
}

func TestJobRepo_GetByID_NotFound(t *testing.T) {
	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := newTestRepo(db, nil)

		_, err := repo.GetByID(context.Background(), "00000000-0000-0000-0000-000000000000")
		require.ErrorIs(t, err, ErrJobNotFound)
	})
}

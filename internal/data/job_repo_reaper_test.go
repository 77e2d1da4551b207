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
	"github.com/mailcanary/mailcanary/internal/testutil"
)

func TestJobRepo_RequeueExpiredLeases(t *testing.T) {
	testutil.WithAutoDB(t, func(db *sql.DB) {
		clock := newStubClock()
		repo := newTestRepo(db, clock)

		job := enqueueJob(t, repo, 3)
		_, err := repo.ReserveNext(context.Background(), 30)
		require.NoError(t, err)

		// Lease still live: nothing to sweep.
		n, err := repo.RequeueExpiredLeases(context.Background(), 100)
		require.NoError(t, err)
		assert.Zero(t, n)

		clock.Advance(31 * time.Second)

		n, err = repo.RequeueExpiredLeases(context.Background(), 100)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		got, err := repo.GetByID(context.Background(), job.ID)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusQueued, got.Status)
		assert.Equal(t, 1, got.RetryCount)
		assert.Nil(t, got.LeaseExpiresAt)
	})
}

func TestJobRepo_RequeueExpiredLeases_ExhaustedRetriesFail(t *testing.T) {
	testutil.WithAutoDB(t, func(db *sql.DB) {
		clock := newStubClock()
		repo := newTestRepo(db, clock)

		req := testJobRequest(3)
		req.MaxRetries = 0
		job, err := repo.Enqueue(context.Background(), core.EnqueueParams{Request: req})
		require.NoError(t, err)

		_, err = repo.ReserveNext(context.Background(), 30)
		require.NoError(t, err)

		clock.Advance(31 * time.Second)

		n, err := repo.RequeueExpiredLeases(context.Background(), 100)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		got, err := repo.GetByID(context.Background(), job.ID)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusFailed, got.Status)
		require.NotNil(t, got.LastError)
		assert.Contains(t, *got.LastError, "lease expired")
		assert.NotNil(t, got.CompletedAt)
	})
}

func TestJobRepo_RequeueExpiredLeases_InvalidBatchSize(t *testing.T) {
	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := newTestRepo(db, nil)

		_, err := repo.RequeueExpiredLeases(context.Background(), 0)
		require.Error(t, err)
	})
}

func TestJobRepo_FailStaleQueuedJobs(t *testing.T) {
	testutil.WithAutoDB(t, func(db *sql.DB) {
		clock := newStubClock()
		repo := newTestRepo(db, clock)

		job := enqueueJob(t, repo, 3)

		// Fresh jobs are untouched.
		n, err := repo.FailStaleQueuedJobs(context.Background(), time.Hour, 100)
		require.NoError(t, err)
		assert.Zero(t, n)

		clock.Advance(2 * time.Hour)

		n, err = repo.FailStaleQueuedJobs(context.Background(), time.Hour, 100)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		got, err := repo.GetByID(context.Background(), job.ID)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusFailed, got.Status)
		require.NotNil(t, got.LastError)
		assert.Contains(t, *got.LastError, "timed out waiting in queue")
	})
}

func TestJobRepo_DeleteOldJobs(t *testing.T) {
	testutil.WithAutoDB(t, func(db *sql.DB) {
		clock := newStubClock()
		repo := newTestRepo(db, clock)

		job := enqueueJob(t, repo, 3)
		ok, err := repo.CancelQueued(context.Background(), job.ID)
		require.NoError(t, err)
		require.True(t, ok)

		// Not old enough yet.
		n, err := repo.DeleteOldJobs(context.Background(), core.DeleteOldJobsParams{
			Status:    model.JobStatusCancelled,
			MaxAge:    time.Hour,
			BatchSize: 100,
		})
		require.NoError(t, err)
		assert.Zero(t, n)

		clock.Advance(2 * time.Hour)

		n, err = repo.DeleteOldJobs(context.Background(), core.DeleteOldJobsParams{
			Status:    model.JobStatusCancelled,
			MaxAge:    time.Hour,
			BatchSize: 100,
		})
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		_, err = repo.GetByID(context.Background(), job.ID)
		require.ErrorIs(t, err, ErrJobNotFound)
	})
}

func TestJobRepo_DeleteOldJobs_RefusesNonTerminal(t *testing.T) {
	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := newTestRepo(db, nil)

		_, err := repo.DeleteOldJobs(context.Background(), core.DeleteOldJobsParams{
			Status:    model.JobStatusQueued,
			MaxAge:    time.Hour,
			BatchSize: 100,
		})
		require.Error(t, err)
	})
}

func TestJobRepo_DeleteOldResults(t *testing.T) {
	testutil.WithAutoDB(t, func(db *sql.DB) {
		clock := newStubClock()
		repo := newTestRepo(db, clock)
		results := NewResultRepo(db)

		job := enqueueJob(t, repo, 3)
		require.NoError(t, results.Upsert(context.Background(), &model.RenderResult{
			JobID:         job.ID,
			OverallStatus: model.JobStatusCompleted,
			OverallScore:  91,
			StartedAt:     clock.Now().Add(-time.Minute),
			CompletedAt:   clock.Now(),
		}))

		n, err := repo.DeleteOldResults(context.Background(), core.DeleteOldResultsParams{
			MaxAge:    time.Hour,
			BatchSize: 100,
		})
		require.NoError(t, err)
		assert.Zero(t, n)

		clock.Advance(2 * time.Hour)

		n, err = repo.DeleteOldResults(context.Background(), core.DeleteOldResultsParams{
			MaxAge:    time.Hour,
			BatchSize: 100,
		})
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		_, err = results.GetByJobID(context.Background(), job.ID)
		require.ErrorIs(t, err, ErrResultNotFound)
	})
}

func TestJobRepo_DeleteOldResults_InvalidParams(t *testing.T) {
	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := newTestRepo(db, nil)

		_, err := repo.DeleteOldResults(context.Background(), core.DeleteOldResultsParams{
			MaxAge:    0,
			BatchSize: 100,
		})
		require.Error(t, err)

		_, err = repo.DeleteOldResults(context.Background(), core.DeleteOldResultsParams{
			MaxAge:    time.Hour,
			BatchSize: 0,
		})
		require.Error(t, err)
	})
}

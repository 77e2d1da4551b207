package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/mailcanary/mailcanary/internal/core"
	"github.com/mailcanary/mailcanary/internal/data/pgxutil"
	"github.com/mailcanary/mailcanary/internal/domain/model"
	apperrors "github.com/mailcanary/mailcanary/internal/errors"
)

// jobAddedChannel is the pg_notify channel workers listen on for new work.
const jobAddedChannel = "render_job_added"

const defaultRetryDelaySeconds = 30

func (r *JobRepo) retryDelay() int {
	if r.cfg.RetryDelaySeconds > 0 {
		return r.cfg.RetryDelaySeconds
	}
	return defaultRetryDelaySeconds
}

// SQL used by ReserveNext to atomically claim the next queued job.
// Priority 1 is the most urgent, ties break FIFO on creation time.
const reserveNextUpdateSQL = `
  WITH cte AS (
    SELECT id FROM render_jobs
    WHERE status = 'queued' AND scheduled_at <= $1
    ORDER BY priority ASC, scheduled_at ASC, created_at ASC
    LIMIT 1
    FOR UPDATE SKIP LOCKED
  )
  UPDATE render_jobs j
  SET
    status = 'processing',
    started_at = COALESCE(j.started_at, $1),
    lease_expires_at = $2,
    updated_at = $3
  FROM cte
  WHERE j.id = cte.id
  RETURNING j.id, j.status, j.priority, j.config, j.html, j.subject, j.preheader, j.estimated_duration_ms, j.actual_duration_ms, j.last_error, j.retry_count, j.max_retries, j.retry_of, j.lease_expires_at, j.started_at, j.completed_at, j.created_at, j.updated_at`

// Enqueue admits a new render job to the queue. When params.MaxBacklog is
// positive the backlog is counted inside the same transaction and a Capacity
// error is returned once the limit is hit.
func (r *JobRepo) Enqueue(ctx context.Context, params core.EnqueueParams) (*model.RenderJob, error) {
	req := params.Request
	if req == nil {
		return nil, errors.New("create job request is required")
	}
	if validateErr := req.Validate(); validateErr != nil {
		return nil, validateErr
	}

	configJSON, err := json.Marshal(req.Config)
	if err != nil {
		return nil, fmt.Errorf("marshal job config: %w", err)
	}

	var job *model.RenderJob
	txErr := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Fn: func(tx pgx.Tx) error {
			if params.MaxBacklog > 0 {
				var backlog int
				if countErr := tx.QueryRow(ctx,
					`SELECT count(*) FROM render_jobs WHERE status IN ('pending', 'queued')`,
				).Scan(&backlog); countErr != nil {
					return fmt.Errorf("count backlog: %w", countErr)
				}
				if backlog >= params.MaxBacklog {
					return apperrors.Capacityf("queue is full (%d jobs waiting)", backlog)
				}
			}

			rows, qerr := tx.Query(ctx, `
			  INSERT INTO render_jobs(status, priority, config, html, subject, preheader, estimated_duration_ms, max_retries, retry_of)
			  VALUES ('queued', $1, $2, $3, $4, $5, $6, $7, $8)
			  RETURNING `+jobColumns,
				req.Config.Priority,
				configJSON,
				req.HTML,
				req.Subject,
				req.Preheader,
				params.EstimatedDuration.Milliseconds(),
				req.MaxRetries,
				req.RetryOf,
			)
			if qerr != nil {
				return fmt.Errorf("insert job: %w", qerr)
			}
			j, collectErr := collectJobFromRows(rows)
			rows.Close()
			if collectErr != nil {
				return fmt.Errorf("collect job: %w", collectErr)
			}

			if _, notifyErr := tx.Exec(ctx, `SELECT pg_notify($1::text, $2::text)`, jobAddedChannel, j.ID); notifyErr != nil {
				return fmt.Errorf("send job notification: %w", notifyErr)
			}

			job = j
			return nil
		},
	})
	if txErr != nil {
		return nil, txErr
	}
	return job, nil
}

// collectJobFromRows collects a single job from pgx rows using pgx v5 helpers.
func collectJobFromRows(rows pgx.Rows) (*model.RenderJob, error) {
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, pgx.ErrNoRows
	}

	job, err := scanJobFromRow(rows)
	if err != nil {
		return nil, err
	}

	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, rowsErr
	}

	return job, nil
}

type jobRowScanner interface {
	Scan(dest ...any) error
}

type jobRowData struct {
	config                                 []byte
	subject, preheader, lastError, retryOf sql.NullString
	actualDurationMS                       sql.NullInt64
	estimatedDurationMS                    int64
	leaseExpiresAt, startedAt, completedAt sql.NullTime
}

func (d *jobRowData) scanInto(scanner jobRowScanner, job *model.RenderJob) error {
	return scanner.Scan(
		&job.ID,
		&job.Status,
		&job.Config.Priority,
		&d.config,
		&job.HTML,
		&d.subject,
		&d.preheader,
		&d.estimatedDurationMS,
		&d.actualDurationMS,
		&d.lastError,
		&job.RetryCount,
		&job.MaxRetries,
		&d.retryOf,
		&d.leaseExpiresAt,
		&d.startedAt,
		&d.completedAt,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
}

func (d *jobRowData) apply(job *model.RenderJob) error {
	if len(d.config) > 0 {
		if err := json.Unmarshal(d.config, &job.Config); err != nil {
			return fmt.Errorf("unmarshal job config: %w", err)
		}
	}
	job.Subject = cloneNullableString(d.subject)
	job.Preheader = cloneNullableString(d.preheader)
	job.LastError = cloneNullableString(d.lastError)
	job.RetryOf = cloneNullableString(d.retryOf)
	job.EstimatedDuration = time.Duration(d.estimatedDurationMS) * time.Millisecond
	if d.actualDurationMS.Valid {
		dur := time.Duration(d.actualDurationMS.Int64) * time.Millisecond
		job.ActualDuration = &dur
	}
	job.LeaseExpiresAt = cloneNullableTime(d.leaseExpiresAt)
	job.StartedAt = cloneNullableTime(d.startedAt)
	job.CompletedAt = cloneNullableTime(d.completedAt)
	return nil
}

func scanJobFromRow(scanner jobRowScanner) (*model.RenderJob, error) {
	job := &model.RenderJob{}
	var data jobRowData
	if err := data.scanInto(scanner, job); err != nil {
		return nil, err
	}

	if err := data.apply(job); err != nil {
		return nil, err
	}
	return job, nil
}

func cloneNullableString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func cloneNullableTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

// Advisory lock keys for requeueExpired so only one claimer runs the sweep at a time.
const (
	advisoryLockRequeueMajor int64 = 2101
	advisoryLockRequeueMinor int64 = 1
)

// requeueExpired returns jobs with lapsed leases to the queue, or fails them
// once their retries are exhausted. Returns the number of rows touched.
func (r *JobRepo) requeueExpired(ctx context.Context) (int64, error) {
	var rowsAffected int64
	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			var locked bool
			if err := tx.QueryRowContext(ctx, "SELECT pg_try_advisory_xact_lock($1::integer, $2::integer)", advisoryLockRequeueMajor, advisoryLockRequeueMinor).Scan(&locked); err != nil {
				return fmt.Errorf("acquire advisory lock: %w", err)
			}
			if !locked {
				rowsAffected = 0
				return nil
			}

			currentTime := r.timeProvider.Now().UTC()
			res, err := tx.ExecContext(ctx, `
	          UPDATE render_jobs
	          SET
	            retry_count = retry_count + 1,
	            status = CASE WHEN retry_count + 1 > max_retries THEN 'failed' ELSE 'queued' END,
	            last_error = CASE WHEN retry_count + 1 > max_retries THEN 'lease expired; retries exhausted' ELSE last_error END,
	            completed_at = CASE WHEN retry_count + 1 > max_retries THEN $1::timestamptz ELSE NULL END,
	            lease_expires_at = NULL,
	            updated_at = $1
	          WHERE status IN ('processing', 'capturing', 'analyzing')
	            AND lease_expires_at IS NOT NULL
	            AND lease_expires_at < $1
	        `, currentTime)
			if err != nil {
				return fmt.Errorf("requeue expired: %w", err)
			}
			ra, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("rows affected: %w", err)
			}
			rowsAffected = ra
			return nil
		},
	})
	if err != nil {
		return 0, err
	}
	return rowsAffected, nil
}

// ReserveNext reserves the next available job for processing. Expired leases
// are swept back to the queue first so crashed workers' jobs stay claimable.
func (r *JobRepo) ReserveNext(ctx context.Context, leaseSeconds int) (*model.RenderJob, error) {
	if _, err := r.requeueExpired(ctx); err != nil {
		return nil, fmt.Errorf("requeue expired jobs: %w", err)
	}

	var job *model.RenderJob
	err := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Opts: &sql.TxOptions{
			Isolation: sql.LevelReadCommitted,
			ReadOnly:  false,
		},
		Fn: func(tx pgx.Tx) error {
			currentTime := r.timeProvider.Now()
			leaseExpiresAt := currentTime.Add(time.Duration(leaseSeconds) * time.Second)

			rows, qerr := tx.Query(
				ctx,
				reserveNextUpdateSQL,
				currentTime.UTC(),
				leaseExpiresAt.UTC(),
				currentTime.UTC(),
			)
			if qerr != nil {
				return fmt.Errorf("reserve job: %w", qerr)
			}
			defer rows.Close()

			j, cerr := collectJobFromRows(rows)
			if errors.Is(cerr, pgx.ErrNoRows) {
				return model.ErrNoJobsAvailable
			}
			if cerr != nil {
				return fmt.Errorf("reserve job: %w", cerr)
			}
			job = j
			return nil
		},
	})
	if err != nil {
		if errors.Is(err, model.ErrNoJobsAvailable) {
			return nil, model.ErrNoJobsAvailable
		}
		return nil, err
	}
	return job, nil
}

// Heartbeat refreshes the lease on a job a worker is still driving.
func (r *JobRepo) Heartbeat(ctx context.Context, jobID string, leaseSeconds int) (bool, error) {
	if leaseSeconds <= 0 {
		return false, errors.New("leaseSeconds must be positive")
	}

	currentTime := r.timeProvider.Now().UTC()
	leaseExpiration := currentTime.Add(time.Duration(leaseSeconds) * time.Second)

	query := `
		UPDATE render_jobs
		SET lease_expires_at = $2,
		    updated_at = $3
		WHERE id = $1 AND status IN ('processing', 'capturing', 'analyzing')
	`

	res, err := r.DB.ExecContext(ctx, query, jobID, leaseExpiration, currentTime)
	if err != nil {
		return false, fmt.Errorf("heartbeat job: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("heartbeat rows affected: %w", err)
	}

	return rowsAffected > 0, nil
}

// SetStatus performs a guarded status transition. It returns false when the job
// was not in the expected From status, which callers treat as a lost claim.
func (r *JobRepo) SetStatus(ctx context.Context, params core.SetStatusParams) (bool, error) {
	if !params.From.CanTransitionTo(params.To) {
		return false, fmt.Errorf("illegal transition %s -> %s", params.From, params.To)
	}

	currentTime := r.timeProvider.Now().UTC()
	res, err := r.DB.ExecContext(ctx, `
		UPDATE render_jobs
		SET status = $3,
		    updated_at = $4
		WHERE id = $1 AND status = $2
	`, params.JobID, params.From, params.To, currentTime)
	if err != nil {
		return false, fmt.Errorf("set job status: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("set status rows affected: %w", err)
	}

	return rowsAffected > 0, nil
}

// Complete marks an analyzing job as completed successfully.
func (r *JobRepo) Complete(ctx context.Context, id string, actualDuration time.Duration) (bool, error) {
	currentTime := r.timeProvider.Now().UTC()

	query := `
		UPDATE render_jobs
		SET status = 'completed',
		    completed_at = $2,
		    actual_duration_ms = $3,
		    updated_at = $2,
		    lease_expires_at = NULL,
		    last_error = NULL
		WHERE id = $1 AND status = 'analyzing'
	`

	res, err := r.DB.ExecContext(ctx, query, id, currentTime, actualDuration.Milliseconds())
	if err != nil {
		return false, fmt.Errorf("complete job: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("complete rows affected: %w", err)
	}

	return rowsAffected > 0, nil
}

// Fail records a failure on a running job. Jobs with remaining retries go back
// to the queue after a delay; exhausted jobs land in failed.
func (r *JobRepo) Fail(ctx context.Context, id, errMsg string) (bool, error) {
	retryDelay := r.retryDelay()
	currentTime := r.timeProvider.Now()
	retryScheduledAt := currentTime.Add(time.Duration(retryDelay) * time.Second)

	query := `
      UPDATE render_jobs
      SET
        last_error = $2,
        retry_count = retry_count + 1,
        status = CASE WHEN retry_count + 1 > max_retries THEN 'failed' ELSE 'queued' END,
        completed_at = CASE WHEN retry_count + 1 > max_retries THEN $3::timestamptz ELSE NULL END,
        scheduled_at = CASE WHEN retry_count + 1 > max_retries THEN scheduled_at
                            ELSE $4::timestamptz END,
        lease_expires_at = NULL,
        updated_at = $3
      WHERE id = $1 AND status IN ('processing', 'capturing', 'analyzing')
    `

	res, err := r.DB.ExecContext(ctx, query, id, errMsg, currentTime.UTC(), retryScheduledAt.UTC())
	if err != nil {
		return false, fmt.Errorf("fail job: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("fail rows affected: %w", err)
	}

	return rowsAffected > 0, nil
}

// CancelQueued cancels a job that no worker has claimed yet. Returns false when
// the job exists but already left the queue.
func (r *JobRepo) CancelQueued(ctx context.Context, id string) (bool, error) {
	currentTime := r.timeProvider.Now().UTC()
	res, err := r.DB.ExecContext(ctx, `
		UPDATE render_jobs
		SET status = 'cancelled',
		    completed_at = $2,
		    updated_at = $2
		WHERE id = $1 AND status IN ('pending', 'queued')
	`, id, currentTime)
	if err != nil {
		return false, fmt.Errorf("cancel queued job: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("cancel rows affected: %w", err)
	}
	if rowsAffected > 0 {
		return true, nil
	}

	if _, getErr := r.GetByID(ctx, id); getErr != nil {
		return false, getErr
	}
	return false, nil
}

// MarkCancelled finalizes a running job after the worker honored a cooperative
// cancellation request.
func (r *JobRepo) MarkCancelled(ctx context.Context, id string) (bool, error) {
	currentTime := r.timeProvider.Now().UTC()
	res, err := r.DB.ExecContext(ctx, `
		UPDATE render_jobs
		SET status = 'cancelled',
		    completed_at = $2,
		    updated_at = $2,
		    lease_expires_at = NULL
		WHERE id = $1 AND status IN ('processing', 'capturing')
	`, id, currentTime)
	if err != nil {
		return false, fmt.Errorf("mark job cancelled: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark cancelled rows affected: %w", err)
	}

	return rowsAffected > 0, nil
}

// Stats returns counts of jobs in each state.
func (r *JobRepo) Stats(ctx context.Context) (*model.JobStats, error) {
	var s model.JobStats
	err := r.DB.QueryRowContext(ctx, `
  SELECT
    count(*) FILTER (WHERE status = 'pending')    AS pending,
    count(*) FILTER (WHERE status = 'queued')     AS queued,
    count(*) FILTER (WHERE status = 'processing') AS processing,
    count(*) FILTER (WHERE status = 'capturing')  AS capturing,
    count(*) FILTER (WHERE status = 'analyzing')  AS analyzing,
    count(*) FILTER (WHERE status = 'completed')  AS completed,
    count(*) FILTER (WHERE status = 'failed')     AS failed,
    count(*) FILTER (WHERE status = 'cancelled')  AS cancelled
  FROM render_jobs
  `).Scan(
		&s.Pending,
		&s.Queued,
		&s.Processing,
		&s.Capturing,
		&s.Analyzing,
		&s.Completed,
		&s.Failed,
		&s.Cancelled,
	)
	if err != nil {
		return nil, fmt.Errorf("get job stats: %w", err)
	}
	return &s, nil
}

// WaitForNotification waits for a PostgreSQL notification indicating new jobs are available.
func (r *JobRepo) WaitForNotification(ctx context.Context) error {
	conn, err := r.DB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("get conn from pool: %w", err)
	}
	defer func() {
		if cerr := conn.Close(); cerr != nil {
			_ = cerr
		}
	}()

	quoted := pgx.Identifier{jobAddedChannel}.Sanitize()

	if _, execErr := conn.ExecContext(ctx, "LISTEN "+quoted); execErr != nil {
		return fmt.Errorf("listen %s: %w", jobAddedChannel, execErr)
	}
	defer func() {
		if _, execErr := conn.ExecContext(context.Background(), "UNLISTEN "+quoted); execErr != nil {
			_ = execErr
		}
	}()

	return conn.Raw(func(dc any) error {
		sc, ok := dc.(*stdlib.Conn)
		if !ok {
			return errors.New("unexpected driver connection type; expected *stdlib.Conn")
		}
		_, notifyErr := sc.Conn().WaitForNotification(ctx)
		return notifyErr
	})
}

// GetByID retrieves a job by its ID.
func (r *JobRepo) GetByID(ctx context.Context, id string) (*model.RenderJob, error) {
	var job *model.RenderJob
	err := pgxutil.WithPgxConn(ctx, r.DB, func(pgxConn *pgx.Conn) error {
		rows, err := pgxConn.Query(ctx, `
			SELECT `+jobColumns+`
			FROM render_jobs
			WHERE id = $1
		`, id)
		if err != nil {
			return err
		}
		defer rows.Close()
		job, err = collectJobFromRows(rows)
		return err
	})

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

var _ core.JobRepository = (*JobRepo)(nil)

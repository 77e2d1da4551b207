package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/mailcanary/mailcanary/internal/core"
	"github.com/mailcanary/mailcanary/internal/data/pgxutil"
	"github.com/mailcanary/mailcanary/internal/domain/model"
)

// ResultRepo provides persistence for aggregated render results.
type ResultRepo struct {
	DB *sql.DB
}

// NewResultRepo constructs a ResultRepo.
func NewResultRepo(db *sql.DB) *ResultRepo {
	return &ResultRepo{DB: db}
}

// Upsert stores or updates the render result for a given job.
func (r *ResultRepo) Upsert(ctx context.Context, result *model.RenderResult) error {
	if result == nil {
		return ErrResultRequired
	}
	if result.JobID == "" {
		return ErrJobIDRequired
	}

	summaryJSON, err := json.Marshal(result.Summary)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	clientsJSON, err := json.Marshal(result.ClientResults)
	if err != nil {
		return fmt.Errorf("marshal client results: %w", err)
	}

	const query = `
		INSERT INTO job_results (job_id, overall_status, overall_score, summary, client_results, started_at, completed_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now(), now())
		ON CONFLICT (job_id)
		DO UPDATE SET
			overall_status = EXCLUDED.overall_status,
			overall_score = EXCLUDED.overall_score,
			summary = EXCLUDED.summary,
			client_results = EXCLUDED.client_results,
			started_at = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at,
			updated_at = now();`
	if _, err := r.DB.ExecContext(ctx, query,
		result.JobID,
		result.OverallStatus,
		result.OverallScore,
		summaryJSON,
		clientsJSON,
		result.StartedAt.UTC(),
		result.CompletedAt.UTC(),
	); err != nil {
		return fmt.Errorf("upsert job_results: %w", err)
	}
	return nil
}

// GetByJobID retrieves the render result for a given job ID.
func (r *ResultRepo) GetByJobID(ctx context.Context, jobID string) (*model.RenderResult, error) {
	if jobID == "" {
		return nil, ErrJobIDRequired
	}

	const query = `
		SELECT job_id, overall_status, overall_score, summary, client_results, started_at, completed_at
		FROM job_results
		WHERE job_id = $1`

	var res *model.RenderResult
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		var (
			result      model.RenderResult
			summaryJSON []byte
			clientsJSON []byte
		)
		if scanErr := conn.QueryRow(ctx, query, jobID).Scan(
			&result.JobID,
			&result.OverallStatus,
			&result.OverallScore,
			&summaryJSON,
			&clientsJSON,
			&result.StartedAt,
			&result.CompletedAt,
		); scanErr != nil {
			return scanErr
		}
		if len(summaryJSON) > 0 {
			if uerr := json.Unmarshal(summaryJSON, &result.Summary); uerr != nil {
				return fmt.Errorf("unmarshal summary: %w", uerr)
			}
		}
		if len(clientsJSON) > 0 {
			if uerr := json.Unmarshal(clientsJSON, &result.ClientResults); uerr != nil {
				return fmt.Errorf("unmarshal client results: %w", uerr)
			}
		}
		res = &result
		return nil
	})

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrResultNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job_results: %w", err)
	}
	return res, nil
}

var _ core.ResultRepository = (*ResultRepo)(nil)

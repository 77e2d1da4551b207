package data

import (
	"database/sql"
	"log/slog"
)

// RepoConfig holds configuration options for the job repository.
type RepoConfig struct {
	// RetryDelaySeconds is the base delay before a failed job becomes claimable again.
	RetryDelaySeconds int
	Logger            *slog.Logger
	TimeProvider      TimeProvider
}

// JobRepo provides database operations for render job management.
type JobRepo struct {
	DB           *sql.DB
	cfg          RepoConfig
	timeProvider TimeProvider
	logger       *slog.Logger
}

// NewJobRepo creates a new JobRepo instance with the given database connection and configuration.
func NewJobRepo(db *sql.DB, cfg RepoConfig) *JobRepo {
	tp := cfg.TimeProvider
	if tp == nil {
		tp = &RealTimeProvider{}
	}

	return &JobRepo{
		DB:           db,
		cfg:          cfg,
		timeProvider: tp,
		logger:       cfg.Logger,
	}
}

const jobColumns = `
  id,
  status,
  priority,
  config,
  html,
  subject,
  preheader,
  estimated_duration_ms,
  actual_duration_ms,
  last_error,
  retry_count,
  max_retries,
  retry_of,
  lease_expires_at,
  started_at,
  completed_at,
  created_at,
  updated_at
`

package redis

// Package redis provides Redis-based adapters for the mailcanary system.

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/mailcanary/mailcanary/config"
	"github.com/mailcanary/mailcanary/internal/core"
	"github.com/mailcanary/mailcanary/internal/domain/model"
)

// ProgressStore is a Redis-based implementation of core.ProgressStore.
// Progress snapshots and cancellation flags expire on their own, so crashed
// workers cannot leave stale state behind forever.
type ProgressStore struct {
	client         redis.UniversalClient
	progressPrefix string
	cancelPrefix   string
	cfg            config.ProgressConfig
}

// NewProgressStore creates a new Redis-based progress store.
func NewProgressStore(client redis.UniversalClient, cfg config.ProgressConfig) *ProgressStore {
	return &ProgressStore{
		client:         client,
		progressPrefix: "job:progress:",
		cancelPrefix:   "job:cancel:",
		cfg:            cfg,
	}
}

// Publish stores the latest progress snapshot for a job, refreshing its TTL.
func (s *ProgressStore) Publish(ctx context.Context, jobID string, progress *model.JobProgress) error {
	if jobID == "" {
		return errors.New("job ID cannot be empty")
	}
	if progress == nil {
		return errors.New("progress cannot be nil")
	}

	data, err := json.Marshal(progress)
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}

	return s.client.Set(ctx, s.progressPrefix+jobID, data, s.cfg.TTL).Err()
}

// Get returns the latest progress snapshot, or ErrNotFound when none exists.
func (s *ProgressStore) Get(ctx context.Context, jobID string) (*model.JobProgress, error) {
	if jobID == "" {
		return nil, ErrNotFound
	}

	data, err := s.client.Get(ctx, s.progressPrefix+jobID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var progress model.JobProgress
	if unmarshalErr := json.Unmarshal([]byte(data), &progress); unmarshalErr != nil {
		return nil, fmt.Errorf("unmarshal progress: %w", unmarshalErr)
	}

	return &progress, nil
}

// Clear drops a job's progress snapshot and any pending cancellation flag.
func (s *ProgressStore) Clear(ctx context.Context, jobID string) error {
	if jobID == "" {
		return nil // Nothing to clear
	}

	return s.client.Del(ctx, s.progressPrefix+jobID, s.cancelPrefix+jobID).Err()
}

// RequestCancel arms the cooperative cancellation flag for a running job.
// Workers poll the flag between clients and stop at the next safe point.
func (s *ProgressStore) RequestCancel(ctx context.Context, jobID string) error {
	if jobID == "" {
		return errors.New("job ID cannot be empty")
	}

	return s.client.Set(ctx, s.cancelPrefix+jobID, "1", s.cfg.CancelTTL).Err()
}

// CancelRequested reports whether cancellation has been requested for a job.
func (s *ProgressStore) CancelRequested(ctx context.Context, jobID string) (bool, error) {
	if jobID == "" {
		return false, nil
	}

	n, err := s.client.Exists(ctx, s.cancelPrefix+jobID).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists: %w", err)
	}
	return n > 0, nil
}

// ErrNotFound is returned when no progress snapshot exists for a job.
type notFoundError struct{}

func (notFoundError) Error() string { return "progress not found" }

var ErrNotFound error = notFoundError{}

var _ core.ProgressStore = (*ProgressStore)(nil)

// Package model defines the core data types and structures used throughout the mailcanary render-test system.
package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/net/html"
)

// JobStatus represents the current status of a render job.
//
//nolint:recvcheck // UnmarshalText needs pointer receiver, Valid needs value receiver
type JobStatus string

const (
	// JobStatusPending indicates a job has been created but not yet admitted to the queue.
	JobStatusPending JobStatus = "pending"
	// JobStatusQueued indicates a job is waiting in the queue for a worker.
	JobStatusQueued JobStatus = "queued"
	// JobStatusProcessing indicates a worker has claimed the job and is preparing it.
	JobStatusProcessing JobStatus = "processing"
	// JobStatusCapturing indicates screenshot capture is in flight.
	JobStatusCapturing JobStatus = "capturing"
	// JobStatusAnalyzing indicates capture output is being scored and aggregated.
	JobStatusAnalyzing JobStatus = "analyzing"
	// JobStatusCompleted indicates the job finished with a persisted result.
	JobStatusCompleted JobStatus = "completed"
	// JobStatusFailed indicates the job exhausted its retries or hit a fatal error.
	JobStatusFailed JobStatus = "failed"
	// JobStatusCancelled indicates the job was cancelled before completion.
	JobStatusCancelled JobStatus = "cancelled"
)

const (
	// PriorityHighest is the most urgent job priority.
	PriorityHighest = 1
	// PriorityLowest is the least urgent job priority.
	PriorityLowest = 5
	// PriorityDefault is assigned when a request does not specify a priority.
	PriorityDefault = 3

	// MaxHTMLBytes bounds the size of the HTML document accepted at submit time.
	MaxHTMLBytes = 2 << 20
)

// ErrNoJobsAvailable is returned when no jobs are available for reservation.
var ErrNoJobsAvailable = errors.New("no jobs available")

// UnmarshalText implements encoding.TextUnmarshaler for JobStatus.
func (s *JobStatus) UnmarshalText(text []byte) error {
	v := strings.ToLower(strings.TrimSpace(string(text)))
	js := JobStatus(v)
	if js.Valid() {
		*s = js
		return nil
	}
	return fmt.Errorf("invalid JobStatus: %q", v)
}

// Valid returns true if the JobStatus is one of the known states.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusQueued, JobStatusProcessing, JobStatusCapturing,
		JobStatusAnalyzing, JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// Terminal returns true if no further transitions are allowed from this status.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// jobTransitions is the authoritative state machine for render jobs. A retry of a
// failed job never reuses the row; it is a new job cloned from the old one.
var jobTransitions = map[JobStatus][]JobStatus{
	JobStatusPending:    {JobStatusQueued, JobStatusCancelled},
	JobStatusQueued:     {JobStatusProcessing, JobStatusCancelled},
	JobStatusProcessing: {JobStatusCapturing, JobStatusFailed, JobStatusCancelled},
	JobStatusCapturing:  {JobStatusAnalyzing, JobStatusFailed, JobStatusCancelled},
	JobStatusAnalyzing:  {JobStatusCompleted, JobStatusFailed},
}

// CanTransitionTo reports whether moving from s to next is a legal status change.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	for _, allowed := range jobTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// RenderJobConfig captures the per-job test parameters supplied at submit time.
type RenderJobConfig struct {
	ClientIDs []string   `json:"client_ids"`
	Viewports []Viewport `json:"viewports,omitempty"`
	DarkMode  bool       `json:"dark_mode"`
	Priority  int        `json:"priority"`
}

// RenderJob represents a render-test job with all its metadata and status information.
type RenderJob struct {
	ID                string          `json:"id"                           db:"id"`
	Status            JobStatus       `json:"status"                       db:"status"`
	Config            RenderJobConfig `json:"config"                       db:"config"`
	HTML              string          `json:"html"                         db:"html"`
	Subject           *string         `json:"subject,omitempty"            db:"subject"`
	Preheader         *string         `json:"preheader,omitempty"          db:"preheader"`
	EstimatedDuration time.Duration   `json:"estimated_duration"           db:"estimated_duration_ms"`
	ActualDuration    *time.Duration  `json:"actual_duration,omitempty"    db:"actual_duration_ms"`
	LastError         *string         `json:"last_error,omitempty"         db:"last_error"`
	RetryCount        int             `json:"retry_count"                  db:"retry_count"`
	MaxRetries        int             `json:"max_retries"                  db:"max_retries"`
	RetryOf           *string         `json:"retry_of,omitempty"           db:"retry_of"`
	LeaseExpiresAt    *time.Time      `json:"lease_expires_at,omitempty"   db:"lease_expires_at"`
	StartedAt         *time.Time      `json:"started_at,omitempty"         db:"started_at"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"       db:"completed_at"`
	CreatedAt         time.Time       `json:"created_at"                   db:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"                   db:"updated_at"`
}

// CreateJobRequest represents a request to submit a new render job.
type CreateJobRequest struct {
	HTML       string          `json:"html"`
	Subject    *string         `json:"subject,omitempty"`
	Preheader  *string         `json:"preheader,omitempty"`
	Config     RenderJobConfig `json:"config"`
	MaxRetries int             `json:"max_retries"`
	RetryOf    *string         `json:"retry_of,omitempty"`
}

// Validate validates the CreateJobRequest fields. Client IDs are resolved against
// the registry by the job service; here only shape and bounds are checked.
func (r *CreateJobRequest) Validate() error {
	if strings.TrimSpace(r.HTML) == "" {
		return errors.New("html is required")
	}
	if len(r.HTML) > MaxHTMLBytes {
		return fmt.Errorf("html exceeds %d bytes", MaxHTMLBytes)
	}
	if !utf8.ValidString(r.HTML) {
		return errors.New("html must be valid UTF-8")
	}
	if _, err := html.Parse(strings.NewReader(r.HTML)); err != nil {
		return fmt.Errorf("parse html: %w", err)
	}
	if len(r.Config.ClientIDs) == 0 {
		return errors.New("at least one client id is required")
	}
	seen := make(map[string]struct{}, len(r.Config.ClientIDs))
	for _, id := range r.Config.ClientIDs {
		if strings.TrimSpace(id) == "" {
			return errors.New("client id must not be empty")
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("duplicate client id %q", id)
		}
		seen[id] = struct{}{}
	}
	if r.Config.Priority < PriorityHighest || r.Config.Priority > PriorityLowest {
		return fmt.Errorf("priority must be between %d and %d", PriorityHighest, PriorityLowest)
	}
	for i := range r.Config.Viewports {
		if err := r.Config.Viewports[i].Validate(); err != nil {
			return fmt.Errorf("viewport %d: %w", i, err)
		}
	}
	if r.MaxRetries < 0 {
		return errors.New("max retries must be >= 0")
	}
	return nil
}

// JobStats represents counts of jobs in each state.
type JobStats struct {
	Pending    int `json:"pending"`
	Queued     int `json:"queued"`
	Processing int `json:"processing"`
	Capturing  int `json:"capturing"`
	Analyzing  int `json:"analyzing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Cancelled  int `json:"cancelled"`
}

// Backlog returns the number of jobs still waiting for a worker.
func (s JobStats) Backlog() int {
	return s.Pending + s.Queued
}

// JobDetails bundles a job with its live progress and, once finished, its result.
type JobDetails struct {
	Job      *RenderJob    `json:"job"`
	Progress *JobProgress  `json:"progress,omitempty"`
	Result   *RenderResult `json:"result,omitempty"`
}

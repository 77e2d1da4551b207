package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ServiceMode represents the available service modes.
type ServiceMode string

const (
	// ServiceModeHTTP runs the HTTP API server.
	ServiceModeHTTP ServiceMode = "http"
	// ServiceModeWorker runs the render test worker.
	ServiceModeWorker ServiceMode = "worker"
	// ServiceModeReaper runs the job reaper for cleanup.
	ServiceModeReaper ServiceMode = "reaper"
	// ServiceModeHealth runs the worker health monitor.
	ServiceModeHealth ServiceMode = "health"
)

// ValidServiceModes returns all valid service mode names.
func ValidServiceModes() []ServiceMode {
	return []ServiceMode{
		ServiceModeHTTP,
		ServiceModeWorker,
		ServiceModeReaper,
		ServiceModeHealth,
	}
}

// ParseServices parses a comma-delimited string of service names and returns the enabled services.
// It validates that all service names are valid and returns an error if any are invalid.
func ParseServices(servicesStr string) (map[ServiceMode]bool, error) {
	services := make(map[ServiceMode]bool)

	if servicesStr == "" {
		return services, errors.New("at least one service must be specified")
	}

	parts := strings.Split(servicesStr, ",")
	for _, part := range parts {
		serviceName := strings.TrimSpace(part)
		if serviceName == "" {
			continue
		}

		mode := ServiceMode(serviceName)
		switch mode {
		case ServiceModeHTTP,
			ServiceModeWorker,
			ServiceModeReaper,
			ServiceModeHealth:
			services[mode] = true
		default:
			return nil, fmt.Errorf(
				"invalid service name: %q (valid options: http, worker, reaper, health)",
				serviceName,
			)
		}
	}

	if len(services) == 0 {
		return nil, errors.New("at least one valid service must be specified")
	}

	return services, nil
}

// QueueConfig contains job queue configuration.
type QueueConfig struct {
	// Capacity caps how many jobs may wait in the queue before submissions are
	// rejected with a capacity error. Zero disables the check.
	Capacity int `env:"QUEUE_CAPACITY" envDefault:"1000"`

	// RetryDelay is the delay before a failed job becomes eligible for another attempt.
	RetryDelay time.Duration `env:"QUEUE_RETRY_DELAY" envDefault:"30s"`

	// DefaultMaxRetries applies when a submission does not specify max retries.
	DefaultMaxRetries int `env:"QUEUE_DEFAULT_MAX_RETRIES" envDefault:"2"`
}

// Sanitize applies guardrails to queue configuration values.
func (q *QueueConfig) Sanitize() {
	if q.Capacity < 0 {
		q.Capacity = 0
	}
	if q.RetryDelay < time.Second {
		q.RetryDelay = time.Second
	}
	if q.DefaultMaxRetries < 0 {
		q.DefaultMaxRetries = 0
	}
}

// WorkerConfig contains render worker service configuration.
type WorkerConfig struct {
	// Concurrency is the number of worker goroutines claiming jobs.
	Concurrency int `env:"WORKER_CONCURRENCY" envDefault:"2"`

	// JobLease is the duration to lease a render job. Workers heartbeat at a
	// fraction of this to keep the lease alive.
	JobLease time.Duration `env:"WORKER_JOB_LEASE" envDefault:"60s"`

	// JobTimeout is the hard per-job deadline. Zero derives the deadline from
	// the catalogue's duration estimate.
	JobTimeout time.Duration `env:"WORKER_JOB_TIMEOUT" envDefault:"0"`

	// MaxJobsPerMinute throttles how many jobs one worker process may start per
	// minute. Zero disables the throttle.
	MaxJobsPerMinute int `env:"WORKER_MAX_JOBS_PER_MINUTE" envDefault:"0"`
}

// Sanitize applies guardrails to worker configuration values.
func (w *WorkerConfig) Sanitize() {
	if w.Concurrency < 1 {
		w.Concurrency = 1
	}
	if w.JobLease < 5*time.Second {
		w.JobLease = 5 * time.Second
	}
	if w.JobTimeout < 0 {
		w.JobTimeout = 0
	}
	if w.MaxJobsPerMinute < 0 {
		w.MaxJobsPerMinute = 0
	}
}

// ReaperConfig contains job reaper service configuration.
type ReaperConfig struct {
	// Interval is the reaper tick interval.
	Interval time.Duration `env:"REAPER_INTERVAL" envDefault:"5m"`

	// QueuedMaxAge is the maximum age for queued jobs before they are marked as failed.
	// Jobs stuck waiting longer than this will be failed.
	QueuedMaxAge time.Duration `env:"REAPER_QUEUED_MAX_AGE" envDefault:"1h"`

	// CompletedMaxAge is the maximum age for completed jobs before deletion.
	CompletedMaxAge time.Duration `env:"REAPER_COMPLETED_MAX_AGE" envDefault:"168h"` // 7 days

	// FailedMaxAge is the maximum age for failed jobs before deletion.
	FailedMaxAge time.Duration `env:"REAPER_FAILED_MAX_AGE" envDefault:"168h"` // 7 days

	// CancelledMaxAge is the maximum age for cancelled jobs before deletion.
	CancelledMaxAge time.Duration `env:"REAPER_CANCELLED_MAX_AGE" envDefault:"72h"` // 3 days

	// ResultsMaxAge is the maximum age for persisted job_results rows before deletion.
	// These records keep render history after their corresponding jobs are reaped.
	ResultsMaxAge time.Duration `env:"REAPER_RESULTS_MAX_AGE" envDefault:"2160h"` // 90 days

	// BatchSize is the maximum number of rows to process per operation.
	// Batching prevents long locks and I/O spikes on large tables.
	BatchSize int `env:"REAPER_BATCH_SIZE" envDefault:"1000"`
}

// Sanitize applies guardrails to reaper configuration values.
func (r *ReaperConfig) Sanitize() {
	// Enforce minimum intervals to prevent excessive database load
	if r.Interval < 1*time.Minute {
		r.Interval = 1 * time.Minute
	}
	if r.QueuedMaxAge < 5*time.Minute {
		r.QueuedMaxAge = 5 * time.Minute
	}
	if r.CompletedMaxAge < 1*time.Hour {
		r.CompletedMaxAge = 1 * time.Hour
	}
	if r.FailedMaxAge < 1*time.Hour {
		r.FailedMaxAge = 1 * time.Hour
	}
	if r.CancelledMaxAge < 1*time.Hour {
		r.CancelledMaxAge = 1 * time.Hour
	}
	if r.ResultsMaxAge < 24*time.Hour {
		r.ResultsMaxAge = 24 * time.Hour
	}

	// Enforce batch size bounds to prevent excessive locks or inefficiency
	if r.BatchSize < 1 {
		r.BatchSize = 1
	}
	if r.BatchSize > 10000 {
		r.BatchSize = 10000
	}
}

// HealthConfig contains worker health monitor configuration.
type HealthConfig struct {
	// Interval is the health check tick interval.
	Interval time.Duration `env:"HEALTH_INTERVAL" envDefault:"30s"`

	// MemoryWarnBytes logs a warning when worker memory use exceeds this. Zero disables.
	MemoryWarnBytes uint64 `env:"HEALTH_MEMORY_WARN_BYTES" envDefault:"1073741824"` // 1 GiB

	// StallFactor multiplies the interval to form the completion staleness window.
	StallFactor int `env:"HEALTH_STALL_FACTOR" envDefault:"2"`
}

// Sanitize applies guardrails to health monitor configuration values.
func (h *HealthConfig) Sanitize() {
	if h.Interval < 5*time.Second {
		h.Interval = 5 * time.Second
	}
	if h.StallFactor < 1 {
		h.StallFactor = 1
	}
}

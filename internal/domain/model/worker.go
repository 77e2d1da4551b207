package model

import "time"

// WorkerState tracks a worker's lifecycle.
type WorkerState string

const (
	// WorkerStarting indicates the worker is initializing.
	WorkerStarting WorkerState = "starting"
	// WorkerRunning indicates the worker is accepting jobs.
	WorkerRunning WorkerState = "running"
	// WorkerStopping indicates the worker is draining in-flight jobs.
	WorkerStopping WorkerState = "stopping"
	// WorkerStopped indicates the worker has shut down.
	WorkerStopped WorkerState = "stopped"
	// WorkerError indicates the worker hit an unrecoverable fault.
	WorkerError WorkerState = "error"
)

// Valid returns true if the WorkerState is known.
func (s WorkerState) Valid() bool {
	switch s {
	case WorkerStarting, WorkerRunning, WorkerStopping, WorkerStopped, WorkerError:
		return true
	}
	return false
}

// CanTransitionTo reports whether moving from s to next is a legal worker state change.
func (s WorkerState) CanTransitionTo(next WorkerState) bool {
	switch s {
	case WorkerStarting:
		return next == WorkerRunning || next == WorkerError || next == WorkerStopping
	case WorkerRunning:
		return next == WorkerStopping || next == WorkerError
	case WorkerStopping:
		return next == WorkerStopped || next == WorkerError
	case WorkerError:
		return next == WorkerStopping || next == WorkerStopped
	}
	return false
}

// WorkerStats is a read-only snapshot of one worker's counters and resources.
type WorkerStats struct {
	WorkerID        string      `json:"worker_id"`
	State           WorkerState `json:"state"`
	ProcessedJobs   int64       `json:"processed_jobs"`
	FailedJobs      int64       `json:"failed_jobs"`
	CurrentJobs     int64       `json:"current_jobs"`
	MemoryBytes     uint64      `json:"memory_bytes"`
	Goroutines      int         `json:"goroutines"`
	LastCompletedAt time.Time   `json:"last_completed_at,omitzero"`
}

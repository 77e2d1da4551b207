package data

import "errors"

// Shared sentinel errors for data-layer repositories.
var (
	// Job repository sentinels.
	ErrJobNotFound = errors.New("job not found")
	// ErrJobNotCancellable is returned when a cancel request arrives after the
	// job left the queue (already running or terminal).
	ErrJobNotCancellable = errors.New("job can no longer be cancelled")

	// Result repository sentinels.
	ErrResultNotFound = errors.New("render result not found")
	ErrJobIDRequired  = errors.New("job_id is required")
	ErrResultRequired = errors.New("render result is required")
)

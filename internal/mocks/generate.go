// Package mocks provides mock implementations for testing the mailcanary job system.
//
// This package uses go.uber.org/mock (gomock) to generate type-safe mocks for our repository
// and adapter interfaces. The mocks are generated using go:generate directives and provide a
// fluent API for setting up test expectations.
//
// To regenerate mocks after interface changes, run:
//
//	go generate ./internal/mocks
//
// Usage in tests:
//
//	ctrl := gomock.NewController(t)
//	defer ctrl.Finish()
//	mockRepo := mocks.NewMockJobRepository(ctrl)
//	mockRepo.EXPECT().Enqueue(gomock.Any(), gomock.Any()).Return(job, nil)
package mocks

// Generate mock for JobRepository interface from internal/core package.
// This creates MockJobRepository with methods for all JobRepository interface methods:
// Enqueue, GetByID, ReserveNext, WaitForNotification, Heartbeat, SetStatus, Complete,
// Fail, CancelQueued, MarkCancelled, Stats
//go:generate go run go.uber.org/mock/mockgen -package=mocks -destination=job_repository_mock.go github.com/mailcanary/mailcanary/internal/core JobRepository

// Generate mock for ResultRepository interface from internal/core package.
// This creates MockResultRepository with methods for all ResultRepository interface methods:
// Upsert, GetByJobID
//go:generate go run go.uber.org/mock/mockgen -package=mocks -destination=result_repository_mock.go github.com/mailcanary/mailcanary/internal/core ResultRepository

// Generate mock for ProgressStore interface from internal/core package.
// This creates MockProgressStore with methods for all ProgressStore interface methods:
// Publish, Get, Clear, RequestCancel, CancelRequested
//go:generate go run go.uber.org/mock/mockgen -package=mocks -destination=progress_store_mock.go github.com/mailcanary/mailcanary/internal/core ProgressStore

// Generate mock for CaptureBackend interface from internal/core package.
// This creates MockCaptureBackend with methods for all CaptureBackend interface methods:
// Capture
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=capture_backend_mock.go github.com/mailcanary/mailcanary/internal/core CaptureBackend

// Generate mock for BlobStore interface from internal/core package.
// This creates MockBlobStore with methods for all BlobStore interface methods:
// Put
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=blob_store_mock.go github.com/mailcanary/mailcanary/internal/core BlobStore

// Generate mock for ReaperRepository interface from internal/core package.
// This creates MockReaperRepository with methods for all ReaperRepository interface methods:
// RequeueExpiredLeases, FailStaleQueuedJobs, DeleteOldJobs, DeleteOldResults
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=reaper_repository_mock.go github.com/mailcanary/mailcanary/internal/core ReaperRepository

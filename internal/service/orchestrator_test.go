package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailcanary/mailcanary/internal/core"
	"github.com/mailcanary/mailcanary/internal/domain/model"
)

type countingBackend struct {
	mu       sync.Mutex
	requests []model.CaptureRequest

	inFlight    atomic.Int64
	maxInFlight atomic.Int64

	delay  time.Duration
	failFn func(req model.CaptureRequest) error
}

func (b *countingBackend) Capture(ctx context.Context, req model.CaptureRequest) ([]byte, error) {
	cur := b.inFlight.Add(1)
	defer b.inFlight.Add(-1)
	for {
		observed := b.maxInFlight.Load()
		if cur <= observed || b.maxInFlight.CompareAndSwap(observed, cur) {
			break
		}
	}

	b.mu.Lock()
	b.requests = append(b.requests, req)
	b.mu.Unlock()

	if b.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(b.delay):
		}
	}
	if b.failFn != nil {
		if err := b.failFn(req); err != nil {
			return nil, err
		}
	}
	return []byte("png-bytes"), nil
}

type memoryBlobStore struct {
	mu   sync.Mutex
	keys []string
	err  error
}

func (s *memoryBlobStore) Put(_ context.Context, params core.PutBlobParams) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	s.mu.Lock()
	s.keys = append(s.keys, params.Key)
	s.mu.Unlock()
	return "https://blobs.example/" + params.Key, nil
}

func fastClient(id string, viewports int, dark bool) model.EmailClient {
	vps := make([]model.Viewport, 0, viewports)
	for i := 0; i < viewports; i++ {
		vps = append(vps, model.Viewport{
			Name:   fmt.Sprintf("vp%d", i),
			Width:  800 + i,
			Height: 600,
		})
	}
	return model.EmailClient{
		ID:              id,
		DisplayName:     id,
		Vendor:          "Acme",
		Type:            model.ClientTypeWeb,
		Platform:        "browser",
		RenderingEngine: "blink",
		Capabilities:    model.Capabilities{DarkMode: dark, CSS3: true, MaxEmailWidth: 600},
		TestConfig: model.ClientTestConfig{
			Enabled:      true,
			Priority:     5,
			Timeout:      5 * time.Second,
			Retries:      0,
			DarkModeTest: dark,
			Viewports:    vps,
		},
	}
}

func captureJob(dark bool) *model.RenderJob {
	return &model.RenderJob{
		ID:     "job-1",
		Status: model.JobStatusCapturing,
		HTML:   "<html><body>hi</body></html>",
		Config: model.RenderJobConfig{DarkMode: dark},
	}
}

func newOrchestrator(t *testing.T, backend core.CaptureBackend, blobs core.BlobStore, maxConcurrent int) *CaptureOrchestrator {
	t.Helper()
	o, err := NewCaptureOrchestrator(CaptureOrchestratorOptions{
		Backend:       backend,
		Blobs:         blobs,
		MaxConcurrent: maxConcurrent,
	})
	require.NoError(t, err)
	return o
}

func TestNewCaptureOrchestrator(t *testing.T) {
	t.Run("requires backend", func(t *testing.T) {
		_, err := NewCaptureOrchestrator(CaptureOrchestratorOptions{Blobs: &memoryBlobStore{}})
		require.Error(t, err)
	})

	t.Run("requires blob store", func(t *testing.T) {
		_, err := NewCaptureOrchestrator(CaptureOrchestratorOptions{Backend: &countingBackend{}})
		require.Error(t, err)
	})
}

func TestCaptureOrchestrator_Capture(t *testing.T) {
	ctx := context.Background()

	t.Run("fans out viewports and modes", func(t *testing.T) {
		backend := &countingBackend{}
		blobs := &memoryBlobStore{}
		o := newOrchestrator(t, backend, blobs, 4)

		outcomes, err := o.Capture(ctx, CaptureParams{
			Job: captureJob(true),
			Clients: []model.EmailClient{
				fastClient("dark-web", 2, true),
				fastClient("light-web", 1, false),
			},
		})
		require.NoError(t, err)
		require.Len(t, outcomes, 2)

		// dark-web: 2 viewports x 2 modes, light-web: 1 viewport x 1 mode
		assert.Len(t, outcomes[0].Units, 4)
		assert.Len(t, outcomes[1].Units, 1)
		assert.Zero(t, outcomes[0].FailedUnits())
		assert.Len(t, blobs.keys, 5)

		for _, u := range outcomes[0].Units {
			assert.True(t, u.OK)
			assert.Contains(t, u.ScreenshotURL, "job-1/dark-web/")
		}
	})

	t.Run("job viewports override client defaults", func(t *testing.T) {
		backend := &countingBackend{}
		o := newOrchestrator(t, backend, &memoryBlobStore{}, 4)

		job := captureJob(false)
		job.Config.Viewports = []model.Viewport{{Name: "custom", Width: 500, Height: 500}}

		outcomes, err := o.Capture(ctx, CaptureParams{
			Job:     job,
			Clients: []model.EmailClient{fastClient("web", 3, false)},
		})
		require.NoError(t, err)
		require.Len(t, outcomes[0].Units, 1)
		assert.Equal(t, "custom", outcomes[0].Units[0].Unit.Viewport.Name)
	})

	t.Run("bounds concurrency", func(t *testing.T) {
		backend := &countingBackend{delay: 20 * time.Millisecond}
		o := newOrchestrator(t, backend, &memoryBlobStore{}, 2)

		_, err := o.Capture(ctx, CaptureParams{
			Job:     captureJob(false),
			Clients: []model.EmailClient{fastClient("web", 6, false)},
		})
		require.NoError(t, err)
		assert.LessOrEqual(t, backend.maxInFlight.Load(), int64(2))
	})

	t.Run("failed unit is recorded not fatal", func(t *testing.T) {
		backend := &countingBackend{
			failFn: func(req model.CaptureRequest) error {
				if req.Viewport.Name == "vp0" {
					return errors.New("render backend unavailable")
				}
				return nil
			},
		}
		o := newOrchestrator(t, backend, &memoryBlobStore{}, 4)

		outcomes, err := o.Capture(ctx, CaptureParams{
			Job:     captureJob(false),
			Clients: []model.EmailClient{fastClient("web", 2, false)},
		})
		require.NoError(t, err)
		require.Len(t, outcomes, 1)
		assert.Equal(t, 1, outcomes[0].FailedUnits())

		for _, u := range outcomes[0].Units {
			if u.Unit.Viewport.Name == "vp0" {
				assert.False(t, u.OK)
				assert.Contains(t, u.Error, "render backend unavailable")
			} else {
				assert.True(t, u.OK)
			}
		}
	})

	t.Run("retries failed attempts", func(t *testing.T) {
		var calls atomic.Int64
		backend := &countingBackend{
			failFn: func(model.CaptureRequest) error {
				if calls.Add(1) == 1 {
					return errors.New("transient")
				}
				return nil
			},
		}
		o := newOrchestrator(t, backend, &memoryBlobStore{}, 4)

		client := fastClient("web", 1, false)
		client.TestConfig.Retries = 2

		outcomes, err := o.Capture(ctx, CaptureParams{
			Job:     captureJob(false),
			Clients: []model.EmailClient{client},
		})
		require.NoError(t, err)
		require.Len(t, outcomes[0].Units, 1)
		assert.True(t, outcomes[0].Units[0].OK)
		assert.Equal(t, 2, outcomes[0].Units[0].Attempts)
	})

	t.Run("blob failure fails the unit", func(t *testing.T) {
		backend := &countingBackend{}
		blobs := &memoryBlobStore{err: errors.New("bucket unavailable")}
		o := newOrchestrator(t, backend, blobs, 4)

		outcomes, err := o.Capture(ctx, CaptureParams{
			Job:     captureJob(false),
			Clients: []model.EmailClient{fastClient("web", 1, false)},
		})
		require.NoError(t, err)
		assert.Equal(t, 1, outcomes[0].FailedUnits())
		assert.Contains(t, outcomes[0].Units[0].Error, "store screenshot")
	})

	t.Run("cooperative cancel stops between clients", func(t *testing.T) {
		backend := &countingBackend{}
		o := newOrchestrator(t, backend, &memoryBlobStore{}, 4)

		done := 0
		outcomes, err := o.Capture(ctx, CaptureParams{
			Job: captureJob(false),
			Clients: []model.EmailClient{
				fastClient("one", 1, false),
				fastClient("two", 1, false),
			},
			OnClientDone: func(*model.ClientCaptureOutcome) { done++ },
			CancelRequested: func(context.Context) bool {
				return done >= 1
			},
		})
		require.ErrorIs(t, err, ErrCaptureCancelled)
		assert.Len(t, outcomes, 1)
	})

	t.Run("context cancellation aborts", func(t *testing.T) {
		cancelled, cancel := context.WithCancel(ctx)
		cancel()

		o := newOrchestrator(t, &countingBackend{}, &memoryBlobStore{}, 4)
		_, err := o.Capture(cancelled, CaptureParams{
			Job:     captureJob(false),
			Clients: []model.EmailClient{fastClient("web", 1, false)},
		})
		require.Error(t, err)
	})
}

func TestTotalUnits(t *testing.T) {
	job := captureJob(true)
	clients := []model.EmailClient{
		fastClient("dark-web", 2, true),
		fastClient("light-web", 1, false),
	}
	assert.Equal(t, 5, TotalUnits(job, clients))
}

package bootstrap

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailcanary/mailcanary/config"
)

func TestBuildWorkerService_RequiresCaptureBaseURL(t *testing.T) {
	cfg := &config.AppConfig{}

	_, err := buildWorkerService(context.Background(), workerServiceDeps{Config: cfg})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "create capture backend")
}

func TestBuildWorkerService_RequiresBlobBucket(t *testing.T) {
	cfg := &config.AppConfig{}
	cfg.Capture.BaseURL = "http://renderer.local"

	// Bucket validation runs before any AWS client is built, so this exercises
	// the blob store wiring without touching the credential chain.
	_, err := buildWorkerService(context.Background(), workerServiceDeps{Config: cfg})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "create blob store")
}

func TestWorkerID_UniquePerCall(t *testing.T) {
	first := workerID()
	second := workerID()

	assert.NotEmpty(t, first)
	assert.NotEqual(t, first, second)
	assert.True(t, strings.Contains(first, "-"))
}

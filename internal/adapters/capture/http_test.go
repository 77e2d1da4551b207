package capture

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mailcanary/mailcanary/config"
	"github.com/mailcanary/mailcanary/internal/domain/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureRequest() model.CaptureRequest {
	return model.CaptureRequest{
		ClientID: "gmail-web",
		HTML:     "<html><body>hello</body></html>",
		Viewport: model.Viewport{Name: "desktop", Width: 1280, Height: 800},
		Mode:     model.CaptureModeDark,
		Delay:    250 * time.Millisecond,
	}
}

func TestNewHTTPBackend(t *testing.T) {
	t.Run("requires base URL", func(t *testing.T) {
		_, err := NewHTTPBackend(HTTPBackendOptions{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "base URL is required")
	})

	t.Run("creates backend with defaults", func(t *testing.T) {
		b, err := NewHTTPBackend(HTTPBackendOptions{
			Config: config.CaptureConfig{BaseURL: "http://render.local"},
		})
		require.NoError(t, err)
		assert.NotNil(t, b)
	})
}

func TestHTTPBackend_Capture(t *testing.T) {
	t.Run("posts render request and returns png bytes", func(t *testing.T) {
		png := []byte("\x89PNG fake image data")

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, http.MethodPost, r.Method)
			require.Equal(t, "/render", r.URL.Path)
			require.Equal(t, "application/json", r.Header.Get("Content-Type"))

			var body renderRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "gmail-web", body.ClientID)
			assert.Equal(t, 1280, body.Width)
			assert.Equal(t, 800, body.Height)
			assert.Equal(t, "dark", body.ColorMode)
			assert.Equal(t, int64(250), body.DelayMs)

			w.Header().Set("Content-Type", "image/png")
			_, _ = w.Write(png)
		}))
		defer srv.Close()

		b, err := NewHTTPBackend(HTTPBackendOptions{
			Config: config.CaptureConfig{BaseURL: srv.URL, RequestTimeout: 5 * time.Second},
		})
		require.NoError(t, err)

		data, err := b.Capture(context.Background(), captureRequest())
		require.NoError(t, err)
		assert.Equal(t, png, data)
	})

	t.Run("returns error with body excerpt on non-200", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte("browser pool exhausted"))
		}))
		defer srv.Close()

		b, err := NewHTTPBackend(HTTPBackendOptions{
			Config: config.CaptureConfig{BaseURL: srv.URL},
		})
		require.NoError(t, err)

		_, err = b.Capture(context.Background(), captureRequest())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "status 502")
		assert.Contains(t, err.Error(), "browser pool exhausted")
	})

	t.Run("rejects empty screenshots", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()

		b, err := NewHTTPBackend(HTTPBackendOptions{
			Config: config.CaptureConfig{BaseURL: srv.URL},
		})
		require.NoError(t, err)

		_, err = b.Capture(context.Background(), captureRequest())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "empty screenshot")
	})

	t.Run("classifies context deadline as timeout", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(200 * time.Millisecond)
		}))
		defer srv.Close()

		b, err := NewHTTPBackend(HTTPBackendOptions{
			Config: config.CaptureConfig{BaseURL: srv.URL},
		})
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		_, err = b.Capture(ctx, captureRequest())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "capture timed out")
	})
}

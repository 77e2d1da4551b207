// Package capture provides the HTTP adapter to the external rendering service
// that produces email client screenshots.
package capture

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/mailcanary/mailcanary/config"
	"github.com/mailcanary/mailcanary/internal/domain/model"
)

const (
	renderPath = "/render"

	// maxErrorBodyBytes caps how much of an error response is kept for the error message.
	maxErrorBodyBytes = 4 * 1024

	// maxScreenshotBytes caps a single screenshot download. Full-page captures of
	// long emails can be large, but anything past this is a backend bug.
	maxScreenshotBytes = 32 << 20 // 32 MiB
)

// HTTPBackendOptions configures the HTTP capture backend.
type HTTPBackendOptions struct {
	Config     config.CaptureConfig
	HTTPClient *http.Client // Optional: defaults to a client bound by Config.RequestTimeout
	Logger     *slog.Logger // Optional: structured logger
}

// HTTPBackend captures screenshots by POSTing render requests to an external
// rendering service and reading back PNG bytes.
type HTTPBackend struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// renderRequest is the wire form of a capture request.
type renderRequest struct {
	ClientID   string `json:"client_id"`
	HTML       string `json:"html"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
	PixelRatio float64 `json:"pixel_ratio,omitempty"`
	ColorMode  string `json:"color_mode"`
	DelayMs    int64  `json:"delay_ms,omitempty"`
	LoadWaitMs int64  `json:"load_wait_ms,omitempty"`
}

// NewHTTPBackend constructs a new HTTPBackend.
func NewHTTPBackend(opts HTTPBackendOptions) (*HTTPBackend, error) {
	if opts.Config.BaseURL == "" {
		return nil, errors.New("capture base URL is required")
	}

	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Config.RequestTimeout
		if timeout <= 0 {
			timeout = 90 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "capture_backend")
	}

	return &HTTPBackend{
		baseURL: opts.Config.BaseURL,
		http:    hc,
		logger:  logger,
	}, nil
}

// Capture renders the request's HTML in the given client emulation and returns
// the screenshot bytes. Per-client timeouts are enforced through ctx by the caller.
func (b *HTTPBackend) Capture(ctx context.Context, req model.CaptureRequest) ([]byte, error) {
	payload, err := json.Marshal(renderRequest{
		ClientID:   req.ClientID,
		HTML:       req.HTML,
		Width:      req.Viewport.Width,
		Height:     req.Viewport.Height,
		PixelRatio: req.Viewport.DevicePixelRatio,
		ColorMode:  string(req.Mode),
		DelayMs:    req.Delay.Milliseconds(),
		LoadWaitMs: req.LoadWait.Milliseconds(),
	})
	if err != nil {
		return nil, fmt.Errorf("encode render request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+renderPath, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build render request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "image/png")

	resp, err := b.http.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("capture timed out: %w", err)
		}
		return nil, fmt.Errorf("send render request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, b.errorFromResponse(req, resp)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxScreenshotBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read screenshot: %w", err)
	}
	if len(data) > maxScreenshotBytes {
		return nil, fmt.Errorf("screenshot exceeds %d bytes", maxScreenshotBytes)
	}
	if len(data) == 0 {
		return nil, errors.New("rendering service returned an empty screenshot")
	}

	return data, nil
}

// errorFromResponse turns a non-200 render response into an error carrying a
// truncated slice of the response body.
func (b *HTTPBackend) errorFromResponse(req model.CaptureRequest, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))

	if b.logger != nil {
		b.logger.Warn("render request rejected",
			"client_id", req.ClientID,
			"viewport", req.Viewport.Name,
			"mode", req.Mode,
			"status", resp.StatusCode,
		)
	}

	if len(body) == 0 {
		return fmt.Errorf("rendering service returned status %d", resp.StatusCode)
	}
	return fmt.Errorf("rendering service returned status %d: %s", resp.StatusCode, string(body))
}

package httpx

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mailcanary/mailcanary/internal/data"
	apperrors "github.com/mailcanary/mailcanary/internal/errors"
)

func TestWriteServiceError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{
			name:       "validation maps to 400",
			err:        apperrors.Validation("html is required"),
			wantStatus: http.StatusBadRequest,
			wantCode:   "validation",
		},
		{
			name:       "not found maps to 404",
			err:        apperrors.NotFound("job not found"),
			wantStatus: http.StatusNotFound,
			wantCode:   "not_found",
		},
		{
			name:       "wrapped repo not-found maps to 404",
			err:        fmt.Errorf("get job: %w", data.ErrJobNotFound),
			wantStatus: http.StatusNotFound,
			wantCode:   "job_not_found",
		},
		{
			name:       "conflict maps to 409",
			err:        apperrors.Conflict("job is completed"),
			wantStatus: http.StatusConflict,
			wantCode:   "conflict",
		},
		{
			name:       "capacity maps to 503",
			err:        apperrors.Capacity("queue is full"),
			wantStatus: http.StatusServiceUnavailable,
			wantCode:   "capacity",
		},
		{
			name:       "timeout maps to 504",
			err:        apperrors.Wrap(errors.New("deadline"), apperrors.ErrCodeTimeout, "request timed out"),
			wantStatus: http.StatusGatewayTimeout,
			wantCode:   "timeout",
		},
		{
			name:       "plain error maps to 500",
			err:        errors.New("boom"),
			wantStatus: http.StatusInternalServerError,
			wantCode:   "internal",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteServiceError(w, tt.err)

			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Contains(t, w.Body.String(), `"error":"`+tt.wantCode+`"`)
		})
	}
}

func TestWriteServiceError_CapacitySetsRetryAfter(t *testing.T) {
	w := httptest.NewRecorder()
	WriteServiceError(w, apperrors.Capacity("queue is full"))

	assert.Equal(t, "5", w.Result().Header.Get("Retry-After"))
}

func TestWriteError_IncludesField(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, ErrorParams{
		Code:    http.StatusBadRequest,
		ErrCode: "validation",
		Err:     errors.New("unknown email client"),
		Field:   "client_ids",
	})

	assert.Contains(t, w.Body.String(), `"field":"client_ids"`)
}

// Package httpx provides HTTP handlers and utilities for the mailcanary render-test API.
package httpx

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/mailcanary/mailcanary/internal/domain/model"
	"github.com/mailcanary/mailcanary/internal/service"
)

// JobHandlers provides HTTP handlers for render job operations.
type JobHandlers struct {
	Svc *service.JobService
}

// Submit handles HTTP requests to submit a new render job.
func (h *JobHandlers) Submit(w http.ResponseWriter, r *http.Request) {
	var req model.CreateJobRequest
	if !DecodeJSON(w, r, &req) {
		return
	}

	job, err := h.Svc.Submit(r.Context(), &req)
	if err != nil {
		WriteServiceError(w, err)
		return
	}

	WriteJSON(w, http.StatusAccepted, job)
}

// Get handles HTTP requests to fetch a job along with its live progress and,
// once finished, its persisted result.
func (h *JobHandlers) Get(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	if jobID == "" {
		WriteError(
			w,
			ErrorParams{Code: http.StatusBadRequest, ErrCode: "invalid_path", Err: errors.New("job id is required")},
		)
		return
	}

	details, err := h.Svc.GetDetails(r.Context(), jobID)
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, details)
}

// Cancel handles HTTP requests to cancel a job. Queued jobs cancel
// immediately; running jobs receive a cooperative cancellation flag.
func (h *JobHandlers) Cancel(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	if jobID == "" {
		WriteError(
			w,
			ErrorParams{Code: http.StatusBadRequest, ErrCode: "invalid_path", Err: errors.New("job id is required")},
		)
		return
	}

	job, err := h.Svc.Cancel(r.Context(), jobID)
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, job)
}

// retryRequest is the optional body for Retry. An empty body keeps the
// original job's priority.
type retryRequest struct {
	Priority *int `json:"priority,omitempty"`
}

// Retry handles HTTP requests to clone a failed or cancelled job into a fresh
// queued job.
func (h *JobHandlers) Retry(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	if jobID == "" {
		WriteError(
			w,
			ErrorParams{Code: http.StatusBadRequest, ErrCode: "invalid_path", Err: errors.New("job id is required")},
		)
		return
	}

	var req retryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		WriteError(w, ErrorParams{Code: http.StatusBadRequest, ErrCode: "invalid_json", Err: err})
		return
	}

	clone, err := h.Svc.Retry(r.Context(), jobID, req.Priority)
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusAccepted, clone)
}

// Stats handles HTTP requests to retrieve queue statistics.
func (h *JobHandlers) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Svc.Stats(r.Context())
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, stats)
}

package httpx

import (
	"log/slog"
	"net/http"

	"github.com/mailcanary/mailcanary/internal/registry"
	"github.com/mailcanary/mailcanary/internal/service"
)

// RouterServices holds the services needed by the HTTP router.
type RouterServices struct {
	Jobs     *service.JobService
	Registry *registry.Registry
	Logger   *slog.Logger

	// MaxBodyBytes caps request body size; 0 disables the limit.
	MaxBodyBytes int64
}

// NewRouter creates and configures the API router with logging, panic
// recovery, and body-size middleware applied.
func NewRouter(services RouterServices) http.Handler {
	mux := http.NewServeMux()

	jobHandlers := &JobHandlers{Svc: services.Jobs}
	registerJobRoutes(mux, jobHandlers)

	if services.Registry != nil {
		clientHandlers := &ClientHandlers{Registry: services.Registry}
		mux.HandleFunc("GET /api/clients", clientHandlers.List)
	}

	mux.Handle("GET /healthz", http.HandlerFunc(healthHandler))
	mux.Handle("HEAD /healthz", http.HandlerFunc(healthHandler))

	logger := services.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var handler http.Handler = mux
	handler = MaxBody(services.MaxBodyBytes)(handler)
	handler = Recover(logger)(handler)
	handler = Logging(logger)(handler)
	return handler
}

func registerJobRoutes(mux *http.ServeMux, h *JobHandlers) {
	mux.HandleFunc("POST /api/jobs", h.Submit)
	mux.HandleFunc("GET /api/jobs/stats", h.Stats)
	mux.HandleFunc("GET /api/jobs/{id}", h.Get)
	mux.HandleFunc("POST /api/jobs/{id}/cancel", h.Cancel)
	mux.HandleFunc("POST /api/jobs/{id}/retry", h.Retry)
}

package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/mailcanary/mailcanary/config"
	"github.com/mailcanary/mailcanary/internal/adapters/blob"
	"github.com/mailcanary/mailcanary/internal/adapters/capture"
	redisadapter "github.com/mailcanary/mailcanary/internal/adapters/redis"
	"github.com/mailcanary/mailcanary/internal/core"
	"github.com/mailcanary/mailcanary/internal/data"
	"github.com/mailcanary/mailcanary/internal/observability/statsd"
	"github.com/mailcanary/mailcanary/internal/registry"
	"github.com/mailcanary/mailcanary/internal/service"
)

const defaultJobLease = 30 * time.Second

// ServiceContainer holds all application services.
type ServiceContainer struct {
	Jobs     *service.JobService
	Worker   *service.WorkerService // nil unless the worker service is enabled
	Registry *registry.Registry
	Progress core.ProgressStore
	Results  core.ResultRepository

	Observability ObservabilityContainer
}

// ObservabilityContainer groups shared observability dependencies.
type ObservabilityContainer struct {
	MetricsSink   *statsd.Client
	MetricsConfig config.ObservabilityMetricsConfig
}

// ServiceDeps groups dependencies for service initialization.
type ServiceDeps struct {
	Config      *config.AppConfig
	DB          *sql.DB
	RedisClient redis.UniversalClient
	Logger      *slog.Logger
}

// serviceRepositories groups data adapters backing service ports.
type serviceRepositories struct {
	DB         *sql.DB
	JobRepo    *data.JobRepo
	ResultRepo *data.ResultRepo
	Progress   core.ProgressStore
}

// buildObservability configures the metrics sink.
func buildObservability(logger *slog.Logger, cfg config.ObservabilityConfig) ObservabilityContainer {
	obsLogger := logger
	if obsLogger == nil {
		obsLogger = slog.Default()
	}

	var metricsSink *statsd.Client
	if cfg.Metrics.IsEnabled() {
		client, err := statsd.NewClient(statsd.Config{
			Enabled: true,
			Address: cfg.Metrics.StatsdAddress,
			Prefix:  "mailcanary",
			Logger:  obsLogger,
		})
		if err != nil {
			obsLogger.Error("failed to initialise statsd client", "error", err)
		} else {
			metricsSink = client
		}
	}

	return ObservabilityContainer{
		MetricsSink:   metricsSink,
		MetricsConfig: cfg.Metrics,
	}
}

// buildRepositories builds repositories backing service ports; no business rules here.
func buildRepositories(deps *ServiceDeps) *serviceRepositories {
	repos := &serviceRepositories{
		DB:         deps.DB,
		JobRepo:    data.NewJobRepo(deps.DB, data.RepoConfig{Logger: deps.Logger}),
		ResultRepo: data.NewResultRepo(deps.DB),
	}
	if deps.RedisClient != nil && deps.Config != nil {
		repos.Progress = redisadapter.NewProgressStore(deps.RedisClient, deps.Config.Progress)
	}
	return repos
}

func newJobService(repos *serviceRepositories, deps *ServiceDeps, reg *registry.Registry, obs ObservabilityContainer) *service.JobService {
	maxBacklog := 0
	if deps.Config != nil {
		maxBacklog = deps.Config.Queue.Capacity
	}
	return service.MustNewJobService(service.JobServiceOptions{
		Repo:         repos.JobRepo,
		Registry:     reg,
		DefaultLease: defaultJobLease,
		Results:      repos.ResultRepo,
		Progress:     repos.Progress,
		MaxBacklog:   maxBacklog,
		Logger:       deps.Logger,
		Metrics:      obs.MetricsSink,
	})
}

// workerServiceDeps groups dependencies for building the render worker service.
type workerServiceDeps struct {
	Config   *config.AppConfig
	Jobs     *service.JobService
	Registry *registry.Registry
	Results  core.ResultRepository
	Progress core.ProgressStore
	Logger   *slog.Logger
	Metrics  statsd.Sink
}

// buildWorkerService wires the capture backend, blob store, orchestrator, and
// issue detector behind a WorkerService. The context bounds AWS credential
// chain resolution when the blob store builds its own client.
func buildWorkerService(ctx context.Context, deps workerServiceDeps) (*service.WorkerService, error) {
	backend, err := capture.NewHTTPBackend(capture.HTTPBackendOptions{
		Config: deps.Config.Capture,
		Logger: deps.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create capture backend: %w", err)
	}

	blobs, err := blob.NewStore(ctx, blob.StoreOptions{Config: deps.Config.Blob})
	if err != nil {
		return nil, fmt.Errorf("create blob store: %w", err)
	}

	orchestrator, err := service.NewCaptureOrchestrator(service.CaptureOrchestratorOptions{
		Backend:       backend,
		Blobs:         blobs,
		MaxConcurrent: deps.Config.Capture.MaxConcurrent,
		Logger:        deps.Logger,
		Metrics:       deps.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("create capture orchestrator: %w", err)
	}

	detector, err := service.NewIssueDetector(service.IssueDetectorOptions{
		Rules:  service.DefaultIssueRules(),
		Logger: deps.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create issue detector: %w", err)
	}

	return service.NewWorkerService(service.WorkerServiceOptions{
		WorkerID:     workerID(),
		Jobs:         deps.Jobs,
		Orchestrator: orchestrator,
		Detector:     detector,
		Registry:     deps.Registry,
		Results:      deps.Results,
		Progress:     deps.Progress,
		JobTimeout:   deps.Config.Worker.JobTimeout,
		Logger:       deps.Logger,
		Metrics:      deps.Metrics,
	})
}

func workerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	// Containers commonly restart with the same hostname and pid 1, so a
	// random suffix keeps worker identities distinct across restarts.
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}

// NewServices builds the service container for the enabled service modes.
func NewServices(ctx context.Context, deps *ServiceDeps) (ServiceContainer, error) {
	if deps == nil {
		return ServiceContainer{}, errors.New("service dependencies are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var obsCfg config.ObservabilityConfig
	if deps.Config != nil {
		obsCfg = deps.Config.Observability
	}
	observability := buildObservability(logger, obsCfg)
	repos := buildRepositories(deps)
	reg := registry.MustNew(registry.DefaultCatalogue())
	jobs := newJobService(repos, deps, reg, observability)

	container := ServiceContainer{
		Jobs:          jobs,
		Registry:      reg,
		Progress:      repos.Progress,
		Results:       repos.ResultRepo,
		Observability: observability,
	}

	if deps.Config != nil && deps.Config.IsWorkerEnabled() {
		worker, err := buildWorkerService(ctx, workerServiceDeps{
			Config:   deps.Config,
			Jobs:     jobs,
			Registry: container.Registry,
			Results:  repos.ResultRepo,
			Progress: repos.Progress,
			Logger:   logger,
			Metrics:  observability.MetricsSink,
		})
		if err != nil {
			return ServiceContainer{}, fmt.Errorf("build worker service: %w", err)
		}
		container.Worker = worker
	}

	return container, nil
}

// ServiceOrchestrationConfig contains configuration for service orchestration.
type ServiceOrchestrationConfig struct {
	Config      *config.AppConfig
	Services    ServiceContainer
	DB          *sql.DB
	RedisClient redis.UniversalClient
	Logger      *slog.Logger
}

const (
	// shutdownWaitTimeout is the maximum time to wait for services to stop gracefully.
	shutdownWaitTimeout = 15 * time.Second
)

// serviceStartupDeps groups dependencies for service startup.
type serviceStartupDeps struct {
	ctx             context.Context
	cfg             *ServiceOrchestrationConfig
	logger          *slog.Logger
	enabledServices map[config.ServiceMode]bool
	errCh           chan error
}

// backgroundService describes a startable background component.
type backgroundService struct {
	mode  config.ServiceMode
	name  string
	start func(context.Context) error
}

// backgroundServiceHandle tracks a running background service.
type backgroundServiceHandle struct {
	mode config.ServiceMode
	name string
	done <-chan struct{}
}

// startHTTPServerIfEnabled starts the HTTP server if enabled.
func startHTTPServerIfEnabled(deps *serviceStartupDeps) *http.Server {
	if deps == nil || deps.cfg == nil || !deps.enabledServices[config.ServiceModeHTTP] {
		return nil
	}
	return StartHTTPServer(&HTTPServerConfig{
		Config:   deps.cfg.Config,
		Services: deps.cfg.Services,
		Logger:   deps.logger,
	})
}

func launchBackground(ctx context.Context, deps *serviceStartupDeps, descriptor backgroundService) <-chan struct{} {
	if deps == nil || !deps.enabledServices[descriptor.mode] {
		return nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := descriptor.start(ctx); err != nil {
			errMsg := fmt.Errorf("%s failed: %w", descriptor.name, err)
			select {
			case deps.errCh <- errMsg:
			case <-ctx.Done():
			default:
				deps.logger.WarnContext(ctx, "dropping background service error",
					"service", descriptor.name,
					"error", errMsg,
				)
			}
		}
	}()

	deps.logger.InfoContext(ctx, "background service started", "service", descriptor.name, "mode", descriptor.mode)
	return done
}

func startBackgroundServices(deps *serviceStartupDeps, services []backgroundService) []backgroundServiceHandle {
	if deps == nil {
		return nil
	}
	handles := make([]backgroundServiceHandle, 0, len(services))

	for _, svc := range services {
		done := launchBackground(deps.ctx, deps, svc)
		if done == nil {
			continue
		}

		handles = append(handles, backgroundServiceHandle{
			mode: svc.mode,
			name: svc.name,
			done: done,
		})
	}

	return handles
}

func newWorkerBackgroundService(deps *serviceStartupDeps) backgroundService {
	return backgroundService{
		mode: config.ServiceModeWorker,
		name: "render worker",
		start: func(ctx context.Context) error {
			if deps == nil || deps.cfg == nil {
				return nil
			}
			var workerCfg config.WorkerConfig
			if deps.cfg.Config != nil {
				workerCfg = deps.cfg.Config.Worker
			}
			return RunWorker(ctx, WorkerRunnerConfig{
				Services: deps.cfg.Services,
				Config:   workerCfg,
				Logger:   deps.logger,
			})
		},
	}
}

func newReaperBackgroundService(deps *serviceStartupDeps) backgroundService {
	return backgroundService{
		mode: config.ServiceModeReaper,
		name: "reaper",
		start: func(ctx context.Context) error {
			if deps == nil || deps.cfg == nil {
				return nil
			}
			var reaperCfg config.ReaperConfig
			if deps.cfg.Config != nil {
				reaperCfg = deps.cfg.Config.Reaper
			}
			return RunReaper(ctx, ReaperRunnerConfig{
				DB:      deps.cfg.DB,
				Logger:  deps.logger,
				Config:  reaperCfg,
				Metrics: deps.cfg.Services.Observability.MetricsSink,
			})
		},
	}
}

func newHealthBackgroundService(deps *serviceStartupDeps) backgroundService {
	return backgroundService{
		mode: config.ServiceModeHealth,
		name: "health monitor",
		start: func(ctx context.Context) error {
			if deps == nil || deps.cfg == nil {
				return nil
			}
			var healthCfg config.HealthConfig
			if deps.cfg.Config != nil {
				healthCfg = deps.cfg.Config.Health
			}
			return RunHealthMonitor(ctx, HealthRunnerConfig{
				Services: deps.cfg.Services,
				Config:   healthCfg,
				Logger:   deps.logger,
				Metrics:  deps.cfg.Services.Observability.MetricsSink,
			})
		},
	}
}

func buildBackgroundServices(deps *serviceStartupDeps) []backgroundService {
	if deps == nil {
		return nil
	}
	return []backgroundService{
		newWorkerBackgroundService(deps),
		newReaperBackgroundService(deps),
		newHealthBackgroundService(deps),
	}
}

// ServiceStartupResult holds the results of starting all services.
type ServiceStartupResult struct {
	HTTPServer *http.Server
	Background []backgroundServiceHandle
}

// startServices starts all enabled services and returns their completion channels.
func startServices(deps *serviceStartupDeps) ServiceStartupResult {
	return ServiceStartupResult{
		HTTPServer: startHTTPServerIfEnabled(deps),
		Background: startBackgroundServices(deps, buildBackgroundServices(deps)),
	}
}

// RunServicesWithShutdown starts all enabled services and manages their lifecycle.
// This function blocks until a shutdown signal is received or a service fails.
func RunServicesWithShutdown(cfg *ServiceOrchestrationConfig) error {
	if cfg == nil {
		return errors.New("service orchestration config is required")
	}
	ctx := context.Background()
	serviceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.Config == nil {
		return errors.New("service orchestration config missing AppConfig")
	}

	// Determine which services are enabled
	enabledServices, err := cfg.Config.GetEnabledServices()
	if err != nil {
		return fmt.Errorf("determine enabled services: %w", err)
	}
	errCh := make(chan error, errorChannelBufferSize(enabledServices))

	// Start all enabled services
	result := startServices(&serviceStartupDeps{
		ctx:             serviceCtx,
		cfg:             cfg,
		logger:          logger,
		enabledServices: enabledServices,
		errCh:           errCh,
	})

	// Wait for shutdown signal or error
	return waitForShutdown(shutdownConfig{
		cancel:      cancel,
		errCh:       errCh,
		httpServer:  result.HTTPServer,
		jobService:  cfg.Services.Jobs,
		logger:      logger,
		backgrounds: result.Background,
	})
}

func errorChannelCapacity(enabled map[config.ServiceMode]bool) int {
	count := 0
	for _, mode := range config.ValidServiceModes() {
		if enabled[mode] {
			count++
		}
	}
	return count
}

func errorChannelBufferSize(enabled map[config.ServiceMode]bool) int {
	size := errorChannelCapacity(enabled) + 1
	if size < 1 {
		return 1
	}
	return size
}

// shutdownConfig contains dependencies for graceful shutdown.
type shutdownConfig struct {
	cancel      context.CancelFunc
	errCh       <-chan error
	httpServer  *http.Server
	jobService  *service.JobService
	logger      *slog.Logger
	backgrounds []backgroundServiceHandle
}

// waitForShutdown waits for shutdown signal or service error.
func waitForShutdown(cfg shutdownConfig) error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case <-quit:
		cfg.logger.Info("shutting down services...")
		cfg.cancel() // Cancel service context before waiting
		return gracefulStop(cfg)
	case err := <-cfg.errCh:
		cfg.logger.Error("service error", "error", err)
		cfg.cancel() // Cancel service context before waiting
		if stopErr := gracefulStop(cfg); stopErr != nil {
			cfg.logger.Error("graceful stop failed", "error", stopErr)
		}
		return err
	}
}

// gracefulStop attempts to gracefully stop all services.
func gracefulStop(cfg shutdownConfig) error {
	// Gracefully stop HTTP server if running
	if cfg.httpServer != nil {
		// The service context is already cancelled here; drain with a fresh deadline.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownWaitTimeout)
		defer cancel()

		if err := ShutdownHTTPServer(ShutdownConfig{
			Context:    shutdownCtx,
			Server:     cfg.httpServer,
			JobService: cfg.jobService,
			Logger:     cfg.logger,
		}); err != nil {
			return err
		}
	}

	// Wait for background services to finish
	for _, svc := range cfg.backgrounds {
		waitForService(svc.done, svc.name, cfg.logger)
	}

	return nil
}

// waitForService waits for a service to finish with timeout.
func waitForService(done <-chan struct{}, name string, logger *slog.Logger) {
	if done == nil {
		return
	}
	select {
	case <-done:
		logger.Info(name + " stopped")
	case <-time.After(shutdownWaitTimeout):
		logger.Warn("timeout waiting for " + name + " to stop")
	}
}

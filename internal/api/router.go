package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	apiMiddleware "github.com/phrazzld/gonk/internal/api/middleware"
	"github.com/phrazzld/gonk/internal/service/auth"
	"github.com/phrazzld/gonk/internal/task"
)

// RouterConfig holds the dependencies of the HTTP router.
type RouterConfig struct {
	Tasks      TaskService
	Registry   *task.Registry
	JWTService auth.JWTService
	Logger     *slog.Logger

	// Gatherer backs /metrics and Registerer receives the HTTP collectors.
	// Both are optional.
	Gatherer   prometheus.Gatherer
	Registerer prometheus.Registerer

	HealthChecks map[string]HealthCheck
}

// NewRouter builds the task API router.
func NewRouter(cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(apiMiddleware.NewTraceMiddleware(logger))
	if cfg.Registerer != nil {
		r.Use(apiMiddleware.NewHTTPMetrics(cfg.Registerer).Handler)
	}

	taskHandler := NewTaskHandler(cfg.Tasks, logger)
	runnerHandler := NewRunnerHandler(cfg.Registry)
	authMiddleware := apiMiddleware.NewAuthMiddleware(cfg.JWTService)

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.Authenticate)

		r.With(apiMiddleware.RequirePermission(auth.PermissionCreateTask)).Post("/tasks", taskHandler.CreateTask)
		r.Get("/tasks", taskHandler.ListTasks)
		r.Get("/tasks/{id}", taskHandler.GetTask)
		r.Post("/tasks/{id}/cancel", taskHandler.CancelTask)
		r.Put("/tasks/{id}/revert", taskHandler.RevertTask)
		r.Patch("/tasks/{id}/revert", taskHandler.RevertTask)
		r.Get("/taskrunners", runnerHandler.ListRunners)
	})

	r.Method(http.MethodGet, "/health", NewHealthHandler(cfg.HealthChecks, logger))

	if cfg.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	return r
}

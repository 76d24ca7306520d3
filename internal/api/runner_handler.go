package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/phrazzld/gonk/internal/api/shared"
	"github.com/phrazzld/gonk/internal/task"
)

// RunnerHandler lists the registered task types.
type RunnerHandler struct {
	registry *task.Registry
}

// NewRunnerHandler creates a new RunnerHandler.
func NewRunnerHandler(registry *task.Registry) *RunnerHandler {
	return &RunnerHandler{registry: registry}
}

// ListRunners handles GET /taskrunners.
func (h *RunnerHandler) ListRunners(w http.ResponseWriter, r *http.Request) {
	names := h.registry.Names()
	response := make([]TaskRunnerResponse, 0, len(names))
	for _, name := range names {
		entry, ok := h.registry.Lookup(name)
		if !ok {
			continue
		}
		response = append(response, TaskRunnerResponse{
			Name:       entry.Name,
			RunnerPath: entry.Path,
			Schedule:   entry.Schedule,
		})
	}
	shared.RespondWithJSON(w, r, http.StatusOK, response)
}

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

// HealthHandler serves GET /health.
type HealthHandler struct {
	checks map[string]HealthCheck
	logger *slog.Logger
}

// NewHealthHandler creates a HealthHandler running checks on every request.
func NewHealthHandler(checks map[string]HealthCheck, logger *slog.Logger) *HealthHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthHandler{checks: checks, logger: logger.With(slog.String("component", "health"))}
}

// ServeHTTP responds 200 when every check passes and 503 otherwise.
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	results := make(map[string]string, len(h.checks))
	for name, check := range h.checks {
		if err := check(r.Context()); err != nil {
			h.logger.Warn("health check failed", "check", name, "error", err)
			results[name] = "unavailable"
			status = http.StatusServiceUnavailable
			continue
		}
		results[name] = "ok"
	}
	shared.RespondWithJSON(w, r, status, map[string]any{
		"status": http.StatusText(status),
		"checks": results,
	})
}

package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/phrazzld/gonk/internal/api/shared"
	"github.com/phrazzld/gonk/internal/platform/logger"
	"github.com/phrazzld/gonk/internal/service/auth"
	"github.com/phrazzld/gonk/internal/task"
)

// TaskService is the part of task.Service the handlers use.
type TaskService interface {
	CreateTask(ctx context.Context, req task.CreateRequest) (*task.Task, error)
	Get(ctx context.Context, id uuid.UUID) (*task.Task, error)
	List(ctx context.Context, owner string) ([]*task.Task, error)
	Cancel(ctx context.Context, id uuid.UUID, terminate bool) (*task.Task, error)
	Revert(ctx context.Context, id uuid.UUID) (*task.Task, error)
}

var _ TaskService = (*task.Service)(nil)

// TaskHandler handles task HTTP requests.
type TaskHandler struct {
	tasks  TaskService
	logger *slog.Logger
}

// NewTaskHandler creates a new TaskHandler.
func NewTaskHandler(tasks TaskService, logger *slog.Logger) *TaskHandler {
	if tasks == nil {
		// ALLOW-PANIC: Constructor enforcing required dependency
		panic("task service cannot be nil for TaskHandler")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TaskHandler{
		tasks:  tasks,
		logger: logger.With(slog.String("component", "task_handler")),
	}
}

// CreateTask handles POST /tasks. The caller becomes the task owner.
func (h *TaskHandler) CreateTask(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContextOrDefault(r.Context(), h.logger)

	identity, ok := shared.GetIdentity(r.Context())
	if !ok {
		HandleAPIError(w, r, ErrUnauthenticated, "")
		return
	}

	var req CreateTaskRequest
	if err := shared.DecodeJSON(r, &req); err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, "Invalid request format", err)
		return
	}
	if err := shared.ValidateRequest(req); err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, SanitizeValidationError(err), err)
		return
	}

	createReq := task.CreateRequest{
		Type:       req.TaskType,
		Input:      req.TaskInput,
		Owner:      identity.Subject,
		Queue:      req.Queue,
		Retryable:  req.Retryable,
		MaxRetries: req.MaxRetries,
		RetryDelay: time.Duration(req.RetrySeconds) * time.Second,
	}
	if req.ETA != nil {
		createReq.ETA = *req.ETA
	}

	created, err := h.tasks.CreateTask(r.Context(), createReq)
	if err != nil {
		if created != nil {
			// persisted but never enqueued
			HandleAPIError(w, r, err, "Failed to dispatch task")
			return
		}
		HandleAPIError(w, r, err, "")
		return
	}

	log.Debug("task created via API",
		slog.String("task_id", created.ID.String()),
		slog.String("task_type", req.TaskType),
		slog.String("owner", identity.Subject))
	shared.RespondWithJSON(w, r, http.StatusCreated, taskToResponse(created))
}

// ListTasks handles GET /tasks. Callers see their own tasks; superusers may
// pick another owner with ?owner=.
func (h *TaskHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	identity, ok := shared.GetIdentity(r.Context())
	if !ok {
		HandleAPIError(w, r, ErrUnauthenticated, "")
		return
	}

	owner := identity.Subject
	if requested := r.URL.Query().Get("owner"); requested != "" {
		if !identity.CanAccess(requested) {
			HandleAPIError(w, r, ErrForbidden, "")
			return
		}
		owner = requested
	}

	tasks, err := h.tasks.List(r.Context(), owner)
	if err != nil {
		HandleAPIError(w, r, err, "Failed to list tasks")
		return
	}

	response := make([]TaskResponse, 0, len(tasks))
	for _, t := range tasks {
		response = append(response, taskToResponse(t))
	}
	shared.RespondWithJSON(w, r, http.StatusOK, response)
}

// GetTask handles GET /tasks/{id}.
func (h *TaskHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContextOrDefault(r.Context(), h.logger)

	identity, id, ok := handleIdentityAndPathUUID(w, r, "id", log)
	if !ok {
		return
	}

	t, ok := h.loadOwned(w, r, identity, id)
	if !ok {
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, taskToDetailResponse(t))
}

// CancelTask handles POST /tasks/{id}/cancel. With ?terminate=true a job
// that is already running is asked to stop.
func (h *TaskHandler) CancelTask(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContextOrDefault(r.Context(), h.logger)

	identity, id, ok := handleIdentityAndPathUUID(w, r, "id", log)
	if !ok {
		return
	}

	terminate := false
	if raw := r.URL.Query().Get("terminate"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid terminate flag")
			return
		}
		terminate = parsed
	}

	if _, ok := h.loadOwned(w, r, identity, id); !ok {
		return
	}
	if !identity.Has(auth.PermissionCancelTask) {
		HandleAPIError(w, r, ErrForbidden, "")
		return
	}

	canceled, err := h.tasks.Cancel(r.Context(), id, terminate)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	log.Info("task canceled via API",
		slog.String("task_id", id.String()),
		slog.String("subject", identity.Subject),
		slog.Bool("terminate", terminate))
	shared.RespondWithJSON(w, r, http.StatusOK, taskToResponse(canceled))
}

// RevertTask handles PUT /tasks/{id}/revert. Runners that are not
// reversible are rejected with 403.
func (h *TaskHandler) RevertTask(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContextOrDefault(r.Context(), h.logger)

	identity, id, ok := handleIdentityAndPathUUID(w, r, "id", log)
	if !ok {
		return
	}

	if _, ok := h.loadOwned(w, r, identity, id); !ok {
		return
	}
	if !identity.Has(auth.PermissionRevertTask) {
		HandleAPIError(w, r, ErrForbidden, "")
		return
	}

	reverted, err := h.tasks.Revert(r.Context(), id)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	log.Info("task revert requested via API",
		slog.String("task_id", id.String()),
		slog.String("subject", identity.Subject))
	shared.RespondWithJSON(w, r, http.StatusOK, taskToResponse(reverted))
}

// loadOwned fetches the task and hides tasks owned by someone else behind
// the same 404 a missing task gets.
func (h *TaskHandler) loadOwned(
	w http.ResponseWriter,
	r *http.Request,
	identity auth.Identity,
	id uuid.UUID,
) (*task.Task, bool) {
	t, err := h.tasks.Get(r.Context(), id)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return nil, false
	}
	if !identity.CanAccess(t.Owner) {
		HandleAPIError(w, r, fmt.Errorf("%w: %s is not visible to %s", task.ErrTaskNotFound, id, identity.Subject), "")
		return nil, false
	}
	return t, true
}

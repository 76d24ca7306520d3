package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/gonk/internal/queue"
	"github.com/phrazzld/gonk/internal/runners"
	"github.com/phrazzld/gonk/internal/service/auth"
	"github.com/phrazzld/gonk/internal/task"
)

const testSecret = "api-test-secret-that-is-long-enough"

type testAPI struct {
	handler http.Handler
	service *task.Service
	broker  *queue.MemoryBroker
	jwt     auth.JWTService
}

func setupTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestAPI(t *testing.T, checks map[string]HealthCheck) *testAPI {
	t.Helper()
	logger := setupTestLogger()

	reg := task.NewRegistry()
	require.NoError(t, runners.RegisterAll(reg))

	broker := queue.NewMemoryBroker(0, logger)
	t.Cleanup(broker.Close)

	svc := task.NewService(task.NewMemoryStore(), broker, reg, logger)
	jwtService := auth.NewJWTServiceWithClock(testSecret, time.Hour, time.Now)

	promReg := prometheus.NewRegistry()
	handler := NewRouter(RouterConfig{
		Tasks:        svc,
		Registry:     reg,
		JWTService:   jwtService,
		Logger:       logger,
		Gatherer:     promReg,
		Registerer:   promReg,
		HealthChecks: checks,
	})
	return &testAPI{handler: handler, service: svc, broker: broker, jwt: jwtService}
}

func (a *testAPI) token(t *testing.T, identity auth.Identity) string {
	t.Helper()
	token, err := a.jwt.GenerateToken(context.Background(), identity)
	require.NoError(t, err)
	return token
}

func (a *testAPI) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	a.handler.ServeHTTP(w, req)
	return w
}

func (a *testAPI) createTask(t *testing.T, owner, taskType string, input task.Document) *task.Task {
	t.Helper()
	created, err := a.service.CreateTask(context.Background(), task.CreateRequest{
		Type:  taskType,
		Input: input,
		Owner: owner,
	})
	require.NoError(t, err)
	return created
}

func errorMessage(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	return resp.Error
}

var allPermissions = auth.Identity{Subject: "alice", Permissions: auth.Permissions}

func TestCreateTask(t *testing.T) {
	api := newTestAPI(t, nil)
	token := api.token(t, allPermissions)

	t.Run("created", func(t *testing.T) {
		w := api.do(t, http.MethodPost, "/tasks", token, map[string]any{
			"task_type":  runners.TypeAdd,
			"task_input": map[string]any{"element1": 1, "element2": 2},
		})
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

		var resp TaskResponse
		require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
		assert.Equal(t, string(task.StatusPending), resp.Status)

		stored, err := api.service.Get(context.Background(), resp.ID)
		require.NoError(t, err)
		assert.Equal(t, "alice", stored.Owner)
		assert.Equal(t, task.DefaultQueue, stored.Queue)
	})

	t.Run("retry policy and queue", func(t *testing.T) {
		w := api.do(t, http.MethodPost, "/tasks", token, map[string]any{
			"task_type":     runners.TypeSleep,
			"queue":         "slow",
			"retryable":     true,
			"max_retries":   3,
			"retry_seconds": 30,
		})
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

		var resp TaskResponse
		require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
		stored, err := api.service.Get(context.Background(), resp.ID)
		require.NoError(t, err)
		assert.Equal(t, "slow", stored.Queue)
		assert.True(t, stored.Retryable)
		assert.Equal(t, 3, stored.MaxRetries)
		assert.Equal(t, 30*time.Second, stored.RetryDelay)
	})

	tests := []struct {
		name       string
		token      string
		body       any
		wantStatus int
		wantError  string
	}{
		{
			name:       "unauthenticated",
			body:       map[string]any{"task_type": runners.TypeAdd},
			wantStatus: http.StatusUnauthorized,
			wantError:  "Authorization header required",
		},
		{
			name:       "missing permission",
			token:      api.token(t, auth.Identity{Subject: "bob", Permissions: []string{auth.PermissionCancelTask}}),
			body:       map[string]any{"task_type": runners.TypeAdd},
			wantStatus: http.StatusForbidden,
			wantError:  "Permission denied",
		},
		{
			name:       "unknown type",
			token:      token,
			body:       map[string]any{"task_type": "missing"},
			wantStatus: http.StatusBadRequest,
			wantError:  "No task found for this type",
		},
		{
			name:  "runner validation",
			token: token,
			body: map[string]any{
				"task_type":  runners.TypeAdd,
				"task_input": map[string]any{"element1": -1, "element2": 2},
			},
			wantStatus: http.StatusBadRequest,
			wantError:  "element1 and element2 must be equal or higher than 0",
		},
		{
			name:       "missing task type",
			token:      token,
			body:       map[string]any{"task_input": map[string]any{}},
			wantStatus: http.StatusBadRequest,
			wantError:  "Invalid task_type: required field",
		},
		{
			name:       "negative retries",
			token:      token,
			body:       map[string]any{"task_type": runners.TypeAdd, "max_retries": -1},
			wantStatus: http.StatusBadRequest,
			wantError:  "Invalid max_retries: must not be negative",
		},
		{
			name:       "malformed body",
			token:      token,
			body:       `{"task_type":`,
			wantStatus: http.StatusBadRequest,
			wantError:  "Invalid request format",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			before := api.broker.Len()
			w := api.do(t, http.MethodPost, "/tasks", tc.token, tc.body)
			assert.Equal(t, tc.wantStatus, w.Code)
			assert.Equal(t, tc.wantError, errorMessage(t, w))
			assert.Equal(t, before, api.broker.Len(), "rejected requests enqueue nothing")
		})
	}
}

func TestListTasks(t *testing.T) {
	api := newTestAPI(t, nil)
	mine := api.createTask(t, "alice", runners.TypeNoReversible, nil)
	api.createTask(t, "bob", runners.TypeNoReversible, nil)

	decode := func(w *httptest.ResponseRecorder) []TaskResponse {
		var resp []TaskResponse
		require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
		return resp
	}

	w := api.do(t, http.MethodGet, "/tasks", api.token(t, auth.Identity{Subject: "alice"}), nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode(w)
	require.Len(t, resp, 1)
	assert.Equal(t, mine.ID, resp[0].ID)

	w = api.do(t, http.MethodGet, "/tasks?owner=bob", api.token(t, auth.Identity{Subject: "alice"}), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = api.do(t, http.MethodGet, "/tasks?owner=bob", api.token(t, auth.Identity{Subject: "root", Superuser: true}), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(w), 1)

	w = api.do(t, http.MethodGet, "/tasks", api.token(t, auth.Identity{Subject: "carol"}), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())
}

func TestGetTask(t *testing.T) {
	api := newTestAPI(t, nil)
	created := api.createTask(t, "alice", runners.TypeAdd, task.Document{"element1": 1, "element2": 1})
	aliceToken := api.token(t, auth.Identity{Subject: "alice"})

	w := api.do(t, http.MethodGet, "/tasks/"+created.ID.String(), aliceToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var detail TaskDetailResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&detail))
	assert.Equal(t, created.ID, detail.ID)
	assert.NotNil(t, detail.Results)

	tests := []struct {
		name       string
		path       string
		token      string
		wantStatus int
	}{
		{"other owner", "/tasks/" + created.ID.String(), api.token(t, auth.Identity{Subject: "bob"}), http.StatusNotFound},
		{"missing", "/tasks/" + uuid.NewString(), aliceToken, http.StatusNotFound},
		{"invalid id", "/tasks/not-a-uuid", aliceToken, http.StatusBadRequest},
		{"superuser", "/tasks/" + created.ID.String(), api.token(t, auth.Identity{Subject: "root", Superuser: true}), http.StatusOK},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := api.do(t, http.MethodGet, tc.path, tc.token, nil)
			assert.Equal(t, tc.wantStatus, w.Code)
		})
	}
}

func TestCancelTask(t *testing.T) {
	api := newTestAPI(t, nil)

	t.Run("missing permission", func(t *testing.T) {
		created := api.createTask(t, "alice", runners.TypeSleep, nil)
		w := api.do(t, http.MethodPost, "/tasks/"+created.ID.String()+"/cancel",
			api.token(t, auth.Identity{Subject: "alice"}), nil)
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("not owned", func(t *testing.T) {
		created := api.createTask(t, "alice", runners.TypeSleep, nil)
		w := api.do(t, http.MethodPost, "/tasks/"+created.ID.String()+"/cancel",
			api.token(t, auth.Identity{Subject: "bob", Permissions: auth.Permissions}), nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("invalid terminate flag", func(t *testing.T) {
		created := api.createTask(t, "alice", runners.TypeSleep, nil)
		w := api.do(t, http.MethodPost, "/tasks/"+created.ID.String()+"/cancel?terminate=maybe",
			api.token(t, allPermissions), nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("canceled", func(t *testing.T) {
		created := api.createTask(t, "alice", runners.TypeSleep, nil)

		w := api.do(t, http.MethodPost, "/tasks/"+created.ID.String()+"/cancel?terminate=true",
			api.token(t, allPermissions), nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		var resp TaskResponse
		require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
		assert.Equal(t, string(task.StatusCanceled), resp.Status)

		stored, err := api.service.Get(context.Background(), created.ID)
		require.NoError(t, err)
		assert.Equal(t, task.StatusCanceled, stored.Status)
	})
}

func TestRevertTask(t *testing.T) {
	api := newTestAPI(t, nil)
	token := api.token(t, allPermissions)

	t.Run("reversible", func(t *testing.T) {
		created := api.createTask(t, "alice", runners.TypeAdd, task.Document{"element1": 1, "element2": 1})
		w := api.do(t, http.MethodPut, "/tasks/"+created.ID.String()+"/revert", token, nil)
		assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
	})

	t.Run("not reversible", func(t *testing.T) {
		created := api.createTask(t, "alice", runners.TypeNoReversible, nil)
		w := api.do(t, http.MethodPut, "/tasks/"+created.ID.String()+"/revert", token, nil)
		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.Equal(t, "Task cannot be reverted", errorMessage(t, w))
	})

	t.Run("missing permission", func(t *testing.T) {
		created := api.createTask(t, "alice", runners.TypeAdd, task.Document{"element1": 1, "element2": 1})
		w := api.do(t, http.MethodPut, "/tasks/"+created.ID.String()+"/revert",
			api.token(t, auth.Identity{Subject: "alice", Permissions: []string{auth.PermissionCreateTask}}), nil)
		assert.Equal(t, http.StatusForbidden, w.Code)
	})
}

func TestListRunners(t *testing.T) {
	api := newTestAPI(t, nil)

	w := api.do(t, http.MethodGet, "/taskrunners", api.token(t, auth.Identity{Subject: "alice"}), nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp []TaskRunnerResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.Len(t, resp, 5)
	assert.Equal(t, runners.TypeAdd, resp[0].Name)
	assert.Equal(t, "github.com/phrazzld/gonk/internal/runners.Add", resp[0].RunnerPath)

	var printer TaskRunnerResponse
	for _, r := range resp {
		if r.Name == runners.TypePrint {
			printer = r
		}
	}
	assert.Equal(t, runners.PrintSchedule, printer.Schedule)
}

func TestHealthAndMetrics(t *testing.T) {
	healthy := newTestAPI(t, map[string]HealthCheck{
		"database": func(context.Context) error { return nil },
	})
	w := healthy.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"database":"ok"`)

	w = healthy.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "gonk_http_requests_total")

	unhealthy := newTestAPI(t, map[string]HealthCheck{
		"redis": func(context.Context) error { return errors.New("connection refused") },
	})
	w = unhealthy.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), `"redis":"unavailable"`)
}

func TestMapErrorToStatusCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{ErrUnauthenticated, http.StatusUnauthorized},
		{auth.ErrExpiredToken, http.StatusUnauthorized},
		{ErrForbidden, http.StatusForbidden},
		{task.ErrRevertNotPermitted, http.StatusForbidden},
		{task.ErrTaskNotFound, http.StatusNotFound},
		{task.NewValidationError("bad"), http.StatusBadRequest},
		{task.ErrUnknownTaskType, http.StatusBadRequest},
		{ErrInvalidID, http.StatusBadRequest},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range tests {
		t.Run(tc.err.Error(), func(t *testing.T) {
			assert.Equal(t, tc.want, MapErrorToStatusCode(tc.err))
		})
	}

	assert.Equal(t, "An unexpected error occurred", GetSafeErrorMessage(errors.New("pq: relation tasks does not exist")))
	assert.Equal(t, "An unexpected error occurred", GetSafeErrorMessage(nil))
}

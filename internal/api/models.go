package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/phrazzld/gonk/internal/task"
)

// CreateTaskRequest defines the payload for POST /tasks.
type CreateTaskRequest struct {
	TaskType  string        `json:"task_type"  validate:"required,max=255"`
	TaskInput task.Document `json:"task_input"`
	Queue     string        `json:"queue"      validate:"omitempty,max=32"`

	// ETA delays the first execution. Omitted means now.
	ETA *time.Time `json:"eta"`

	Retryable    bool `json:"retryable"`
	MaxRetries   int  `json:"max_retries"   validate:"gte=0"`
	RetrySeconds int  `json:"retry_seconds" validate:"gte=0"`
}

// TaskResponse is the summary representation of a task.
type TaskResponse struct {
	ID               uuid.UUID  `json:"id"`
	StartedOn        *time.Time `json:"started_on"`
	FinishedOn       *time.Time `json:"finished_on"`
	RevertStartedOn  *time.Time `json:"revert_started_on"`
	RevertFinishedOn *time.Time `json:"revert_finished_on"`
	Status           string     `json:"status"`
}

// TaskDetailResponse adds the log and results to TaskResponse.
type TaskDetailResponse struct {
	TaskResponse
	Log     string        `json:"log"`
	Results task.Document `json:"results"`
}

// TaskRunnerResponse describes one registered task type.
type TaskRunnerResponse struct {
	Name       string `json:"name"`
	RunnerPath string `json:"runner_path"`
	Schedule   string `json:"schedule,omitempty"`
}

func taskToResponse(t *task.Task) TaskResponse {
	return TaskResponse{
		ID:               t.ID,
		StartedOn:        t.StartedOn,
		FinishedOn:       t.FinishedOn,
		RevertStartedOn:  t.RevertStartedOn,
		RevertFinishedOn: t.RevertFinishedOn,
		Status:           string(t.Status),
	}
}

func taskToDetailResponse(t *task.Task) TaskDetailResponse {
	results := t.Results
	if results == nil {
		results = task.Document{}
	}
	return TaskDetailResponse{
		TaskResponse: taskToResponse(t),
		Log:          t.Log,
		Results:      results,
	}
}

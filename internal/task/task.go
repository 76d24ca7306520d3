package task

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DefaultQueue is the work queue tasks are routed to when none is given.
const DefaultQueue = "default"

// logTimeLayout is the timestamp layout used in task log lines.
const logTimeLayout = "2006-01-02 15:04:05"

// Document is a structured JSON object stored in a task's input and results.
type Document map[string]any

// Clone returns a deep copy of the document.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return map[string]any(Document(val).Clone())
	case Document:
		return val.Clone()
	case []any:
		out := make([]any, len(val))
		for i := range val {
			out[i] = cloneValue(val[i])
		}
		return out
	default:
		return v
	}
}

// Task is the persisted record of one task instance.
type Task struct {
	ID         uuid.UUID
	JobID      string
	RunnerPath string
	Input      Document
	Results    Document
	Owner      string

	StartedOn        *time.Time
	FinishedOn       *time.Time
	RevertStartedOn  *time.Time
	RevertFinishedOn *time.Time
	ExpireOn         *time.Time
	Created          time.Time
	Modified         time.Time

	Log    string
	Status Status

	Retryable  bool
	RetryDelay time.Duration
	Retries    int
	MaxRetries int

	Queue string

	// ETA is when the latest dispatched job becomes due; nil means as soon
	// as possible. Recovery uses it to re-dispatch jobs lost with a broker.
	ETA *time.Time

	// checkpoint persists the task and notifies; installed by the Service
	// before the task is handed to a runner.
	checkpoint func(ctx context.Context, record string) error
	clock      func() time.Time
}

// Exhausted reports whether the task can no longer be retried automatically.
func (t *Task) Exhausted() bool {
	return !t.Retryable || t.Retries > t.MaxRetries
}

// LogStatus appends a timestamped record to the task log. A checkpoint entry
// also carries the current status, persists the task and notifies the runner.
func (t *Task) LogStatus(ctx context.Context, record string, checkpoint bool) error {
	t.appendLog(record, checkpoint)
	if checkpoint && t.checkpoint != nil {
		return t.checkpoint(ctx, record)
	}
	return nil
}

func (t *Task) appendLog(record string, withStatus bool) {
	now := t.now().Format(logTimeLayout)
	if withStatus {
		t.Log += fmt.Sprintf("%-20s %-70s  Status: %15s\n", now, record, t.Status)
	} else {
		t.Log += fmt.Sprintf("%-20s %-70s\n", now, record)
	}
}

func (t *Task) now() time.Time {
	if t.clock != nil {
		return t.clock()
	}
	return time.Now().UTC()
}

// Clone returns a copy of the task that shares no mutable state with t.
func (t *Task) Clone() *Task {
	c := *t
	c.Input = t.Input.Clone()
	c.Results = t.Results.Clone()
	c.StartedOn = cloneTime(t.StartedOn)
	c.FinishedOn = cloneTime(t.FinishedOn)
	c.RevertStartedOn = cloneTime(t.RevertStartedOn)
	c.RevertFinishedOn = cloneTime(t.RevertFinishedOn)
	c.ExpireOn = cloneTime(t.ExpireOn)
	c.ETA = cloneTime(t.ETA)
	c.checkpoint = nil
	c.clock = nil
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Field names a mutable column of the task record. Updates only write the
// fields they name so concurrent writers do not clobber each other.
type Field string

// Mutable task fields
const (
	FieldJobID            Field = "job_id"
	FieldStatus           Field = "status"
	FieldResults          Field = "results"
	FieldLog              Field = "log"
	FieldStartedOn        Field = "started_on"
	FieldFinishedOn       Field = "finished_on"
	FieldRevertStartedOn  Field = "revert_started_on"
	FieldRevertFinishedOn Field = "revert_finished_on"
	FieldRetries          Field = "retries"
	FieldETA              Field = "eta"
)

// AllFields lists every mutable field.
var AllFields = []Field{
	FieldJobID,
	FieldStatus,
	FieldResults,
	FieldLog,
	FieldStartedOn,
	FieldFinishedOn,
	FieldRevertStartedOn,
	FieldRevertFinishedOn,
	FieldRetries,
	FieldETA,
}

// CopyFields copies the named fields from src into dst.
func CopyFields(dst, src *Task, fields ...Field) {
	for _, f := range fields {
		switch f {
		case FieldJobID:
			dst.JobID = src.JobID
		case FieldStatus:
			dst.Status = src.Status
		case FieldResults:
			dst.Results = src.Results.Clone()
		case FieldLog:
			dst.Log = src.Log
		case FieldStartedOn:
			dst.StartedOn = cloneTime(src.StartedOn)
		case FieldFinishedOn:
			dst.FinishedOn = cloneTime(src.FinishedOn)
		case FieldRevertStartedOn:
			dst.RevertStartedOn = cloneTime(src.RevertStartedOn)
		case FieldRevertFinishedOn:
			dst.RevertFinishedOn = cloneTime(src.RevertFinishedOn)
		case FieldRetries:
			dst.Retries = src.Retries
		case FieldETA:
			dst.ETA = cloneTime(src.ETA)
		}
	}
}

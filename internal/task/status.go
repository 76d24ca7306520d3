package task

// Status represents the current lifecycle state of a task.
// The values are the short codes stored in the status column.
type Status string

// Possible task status values
const (
	StatusPending    Status = "PENDI"
	StatusDoing      Status = "DOING"
	StatusDone       Status = "DONE"
	StatusError      Status = "ERROR"
	StatusCancelling Status = "CANCG"
	StatusCanceled   Status = "CANCD"
	StatusToRevert   Status = "TOREV"
	StatusReverting  Status = "REVTG"
	StatusReverted   Status = "REVTD"
	StatusRetrying   Status = "RTRNG"
	StatusRetryError Status = "RTERR"
)

var statusLabels = map[Status]string{
	StatusPending:    "To DO",
	StatusDoing:      "Doing",
	StatusDone:       "Done",
	StatusError:      "Error",
	StatusCancelling: "Cancelling",
	StatusCanceled:   "Canceled",
	StatusToRevert:   "To Revert",
	StatusReverting:  "Reverting",
	StatusReverted:   "Reverted",
	StatusRetrying:   "Retrying",
	StatusRetryError: "Retry error",
}

// Label returns the human readable name of the status.
func (s Status) Label() string {
	if label, ok := statusLabels[s]; ok {
		return label
	}
	return string(s)
}

// Valid reports whether s is one of the known status codes.
func (s Status) Valid() bool {
	_, ok := statusLabels[s]
	return ok
}

// Terminal reports whether no further transition is expected from s.
// ERROR and RETRY_ERROR are only terminal once retries are exhausted, which
// depends on the task's retry policy; see Task.Exhausted.
func (s Status) Terminal() bool {
	switch s {
	case StatusDone, StatusCanceled, StatusReverted:
		return true
	}
	return false
}

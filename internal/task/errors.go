package task

import (
	"errors"
	"fmt"
)

// Common errors returned by the task package
var (
	ErrValidation         = errors.New("task input is invalid")
	ErrUnknownTaskType    = errors.New("unknown task type")
	ErrUnknownRunner      = errors.New("unknown task runner")
	ErrDuplicateTaskType  = errors.New("task type already registered")
	ErrConflictingRunner  = errors.New("runner is already bound to another factory")
	ErrRevertNotPermitted = errors.New("task runner is not reversible")
	ErrTaskNotFound       = errors.New("task not found")
	ErrInvalidSchedule    = errors.New("invalid schedule")
)

// ValidationError is returned by runners whose Validate rejects the input.
type ValidationError struct {
	Reason string
}

// NewValidationError creates a ValidationError with the given reason.
func NewValidationError(format string, args ...any) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return e.Reason
}

// Is makes errors.Is(err, ErrValidation) hold for every ValidationError.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

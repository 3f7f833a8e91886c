package model

import (
	"errors"
	"fmt"
)

var (
	// ErrStoreUnavailable is returned when the task store cannot be reached
	ErrStoreUnavailable = errors.New("task store unavailable")

	// ErrJobTimeout is the cancellation cause of a job that exceeded its timeout
	ErrJobTimeout = errors.New("job timed out")

	// ErrJobStalled is the cancellation cause of a job that stopped making progress
	ErrJobStalled = errors.New("job stalled")

	// ErrTaskNotFound is returned when a task is not found
	ErrTaskNotFound = errors.New("task not found")
)

// ValidationError reports bad caller input: unknown agent or task type,
// malformed payload, bad schedule. It is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// NewValidationError builds a ValidationError with a formatted reason.
func NewValidationError(field, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err carries a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// ExecutionError wraps a failure raised while a task handler ran.
type ExecutionError struct {
	TaskID  string
	Attempt int
	Err     error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("task %s attempt %d: %v", e.TaskID, e.Attempt, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// StoreError marks err as a task store failure while keeping the cause.
func StoreError(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}

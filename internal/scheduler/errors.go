package scheduler

import "errors"

var (
	// ErrPoolClosed is returned by every operation on a closed pool
	ErrPoolClosed = errors.New("worker pool closed")

	// ErrJobNotFound is returned when a job is not found
	ErrJobNotFound = errors.New("job not found")

	// ErrJobActive is returned when an operation needs an idle job
	ErrJobActive = errors.New("job is active")

	// ErrJobNotRetryable is returned when retrying a job that has not failed
	ErrJobNotRetryable = errors.New("job is not in a retryable state")

	// ErrDuplicateJob is returned when a job id is already queued
	ErrDuplicateJob = errors.New("duplicate job")

	// ErrExecutorRegistered is returned when an executor is bound twice
	ErrExecutorRegistered = errors.New("executor already registered")

	// ErrInvalidConcurrency is returned for a concurrency below one
	ErrInvalidConcurrency = errors.New("concurrency must be at least 1")

	// ErrRecurringNotFound is returned when a recurring rule is not found
	ErrRecurringNotFound = errors.New("recurring rule not found")

	// ErrJobPanicked wraps a panic recovered from a process function
	ErrJobPanicked = errors.New("job panicked")

	// ErrShutdownTimeout is returned when in-flight jobs outlive the grace period
	ErrShutdownTimeout = errors.New("shutdown grace period exceeded")
)

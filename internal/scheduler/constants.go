package scheduler

import "time"

const (
	defaultMaxAttempts   = 3
	defaultBackoff       = 2 * time.Second
	defaultMaxBackoff    = 5 * time.Minute
	defaultTimeout       = 5 * time.Minute
	defaultKeepCompleted = 100
	defaultKeepFailed    = 500

	defaultStallTimeout       = 30 * time.Second
	defaultStallCheckInterval = 5 * time.Second

	// idleTick bounds how long the dispatcher sleeps without work so that
	// liveness can be observed from outside.
	idleTick = time.Second
)

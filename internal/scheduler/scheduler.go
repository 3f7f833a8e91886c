// Package scheduler implements the per-agent-type worker pool: a priority
// ordered job queue with delayed visibility, bounded concurrent executors,
// retry with exponential backoff, stall detection and cron-driven recurring
// jobs.
package scheduler

import (
	"context"
	"encoding/json"
	"time"
)

// ProcessFunc executes one job. The output is kept on the job when it
// completes. A *model.ValidationError fails the job without retry.
type ProcessFunc func(ctx context.Context, job Job) (json.RawMessage, error)

// Hooks are called by the pool without its lock held. Calls for a single job
// happen in lifecycle order.
type Hooks struct {
	// OnCreate runs before a new job becomes visible to executors. An error
	// aborts the enqueue.
	OnCreate func(ctx context.Context, job Job) error

	// OnTransition reports every state change after creation. err carries
	// the failure that caused a retry or a final failure.
	OnTransition func(job Job, state JobState, err error)
}

// TaskRecorder receives one call per finished execution
type TaskRecorder interface {
	RecordAgentTask(agentType string, duration time.Duration, success bool)
}

type heartbeatKey struct{}

// Touch records progress for the job running under ctx so the stall
// detector leaves it alone. It is a no-op outside a pool execution.
func Touch(ctx context.Context) {
	if beat, ok := ctx.Value(heartbeatKey{}).(func()); ok {
		beat()
	}
}

func withHeartbeat(ctx context.Context, beat func()) context.Context {
	return context.WithValue(ctx, heartbeatKey{}, beat)
}

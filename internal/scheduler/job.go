package scheduler

import (
	"context"
	"encoding/json"
	"time"

	"github.com/t77yq/agent-orchestrator/internal/model"
)

// JobState is the queue-level lifecycle state of a job
type JobState string

const (
	JobStateWaiting   JobState = "waiting"
	JobStateDelayed   JobState = "delayed"
	JobStateActive    JobState = "active"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
)

// Policy controls retries and timeouts of a job. Zero fields fall back to the
// pool's defaults.
type Policy struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	Backoff     time.Duration `mapstructure:"backoff"`
	MaxBackoff  time.Duration `mapstructure:"max_backoff"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// DefaultPolicy returns the policy used when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: defaultMaxAttempts,
		Backoff:     defaultBackoff,
		MaxBackoff:  defaultMaxBackoff,
		Timeout:     defaultTimeout,
	}
}

// Merge fills zero fields of p from base.
func (p Policy) Merge(base Policy) Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = base.MaxAttempts
	}
	if p.Backoff <= 0 {
		p.Backoff = base.Backoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = base.MaxBackoff
	}
	if p.Timeout <= 0 {
		p.Timeout = base.Timeout
	}
	return p
}

func (p Policy) strategy() RetryStrategy {
	return &ExponentialBackoff{
		InitialDelay: p.Backoff,
		MaxDelay:     p.MaxBackoff,
		Multiplier:   2,
	}
}

// EnqueueRequest describes a new job
type EnqueueRequest struct {
	// ID is used as the job id when set; a UUID is generated otherwise.
	ID       string
	TaskType string
	Input    json.RawMessage
	Priority model.TaskPriority
	Policy   Policy
	// Delay postpones visibility to executors.
	Delay time.Duration

	recurringID string
}

// Job wraps a task with its queue state. Values handed out by the pool are
// copies.
type Job struct {
	ID          string             `json:"id"`
	Pool        string             `json:"pool"`
	TaskType    string             `json:"task_type"`
	Input       json.RawMessage    `json:"input,omitempty"`
	Priority    model.TaskPriority `json:"priority"`
	Policy      Policy             `json:"policy"`
	State       JobState           `json:"state"`
	Attempts    int                `json:"attempts"`
	Stalls      int                `json:"stalls"`
	RecurringID string             `json:"recurring_id,omitempty"`
	LastError   string             `json:"last_error,omitempty"`
	Output      json.RawMessage    `json:"output,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
	RunAt       time.Time          `json:"run_at"`
	StartedAt   *time.Time         `json:"started_at,omitempty"`
	FinishedAt  *time.Time         `json:"finished_at,omitempty"`

	seq       uint64
	index     int
	token     uint64
	parked    bool
	heartbeat time.Time
	cancel    context.CancelCauseFunc
}

func (j *Job) snapshot() Job {
	c := *j
	c.cancel = nil
	return c
}

// Terminal reports whether the job has finished for good.
func (j Job) Terminal() bool {
	return j.State == JobStateCompleted || j.State == JobStateFailed
}

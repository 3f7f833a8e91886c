// Package storage persists task records.
package storage

import (
	"context"
	"time"

	"github.com/t77yq/agent-orchestrator/internal/model"
)

// TaskStore defines the interface for task record storage. Failures to reach
// the backend are reported wrapping model.ErrStoreUnavailable; a missing task
// is model.ErrTaskNotFound.
type TaskStore interface {
	// CreateTask stores a new task record
	CreateTask(ctx context.Context, task *model.Task) error

	// UpdateTask applies update to an existing record
	UpdateTask(ctx context.Context, id string, update model.TaskUpdate) error

	// GetTask retrieves a task record by ID
	GetTask(ctx context.Context, id string) (*model.Task, error)

	// QueryTasks lists records matching filters, newest first
	QueryTasks(ctx context.Context, filters model.TaskFilters) ([]*model.Task, error)

	// DeleteBefore deletes finished records created before the given time
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)

	// CheckHealth reports whether the backend is reachable
	CheckHealth(ctx context.Context) error

	// Close releases the backend
	Close() error
}

func cloneTask(t *model.Task) *model.Task {
	c := *t
	c.Input = append([]byte(nil), t.Input...)
	if t.Output != nil {
		c.Output = append([]byte(nil), t.Output...)
	}
	if t.StartedAt != nil {
		started := *t.StartedAt
		c.StartedAt = &started
	}
	if t.CompletedAt != nil {
		completed := *t.CompletedAt
		c.CompletedAt = &completed
	}
	return &c
}

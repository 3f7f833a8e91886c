package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// TaskStatus represents the current status of a task
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusAssigned   TaskStatus = "assigned"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

// Terminal reports whether the status ends the task lifecycle.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// TaskPriority represents the priority level of a task. Lower values are
// dequeued first.
type TaskPriority int

const (
	TaskPriorityUrgent TaskPriority = 1
	TaskPriorityHigh   TaskPriority = 2
	TaskPriorityMedium TaskPriority = 3
	TaskPriorityLow    TaskPriority = 4

	DefaultTaskPriority = TaskPriorityMedium
)

var priorityNames = map[TaskPriority]string{
	TaskPriorityUrgent: "urgent",
	TaskPriorityHigh:   "high",
	TaskPriorityMedium: "medium",
	TaskPriorityLow:    "low",
}

func (p TaskPriority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// Valid reports whether p is one of the four known levels.
func (p TaskPriority) Valid() bool {
	_, ok := priorityNames[p]
	return ok
}

// OrDefault returns MEDIUM for the zero value.
func (p TaskPriority) OrDefault() TaskPriority {
	if p == 0 {
		return DefaultTaskPriority
	}
	return p
}

// ParsePriority maps a priority name to its numeric code. An empty string
// yields the default priority.
func ParsePriority(s string) (TaskPriority, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return DefaultTaskPriority, nil
	}
	for p, name := range priorityNames {
		if name == s {
			return p, nil
		}
	}
	return 0, &ValidationError{Field: "priority", Reason: fmt.Sprintf("unknown priority %q", s)}
}

// Task represents a unit of work routed to an agent
type Task struct {
	ID          string          `json:"id"`
	AgentType   AgentType       `json:"agent_type"`
	Type        string          `json:"type"`
	Priority    TaskPriority    `json:"priority"`
	Status      TaskStatus      `json:"status"`
	Input       json.RawMessage `json:"input,omitempty"`
	Output      json.RawMessage `json:"output,omitempty"`
	Error       string          `json:"error,omitempty"`
	SubmitterID string          `json:"submitter_id,omitempty"`
	Attempts    int             `json:"attempts"`

	// Timing fields
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// TaskUpdate carries the fields changed by a single Task Store write. Nil
// fields are left untouched.
type TaskUpdate struct {
	Status      *TaskStatus
	Output      json.RawMessage
	Error       *string
	Attempts    *int
	StartedAt   *time.Time
	CompletedAt *time.Time

	// Reset clears output, error and completion time before applying the
	// other fields. Used when a failed task is resubmitted.
	Reset bool
}

// Apply mutates t according to u and stamps UpdatedAt.
func (u TaskUpdate) Apply(t *Task, now time.Time) {
	if u.Reset {
		t.Output = nil
		t.Error = ""
		t.CompletedAt = nil
	}
	if u.Status != nil {
		t.Status = *u.Status
	}
	if len(u.Output) > 0 {
		t.Output = u.Output
	}
	if u.Error != nil {
		t.Error = *u.Error
	}
	if u.Attempts != nil {
		t.Attempts = *u.Attempts
	}
	if u.StartedAt != nil {
		t.StartedAt = u.StartedAt
	}
	if u.CompletedAt != nil {
		t.CompletedAt = u.CompletedAt
	}
	t.UpdatedAt = now
}

// StatusUpdate is a shorthand for a TaskUpdate that only changes the status.
func StatusUpdate(status TaskStatus) TaskUpdate {
	return TaskUpdate{Status: &status}
}

// TaskFilters defines the filters for listing tasks
type TaskFilters struct {
	AgentType   AgentType
	Type        string
	SubmitterID string
	Status      []TaskStatus
	Priority    []TaskPriority
	Since       time.Time
	Until       time.Time
	Limit       int
	Offset      int
}

// Matches applies the filters to a single task in memory.
func (f TaskFilters) Matches(t *Task) bool {
	if f.AgentType != "" && t.AgentType != f.AgentType {
		return false
	}
	if f.Type != "" && t.Type != f.Type {
		return false
	}
	if f.SubmitterID != "" && t.SubmitterID != f.SubmitterID {
		return false
	}
	if len(f.Status) > 0 {
		statusMatch := false
		for _, status := range f.Status {
			if t.Status == status {
				statusMatch = true
				break
			}
		}
		if !statusMatch {
			return false
		}
	}
	if len(f.Priority) > 0 {
		priorityMatch := false
		for _, priority := range f.Priority {
			if t.Priority == priority {
				priorityMatch = true
				break
			}
		}
		if !priorityMatch {
			return false
		}
	}
	if !f.Since.IsZero() && t.CreatedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !t.CreatedAt.Before(f.Until) {
		return false
	}
	return true
}

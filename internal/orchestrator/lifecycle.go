package orchestrator

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/agent-orchestrator/internal/agent"
	"github.com/t77yq/agent-orchestrator/internal/model"
	"github.com/t77yq/agent-orchestrator/internal/scheduler"
	"github.com/t77yq/agent-orchestrator/internal/service"
)

type admissionKey struct{}

// admission carries submission details from the caller to the OnCreate hook
type admission struct {
	submitterID string
	// resubmit reuses an existing task record instead of creating one
	resubmit bool
}

func withAdmission(ctx context.Context, a admission) context.Context {
	return context.WithValue(ctx, admissionKey{}, a)
}

// onCreate persists the task record before its job becomes visible
func (o *Orchestrator) onCreate(agentType model.AgentType) func(context.Context, scheduler.Job) error {
	return func(ctx context.Context, job scheduler.Job) error {
		adm, _ := ctx.Value(admissionKey{}).(admission)

		if adm.resubmit {
			pending := model.TaskStatusPending
			attempts := 0
			if err := o.store.UpdateTask(ctx, job.ID, model.TaskUpdate{
				Status:   &pending,
				Attempts: &attempts,
				Reset:    true,
			}); err != nil {
				return err
			}
		} else {
			submitter := adm.submitterID
			if submitter == "" && job.RecurringID != "" {
				submitter = "recurring:" + job.RecurringID
			}
			task := &model.Task{
				ID:          job.ID,
				AgentType:   agentType,
				Type:        job.TaskType,
				Priority:    job.Priority,
				Status:      model.TaskStatusPending,
				Input:       job.Input,
				SubmitterID: submitter,
				CreatedAt:   job.CreatedAt,
				UpdatedAt:   job.CreatedAt,
			}
			if err := o.store.CreateTask(ctx, task); err != nil {
				return err
			}
		}

		o.publish(agentType, job, model.TaskStatusPending, nil)
		return nil
	}
}

// onTransition mirrors every job state change into the task record and the
// event stream
func (o *Orchestrator) onTransition(agentType model.AgentType) func(scheduler.Job, scheduler.JobState, error) {
	return func(job scheduler.Job, state scheduler.JobState, cause error) {
		status, update := transitionUpdate(job, state, cause)

		ctx, cancel := context.WithTimeout(context.Background(), o.config.StoreTimeout)
		defer cancel()
		if err := o.store.UpdateTask(ctx, job.ID, update); err != nil {
			o.logger.Warn("Failed to persist task transition",
				zap.String("task_id", job.ID),
				zap.String("state", string(state)),
				zap.Error(err))
		}

		o.publish(agentType, job, status, cause)
	}
}

// transitionUpdate maps a job state to the task record change
func transitionUpdate(job scheduler.Job, state scheduler.JobState, cause error) (model.TaskStatus, model.TaskUpdate) {
	attempts := job.Attempts
	update := model.TaskUpdate{Attempts: &attempts}

	var status model.TaskStatus
	switch state {
	case scheduler.JobStateActive:
		status = model.TaskStatusAssigned
		update.StartedAt = job.StartedAt
	case scheduler.JobStateCompleted:
		status = model.TaskStatusCompleted
		update.Output = job.Output
		update.CompletedAt = finishedAt(job)
	case scheduler.JobStateFailed:
		status = model.TaskStatusFailed
		msg := job.LastError
		if cause != nil {
			msg = cause.Error()
		}
		update.Error = &msg
		update.CompletedAt = finishedAt(job)
	default:
		status = model.TaskStatusPending
		if cause != nil {
			msg := cause.Error()
			update.Error = &msg
		} else {
			// Manual retry: start over.
			update.Reset = true
		}
	}
	update.Status = &status
	return status, update
}

func finishedAt(job scheduler.Job) *time.Time {
	if job.FinishedAt != nil {
		return job.FinishedAt
	}
	now := time.Now()
	return &now
}

// process returns the pool executor running jobs on agent a
func (o *Orchestrator) process(agentType model.AgentType, a *agent.Agent) scheduler.ProcessFunc {
	return func(ctx context.Context, job scheduler.Job) (json.RawMessage, error) {
		processing := model.TaskStatusProcessing
		storeCtx, cancel := context.WithTimeout(ctx, o.config.StoreTimeout)
		if err := o.store.UpdateTask(storeCtx, job.ID, model.StatusUpdate(processing)); err != nil {
			o.logger.Warn("Failed to mark task processing",
				zap.String("task_id", job.ID),
				zap.Error(err))
		}
		cancel()
		o.publish(agentType, job, processing, nil)

		return a.Execute(ctx, *jobTask(agentType, job))
	}
}

func (o *Orchestrator) publish(agentType model.AgentType, job scheduler.Job, status model.TaskStatus, cause error) {
	if o.events == nil {
		return
	}
	event := service.TaskEvent{
		TaskID:    job.ID,
		AgentType: agentType,
		TaskType:  job.TaskType,
		State:     string(status),
		Attempt:   job.Attempts,
		Timestamp: time.Now(),
	}
	if cause != nil {
		event.Error = cause.Error()
	}
	o.events.PublishTask(event)
}

// jobTask rebuilds a task from the in-memory job. It backs reads while the
// store is unavailable and feeds the agent on execution.
func jobTask(agentType model.AgentType, job scheduler.Job) *model.Task {
	task := &model.Task{
		ID:        job.ID,
		AgentType: agentType,
		Type:      job.TaskType,
		Priority:  job.Priority,
		Input:     job.Input,
		Error:     job.LastError,
		Attempts:  job.Attempts,
		CreatedAt: job.CreatedAt,
		UpdatedAt: job.CreatedAt,
		StartedAt: job.StartedAt,
	}
	if job.StartedAt != nil {
		task.UpdatedAt = *job.StartedAt
	}

	switch job.State {
	case scheduler.JobStateActive:
		task.Status = model.TaskStatusProcessing
	case scheduler.JobStateCompleted:
		task.Status = model.TaskStatusCompleted
		task.Output = job.Output
		task.CompletedAt = job.FinishedAt
	case scheduler.JobStateFailed:
		task.Status = model.TaskStatusFailed
		task.CompletedAt = job.FinishedAt
	default:
		task.Status = model.TaskStatusPending
	}
	if task.CompletedAt != nil {
		task.UpdatedAt = *task.CompletedAt
	}
	return task
}

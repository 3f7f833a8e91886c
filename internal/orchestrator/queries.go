package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/t77yq/agent-orchestrator/internal/model"
	"github.com/t77yq/agent-orchestrator/internal/monitor"
	"github.com/t77yq/agent-orchestrator/internal/scheduler"
	"github.com/t77yq/agent-orchestrator/internal/storage"
)

// OrchestratorStats is a point-in-time view of the whole system
type OrchestratorStats struct {
	Agents    map[model.AgentType]model.AgentSnapshot `json:"agents"`
	Queues    map[model.AgentType]scheduler.Stats     `json:"queues"`
	Health    model.SystemHealth                      `json:"health"`
	Resources *monitor.ResourceUsage                  `json:"resources,omitempty"`
}

// GetTaskStatus returns the stored task record. While the store is
// unavailable the task is rebuilt from the job held in memory.
func (o *Orchestrator) GetTaskStatus(ctx context.Context, id string) (*model.Task, error) {
	task, err := o.store.GetTask(ctx, id)
	if err == nil {
		return task, nil
	}
	if !errors.Is(err, model.ErrStoreUnavailable) {
		return nil, err
	}

	for agentType, pool := range o.poolSet() {
		if job, ok := pool.Job(id); ok {
			o.logger.Warn("Task store unavailable, serving task from memory",
				zap.String("task_id", id),
				zap.Error(err))
			return jobTask(agentType, job), nil
		}
	}
	return nil, err
}

// GetTaskHistory lists stored tasks matching filters, newest first. While
// the store is unavailable the jobs held in memory are listed instead.
func (o *Orchestrator) GetTaskHistory(ctx context.Context, filters model.TaskFilters) ([]*model.Task, error) {
	tasks, err := o.store.QueryTasks(ctx, filters)
	if err == nil {
		return tasks, nil
	}
	if !errors.Is(err, model.ErrStoreUnavailable) {
		return nil, err
	}

	o.logger.Warn("Task store unavailable, serving history from memory", zap.Error(err))

	tasks = make([]*model.Task, 0)
	for agentType, pool := range o.poolSet() {
		if filters.AgentType != "" && filters.AgentType != agentType {
			continue
		}
		for _, job := range pool.Jobs() {
			if task := jobTask(agentType, job); filters.Matches(task) {
				tasks = append(tasks, task)
			}
		}
	}
	storage.SortNewestFirst(tasks)
	return storage.Paginate(tasks, filters.Offset, filters.Limit), nil
}

// GetAgentStatus returns snapshots of every agent, or of one agent type
func (o *Orchestrator) GetAgentStatus(agentType model.AgentType) (map[model.AgentType]model.AgentSnapshot, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	if agentType != "" {
		a, ok := o.agents[agentType]
		if !ok {
			return nil, model.NewValidationError("agent_type", "unknown agent type %q", agentType)
		}
		return map[model.AgentType]model.AgentSnapshot{agentType: a.Snapshot()}, nil
	}

	snapshots := make(map[model.AgentType]model.AgentSnapshot, len(o.agents))
	for t, a := range o.agents {
		snapshots[t] = a.Snapshot()
	}
	return snapshots, nil
}

// GetAgentMetrics returns the metrics of every agent, or of one agent type
func (o *Orchestrator) GetAgentMetrics(agentType model.AgentType) (map[model.AgentType]model.AgentMetrics, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	if agentType != "" {
		a, ok := o.agents[agentType]
		if !ok {
			return nil, model.NewValidationError("agent_type", "unknown agent type %q", agentType)
		}
		return map[model.AgentType]model.AgentMetrics{agentType: a.Metrics()}, nil
	}

	metrics := make(map[model.AgentType]model.AgentMetrics, len(o.agents))
	for t, a := range o.agents {
		metrics[t] = a.Metrics()
	}
	return metrics, nil
}

// GetOrchestratorStats aggregates agent, queue and health state
func (o *Orchestrator) GetOrchestratorStats(ctx context.Context) (OrchestratorStats, error) {
	o.mu.RLock()
	initialized := o.initialized
	o.mu.RUnlock()
	if !initialized {
		return OrchestratorStats{}, ErrNotInitialized
	}

	agents, err := o.GetAgentStatus("")
	if err != nil {
		return OrchestratorStats{}, fmt.Errorf("agent status: %w", err)
	}

	pools := o.poolSet()
	queues := make(map[model.AgentType]scheduler.Stats, len(pools))
	for t, pool := range pools {
		queues[t] = pool.Stats()
	}

	stats := OrchestratorStats{
		Agents: agents,
		Queues: queues,
		Health: o.CheckHealth(ctx),
	}
	if usage, ok := o.sampler.Last(); ok {
		stats.Resources = &usage
	}
	return stats, nil
}

// MetricsSnapshot exports the metrics recorder
func (o *Orchestrator) MetricsSnapshot() monitor.Snapshot {
	return o.recorder.Snapshot()
}

// HealthAlerts returns the retained health tier changes
func (o *Orchestrator) HealthAlerts() []model.HealthAlert {
	return o.alerts.Alerts()
}

func (o *Orchestrator) poolSet() map[model.AgentType]*scheduler.WorkerPool {
	o.mu.RLock()
	defer o.mu.RUnlock()

	pools := make(map[model.AgentType]*scheduler.WorkerPool, len(o.pools))
	for t, pool := range o.pools {
		pools[t] = pool
	}
	return pools
}

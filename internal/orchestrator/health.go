package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/agent-orchestrator/internal/model"
)

// CheckHealth computes the current system health. It is derived from live
// state on every call.
func (o *Orchestrator) CheckHealth(ctx context.Context) model.SystemHealth {
	storeCtx, cancel := context.WithTimeout(ctx, o.config.StoreTimeout)
	storeErr := o.store.CheckHealth(storeCtx)
	cancel()
	if storeErr != nil {
		o.logger.Debug("Task store health check failed", zap.Error(storeErr))
	}

	health := model.SystemHealth{
		StoreReachable: storeErr == nil,
		Agents:         make(map[model.AgentType]bool),
		Queues:         make(map[model.AgentType]bool),
	}

	o.mu.RLock()
	healthyAgents := 0
	for t, a := range o.agents {
		ok := a.IsHealthy()
		health.Agents[t] = ok
		if ok {
			healthyAgents++
		}
	}
	responsiveQueues := 0
	for t, pool := range o.pools {
		ok := pool.Responsive()
		health.Queues[t] = ok
		if ok {
			responsiveQueues++
		}
	}
	o.mu.RUnlock()

	health.AgentRatio = ratio(healthyAgents, len(health.Agents))
	health.QueueRatio = ratio(responsiveQueues, len(health.Queues))
	health.Overall = classify(health, o.config.DegradedThreshold)
	return health
}

func ratio(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(n) / float64(total)
}

// classify maps the health inputs to a tier: an unreachable store is always
// unhealthy, full ratios are healthy, ratios at or above threshold are
// degraded.
func classify(h model.SystemHealth, threshold float64) model.HealthStatus {
	switch {
	case !h.StoreReachable:
		return model.HealthStatusUnhealthy
	case h.AgentRatio == 1 && h.QueueRatio == 1:
		return model.HealthStatusHealthy
	case h.AgentRatio >= threshold && h.QueueRatio >= threshold:
		return model.HealthStatusDegraded
	default:
		return model.HealthStatusUnhealthy
	}
}

// healthLoop samples host resources and system health every interval and
// raises an alert on every tier change
func (o *Orchestrator) healthLoop(ctx context.Context) {
	defer o.loops.Done()

	ticker := time.NewTicker(o.config.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.runHealthCheck(ctx)
		}
	}
}

func (o *Orchestrator) runHealthCheck(ctx context.Context) {
	if _, err := o.sampler.Sample(ctx); err != nil && ctx.Err() == nil {
		o.logger.Warn("Failed to sample host resources", zap.Error(err))
	}

	health := o.CheckHealth(ctx)
	if ctx.Err() != nil {
		return
	}
	o.alerts.Observe(health)

	o.logger.Debug("Health check",
		zap.String("overall", string(health.Overall)),
		zap.Float64("agent_ratio", health.AgentRatio),
		zap.Float64("queue_ratio", health.QueueRatio),
		zap.Bool("store_reachable", health.StoreReachable))
}

// cleanupLoop deletes finished task records past the retention period
func (o *Orchestrator) cleanupLoop(ctx context.Context) {
	defer o.loops.Done()

	ticker := time.NewTicker(o.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			o.cleanup(ctx, now)
		}
	}
}

func (o *Orchestrator) cleanup(ctx context.Context, now time.Time) {
	cutoff := now.Add(-o.config.HistoryRetention)
	deleted, err := o.store.DeleteBefore(ctx, cutoff)
	if err != nil {
		o.logger.Error("Failed to clean up task history", zap.Error(err))
		return
	}
	if deleted > 0 {
		o.logger.Info("Cleaned up task history",
			zap.Time("before", cutoff),
			zap.Int64("deleted", deleted))
	}
}

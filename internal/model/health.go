package model

import "time"

// HealthStatus is the three-tier overall health of the system
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// SystemHealth is derived from live agent, pool and store state. It is
// recomputed on every query and never persisted.
type SystemHealth struct {
	Overall        HealthStatus       `json:"overall"`
	StoreReachable bool               `json:"store_reachable"`
	AgentRatio     float64            `json:"agent_ratio"`
	QueueRatio     float64            `json:"queue_ratio"`
	Agents         map[AgentType]bool `json:"agents"`
	Queues         map[AgentType]bool `json:"queues"`
}

// HealthAlert records a change of the overall health tier.
type HealthAlert struct {
	From      HealthStatus `json:"from"`
	To        HealthStatus `json:"to"`
	Message   string       `json:"message"`
	CreatedAt time.Time    `json:"created_at"`
}

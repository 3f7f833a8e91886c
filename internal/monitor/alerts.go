package monitor

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/agent-orchestrator/internal/model"
)

const defaultAlertHistory = 100

// NotificationChannel represents a channel for sending health alerts
type NotificationChannel interface {
	Send(alert model.HealthAlert) error
}

// AlertTracker raises an alert whenever the overall health tier changes
type AlertTracker struct {
	logger *zap.Logger
	limit  int

	mu       sync.Mutex
	current  model.HealthStatus
	alerts   []model.HealthAlert
	channels map[string]NotificationChannel
}

// NewAlertTracker creates a tracker keeping the last limit alerts. The
// system is assumed healthy until the first observation says otherwise.
func NewAlertTracker(limit int, logger *zap.Logger) *AlertTracker {
	if limit <= 0 {
		limit = defaultAlertHistory
	}
	return &AlertTracker{
		logger:   logger.Named("alert-tracker"),
		limit:    limit,
		current:  model.HealthStatusHealthy,
		channels: make(map[string]NotificationChannel),
	}
}

// AddChannel registers a notification channel under name
func (t *AlertTracker) AddChannel(name string, ch NotificationChannel) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.channels[name] = ch
}

// Observe compares health with the previous tier and returns the alert
// raised by a change
func (t *AlertTracker) Observe(health model.SystemHealth) (model.HealthAlert, bool) {
	t.mu.Lock()
	if health.Overall == t.current {
		t.mu.Unlock()
		return model.HealthAlert{}, false
	}

	alert := model.HealthAlert{
		From: t.current,
		To:   health.Overall,
		Message: fmt.Sprintf("system health changed from %s to %s (agents %.0f%%, queues %.0f%%, store reachable: %t)",
			t.current, health.Overall, health.AgentRatio*100, health.QueueRatio*100, health.StoreReachable),
		CreatedAt: time.Now(),
	}
	t.current = health.Overall
	t.alerts = append(t.alerts, alert)
	if over := len(t.alerts) - t.limit; over > 0 {
		t.alerts = append(t.alerts[:0:0], t.alerts[over:]...)
	}

	channels := make(map[string]NotificationChannel, len(t.channels))
	for name, ch := range t.channels {
		channels[name] = ch
	}
	t.mu.Unlock()

	logFn := t.logger.Warn
	if alert.To == model.HealthStatusHealthy {
		logFn = t.logger.Info
	}
	logFn("Health changed",
		zap.String("from", string(alert.From)),
		zap.String("to", string(alert.To)),
		zap.Float64("agent_ratio", health.AgentRatio),
		zap.Float64("queue_ratio", health.QueueRatio),
		zap.Bool("store_reachable", health.StoreReachable))

	for name, ch := range channels {
		if err := ch.Send(alert); err != nil {
			t.logger.Error("Failed to send alert",
				zap.String("channel", name),
				zap.Error(err))
		}
	}

	return alert, true
}

// Current returns the last observed tier
func (t *AlertTracker) Current() model.HealthStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

// Alerts returns the retained alerts, oldest first
func (t *AlertTracker) Alerts() []model.HealthAlert {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]model.HealthAlert(nil), t.alerts...)
}

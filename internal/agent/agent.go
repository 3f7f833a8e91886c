// Package agent implements the stateful worker of one domain: a handler
// table keyed by task type, bounded memory, incremental metrics and the
// status machine read by the health monitor.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/agent-orchestrator/internal/model"
)

// healthySuccessRate is the success rate an active agent must exceed to be
// considered healthy
const healthySuccessRate = 50.0

// Config defines how an agent is built
type Config struct {
	ID       string
	Type     model.AgentType
	Settings model.AgentConfig

	ShortTermSize int
	HistorySize   int
}

func (c Config) validate() error {
	if c.Type == "" {
		return model.NewValidationError("agent_type", "must not be empty")
	}
	if c.Settings.Temperature < 0 || c.Settings.Temperature > 2 {
		return model.NewValidationError("temperature", "%.2f out of range [0, 2]", c.Settings.Temperature)
	}
	if c.Settings.MaxTokens < 0 {
		return model.NewValidationError("max_tokens", "must not be negative")
	}
	return nil
}

// Option configures an Agent
type Option func(*Agent)

// WithLogger sets the agent logger
func WithLogger(logger *zap.Logger) Option {
	return func(a *Agent) { a.logger = logger }
}

// WithRelevanceScorer replaces FrequencyScorer
func WithRelevanceScorer(s RelevanceScorer) Option {
	return func(a *Agent) { a.scorer = s }
}

// Agent executes the tasks of one agent type
type Agent struct {
	id           string
	agentType    model.AgentType
	settings     model.AgentConfig
	handlers     HandlerTable
	capabilities []model.Capability
	memory       *Memory
	scorer       RelevanceScorer
	logger       *zap.Logger

	mu       sync.Mutex
	status   model.AgentStatus
	metrics  model.AgentMetrics
	inFlight int
}

// New creates an active agent
func New(config Config, handlers HandlerTable, opts ...Option) (*Agent, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	if len(handlers) == 0 {
		return nil, model.NewValidationError("handlers", "agent %s has no task handlers", config.Type)
	}

	id := config.ID
	if id == "" {
		id = uuid.New().String()
	}

	table := make(HandlerTable, len(handlers))
	for k, v := range handlers {
		table[k] = v
	}

	a := &Agent{
		id:           id,
		agentType:    config.Type,
		settings:     config.Settings,
		handlers:     table,
		capabilities: table.Capabilities(),
		memory:       newMemory(config.ShortTermSize, config.HistorySize),
		scorer:       FrequencyScorer,
		logger:       zap.NewNop(),
		status:       model.AgentStatusActive,
		metrics:      model.AgentMetrics{SuccessRate: 100},
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.Named("agent").With(zap.String("agent_type", string(a.agentType)))

	return a, nil
}

// ID returns the agent id
func (a *Agent) ID() string { return a.id }

// Type returns the agent type
func (a *Agent) Type() model.AgentType { return a.agentType }

// Memory returns the agent memory
func (a *Agent) Memory() *Memory { return a.memory }

// Supports reports whether the agent has a handler for taskType
func (a *Agent) Supports(taskType string) bool {
	_, ok := a.handlers[taskType]
	return ok
}

// Execute runs the handler for task.Type. Handler errors are returned as
// *model.ExecutionError; an unknown task type is a *model.ValidationError
// and runs nothing.
func (a *Agent) Execute(ctx context.Context, task model.Task) (json.RawMessage, error) {
	h, ok := a.handlers[task.Type]
	if !ok {
		return nil, model.NewValidationError("task_type", "agent %s does not handle %q", a.agentType, task.Type)
	}

	a.mu.Lock()
	a.inFlight++
	if a.status != model.AgentStatusInactive {
		a.status = model.AgentStatusProcessing
	}
	a.mu.Unlock()

	history := a.memory.History()
	tc := TaskContext{
		AgentID:        a.id,
		Config:         a.settings,
		Relevance:      a.scorer.Score(task, history),
		RelevantMemory: a.memory.relevant(task.Type, relevantMemoryLimit),
		Memory:         a.memory,
	}

	start := time.Now()
	output, err := handle(ctx, h, task, tc)
	duration := time.Since(start)

	a.mu.Lock()
	a.inFlight--
	a.updateMetrics(duration, err)
	if err == nil {
		a.memory.record(model.MemoryEntry{
			TaskID:    task.ID,
			TaskType:  task.Type,
			Output:    output,
			Timestamp: time.Now(),
		})
		if a.status != model.AgentStatusInactive {
			if a.inFlight > 0 {
				a.status = model.AgentStatusProcessing
			} else {
				a.status = model.AgentStatusActive
			}
		}
	} else if a.status != model.AgentStatusInactive {
		a.status = model.AgentStatusError
	}
	a.mu.Unlock()

	if err != nil {
		a.logger.Warn("Task failed",
			zap.String("task_id", task.ID),
			zap.String("task_type", task.Type),
			zap.Duration("duration", duration),
			zap.Error(err))
		return nil, &model.ExecutionError{TaskID: task.ID, Attempt: task.Attempts, Err: err}
	}

	a.logger.Debug("Task processed",
		zap.String("task_id", task.ID),
		zap.String("task_type", task.Type),
		zap.Duration("duration", duration))
	return output, nil
}

// ErrHandlerPanicked marks a handler that panicked instead of returning
var ErrHandlerPanicked = errors.New("handler panicked")

// handle calls h, turning a panic into an error so the agent's bookkeeping
// still runs
func handle(ctx context.Context, h Handler, task model.Task, tc TaskContext) (output json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			output, err = nil, fmt.Errorf("%w: %v", ErrHandlerPanicked, r)
		}
	}()
	return h.Handle(ctx, task, tc)
}

// updateMetrics folds one execution into the running metrics without
// recounting. Caller holds a.mu.
func (a *Agent) updateMetrics(duration time.Duration, err error) {
	m := &a.metrics
	m.TasksProcessed++
	n := float64(m.TasksProcessed)

	outcome := 100.0
	if err != nil {
		outcome = 0
		now := time.Now()
		m.Failures++
		m.LastError = err.Error()
		m.LastErrorTime = &now
	}
	m.SuccessRate = (m.SuccessRate*(n-1) + outcome) / n
	m.AverageExecutionTime += time.Duration((float64(duration) - float64(m.AverageExecutionTime)) / n)
}

// Status returns the current status
func (a *Agent) Status() model.AgentStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// IsHealthy reports whether the agent is active with a success rate above 50%
func (a *Agent) IsHealthy() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.healthy()
}

func (a *Agent) healthy() bool {
	return a.status == model.AgentStatusActive && a.metrics.SuccessRate > healthySuccessRate
}

// Deactivate marks the agent inactive
func (a *Agent) Deactivate() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.status = model.AgentStatusInactive
}

// Activate returns an inactive agent to active. Other states are left alone.
func (a *Agent) Activate() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.status == model.AgentStatusInactive {
		a.status = model.AgentStatusActive
	}
}

// Metrics returns a copy of the agent metrics
func (a *Agent) Metrics() model.AgentMetrics {
	a.mu.Lock()
	defer a.mu.Unlock()
	return copyMetrics(a.metrics)
}

// Snapshot returns a copy of the agent state
func (a *Agent) Snapshot() model.AgentSnapshot {
	shortTerm, longTerm, history := a.memory.sizes()

	a.mu.Lock()
	defer a.mu.Unlock()

	return model.AgentSnapshot{
		ID:            a.id,
		Type:          a.agentType,
		Status:        a.status,
		Healthy:       a.healthy(),
		Capabilities:  append([]model.Capability(nil), a.capabilities...),
		Config:        a.settings,
		Metrics:       copyMetrics(a.metrics),
		ShortTermSize: shortTerm,
		LongTermSize:  longTerm,
		ContextSize:   history,
		InFlight:      a.inFlight,
	}
}

func copyMetrics(m model.AgentMetrics) model.AgentMetrics {
	if m.LastErrorTime != nil {
		t := *m.LastErrorTime
		m.LastErrorTime = &t
	}
	return m
}

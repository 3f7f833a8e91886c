package model

import (
	"encoding/json"
	"time"
)

// AgentType identifies the domain an agent works in. Exactly one agent and
// one worker pool exist per type.
type AgentType string

const (
	AgentTypeRecipe     AgentType = "recipe"
	AgentTypeBatch      AgentType = "batch"
	AgentTypeInventory  AgentType = "inventory"
	AgentTypeCompliance AgentType = "compliance"
	AgentTypeCustomer   AgentType = "customer"
	AgentTypeFinance    AgentType = "finance"
)

// KnownAgentTypes lists the built-in domains in a stable order.
var KnownAgentTypes = []AgentType{
	AgentTypeRecipe,
	AgentTypeBatch,
	AgentTypeInventory,
	AgentTypeCompliance,
	AgentTypeCustomer,
	AgentTypeFinance,
}

// AgentStatus represents the status of an agent
type AgentStatus string

const (
	AgentStatusActive     AgentStatus = "active"
	AgentStatusInactive   AgentStatus = "inactive"
	AgentStatusProcessing AgentStatus = "processing"
	AgentStatusError      AgentStatus = "error"
)

// Capability describes one operation an agent declares. Informational only.
type Capability struct {
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Parameters  map[string]string `json:"parameters,omitempty"`
}

// AgentConfig is the model configuration handed to task handlers. The core
// never interprets it.
type AgentConfig struct {
	Model        string  `json:"model" mapstructure:"model"`
	Temperature  float64 `json:"temperature" mapstructure:"temperature"`
	MaxTokens    int     `json:"max_tokens" mapstructure:"max_tokens"`
	SystemPrompt string  `json:"system_prompt,omitempty" mapstructure:"system_prompt"`
}

// AgentMetrics represents agent performance statistics
type AgentMetrics struct {
	TasksProcessed       int64         `json:"tasks_processed"`
	Failures             int64         `json:"failures"`
	SuccessRate          float64       `json:"success_rate"`
	AverageExecutionTime time.Duration `json:"average_execution_time"`
	LastError            string        `json:"last_error,omitempty"`
	LastErrorTime        *time.Time    `json:"last_error_time,omitempty"`
}

// MemoryEntry is one short-term memory record: the result of a finished task.
type MemoryEntry struct {
	TaskID    string          `json:"task_id"`
	TaskType  string          `json:"task_type"`
	Output    json.RawMessage `json:"output,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// ContextEntry is one record of the rolling context history used for
// relevance scoring.
type ContextEntry struct {
	TaskID    string    `json:"task_id"`
	TaskType  string    `json:"task_type"`
	Timestamp time.Time `json:"timestamp"`
}

// AgentSnapshot is a read-only copy of an agent's state.
type AgentSnapshot struct {
	ID            string       `json:"id"`
	Type          AgentType    `json:"type"`
	Status        AgentStatus  `json:"status"`
	Healthy       bool         `json:"healthy"`
	Capabilities  []Capability `json:"capabilities"`
	Config        AgentConfig  `json:"config"`
	Metrics       AgentMetrics `json:"metrics"`
	ShortTermSize int          `json:"short_term_size"`
	LongTermSize  int          `json:"long_term_size"`
	ContextSize   int          `json:"context_size"`
	InFlight      int          `json:"in_flight"`
}

package agent

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/t77yq/agent-orchestrator/internal/model"
)

// Handler performs one task type for an agent
type Handler interface {
	Handle(ctx context.Context, task model.Task, tc TaskContext) (json.RawMessage, error)
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, task model.Task, tc TaskContext) (json.RawMessage, error)

// Handle implements Handler
func (f HandlerFunc) Handle(ctx context.Context, task model.Task, tc TaskContext) (json.RawMessage, error) {
	return f(ctx, task, tc)
}

// Describer is implemented by handlers that document their capability.
// Handlers without it are listed under their task type only.
type Describer interface {
	Capability() model.Capability
}

// HandlerTable maps task types to handlers for a single agent type
type HandlerTable map[string]Handler

// Capabilities lists the declared operations of the table, sorted by name
func (t HandlerTable) Capabilities() []model.Capability {
	caps := make([]model.Capability, 0, len(t))
	for taskType, h := range t {
		c := model.Capability{Name: taskType}
		if d, ok := h.(Describer); ok {
			c = d.Capability()
			c.Name = taskType
		}
		caps = append(caps, c)
	}
	sort.Slice(caps, func(i, j int) bool { return caps[i].Name < caps[j].Name })
	return caps
}

// TaskContext is handed to a handler with every task
type TaskContext struct {
	AgentID string
	Config  model.AgentConfig

	// Relevance in [0,1] scores how familiar the agent is with the task type.
	Relevance float64

	// RelevantMemory holds the latest results of the same task type,
	// newest first.
	RelevantMemory []model.MemoryEntry

	// Memory gives access to the agent's long-term key/value store.
	Memory LongTermMemory
}

// LongTermMemory is the part of agent memory handlers may use
type LongTermMemory interface {
	Remember(key string, value interface{})
	Recall(key string) (interface{}, bool)
}

// Registry collects handler tables per agent type
type Registry struct {
	mu     sync.RWMutex
	tables map[model.AgentType]HandlerTable
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{tables: make(map[model.AgentType]HandlerTable)}
}

// Register binds h to a task type of an agent type, replacing any previous
// handler for the pair
func (r *Registry) Register(agentType model.AgentType, taskType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	table, ok := r.tables[agentType]
	if !ok {
		table = make(HandlerTable)
		r.tables[agentType] = table
	}
	table[taskType] = h
}

// Handle registers a handler function
func (r *Registry) Handle(agentType model.AgentType, taskType string, fn HandlerFunc) {
	r.Register(agentType, taskType, fn)
}

// Table returns a copy of the handler table of an agent type
func (r *Registry) Table(agentType model.AgentType) (HandlerTable, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	table, ok := r.tables[agentType]
	if !ok {
		return nil, false
	}
	cp := make(HandlerTable, len(table))
	for k, v := range table {
		cp[k] = v
	}
	return cp, true
}

// Types lists the registered agent types in a stable order
func (r *Registry) Types() []model.AgentType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]model.AgentType, 0, len(r.tables))
	for t := range r.tables {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

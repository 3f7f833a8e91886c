package agent

import (
	"sync"

	"github.com/t77yq/agent-orchestrator/internal/model"
)

const (
	defaultShortTermSize = 100
	defaultHistorySize   = 50
	relevantMemoryLimit  = 5
)

// Memory holds what an agent keeps between tasks: a bounded short-term
// cache of results, an unbounded long-term key/value store and a bounded
// context history used for relevance scoring.
type Memory struct {
	mu sync.RWMutex

	shortTerm    []model.MemoryEntry
	shortTermCap int
	longTerm     map[string]interface{}
	history      []model.ContextEntry
	historyCap   int
}

func newMemory(shortTermCap, historyCap int) *Memory {
	if shortTermCap <= 0 {
		shortTermCap = defaultShortTermSize
	}
	if historyCap <= 0 {
		historyCap = defaultHistorySize
	}
	return &Memory{
		shortTermCap: shortTermCap,
		longTerm:     make(map[string]interface{}),
		historyCap:   historyCap,
	}
}

// Remember stores a long-term value
func (m *Memory) Remember(key string, value interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.longTerm[key] = value
}

// Recall reads a long-term value
func (m *Memory) Recall(key string) (interface{}, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.longTerm[key]
	return v, ok
}

// Forget deletes a long-term value
func (m *Memory) Forget(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.longTerm, key)
}

// record appends a finished task to short-term memory and the context
// history, dropping the oldest entries beyond capacity.
func (m *Memory) record(entry model.MemoryEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.shortTerm = append(m.shortTerm, entry)
	if over := len(m.shortTerm) - m.shortTermCap; over > 0 {
		m.shortTerm = append(m.shortTerm[:0:0], m.shortTerm[over:]...)
	}

	m.history = append(m.history, model.ContextEntry{
		TaskID:    entry.TaskID,
		TaskType:  entry.TaskType,
		Timestamp: entry.Timestamp,
	})
	if over := len(m.history) - m.historyCap; over > 0 {
		m.history = append(m.history[:0:0], m.history[over:]...)
	}
}

// ShortTerm returns a copy of short-term memory, oldest first
func (m *Memory) ShortTerm() []model.MemoryEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]model.MemoryEntry(nil), m.shortTerm...)
}

// History returns a copy of the context history, oldest first
func (m *Memory) History() []model.ContextEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]model.ContextEntry(nil), m.history...)
}

// relevant returns up to limit short-term entries of a task type, newest
// first.
func (m *Memory) relevant(taskType string, limit int) []model.MemoryEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var entries []model.MemoryEntry
	for i := len(m.shortTerm) - 1; i >= 0 && len(entries) < limit; i-- {
		if m.shortTerm[i].TaskType == taskType {
			entries = append(entries, m.shortTerm[i])
		}
	}
	return entries
}

func (m *Memory) sizes() (shortTerm, longTerm, history int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.shortTerm), len(m.longTerm), len(m.history)
}

package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/t77yq/agent-orchestrator/internal/model"
)

var errStoreClosed = errors.New("store closed")

// MemoryStore implements TaskStore in process memory
type MemoryStore struct {
	mu     sync.RWMutex
	tasks  map[string]*model.Task
	closed bool
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]*model.Task)}
}

// CreateTask implements TaskStore.CreateTask
func (s *MemoryStore) CreateTask(_ context.Context, task *model.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return model.StoreError("create task", errStoreClosed)
	}
	if _, exists := s.tasks[task.ID]; exists {
		return fmt.Errorf("task %s already exists", task.ID)
	}
	s.tasks[task.ID] = cloneTask(task)
	return nil
}

// UpdateTask implements TaskStore.UpdateTask
func (s *MemoryStore) UpdateTask(_ context.Context, id string, update model.TaskUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return model.StoreError("update task", errStoreClosed)
	}
	task, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", model.ErrTaskNotFound, id)
	}
	update.Apply(task, time.Now())
	return nil
}

// GetTask implements TaskStore.GetTask
func (s *MemoryStore) GetTask(_ context.Context, id string) (*model.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, model.StoreError("get task", errStoreClosed)
	}
	task, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrTaskNotFound, id)
	}
	return cloneTask(task), nil
}

// QueryTasks implements TaskStore.QueryTasks
func (s *MemoryStore) QueryTasks(_ context.Context, filters model.TaskFilters) ([]*model.Task, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, model.StoreError("query tasks", errStoreClosed)
	}
	var tasks []*model.Task
	for _, task := range s.tasks {
		if filters.Matches(task) {
			tasks = append(tasks, cloneTask(task))
		}
	}
	s.mu.RUnlock()

	SortNewestFirst(tasks)
	return Paginate(tasks, filters.Offset, filters.Limit), nil
}

// DeleteBefore implements TaskStore.DeleteBefore
func (s *MemoryStore) DeleteBefore(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, model.StoreError("delete tasks", errStoreClosed)
	}
	var deleted int64
	for id, task := range s.tasks {
		if task.Status.Terminal() && task.CreatedAt.Before(before) {
			delete(s.tasks, id)
			deleted++
		}
	}
	return deleted, nil
}

// CheckHealth implements TaskStore.CheckHealth
func (s *MemoryStore) CheckHealth(context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return model.StoreError("health check", errStoreClosed)
	}
	return nil
}

// Close implements TaskStore.Close
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// SortNewestFirst orders tasks by creation time, newest first, then by id
func SortNewestFirst(tasks []*model.Task) {
	sort.Slice(tasks, func(i, j int) bool {
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
		}
		return tasks[i].ID < tasks[j].ID
	})
}

// Paginate applies offset and limit (zero means no limit)
func Paginate(tasks []*model.Task, offset, limit int) []*model.Task {
	if offset > 0 {
		if offset >= len(tasks) {
			return nil
		}
		tasks = tasks[offset:]
	}
	if limit > 0 && limit < len(tasks) {
		tasks = tasks[:limit]
	}
	return tasks
}

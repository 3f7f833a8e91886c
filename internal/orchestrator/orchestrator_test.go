package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/agent-orchestrator/internal/agent"
	"github.com/t77yq/agent-orchestrator/internal/model"
	"github.com/t77yq/agent-orchestrator/internal/scheduler"
	"github.com/t77yq/agent-orchestrator/internal/service"
	"github.com/t77yq/agent-orchestrator/internal/storage"
)

// flakyStore is a MemoryStore that can be switched unreachable
type flakyStore struct {
	*storage.MemoryStore
	down atomic.Bool
}

func newFlakyStore() *flakyStore {
	return &flakyStore{MemoryStore: storage.NewMemoryStore()}
}

var errConnRefused = errors.New("connection refused")

func (s *flakyStore) CreateTask(ctx context.Context, task *model.Task) error {
	if s.down.Load() {
		return model.StoreError("create task", errConnRefused)
	}
	return s.MemoryStore.CreateTask(ctx, task)
}

func (s *flakyStore) UpdateTask(ctx context.Context, id string, update model.TaskUpdate) error {
	if s.down.Load() {
		return model.StoreError("update task", errConnRefused)
	}
	return s.MemoryStore.UpdateTask(ctx, id, update)
}

func (s *flakyStore) GetTask(ctx context.Context, id string) (*model.Task, error) {
	if s.down.Load() {
		return nil, model.StoreError("get task", errConnRefused)
	}
	return s.MemoryStore.GetTask(ctx, id)
}

func (s *flakyStore) QueryTasks(ctx context.Context, filters model.TaskFilters) ([]*model.Task, error) {
	if s.down.Load() {
		return nil, model.StoreError("query tasks", errConnRefused)
	}
	return s.MemoryStore.QueryTasks(ctx, filters)
}

func (s *flakyStore) CheckHealth(ctx context.Context) error {
	if s.down.Load() {
		return model.StoreError("health check", errConnRefused)
	}
	return s.MemoryStore.CheckHealth(ctx)
}

// recordingSink collects published events and alerts
type recordingSink struct {
	mu      sync.Mutex
	events  []service.TaskEvent
	alerts  []model.HealthAlert
	stopped atomic.Bool
}

func (s *recordingSink) PublishTask(event service.TaskEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *recordingSink) Send(alert model.HealthAlert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, alert)
	return nil
}

func (s *recordingSink) Stop(context.Context) error {
	s.stopped.Store(true)
	return nil
}

func (s *recordingSink) states(taskID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var states []string
	for _, e := range s.events {
		if e.TaskID == taskID {
			states = append(states, e.State)
		}
	}
	return states
}

func echo(_ context.Context, task model.Task, _ agent.TaskContext) (json.RawMessage, error) {
	return task.Input, nil
}

func testRegistry(handlers map[string]agent.HandlerFunc) *agent.Registry {
	registry := agent.NewRegistry()
	for taskType, fn := range handlers {
		registry.Handle(model.AgentTypeRecipe, taskType, fn)
	}
	return registry
}

func newTestOrchestrator(t *testing.T, config Config, store storage.TaskStore, registry *agent.Registry, opts ...Option) *Orchestrator {
	t.Helper()

	if store == nil {
		store = storage.NewMemoryStore()
	}
	if config.HealthInterval == 0 {
		config.HealthInterval = time.Hour
	}
	if config.ShutdownGrace == 0 {
		config.ShutdownGrace = 2 * time.Second
	}

	o := New(config, store, registry, zaptest.NewLogger(t), opts...)
	require.NoError(t, o.Initialize(context.Background()))
	t.Cleanup(func() {
		_ = o.Shutdown(context.Background())
	})
	return o
}

func waitForStatus(t *testing.T, o *Orchestrator, id string, status model.TaskStatus) *model.Task {
	t.Helper()

	var task *model.Task
	require.Eventually(t, func() bool {
		var err error
		task, err = o.GetTaskStatus(context.Background(), id)
		return err == nil && task.Status == status
	}, 5*time.Second, 10*time.Millisecond, "task %s never reached %s", id, status)
	return task
}

func TestInitialize(t *testing.T) {
	t.Run("Store unreachable", func(t *testing.T) {
		store := newFlakyStore()
		store.down.Store(true)

		o := New(Config{}, store, testRegistry(map[string]agent.HandlerFunc{"create_recipe": echo}), zaptest.NewLogger(t))
		err := o.Initialize(context.Background())
		assert.ErrorIs(t, err, model.ErrStoreUnavailable)

		_, err = o.ExecuteTask(context.Background(), TaskRequest{AgentType: model.AgentTypeRecipe, TaskType: "create_recipe"})
		assert.ErrorIs(t, err, ErrNotInitialized)
	})

	t.Run("No agents", func(t *testing.T) {
		o := New(Config{}, storage.NewMemoryStore(), agent.NewRegistry(), zaptest.NewLogger(t))
		assert.ErrorIs(t, o.Initialize(context.Background()), ErrNoAgents)
	})

	t.Run("Agent type without handlers", func(t *testing.T) {
		o := New(Config{AgentTypes: []model.AgentType{model.AgentTypeFinance}}, storage.NewMemoryStore(),
			testRegistry(map[string]agent.HandlerFunc{"create_recipe": echo}), zaptest.NewLogger(t))
		assert.True(t, model.IsValidation(o.Initialize(context.Background())))
	})

	t.Run("Invalid agent settings", func(t *testing.T) {
		o := New(Config{Agents: map[model.AgentType]AgentConfig{
			model.AgentTypeRecipe: {Settings: model.AgentConfig{Temperature: 5}},
		}}, storage.NewMemoryStore(), testRegistry(map[string]agent.HandlerFunc{"create_recipe": echo}), zaptest.NewLogger(t))
		assert.Error(t, o.Initialize(context.Background()))
	})

	t.Run("Bad recurring rule closes pools", func(t *testing.T) {
		o := New(Config{Recurring: []RecurringRequest{{
			AgentType: model.AgentTypeRecipe,
			TaskType:  "create_recipe",
			Cron:      "every now and then",
		}}}, storage.NewMemoryStore(), testRegistry(map[string]agent.HandlerFunc{"create_recipe": echo}), zaptest.NewLogger(t))

		err := o.Initialize(context.Background())
		assert.True(t, model.IsValidation(err))
		assert.Empty(t, o.pools)
	})

	t.Run("Recurring rule for disabled agent", func(t *testing.T) {
		o := New(Config{
			AgentTypes: []model.AgentType{model.AgentTypeRecipe},
			Recurring: []RecurringRequest{{
				AgentType: model.AgentTypeFinance,
				TaskType:  "forecast_costs",
				Cron:      "@every 1h",
			}},
		}, storage.NewMemoryStore(), testRegistry(map[string]agent.HandlerFunc{"create_recipe": echo}), zaptest.NewLogger(t))

		err := o.Initialize(context.Background())
		var verr *model.ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Contains(t, err.Error(), `unknown agent type "finance"`)
		assert.Empty(t, o.pools)
	})

	t.Run("Twice", func(t *testing.T) {
		o := newTestOrchestrator(t, Config{}, nil, testRegistry(map[string]agent.HandlerFunc{"create_recipe": echo}))
		assert.ErrorIs(t, o.Initialize(context.Background()), ErrAlreadyInitialized)
	})
}

func TestExecuteTask(t *testing.T) {
	t.Run("Validation", func(t *testing.T) {
		o := newTestOrchestrator(t, Config{}, nil, testRegistry(map[string]agent.HandlerFunc{"create_recipe": echo}))
		ctx := context.Background()

		_, err := o.ExecuteTask(ctx, TaskRequest{AgentType: "brewing", TaskType: "create_recipe"})
		assert.True(t, model.IsValidation(err))

		_, err = o.ExecuteTask(ctx, TaskRequest{AgentType: model.AgentTypeRecipe, TaskType: "scale_recipe"})
		assert.True(t, model.IsValidation(err))

		_, err = o.ExecuteTask(ctx, TaskRequest{AgentType: model.AgentTypeRecipe, TaskType: "create_recipe", Input: json.RawMessage(`{"name":`)})
		assert.True(t, model.IsValidation(err))

		_, err = o.ExecuteTask(ctx, TaskRequest{AgentType: model.AgentTypeRecipe, TaskType: "create_recipe", Priority: 9})
		assert.True(t, model.IsValidation(err))

		tasks, err := o.GetTaskHistory(ctx, model.TaskFilters{})
		require.NoError(t, err)
		assert.Empty(t, tasks)
	})

	t.Run("Completes and persists", func(t *testing.T) {
		sink := &recordingSink{}
		store := storage.NewMemoryStore()

		var seenProcessing atomic.Bool
		registry := testRegistry(map[string]agent.HandlerFunc{
			"create_recipe": func(ctx context.Context, task model.Task, tc agent.TaskContext) (json.RawMessage, error) {
				stored, err := store.GetTask(ctx, task.ID)
				seenProcessing.Store(err == nil && stored.Status == model.TaskStatusProcessing)
				return task.Input, nil
			},
		})
		o := newTestOrchestrator(t, Config{}, store, registry, WithEventSink(sink))

		id, err := o.ExecuteTask(context.Background(), TaskRequest{
			AgentType:   model.AgentTypeRecipe,
			TaskType:    "create_recipe",
			Input:       json.RawMessage(`{"name":"stout"}`),
			SubmitterID: "brewer-1",
		})
		require.NoError(t, err)

		task := waitForStatus(t, o, id, model.TaskStatusCompleted)
		assert.True(t, seenProcessing.Load())
		assert.Equal(t, model.AgentTypeRecipe, task.AgentType)
		assert.Equal(t, "brewer-1", task.SubmitterID)
		assert.Equal(t, model.DefaultTaskPriority, task.Priority)
		assert.JSONEq(t, `{"name":"stout"}`, string(task.Output))
		assert.Equal(t, 1, task.Attempts)
		assert.Empty(t, task.Error)
		assert.NotNil(t, task.StartedAt)
		assert.NotNil(t, task.CompletedAt)

		require.Eventually(t, func() bool { return len(sink.states(id)) == 4 }, time.Second, 10*time.Millisecond)
		assert.Equal(t, []string{"pending", "assigned", "processing", "completed"}, sink.states(id))

		metrics, err := o.GetAgentMetrics(model.AgentTypeRecipe)
		require.NoError(t, err)
		assert.Equal(t, int64(1), metrics[model.AgentTypeRecipe].TasksProcessed)
		assert.Equal(t, 100.0, metrics[model.AgentTypeRecipe].SuccessRate)
	})

	t.Run("Store failure rejects the task", func(t *testing.T) {
		store := newFlakyStore()
		o := newTestOrchestrator(t, Config{}, store, testRegistry(map[string]agent.HandlerFunc{"create_recipe": echo}))

		store.down.Store(true)
		_, err := o.ExecuteTask(context.Background(), TaskRequest{AgentType: model.AgentTypeRecipe, TaskType: "create_recipe"})
		assert.ErrorIs(t, err, model.ErrStoreUnavailable)

		stats, err := o.GetOrchestratorStats(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 0, stats.Queues[model.AgentTypeRecipe].Waiting)
	})
}

func TestPriorityOrder(t *testing.T) {
	gate := make(chan struct{})
	started := make(chan struct{})

	var mu sync.Mutex
	var order []string

	registry := testRegistry(map[string]agent.HandlerFunc{
		"brew": func(ctx context.Context, task model.Task, _ agent.TaskContext) (json.RawMessage, error) {
			var in struct {
				Name string `json:"name"`
			}
			if err := json.Unmarshal(task.Input, &in); err != nil {
				return nil, err
			}
			if in.Name == "blocker" {
				close(started)
				<-gate
			}
			mu.Lock()
			order = append(order, in.Name)
			mu.Unlock()
			return nil, nil
		},
	})
	o := newTestOrchestrator(t, Config{Agents: map[model.AgentType]AgentConfig{
		model.AgentTypeRecipe: {Concurrency: 1},
	}}, nil, registry)

	submit := func(name string, priority model.TaskPriority) string {
		id, err := o.ExecuteTask(context.Background(), TaskRequest{
			AgentType: model.AgentTypeRecipe,
			TaskType:  "brew",
			Input:     json.RawMessage(fmt.Sprintf(`{"name":%q}`, name)),
			Priority:  priority,
		})
		require.NoError(t, err)
		return id
	}

	submit("blocker", model.TaskPriorityLow)
	<-started

	ids := []string{
		submit("low", model.TaskPriorityLow),
		submit("medium", model.TaskPriorityMedium),
		submit("urgent", model.TaskPriorityUrgent),
		submit("high", model.TaskPriorityHigh),
	}
	close(gate)

	for _, id := range ids {
		waitForStatus(t, o, id, model.TaskStatusCompleted)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"blocker", "urgent", "high", "medium", "low"}, order)
}

func TestFailingTask(t *testing.T) {
	sink := &recordingSink{}
	backoff := 30 * time.Millisecond

	registry := testRegistry(map[string]agent.HandlerFunc{
		"create_recipe": func(context.Context, model.Task, agent.TaskContext) (json.RawMessage, error) {
			return nil, errors.New("model unavailable")
		},
	})
	o := newTestOrchestrator(t, Config{Agents: map[model.AgentType]AgentConfig{
		model.AgentTypeRecipe: {Policy: scheduler.Policy{MaxAttempts: 3, Backoff: backoff}},
	}}, nil, registry, WithEventSink(sink))

	start := time.Now()
	id, err := o.ExecuteTask(context.Background(), TaskRequest{AgentType: model.AgentTypeRecipe, TaskType: "create_recipe"})
	require.NoError(t, err)

	task := waitForStatus(t, o, id, model.TaskStatusFailed)
	assert.GreaterOrEqual(t, time.Since(start), backoff+2*backoff)
	assert.Equal(t, 3, task.Attempts)
	assert.Contains(t, task.Error, "model unavailable")
	assert.Nil(t, task.Output)
	assert.NotNil(t, task.CompletedAt)

	require.Eventually(t, func() bool { return len(sink.states(id)) == 10 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{
		"pending",
		"assigned", "processing", "pending",
		"assigned", "processing", "pending",
		"assigned", "processing", "failed",
	}, sink.states(id))

	metrics, err := o.GetAgentMetrics(model.AgentTypeRecipe)
	require.NoError(t, err)
	m := metrics[model.AgentTypeRecipe]
	assert.Equal(t, int64(3), m.TasksProcessed)
	assert.Equal(t, int64(3), m.Failures)
	assert.Contains(t, m.LastError, "model unavailable")
	assert.NotNil(t, m.LastErrorTime)

	status, err := o.GetAgentStatus(model.AgentTypeRecipe)
	require.NoError(t, err)
	assert.Equal(t, model.AgentStatusError, status[model.AgentTypeRecipe].Status)
}

func TestSlowTaskWithinTimeout(t *testing.T) {
	o := newTestOrchestrator(t, Config{
		StallTimeout: 100 * time.Millisecond,
		Agents: map[model.AgentType]AgentConfig{
			model.AgentTypeRecipe: {Policy: scheduler.Policy{MaxAttempts: 3, Timeout: 5 * time.Second}},
		},
	}, nil, testRegistry(map[string]agent.HandlerFunc{
		"create_recipe": func(ctx context.Context, task model.Task, _ agent.TaskContext) (json.RawMessage, error) {
			select {
			case <-time.After(300 * time.Millisecond):
				return task.Input, nil
			case <-ctx.Done():
				return nil, context.Cause(ctx)
			}
		},
	}))

	id, err := o.ExecuteTask(context.Background(), TaskRequest{
		AgentType: model.AgentTypeRecipe,
		TaskType:  "create_recipe",
		Input:     json.RawMessage(`{"name":"porter"}`),
	})
	require.NoError(t, err)

	task := waitForStatus(t, o, id, model.TaskStatusCompleted)
	assert.Equal(t, 1, task.Attempts)
	assert.Empty(t, task.Error)
	assert.JSONEq(t, `{"name":"porter"}`, string(task.Output))

	metrics, err := o.GetAgentMetrics(model.AgentTypeRecipe)
	require.NoError(t, err)
	assert.Equal(t, int64(0), metrics[model.AgentTypeRecipe].Failures)
}

func TestHandlerPanic(t *testing.T) {
	o := newTestOrchestrator(t, Config{Agents: map[model.AgentType]AgentConfig{
		model.AgentTypeRecipe: {Policy: scheduler.Policy{MaxAttempts: 1}},
	}}, nil, testRegistry(map[string]agent.HandlerFunc{
		"scale_recipe": func(context.Context, model.Task, agent.TaskContext) (json.RawMessage, error) {
			panic("division by zero")
		},
		"create_recipe": echo,
	}))
	ctx := context.Background()

	id, err := o.ExecuteTask(ctx, TaskRequest{AgentType: model.AgentTypeRecipe, TaskType: "scale_recipe"})
	require.NoError(t, err)
	task := waitForStatus(t, o, id, model.TaskStatusFailed)
	assert.Contains(t, task.Error, "division by zero")

	for i := 0; i < 3; i++ {
		id, err := o.ExecuteTask(ctx, TaskRequest{AgentType: model.AgentTypeRecipe, TaskType: "create_recipe"})
		require.NoError(t, err)
		waitForStatus(t, o, id, model.TaskStatusCompleted)
	}

	require.Eventually(t, func() bool {
		status, err := o.GetAgentStatus(model.AgentTypeRecipe)
		return err == nil && status[model.AgentTypeRecipe].Status == model.AgentStatusActive
	}, 5*time.Second, 10*time.Millisecond)

	status, err := o.GetAgentStatus(model.AgentTypeRecipe)
	require.NoError(t, err)
	snapshot := status[model.AgentTypeRecipe]
	assert.Equal(t, 0, snapshot.InFlight)
	assert.Equal(t, int64(4), snapshot.Metrics.TasksProcessed)
	assert.Equal(t, int64(1), snapshot.Metrics.Failures)
	assert.Equal(t, model.HealthStatusHealthy, o.CheckHealth(ctx).Overall)
}

func TestNoCrossTaskLeakage(t *testing.T) {
	o := newTestOrchestrator(t, Config{Agents: map[model.AgentType]AgentConfig{
		model.AgentTypeRecipe: {Concurrency: 4},
	}}, nil, testRegistry(map[string]agent.HandlerFunc{
		"create_recipe": func(_ context.Context, task model.Task, _ agent.TaskContext) (json.RawMessage, error) {
			time.Sleep(10 * time.Millisecond)
			return json.RawMessage(fmt.Sprintf(`{"task_id":%q,"input":%s}`, task.ID, task.Input)), nil
		},
	}))

	ids := make(map[string]int)
	for i := 0; i < 8; i++ {
		id, err := o.ExecuteTask(context.Background(), TaskRequest{
			AgentType: model.AgentTypeRecipe,
			TaskType:  "create_recipe",
			Input:     json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)),
		})
		require.NoError(t, err)
		ids[id] = i
	}

	for id, n := range ids {
		task := waitForStatus(t, o, id, model.TaskStatusCompleted)
		assert.JSONEq(t, fmt.Sprintf(`{"task_id":%q,"input":{"n":%d}}`, id, n), string(task.Output))
	}
}

func TestPauseResume(t *testing.T) {
	o := newTestOrchestrator(t, Config{}, nil, testRegistry(map[string]agent.HandlerFunc{"create_recipe": echo}))
	ctx := context.Background()

	require.NoError(t, o.PauseAgent(model.AgentTypeRecipe))
	status, err := o.GetAgentStatus(model.AgentTypeRecipe)
	require.NoError(t, err)
	assert.Equal(t, model.AgentStatusInactive, status[model.AgentTypeRecipe].Status)

	id, err := o.ExecuteTask(ctx, TaskRequest{AgentType: model.AgentTypeRecipe, TaskType: "create_recipe"})
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	task, err := o.GetTaskStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusPending, task.Status)

	stats, err := o.GetOrchestratorStats(ctx)
	require.NoError(t, err)
	assert.True(t, stats.Queues[model.AgentTypeRecipe].Paused)
	assert.Equal(t, 1, stats.Queues[model.AgentTypeRecipe].Waiting)

	require.NoError(t, o.ResumeAgent(model.AgentTypeRecipe))
	waitForStatus(t, o, id, model.TaskStatusCompleted)

	status, err = o.GetAgentStatus(model.AgentTypeRecipe)
	require.NoError(t, err)
	assert.Equal(t, model.AgentStatusActive, status[model.AgentTypeRecipe].Status)

	assert.True(t, model.IsValidation(o.PauseAgent("brewing")))
	assert.True(t, model.IsValidation(o.ResumeAgent("brewing")))
}

func TestScheduleTask(t *testing.T) {
	o := newTestOrchestrator(t, Config{}, nil, testRegistry(map[string]agent.HandlerFunc{"create_recipe": echo}))
	ctx := context.Background()

	_, err := o.ScheduleTask(ctx, TaskRequest{AgentType: model.AgentTypeRecipe, TaskType: "create_recipe"}, -time.Second)
	assert.True(t, model.IsValidation(err))

	delay := 200 * time.Millisecond
	start := time.Now()
	id, err := o.ScheduleTask(ctx, TaskRequest{AgentType: model.AgentTypeRecipe, TaskType: "create_recipe"}, delay)
	require.NoError(t, err)

	task, err := o.GetTaskStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusPending, task.Status)

	stats, err := o.GetOrchestratorStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Queues[model.AgentTypeRecipe].Delayed)

	task = waitForStatus(t, o, id, model.TaskStatusCompleted)
	require.NotNil(t, task.StartedAt)
	assert.GreaterOrEqual(t, task.StartedAt.Sub(start), delay)
}

func TestScheduleRecurring(t *testing.T) {
	o := newTestOrchestrator(t, Config{}, nil, testRegistry(map[string]agent.HandlerFunc{"create_recipe": echo}))
	ctx := context.Background()

	_, err := o.ScheduleRecurring(ctx, RecurringRequest{AgentType: model.AgentTypeRecipe, TaskType: "create_recipe", Cron: "not a rule"})
	assert.True(t, model.IsValidation(err))

	_, err = o.ScheduleRecurring(ctx, RecurringRequest{AgentType: model.AgentTypeRecipe, TaskType: "missing", Cron: "@hourly"})
	assert.True(t, model.IsValidation(err))

	id, err := o.ScheduleRecurring(ctx, RecurringRequest{
		AgentType: model.AgentTypeRecipe,
		TaskType:  "create_recipe",
		Input:     json.RawMessage(`{"name":"daily"}`),
		Cron:      "@every 1s",
		Priority:  model.TaskPriorityLow,
	})
	require.NoError(t, err)
	require.Len(t, o.RecurringTasks()[model.AgentTypeRecipe], 1)

	var tasks []*model.Task
	require.Eventually(t, func() bool {
		tasks, err = o.GetTaskHistory(ctx, model.TaskFilters{
			SubmitterID: "recurring:" + id,
			Status:      []model.TaskStatus{model.TaskStatusCompleted},
		})
		return err == nil && len(tasks) > 0
	}, 5*time.Second, 50*time.Millisecond)
	assert.Equal(t, model.TaskPriorityLow, tasks[0].Priority)
	assert.JSONEq(t, `{"name":"daily"}`, string(tasks[0].Output))

	require.NoError(t, o.RemoveRecurring(model.AgentTypeRecipe, id))
	assert.Empty(t, o.RecurringTasks())
	assert.ErrorIs(t, o.RemoveRecurring(model.AgentTypeRecipe, id), scheduler.ErrRecurringNotFound)
}

func TestRetryTask(t *testing.T) {
	var runs sync.Map
	failFirst := func(_ context.Context, task model.Task, _ agent.TaskContext) (json.RawMessage, error) {
		n, _ := runs.LoadOrStore(task.ID, new(atomic.Int32))
		if n.(*atomic.Int32).Add(1) == 1 {
			return nil, errors.New("first run fails")
		}
		return json.RawMessage(`"ok"`), nil
	}

	t.Run("Job in memory", func(t *testing.T) {
		o := newTestOrchestrator(t, Config{Agents: map[model.AgentType]AgentConfig{
			model.AgentTypeRecipe: {Policy: scheduler.Policy{MaxAttempts: 1}},
		}}, nil, testRegistry(map[string]agent.HandlerFunc{"create_recipe": failFirst}))
		ctx := context.Background()

		id, err := o.ExecuteTask(ctx, TaskRequest{AgentType: model.AgentTypeRecipe, TaskType: "create_recipe"})
		require.NoError(t, err)
		waitForStatus(t, o, id, model.TaskStatusFailed)

		require.NoError(t, o.RetryTask(ctx, id, ""))
		task := waitForStatus(t, o, id, model.TaskStatusCompleted)
		assert.Equal(t, 1, task.Attempts)
		assert.Empty(t, task.Error)
		assert.Equal(t, json.RawMessage(`"ok"`), task.Output)

		assert.ErrorIs(t, o.RetryTask(ctx, id, model.AgentTypeRecipe), scheduler.ErrJobNotRetryable)
		assert.ErrorIs(t, o.RetryTask(ctx, "missing", ""), model.ErrTaskNotFound)
		assert.True(t, model.IsValidation(o.RetryTask(ctx, id, "brewing")))
	})

	t.Run("Job evicted from memory", func(t *testing.T) {
		o := newTestOrchestrator(t, Config{
			KeepFailed: 1,
			Agents: map[model.AgentType]AgentConfig{
				model.AgentTypeRecipe: {Policy: scheduler.Policy{MaxAttempts: 1}},
			},
		}, nil, testRegistry(map[string]agent.HandlerFunc{"create_recipe": failFirst}))
		ctx := context.Background()

		first, err := o.ExecuteTask(ctx, TaskRequest{AgentType: model.AgentTypeRecipe, TaskType: "create_recipe", Input: json.RawMessage(`{"n":1}`)})
		require.NoError(t, err)
		waitForStatus(t, o, first, model.TaskStatusFailed)

		second, err := o.ExecuteTask(ctx, TaskRequest{AgentType: model.AgentTypeRecipe, TaskType: "create_recipe"})
		require.NoError(t, err)
		waitForStatus(t, o, second, model.TaskStatusFailed)

		pool := o.pools[model.AgentTypeRecipe]
		require.Eventually(t, func() bool {
			_, ok := pool.Job(first)
			return !ok
		}, time.Second, 10*time.Millisecond)

		require.NoError(t, o.RetryTask(ctx, first, ""))
		task := waitForStatus(t, o, first, model.TaskStatusCompleted)
		assert.Equal(t, 1, task.Attempts)
		assert.Empty(t, task.Error)
		assert.JSONEq(t, `{"n":1}`, string(task.Input))
	})
}

func TestStoreUnavailableReads(t *testing.T) {
	store := newFlakyStore()
	o := newTestOrchestrator(t, Config{}, store, testRegistry(map[string]agent.HandlerFunc{"create_recipe": echo}))
	ctx := context.Background()

	id, err := o.ExecuteTask(ctx, TaskRequest{
		AgentType: model.AgentTypeRecipe,
		TaskType:  "create_recipe",
		Input:     json.RawMessage(`{"name":"porter"}`),
	})
	require.NoError(t, err)
	waitForStatus(t, o, id, model.TaskStatusCompleted)

	store.down.Store(true)

	task, err := o.GetTaskStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusCompleted, task.Status)
	assert.JSONEq(t, `{"name":"porter"}`, string(task.Output))

	_, err = o.GetTaskStatus(ctx, "missing")
	assert.ErrorIs(t, err, model.ErrStoreUnavailable)

	tasks, err := o.GetTaskHistory(ctx, model.TaskFilters{AgentType: model.AgentTypeRecipe})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, id, tasks[0].ID)

	tasks, err = o.GetTaskHistory(ctx, model.TaskFilters{Status: []model.TaskStatus{model.TaskStatusFailed}})
	require.NoError(t, err)
	assert.Empty(t, tasks)

	health := o.CheckHealth(ctx)
	assert.False(t, health.StoreReachable)
	assert.Equal(t, model.HealthStatusUnhealthy, health.Overall)
}

func TestMetricsSnapshot(t *testing.T) {
	o := newTestOrchestrator(t, Config{}, nil, testRegistry(map[string]agent.HandlerFunc{"create_recipe": echo}))
	ctx := context.Background()

	id, err := o.ExecuteTask(ctx, TaskRequest{AgentType: model.AgentTypeRecipe, TaskType: "create_recipe"})
	require.NoError(t, err)
	_, err = o.ExecuteTask(ctx, TaskRequest{AgentType: model.AgentTypeRecipe, TaskType: "unknown"})
	require.Error(t, err)
	waitForStatus(t, o, id, model.TaskStatusCompleted)

	snapshot := o.MetricsSnapshot()
	assert.Equal(t, int64(2), snapshot.TotalRequests)
	assert.Equal(t, int64(1), snapshot.FailedRequests)
	assert.Equal(t, int64(1), snapshot.Agents[string(model.AgentTypeRecipe)].Tasks)
	assert.Contains(t, snapshot.KeyValues(), "requests_total=2")
}

func TestGetOrchestratorStatsIdempotent(t *testing.T) {
	o := newTestOrchestrator(t, Config{}, nil, testRegistry(map[string]agent.HandlerFunc{"create_recipe": echo}))
	ctx := context.Background()

	id, err := o.ExecuteTask(ctx, TaskRequest{AgentType: model.AgentTypeRecipe, TaskType: "create_recipe"})
	require.NoError(t, err)
	waitForStatus(t, o, id, model.TaskStatusCompleted)
	require.Eventually(t, func() bool {
		status, err := o.GetAgentStatus(model.AgentTypeRecipe)
		return err == nil && status[model.AgentTypeRecipe].Status == model.AgentStatusActive
	}, time.Second, 10*time.Millisecond)

	first, err := o.GetOrchestratorStats(ctx)
	require.NoError(t, err)
	second, err := o.GetOrchestratorStats(ctx)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, first.Queues[model.AgentTypeRecipe].Completed)
	assert.Equal(t, model.HealthStatusHealthy, first.Health.Overall)
}

func TestShutdown(t *testing.T) {
	sink := &recordingSink{}
	store := storage.NewMemoryStore()

	slow := func(ctx context.Context, _ model.Task, _ agent.TaskContext) (json.RawMessage, error) {
		select {
		case <-time.After(50 * time.Millisecond):
			return json.RawMessage(`"done"`), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	o := New(Config{HealthInterval: time.Hour, ShutdownGrace: 2 * time.Second}, store,
		testRegistry(map[string]agent.HandlerFunc{"create_recipe": slow}), zaptest.NewLogger(t), WithEventSink(sink))
	require.NoError(t, o.Initialize(context.Background()))

	id, err := o.ExecuteTask(context.Background(), TaskRequest{AgentType: model.AgentTypeRecipe, TaskType: "create_recipe"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		task, err := store.GetTask(context.Background(), id)
		return err == nil && task.Status == model.TaskStatusProcessing
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, o.Shutdown(context.Background()))
	assert.True(t, sink.stopped.Load())
	assert.Contains(t, sink.states(id), "completed")

	assert.NoError(t, o.Shutdown(context.Background()))
	assert.ErrorIs(t, store.CheckHealth(context.Background()), model.ErrStoreUnavailable)

	_, err = o.ExecuteTask(context.Background(), TaskRequest{AgentType: model.AgentTypeRecipe, TaskType: "create_recipe"})
	assert.ErrorIs(t, err, ErrShutdown)
	assert.ErrorIs(t, o.PauseAgent(model.AgentTypeRecipe), ErrShutdown)
	assert.ErrorIs(t, o.Initialize(context.Background()), ErrShutdown)
}

// Package orchestrator owns one agent and one worker pool per agent type,
// admits tasks into the pools, persists their lifecycle in the task store
// and aggregates system health.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/agent-orchestrator/internal/agent"
	"github.com/t77yq/agent-orchestrator/internal/model"
	"github.com/t77yq/agent-orchestrator/internal/monitor"
	"github.com/t77yq/agent-orchestrator/internal/scheduler"
	"github.com/t77yq/agent-orchestrator/internal/service"
	"github.com/t77yq/agent-orchestrator/internal/storage"
)

const (
	defaultHealthInterval     = 30 * time.Second
	defaultDegradedThreshold  = 0.5
	defaultShutdownGrace      = 30 * time.Second
	defaultPercentileInterval = 60 * time.Second
	defaultStoreTimeout       = 5 * time.Second
	defaultCleanupInterval    = 24 * time.Hour
)

// AgentConfig configures the agent and the pool of one agent type
type AgentConfig struct {
	Concurrency int
	Policy      scheduler.Policy
	Settings    model.AgentConfig
}

// Config defines orchestrator behaviour
type Config struct {
	// AgentTypes restricts the agents that are built. Every type of the
	// registry is built when empty.
	AgentTypes []model.AgentType
	Agents     map[model.AgentType]AgentConfig
	Recurring  []RecurringRequest

	HealthInterval     time.Duration
	DegradedThreshold  float64
	ShutdownGrace      time.Duration
	StallTimeout       time.Duration
	KeepCompleted      int
	KeepFailed         int
	PercentileInterval time.Duration
	StoreTimeout       time.Duration

	// HistoryRetention deletes finished task records older than this.
	// Zero keeps everything.
	HistoryRetention time.Duration
	CleanupInterval  time.Duration
}

func (c Config) withDefaults() Config {
	if c.HealthInterval <= 0 {
		c.HealthInterval = defaultHealthInterval
	}
	if c.DegradedThreshold <= 0 || c.DegradedThreshold > 1 {
		c.DegradedThreshold = defaultDegradedThreshold
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = defaultShutdownGrace
	}
	if c.PercentileInterval <= 0 {
		c.PercentileInterval = defaultPercentileInterval
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = defaultStoreTimeout
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = defaultCleanupInterval
	}
	return c
}

// TaskRequest is a task submission
type TaskRequest struct {
	AgentType   model.AgentType
	TaskType    string
	Input       json.RawMessage
	Priority    model.TaskPriority
	SubmitterID string
	// Policy overrides the agent type's retry policy field by field.
	Policy scheduler.Policy
}

// RecurringRequest registers a calendar rule for an agent type
type RecurringRequest struct {
	AgentType model.AgentType
	TaskType  string
	Input     json.RawMessage
	Cron      string
	Priority  model.TaskPriority
	Policy    scheduler.Policy
}

// EventSink receives task lifecycle events. A sink that also implements
// monitor.NotificationChannel receives health alerts.
type EventSink interface {
	PublishTask(event service.TaskEvent)
	Stop(ctx context.Context) error
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithRecorder shares a metrics recorder, e.g. with a Prometheus collector
func WithRecorder(r *monitor.Recorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

// WithResourceSampler shares the host resource sampler
func WithResourceSampler(s *monitor.ResourceSampler) Option {
	return func(o *Orchestrator) { o.sampler = s }
}

// WithEventSink publishes task events and health alerts to sink
func WithEventSink(sink EventSink) Option {
	return func(o *Orchestrator) { o.events = sink }
}

// WithAlertChannel adds a health alert channel
func WithAlertChannel(name string, ch monitor.NotificationChannel) Option {
	return func(o *Orchestrator) { o.channels[name] = ch }
}

// Orchestrator routes tasks to per-type worker pools
type Orchestrator struct {
	config   Config
	store    storage.TaskStore
	registry *agent.Registry
	logger   *zap.Logger

	recorder *monitor.Recorder
	sampler  *monitor.ResourceSampler
	alerts   *monitor.AlertTracker
	events   EventSink
	channels map[string]monitor.NotificationChannel

	mu          sync.RWMutex
	agents      map[model.AgentType]*agent.Agent
	pools       map[model.AgentType]*scheduler.WorkerPool
	policies    map[model.AgentType]scheduler.Policy
	initialized bool

	adminMu      sync.Mutex
	closed       atomic.Bool
	cancel       context.CancelFunc
	loops        sync.WaitGroup
	shutdownOnce sync.Once
	shutdownErr  error
}

// New creates an orchestrator. The orchestrator owns store and closes it on
// Shutdown.
func New(config Config, store storage.TaskStore, registry *agent.Registry, logger *zap.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		config:   config.withDefaults(),
		store:    store,
		registry: registry,
		logger:   logger.Named("orchestrator"),
		channels: make(map[string]monitor.NotificationChannel),
		agents:   make(map[model.AgentType]*agent.Agent),
		pools:    make(map[model.AgentType]*scheduler.WorkerPool),
		policies: make(map[model.AgentType]scheduler.Policy),
	}
	for _, opt := range opts {
		opt(o)
	}

	if o.recorder == nil {
		o.recorder = monitor.NewRecorder(o.config.PercentileInterval, logger)
	}
	if o.sampler == nil {
		o.sampler = monitor.NewResourceSampler(0, logger)
	}
	o.alerts = monitor.NewAlertTracker(0, logger)
	for name, ch := range o.channels {
		o.alerts.AddChannel(name, ch)
	}
	if ch, ok := o.events.(monitor.NotificationChannel); ok {
		o.alerts.AddChannel("events", ch)
	}
	return o
}

// Initialize checks the store, builds every agent and pool, registers the
// configured recurring tasks and starts the background loops. On failure
// every pool built so far is closed.
func (o *Orchestrator) Initialize(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed.Load() {
		return ErrShutdown
	}
	if o.initialized {
		return ErrAlreadyInitialized
	}

	storeCtx, cancel := context.WithTimeout(ctx, o.config.StoreTimeout)
	err := o.store.CheckHealth(storeCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("task store health check: %w", err)
	}

	types := o.config.AgentTypes
	if len(types) == 0 {
		types = o.registry.Types()
	}
	if len(types) == 0 {
		return ErrNoAgents
	}

	agents := make(map[model.AgentType]*agent.Agent, len(types))
	for _, t := range types {
		table, ok := o.registry.Table(t)
		if !ok {
			return model.NewValidationError("agent_type", "no handlers registered for %s", t)
		}
		a, err := agent.New(agent.Config{
			Type:     t,
			Settings: o.config.Agents[t].Settings,
		}, table, agent.WithLogger(o.logger))
		if err != nil {
			return fmt.Errorf("create agent %s: %w", t, err)
		}
		agents[t] = a
	}

	pools := make(map[model.AgentType]*scheduler.WorkerPool, len(types))
	closeAll := func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), o.config.ShutdownGrace)
		defer cancel()
		for _, p := range pools {
			_ = p.Close(closeCtx)
		}
	}

	for _, t := range types {
		ac := o.config.Agents[t]
		pool := scheduler.New(scheduler.Config{
			Name:          string(t),
			DefaultPolicy: ac.Policy,
			StallTimeout:  o.config.StallTimeout,
			KeepCompleted: o.config.KeepCompleted,
			KeepFailed:    o.config.KeepFailed,
		}, o.logger,
			scheduler.WithHooks(scheduler.Hooks{
				OnCreate:     o.onCreate(t),
				OnTransition: o.onTransition(t),
			}),
			scheduler.WithRecorder(o.recorder),
		)
		pools[t] = pool

		concurrency := ac.Concurrency
		if concurrency <= 0 {
			concurrency = 1
		}
		if err := pool.RegisterExecutor(o.process(t, agents[t]), concurrency); err != nil {
			closeAll()
			return fmt.Errorf("register executor for %s: %w", t, err)
		}
	}
	for _, t := range types {
		o.policies[t] = o.config.Agents[t].Policy
	}

	for _, r := range o.config.Recurring {
		var err error = model.NewValidationError("agent_type", "unknown agent type %q", r.AgentType)
		if pool, ok := pools[r.AgentType]; ok {
			err = validateTask(agents[r.AgentType], TaskRequest{
				AgentType: r.AgentType,
				TaskType:  r.TaskType,
				Input:     r.Input,
				Priority:  r.Priority,
			})
			if err == nil {
				_, err = o.addRecurring(pool, r)
			}
		}
		if err != nil {
			closeAll()
			return fmt.Errorf("register recurring %s/%s: %w", r.AgentType, r.TaskType, err)
		}
	}

	o.agents = agents
	o.pools = pools

	loopCtx, cancelLoops := context.WithCancel(context.Background())
	o.cancel = cancelLoops
	o.recorder.Start(loopCtx)

	o.loops.Add(1)
	go o.healthLoop(loopCtx)
	if o.config.HistoryRetention > 0 {
		o.loops.Add(1)
		go o.cleanupLoop(loopCtx)
	}

	o.initialized = true
	o.logger.Info("Orchestrator initialized",
		zap.Int("agents", len(agents)),
		zap.Int("recurring", len(o.config.Recurring)))
	return nil
}

// lookup returns the pool and agent of an agent type. Unknown types are a
// validation error.
func (o *Orchestrator) lookup(agentType model.AgentType) (*scheduler.WorkerPool, *agent.Agent, error) {
	if o.closed.Load() {
		return nil, nil, ErrShutdown
	}

	o.mu.RLock()
	defer o.mu.RUnlock()

	if !o.initialized {
		return nil, nil, ErrNotInitialized
	}
	pool, ok := o.pools[agentType]
	if !ok {
		return nil, nil, model.NewValidationError("agent_type", "unknown agent type %q", agentType)
	}
	return pool, o.agents[agentType], nil
}

func (o *Orchestrator) validate(req TaskRequest) (*scheduler.WorkerPool, error) {
	pool, a, err := o.lookup(req.AgentType)
	if err != nil {
		return nil, err
	}
	if err := validateTask(a, req); err != nil {
		return nil, err
	}
	return pool, nil
}

func validateTask(a *agent.Agent, req TaskRequest) error {
	if !a.Supports(req.TaskType) {
		return model.NewValidationError("task_type", "agent %s does not handle %q", req.AgentType, req.TaskType)
	}
	if p := req.Priority.OrDefault(); !p.Valid() {
		return model.NewValidationError("priority", "unknown priority %d", int(req.Priority))
	}
	if len(req.Input) > 0 && !json.Valid(req.Input) {
		return model.NewValidationError("input", "malformed JSON")
	}
	return nil
}

// ExecuteTask validates and enqueues a task and returns its id without
// waiting for execution. The task record is stored as PENDING before any
// executor can see the job.
func (o *Orchestrator) ExecuteTask(ctx context.Context, req TaskRequest) (string, error) {
	return o.submit(ctx, req, 0)
}

// ScheduleTask is ExecuteTask with the job held back for delay
func (o *Orchestrator) ScheduleTask(ctx context.Context, req TaskRequest, delay time.Duration) (string, error) {
	if delay < 0 {
		return "", model.NewValidationError("delay", "must not be negative")
	}
	return o.submit(ctx, req, delay)
}

func (o *Orchestrator) submit(ctx context.Context, req TaskRequest, delay time.Duration) (string, error) {
	start := time.Now()
	id, err := o.enqueue(ctx, req, delay)
	o.recorder.RecordRequest(time.Since(start), err == nil)
	if err != nil {
		o.logger.Warn("Task rejected",
			zap.String("agent_type", string(req.AgentType)),
			zap.String("task_type", req.TaskType),
			zap.Error(err))
		return "", err
	}

	o.logger.Info("Task submitted",
		zap.String("task_id", id),
		zap.String("agent_type", string(req.AgentType)),
		zap.String("task_type", req.TaskType),
		zap.String("priority", req.Priority.OrDefault().String()),
		zap.Duration("delay", delay))
	return id, nil
}

func (o *Orchestrator) enqueue(ctx context.Context, req TaskRequest, delay time.Duration) (string, error) {
	pool, err := o.validate(req)
	if err != nil {
		return "", err
	}
	return pool.Enqueue(withAdmission(ctx, admission{submitterID: req.SubmitterID}), scheduler.EnqueueRequest{
		TaskType: req.TaskType,
		Input:    req.Input,
		Priority: req.Priority,
		Policy:   req.Policy,
		Delay:    delay,
	})
}

// ScheduleRecurring registers a calendar rule; every firing submits a new
// task of its own
func (o *Orchestrator) ScheduleRecurring(_ context.Context, req RecurringRequest) (string, error) {
	pool, err := o.validate(TaskRequest{
		AgentType: req.AgentType,
		TaskType:  req.TaskType,
		Input:     req.Input,
		Priority:  req.Priority,
	})
	if err != nil {
		return "", err
	}
	return o.addRecurring(pool, req)
}

func (o *Orchestrator) addRecurring(pool *scheduler.WorkerPool, req RecurringRequest) (string, error) {
	id, err := pool.AddRecurring(scheduler.RecurringRequest{
		TaskType: req.TaskType,
		Input:    req.Input,
		Cron:     req.Cron,
		Priority: req.Priority,
		Policy:   req.Policy,
	})
	if err != nil {
		return "", err
	}
	o.logger.Info("Recurring task scheduled",
		zap.String("id", id),
		zap.String("agent_type", string(req.AgentType)),
		zap.String("task_type", req.TaskType),
		zap.String("cron", req.Cron))
	return id, nil
}

// RemoveRecurring unregisters a calendar rule of an agent type
func (o *Orchestrator) RemoveRecurring(agentType model.AgentType, id string) error {
	pool, _, err := o.lookup(agentType)
	if err != nil {
		return err
	}
	return pool.RemoveRecurring(id)
}

// RecurringTasks lists the calendar rules of every agent type
func (o *Orchestrator) RecurringTasks() map[model.AgentType][]scheduler.RecurringInfo {
	o.mu.RLock()
	defer o.mu.RUnlock()

	rules := make(map[model.AgentType][]scheduler.RecurringInfo, len(o.pools))
	for t, pool := range o.pools {
		if infos := pool.Recurring(); len(infos) > 0 {
			rules[t] = infos
		}
	}
	return rules
}

// PauseAgent stops dispatch for an agent type and marks its agent inactive.
// Both change or neither does.
func (o *Orchestrator) PauseAgent(agentType model.AgentType) error {
	o.adminMu.Lock()
	defer o.adminMu.Unlock()

	pool, a, err := o.lookup(agentType)
	if err != nil {
		return err
	}
	if err := pool.Pause(); err != nil {
		return err
	}
	a.Deactivate()

	o.logger.Info("Agent paused", zap.String("agent_type", string(agentType)))
	return nil
}

// ResumeAgent restarts dispatch for an agent type and reactivates its agent
func (o *Orchestrator) ResumeAgent(agentType model.AgentType) error {
	o.adminMu.Lock()
	defer o.adminMu.Unlock()

	pool, a, err := o.lookup(agentType)
	if err != nil {
		return err
	}
	if err := pool.Resume(); err != nil {
		return err
	}
	a.Activate()

	o.logger.Info("Agent resumed", zap.String("agent_type", string(agentType)))
	return nil
}

// RetryTask resubmits a failed task. The job is looked up in the pool of
// agentType, or in every pool when agentType is empty. A job no longer held
// in memory is rebuilt from its stored FAILED record.
func (o *Orchestrator) RetryTask(ctx context.Context, id string, agentType model.AgentType) error {
	candidates, err := o.retryCandidates(agentType)
	if err != nil {
		return err
	}

	for _, pool := range candidates {
		err := pool.Retry(id)
		if err == nil {
			o.logger.Info("Task retried", zap.String("task_id", id), zap.String("agent_type", pool.Name()))
			return nil
		}
		if !errors.Is(err, scheduler.ErrJobNotFound) {
			return err
		}
	}

	task, err := o.store.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if agentType != "" && task.AgentType != agentType {
		return fmt.Errorf("%w: %s", model.ErrTaskNotFound, id)
	}
	if task.Status != model.TaskStatusFailed {
		return fmt.Errorf("%w: task %s is %s", scheduler.ErrJobNotRetryable, id, task.Status)
	}

	pool, _, err := o.lookup(task.AgentType)
	if err != nil {
		return err
	}
	o.mu.RLock()
	policy := o.policies[task.AgentType]
	o.mu.RUnlock()

	_, err = pool.Enqueue(withAdmission(ctx, admission{resubmit: true}), scheduler.EnqueueRequest{
		ID:       task.ID,
		TaskType: task.Type,
		Input:    task.Input,
		Priority: task.Priority,
		Policy:   policy,
	})
	if err != nil {
		return err
	}

	o.logger.Info("Task resubmitted from store",
		zap.String("task_id", id),
		zap.String("agent_type", string(task.AgentType)))
	return nil
}

func (o *Orchestrator) retryCandidates(agentType model.AgentType) ([]*scheduler.WorkerPool, error) {
	if agentType != "" {
		pool, _, err := o.lookup(agentType)
		if err != nil {
			return nil, err
		}
		return []*scheduler.WorkerPool{pool}, nil
	}

	if o.closed.Load() {
		return nil, ErrShutdown
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	if !o.initialized {
		return nil, ErrNotInitialized
	}
	pools := make([]*scheduler.WorkerPool, 0, len(o.pools))
	for _, pool := range o.pools {
		pools = append(pools, pool)
	}
	return pools, nil
}

// Shutdown stops the health monitor, closes every pool within the grace
// period, stops the event sink and closes the task store. Later calls return
// the first result.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.shutdownOnce.Do(func() {
		o.closed.Store(true)
		o.logger.Info("Shutting down orchestrator")

		if o.cancel != nil {
			o.cancel()
		}
		o.loops.Wait()

		o.mu.RLock()
		pools := make([]*scheduler.WorkerPool, 0, len(o.pools))
		for _, pool := range o.pools {
			pools = append(pools, pool)
		}
		o.mu.RUnlock()

		graceCtx, cancel := context.WithTimeout(ctx, o.config.ShutdownGrace)
		defer cancel()

		var (
			errMu sync.Mutex
			errs  []error
			wg    sync.WaitGroup
		)
		for _, pool := range pools {
			wg.Add(1)
			go func(pool *scheduler.WorkerPool) {
				defer wg.Done()
				if err := pool.Close(graceCtx); err != nil {
					errMu.Lock()
					errs = append(errs, fmt.Errorf("close pool %s: %w", pool.Name(), err))
					errMu.Unlock()
				}
			}(pool)
		}
		wg.Wait()

		o.recorder.Stop()

		if o.events != nil {
			if err := o.events.Stop(ctx); err != nil {
				errs = append(errs, fmt.Errorf("stop event sink: %w", err))
			}
		}
		if err := o.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close task store: %w", err))
		}

		o.shutdownErr = errors.Join(errs...)
		if o.shutdownErr != nil {
			o.logger.Warn("Orchestrator shut down with errors", zap.Error(o.shutdownErr))
		} else {
			o.logger.Info("Orchestrator shut down")
		}
	})
	return o.shutdownErr
}

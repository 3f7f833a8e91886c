package scheduler

import (
	"container/heap"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/agent-orchestrator/internal/model"
)

// Config defines configuration for a worker pool
type Config struct {
	Name          string
	DefaultPolicy Policy
	// StallTimeout is the liveness window of an active job. Zero uses the
	// default, a negative value disables stall detection.
	StallTimeout       time.Duration
	StallCheckInterval time.Duration
	// ManualHeartbeat makes Touch the only liveness signal of a running job.
	// Otherwise the executor refreshes it for as long as the attempt runs,
	// so only a lost executor stalls.
	ManualHeartbeat bool
	KeepCompleted   int
	KeepFailed      int
}

func (c Config) withDefaults() Config {
	c.DefaultPolicy = c.DefaultPolicy.Merge(DefaultPolicy())
	if c.StallTimeout == 0 {
		c.StallTimeout = defaultStallTimeout
	}
	if c.StallCheckInterval <= 0 {
		c.StallCheckInterval = defaultStallCheckInterval
		if c.StallTimeout > 0 && c.StallTimeout/2 < c.StallCheckInterval {
			c.StallCheckInterval = c.StallTimeout / 2
		}
	}
	if c.KeepCompleted <= 0 {
		c.KeepCompleted = defaultKeepCompleted
	}
	if c.KeepFailed <= 0 {
		c.KeepFailed = defaultKeepFailed
	}
	return c
}

// Stats is a best-effort point-in-time count of a pool's jobs
type Stats struct {
	Waiting   int  `json:"waiting"`
	Active    int  `json:"active"`
	Completed int  `json:"completed"`
	Failed    int  `json:"failed"`
	Delayed   int  `json:"delayed"`
	Paused    bool `json:"paused"`
}

// Option configures a WorkerPool
type Option func(*WorkerPool)

// WithHooks installs lifecycle hooks
func WithHooks(h Hooks) Option {
	return func(p *WorkerPool) { p.hooks = h }
}

// WithRecorder reports execution durations to r
func WithRecorder(r TaskRecorder) Option {
	return func(p *WorkerPool) { p.recorder = r }
}

// WorkerPool is a durable, priority-ordered holding area for the jobs of one
// agent type, executed by up to concurrency workers.
type WorkerPool struct {
	name     string
	config   Config
	logger   *zap.Logger
	hooks    Hooks
	recorder TaskRecorder

	mu          sync.Mutex
	jobs        map[string]*Job
	ready       *jobQueue
	delayed     *jobQueue
	completed   []string
	failed      []string
	running     int
	concurrency int
	process     ProcessFunc
	paused      bool
	closed      bool
	seq         uint64

	wake     chan struct{}
	stop     chan struct{}
	root     context.Context
	cancel   context.CancelFunc
	inflight sync.WaitGroup
	loops    sync.WaitGroup
	lastBeat atomic.Int64

	recurring *recurringScheduler
	closeOnce sync.Once
	closeErr  error
}

// New creates a worker pool. Jobs can be enqueued right away; nothing runs
// until RegisterExecutor is called.
func New(config Config, logger *zap.Logger, opts ...Option) *WorkerPool {
	config = config.withDefaults()
	root, cancel := context.WithCancel(context.Background())

	p := &WorkerPool{
		name:    config.Name,
		config:  config,
		logger:  logger.Named("worker-pool").With(zap.String("pool", config.Name)),
		jobs:    make(map[string]*Job),
		ready:   newReadyQueue(),
		delayed: newDelayedQueue(),
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		root:    root,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.recurring = newRecurringScheduler(p.logger, p.enqueue)
	return p
}

// Name returns the pool name
func (p *WorkerPool) Name() string {
	return p.name
}

// RegisterExecutor binds the function invoked per job and starts dispatching
// with at most concurrency simultaneous executions.
func (p *WorkerPool) RegisterExecutor(fn ProcessFunc, concurrency int) error {
	if concurrency < 1 {
		return ErrInvalidConcurrency
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPoolClosed
	}
	if p.process != nil {
		return ErrExecutorRegistered
	}
	p.process = fn
	p.concurrency = concurrency
	p.lastBeat.Store(time.Now().UnixNano())

	p.loops.Add(1)
	go p.dispatchLoop()
	if p.config.StallTimeout > 0 {
		p.loops.Add(1)
		go p.stallLoop()
	}

	p.logger.Info("Executor registered", zap.Int("concurrency", concurrency))
	return nil
}

// Enqueue adds a job and returns its id without waiting for execution
func (p *WorkerPool) Enqueue(ctx context.Context, req EnqueueRequest) (string, error) {
	return p.enqueue(ctx, req)
}

func (p *WorkerPool) enqueue(ctx context.Context, req EnqueueRequest) (string, error) {
	if req.TaskType == "" {
		return "", model.NewValidationError("task_type", "must not be empty")
	}
	priority := req.Priority.OrDefault()
	if !priority.Valid() {
		return "", model.NewValidationError("priority", "unknown priority %d", int(req.Priority))
	}

	id := req.ID
	if id == "" {
		id = uuid.New().String()
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return "", ErrPoolClosed
	}
	if _, exists := p.jobs[id]; exists {
		p.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrDuplicateJob, id)
	}
	p.mu.Unlock()

	now := time.Now()
	job := &Job{
		ID:          id,
		Pool:        p.name,
		TaskType:    req.TaskType,
		Input:       req.Input,
		Priority:    priority,
		Policy:      req.Policy.Merge(p.config.DefaultPolicy),
		State:       JobStateWaiting,
		RecurringID: req.recurringID,
		CreatedAt:   now,
		RunAt:       now,
		index:       -1,
	}
	if req.Delay > 0 {
		job.State = JobStateDelayed
		job.RunAt = now.Add(req.Delay)
	}

	if p.hooks.OnCreate != nil {
		if err := p.hooks.OnCreate(ctx, job.snapshot()); err != nil {
			return "", fmt.Errorf("enqueue %s: %w", id, err)
		}
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return "", ErrPoolClosed
	}
	if _, exists := p.jobs[id]; exists {
		p.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrDuplicateJob, id)
	}
	p.jobs[id] = job
	p.push(job)
	p.mu.Unlock()
	p.signal()

	p.logger.Debug("Job enqueued",
		zap.String("job_id", id),
		zap.String("task_type", job.TaskType),
		zap.String("priority", priority.String()),
		zap.Duration("delay", req.Delay))

	return id, nil
}

// push places a waiting or delayed job in its queue. Caller holds p.mu.
func (p *WorkerPool) push(job *Job) {
	job.parked = false
	switch job.State {
	case JobStateDelayed:
		p.seq++
		job.seq = p.seq
		heap.Push(p.delayed, job)
	case JobStateWaiting:
		p.seq++
		job.seq = p.seq
		heap.Push(p.ready, job)
	}
}

// detach removes job from whichever queue or retention list holds it.
// Caller holds p.mu.
func (p *WorkerPool) detach(job *Job) {
	if !p.ready.remove(job) {
		p.delayed.remove(job)
	}
	p.completed = removeID(p.completed, job.ID)
	p.failed = removeID(p.failed, job.ID)
}

func (p *WorkerPool) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

type activeRun struct {
	job   Job
	token uint64
}

// dispatchLoop promotes due delayed jobs and starts executors while slots
// are free
func (p *WorkerPool) dispatchLoop() {
	defer p.loops.Done()

	timer := time.NewTimer(idleTick)
	defer timer.Stop()

	for {
		p.lastBeat.Store(time.Now().UnixNano())
		wait := p.dispatch(time.Now())

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-p.stop:
			return
		case <-p.wake:
		case <-timer.C:
		}
	}
}

func (p *WorkerPool) dispatch(now time.Time) time.Duration {
	p.mu.Lock()

	for {
		head := p.delayed.peek()
		if head == nil || head.RunAt.After(now) {
			break
		}
		heap.Pop(p.delayed)
		head.State = JobStateWaiting
		p.push(head)
	}

	var runs []activeRun
	for !p.paused && !p.closed && p.running < p.concurrency && p.ready.Len() > 0 {
		job := heap.Pop(p.ready).(*Job)
		started := now
		job.State = JobStateActive
		job.Attempts++
		job.token++
		job.heartbeat = now
		job.StartedAt = &started
		job.FinishedAt = nil
		p.running++
		p.inflight.Add(1)
		runs = append(runs, activeRun{job: job.snapshot(), token: job.token})
	}

	wait := idleTick
	if head := p.delayed.peek(); head != nil {
		if d := head.RunAt.Sub(now); d < wait {
			wait = d
		}
	}
	if wait <= 0 {
		wait = time.Millisecond
	}
	p.mu.Unlock()

	for _, run := range runs {
		go p.execute(run)
	}
	return wait
}

// execute runs one attempt of a job
func (p *WorkerPool) execute(run activeRun) {
	defer p.inflight.Done()

	job := run.job
	ctx, cancel := context.WithCancelCause(p.root)
	defer cancel(nil)

	p.mu.Lock()
	current, ok := p.jobs[job.ID]
	live := ok && current.token == run.token && current.State == JobStateActive
	if live {
		current.cancel = cancel
	}
	p.mu.Unlock()
	if !live {
		// Stalled before it started.
		return
	}

	beat := func() { p.touch(job.ID, run.token) }
	if !p.config.ManualHeartbeat && p.config.StallTimeout > 0 {
		stopBeat := p.keepAlive(beat)
		defer stopBeat()
	}

	p.transition(job, JobStateActive, nil)

	ctx = withHeartbeat(ctx, beat)
	if job.Policy.Timeout > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeoutCause(ctx, job.Policy.Timeout, model.ErrJobTimeout)
		defer cancelTimeout()
	}

	start := time.Now()
	output, err := p.call(ctx, job)
	p.finish(run, output, err, time.Since(start))
}

// keepAlive refreshes a running job's heartbeat until the returned stop
// function is called
func (p *WorkerPool) keepAlive(beat func()) func() {
	interval := p.config.StallTimeout / 3
	if interval <= 0 {
		interval = time.Millisecond
	}

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				beat()
			}
		}
	}()
	return func() { close(done) }
}

// call invokes the process function and stops waiting once ctx ends, even
// if the function itself ignores cancellation.
func (p *WorkerPool) call(ctx context.Context, job Job) (json.RawMessage, error) {
	type result struct {
		output json.RawMessage
		err    error
	}
	done := make(chan result, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("%w: %v", ErrJobPanicked, r)}
			}
		}()
		output, err := p.process(ctx, job)
		done <- result{output: output, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil && ctx.Err() != nil {
			return nil, context.Cause(ctx)
		}
		return r.output, r.err
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	}
}

func (p *WorkerPool) touch(id string, token uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if job, ok := p.jobs[id]; ok && job.token == token && job.State == JobStateActive {
		job.heartbeat = time.Now()
	}
}

// finish applies the outcome of an attempt
func (p *WorkerPool) finish(run activeRun, output json.RawMessage, err error, duration time.Duration) {
	p.mu.Lock()
	job, ok := p.jobs[run.job.ID]
	if !ok || job.token != run.token || job.State != JobStateActive || job.parked {
		p.mu.Unlock()
		p.logger.Debug("Discarding result of superseded attempt",
			zap.String("job_id", run.job.ID),
			zap.Error(err))
		return
	}

	now := time.Now()
	job.cancel = nil
	p.running--

	var state JobState
	switch {
	case err == nil:
		state = JobStateCompleted
		job.Output = output
		job.LastError = ""
		job.FinishedAt = &now
	case p.closed && errors.Is(err, context.Canceled):
		// Interrupted by shutdown: not the job's fault.
		state = JobStateWaiting
		job.Attempts--
		job.LastError = ErrPoolClosed.Error()
	default:
		state = p.failureState(job, err, now)
	}
	job.State = state
	job.parked = true
	snapshot := job.snapshot()
	token := job.token
	p.mu.Unlock()

	if p.recorder != nil {
		p.recorder.RecordAgentTask(p.name, duration, err == nil)
	}

	if err != nil {
		p.logger.Warn("Job attempt failed",
			zap.String("job_id", snapshot.ID),
			zap.Int("attempt", snapshot.Attempts),
			zap.Int("max_attempts", snapshot.Policy.MaxAttempts),
			zap.String("next_state", string(state)),
			zap.Error(err))
	} else {
		p.logger.Debug("Job completed",
			zap.String("job_id", snapshot.ID),
			zap.Duration("duration", duration))
	}

	p.transition(snapshot, state, err)
	p.unpark(snapshot.ID, token)
}

// failureState decides between retry and final failure. Caller holds p.mu.
func (p *WorkerPool) failureState(job *Job, err error, now time.Time) JobState {
	job.LastError = err.Error()
	if model.IsValidation(err) || job.Attempts >= job.Policy.MaxAttempts {
		job.FinishedAt = &now
		return JobStateFailed
	}
	delay := retryDelay(job.Policy, job.Attempts)
	job.RunAt = now.Add(delay)
	if delay <= 0 {
		return JobStateWaiting
	}
	return JobStateDelayed
}

// unpark makes a job visible again after its transition hook ran
func (p *WorkerPool) unpark(id string, token uint64) {
	p.mu.Lock()
	job, ok := p.jobs[id]
	if !ok || !job.parked || job.token != token {
		p.mu.Unlock()
		return
	}
	job.parked = false

	switch job.State {
	case JobStateWaiting, JobStateDelayed:
		p.push(job)
	case JobStateCompleted:
		p.completed = append(p.completed, id)
		p.completed = p.trim(p.completed, p.config.KeepCompleted)
	case JobStateFailed:
		p.failed = append(p.failed, id)
		p.failed = p.trim(p.failed, p.config.KeepFailed)
	}
	p.mu.Unlock()
	p.signal()
}

// trim drops the oldest retained jobs beyond limit. Caller holds p.mu.
func (p *WorkerPool) trim(ids []string, limit int) []string {
	for len(ids) > limit {
		delete(p.jobs, ids[0])
		ids = ids[1:]
	}
	return ids
}

func (p *WorkerPool) transition(job Job, state JobState, err error) {
	if p.hooks.OnTransition == nil {
		return
	}
	job.State = state
	p.hooks.OnTransition(job, state, err)
}

// stallLoop periodically returns silent active jobs to the queue
func (p *WorkerPool) stallLoop() {
	defer p.loops.Done()

	ticker := time.NewTicker(p.config.StallCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case now := <-ticker.C:
			p.checkStalled(now)
		}
	}
}

type stalledJob struct {
	job   Job
	state JobState
	token uint64
}

func (p *WorkerPool) checkStalled(now time.Time) {
	p.mu.Lock()
	var stalled []stalledJob
	for _, job := range p.jobs {
		if job.State != JobStateActive || job.parked {
			continue
		}
		if now.Sub(job.heartbeat) < p.config.StallTimeout {
			continue
		}

		if job.cancel != nil {
			job.cancel(model.ErrJobStalled)
			job.cancel = nil
		}
		// Invalidate the running attempt so its late result is discarded.
		job.token++
		p.running--
		job.Stalls++

		var state JobState
		if job.Stalls == 1 {
			job.Attempts--
			job.LastError = model.ErrJobStalled.Error()
			state = JobStateWaiting
		} else {
			state = p.failureState(job, model.ErrJobStalled, now)
		}
		job.State = state
		job.parked = true
		stalled = append(stalled, stalledJob{job: job.snapshot(), state: state, token: job.token})
	}
	p.mu.Unlock()

	for _, s := range stalled {
		p.logger.Warn("Job stalled",
			zap.String("job_id", s.job.ID),
			zap.Int("stalls", s.job.Stalls),
			zap.String("next_state", string(s.state)))
		if p.recorder != nil && s.job.Stalls > 1 {
			p.recorder.RecordAgentTask(p.name, now.Sub(s.job.heartbeat), false)
		}
		p.transition(s.job, s.state, model.ErrJobStalled)
		p.unpark(s.job.ID, s.token)
	}
}

// Stats returns point-in-time job counts
func (p *WorkerPool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := Stats{Paused: p.paused}
	for _, job := range p.jobs {
		switch job.State {
		case JobStateWaiting:
			stats.Waiting++
		case JobStateDelayed:
			stats.Delayed++
		case JobStateActive:
			stats.Active++
		case JobStateCompleted:
			stats.Completed++
		case JobStateFailed:
			stats.Failed++
		}
	}
	return stats
}

// Pause stops dispatching; queued jobs are kept and running ones finish
func (p *WorkerPool) Pause() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolClosed
	}
	if !p.paused {
		p.paused = true
		p.logger.Info("Pool paused")
	}
	return nil
}

// Resume restarts dispatching
func (p *WorkerPool) Resume() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	wasPaused := p.paused
	p.paused = false
	p.mu.Unlock()

	if wasPaused {
		p.logger.Info("Pool resumed")
		p.signal()
	}
	return nil
}

// Paused reports whether dispatching is paused
func (p *WorkerPool) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

// Responsive reports whether the pool is open and its dispatcher is alive
func (p *WorkerPool) Responsive() bool {
	p.mu.Lock()
	closed, started := p.closed, p.process != nil
	p.mu.Unlock()

	if closed {
		return false
	}
	if !started {
		return true
	}
	last := time.Unix(0, p.lastBeat.Load())
	return time.Since(last) < 3*idleTick
}

// Job returns a copy of the job with the given id
func (p *WorkerPool) Job(id string) (Job, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	job, ok := p.jobs[id]
	if !ok {
		return Job{}, false
	}
	return job.snapshot(), true
}

// Jobs returns copies of the jobs in the given states (all when none),
// oldest first
func (p *WorkerPool) Jobs(states ...JobState) []Job {
	p.mu.Lock()
	jobs := make([]Job, 0, len(p.jobs))
	for _, job := range p.jobs {
		if len(states) == 0 || hasState(states, job.State) {
			jobs = append(jobs, job.snapshot())
		}
	}
	p.mu.Unlock()

	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.Before(jobs[j].CreatedAt) })
	return jobs
}

// Retry resubmits a failed job with a fresh attempt budget
func (p *WorkerPool) Retry(id string) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	job, ok := p.jobs[id]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if job.State != JobStateFailed {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrJobNotRetryable, id, job.State)
	}

	p.detach(job)
	job.State = JobStateWaiting
	job.Attempts = 0
	job.Stalls = 0
	job.LastError = ""
	job.Output = nil
	job.FinishedAt = nil
	job.RunAt = time.Now()
	job.parked = true
	snapshot := job.snapshot()
	token := job.token
	p.mu.Unlock()

	p.logger.Info("Job retried", zap.String("job_id", id))
	p.transition(snapshot, JobStateWaiting, nil)
	p.unpark(id, token)
	return nil
}

// Remove deletes a job that is not running
func (p *WorkerPool) Remove(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolClosed
	}
	job, ok := p.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if job.State == JobStateActive {
		return fmt.Errorf("%w: %s", ErrJobActive, id)
	}
	p.detach(job)
	delete(p.jobs, id)
	return nil
}

// Clear removes every job in the given states, or every job that is not
// running when no state is given. It returns the number of removed jobs.
func (p *WorkerPool) Clear(states ...JobState) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, ErrPoolClosed
	}

	removed := 0
	for id, job := range p.jobs {
		if job.State == JobStateActive {
			continue
		}
		if len(states) > 0 && !hasState(states, job.State) {
			continue
		}
		p.detach(job)
		delete(p.jobs, id)
		removed++
	}
	p.logger.Info("Pool cleared", zap.Int("removed", removed))
	return removed, nil
}

// AddRecurring registers a calendar rule; every firing enqueues a new job
func (p *WorkerPool) AddRecurring(req RecurringRequest) (string, error) {
	if req.TaskType == "" {
		return "", model.NewValidationError("task_type", "must not be empty")
	}
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return "", ErrPoolClosed
	}
	return p.recurring.add(req)
}

// RemoveRecurring unregisters a calendar rule
func (p *WorkerPool) RemoveRecurring(id string) error {
	return p.recurring.remove(id)
}

// Recurring lists the registered calendar rules
func (p *WorkerPool) Recurring() []RecurringInfo {
	return p.recurring.list()
}

// Close stops dispatching and recurring rules, waits for running jobs until
// ctx is done and then cancels whatever is still running. Calling Close
// again returns the first result.
func (p *WorkerPool) Close(ctx context.Context) error {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		active := p.running
		p.mu.Unlock()

		p.logger.Info("Closing pool", zap.Int("active", active))

		p.recurring.stop()
		close(p.stop)
		p.loops.Wait()

		done := make(chan struct{})
		go func() {
			p.inflight.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-ctx.Done():
			p.logger.Warn("Grace period exceeded, cancelling running jobs")
			p.closeErr = fmt.Errorf("%w: %w", ErrShutdownTimeout, ctx.Err())
			p.cancel()
			<-done
		}
		p.cancel()
	})
	return p.closeErr
}

func hasState(states []JobState, s JobState) bool {
	for _, state := range states {
		if state == s {
			return true
		}
	}
	return false
}

func removeID(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}

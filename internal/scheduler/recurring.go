package scheduler

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/t77yq/agent-orchestrator/internal/model"
)

// cronParser accepts standard five-field rules, an optional leading seconds
// field and descriptors such as @hourly or @every 10m.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseCron validates a recurrence rule.
func ParseCron(expr string) (cron.Schedule, error) {
	spec, err := cronParser.Parse(expr)
	if err != nil {
		return nil, model.NewValidationError("cron", "%q: %v", expr, err)
	}
	return spec, nil
}

// RecurringRequest describes a calendar rule that enqueues a fresh job on
// every firing
type RecurringRequest struct {
	TaskType string
	Input    json.RawMessage
	Cron     string
	Priority model.TaskPriority
	Policy   Policy
}

// RecurringInfo is a read-only view of a registered rule
type RecurringInfo struct {
	ID          string             `json:"id"`
	TaskType    string             `json:"task_type"`
	Cron        string             `json:"cron"`
	Priority    model.TaskPriority `json:"priority"`
	Fired       int                `json:"fired"`
	LastRunTime *time.Time         `json:"last_run_time,omitempty"`
	NextRunTime *time.Time         `json:"next_run_time,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
}

// cronLogger adapts zap.Logger to cron.Logger
type cronLogger struct {
	logger *zap.Logger
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, zap.Any("details", keysAndValues))
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, zap.Error(err), zap.Any("details", keysAndValues))
}

type recurringEntry struct {
	info    RecurringInfo
	req     RecurringRequest
	entryID cron.EntryID
}

// recurringScheduler owns the cron runner of one pool
type recurringScheduler struct {
	logger  *zap.Logger
	cron    *cron.Cron
	enqueue func(ctx context.Context, req EnqueueRequest) (string, error)

	mu      sync.Mutex
	entries map[string]*recurringEntry
	started bool
}

func newRecurringScheduler(logger *zap.Logger, enqueue func(context.Context, EnqueueRequest) (string, error)) *recurringScheduler {
	cl := &cronLogger{logger: logger.Named("cron")}
	return &recurringScheduler{
		logger:  logger,
		enqueue: enqueue,
		entries: make(map[string]*recurringEntry),
		cron: cron.New(
			cron.WithParser(cronParser),
			cron.WithChain(cron.Recover(cl)),
			cron.WithLogger(cl),
		),
	}
}

func (s *recurringScheduler) add(req RecurringRequest) (string, error) {
	spec, err := ParseCron(req.Cron)
	if err != nil {
		return "", err
	}

	entry := &recurringEntry{
		req: req,
		info: RecurringInfo{
			ID:        uuid.New().String(),
			TaskType:  req.TaskType,
			Cron:      req.Cron,
			Priority:  req.Priority.OrDefault(),
			CreatedAt: time.Now(),
		},
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entryID := s.cron.Schedule(spec, &recurringJob{scheduler: s, id: entry.info.ID})
	entry.entryID = entryID
	s.entries[entry.info.ID] = entry

	if !s.started {
		s.cron.Start()
		s.started = true
	}

	next := spec.Next(time.Now())
	entry.info.NextRunTime = &next

	s.logger.Info("Added recurring rule",
		zap.String("id", entry.info.ID),
		zap.String("task_type", req.TaskType),
		zap.String("cron", req.Cron),
		zap.Time("next_run", next))

	return entry.info.ID, nil
}

func (s *recurringScheduler) remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[id]
	if !ok {
		return ErrRecurringNotFound
	}
	s.cron.Remove(entry.entryID)
	delete(s.entries, id)

	s.logger.Info("Removed recurring rule", zap.String("id", id))
	return nil
}

func (s *recurringScheduler) list() []RecurringInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	infos := make([]RecurringInfo, 0, len(s.entries))
	for _, entry := range s.entries {
		info := entry.info
		if next := s.cron.Entry(entry.entryID).Next; !next.IsZero() {
			info.NextRunTime = &next
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].CreatedAt.Before(infos[j].CreatedAt) })
	return infos
}

func (s *recurringScheduler) stop() {
	s.mu.Lock()
	started := s.started
	s.started = false
	s.mu.Unlock()

	if started {
		ctx := s.cron.Stop()
		<-ctx.Done()
	}
}

// recurringJob implements cron.Job
type recurringJob struct {
	scheduler *recurringScheduler
	id        string
}

// Run implements cron.Job
func (j *recurringJob) Run() {
	s := j.scheduler
	now := time.Now()

	s.mu.Lock()
	entry, ok := s.entries[j.id]
	if !ok {
		s.mu.Unlock()
		return
	}
	entry.info.LastRunTime = &now
	entry.info.Fired++
	req := entry.req
	s.mu.Unlock()

	jobID, err := s.enqueue(context.Background(), EnqueueRequest{
		TaskType:    req.TaskType,
		Input:       req.Input,
		Priority:    req.Priority,
		Policy:      req.Policy,
		recurringID: j.id,
	})
	if err != nil {
		s.logger.Error("Failed to enqueue recurring job",
			zap.String("id", j.id),
			zap.String("task_type", req.TaskType),
			zap.Error(err))
		return
	}

	s.logger.Info("Fired recurring rule",
		zap.String("id", j.id),
		zap.String("job_id", jobID),
		zap.Time("executed_at", now))
}

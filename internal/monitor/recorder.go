// Package monitor records request and per-agent execution metrics, samples
// host resources and tracks changes of the overall health tier.
package monitor

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	responseWindow            = 1000
	defaultPercentileInterval = 60 * time.Second
)

// AgentTaskStats aggregates finished executions of one agent type
type AgentTaskStats struct {
	Tasks           int64         `json:"tasks"`
	Failures        int64         `json:"failures"`
	AverageDuration time.Duration `json:"average_duration"`
}

// Snapshot is an immutable copy of the recorded metrics
type Snapshot struct {
	TotalRequests       int64                     `json:"total_requests"`
	FailedRequests      int64                     `json:"failed_requests"`
	ErrorRate           float64                   `json:"error_rate"`
	AverageResponseTime time.Duration             `json:"average_response_time"`
	P95ResponseTime     time.Duration             `json:"p95_response_time"`
	P99ResponseTime     time.Duration             `json:"p99_response_time"`
	Agents              map[string]AgentTaskStats `json:"agents"`
	StartedAt           time.Time                 `json:"started_at"`
}

// KeyValues renders the snapshot as sorted key=value lines
func (s Snapshot) KeyValues() string {
	var b strings.Builder
	fmt.Fprintf(&b, "requests_total=%d\n", s.TotalRequests)
	fmt.Fprintf(&b, "requests_failed=%d\n", s.FailedRequests)
	fmt.Fprintf(&b, "error_rate=%.4f\n", s.ErrorRate)
	fmt.Fprintf(&b, "response_time_avg_ms=%d\n", s.AverageResponseTime.Milliseconds())
	fmt.Fprintf(&b, "response_time_p95_ms=%d\n", s.P95ResponseTime.Milliseconds())
	fmt.Fprintf(&b, "response_time_p99_ms=%d\n", s.P99ResponseTime.Milliseconds())
	for _, name := range s.agentNames() {
		a := s.Agents[name]
		fmt.Fprintf(&b, "agent_%s_tasks=%d\n", name, a.Tasks)
		fmt.Fprintf(&b, "agent_%s_failures=%d\n", name, a.Failures)
		fmt.Fprintf(&b, "agent_%s_duration_avg_ms=%d\n", name, a.AverageDuration.Milliseconds())
	}
	return b.String()
}

// Summary renders the snapshot for humans
func (s Snapshot) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Requests: %d (%d failed, %.1f%% error rate)\n", s.TotalRequests, s.FailedRequests, s.ErrorRate*100)
	fmt.Fprintf(&b, "Response time: avg %s, p95 %s, p99 %s\n", s.AverageResponseTime, s.P95ResponseTime, s.P99ResponseTime)
	for _, name := range s.agentNames() {
		a := s.Agents[name]
		fmt.Fprintf(&b, "Agent %s: %d tasks, %d failed, avg %s\n", name, a.Tasks, a.Failures, a.AverageDuration)
	}
	return b.String()
}

func (s Snapshot) agentNames() []string {
	names := make([]string, 0, len(s.Agents))
	for name := range s.Agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Recorder collects request and agent execution metrics
type Recorder struct {
	logger   *zap.Logger
	interval time.Duration

	mu            sync.RWMutex
	requests      int64
	failures      int64
	totalResponse time.Duration
	window        []time.Duration
	next          int
	p95           time.Duration
	p99           time.Duration
	agents        map[string]*AgentTaskStats
	startedAt     time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

// NewRecorder creates a recorder that refreshes percentiles every interval
// once started
func NewRecorder(interval time.Duration, logger *zap.Logger) *Recorder {
	if interval <= 0 {
		interval = defaultPercentileInterval
	}
	return &Recorder{
		logger:    logger.Named("metrics-recorder"),
		interval:  interval,
		window:    make([]time.Duration, 0, responseWindow),
		agents:    make(map[string]*AgentTaskStats),
		startedAt: time.Now(),
		stop:      make(chan struct{}),
	}
}

// Start starts the percentile refresh loop
func (r *Recorder) Start(ctx context.Context) {
	r.logger.Info("Starting metrics recorder", zap.Duration("interval", r.interval))
	go r.refreshLoop(ctx)
}

// Stop stops the refresh loop
func (r *Recorder) Stop() {
	r.stopOnce.Do(func() {
		r.logger.Info("Stopping metrics recorder")
		close(r.stop)
	})
}

func (r *Recorder) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			r.RefreshPercentiles()
		}
	}
}

// RecordRequest records one task submission and how long admission took
func (r *Recorder) RecordRequest(duration time.Duration, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.requests++
	if !success {
		r.failures++
	}
	r.totalResponse += duration

	if len(r.window) < responseWindow {
		r.window = append(r.window, duration)
	} else {
		r.window[r.next] = duration
	}
	r.next = (r.next + 1) % responseWindow
}

// RecordAgentTask records one finished execution of an agent type
func (r *Recorder) RecordAgentTask(agentType string, duration time.Duration, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats, ok := r.agents[agentType]
	if !ok {
		stats = &AgentTaskStats{}
		r.agents[agentType] = stats
	}
	stats.Tasks++
	if !success {
		stats.Failures++
	}
	stats.AverageDuration += time.Duration((float64(duration) - float64(stats.AverageDuration)) / float64(stats.Tasks))
}

// RefreshPercentiles recomputes p95 and p99 over the response time window
func (r *Recorder) RefreshPercentiles() {
	r.mu.RLock()
	sorted := append([]time.Duration(nil), r.window...)
	r.mu.RUnlock()

	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	p95, p99 := percentile(sorted, 0.95), percentile(sorted, 0.99)

	r.mu.Lock()
	r.p95, r.p99 = p95, p99
	r.mu.Unlock()

	r.logger.Debug("Percentiles refreshed",
		zap.Int("samples", len(sorted)),
		zap.Duration("p95", p95),
		zap.Duration("p99", p99))
}

// percentile uses the nearest-rank method on sorted samples
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(p*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	return sorted[rank]
}

// Snapshot returns a copy of the current metrics
func (r *Recorder) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := Snapshot{
		TotalRequests:   r.requests,
		FailedRequests:  r.failures,
		P95ResponseTime: r.p95,
		P99ResponseTime: r.p99,
		Agents:          make(map[string]AgentTaskStats, len(r.agents)),
		StartedAt:       r.startedAt,
	}
	if r.requests > 0 {
		s.ErrorRate = float64(r.failures) / float64(r.requests)
		s.AverageResponseTime = r.totalResponse / time.Duration(r.requests)
	}
	for name, stats := range r.agents {
		s.Agents[name] = *stats
	}
	return s
}

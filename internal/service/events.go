// Package service publishes task lifecycle events and health alerts to NATS
// JetStream.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/agent-orchestrator/internal/model"
)

const (
	// StreamName is the JetStream stream holding task events and alerts
	StreamName = "TASK_EVENTS"

	eventSubjectPrefix = "task.event."
	healthAlertSubject = "task.alert.health"

	defaultBufferSize = 256
)

// TaskEvent reports one lifecycle transition of a task
type TaskEvent struct {
	ID        string          `json:"id"`
	TaskID    string          `json:"task_id"`
	AgentType model.AgentType `json:"agent_type"`
	TaskType  string          `json:"task_type"`
	State     string          `json:"state"`
	Attempt   int             `json:"attempt"`
	Error     string          `json:"error,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// EventSubject returns the subject events of an agent type are published on
func EventSubject(agentType model.AgentType) string {
	return eventSubjectPrefix + string(agentType)
}

type outbound struct {
	subject string
	data    []byte
	id      string
}

// EventPublisher publishes events from a bounded buffer on a single
// goroutine. Events offered while the buffer is full are dropped.
type EventPublisher struct {
	js     nats.JetStreamContext
	logger *zap.Logger

	events chan outbound
	stop   chan struct{}
	done   chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
	mu        sync.Mutex
	drops     int64
}

// NewEventPublisher creates the stream if needed and returns a publisher
// with room for bufferSize pending events
func NewEventPublisher(js nats.JetStreamContext, bufferSize int, logger *zap.Logger) (*EventPublisher, error) {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}

	if err := ensureStream(js); err != nil {
		return nil, err
	}

	return &EventPublisher{
		js:     js,
		logger: logger.Named("event-publisher"),
		events: make(chan outbound, bufferSize),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}, nil
}

func ensureStream(js nats.JetStreamContext) error {
	_, err := js.StreamInfo(StreamName)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("failed to get stream info: %w", err)
	}

	_, err = js.AddStream(&nats.StreamConfig{
		Name:     StreamName,
		Subjects: []string{eventSubjectPrefix + "*", "task.alert.*"},
		Storage:  nats.FileStorage,
		MaxAge:   24 * time.Hour,
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}
	return nil
}

// Start starts the publish loop
func (p *EventPublisher) Start() {
	p.startOnce.Do(func() {
		p.logger.Info("Starting event publisher", zap.Int("buffer", cap(p.events)))
		go p.publishLoop()
	})
}

// Stop flushes buffered events and stops the loop, waiting until ctx is done
// at most
func (p *EventPublisher) Stop(ctx context.Context) error {
	p.stopOnce.Do(func() {
		close(p.stop)
	})
	// A publisher that never started has nothing to flush.
	p.startOnce.Do(func() { close(p.done) })

	select {
	case <-p.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	p.logger.Info("Event publisher stopped", zap.Int64("dropped", p.Dropped()))
	return nil
}

func (p *EventPublisher) publishLoop() {
	defer close(p.done)

	for {
		select {
		case msg := <-p.events:
			p.publish(msg)
		case <-p.stop:
			for {
				select {
				case msg := <-p.events:
					p.publish(msg)
				default:
					return
				}
			}
		}
	}
}

func (p *EventPublisher) publish(msg outbound) {
	if _, err := p.js.Publish(msg.subject, msg.data, nats.MsgId(msg.id)); err != nil {
		p.logger.Error("Failed to publish event",
			zap.String("subject", msg.subject),
			zap.String("event_id", msg.id),
			zap.Error(err))
	}
}

// PublishTask queues a task event without blocking
func (p *EventPublisher) PublishTask(event TaskEvent) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	data, err := json.Marshal(event)
	if err != nil {
		p.logger.Error("Failed to marshal event", zap.Error(err))
		return
	}
	p.offer(outbound{subject: EventSubject(event.AgentType), data: data, id: event.ID})
}

// Send implements monitor.NotificationChannel
func (p *EventPublisher) Send(alert model.HealthAlert) error {
	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}
	if !p.offer(outbound{subject: healthAlertSubject, data: data, id: uuid.New().String()}) {
		return errors.New("event buffer full or publisher stopped")
	}
	return nil
}

func (p *EventPublisher) offer(msg outbound) bool {
	select {
	case <-p.stop:
		p.drop(msg, "publisher stopped")
		return false
	default:
	}

	select {
	case p.events <- msg:
		return true
	default:
		p.drop(msg, "buffer full")
		return false
	}
}

func (p *EventPublisher) drop(msg outbound, reason string) {
	p.mu.Lock()
	p.drops++
	p.mu.Unlock()

	p.logger.Warn("Dropping event",
		zap.String("subject", msg.subject),
		zap.String("reason", reason))
}

// Dropped returns the number of events dropped so far
func (p *EventPublisher) Dropped() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.drops
}

// Subscribe delivers the events of one agent type, or of all types when
// agentType is empty, to handler until ctx is done
func (p *EventPublisher) Subscribe(ctx context.Context, agentType model.AgentType, handler func(TaskEvent)) error {
	subject := eventSubjectPrefix + "*"
	if agentType != "" {
		subject = EventSubject(agentType)
	}

	sub, err := p.js.Subscribe(subject, func(msg *nats.Msg) {
		var event TaskEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			p.logger.Error("Failed to unmarshal event", zap.Error(err))
			return
		}

		handler(event)
		msg.Ack()
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	go func() {
		<-ctx.Done()
		sub.Unsubscribe()
	}()

	return nil
}

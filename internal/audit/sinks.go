package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/driverdesk/server/internal/model"
	"github.com/driverdesk/server/internal/repo"
)

const storeTimeout = 5 * time.Second

// StoreSink appends events to the audit_events table
type StoreSink struct {
	repo repo.AuditRepo
}

// NewStoreSink creates a sink backed by an AuditRepo
func NewStoreSink(r repo.AuditRepo) *StoreSink {
	return &StoreSink{repo: r}
}

func (s *StoreSink) Record(ctx context.Context, e model.AuditEvent) error {
	// detached like KafkaSink: the audited effects are already committed
	insertCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
	defer cancel()
	return s.repo.Insert(insertCtx, e)
}

// kafkaEvent is the wire shape published to the audit topic
type kafkaEvent struct {
	ID        string    `json:"id"`
	Actor     string    `json:"actor"`
	Action    string    `json:"action"`
	TargetIDs []string  `json:"target_ids"`
	Outcome   string    `json:"outcome,omitempty"`
	Notes     string    `json:"notes,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// messageWriter is the part of *kafka.Writer the sink uses
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes events as JSON to a Kafka topic, keyed by action
type KafkaSink struct {
	writer messageWriter
}

// NewKafkaSink returns nil when brokers or topic are missing. Call Close when shutting down.
func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	if len(brokers) == 0 || topic == "" {
		return nil
	}
	return &KafkaSink{writer: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 50 * time.Millisecond,
	}}
}

func (k *KafkaSink) Record(ctx context.Context, e model.AuditEvent) error {
	if k == nil || k.writer == nil {
		return nil
	}
	payload, err := json.Marshal(kafkaEvent{
		ID:        e.ID.String(),
		Actor:     e.Actor,
		Action:    e.Action,
		TargetIDs: e.TargetIDs,
		Outcome:   e.Outcome,
		Notes:     e.Notes,
		CreatedAt: e.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	// detached from the request so a client disconnect does not drop the event
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := k.writer.WriteMessages(writeCtx, kafka.Message{Key: []byte(e.Action), Value: payload}); err != nil {
		return fmt.Errorf("publish audit event: %w", err)
	}
	return nil
}

// Close closes the Kafka writer. Safe to call on nil.
func (k *KafkaSink) Close() error {
	if k == nil || k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

// Multi fans an event out to every sink and joins their errors
type Multi []Sink

func (m Multi) Record(ctx context.Context, e model.AuditEvent) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Record(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Memory keeps events in process memory
type Memory struct {
	mu     sync.Mutex
	events []model.AuditEvent
	// Err, when set, is returned by Record
	Err error
}

func (m *Memory) Record(_ context.Context, e model.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.events = append(m.events, e)
	return nil
}

// Events returns a copy of the recorded events
func (m *Memory) Events() []model.AuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.AuditEvent, len(m.events))
	copy(out, m.events)
	return out
}

// ByAction returns the recorded events with the given action
func (m *Memory) ByAction(action string) []model.AuditEvent {
	var out []model.AuditEvent
	for _, e := range m.Events() {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}

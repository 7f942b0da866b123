// Package events publishes dispatch lifecycle changes for downstream consumers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"dispatch-engine-go/internal/config"
)

// Type names a lifecycle change
type Type string

const (
	DispatchSent      Type = "dispatch.sent"
	DispatchFailed    Type = "dispatch.failed"
	DispatchCancelled Type = "dispatch.cancelled"
)

// Event is one lifecycle change of a dispatch
type Event struct {
	Type           Type      `json:"type"`
	DispatchID     string    `json:"dispatchId"`
	CampaignID     string    `json:"campaignId,omitempty"`
	SenderID       string    `json:"senderId"`
	IdempotencyKey string    `json:"idempotencyKey,omitempty"`
	MessageID      string    `json:"messageId,omitempty"`
	Error          string    `json:"error,omitempty"`
	OccurredAt     time.Time `json:"occurredAt"`
}

// Publisher delivers events. Publishing is best effort: callers log failures
// and carry on, the relational store stays authoritative.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// New returns a Kafka publisher when brokers are configured, otherwise a no-op
func New(cfg config.EventsConfig) Publisher {
	if !cfg.Enabled() {
		return Nop{}
	}
	return NewKafkaPublisher(cfg)
}

// Nop discards every event
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes JSON events keyed by dispatch id
type KafkaPublisher struct {
	writer messageWriter
	mu     sync.Mutex
	closed bool
}

// NewKafkaPublisher creates a publisher for cfg.Topic
func NewKafkaPublisher(cfg config.EventsConfig) *KafkaPublisher {
	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           100 * time.Millisecond,
		WriteTimeout:           writeTimeout,
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: false,
	}
	logrus.WithFields(logrus.Fields{
		"brokers": cfg.Brokers,
		"topic":   cfg.Topic,
	}).Info("Kafka event publisher created")
	return &KafkaPublisher{writer: writer}
}

// Publish writes one event. Keying by dispatch id keeps a dispatch's events ordered.
func (p *KafkaPublisher) Publish(ctx context.Context, event Event) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return fmt.Errorf("event publisher is closed")
	}

	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.DispatchID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(event.Type)},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to publish %s for %s: %w", event.Type, event.DispatchID, err)
	}
	return nil
}

// Close flushes pending writes
func (p *KafkaPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.writer.Close()
}

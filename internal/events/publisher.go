package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"
)

// Event types emitted by the chat engine. summary.update_failed is the
// diagnostic channel for non-fatal summary write failures.
const (
	TypeConversationCreated = "chat.conversation.created"
	TypeMessageSent         = "chat.message.sent"
	TypeSummaryUpdateFailed = "chat.summary.update_failed"
)

// Event is the JSON payload published per chat occurrence.
type Event struct {
	Type           string    `json:"type"`
	ConversationID string    `json:"conversation_id"`
	MessageID      string    `json:"message_id,omitempty"`
	Detail         string    `json:"detail,omitempty"`
	At             time.Time `json:"at"`
}

// Publisher delivers chat events to interested collaborators (notification
// fan-out, diagnostics).
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// KafkaPublisher emits events through an idempotent sync producer, keyed by
// conversation so per-conversation ordering is preserved.
type KafkaPublisher struct {
	producer sarama.SyncProducer
	topic    string
	logger   *slog.Logger
}

// NewKafkaPublisher connects a sync producer to the given brokers.
func NewKafkaPublisher(brokers []string, topic string, logger *slog.Logger) (*KafkaPublisher, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Idempotent = true
	cfg.Net.MaxOpenRequests = 1
	cfg.Producer.Return.Successes = true
	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("events: create producer: %w", err)
	}
	return &KafkaPublisher{producer: producer, topic: topic, logger: logger}, nil
}

// Publish marshals and sends one event.
func (p *KafkaPublisher) Publish(ctx context.Context, event Event) error {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("events: encode event: %w", err)
	}
	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(event.ConversationID),
		Value: sarama.ByteEncoder(payload),
	}
	if _, _, err := p.producer.SendMessage(msg); err != nil {
		return fmt.Errorf("events: publish %s: %w", event.Type, err)
	}
	if p.logger != nil {
		p.logger.Debug("event published", "type", event.Type, "conversation_id", event.ConversationID)
	}
	return nil
}

// Close shuts the producer down.
func (p *KafkaPublisher) Close() error {
	if p.producer == nil {
		return nil
	}
	return p.producer.Close()
}

// NoopPublisher drops events; used when no brokers are configured.
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, Event) error { return nil }
func (NoopPublisher) Close() error                         { return nil }

var _ Publisher = (*KafkaPublisher)(nil)
var _ Publisher = NoopPublisher{}

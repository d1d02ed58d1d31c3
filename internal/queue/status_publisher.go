package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// StatusEvent is a gateway delivery-status report carried on the status topic.
type StatusEvent struct {
	InstanceID string     `json:"instanceId"`
	MessageID  string     `json:"messageId"`
	Status     string     `json:"status"`
	Error      string     `json:"error,omitempty"`
	Timestamp  *time.Time `json:"timestamp,omitempty"`
	ReceivedAt time.Time  `json:"receivedAt"`
}

// StatusPublisher publishes webhook status events for asynchronous reconciliation.
type StatusPublisher struct {
	writer *kafka.Writer
}

// NewStatusPublisher constructs a status publisher for the given topic.
func NewStatusPublisher(k *Kafka, topic string) *StatusPublisher {
	return &StatusPublisher{writer: k.NewWriter(topic)}
}

// PublishStatus emits a status event to Kafka, keyed by provider message id so
// events for one message stay ordered within a partition.
func (p *StatusPublisher) PublishStatus(ctx context.Context, event StatusEvent) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("status publisher: marshal message: %w", err)
	}
	record := kafka.Message{
		Key:   []byte(event.MessageID),
		Value: value,
		Time:  time.Now().UTC(),
	}
	if err := p.writer.WriteMessages(ctx, record); err != nil {
		return fmt.Errorf("status publisher: write message: %w", err)
	}
	return nil
}

// Close closes the publisher.
func (p *StatusPublisher) Close() error {
	return p.writer.Close()
}

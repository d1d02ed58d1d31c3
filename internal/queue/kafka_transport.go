package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// KafkaPublisher writes job envelopes to the job topic.
type KafkaPublisher struct {
	writer *kafka.Writer
}

// NewKafkaPublisher constructs a publisher for the given topic.
func NewKafkaPublisher(k *Kafka, topic string) *KafkaPublisher {
	return &KafkaPublisher{writer: k.NewWriter(topic)}
}

// Publish writes the job to Kafka.
func (p *KafkaPublisher) Publish(ctx context.Context, job Job) error {
	value, err := job.Marshal()
	if err != nil {
		return err
	}
	record := kafka.Message{
		Key:   job.ID[:],
		Value: value,
		Time:  time.Now().UTC(),
		Headers: []kafka.Header{
			{Key: "job-type", Value: []byte(job.Type)},
		},
	}
	if err := p.writer.WriteMessages(ctx, record); err != nil {
		return fmt.Errorf("kafka publisher: write message: %w", err)
	}
	return nil
}

// Close closes the underlying writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// KafkaDeadLetter writes abandoned jobs with their last error to a dedicated topic.
type KafkaDeadLetter struct {
	writer *kafka.Writer
}

// NewKafkaDeadLetter constructs a dead-letter sink for the given topic.
func NewKafkaDeadLetter(k *Kafka, topic string) *KafkaDeadLetter {
	return &KafkaDeadLetter{writer: k.NewWriter(topic)}
}

// DeadLetter writes the job and cause to the dead-letter topic.
func (d *KafkaDeadLetter) DeadLetter(ctx context.Context, job Job, cause error) error {
	value, err := job.Marshal()
	if err != nil {
		return err
	}
	record := kafka.Message{
		Key:   job.ID[:],
		Value: value,
		Time:  time.Now().UTC(),
		Headers: []kafka.Header{
			{Key: "job-type", Value: []byte(job.Type)},
			{Key: "error", Value: []byte(cause.Error())},
		},
	}
	if err := d.writer.WriteMessages(ctx, record); err != nil {
		return fmt.Errorf("kafka dead letter: write message: %w", err)
	}
	return nil
}

// Close closes the underlying writer.
func (d *KafkaDeadLetter) Close() error {
	return d.writer.Close()
}

// KafkaConsumer reads jobs from a topic within a consumer group. Offsets are
// committed only after the handler outcome has been recorded.
type KafkaConsumer struct {
	reader *kafka.Reader
	logger *zap.Logger
}

// NewKafkaConsumer constructs a consumer for the given topic and group.
func NewKafkaConsumer(k *Kafka, topic, groupID string, logger *zap.Logger) *KafkaConsumer {
	return &KafkaConsumer{reader: k.NewReader(topic, groupID), logger: logger}
}

// Consume fetches messages until ctx is cancelled.
func (c *KafkaConsumer) Consume(ctx context.Context, handle Handler) error {
	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Error("kafka consumer: fetch message", zap.Error(err))
			continue
		}

		job, err := UnmarshalJob(m.Value)
		if err != nil {
			c.logger.Error("kafka consumer: discarding malformed job", zap.Error(err))
			_ = c.reader.CommitMessages(ctx, m)
			continue
		}

		// The offset stays uncommitted until the outcome is recorded, so the
		// same message is retried in place rather than skipped.
		for {
			err := handle(ctx, job)
			if err == nil {
				break
			}
			c.logger.Error("kafka consumer: process job", zap.String("job_id", job.ID.String()), zap.Error(err))
			if werr := sleepCtx(ctx, time.Second); werr != nil {
				return werr
			}
		}

		if err := c.reader.CommitMessages(ctx, m); err != nil {
			c.logger.Error("kafka consumer: commit", zap.Error(err))
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Close closes the underlying reader.
func (c *KafkaConsumer) Close() error {
	return c.reader.Close()
}

package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/acme/whatsapp-dispatch/internal/config"
)

const rabbitRoutingKey = "jobs"

// RabbitMQ is a job transport over a durable queue with a dead-letter exchange.
type RabbitMQ struct {
	cfg    config.RabbitMQConfig
	conn   *amqp.Connection
	mu     sync.Mutex
	ch     *amqp.Channel
	logger *zap.Logger
}

// NewRabbitMQ dials the broker and declares the topology.
func NewRabbitMQ(cfg config.RabbitMQConfig, logger *zap.Logger) (*RabbitMQ, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("rabbitmq: no url configured")
	}
	if cfg.Exchange == "" {
		cfg.Exchange = "ex.dispatch"
	}
	if cfg.Queue == "" {
		cfg.Queue = "q.dispatch.jobs"
	}
	if cfg.DeadLetter == "" {
		cfg.DeadLetter = cfg.Queue + ".dlq"
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq: dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("rabbitmq: open channel: %w", err)
	}

	r := &RabbitMQ{cfg: cfg, conn: conn, ch: ch, logger: logger}
	if err := r.setupTopology(); err != nil {
		r.Close()
		return nil, err
	}
	return r, nil
}

func (r *RabbitMQ) dlxName() string {
	return r.cfg.Exchange + ".dlx"
}

func (r *RabbitMQ) setupTopology() error {
	if err := r.ch.ExchangeDeclare(r.dlxName(), "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("rabbitmq: declare dlx: %w", err)
	}
	if _, err := r.ch.QueueDeclare(r.cfg.DeadLetter, true, false, false, false, nil); err != nil {
		return fmt.Errorf("rabbitmq: declare dlq: %w", err)
	}
	if err := r.ch.QueueBind(r.cfg.DeadLetter, rabbitRoutingKey, r.dlxName(), false, nil); err != nil {
		return fmt.Errorf("rabbitmq: bind dlq: %w", err)
	}

	args := amqp.Table{
		"x-dead-letter-exchange":    r.dlxName(),
		"x-dead-letter-routing-key": rabbitRoutingKey,
	}
	if err := r.ch.ExchangeDeclare(r.cfg.Exchange, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("rabbitmq: declare exchange: %w", err)
	}
	if _, err := r.ch.QueueDeclare(r.cfg.Queue, true, false, false, false, args); err != nil {
		return fmt.Errorf("rabbitmq: declare queue: %w", err)
	}
	if err := r.ch.QueueBind(r.cfg.Queue, rabbitRoutingKey, r.cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("rabbitmq: bind queue: %w", err)
	}
	return nil
}

// Publish writes the job as a persistent message.
func (r *RabbitMQ) Publish(ctx context.Context, job Job) error {
	return r.publish(ctx, r.cfg.Exchange, job, nil)
}

// DeadLetter routes the job straight to the dead-letter exchange with its cause.
func (r *RabbitMQ) DeadLetter(ctx context.Context, job Job, cause error) error {
	return r.publish(ctx, r.dlxName(), job, amqp.Table{"x-error": cause.Error()})
}

func (r *RabbitMQ) publish(ctx context.Context, exchange string, job Job, headers amqp.Table) error {
	body, err := job.Marshal()
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	err = r.ch.PublishWithContext(ctx, exchange, rabbitRoutingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    job.ID.String(),
		Type:         string(job.Type),
		Timestamp:    time.Now().UTC(),
		Headers:      headers,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("rabbitmq: publish: %w", err)
	}
	return nil
}

// Consume delivers jobs with manual acknowledgement. Malformed bodies are
// rejected to the dead-letter queue; jobs whose outcome could not be recorded
// are requeued.
func (r *RabbitMQ) Consume(ctx context.Context, handle Handler) error {
	ch, err := r.conn.Channel()
	if err != nil {
		return fmt.Errorf("rabbitmq: open consumer channel: %w", err)
	}
	defer ch.Close()

	if r.cfg.Prefetch > 0 {
		if err := ch.Qos(r.cfg.Prefetch, 0, false); err != nil {
			return fmt.Errorf("rabbitmq: qos: %w", err)
		}
	}

	deliveries, err := ch.ConsumeWithContext(ctx, r.cfg.Queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("rabbitmq: consume: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return fmt.Errorf("rabbitmq: delivery channel closed")
			}

			job, err := UnmarshalJob(d.Body)
			if err != nil {
				r.logger.Error("rabbitmq consumer: discarding malformed job", zap.Error(err))
				_ = d.Nack(false, false)
				continue
			}

			if err := handle(ctx, job); err != nil {
				r.logger.Error("rabbitmq consumer: process job", zap.String("job_id", job.ID.String()), zap.Error(err))
				_ = d.Nack(false, true)
				continue
			}
			if err := d.Ack(false); err != nil {
				r.logger.Error("rabbitmq consumer: ack", zap.Error(err))
			}
		}
	}
}

// Close closes the channel and connection.
func (r *RabbitMQ) Close() error {
	if r.ch != nil {
		_ = r.ch.Close()
	}
	if r.conn != nil {
		return r.conn.Close()
	}
	return nil
}

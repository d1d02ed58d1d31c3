package status

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/whatsapp-dispatch/internal/app"
	"github.com/acme/whatsapp-dispatch/internal/queue"
	"github.com/acme/whatsapp-dispatch/internal/service/reconcile"
)

// Applier reconciles one gateway status event.
type Applier interface {
	Apply(ctx context.Context, event queue.StatusEvent) (reconcile.Result, error)
}

// Worker consumes webhook status events published in async mode and applies them.
type Worker struct {
	container *app.Container
	applier   Applier
	logger    *zap.Logger
}

// New creates a new status worker.
func New(container *app.Container) *Worker {
	return &Worker{
		container: container,
		applier:   container.Services().Reconcile,
		logger:    container.Logger.Logger,
	}
}

// Run processes status events until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	cfg := w.container.Config
	if w.container.Kafka == nil || cfg.Kafka.StatusTopic == "" {
		return fmt.Errorf("status worker: kafka status topic is not configured")
	}
	groupID := cfg.Kafka.ConsumerGroupID + "-status"
	reader := w.container.Kafka.NewReader(cfg.Kafka.StatusTopic, groupID)
	defer reader.Close()

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Error("status worker: fetch", zap.Error(err))
			continue
		}

		if err := w.handle(ctx, msg); err != nil {
			// Storage failures leave the offset uncommitted for redelivery.
			w.logger.Error("status worker: apply", zap.Error(err))
			continue
		}

		if err := reader.CommitMessages(ctx, msg); err != nil {
			w.logger.Error("status worker: commit", zap.Error(err))
		}
	}
}

func (w *Worker) handle(ctx context.Context, msg kafka.Message) error {
	var event queue.StatusEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		w.logger.Error("status worker: discarding malformed event", zap.Error(err))
		return nil
	}

	tracer := otel.Tracer("dispatch.statusworker")
	sctx, span := tracer.Start(ctx, "message.status", trace.WithAttributes(
		attribute.String("message.external_id", event.MessageID),
		attribute.String("message.status", event.Status),
	))
	defer span.End()

	result, err := w.applier.Apply(sctx, event)
	if err != nil {
		span.RecordError(err)
		return err
	}
	span.SetAttributes(attribute.String("reconcile.result", string(result)))
	return nil
}

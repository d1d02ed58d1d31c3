package retry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/acme/whatsapp-dispatch/internal/app"
	"github.com/acme/whatsapp-dispatch/internal/queue"
)

// Promoter moves due delayed jobs onto the live transport.
type Promoter interface {
	Promote(ctx context.Context, publisher queue.Publisher, now time.Time, limit int) (int, error)
}

// Worker promotes delayed jobs (backoff retries and future campaign starts)
// once they are due.
type Worker struct {
	promoter  Promoter
	publisher queue.Publisher
	interval  time.Duration
	batch     int
	logger    *zap.Logger
	now       func() time.Time
}

// New creates a retry worker instance.
func New(container *app.Container) *Worker {
	tr := container.Transport()
	cfg := container.Config.Queue
	var promoter Promoter
	if tr.Promoter != nil {
		promoter = tr.Promoter
	}
	return newWorker(promoter, tr.Publisher, cfg.PromoteInterval, cfg.PromoteBatch, container.Logger.Logger)
}

func newWorker(promoter Promoter, publisher queue.Publisher, interval time.Duration, batch int, logger *zap.Logger) *Worker {
	if interval <= 0 {
		interval = time.Second
	}
	if batch <= 0 {
		batch = 100
	}
	return &Worker{
		promoter:  promoter,
		publisher: publisher,
		interval:  interval,
		batch:     batch,
		logger:    logger,
		now:       time.Now,
	}
}

// Run promotes due jobs every interval until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	if w.promoter == nil {
		w.logger.Info("retry worker: transport delivers delayed jobs itself, idling")
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		if n, err := w.promoteDue(ctx); err != nil && ctx.Err() == nil {
			w.logger.Error("retry worker: promote", zap.Error(err), zap.Int("promoted", n))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// promoteDue drains every job due by now, one batch at a time.
func (w *Worker) promoteDue(ctx context.Context) (int, error) {
	tracer := otel.Tracer("dispatch.retryworker")
	sctx, span := tracer.Start(ctx, "delayed.promote")
	defer span.End()

	total := 0
	now := w.now()
	for {
		n, err := w.promoter.Promote(sctx, w.publisher, now, w.batch)
		total += n
		if err != nil {
			span.RecordError(err)
			return total, err
		}
		if n < w.batch || ctx.Err() != nil {
			break
		}
	}
	span.SetAttributes(attribute.Int("jobs.promoted", total))
	if total > 0 {
		w.logger.Debug("retry worker: promoted delayed jobs", zap.Int("count", total))
	}
	return total, nil
}

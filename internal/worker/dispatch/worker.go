package dispatch

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/acme/whatsapp-dispatch/internal/app"
)

// Worker consumes dispatch jobs and drives campaign cursors through the pacer.
type Worker struct {
	container *app.Container
}

// New creates a dispatch worker.
func New(container *app.Container) *Worker {
	return &Worker{container: container}
}

// Run consumes jobs and paces campaign sends until ctx is cancelled. Both loops
// stop together when either fails.
func (w *Worker) Run(ctx context.Context) error {
	d := w.container.Dispatch()
	consumer, closer := w.container.NewJobConsumer()
	if closer != nil {
		defer closer.Close()
	}
	logger := w.container.Logger

	logger.Info("dispatch worker: starting",
		zap.String("driver", w.container.Config.Queue.Driver),
		zap.Int("pacer_workers", w.container.Config.Pacing.Workers),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return d.Pacer.Run(gctx)
	})
	g.Go(func() error {
		if err := consumer.Consume(gctx, d.Runner.Process); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("dispatch worker: consume: %w", err)
		}
		return nil
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return ctx.Err()
	}
	return err
}

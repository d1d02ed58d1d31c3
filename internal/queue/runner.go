package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/whatsapp-dispatch/internal/metrics"
)

// ErrDrop tells the runner to acknowledge a job without retrying it.
var ErrDrop = errors.New("queue: drop job")

// Runner routes jobs to handlers and applies the attempt/backoff policy.
type Runner struct {
	dispatcher *Dispatcher
	deadLetter DeadLetterSink
	handlers   map[JobType]Handler
	logger     *zap.Logger
}

// NewRunner constructs a runner. deadLetter may be nil, in which case abandoned jobs are only logged.
func NewRunner(dispatcher *Dispatcher, deadLetter DeadLetterSink, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		dispatcher: dispatcher,
		deadLetter: deadLetter,
		handlers:   make(map[JobType]Handler),
		logger:     logger,
	}
}

// Handle registers the handler for a job type.
func (r *Runner) Handle(jobType JobType, handler Handler) {
	r.handlers[jobType] = handler
}

// Process runs the job and records its outcome. A non-nil return means the
// outcome could not be recorded and the transport must not acknowledge the job.
func (r *Runner) Process(ctx context.Context, job Job) error {
	tracer := otel.Tracer("dispatch.queue")
	sctx, span := tracer.Start(ctx, "job."+string(job.Type), trace.WithAttributes(
		attribute.String("job.id", job.ID.String()),
		attribute.Int("job.attempt", job.Attempt),
		attribute.Int("job.max_attempts", job.MaxAttempts),
	))
	defer span.End()

	logger := r.logger.With(
		zap.String("job_id", job.ID.String()),
		zap.String("job_type", string(job.Type)),
		zap.Int("attempt", job.Attempt),
	)

	handler, ok := r.handlers[job.Type]
	if !ok {
		logger.Warn("runner: no handler registered, dropping job")
		return nil
	}

	start := time.Now()
	err := r.invoke(sctx, handler, job)
	elapsed := time.Since(start)

	if err == nil || errors.Is(err, ErrDrop) {
		metrics.RecordJob(string(job.Type), metrics.OutcomeSuccess, elapsed)
		return nil
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	if !job.Final() {
		next, rerr := r.dispatcher.Retry(sctx, job)
		if rerr != nil {
			return fmt.Errorf("runner: schedule retry: %w", rerr)
		}
		metrics.RecordJob(string(job.Type), metrics.OutcomeRetry, elapsed)
		logger.Warn("runner: job failed, retry scheduled",
			zap.Error(err),
			zap.Int("next_attempt", next.Attempt),
			zap.Duration("backoff", job.Backoff()),
		)
		return nil
	}

	metrics.RecordJob(string(job.Type), metrics.OutcomeDeadLetter, elapsed)
	logger.Error("runner: job exhausted attempts", zap.Error(err))
	if r.deadLetter != nil {
		if derr := r.deadLetter.DeadLetter(sctx, job, err); derr != nil {
			return fmt.Errorf("runner: dead letter: %w", derr)
		}
	}
	return nil
}

func (r *Runner) invoke(ctx context.Context, handler Handler, job Job) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("runner: handler panic: %v", rec)
		}
	}()
	return handler(ctx, job)
}

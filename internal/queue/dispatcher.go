package queue

import (
	"context"
	"fmt"
	"time"
)

// Publisher makes a job immediately available to consumers.
type Publisher interface {
	Publish(ctx context.Context, job Job) error
}

// Delayer holds a job until due and then hands it to the transport.
type Delayer interface {
	Schedule(ctx context.Context, job Job, due time.Time) error
}

// DeadLetterSink receives jobs that exhausted their attempts.
type DeadLetterSink interface {
	DeadLetter(ctx context.Context, job Job, cause error) error
}

// Handler executes one job. A returned error makes the runner apply the retry policy.
type Handler func(ctx context.Context, job Job) error

// Consumer delivers jobs to a handler until the context is cancelled.
type Consumer interface {
	Consume(ctx context.Context, handle Handler) error
}

// Dispatcher enqueues jobs, routing delayed ones through the Delayer.
type Dispatcher struct {
	publisher Publisher
	delayer   Delayer
	defaults  Options
	now       func() time.Time
}

// NewDispatcher constructs a dispatcher with default attempt and backoff settings.
func NewDispatcher(publisher Publisher, delayer Delayer, defaults Options) *Dispatcher {
	return &Dispatcher{
		publisher: publisher,
		delayer:   delayer,
		defaults:  defaults,
		now:       time.Now,
	}
}

// Enqueue builds and submits a job of the given type.
func (d *Dispatcher) Enqueue(ctx context.Context, jobType JobType, payload any, opts Options) (Job, error) {
	if opts.Attempts <= 0 {
		opts.Attempts = d.defaults.Attempts
	}
	if opts.Backoff <= 0 {
		opts.Backoff = d.defaults.Backoff
	}
	job, err := NewJob(jobType, payload, opts)
	if err != nil {
		return Job{}, err
	}
	if err := d.submit(ctx, job, opts.Delay); err != nil {
		return Job{}, err
	}
	return job, nil
}

// EnqueueProcessCampaign submits a process-campaign job.
func (d *Dispatcher) EnqueueProcessCampaign(ctx context.Context, payload ProcessCampaignPayload, opts Options) (Job, error) {
	return d.Enqueue(ctx, JobProcessCampaign, payload, opts)
}

// EnqueueSendMessage submits a send-message job.
func (d *Dispatcher) EnqueueSendMessage(ctx context.Context, payload SendMessagePayload, opts Options) (Job, error) {
	return d.Enqueue(ctx, JobSendMessage, payload, opts)
}

// Retry schedules the next attempt of job after its backoff.
func (d *Dispatcher) Retry(ctx context.Context, job Job) (Job, error) {
	delay := job.Backoff()
	next := job.Next()
	if err := d.submit(ctx, next, delay); err != nil {
		return Job{}, err
	}
	return next, nil
}

func (d *Dispatcher) submit(ctx context.Context, job Job, delay time.Duration) error {
	if delay > 0 && d.delayer != nil {
		if err := d.delayer.Schedule(ctx, job, d.now().Add(delay)); err != nil {
			return fmt.Errorf("queue: schedule %s job: %w", job.Type, err)
		}
		return nil
	}
	if err := d.publisher.Publish(ctx, job); err != nil {
		return fmt.Errorf("queue: publish %s job: %w", job.Type, err)
	}
	return nil
}

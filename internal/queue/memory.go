package queue

import (
	"context"
	"sync"
	"time"
)

// ScheduledJob is a job parked in the memory transport.
type ScheduledJob struct {
	Job Job
	Due time.Time
}

// DeadJob is a job abandoned to the memory dead-letter list.
type DeadJob struct {
	Job   Job
	Cause string
}

// Memory is a single-process transport used for development and tests.
// It implements Publisher, Delayer, Consumer and DeadLetterSink.
type Memory struct {
	jobs chan Job

	mu        sync.Mutex
	published []Job
	scheduled []ScheduledJob
	dead      []DeadJob
	timers    map[*time.Timer]struct{}
	closed    bool
}

// NewMemory constructs a memory transport with the given buffer size.
func NewMemory(buffer int) *Memory {
	if buffer <= 0 {
		buffer = 1024
	}
	return &Memory{
		jobs:   make(chan Job, buffer),
		timers: make(map[*time.Timer]struct{}),
	}
}

// Publish makes the job available to Consume.
func (m *Memory) Publish(ctx context.Context, job Job) error {
	m.mu.Lock()
	m.published = append(m.published, job)
	m.mu.Unlock()
	return m.deliver(ctx, job)
}

func (m *Memory) deliver(ctx context.Context, job Job) error {
	select {
	case m.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Schedule publishes the job once due.
func (m *Memory) Schedule(_ context.Context, job Job, due time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scheduled = append(m.scheduled, ScheduledJob{Job: job, Due: due})
	if m.closed {
		return nil
	}

	var timer *time.Timer
	timer = time.AfterFunc(time.Until(due), func() {
		m.mu.Lock()
		delete(m.timers, timer)
		closed := m.closed
		m.mu.Unlock()
		if closed {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.deliver(ctx, job)
	})
	m.timers[timer] = struct{}{}
	return nil
}

// DeadLetter records the abandoned job.
func (m *Memory) DeadLetter(_ context.Context, job Job, cause error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dead = append(m.dead, DeadJob{Job: job, Cause: cause.Error()})
	return nil
}

// Consume delivers jobs to handle until ctx is cancelled. A job whose outcome
// could not be recorded is delivered again.
func (m *Memory) Consume(ctx context.Context, handle Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case job := <-m.jobs:
			for handle(ctx, job) != nil {
				if err := sleepCtx(ctx, 100*time.Millisecond); err != nil {
					return err
				}
			}
		}
	}
}

// Published returns every job handed to Publish, in order. Scheduled jobs are not included.
func (m *Memory) Published() []Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Job(nil), m.published...)
}

// Scheduled returns every job handed to Schedule, in order.
func (m *Memory) Scheduled() []ScheduledJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ScheduledJob(nil), m.scheduled...)
}

// DeadLetters returns the abandoned jobs.
func (m *Memory) DeadLetters() []DeadJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]DeadJob(nil), m.dead...)
}

// Enqueued returns published and scheduled jobs together.
func (m *Memory) Enqueued() []Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]Job(nil), m.published...)
	for _, s := range m.scheduled {
		out = append(out, s.Job)
	}
	return out
}

// Close stops pending timers. Parked jobs are discarded.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for t := range m.timers {
		t.Stop()
	}
	m.timers = make(map[*time.Timer]struct{})
	return nil
}

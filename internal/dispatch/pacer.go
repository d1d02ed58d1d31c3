package dispatch

import (
	"container/heap"
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/whatsapp-dispatch/internal/metrics"
)

// Stepper is a unit of paced work. Step performs one send and reports how
// long to wait before the next one; more=false retires the stepper.
type Stepper interface {
	Key() uuid.UUID
	Step(ctx context.Context) (wait time.Duration, more bool)
	// Abandon is called for steppers still queued when the pacer stops.
	Abandon(ctx context.Context)
}

// DelayFunc draws the wait between two sends of one campaign.
type DelayFunc func() time.Duration

// UniformDelay returns a DelayFunc drawing uniformly from [min, max].
func UniformDelay(min, max time.Duration) DelayFunc {
	if max < min {
		max = min
	}
	span := int64(max - min)
	return func() time.Duration {
		if span == 0 {
			return min
		}
		return min + time.Duration(rand.Int63n(span+1))
	}
}

type entry struct {
	stepper Stepper
	due     time.Time
	index   int
}

type dueHeap []*entry

func (h dueHeap) Len() int           { return len(h) }
func (h dueHeap) Less(i, j int) bool { return h[i].due.Before(h[j].due) }
func (h dueHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *dueHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *dueHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Pacer runs steppers on a bounded worker pool. Waiting steppers sit in a
// min-heap keyed by due time, so no goroutine sleeps between sends. A
// stepper is handed to one worker at a time, which keeps the steps of one
// key sequential while different keys interleave.
type Pacer struct {
	workers int
	logger  *zap.Logger

	mu      sync.Mutex
	queue   dueHeap
	active  map[uuid.UUID]struct{}
	running bool
	wake    chan struct{}
}

// NewPacer constructs a pacer with the given worker count.
func NewPacer(workers int, logger *zap.Logger) *Pacer {
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pacer{
		workers: workers,
		logger:  logger,
		active:  make(map[uuid.UUID]struct{}),
		wake:    make(chan struct{}, 1),
	}
}

// Submit queues the stepper to run immediately. It returns false when a
// stepper with the same key is already active.
func (p *Pacer) Submit(s Stepper) bool {
	p.mu.Lock()
	if _, ok := p.active[s.Key()]; ok {
		p.mu.Unlock()
		return false
	}
	p.active[s.Key()] = struct{}{}
	heap.Push(&p.queue, &entry{stepper: s, due: time.Now()})
	metrics.SetActiveCursors(len(p.active))
	p.mu.Unlock()
	p.signal()
	return true
}

// Active returns the number of live steppers, queued or running.
func (p *Pacer) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}

// Running reports whether the pacer loop is running.
func (p *Pacer) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Run drives the pacer until ctx is cancelled.
func (p *Pacer) Run(ctx context.Context) error {
	p.mu.Lock()
	p.running = true
	p.mu.Unlock()

	work := make(chan *entry)
	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.work(ctx, work)
		}()
	}

	p.schedule(ctx, work)
	close(work)
	wg.Wait()
	p.drain()
	return ctx.Err()
}

func (p *Pacer) schedule(ctx context.Context, work chan<- *entry) {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		p.mu.Lock()
		var next *entry
		wait := time.Hour
		if len(p.queue) > 0 {
			head := p.queue[0]
			if d := time.Until(head.due); d <= 0 {
				next = heap.Pop(&p.queue).(*entry)
			} else {
				wait = d
			}
		}
		p.mu.Unlock()

		if next != nil {
			select {
			case work <- next:
				continue
			case <-ctx.Done():
				p.requeue(next)
				return
			}
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)
		select {
		case <-ctx.Done():
			return
		case <-p.wake:
		case <-timer.C:
		}
	}
}

func (p *Pacer) work(ctx context.Context, work <-chan *entry) {
	for e := range work {
		wait, more := p.step(ctx, e.stepper)
		if !more {
			p.retire(e.stepper.Key())
			continue
		}
		if ctx.Err() != nil {
			p.requeue(e)
			continue
		}
		if wait < 0 {
			wait = 0
		}
		e.due = time.Now().Add(wait)
		p.requeue(e)
		p.signal()
	}
}

func (p *Pacer) step(ctx context.Context, s Stepper) (wait time.Duration, more bool) {
	defer func() {
		if rec := recover(); rec != nil {
			p.logger.Error("pacer: step panic, retiring stepper",
				zap.String("key", s.Key().String()), zap.Any("panic", rec))
			wait, more = 0, false
		}
	}()
	return s.Step(ctx)
}

func (p *Pacer) requeue(e *entry) {
	p.mu.Lock()
	heap.Push(&p.queue, e)
	p.mu.Unlock()
}

func (p *Pacer) retire(key uuid.UUID) {
	p.mu.Lock()
	delete(p.active, key)
	metrics.SetActiveCursors(len(p.active))
	p.mu.Unlock()
}

// drain abandons every stepper left when the loop stops.
func (p *Pacer) drain() {
	p.mu.Lock()
	left := make([]*entry, len(p.queue))
	copy(left, p.queue)
	p.queue = nil
	p.active = make(map[uuid.UUID]struct{})
	p.running = false
	metrics.SetActiveCursors(0)
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, e := range left {
		e.stepper.Abandon(ctx)
	}
}

func (p *Pacer) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// ProgressReporter records how far a job has advanced, as a percentage.
type ProgressReporter interface {
	Report(ctx context.Context, jobID uuid.UUID, percent int) error
}

// RedisProgress stores job progress in a hash that expires after ttl.
type RedisProgress struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisProgress constructs a Redis-backed progress reporter.
func NewRedisProgress(client *redis.Client, keyPrefix string, ttl time.Duration) *RedisProgress {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisProgress{client: client, prefix: keyPrefix, ttl: ttl}
}

// Report stores percent for jobID.
func (p *RedisProgress) Report(ctx context.Context, jobID uuid.UUID, percent int) error {
	key := p.key(jobID)
	pipe := p.client.TxPipeline()
	pipe.HSet(ctx, key, "percent", percent, "updatedAt", time.Now().UTC().Format(time.RFC3339Nano))
	pipe.Expire(ctx, key, p.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("job progress: report: %w", err)
	}
	return nil
}

// Get returns the last reported percent for jobID.
func (p *RedisProgress) Get(ctx context.Context, jobID uuid.UUID) (int, error) {
	v, err := p.client.HGet(ctx, p.key(jobID), "percent").Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("job progress: get: %w", err)
	}
	return v, nil
}

func (p *RedisProgress) key(jobID uuid.UUID) string {
	return fmt.Sprintf("%s:jobs:%s:progress", p.prefix, jobID.String())
}

// MemoryProgress keeps progress in process memory.
type MemoryProgress struct {
	mu      sync.Mutex
	percent map[uuid.UUID]int
}

// NewMemoryProgress constructs an in-memory progress reporter.
func NewMemoryProgress() *MemoryProgress {
	return &MemoryProgress{percent: make(map[uuid.UUID]int)}
}

func (p *MemoryProgress) Report(_ context.Context, jobID uuid.UUID, percent int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.percent[jobID] = percent
	return nil
}

func (p *MemoryProgress) Get(_ context.Context, jobID uuid.UUID) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.percent[jobID], nil
}

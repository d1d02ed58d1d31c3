package concurrency

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// Lease guarantees that at most one dispatch cursor per campaign is live
// across all dispatcher processes.
type Lease interface {
	Acquire(ctx context.Context, campaignID uuid.UUID, owner string) (bool, error)
	Refresh(ctx context.Context, campaignID uuid.UUID, owner string) (bool, error)
	Release(ctx context.Context, campaignID uuid.UUID, owner string) error
	Held(ctx context.Context, campaignID uuid.UUID) (bool, error)
}

var refreshScript = redis.NewScript(`
local key = KEYS[1]
if redis.call('GET', key) == ARGV[1] then
  redis.call('PEXPIRE', key, tonumber(ARGV[2]))
  return 1
end
return 0
`)

var releaseScript = redis.NewScript(`
local key = KEYS[1]
if redis.call('GET', key) == ARGV[1] then
  return redis.call('DEL', key)
end
return 0
`)

// RedisLease coordinates campaign ownership using expiring Redis keys.
type RedisLease struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisLease constructs a lease whose keys expire after ttl unless refreshed.
func NewRedisLease(client *redis.Client, keyPrefix string, ttl time.Duration) *RedisLease {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	if keyPrefix == "" {
		keyPrefix = "dispatch"
	}
	return &RedisLease{client: client, prefix: keyPrefix, ttl: ttl}
}

// TTL returns the lease expiry.
func (l *RedisLease) TTL() time.Duration {
	return l.ttl
}

// Acquire claims the campaign for owner if no live lease exists.
func (l *RedisLease) Acquire(ctx context.Context, campaignID uuid.UUID, owner string) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key(campaignID), owner, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("lease acquire: %w", err)
	}
	return ok, nil
}

// Refresh extends the lease if owner still holds it.
func (l *RedisLease) Refresh(ctx context.Context, campaignID uuid.UUID, owner string) (bool, error) {
	res, err := refreshScript.Run(ctx, l.client, []string{l.key(campaignID)}, owner, l.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("lease refresh: %w", err)
	}
	return res == 1, nil
}

// Release drops the lease if owner still holds it.
func (l *RedisLease) Release(ctx context.Context, campaignID uuid.UUID, owner string) error {
	if _, err := releaseScript.Run(ctx, l.client, []string{l.key(campaignID)}, owner).Int(); err != nil {
		return fmt.Errorf("lease release: %w", err)
	}
	return nil
}

// Held reports whether any process currently owns the campaign.
func (l *RedisLease) Held(ctx context.Context, campaignID uuid.UUID) (bool, error) {
	n, err := l.client.Exists(ctx, l.key(campaignID)).Result()
	if err != nil {
		return false, fmt.Errorf("lease held: %w", err)
	}
	return n > 0, nil
}

func (l *RedisLease) key(campaignID uuid.UUID) string {
	return fmt.Sprintf("%s:campaign:%s:lease", l.prefix, campaignID.String())
}

// MemoryLease is a process-local lease used by the in-memory wiring and tests.
type MemoryLease struct {
	mu     sync.Mutex
	owners map[uuid.UUID]string
}

// NewMemoryLease constructs an empty lease table.
func NewMemoryLease() *MemoryLease {
	return &MemoryLease{owners: make(map[uuid.UUID]string)}
}

func (l *MemoryLease) Acquire(_ context.Context, campaignID uuid.UUID, owner string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, ok := l.owners[campaignID]; ok && cur != owner {
		return false, nil
	}
	l.owners[campaignID] = owner
	return true, nil
}

func (l *MemoryLease) Refresh(_ context.Context, campaignID uuid.UUID, owner string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.owners[campaignID] == owner, nil
}

func (l *MemoryLease) Release(_ context.Context, campaignID uuid.UUID, owner string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.owners[campaignID] == owner {
		delete(l.owners, campaignID)
	}
	return nil
}

func (l *MemoryLease) Held(_ context.Context, campaignID uuid.UUID) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.owners[campaignID]
	return ok, nil
}

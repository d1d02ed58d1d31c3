package queue

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// popDueScript atomically removes and returns up to ARGV[2] members scored at or below ARGV[1].
var popDueScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local due = redis.call('ZRANGEBYSCORE', key, '-inf', now, 'LIMIT', 0, limit)
if #due > 0 then
  redis.call('ZREM', key, unpack(due))
end
return due
`)

// RedisDelayer parks jobs in a sorted set scored by their due time.
type RedisDelayer struct {
	client *redis.Client
	key    string
	logger *zap.Logger
}

// NewRedisDelayer constructs a delayer using keyPrefix for its sorted set.
func NewRedisDelayer(client *redis.Client, keyPrefix string, logger *zap.Logger) *RedisDelayer {
	if keyPrefix == "" {
		keyPrefix = "dispatch"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisDelayer{client: client, key: keyPrefix + ":jobs:delayed", logger: logger}
}

// Schedule stores the job until due.
func (d *RedisDelayer) Schedule(ctx context.Context, job Job, due time.Time) error {
	value, err := job.Marshal()
	if err != nil {
		return err
	}
	if err := d.client.ZAdd(ctx, d.key, redis.Z{
		Score:  float64(due.UnixMilli()),
		Member: value,
	}).Err(); err != nil {
		return fmt.Errorf("delayed jobs: zadd: %w", err)
	}
	return nil
}

// Promote moves up to limit due jobs to the publisher and returns how many were moved.
// A job that fails to publish is put back with its original due time.
func (d *RedisDelayer) Promote(ctx context.Context, publisher Publisher, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	members, err := popDueScript.Run(ctx, d.client, []string{d.key}, now.UnixMilli(), limit).StringSlice()
	if err != nil {
		return 0, fmt.Errorf("delayed jobs: pop due: %w", err)
	}

	return d.publishDue(ctx, publisher, members, now)
}

// publishDue publishes popped members in order. Members that no longer
// decode are dropped; on a publish failure the rest go back to the set.
func (d *RedisDelayer) publishDue(ctx context.Context, publisher Publisher, members []string, now time.Time) (int, error) {
	promoted, malformed := 0, 0
	for i, member := range members {
		job, err := UnmarshalJob([]byte(member))
		if err != nil {
			malformed++
			continue
		}
		if err := publisher.Publish(ctx, job); err != nil {
			d.logMalformed(malformed)
			if rerr := d.restore(members[i:], now); rerr != nil {
				d.logger.Error("delayed jobs: restore failed, jobs lost",
					zap.Int("jobs", len(members)-i), zap.Error(rerr))
			}
			return promoted, fmt.Errorf("delayed jobs: publish %s: %w", job.ID, err)
		}
		promoted++
	}
	d.logMalformed(malformed)
	return promoted, nil
}

func (d *RedisDelayer) logMalformed(n int) {
	if n > 0 {
		d.logger.Error("delayed jobs: dropped malformed members", zap.Int("jobs", n))
	}
}

// Pending returns the number of parked jobs.
func (d *RedisDelayer) Pending(ctx context.Context) (int64, error) {
	n, err := d.client.ZCard(ctx, d.key).Result()
	if err != nil {
		return 0, fmt.Errorf("delayed jobs: zcard: %w", err)
	}
	return n, nil
}

func (d *RedisDelayer) restore(members []string, due time.Time) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	zs := make([]redis.Z, 0, len(members))
	for _, m := range members {
		zs = append(zs, redis.Z{Score: float64(due.UnixMilli()), Member: m})
	}
	if err := d.client.ZAdd(ctx, d.key, zs...).Err(); err != nil {
		return fmt.Errorf("delayed jobs: restore: %w", err)
	}
	return nil
}

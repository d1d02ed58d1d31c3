package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type refusingPublisher struct{}

func (refusingPublisher) Publish(context.Context, Job) error {
	return errors.New("broker unavailable")
}

// unreachableDelayer talks to a port nothing listens on.
func unreachableDelayer(t *testing.T) (*RedisDelayer, *observer.ObservedLogs) {
	t.Helper()
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 200 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { _ = client.Close() })
	core, logs := observer.New(zapcore.ErrorLevel)
	return NewRedisDelayer(client, "test", zap.New(core)), logs
}

func member(t *testing.T) string {
	t.Helper()
	job, err := NewJob(JobSendMessage, SendMessagePayload{To: "1"}, Options{})
	require.NoError(t, err)
	value, err := job.Marshal()
	require.NoError(t, err)
	return string(value)
}

func TestPublishDueLogsMalformedMembers(t *testing.T) {
	d, logs := unreachableDelayer(t)
	mem := NewMemory(8)
	defer mem.Close()

	promoted, err := d.publishDue(context.Background(), mem, []string{"{not json", member(t)}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, promoted)
	assert.Len(t, mem.Published(), 1)

	entries := logs.FilterMessage("delayed jobs: dropped malformed members").All()
	require.Len(t, entries, 1)
	assert.Equal(t, int64(1), entries[0].ContextMap()["jobs"])
}

func TestPublishDueLogsFailedRestore(t *testing.T) {
	d, logs := unreachableDelayer(t)

	promoted, err := d.publishDue(context.Background(), refusingPublisher{}, []string{member(t), member(t)}, time.Now())
	require.Error(t, err)
	assert.Zero(t, promoted)

	entries := logs.FilterMessage("delayed jobs: restore failed, jobs lost").All()
	require.Len(t, entries, 1)
	assert.Equal(t, int64(2), entries[0].ContextMap()["jobs"])
}

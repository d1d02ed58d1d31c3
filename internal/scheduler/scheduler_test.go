package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/acme/whatsapp-dispatch/internal/domain"
	"github.com/acme/whatsapp-dispatch/internal/queue"
	"github.com/acme/whatsapp-dispatch/internal/repository"
	"github.com/acme/whatsapp-dispatch/internal/repository/memory"
	"github.com/acme/whatsapp-dispatch/internal/service/concurrency"
)

func seedCampaign(t *testing.T, store *memory.Store, status domain.CampaignStatus) uuid.UUID {
	t.Helper()
	now := time.Now().UTC()
	c := &domain.Campaign{
		ID:              uuid.New(),
		OrganizationID:  uuid.New(),
		InstanceID:      uuid.New(),
		Name:            "promo",
		MessageTemplate: "Oi {name}",
		Status:          domain.CampaignStatusDraft,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	require.NoError(t, store.Campaigns().Create(context.Background(), c, nil))
	store.SetCampaignStatus(c.ID, status)
	return c.ID
}

func payloads(t *testing.T, jobs []queue.Job) []uuid.UUID {
	t.Helper()
	out := make([]uuid.UUID, 0, len(jobs))
	for _, job := range jobs {
		require.Equal(t, queue.JobProcessCampaign, job.Type)
		var p queue.ProcessCampaignPayload
		require.NoError(t, job.Decode(&p))
		out = append(out, p.CampaignID)
	}
	return out
}

func TestTickResumesRunningCampaignsWithoutLease(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	mq := queue.NewMemory(16)
	t.Cleanup(func() { _ = mq.Close() })
	lease := concurrency.NewMemoryLease()

	orphan := seedCampaign(t, store, domain.CampaignStatusRunning)
	live := seedCampaign(t, store, domain.CampaignStatusRunning)
	seedCampaign(t, store, domain.CampaignStatusPaused)
	seedCampaign(t, store, domain.CampaignStatusCompleted)

	ok, err := lease.Acquire(ctx, live, "dispatcher-1")
	require.NoError(t, err)
	require.True(t, ok)

	s := newScheduler(store.Campaigns(), lease, queue.NewDispatcher(mq, mq, queue.Options{Attempts: 3, Backoff: 5 * time.Second}), time.Minute, 10, zap.NewNop())

	resumed, err := s.tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, resumed)
	assert.Equal(t, []uuid.UUID{orphan}, payloads(t, mq.Published()))
}

func TestTickDoesNothingWhenAllCursorsAreLive(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	mq := queue.NewMemory(16)
	t.Cleanup(func() { _ = mq.Close() })
	lease := concurrency.NewMemoryLease()

	id := seedCampaign(t, store, domain.CampaignStatusRunning)
	_, err := lease.Acquire(ctx, id, "dispatcher-1")
	require.NoError(t, err)

	s := newScheduler(store.Campaigns(), lease, queue.NewDispatcher(mq, mq, queue.Options{}), time.Minute, 10, zap.NewNop())

	resumed, err := s.tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, resumed)
	assert.Empty(t, mq.Published())
}

func startedAt(t *testing.T, store *memory.Store, at time.Time) uuid.UUID {
	t.Helper()
	id := seedCampaign(t, store, domain.CampaignStatusDraft)
	moved, err := store.Campaigns().Transition(context.Background(), id, repository.StatusChange{
		To:        domain.CampaignStatusScheduled,
		From:      []domain.CampaignStatus{domain.CampaignStatusDraft},
		StartedAt: &at,
	})
	require.NoError(t, err)
	require.True(t, moved)
	return id
}

func TestTickRestartsOverdueScheduledCampaigns(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	mq := queue.NewMemory(16)
	t.Cleanup(func() { _ = mq.Close() })
	lease := concurrency.NewMemoryLease()

	now := time.Now().UTC()
	stranded := startedAt(t, store, now.Add(-10*time.Minute))
	startedAt(t, store, now.Add(-5*time.Second))
	live := startedAt(t, store, now.Add(-10*time.Minute))
	_, err := lease.Acquire(ctx, live, "dispatcher-1")
	require.NoError(t, err)

	s := newScheduler(store.Campaigns(), lease, queue.NewDispatcher(mq, mq, queue.Options{}), time.Minute, 10, zap.NewNop())

	resumed, err := s.tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, resumed)
	assert.Equal(t, []uuid.UUID{stranded}, payloads(t, mq.Published()))
}

func TestOverdueWaitsForScheduledStart(t *testing.T) {
	s := newScheduler(nil, nil, nil, time.Minute, 10, zap.NewNop())
	now := time.Now().UTC()
	started := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	c := &domain.Campaign{StartedAt: &started}
	assert.True(t, s.overdue(c, now))

	c.ScheduledAt = &future
	assert.False(t, s.overdue(c, now))
}

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/whatsapp-dispatch/internal/domain"
	"github.com/acme/whatsapp-dispatch/internal/gateway"
	"github.com/acme/whatsapp-dispatch/internal/queue"
	"github.com/acme/whatsapp-dispatch/internal/repository/memory"
	"github.com/acme/whatsapp-dispatch/internal/service/concurrency"
	"github.com/acme/whatsapp-dispatch/internal/service/sender"
)

type scriptedSender struct {
	mu     sync.Mutex
	bodies []string
	fail   bool
	onSend func(n int, to string)
	panics string
}

func (s *scriptedSender) Send(_ context.Context, _ uuid.UUID, to, body string, _ *gateway.Media) sender.Outcome {
	s.mu.Lock()
	s.bodies = append(s.bodies, body)
	n := len(s.bodies)
	hook, fail, panics := s.onSend, s.fail, s.panics
	s.mu.Unlock()

	if hook != nil {
		hook(n, to)
	}
	if panics != "" && to == panics {
		panic("gateway exploded")
	}
	if fail {
		return sender.Outcome{Error: "gateway: status 500"}
	}
	return sender.Outcome{Success: true, ProviderMessageID: fmt.Sprintf("wamid.%d", n)}
}

func (s *scriptedSender) sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.bodies...)
}

type rig struct {
	store    *memory.Store
	sender   *scriptedSender
	lease    *concurrency.MemoryLease
	progress *queue.MemoryProgress
	pacer    *Pacer
	orch     *Orchestrator
	org      uuid.UUID
	instance uuid.UUID
}

func newRig(t *testing.T, delay time.Duration) *rig {
	t.Helper()
	r := &rig{
		store:    memory.New(),
		sender:   &scriptedSender{},
		lease:    concurrency.NewMemoryLease(),
		progress: queue.NewMemoryProgress(),
		pacer:    NewPacer(2, nil),
		org:      uuid.New(),
		instance: uuid.New(),
	}
	r.store.PutInstance(domain.Instance{ID: r.instance, OrganizationID: r.org, Status: domain.InstanceStatusConnected})
	r.orch = NewOrchestrator(Deps{
		Campaigns:  r.store.Campaigns(),
		Recipients: r.store.Recipients(),
		Messages:   r.store.Messages(),
		Events:     r.store.Events(),
		Sender:     r.sender,
		Lease:      r.lease,
		Progress:   r.progress,
		Pacer:      r.pacer,
		Delay:      func() time.Duration { return delay },
		Owner:      "test",
	})
	startPacer(t, r.pacer)
	return r
}

// campaign seeds a campaign in status with one contact per phone; an empty
// phone models a contact without a number.
func (r *rig) campaign(t *testing.T, status domain.CampaignStatus, phones ...string) *domain.Campaign {
	t.Helper()
	var ids []uuid.UUID
	for i, phone := range phones {
		id := uuid.New()
		r.store.PutContact(domain.Contact{ID: id, OrganizationID: r.org, Name: fmt.Sprintf("c%d", i), PhoneNumber: phone})
		ids = append(ids, id)
	}
	now := time.Now().UTC()
	c := &domain.Campaign{
		ID: uuid.New(), OrganizationID: r.org, InstanceID: r.instance,
		Name: "promo", MessageTemplate: "Oi {name} ({phone})", Status: status,
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, r.store.Campaigns().Create(context.Background(), c, ids))
	return c
}

func (r *rig) job(t *testing.T, c *domain.Campaign) queue.Job {
	t.Helper()
	job, err := queue.NewJob(queue.JobProcessCampaign, queue.ProcessCampaignPayload{
		CampaignID: c.ID, OrganizationID: c.OrganizationID,
	}, queue.Options{})
	require.NoError(t, err)
	return job
}

func (r *rig) waitIdle(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool { return r.pacer.Active() == 0 }, 3*time.Second, 2*time.Millisecond)
}

func (r *rig) get(t *testing.T, id uuid.UUID) *domain.Campaign {
	t.Helper()
	c, err := r.store.Campaigns().Get(context.Background(), id)
	require.NoError(t, err)
	return c
}

func statuses(recipients []domain.CampaignRecipient) []domain.RecipientStatus {
	out := make([]domain.RecipientStatus, len(recipients))
	for i, rec := range recipients {
		out[i] = rec.Status
	}
	return out
}

func TestProcessCampaignSendsAndCompletes(t *testing.T) {
	r := newRig(t, time.Millisecond)
	c := r.campaign(t, domain.CampaignStatusScheduled, "5511", "", "5522")
	job := r.job(t, c)

	require.NoError(t, r.orch.HandleProcessCampaign(context.Background(), job))
	r.waitIdle(t)

	recipients := r.store.RecipientsOf(c.ID)
	assert.Equal(t, []domain.RecipientStatus{
		domain.RecipientStatusSent, domain.RecipientStatusFailed, domain.RecipientStatusSent,
	}, statuses(recipients))
	require.NotNil(t, recipients[1].Error)
	assert.Equal(t, "no phone number", *recipients[1].Error)

	done := r.get(t, c.ID)
	assert.Equal(t, domain.CampaignStatusCompleted, done.Status)
	assert.Equal(t, 2, done.SentCount)
	assert.Equal(t, 1, done.FailedCount)
	assert.LessOrEqual(t, done.SentCount+done.FailedCount, done.TotalRecipients)
	assert.NotNil(t, done.CompletedAt)

	assert.Equal(t, []string{"Oi c0 (5511)", "Oi c2 (5522)"}, r.sender.sent())

	messages := r.store.MessagesOf(c.ID)
	require.Len(t, messages, 2)
	for _, m := range messages {
		assert.Equal(t, domain.MessageStatusSent, m.Status)
		assert.Equal(t, domain.DirectionOutbound, m.Direction)
		require.NotNil(t, m.ExternalID)
		assert.True(t, strings.HasPrefix(*m.ExternalID, "wamid."))
	}

	percent, err := r.progress.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, 100, percent)

	held, _ := r.lease.Held(context.Background(), c.ID)
	assert.False(t, held, "lease is released once the campaign finished")
}

func TestProcessCampaignAllFailedEndsFailed(t *testing.T) {
	r := newRig(t, time.Millisecond)
	r.sender.fail = true
	c := r.campaign(t, domain.CampaignStatusScheduled, "1", "2", "3")

	require.NoError(t, r.orch.HandleProcessCampaign(context.Background(), r.job(t, c)))
	r.waitIdle(t)

	done := r.get(t, c.ID)
	assert.Equal(t, domain.CampaignStatusFailed, done.Status)
	assert.Equal(t, 3, done.FailedCount)
	assert.Equal(t, 0, done.SentCount)
	assert.NotNil(t, done.CompletedAt)

	messages := r.store.MessagesOf(c.ID)
	require.Len(t, messages, 3)
	for _, m := range messages {
		assert.Equal(t, domain.MessageStatusFailed, m.Status)
		require.NotNil(t, m.ErrorMessage)
		assert.Equal(t, "gateway: status 500", *m.ErrorMessage)
	}
}

func TestProcessCampaignPausedIsNoop(t *testing.T) {
	r := newRig(t, time.Millisecond)
	c := r.campaign(t, domain.CampaignStatusPaused, "1", "2")

	err := r.orch.HandleProcessCampaign(context.Background(), r.job(t, c))
	assert.ErrorIs(t, err, queue.ErrDrop)

	assert.Zero(t, r.pacer.Active())
	assert.Empty(t, r.sender.sent())
	assert.Equal(t, domain.CampaignStatusPaused, r.get(t, c.ID).Status)
	for _, rec := range r.store.RecipientsOf(c.ID) {
		assert.Equal(t, domain.RecipientStatusPending, rec.Status)
	}
}

func TestPauseLeavesRemainingPendingAndResumeFinishes(t *testing.T) {
	r := newRig(t, time.Millisecond)
	c := r.campaign(t, domain.CampaignStatusScheduled, "1", "2", "3")
	r.sender.onSend = func(n int, _ string) {
		if n == 1 {
			r.store.SetCampaignStatus(c.ID, domain.CampaignStatusPaused)
		}
	}

	require.NoError(t, r.orch.HandleProcessCampaign(context.Background(), r.job(t, c)))
	r.waitIdle(t)

	assert.Equal(t, []domain.RecipientStatus{
		domain.RecipientStatusSent, domain.RecipientStatusPending, domain.RecipientStatusPending,
	}, statuses(r.store.RecipientsOf(c.ID)))
	paused := r.get(t, c.ID)
	assert.Equal(t, domain.CampaignStatusPaused, paused.Status)
	assert.Nil(t, paused.CompletedAt)

	r.sender.mu.Lock()
	r.sender.onSend = nil
	r.sender.mu.Unlock()
	r.store.SetCampaignStatus(c.ID, domain.CampaignStatusScheduled)

	require.NoError(t, r.orch.HandleProcessCampaign(context.Background(), r.job(t, c)))
	r.waitIdle(t)

	assert.Len(t, r.sender.sent(), 3, "resume only sends to recipients still PENDING")
	done := r.get(t, c.ID)
	assert.Equal(t, domain.CampaignStatusCompleted, done.Status)
	assert.Equal(t, 3, done.SentCount)
}

func TestPauseAfterLastRecipientFinalizes(t *testing.T) {
	r := newRig(t, time.Millisecond)
	c := r.campaign(t, domain.CampaignStatusScheduled, "1")
	r.sender.onSend = func(int, string) {
		r.store.SetCampaignStatus(c.ID, domain.CampaignStatusPaused)
	}

	require.NoError(t, r.orch.HandleProcessCampaign(context.Background(), r.job(t, c)))
	r.waitIdle(t)

	assert.Equal(t, domain.CampaignStatusCompleted, r.get(t, c.ID).Status)
}

func TestDuplicateJobDoesNotStartSecondCursor(t *testing.T) {
	r := newRig(t, 50*time.Millisecond)
	c := r.campaign(t, domain.CampaignStatusScheduled, "1", "2", "3")
	job := r.job(t, c)

	require.NoError(t, r.orch.HandleProcessCampaign(context.Background(), job))
	assert.ErrorIs(t, r.orch.HandleProcessCampaign(context.Background(), job), queue.ErrDrop, "redelivery")
	assert.ErrorIs(t, r.orch.HandleProcessCampaign(context.Background(), r.job(t, c)), queue.ErrDrop, "second job")

	r.waitIdle(t)
	assert.Len(t, r.sender.sent(), 3)
	assert.Equal(t, 3, r.get(t, c.ID).SentCount)
}

func TestSenderPanicFailsOnlyThatRecipient(t *testing.T) {
	r := newRig(t, time.Millisecond)
	r.sender.panics = "2"
	c := r.campaign(t, domain.CampaignStatusScheduled, "1", "2", "3")

	require.NoError(t, r.orch.HandleProcessCampaign(context.Background(), r.job(t, c)))
	r.waitIdle(t)

	recipients := r.store.RecipientsOf(c.ID)
	assert.Equal(t, []domain.RecipientStatus{
		domain.RecipientStatusSent, domain.RecipientStatusFailed, domain.RecipientStatusSent,
	}, statuses(recipients))
	require.NotNil(t, recipients[1].Error)
	assert.Contains(t, *recipients[1].Error, "gateway exploded")
	assert.Equal(t, domain.CampaignStatusCompleted, r.get(t, c.ID).Status)
}

func TestCampaignDeletedMidRunStopsCursor(t *testing.T) {
	r := newRig(t, time.Millisecond)
	c := r.campaign(t, domain.CampaignStatusScheduled, "1", "2", "3")
	r.sender.onSend = func(n int, _ string) {
		if n == 1 {
			r.store.SetCampaignStatus(c.ID, domain.CampaignStatusCompleted)
			_, _ = r.store.Campaigns().Delete(context.Background(), c.ID, []domain.CampaignStatus{domain.CampaignStatusCompleted})
		}
	}

	require.NoError(t, r.orch.HandleProcessCampaign(context.Background(), r.job(t, c)))
	r.waitIdle(t)

	assert.Len(t, r.sender.sent(), 1)
}

func TestMissingCampaignIsRetried(t *testing.T) {
	r := newRig(t, time.Millisecond)
	ghost := &domain.Campaign{ID: uuid.New(), OrganizationID: r.org}

	err := r.orch.HandleProcessCampaign(context.Background(), r.job(t, ghost))
	require.Error(t, err)
	assert.False(t, errors.Is(err, queue.ErrDrop))
}

type brokenRecipients struct {
	*memory.RecipientRepository
}

func (brokenRecipients) ListPending(context.Context, uuid.UUID) ([]*domain.CampaignRecipient, error) {
	return nil, errors.New("connection reset")
}

func TestLoadFailureOnLastAttemptFailsCampaign(t *testing.T) {
	r := newRig(t, time.Millisecond)
	r.orch.recipients = brokenRecipients{r.store.Recipients()}
	c := r.campaign(t, domain.CampaignStatusScheduled, "1")

	first := r.job(t, c)
	require.Error(t, r.orch.HandleProcessCampaign(context.Background(), first))
	assert.Equal(t, domain.CampaignStatusRunning, r.get(t, c.ID).Status, "earlier attempts leave the campaign for the retry")

	last := first
	last.Attempt = last.MaxAttempts
	require.Error(t, r.orch.HandleProcessCampaign(context.Background(), last))
	assert.Equal(t, domain.CampaignStatusFailed, r.get(t, c.ID).Status)

	held, _ := r.lease.Held(context.Background(), c.ID)
	assert.False(t, held)
}

func TestResumeDuringPacingWaitContinuesLiveCursor(t *testing.T) {
	r := newRig(t, 200*time.Millisecond)
	c := r.campaign(t, domain.CampaignStatusScheduled, "1", "2", "3")
	r.sender.onSend = func(n int, _ string) {
		if n == 1 {
			r.store.SetCampaignStatus(c.ID, domain.CampaignStatusPaused)
			r.store.SetCampaignStatus(c.ID, domain.CampaignStatusScheduled)
		}
	}

	require.NoError(t, r.orch.HandleProcessCampaign(context.Background(), r.job(t, c)))
	require.Eventually(t, func() bool {
		return r.store.RecipientsOf(c.ID)[0].Status == domain.RecipientStatusSent
	}, time.Second, 2*time.Millisecond)

	err := r.orch.HandleProcessCampaign(context.Background(), r.job(t, c))
	assert.ErrorIs(t, err, queue.ErrDrop, "the resume job finds the waiting cursor's lease")

	r.waitIdle(t)
	done := r.get(t, c.ID)
	assert.Equal(t, domain.CampaignStatusCompleted, done.Status)
	assert.Equal(t, 3, done.SentCount)
	assert.Len(t, r.sender.sent(), 3)
	assert.Equal(t, []domain.RecipientStatus{
		domain.RecipientStatusSent, domain.RecipientStatusSent, domain.RecipientStatusSent,
	}, statuses(r.store.RecipientsOf(c.ID)))
}

type unreachableLease struct {
	*concurrency.MemoryLease
}

func (unreachableLease) Acquire(context.Context, uuid.UUID, string) (bool, error) {
	return false, errors.New("redis: connection refused")
}

func TestLeaseErrorOnLastAttemptFailsCampaign(t *testing.T) {
	r := newRig(t, time.Millisecond)
	r.orch.lease = unreachableLease{r.lease}
	c := r.campaign(t, domain.CampaignStatusScheduled, "1")

	first := r.job(t, c)
	require.Error(t, r.orch.HandleProcessCampaign(context.Background(), first))
	assert.Equal(t, domain.CampaignStatusScheduled, r.get(t, c.ID).Status)

	last := first
	last.Attempt = last.MaxAttempts
	err := r.orch.HandleProcessCampaign(context.Background(), last)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")

	done := r.get(t, c.ID)
	assert.Equal(t, domain.CampaignStatusFailed, done.Status)
	assert.NotNil(t, done.CompletedAt)
	assert.Empty(t, r.sender.sent())
}

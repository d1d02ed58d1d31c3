package campaign

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/acme/whatsapp-dispatch/internal/domain"
	"github.com/acme/whatsapp-dispatch/internal/queue"
	"github.com/acme/whatsapp-dispatch/internal/repository/memory"
	apperrors "github.com/acme/whatsapp-dispatch/pkg/errors"
)

type fixture struct {
	store    *memory.Store
	mq       *queue.Memory
	svc      *Service
	retrier  *retrierMock
	org      uuid.UUID
	instance uuid.UUID
	contacts []uuid.UUID
}

type retrierMock struct {
	mock.Mock
}

func (m *retrierMock) Retry(ctx context.Context, id uuid.UUID) (*domain.Message, error) {
	args := m.Called(ctx, id)
	msg, _ := args.Get(0).(*domain.Message)
	return msg, args.Error(1)
}

type failingEnqueuer struct{}

func (failingEnqueuer) EnqueueProcessCampaign(context.Context, queue.ProcessCampaignPayload, queue.Options) (queue.Job, error) {
	return queue.Job{}, errors.New("broker down")
}

func newFixture(t *testing.T, status domain.InstanceStatus) *fixture {
	t.Helper()
	f := &fixture{
		store:    memory.New(),
		mq:       queue.NewMemory(16),
		retrier:  new(retrierMock),
		org:      uuid.New(),
		instance: uuid.New(),
	}
	t.Cleanup(func() { _ = f.mq.Close() })

	f.store.PutInstance(domain.Instance{ID: f.instance, OrganizationID: f.org, Name: "main", Status: status})
	for _, name := range []string{"Ana", "Bruno", "Caio"} {
		id := uuid.New()
		f.store.PutContact(domain.Contact{ID: id, OrganizationID: f.org, Name: name, PhoneNumber: "55" + name})
		f.contacts = append(f.contacts, id)
	}

	dispatcher := queue.NewDispatcher(f.mq, f.mq, queue.Options{Attempts: 3, Backoff: 5 * time.Second})
	f.svc = NewService(Deps{
		Campaigns:  f.store.Campaigns(),
		Recipients: f.store.Recipients(),
		Contacts:   f.store.Contacts(),
		Instances:  f.store.Instances(),
		Messages:   f.store.Messages(),
		Jobs:       dispatcher,
		Retrier:    f.retrier,
	})
	return f
}

func (f *fixture) create(t *testing.T, contacts ...uuid.UUID) *domain.Campaign {
	t.Helper()
	c, err := f.svc.Create(context.Background(), CreateCampaignInput{
		OrganizationID:  f.org,
		InstanceID:      f.instance,
		Name:            "Black Friday",
		MessageTemplate: "Hi {name}",
		ContactIDs:      contacts,
	})
	require.NoError(t, err)
	return c
}

func TestCreateDeduplicatesRecipients(t *testing.T) {
	f := newFixture(t, domain.InstanceStatusConnected)

	c := f.create(t, f.contacts[0], f.contacts[0], f.contacts[1])

	assert.Equal(t, domain.CampaignStatusDraft, c.Status)
	assert.Equal(t, 2, c.TotalRecipients)
	recipients := f.store.RecipientsOf(c.ID)
	require.Len(t, recipients, 2)
	for _, r := range recipients {
		assert.Equal(t, domain.RecipientStatusPending, r.Status)
	}
}

func TestCreateRejectsForeignContacts(t *testing.T) {
	f := newFixture(t, domain.InstanceStatusConnected)

	_, err := f.svc.Create(context.Background(), CreateCampaignInput{
		OrganizationID:  f.org,
		InstanceID:      f.instance,
		Name:            "x",
		MessageTemplate: "y",
		ContactIDs:      []uuid.UUID{f.contacts[0], uuid.New()},
	})

	assert.True(t, errors.Is(err, apperrors.ErrValidation))
}

func TestValidateCreateInputFailures(t *testing.T) {
	org, inst := uuid.New(), uuid.New()
	url := "https://cdn/x.png"
	cases := map[string]CreateCampaignInput{
		"missing organization": {InstanceID: inst, Name: "n", MessageTemplate: "t"},
		"missing instance":     {OrganizationID: org, Name: "n", MessageTemplate: "t"},
		"blank name":           {OrganizationID: org, InstanceID: inst, Name: "  ", MessageTemplate: "t"},
		"missing template":     {OrganizationID: org, InstanceID: inst, Name: "n"},
		"media without type":   {OrganizationID: org, InstanceID: inst, Name: "n", MessageTemplate: "t", MediaURL: &url},
	}
	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, validateCreateInput(input), apperrors.ErrValidation)
		})
	}
}

func TestStartSchedulesImmediateJob(t *testing.T) {
	f := newFixture(t, domain.InstanceStatusConnected)
	c := f.create(t, f.contacts...)

	started, err := f.svc.Start(context.Background(), c.ID)
	require.NoError(t, err)

	assert.Equal(t, domain.CampaignStatusScheduled, started.Status)
	require.NotNil(t, started.StartedAt)

	jobs := f.mq.Published()
	require.Len(t, jobs, 1)
	assert.Equal(t, queue.JobProcessCampaign, jobs[0].Type)
	assert.Equal(t, 3, jobs[0].MaxAttempts)
	assert.Equal(t, int64(5000), jobs[0].BackoffMs)

	var payload queue.ProcessCampaignPayload
	require.NoError(t, jobs[0].Decode(&payload))
	assert.Equal(t, c.ID, payload.CampaignID)
	assert.Equal(t, f.org, payload.OrganizationID)

	stored, err := f.svc.Get(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CampaignStatusScheduled, stored.Status)
}

func TestStartDelaysUntilScheduledAt(t *testing.T) {
	f := newFixture(t, domain.InstanceStatusConnected)
	at := time.Now().Add(time.Hour).UTC()
	c, err := f.svc.Create(context.Background(), CreateCampaignInput{
		OrganizationID:  f.org,
		InstanceID:      f.instance,
		Name:            "later",
		MessageTemplate: "hi",
		ScheduledAt:     &at,
		ContactIDs:      f.contacts[:1],
	})
	require.NoError(t, err)

	_, err = f.svc.Start(context.Background(), c.ID)
	require.NoError(t, err)

	assert.Empty(t, f.mq.Published())
	scheduled := f.mq.Scheduled()
	require.Len(t, scheduled, 1)
	assert.WithinDuration(t, at, scheduled[0].Due, 2*time.Second)
}

func TestStartValidationCreatesNoJob(t *testing.T) {
	t.Run("no recipients", func(t *testing.T) {
		f := newFixture(t, domain.InstanceStatusConnected)
		c := f.create(t)

		_, err := f.svc.Start(context.Background(), c.ID)
		assert.ErrorIs(t, err, apperrors.ErrValidation)
		assert.Empty(t, f.mq.Enqueued())
	})

	t.Run("instance disconnected", func(t *testing.T) {
		f := newFixture(t, domain.InstanceStatusDisconnected)
		c := f.create(t, f.contacts...)

		_, err := f.svc.Start(context.Background(), c.ID)
		assert.ErrorIs(t, err, apperrors.ErrValidation)
		assert.Empty(t, f.mq.Enqueued())

		stored, _ := f.svc.Get(context.Background(), c.ID)
		assert.Equal(t, domain.CampaignStatusDraft, stored.Status)
	})
}

func TestStartRevertsWhenEnqueueFails(t *testing.T) {
	f := newFixture(t, domain.InstanceStatusConnected)
	f.svc.jobs = failingEnqueuer{}
	c := f.create(t, f.contacts...)

	_, err := f.svc.Start(context.Background(), c.ID)
	assert.ErrorIs(t, err, apperrors.ErrUnavailable)

	stored, _ := f.svc.Get(context.Background(), c.ID)
	assert.Equal(t, domain.CampaignStatusDraft, stored.Status)
}

func TestLifecycleGuards(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, domain.InstanceStatusConnected)
	c := f.create(t, f.contacts...)

	_, err := f.svc.Pause(ctx, c.ID)
	assert.ErrorIs(t, err, apperrors.ErrInvalidState, "pause requires RUNNING")

	_, err = f.svc.Resume(ctx, c.ID)
	assert.ErrorIs(t, err, apperrors.ErrInvalidState, "resume requires PAUSED")

	f.store.SetCampaignStatus(c.ID, domain.CampaignStatusRunning)

	_, err = f.svc.Start(ctx, c.ID)
	assert.ErrorIs(t, err, apperrors.ErrInvalidState)
	assert.ErrorIs(t, f.svc.Delete(ctx, c.ID), apperrors.ErrInvalidState)
	name := "renamed"
	_, err = f.svc.Update(ctx, UpdateCampaignInput{ID: c.ID, Name: &name})
	assert.ErrorIs(t, err, apperrors.ErrInvalidState)
	assert.Empty(t, f.mq.Enqueued())

	paused, err := f.svc.Pause(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CampaignStatusPaused, paused.Status)

	resumed, err := f.svc.Resume(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CampaignStatusScheduled, resumed.Status)
	assert.Len(t, f.mq.Published(), 1)
}

func TestRestartCompletedCampaignClearsCompletion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, domain.InstanceStatusConnected)
	c := f.create(t, f.contacts...)
	f.store.SetCampaignStatus(c.ID, domain.CampaignStatusCompleted)

	restarted, err := f.svc.Start(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CampaignStatusScheduled, restarted.Status)
	assert.Nil(t, restarted.CompletedAt)
}

func TestUpdateDraft(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, domain.InstanceStatusConnected)
	c := f.create(t, f.contacts...)

	tpl := "Hello {name}, your code is {phone}"
	updated, err := f.svc.Update(ctx, UpdateCampaignInput{ID: c.ID, MessageTemplate: &tpl})
	require.NoError(t, err)
	assert.Equal(t, tpl, updated.MessageTemplate)

	stored, _ := f.svc.Get(ctx, c.ID)
	assert.Equal(t, tpl, stored.MessageTemplate)

	other := uuid.New()
	_, err = f.svc.Update(ctx, UpdateCampaignInput{ID: c.ID, InstanceID: &other})
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestDeleteRemovesRecipients(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, domain.InstanceStatusConnected)
	c := f.create(t, f.contacts...)

	require.NoError(t, f.svc.Delete(ctx, c.ID))

	_, err := f.svc.Get(ctx, c.ID)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	assert.Empty(t, f.store.RecipientsOf(c.ID))
}

func TestDeleteAllowedInFinalStates(t *testing.T) {
	for _, status := range []domain.CampaignStatus{domain.CampaignStatusCompleted, domain.CampaignStatusFailed} {
		f := newFixture(t, domain.InstanceStatusConnected)
		c := f.create(t, f.contacts...)
		f.store.SetCampaignStatus(c.ID, status)
		assert.NoError(t, f.svc.Delete(context.Background(), c.ID), status)
	}
	for _, status := range []domain.CampaignStatus{domain.CampaignStatusScheduled, domain.CampaignStatusPaused} {
		f := newFixture(t, domain.InstanceStatusConnected)
		c := f.create(t, f.contacts...)
		f.store.SetCampaignStatus(c.ID, status)
		assert.ErrorIs(t, f.svc.Delete(context.Background(), c.ID), apperrors.ErrInvalidState, status)
	}
}

func TestStats(t *testing.T) {
	f := newFixture(t, domain.InstanceStatusConnected)
	c := f.create(t, f.contacts...)

	stats, err := f.svc.Stats(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Total)
	assert.Equal(t, int64(3), stats.Pending)
	assert.Equal(t, 0, stats.Progress)

	_, err = f.svc.Stats(context.Background(), uuid.New())
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestRetryFailedSkipsInvalidState(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, domain.InstanceStatusConnected)
	c := f.create(t, f.contacts...)

	campaignID := c.ID
	var ids []uuid.UUID
	for i := 0; i < 2; i++ {
		msg := &domain.Message{
			ID:             uuid.New(),
			OrganizationID: f.org,
			InstanceID:     f.instance,
			CampaignID:     &campaignID,
			To:             "5511",
			Body:           "hi",
			Direction:      domain.DirectionOutbound,
			Status:         domain.MessageStatusFailed,
			CreatedAt:      time.Now().UTC(),
			UpdatedAt:      time.Now().UTC(),
		}
		require.NoError(t, f.store.Messages().Create(ctx, msg))
		ids = append(ids, msg.ID)
	}
	f.retrier.On("Retry", mock.Anything, ids[0]).Return(&domain.Message{ID: ids[0]}, nil)
	f.retrier.On("Retry", mock.Anything, ids[1]).Return(nil, apperrors.ErrInvalidState)

	n, err := f.svc.RetryFailed(ctx, c.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	f.retrier.AssertExpectations(t)
}

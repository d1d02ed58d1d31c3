package message

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/whatsapp-dispatch/internal/domain"
	"github.com/acme/whatsapp-dispatch/internal/gateway"
	"github.com/acme/whatsapp-dispatch/internal/queue"
	"github.com/acme/whatsapp-dispatch/internal/repository"
	"github.com/acme/whatsapp-dispatch/internal/repository/memory"
	"github.com/acme/whatsapp-dispatch/internal/service/sender"
	apperrors "github.com/acme/whatsapp-dispatch/pkg/errors"
)

type stubSender struct {
	outcome sender.Outcome
	calls   int
}

func (s *stubSender) Send(context.Context, uuid.UUID, string, string, *gateway.Media) sender.Outcome {
	s.calls++
	return s.outcome
}

type harness struct {
	store    *memory.Store
	mq       *queue.Memory
	sender   *stubSender
	svc      *Service
	org      uuid.UUID
	instance uuid.UUID
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:    memory.New(),
		mq:       queue.NewMemory(16),
		sender:   &stubSender{outcome: sender.Outcome{Success: true, ProviderMessageID: "wamid.1"}},
		org:      uuid.New(),
		instance: uuid.New(),
	}
	t.Cleanup(func() { _ = h.mq.Close() })
	h.store.PutInstance(domain.Instance{ID: h.instance, OrganizationID: h.org, Status: domain.InstanceStatusConnected})

	h.svc = NewService(Deps{
		Messages:   h.store.Messages(),
		Recipients: h.store.Recipients(),
		Campaigns:  h.store.Campaigns(),
		Instances:  h.store.Instances(),
		Events:     h.store.Events(),
		Jobs:       queue.NewDispatcher(h.mq, h.mq, queue.Options{Attempts: 3, Backoff: 5 * time.Second}),
		Sender:     h.sender,
	})
	return h
}

// campaignMessage seeds a campaign with one recipient and a message addressed to it.
func (h *harness) campaignMessage(t *testing.T, status domain.MessageStatus) (*domain.Campaign, *domain.Message) {
	t.Helper()
	ctx := context.Background()
	contact := domain.Contact{ID: uuid.New(), OrganizationID: h.org, Name: "Ana", PhoneNumber: "5511999"}
	h.store.PutContact(contact)

	now := time.Now().UTC()
	c := &domain.Campaign{
		ID: uuid.New(), OrganizationID: h.org, InstanceID: h.instance,
		Name: "c", MessageTemplate: "hi", Status: domain.CampaignStatusRunning,
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, h.store.Campaigns().Create(ctx, c, []uuid.UUID{contact.ID}))

	campaignID := c.ID
	m := &domain.Message{
		ID: uuid.New(), OrganizationID: h.org, InstanceID: h.instance, CampaignID: &campaignID,
		To: contact.PhoneNumber, Body: "hi", Direction: domain.DirectionOutbound, Status: status,
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, h.store.Messages().Create(ctx, m))
	return c, m
}

func sendJob(t *testing.T, m *domain.Message, attempt int) queue.Job {
	t.Helper()
	job, err := queue.NewJob(queue.JobSendMessage, queue.SendMessagePayload{
		MessageID: m.ID, InstanceID: m.InstanceID, To: m.To, Body: m.Body,
	}, queue.Options{Attempts: 3})
	require.NoError(t, err)
	job.Attempt = attempt
	return job
}

func TestSendEnqueuesPendingMessage(t *testing.T) {
	h := newHarness(t)

	msg, err := h.svc.Send(context.Background(), SendInput{OrganizationID: h.org, InstanceID: h.instance, To: " 5511 ", Body: "hello"})
	require.NoError(t, err)

	assert.Equal(t, domain.MessageStatusPending, msg.Status)
	assert.Equal(t, "5511", msg.To)

	jobs := h.mq.Published()
	require.Len(t, jobs, 1)
	assert.Equal(t, queue.JobSendMessage, jobs[0].Type)
	var payload queue.SendMessagePayload
	require.NoError(t, jobs[0].Decode(&payload))
	assert.Equal(t, msg.ID, payload.MessageID)
	assert.Equal(t, "hello", payload.Body)
}

func TestSendRequiresConnectedInstance(t *testing.T) {
	h := newHarness(t)
	offline := uuid.New()
	h.store.PutInstance(domain.Instance{ID: offline, OrganizationID: h.org, Status: domain.InstanceStatusConnecting})

	_, err := h.svc.Send(context.Background(), SendInput{InstanceID: offline, To: "1", Body: "x"})
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	_, err = h.svc.Send(context.Background(), SendInput{InstanceID: h.instance, To: "", Body: "x"})
	assert.ErrorIs(t, err, apperrors.ErrValidation)
	assert.Empty(t, h.mq.Enqueued())
}

func TestHandleSendJobSuccessAdvancesRecipient(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c, m := h.campaignMessage(t, domain.MessageStatusPending)

	require.NoError(t, h.svc.HandleSendJob(ctx, sendJob(t, m, 1)))

	got, err := h.svc.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.MessageStatusSent, got.Status)
	require.NotNil(t, got.ExternalID)
	assert.Equal(t, "wamid.1", *got.ExternalID)
	assert.NotNil(t, got.SentAt)

	recipients := h.store.RecipientsOf(c.ID)
	require.Len(t, recipients, 1)
	assert.Equal(t, domain.RecipientStatusSent, recipients[0].Status)

	stored, _ := h.store.Campaigns().Get(ctx, c.ID)
	assert.Equal(t, 1, stored.SentCount)

	page, err := h.svc.Events(ctx, m.ID, 10, "")
	require.NoError(t, err)
	require.Len(t, page.Events, 1)
	assert.Equal(t, domain.MessageStatusSent, page.Events[0].Status)
	assert.Equal(t, domain.EventSourceDispatch, page.Events[0].Source)
}

func TestHandleSendJobRedeliveryIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c, m := h.campaignMessage(t, domain.MessageStatusPending)

	job := sendJob(t, m, 1)
	require.NoError(t, h.svc.HandleSendJob(ctx, job))
	require.NoError(t, h.svc.HandleSendJob(ctx, job))

	assert.Equal(t, 1, h.sender.calls)
	stored, _ := h.store.Campaigns().Get(ctx, c.ID)
	assert.Equal(t, 1, stored.SentCount)
}

func TestHandleSendJobFailureKeepsRecipientUntilFinalAttempt(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.sender.outcome = sender.Outcome{Error: "gateway: status 503"}
	c, m := h.campaignMessage(t, domain.MessageStatusPending)

	err := h.svc.HandleSendJob(ctx, sendJob(t, m, 1))
	require.Error(t, err)
	assert.False(t, errors.Is(err, queue.ErrDrop))

	got, _ := h.svc.Get(ctx, m.ID)
	assert.Equal(t, domain.MessageStatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "gateway: status 503", *got.ErrorMessage)
	assert.Equal(t, domain.RecipientStatusPending, h.store.RecipientsOf(c.ID)[0].Status)

	require.Error(t, h.svc.HandleSendJob(ctx, sendJob(t, m, 3)))
	assert.Equal(t, domain.RecipientStatusFailed, h.store.RecipientsOf(c.ID)[0].Status)
	stored, _ := h.store.Campaigns().Get(ctx, c.ID)
	assert.Equal(t, 1, stored.FailedCount)
	assert.Equal(t, 2, h.sender.calls)
}

func TestHandleSendJobRetryAttemptCanSucceed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, m := h.campaignMessage(t, domain.MessageStatusFailed)

	require.NoError(t, h.svc.HandleSendJob(ctx, sendJob(t, m, 2)))

	got, _ := h.svc.Get(ctx, m.ID)
	assert.Equal(t, domain.MessageStatusSent, got.Status)
	assert.Nil(t, got.ErrorMessage)
}

func TestHandleSendJobDropsUnknownMessage(t *testing.T) {
	h := newHarness(t)
	err := h.svc.HandleSendJob(context.Background(), sendJob(t, &domain.Message{ID: uuid.New()}, 1))
	assert.ErrorIs(t, err, queue.ErrDrop)
	assert.Zero(t, h.sender.calls)
}

func TestRetryOnlyFailedMessages(t *testing.T) {
	h := newHarness(t)
	_, m := h.campaignMessage(t, domain.MessageStatusSent)

	_, err := h.svc.Retry(context.Background(), m.ID)
	assert.ErrorIs(t, err, apperrors.ErrInvalidState)
	assert.Empty(t, h.mq.Enqueued())
}

func TestRetryResetsMessageAndRecipient(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c, m := h.campaignMessage(t, domain.MessageStatusFailed)
	reason := "boom"
	_, err := h.store.Recipients().AdvanceByPhone(ctx, c.ID, m.To, repository.RecipientUpdate{To: domain.RecipientStatusFailed, Error: &reason})
	require.NoError(t, err)
	require.NoError(t, h.store.Campaigns().AddCounters(ctx, c.ID, repository.CounterDelta{Failed: 1}))

	retried, err := h.svc.Retry(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.MessageStatusPending, retried.Status)

	got, _ := h.svc.Get(ctx, m.ID)
	assert.Equal(t, domain.MessageStatusPending, got.Status)
	assert.Nil(t, got.ErrorMessage)

	rec := h.store.RecipientsOf(c.ID)[0]
	assert.Equal(t, domain.RecipientStatusPending, rec.Status)
	assert.Nil(t, rec.Error)
	stored, _ := h.store.Campaigns().Get(ctx, c.ID)
	assert.Equal(t, 0, stored.FailedCount)

	jobs := h.mq.Published()
	require.Len(t, jobs, 1)
	assert.Equal(t, 1, jobs[0].Attempt)
	assert.Equal(t, 3, jobs[0].MaxAttempts)

	_, err = h.svc.Retry(ctx, m.ID)
	assert.ErrorIs(t, err, apperrors.ErrInvalidState, "a second retry must not enqueue again")
	assert.Len(t, h.mq.Published(), 1)
}

func TestEventsPaging(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, m := h.campaignMessage(t, domain.MessageStatusPending)
	for _, st := range []domain.MessageStatus{domain.MessageStatusSent, domain.MessageStatusDelivered, domain.MessageStatusRead} {
		require.NoError(t, h.store.Events().Append(ctx, domain.MessageEvent{MessageID: m.ID, Status: st, Source: domain.EventSourceWebhook}))
	}

	first, err := h.svc.Events(ctx, m.ID, 2, "")
	require.NoError(t, err)
	assert.Len(t, first.Events, 2)
	require.NotEmpty(t, first.NextToken)

	second, err := h.svc.Events(ctx, m.ID, 2, first.NextToken)
	require.NoError(t, err)
	require.Len(t, second.Events, 1)
	assert.Equal(t, domain.MessageStatusRead, second.Events[0].Status)
	assert.Empty(t, second.NextToken)

	_, err = h.svc.Events(ctx, m.ID, 2, "!!!")
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestPagingStateRoundTrip(t *testing.T) {
	assert.Empty(t, EncodePagingState(nil))
	state, err := DecodePagingState("")
	require.NoError(t, err)
	assert.Nil(t, state)

	token := EncodePagingState([]byte{1, 2, 250})
	decoded, err := DecodePagingState(token)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 250}, decoded)
}

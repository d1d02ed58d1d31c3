package message

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/whatsapp-dispatch/internal/domain"
	"github.com/acme/whatsapp-dispatch/internal/gateway"
	"github.com/acme/whatsapp-dispatch/internal/queue"
	"github.com/acme/whatsapp-dispatch/internal/repository"
	"github.com/acme/whatsapp-dispatch/internal/service/common"
	"github.com/acme/whatsapp-dispatch/internal/service/sender"
	apperrors "github.com/acme/whatsapp-dispatch/pkg/errors"
)

// JobEnqueuer submits send-message jobs.
type JobEnqueuer interface {
	EnqueueSendMessage(ctx context.Context, payload queue.SendMessagePayload, opts queue.Options) (queue.Job, error)
}

// Sender delivers one message through the gateway.
type Sender interface {
	Send(ctx context.Context, instanceID uuid.UUID, to, body string, media *gateway.Media) sender.Outcome
}

// Service coordinates single-message sends and retries.
type Service struct {
	messages   repository.MessageRepository
	recipients repository.RecipientRepository
	campaigns  repository.CampaignRepository
	instances  repository.InstanceRepository
	events     repository.MessageEventStore
	jobs       JobEnqueuer
	sender     Sender
	jobOpts    queue.Options
	logger     *zap.Logger
}

// Deps groups the collaborators of the message service.
type Deps struct {
	Messages   repository.MessageRepository
	Recipients repository.RecipientRepository
	Campaigns  repository.CampaignRepository
	Instances  repository.InstanceRepository
	Events     repository.MessageEventStore
	Jobs       JobEnqueuer
	Sender     Sender
	JobOptions queue.Options
	Logger     *zap.Logger
}

// NewService builds the message service.
func NewService(deps Deps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		messages:   deps.Messages,
		recipients: deps.Recipients,
		campaigns:  deps.Campaigns,
		instances:  deps.Instances,
		events:     deps.Events,
		jobs:       deps.Jobs,
		sender:     deps.Sender,
		jobOpts:    deps.JobOptions,
		logger:     logger,
	}
}

// SendInput encapsulates the arguments of an ad-hoc send.
type SendInput struct {
	OrganizationID uuid.UUID
	InstanceID     uuid.UUID
	To             string
	Body           string
	MediaURL       *string
	MediaType      *string
}

// Send persists a PENDING message and enqueues its delivery.
func (s *Service) Send(ctx context.Context, input SendInput) (*domain.Message, error) {
	input.To = strings.TrimSpace(input.To)
	if input.To == "" {
		return nil, fmt.Errorf("%w: destination phone is required", apperrors.ErrValidation)
	}
	if strings.TrimSpace(input.Body) == "" && (input.MediaURL == nil || *input.MediaURL == "") {
		return nil, fmt.Errorf("%w: body or media is required", apperrors.ErrValidation)
	}

	instance, err := s.instances.Get(ctx, input.InstanceID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, fmt.Errorf("%w: instance %s not found", apperrors.ErrValidation, input.InstanceID)
		}
		return nil, fmt.Errorf("message service: load instance: %w", err)
	}
	if input.OrganizationID != uuid.Nil && instance.OrganizationID != input.OrganizationID {
		return nil, fmt.Errorf("%w: instance %s belongs to another organization", apperrors.ErrValidation, instance.ID)
	}
	if !instance.Connected() {
		return nil, fmt.Errorf("%w: instance %s is %s", apperrors.ErrValidation, instance.ID, instance.Status)
	}

	now := time.Now().UTC()
	msg := &domain.Message{
		ID:             uuid.New(),
		OrganizationID: instance.OrganizationID,
		InstanceID:     instance.ID,
		To:             input.To,
		Body:           input.Body,
		MediaURL:       input.MediaURL,
		MediaType:      input.MediaType,
		Direction:      domain.DirectionOutbound,
		Status:         domain.MessageStatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.messages.Create(ctx, msg); err != nil {
		return nil, fmt.Errorf("message service: persist message: %w", err)
	}

	if err := s.enqueue(ctx, msg); err != nil {
		reason := "enqueue failed: " + err.Error()
		if _, ferr := s.messages.Advance(ctx, msg.ID, repository.MessageUpdate{To: domain.MessageStatusFailed, Error: &reason}); ferr != nil {
			s.logger.Error("message service: mark unqueued message failed", zap.String("message_id", msg.ID.String()), zap.Error(ferr))
		}
		return nil, fmt.Errorf("%w: enqueue message: %v", apperrors.ErrUnavailable, err)
	}
	return msg, nil
}

// Get retrieves a message by id.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*domain.Message, error) {
	return s.messages.Get(ctx, id)
}

// EventsPage is one page of a message timeline.
type EventsPage struct {
	Events    []domain.MessageEvent
	NextToken string
}

// Events lists the delivery timeline of a message. token is the opaque
// value returned as NextToken by the previous page.
func (s *Service) Events(ctx context.Context, id uuid.UUID, limit int, token string) (*EventsPage, error) {
	if _, err := s.messages.Get(ctx, id); err != nil {
		return nil, err
	}
	state, err := DecodePagingState(token)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid page token", apperrors.ErrValidation)
	}
	events, next, err := s.events.List(ctx, id, limit, state)
	if err != nil {
		return nil, fmt.Errorf("message service: list events: %w", err)
	}
	return &EventsPage{Events: events, NextToken: EncodePagingState(next)}, nil
}

// Retry resets a FAILED message to PENDING and enqueues one new delivery
// with a fresh attempt budget. A campaign recipient that failed with it is
// returned to PENDING as well.
func (s *Service) Retry(ctx context.Context, id uuid.UUID) (*domain.Message, error) {
	msg, err := s.messages.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if msg.Status != domain.MessageStatusFailed {
		return nil, fmt.Errorf("%w: only FAILED messages can be retried, message is %s", apperrors.ErrInvalidState, msg.Status)
	}
	ok, err := s.messages.ResetForRetry(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("message service: reset message: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: message %s is no longer FAILED", apperrors.ErrInvalidState, id)
	}

	if msg.CampaignID != nil {
		reset, err := s.recipients.ResetFailedByPhone(ctx, *msg.CampaignID, msg.To)
		if err != nil {
			return nil, fmt.Errorf("message service: reset recipient: %w", err)
		}
		if reset {
			if err := s.campaigns.AddCounters(ctx, *msg.CampaignID, repository.CounterDelta{Failed: -1}); err != nil {
				return nil, fmt.Errorf("message service: update counters: %w", err)
			}
		}
	}

	msg.Status = domain.MessageStatusPending
	msg.ErrorMessage = nil
	msg.FailedAt = nil
	s.appendEvent(ctx, msg.ID, domain.MessageStatusPending, "", domain.EventSourceRetry)

	if err := s.enqueue(ctx, msg); err != nil {
		return nil, fmt.Errorf("%w: enqueue retry: %v", apperrors.ErrUnavailable, err)
	}
	return msg, nil
}

// HandleSendJob executes a send-message job. Send failures are returned so
// the runner applies the attempt policy; the last failed attempt also fails
// the campaign recipient the message belongs to.
func (s *Service) HandleSendJob(ctx context.Context, job queue.Job) error {
	var payload queue.SendMessagePayload
	if err := job.Decode(&payload); err != nil {
		s.logger.Error("message service: malformed send job", zap.String("job_id", job.ID.String()), zap.Error(err))
		return queue.ErrDrop
	}
	logger := s.logger.With(zap.String("message_id", payload.MessageID.String()), zap.String("job_id", job.ID.String()))

	msg, err := s.messages.Get(ctx, payload.MessageID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			logger.Warn("message service: message vanished, dropping job")
			return queue.ErrDrop
		}
		return fmt.Errorf("message service: load message: %w", err)
	}
	if msg.Status != domain.MessageStatusPending && msg.Status != domain.MessageStatusFailed {
		logger.Debug("message service: message already sent", zap.String("status", string(msg.Status)))
		return nil
	}

	outcome := s.sender.Send(ctx, payload.InstanceID, payload.To, payload.Body, sender.MediaOf(payload.MediaURL, payload.MediaType))
	now := time.Now().UTC()
	retryable := []domain.MessageStatus{domain.MessageStatusPending, domain.MessageStatusFailed}

	if outcome.Success {
		upd := repository.MessageUpdate{To: domain.MessageStatusSent, From: retryable, At: now}
		if outcome.ProviderMessageID != "" {
			id := outcome.ProviderMessageID
			upd.ExternalID = &id
		}
		moved, err := s.messages.Advance(ctx, msg.ID, upd)
		if err != nil {
			return fmt.Errorf("message service: mark sent: %w", err)
		}
		if !moved {
			return nil
		}
		s.appendEvent(ctx, msg.ID, domain.MessageStatusSent, "", domain.EventSourceDispatch)
		if msg.CampaignID != nil {
			if err := s.advanceRecipient(ctx, *msg.CampaignID, msg.To, repository.RecipientUpdate{To: domain.RecipientStatusSent, At: now},
				repository.CounterDelta{Sent: 1}); err != nil {
				return err
			}
		}
		return nil
	}

	reason := outcome.Error
	if _, err := s.messages.Advance(ctx, msg.ID, repository.MessageUpdate{
		To: domain.MessageStatusFailed, From: retryable, At: now, Error: &reason,
	}); err != nil {
		return fmt.Errorf("message service: mark failed: %w", err)
	}
	s.appendEvent(ctx, msg.ID, domain.MessageStatusFailed, reason, domain.EventSourceDispatch)

	if job.Final() && msg.CampaignID != nil {
		if err := s.advanceRecipient(ctx, *msg.CampaignID, msg.To, repository.RecipientUpdate{
			To: domain.RecipientStatusFailed, At: now, Error: &reason,
		}, repository.CounterDelta{Failed: 1}); err != nil {
			logger.Error("message service: fail recipient", zap.Error(err))
		}
	}
	return fmt.Errorf("message service: send failed: %s", reason)
}

func (s *Service) advanceRecipient(ctx context.Context, campaignID uuid.UUID, phone string, upd repository.RecipientUpdate, delta repository.CounterDelta) error {
	moved, err := s.recipients.AdvanceByPhone(ctx, campaignID, phone, upd)
	if err != nil {
		return fmt.Errorf("message service: update recipient: %w", err)
	}
	if !moved {
		return nil
	}
	if err := s.campaigns.AddCounters(ctx, campaignID, delta); err != nil {
		return fmt.Errorf("message service: update counters: %w", err)
	}
	return nil
}

func (s *Service) enqueue(ctx context.Context, msg *domain.Message) error {
	_, err := s.jobs.EnqueueSendMessage(ctx, queue.SendMessagePayload{
		MessageID:  msg.ID,
		InstanceID: msg.InstanceID,
		To:         msg.To,
		Body:       msg.Body,
		MediaURL:   msg.MediaURL,
		MediaType:  msg.MediaType,
	}, s.jobOpts)
	return err
}

// appendEvent records a timeline entry. Write failures are logged only.
func (s *Service) appendEvent(ctx context.Context, id uuid.UUID, status domain.MessageStatus, errText string, source domain.EventSource) {
	if s.events == nil {
		return
	}
	if err := s.events.Append(ctx, domain.MessageEvent{
		MessageID:  id,
		Status:     status,
		Error:      errText,
		Source:     source,
		OccurredAt: time.Now().UTC(),
	}); err != nil {
		s.logger.Warn("message service: append event", zap.String("message_id", id.String()), zap.Error(err))
	}
}

// EncodePagingState converts the paging state to base64 for API responses.
func EncodePagingState(state []byte) string {
	if len(state) == 0 {
		return ""
	}
	return common.EncodeBase64(state)
}

// DecodePagingState decodes a base64 token to paging state bytes.
func DecodePagingState(token string) ([]byte, error) {
	if token == "" {
		return nil, nil
	}
	return common.DecodeBase64(token)
}

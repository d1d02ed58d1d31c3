package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/whatsapp-dispatch/internal/domain"
	"github.com/acme/whatsapp-dispatch/internal/metrics"
	"github.com/acme/whatsapp-dispatch/internal/queue"
	"github.com/acme/whatsapp-dispatch/internal/repository"
	apperrors "github.com/acme/whatsapp-dispatch/pkg/errors"
)

// Result classifies what a status event did.
type Result string

const (
	ResultApplied  Result = metrics.WebhookApplied
	ResultUnknown  Result = metrics.WebhookUnknown
	ResultStale    Result = metrics.WebhookStale
	ResultRejected Result = metrics.WebhookRejected
)

// Service applies gateway delivery reports to messages and campaign recipients.
type Service struct {
	messages   repository.MessageRepository
	recipients repository.RecipientRepository
	campaigns  repository.CampaignRepository
	events     repository.MessageEventStore
	logger     *zap.Logger
}

// NewService constructs the reconciler.
func NewService(
	messages repository.MessageRepository,
	recipients repository.RecipientRepository,
	campaigns repository.CampaignRepository,
	events repository.MessageEventStore,
	logger *zap.Logger,
) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		messages:   messages,
		recipients: recipients,
		campaigns:  campaigns,
		events:     events,
		logger:     logger,
	}
}

// Apply reconciles one event. Unknown messages, malformed statuses and
// regressions are reported through Result and never as an error; an error
// means storage failed and the event may be applied again.
func (s *Service) Apply(ctx context.Context, event queue.StatusEvent) (result Result, err error) {
	tracer := otel.Tracer("dispatch.reconcile")
	ctx, span := tracer.Start(ctx, "webhook.apply", trace.WithAttributes(
		attribute.String("provider.message_id", event.MessageID),
		attribute.String("webhook.status", event.Status),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			metrics.RecordWebhook(metrics.WebhookError)
		} else {
			span.SetAttributes(attribute.String("webhook.result", string(result)))
			metrics.RecordWebhook(string(result))
		}
		span.End()
	}()

	logger := s.logger.With(
		zap.String("provider_message_id", event.MessageID),
		zap.String("instance_id", event.InstanceID),
		zap.String("status", event.Status),
	)

	status, perr := domain.ParseMessageStatus(strings.ToUpper(strings.TrimSpace(event.Status)))
	if perr != nil || event.MessageID == "" {
		logger.Warn("reconcile: rejected malformed event")
		return ResultRejected, nil
	}

	msg, gerr := s.messages.GetByExternalID(ctx, event.MessageID)
	if gerr != nil {
		if errors.Is(gerr, apperrors.ErrNotFound) {
			logger.Info("reconcile: no message for provider id, dropping")
			return ResultUnknown, nil
		}
		return "", fmt.Errorf("reconcile: lookup message: %w", gerr)
	}
	logger = logger.With(zap.String("message_id", msg.ID.String()))

	at := time.Now().UTC()
	if event.Timestamp != nil && !event.Timestamp.IsZero() {
		at = event.Timestamp.UTC()
	}
	var errText *string
	if status == domain.MessageStatusFailed && event.Error != "" {
		e := event.Error
		errText = &e
	}

	moved, aerr := s.messages.Advance(ctx, msg.ID, repository.MessageUpdate{To: status, At: at, Error: errText})
	if aerr != nil {
		return "", fmt.Errorf("reconcile: advance message: %w", aerr)
	}
	if !moved {
		logger.Debug("reconcile: stale status ignored", zap.String("current", string(msg.Status)))
		return ResultStale, nil
	}

	if s.events != nil {
		if err := s.events.Append(ctx, domain.MessageEvent{
			MessageID:  msg.ID,
			Status:     status,
			Error:      event.Error,
			Source:     domain.EventSourceWebhook,
			OccurredAt: at,
		}); err != nil {
			logger.Warn("reconcile: append event", zap.Error(err))
		}
	}

	if msg.CampaignID != nil {
		if err := s.advanceRecipient(ctx, *msg.CampaignID, msg.To, status, at, errText); err != nil {
			return "", err
		}
	}
	logger.Debug("reconcile: status applied")
	return ResultApplied, nil
}

// advanceRecipient mirrors the message status onto the campaign recipient
// reached at phone. deliveredCount grows once per recipient reaching DELIVERED;
// a READ that skips DELIVERED passes through it first so it is counted too.
func (s *Service) advanceRecipient(ctx context.Context, campaignID uuid.UUID, phone string, status domain.MessageStatus, at time.Time, errText *string) error {
	if status == domain.MessageStatusRead {
		if err := s.moveRecipient(ctx, campaignID, phone, domain.MessageStatusDelivered, at, nil); err != nil {
			return err
		}
	}
	return s.moveRecipient(ctx, campaignID, phone, status, at, errText)
}

func (s *Service) moveRecipient(ctx context.Context, campaignID uuid.UUID, phone string, status domain.MessageStatus, at time.Time, errText *string) error {
	moved, err := s.recipients.AdvanceByPhone(ctx, campaignID, phone, repository.RecipientUpdate{
		To:    domain.RecipientStatus(status),
		At:    at,
		Error: errText,
	})
	if err != nil {
		return fmt.Errorf("reconcile: advance recipient: %w", err)
	}
	if !moved || status != domain.MessageStatusDelivered {
		return nil
	}
	if err := s.campaigns.AddCounters(ctx, campaignID, repository.CounterDelta{Delivered: 1}); err != nil {
		return fmt.Errorf("reconcile: update counters: %w", err)
	}
	return nil
}

package campaign

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/whatsapp-dispatch/internal/domain"
	"github.com/acme/whatsapp-dispatch/internal/queue"
	"github.com/acme/whatsapp-dispatch/internal/repository"
	apperrors "github.com/acme/whatsapp-dispatch/pkg/errors"
)

// JobEnqueuer submits process-campaign jobs.
type JobEnqueuer interface {
	EnqueueProcessCampaign(ctx context.Context, payload queue.ProcessCampaignPayload, opts queue.Options) (queue.Job, error)
}

// MessageRetrier re-sends a single FAILED message.
type MessageRetrier interface {
	Retry(ctx context.Context, messageID uuid.UUID) (*domain.Message, error)
}

// Service orchestrates campaign lifecycle operations.
type Service struct {
	repo       repository.CampaignRepository
	recipients repository.RecipientRepository
	contacts   repository.ContactRepository
	instances  repository.InstanceRepository
	messages   repository.MessageRepository
	jobs       JobEnqueuer
	retrier    MessageRetrier
	jobOpts    queue.Options
	logger     *zap.Logger
	now        func() time.Time
}

// Deps groups the collaborators of the campaign service.
type Deps struct {
	Campaigns  repository.CampaignRepository
	Recipients repository.RecipientRepository
	Contacts   repository.ContactRepository
	Instances  repository.InstanceRepository
	Messages   repository.MessageRepository
	Jobs       JobEnqueuer
	Retrier    MessageRetrier
	// JobOptions sets attempts and backoff of process-campaign jobs.
	JobOptions queue.Options
	Logger     *zap.Logger
}

// NewService constructs a campaign service.
func NewService(deps Deps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repo:       deps.Campaigns,
		recipients: deps.Recipients,
		contacts:   deps.Contacts,
		instances:  deps.Instances,
		messages:   deps.Messages,
		jobs:       deps.Jobs,
		retrier:    deps.Retrier,
		jobOpts:    deps.JobOptions,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// CreateCampaignInput captures campaign creation parameters.
type CreateCampaignInput struct {
	OrganizationID  uuid.UUID
	InstanceID      uuid.UUID
	Name            string
	MessageTemplate string
	MediaURL        *string
	MediaType       *string
	ScheduledAt     *time.Time
	ContactIDs      []uuid.UUID
}

// UpdateCampaignInput captures updatable properties. Nil fields are left untouched.
type UpdateCampaignInput struct {
	ID              uuid.UUID
	InstanceID      *uuid.UUID
	Name            *string
	MessageTemplate *string
	MediaURL        *string
	MediaType       *string
	ScheduledAt     *time.Time
}

// Create provisions a DRAFT campaign with one PENDING recipient per distinct contact.
func (s *Service) Create(ctx context.Context, input CreateCampaignInput) (*domain.Campaign, error) {
	if err := validateCreateInput(input); err != nil {
		return nil, err
	}
	if err := s.checkInstance(ctx, input.OrganizationID, input.InstanceID); err != nil {
		return nil, err
	}

	contactIDs := dedupe(input.ContactIDs)
	if len(contactIDs) > 0 {
		found, err := s.contacts.ListByIDs(ctx, input.OrganizationID, contactIDs)
		if err != nil {
			return nil, fmt.Errorf("campaign service: load contacts: %w", err)
		}
		if len(found) != len(contactIDs) {
			return nil, fmt.Errorf("%w: %d of %d contacts do not exist in the organization",
				apperrors.ErrValidation, len(contactIDs)-len(found), len(contactIDs))
		}
	}

	now := s.now()
	campaign := &domain.Campaign{
		ID:              uuid.New(),
		OrganizationID:  input.OrganizationID,
		InstanceID:      input.InstanceID,
		Name:            strings.TrimSpace(input.Name),
		MessageTemplate: input.MessageTemplate,
		MediaURL:        input.MediaURL,
		MediaType:       input.MediaType,
		ScheduledAt:     input.ScheduledAt,
		Status:          domain.CampaignStatusDraft,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := s.repo.Create(ctx, campaign, contactIDs); err != nil {
		return nil, fmt.Errorf("campaign service: create campaign: %w", err)
	}
	return campaign, nil
}

// Get retrieves a campaign by id.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	return s.repo.Get(ctx, id)
}

// Update modifies a DRAFT campaign.
func (s *Service) Update(ctx context.Context, input UpdateCampaignInput) (*domain.Campaign, error) {
	campaign, err := s.repo.Get(ctx, input.ID)
	if err != nil {
		return nil, err
	}
	if err := domain.CheckAction(domain.ActionEdit, campaign.Status); err != nil {
		return nil, err
	}

	if input.Name != nil {
		campaign.Name = strings.TrimSpace(*input.Name)
	}
	if input.MessageTemplate != nil {
		campaign.MessageTemplate = *input.MessageTemplate
	}
	if input.MediaURL != nil {
		campaign.MediaURL = emptyToNil(input.MediaURL)
	}
	if input.MediaType != nil {
		campaign.MediaType = emptyToNil(input.MediaType)
	}
	if input.ScheduledAt != nil {
		campaign.ScheduledAt = input.ScheduledAt
	}
	if input.InstanceID != nil && *input.InstanceID != campaign.InstanceID {
		if err := s.checkInstance(ctx, campaign.OrganizationID, *input.InstanceID); err != nil {
			return nil, err
		}
		campaign.InstanceID = *input.InstanceID
	}
	if err := validateContent(campaign.Name, campaign.MessageTemplate, campaign.MediaURL, campaign.MediaType); err != nil {
		return nil, err
	}

	campaign.UpdatedAt = s.now()
	ok, err := s.repo.Update(ctx, campaign, domain.ActionSources(domain.ActionEdit))
	if err != nil {
		return nil, fmt.Errorf("campaign service: update campaign: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: campaign %s changed status during update", apperrors.ErrInvalidState, campaign.ID)
	}
	return campaign, nil
}

// Delete removes a campaign and its recipients. Deleting is also how a
// scheduled or paused campaign is cancelled once it has reached a final state.
func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	campaign, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := domain.CheckAction(domain.ActionDelete, campaign.Status); err != nil {
		return err
	}
	ok, err := s.repo.Delete(ctx, id, domain.ActionSources(domain.ActionDelete))
	if err != nil {
		return fmt.Errorf("campaign service: delete campaign: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: campaign %s changed status during delete", apperrors.ErrInvalidState, id)
	}
	return nil
}

// Start schedules processing of the campaign.
func (s *Service) Start(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	return s.schedule(ctx, id, domain.ActionStart)
}

// Resume schedules processing of a PAUSED campaign.
func (s *Service) Resume(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	return s.schedule(ctx, id, domain.ActionResume)
}

func (s *Service) schedule(ctx context.Context, id uuid.UUID, action domain.CampaignAction) (*domain.Campaign, error) {
	campaign, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := domain.CheckAction(action, campaign.Status); err != nil {
		return nil, err
	}
	if campaign.TotalRecipients < 1 {
		return nil, fmt.Errorf("%w: campaign has no recipients", apperrors.ErrValidation)
	}
	instance, err := s.instances.Get(ctx, campaign.InstanceID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, fmt.Errorf("%w: instance %s not found", apperrors.ErrValidation, campaign.InstanceID)
		}
		return nil, fmt.Errorf("campaign service: load instance: %w", err)
	}
	if !instance.Connected() {
		return nil, fmt.Errorf("%w: instance %s is %s", apperrors.ErrValidation, instance.ID, instance.Status)
	}

	now := s.now()
	previous := campaign.Status
	ok, err := s.repo.Transition(ctx, id, repository.StatusChange{
		To:               domain.CampaignStatusScheduled,
		From:             []domain.CampaignStatus{previous},
		StartedAt:        &now,
		ClearCompletedAt: true,
	})
	if err != nil {
		return nil, fmt.Errorf("campaign service: schedule campaign: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: campaign %s changed status during %s", apperrors.ErrInvalidState, id, action)
	}

	opts := s.jobOpts
	opts.Delay = campaign.StartDelay(now)
	job, err := s.jobs.EnqueueProcessCampaign(ctx, queue.ProcessCampaignPayload{
		CampaignID:     campaign.ID,
		OrganizationID: campaign.OrganizationID,
	}, opts)
	if err != nil {
		if _, rerr := s.repo.Transition(ctx, id, repository.StatusChange{
			To:   previous,
			From: []domain.CampaignStatus{domain.CampaignStatusScheduled},
		}); rerr != nil {
			s.logger.Error("campaign service: revert status after enqueue failure",
				zap.String("campaign_id", id.String()), zap.Error(rerr))
		}
		return nil, fmt.Errorf("%w: enqueue campaign: %v", apperrors.ErrUnavailable, err)
	}

	s.logger.Info("campaign scheduled",
		zap.String("campaign_id", id.String()),
		zap.String("job_id", job.ID.String()),
		zap.String("action", string(action)),
		zap.Duration("delay", opts.Delay),
	)
	campaign.Status = domain.CampaignStatusScheduled
	campaign.StartedAt = &now
	campaign.CompletedAt = nil
	return campaign, nil
}

// Pause stops a RUNNING campaign after the recipient currently being sent.
func (s *Service) Pause(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	campaign, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := domain.CheckAction(domain.ActionPause, campaign.Status); err != nil {
		return nil, err
	}
	ok, err := s.repo.Transition(ctx, id, repository.StatusChange{
		To:   domain.CampaignStatusPaused,
		From: domain.ActionSources(domain.ActionPause),
	})
	if err != nil {
		return nil, fmt.Errorf("campaign service: pause campaign: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: campaign %s is no longer running", apperrors.ErrInvalidState, id)
	}
	campaign.Status = domain.CampaignStatusPaused
	return campaign, nil
}

// Stats returns recipient counts per status and the sent percentage.
func (s *Service) Stats(ctx context.Context, id uuid.UUID) (*domain.CampaignStats, error) {
	if _, err := s.repo.Get(ctx, id); err != nil {
		return nil, err
	}
	stats, err := s.recipients.Stats(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("campaign service: stats: %w", err)
	}
	return stats, nil
}

// RetryFailed re-sends every FAILED message of the campaign and returns how
// many retries were enqueued.
func (s *Service) RetryFailed(ctx context.Context, id uuid.UUID, limit int) (int, error) {
	if _, err := s.repo.Get(ctx, id); err != nil {
		return 0, err
	}
	failed, err := s.messages.ListFailedByCampaign(ctx, id, limit)
	if err != nil {
		return 0, fmt.Errorf("campaign service: list failed messages: %w", err)
	}

	retried := 0
	for _, m := range failed {
		if _, err := s.retrier.Retry(ctx, m.ID); err != nil {
			if errors.Is(err, apperrors.ErrInvalidState) {
				continue
			}
			return retried, fmt.Errorf("campaign service: retry message %s: %w", m.ID, err)
		}
		retried++
	}
	return retried, nil
}

func (s *Service) checkInstance(ctx context.Context, organizationID, instanceID uuid.UUID) error {
	instance, err := s.instances.Get(ctx, instanceID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return fmt.Errorf("%w: instance %s not found", apperrors.ErrValidation, instanceID)
		}
		return fmt.Errorf("campaign service: load instance: %w", err)
	}
	if instance.OrganizationID != organizationID {
		return fmt.Errorf("%w: instance %s belongs to another organization", apperrors.ErrValidation, instanceID)
	}
	return nil
}

func validateCreateInput(input CreateCampaignInput) error {
	if input.OrganizationID == uuid.Nil {
		return fmt.Errorf("%w: organization id is required", apperrors.ErrValidation)
	}
	if input.InstanceID == uuid.Nil {
		return fmt.Errorf("%w: instance id is required", apperrors.ErrValidation)
	}
	return validateContent(input.Name, input.MessageTemplate, input.MediaURL, input.MediaType)
}

func validateContent(name, template string, mediaURL, mediaType *string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: campaign name is required", apperrors.ErrValidation)
	}
	if strings.TrimSpace(template) == "" {
		return fmt.Errorf("%w: message template is required", apperrors.ErrValidation)
	}
	if mediaURL != nil && *mediaURL != "" && (mediaType == nil || *mediaType == "") {
		return fmt.Errorf("%w: media type is required with a media url", apperrors.ErrValidation)
	}
	return nil
}

func dedupe(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if id == uuid.Nil {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func emptyToNil(v *string) *string {
	if v == nil || *v == "" {
		return nil
	}
	return v
}

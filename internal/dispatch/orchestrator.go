package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/whatsapp-dispatch/internal/domain"
	"github.com/acme/whatsapp-dispatch/internal/gateway"
	"github.com/acme/whatsapp-dispatch/internal/queue"
	"github.com/acme/whatsapp-dispatch/internal/repository"
	"github.com/acme/whatsapp-dispatch/internal/service/concurrency"
	"github.com/acme/whatsapp-dispatch/internal/service/sender"
	apperrors "github.com/acme/whatsapp-dispatch/pkg/errors"
)

// Sender delivers one rendered message.
type Sender interface {
	Send(ctx context.Context, instanceID uuid.UUID, to, body string, media *gateway.Media) sender.Outcome
}

// Submitter accepts campaign cursors for paced execution.
type Submitter interface {
	Submit(s Stepper) bool
}

// Orchestrator turns process-campaign jobs into paced campaign cursors.
type Orchestrator struct {
	campaigns  repository.CampaignRepository
	recipients repository.RecipientRepository
	messages   repository.MessageRepository
	events     repository.MessageEventStore
	sender     Sender
	lease      concurrency.Lease
	progress   queue.ProgressReporter
	pacer      Submitter
	delay      DelayFunc
	owner      string
	logger     *zap.Logger
}

// Deps groups the collaborators of the orchestrator.
type Deps struct {
	Campaigns  repository.CampaignRepository
	Recipients repository.RecipientRepository
	Messages   repository.MessageRepository
	Events     repository.MessageEventStore
	Sender     Sender
	Lease      concurrency.Lease
	Progress   queue.ProgressReporter
	Pacer      Submitter
	Delay      DelayFunc
	// Owner identifies this process in campaign leases.
	Owner  string
	Logger *zap.Logger
}

// NewOrchestrator constructs an orchestrator.
func NewOrchestrator(deps Deps) *Orchestrator {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	delay := deps.Delay
	if delay == nil {
		delay = UniformDelay(2*time.Second, 5*time.Second)
	}
	owner := deps.Owner
	if owner == "" {
		owner = uuid.NewString()
	}
	return &Orchestrator{
		campaigns:  deps.Campaigns,
		recipients: deps.Recipients,
		messages:   deps.Messages,
		events:     deps.Events,
		sender:     deps.Sender,
		lease:      deps.Lease,
		progress:   deps.Progress,
		pacer:      deps.Pacer,
		delay:      delay,
		owner:      owner,
		logger:     logger,
	}
}

// HandleProcessCampaign loads the campaign, marks it RUNNING and hands a
// cursor over its PENDING recipients to the pacer. The job completes once
// the cursor is queued; sends happen on the pacer's workers.
func (o *Orchestrator) HandleProcessCampaign(ctx context.Context, job queue.Job) error {
	var payload queue.ProcessCampaignPayload
	if err := job.Decode(&payload); err != nil {
		o.logger.Error("orchestrator: malformed job", zap.String("job_id", job.ID.String()), zap.Error(err))
		return queue.ErrDrop
	}
	logger := o.logger.With(
		zap.String("campaign_id", payload.CampaignID.String()),
		zap.String("job_id", job.ID.String()),
	)

	campaign, err := o.campaigns.Get(ctx, payload.CampaignID)
	if err != nil {
		return o.loadFailed(ctx, job, payload.CampaignID, fmt.Errorf("orchestrator: load campaign: %w", err))
	}

	switch campaign.Status {
	case domain.CampaignStatusScheduled, domain.CampaignStatusRunning:
	case domain.CampaignStatusPaused:
		logger.Info("orchestrator: campaign paused, job dropped")
		return queue.ErrDrop
	default:
		logger.Info("orchestrator: campaign not runnable, job dropped", zap.String("status", string(campaign.Status)))
		return queue.ErrDrop
	}

	owner := o.owner + ":" + uuid.NewString()
	acquired, err := o.lease.Acquire(ctx, campaign.ID, owner)
	if err != nil {
		return o.loadFailed(ctx, job, campaign.ID, fmt.Errorf("orchestrator: acquire lease: %w", err))
	}
	if !acquired {
		logger.Info("orchestrator: campaign already has a live cursor, job dropped")
		return queue.ErrDrop
	}

	moved, err := o.campaigns.Transition(ctx, campaign.ID, repository.StatusChange{
		To:   domain.CampaignStatusRunning,
		From: []domain.CampaignStatus{domain.CampaignStatusScheduled, domain.CampaignStatusRunning},
	})
	if err != nil {
		o.release(campaign.ID, owner)
		return o.loadFailed(ctx, job, campaign.ID, fmt.Errorf("orchestrator: mark running: %w", err))
	}
	if !moved {
		o.release(campaign.ID, owner)
		logger.Info("orchestrator: campaign changed status before start, job dropped")
		return queue.ErrDrop
	}

	pending, err := o.recipients.ListPending(ctx, campaign.ID)
	if err != nil {
		o.release(campaign.ID, owner)
		return o.loadFailed(ctx, job, campaign.ID, fmt.Errorf("orchestrator: list recipients: %w", err))
	}

	c := &cursor{
		o:        o,
		campaign: campaign,
		jobID:    job.ID,
		owner:    owner,
		pending:  pending,
		base:     campaign.TotalRecipients - len(pending),
		logger:   logger,
	}
	if !o.pacer.Submit(c) {
		o.release(campaign.ID, owner)
		logger.Info("orchestrator: cursor already active in this process, job dropped")
		return queue.ErrDrop
	}
	logger.Info("orchestrator: campaign cursor started", zap.Int("pending", len(pending)))
	return nil
}

// loadFailed marks the campaign FAILED on the job's last attempt and returns
// err so the runner applies its retry policy.
func (o *Orchestrator) loadFailed(ctx context.Context, job queue.Job, campaignID uuid.UUID, err error) error {
	if !job.Final() || errors.Is(err, apperrors.ErrNotFound) {
		return err
	}
	now := time.Now().UTC()
	if _, terr := o.campaigns.Transition(ctx, campaignID, repository.StatusChange{
		To:          domain.CampaignStatusFailed,
		From:        []domain.CampaignStatus{domain.CampaignStatusScheduled, domain.CampaignStatusRunning},
		CompletedAt: &now,
	}); terr != nil {
		o.logger.Error("orchestrator: mark campaign failed", zap.String("campaign_id", campaignID.String()), zap.Error(terr))
	}
	return err
}

func (o *Orchestrator) release(campaignID uuid.UUID, owner string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.lease.Release(ctx, campaignID, owner); err != nil {
		o.logger.Warn("orchestrator: release lease", zap.String("campaign_id", campaignID.String()), zap.Error(err))
	}
}

// cursor walks one campaign's pending recipients, one per step.
type cursor struct {
	o        *Orchestrator
	campaign *domain.Campaign
	jobID    uuid.UUID
	owner    string
	pending  []*domain.CampaignRecipient
	next     int
	base     int
	logger   *zap.Logger
}

func (c *cursor) Key() uuid.UUID {
	return c.campaign.ID
}

func (c *cursor) Abandon(ctx context.Context) {
	c.logger.Info("orchestrator: cursor abandoned on shutdown", zap.Int("remaining", len(c.pending)-c.next))
	if err := c.o.lease.Release(ctx, c.campaign.ID, c.owner); err != nil {
		c.logger.Warn("orchestrator: release lease", zap.Error(err))
	}
}

// Step processes the next recipient. A send in flight is finished even if
// ctx is cancelled meanwhile.
func (c *cursor) Step(ctx context.Context) (time.Duration, bool) {
	if ctx.Err() != nil {
		return 0, true
	}
	ctx = context.WithoutCancel(ctx)

	held, err := c.o.lease.Refresh(ctx, c.campaign.ID, c.owner)
	if err != nil {
		c.logger.Warn("orchestrator: refresh lease", zap.Error(err))
	} else if !held {
		c.logger.Warn("orchestrator: lease lost, stopping cursor")
		return 0, false
	}

	current, err := c.o.campaigns.Get(ctx, c.campaign.ID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			c.logger.Info("orchestrator: campaign deleted, stopping cursor")
			c.o.release(c.campaign.ID, c.owner)
			return 0, false
		}
		c.logger.Warn("orchestrator: reload campaign", zap.Error(err))
		return time.Second, true
	}
	switch current.Status {
	case domain.CampaignStatusRunning:
	case domain.CampaignStatusScheduled:
		// Paused and resumed while this cursor waited; the resume job was
		// dropped against our lease, so the cursor carries on.
		if current.StartDelay(time.Now().UTC()) > 0 {
			c.logger.Info("orchestrator: campaign rescheduled, stopping cursor")
			c.o.release(c.campaign.ID, c.owner)
			return 0, false
		}
		resumed, err := c.resume(ctx, current)
		if err != nil {
			c.logger.Warn("orchestrator: resume cursor", zap.Error(err))
			return time.Second, true
		}
		if !resumed {
			return 0, true
		}
	case domain.CampaignStatusPaused:
		c.logger.Info("orchestrator: campaign paused, stopping cursor", zap.Int("remaining", len(c.pending)-c.next))
		c.finish(ctx)
		return 0, false
	default:
		c.logger.Info("orchestrator: campaign left RUNNING, stopping cursor", zap.String("status", string(current.Status)))
		c.o.release(c.campaign.ID, c.owner)
		return 0, false
	}

	if c.next >= len(c.pending) {
		c.finish(ctx)
		return 0, false
	}

	recipient := c.pending[c.next]
	c.next++
	paced := c.process(ctx, current, recipient)
	c.report(ctx)

	if c.next >= len(c.pending) {
		c.finish(ctx)
		return 0, false
	}
	if !paced {
		return 0, true
	}
	return c.o.delay(), true
}

// resume moves a resumed campaign back to RUNNING and reloads the recipients
// still PENDING. It reports false when the status changed concurrently.
func (c *cursor) resume(ctx context.Context, current *domain.Campaign) (bool, error) {
	moved, err := c.o.campaigns.Transition(ctx, current.ID, repository.StatusChange{
		To:   domain.CampaignStatusRunning,
		From: []domain.CampaignStatus{domain.CampaignStatusScheduled},
	})
	if err != nil {
		return false, fmt.Errorf("mark running: %w", err)
	}
	if !moved {
		return false, nil
	}
	pending, err := c.o.recipients.ListPending(ctx, current.ID)
	if err != nil {
		return false, fmt.Errorf("list recipients: %w", err)
	}
	current.Status = domain.CampaignStatusRunning
	c.campaign = current
	c.pending = pending
	c.next = 0
	c.base = current.TotalRecipients - len(pending)
	c.logger.Info("orchestrator: campaign resumed on live cursor", zap.Int("pending", len(pending)))
	return true, nil
}

// process handles one recipient and reports whether a gateway send happened.
func (c *cursor) process(ctx context.Context, campaign *domain.Campaign, recipient *domain.CampaignRecipient) (sent bool) {
	logger := c.logger.With(zap.String("recipient_id", recipient.ID.String()))
	tracer := otel.Tracer("dispatch.orchestrator")
	ctx, span := tracer.Start(ctx, "campaign.step", trace.WithAttributes(
		attribute.String("campaign.id", campaign.ID.String()),
		attribute.String("recipient.id", recipient.ID.String()),
	))
	defer span.End()
	defer func() {
		if rec := recover(); rec != nil {
			reason := fmt.Sprintf("panic: %v", rec)
			logger.Error("orchestrator: recipient panic", zap.String("error", reason))
			c.fail(ctx, recipient, reason)
			sent = true
		}
	}()

	if recipient.Contact == nil || recipient.Contact.PhoneNumber == "" {
		c.fail(ctx, recipient, "no phone number")
		return false
	}

	body := domain.RenderTemplate(campaign.MessageTemplate, recipient.Contact)
	outcome := c.o.sender.Send(ctx, campaign.InstanceID, recipient.Contact.PhoneNumber, body,
		sender.MediaOf(campaign.MediaURL, campaign.MediaType))
	now := time.Now().UTC()

	if outcome.Success {
		c.record(ctx, campaign, recipient, body, outcome, now)
		moved, err := c.o.recipients.Advance(ctx, recipient.ID, repository.RecipientUpdate{To: domain.RecipientStatusSent, At: now})
		if err != nil {
			logger.Error("orchestrator: mark recipient sent", zap.Error(err))
			c.fail(ctx, recipient, "mark sent: "+err.Error())
			return true
		}
		if moved {
			if err := c.o.campaigns.AddCounters(ctx, campaign.ID, repository.CounterDelta{Sent: 1}); err != nil {
				logger.Error("orchestrator: increment sent", zap.Error(err))
			}
		}
		return true
	}

	span.SetAttributes(attribute.String("send.error", outcome.Error))
	c.record(ctx, campaign, recipient, body, outcome, now)
	c.fail(ctx, recipient, outcome.Error)
	return true
}

// record persists the Message that carries a campaign send, so webhooks can
// find it by provider id and failed sends can be retried individually.
func (c *cursor) record(ctx context.Context, campaign *domain.Campaign, recipient *domain.CampaignRecipient, body string, outcome sender.Outcome, at time.Time) {
	campaignID := campaign.ID
	msg := &domain.Message{
		ID:             uuid.New(),
		OrganizationID: campaign.OrganizationID,
		InstanceID:     campaign.InstanceID,
		CampaignID:     &campaignID,
		To:             recipient.Contact.PhoneNumber,
		Body:           body,
		MediaURL:       campaign.MediaURL,
		MediaType:      campaign.MediaType,
		Direction:      domain.DirectionOutbound,
		CreatedAt:      at,
		UpdatedAt:      at,
	}
	event := domain.MessageEvent{MessageID: msg.ID, Source: domain.EventSourceDispatch, OccurredAt: at}
	if outcome.Success {
		msg.Status = domain.MessageStatusSent
		msg.SentAt = &at
		if outcome.ProviderMessageID != "" {
			id := outcome.ProviderMessageID
			msg.ExternalID = &id
		}
		event.Status = domain.MessageStatusSent
	} else {
		reason := outcome.Error
		msg.Status = domain.MessageStatusFailed
		msg.FailedAt = &at
		msg.ErrorMessage = &reason
		event.Status = domain.MessageStatusFailed
		event.Error = reason
	}

	if err := c.o.messages.Create(ctx, msg); err != nil {
		c.logger.Error("orchestrator: persist message", zap.String("recipient_id", recipient.ID.String()), zap.Error(err))
		return
	}
	if c.o.events != nil {
		if err := c.o.events.Append(ctx, event); err != nil {
			c.logger.Warn("orchestrator: append event", zap.String("message_id", msg.ID.String()), zap.Error(err))
		}
	}
}

func (c *cursor) fail(ctx context.Context, recipient *domain.CampaignRecipient, reason string) {
	moved, err := c.o.recipients.Advance(ctx, recipient.ID, repository.RecipientUpdate{
		To:    domain.RecipientStatusFailed,
		At:    time.Now().UTC(),
		Error: &reason,
	})
	if err != nil {
		c.logger.Error("orchestrator: mark recipient failed", zap.String("recipient_id", recipient.ID.String()), zap.Error(err))
		return
	}
	if !moved {
		return
	}
	if err := c.o.campaigns.AddCounters(ctx, c.campaign.ID, repository.CounterDelta{Failed: 1}); err != nil {
		c.logger.Error("orchestrator: increment failed", zap.Error(err))
	}
}

func (c *cursor) report(ctx context.Context) {
	if c.o.progress == nil {
		return
	}
	total := c.base + len(c.pending)
	percent := 100
	if total > 0 {
		percent = (c.base + c.next) * 100 / total
	}
	if err := c.o.progress.Report(ctx, c.jobID, percent); err != nil {
		c.logger.Debug("orchestrator: report progress", zap.Error(err))
	}
}

// finish settles the campaign once no recipient is PENDING: FAILED when every
// recipient failed, COMPLETED otherwise. A campaign that still has PENDING
// recipients is left as it is.
func (c *cursor) finish(ctx context.Context) {
	defer c.o.release(c.campaign.ID, c.owner)

	remaining, err := c.o.recipients.CountPending(ctx, c.campaign.ID)
	if err != nil {
		c.logger.Error("orchestrator: count pending", zap.Error(err))
		return
	}
	if remaining > 0 {
		return
	}
	current, err := c.o.campaigns.Get(ctx, c.campaign.ID)
	if err != nil {
		c.logger.Error("orchestrator: reload campaign for completion", zap.Error(err))
		return
	}

	final := domain.CampaignStatusCompleted
	if current.TotalRecipients > 0 && current.FailedCount >= current.TotalRecipients {
		final = domain.CampaignStatusFailed
	}
	now := time.Now().UTC()
	moved, err := c.o.campaigns.Transition(ctx, c.campaign.ID, repository.StatusChange{
		To:          final,
		From:        []domain.CampaignStatus{domain.CampaignStatusRunning, domain.CampaignStatusPaused},
		CompletedAt: &now,
	})
	if err != nil {
		c.logger.Error("orchestrator: finalize campaign", zap.Error(err))
		return
	}
	if moved {
		c.logger.Info("orchestrator: campaign finished",
			zap.String("status", string(final)),
			zap.Int("sent", current.SentCount),
			zap.Int("failed", current.FailedCount),
		)
	}
}

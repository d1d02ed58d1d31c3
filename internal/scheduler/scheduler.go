package scheduler

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/acme/whatsapp-dispatch/internal/app"
	"github.com/acme/whatsapp-dispatch/internal/domain"
	"github.com/acme/whatsapp-dispatch/internal/queue"
	"github.com/acme/whatsapp-dispatch/internal/repository"
	"github.com/acme/whatsapp-dispatch/internal/service/concurrency"
)

// JobEnqueuer submits process-campaign jobs.
type JobEnqueuer interface {
	EnqueueProcessCampaign(ctx context.Context, payload queue.ProcessCampaignPayload, opts queue.Options) (queue.Job, error)
}

// Scheduler periodically resumes campaigns that lost their cursor or their
// start job, e.g. after a dispatcher crash. Recovered cursors continue from the
// recipients still PENDING.
type Scheduler struct {
	campaigns repository.CampaignRepository
	lease     concurrency.Lease
	jobs      JobEnqueuer
	interval  time.Duration
	batch     int
	logger    *zap.Logger
}

// New constructs a scheduler.
func New(container *app.Container) *Scheduler {
	cfg := container.Config.Scheduler
	return newScheduler(
		container.Repositories().Campaigns,
		container.Dispatch().Lease,
		container.Transport().Dispatcher,
		cfg.TickInterval,
		cfg.MaxBatchSize,
		container.Logger.Logger,
	)
}

func newScheduler(campaigns repository.CampaignRepository, lease concurrency.Lease, jobs JobEnqueuer, interval time.Duration, batch int, logger *zap.Logger) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	if batch <= 0 {
		batch = 100
	}
	return &Scheduler{
		campaigns: campaigns,
		lease:     lease,
		jobs:      jobs,
		interval:  interval,
		batch:     batch,
		logger:    logger,
	}
}

// Run executes the recovery loop until cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if _, err := s.tick(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("scheduler tick failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// tick re-enqueues campaigns without a live lease and returns how many were
// resumed: RUNNING ones, and SCHEDULED ones whose start is overdue by more
// than one interval.
func (s *Scheduler) tick(ctx context.Context) (int, error) {
	tracer := otel.Tracer("dispatch.scheduler")
	sctx, span := tracer.Start(ctx, "scheduler.tick")
	defer span.End()

	running, err := s.campaigns.ListByStatus(sctx, domain.CampaignStatusRunning, s.batch)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("scheduler: list running campaigns: %w", err)
	}
	scheduled, err := s.campaigns.ListByStatus(sctx, domain.CampaignStatusScheduled, s.batch)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("scheduler: list scheduled campaigns: %w", err)
	}
	span.SetAttributes(
		attribute.Int("campaigns.running", len(running)),
		attribute.Int("campaigns.scheduled", len(scheduled)),
	)

	now := time.Now().UTC()
	candidates := running
	for _, campaign := range scheduled {
		if s.overdue(campaign, now) {
			candidates = append(candidates, campaign)
		}
	}

	resumed := 0
	for _, campaign := range candidates {
		logger := s.logger.With(
			zap.String("campaign_id", campaign.ID.String()),
			zap.String("status", string(campaign.Status)),
		)

		held, err := s.lease.Held(sctx, campaign.ID)
		if err != nil {
			span.RecordError(err)
			logger.Warn("scheduler: check lease", zap.Error(err))
			continue
		}
		if held {
			continue
		}

		job, err := s.jobs.EnqueueProcessCampaign(sctx, queue.ProcessCampaignPayload{
			CampaignID:     campaign.ID,
			OrganizationID: campaign.OrganizationID,
		}, queue.Options{})
		if err != nil {
			span.RecordError(err)
			logger.Error("scheduler: re-enqueue campaign", zap.Error(err))
			continue
		}
		resumed++
		logger.Info("scheduler: resumed orphaned campaign", zap.String("job_id", job.ID.String()))
	}

	span.SetAttributes(attribute.Int("campaigns.resumed", resumed))
	return resumed, nil
}

// overdue reports whether a SCHEDULED campaign should have started at least
// one interval ago, so its start job is presumed lost.
func (s *Scheduler) overdue(campaign *domain.Campaign, now time.Time) bool {
	due := campaign.UpdatedAt
	if campaign.StartedAt != nil {
		due = *campaign.StartedAt
	}
	if campaign.ScheduledAt != nil && campaign.ScheduledAt.After(due) {
		due = *campaign.ScheduledAt
	}
	return now.Sub(due) >= s.interval
}

package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acme/whatsapp-dispatch/internal/domain"
	"github.com/acme/whatsapp-dispatch/internal/repository"
)

const campaignColumns = `id, organization_id, instance_id, name, message_template, media_url, media_type,
	scheduled_at, status, sent_count, delivered_count, failed_count, total_recipients,
	created_at, updated_at, started_at, completed_at`

// CampaignRepository implements repository.CampaignRepository using PostgreSQL.
type CampaignRepository struct {
	db *sqlx.DB
}

// NewCampaignRepository constructs a new repository.
func NewCampaignRepository(db *sqlx.DB) *CampaignRepository {
	return &CampaignRepository{db: db}
}

// Create inserts a new campaign together with its recipients.
func (r *CampaignRepository) Create(ctx context.Context, campaign *domain.Campaign, contactIDs []uuid.UUID) error {
	return withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		q := `INSERT INTO campaigns (
			id, organization_id, instance_id, name, message_template, media_url, media_type,
			scheduled_at, status, total_recipients, created_at, updated_at
		) VALUES (
			:id, :organization_id, :instance_id, :name, :message_template, :media_url, :media_type,
			:scheduled_at, :status, 0, :created_at, :updated_at
		)`
		params := map[string]any{
			"id":               campaign.ID,
			"organization_id":  campaign.OrganizationID,
			"instance_id":      campaign.InstanceID,
			"name":             campaign.Name,
			"message_template": campaign.MessageTemplate,
			"media_url":        campaign.MediaURL,
			"media_type":       campaign.MediaType,
			"scheduled_at":     campaign.ScheduledAt,
			"status":           campaign.Status,
			"created_at":       campaign.CreatedAt,
			"updated_at":       campaign.UpdatedAt,
		}
		if _, err := tx.NamedExecContext(ctx, q, params); err != nil {
			return fmt.Errorf("campaign repo: insert: %w", err)
		}

		if len(contactIDs) > 0 {
			rows := make([]map[string]any, 0, len(contactIDs))
			for _, contactID := range contactIDs {
				rows = append(rows, map[string]any{
					"id":          uuid.New(),
					"campaign_id": campaign.ID,
					"contact_id":  contactID,
					"status":      domain.RecipientStatusPending,
					"created_at":  campaign.CreatedAt,
				})
			}
			if _, err := tx.NamedExecContext(ctx, `INSERT INTO campaign_recipients (
				id, campaign_id, contact_id, status, created_at, updated_at
			) VALUES (:id, :campaign_id, :contact_id, :status, :created_at, :created_at)
			ON CONFLICT (campaign_id, contact_id) DO NOTHING`, rows); err != nil {
				return fmt.Errorf("campaign repo: insert recipients: %w", err)
			}
		}

		var total int
		if err := tx.QueryRowxContext(ctx, `UPDATE campaigns
			SET total_recipients = (SELECT COUNT(*) FROM campaign_recipients WHERE campaign_id = $1)
			WHERE id = $1 RETURNING total_recipients`, campaign.ID).Scan(&total); err != nil {
			return fmt.Errorf("campaign repo: count recipients: %w", err)
		}
		campaign.TotalRecipients = total
		return nil
	})
}

// Get fetches a campaign by id.
func (r *CampaignRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	row := r.db.QueryRowxContext(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id = $1`, id)
	var record campaignRecord
	if err := row.StructScan(&record); err != nil {
		if err == sql.ErrNoRows {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("campaign repo: get: %w", err)
	}

	campaign := record.toDomain()
	return &campaign, nil
}

// Update rewrites editable campaign fields.
func (r *CampaignRepository) Update(ctx context.Context, campaign *domain.Campaign, from []domain.CampaignStatus) (bool, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE campaigns SET
		name = $2,
		message_template = $3,
		media_url = $4,
		media_type = $5,
		scheduled_at = $6,
		instance_id = $7,
		updated_at = $8
	 WHERE id = $1 AND status = ANY($9)`,
		campaign.ID,
		campaign.Name,
		campaign.MessageTemplate,
		campaign.MediaURL,
		campaign.MediaType,
		campaign.ScheduledAt,
		campaign.InstanceID,
		campaign.UpdatedAt,
		campaignStatuses(from),
	)
	if err != nil {
		return false, fmt.Errorf("campaign repo: update: %w", err)
	}
	return affected(res, "campaign repo: update")
}

// Transition applies a guarded status change.
func (r *CampaignRepository) Transition(ctx context.Context, id uuid.UUID, change repository.StatusChange) (bool, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE campaigns SET
		status = $2,
		updated_at = NOW(),
		started_at = COALESCE($3, started_at),
		completed_at = CASE WHEN $4 THEN NULL ELSE COALESCE($5, completed_at) END
	 WHERE id = $1 AND status = ANY($6)`,
		id,
		change.To,
		change.StartedAt,
		change.ClearCompletedAt,
		change.CompletedAt,
		campaignStatuses(change.From),
	)
	if err != nil {
		return false, fmt.Errorf("campaign repo: transition: %w", err)
	}
	return affected(res, "campaign repo: transition")
}

// Delete removes a campaign; recipients cascade.
func (r *CampaignRepository) Delete(ctx context.Context, id uuid.UUID, from []domain.CampaignStatus) (bool, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM campaigns WHERE id = $1 AND status = ANY($2)`, id, campaignStatuses(from))
	if err != nil {
		return false, fmt.Errorf("campaign repo: delete: %w", err)
	}
	return affected(res, "campaign repo: delete")
}

// AddCounters applies counter deltas atomically.
func (r *CampaignRepository) AddCounters(ctx context.Context, id uuid.UUID, delta repository.CounterDelta) error {
	if delta.IsZero() {
		return nil
	}
	_, err := r.db.ExecContext(ctx, `UPDATE campaigns SET
		sent_count = GREATEST(sent_count + $2, 0),
		delivered_count = GREATEST(delivered_count + $3, 0),
		failed_count = GREATEST(failed_count + $4, 0),
		updated_at = NOW()
	WHERE id = $1`,
		id, delta.Sent, delta.Delivered, delta.Failed,
	)
	if err != nil {
		return fmt.Errorf("campaign repo: add counters: %w", err)
	}
	return nil
}

// ListByStatus returns campaigns filtered by status, least recently updated first.
func (r *CampaignRepository) ListByStatus(ctx context.Context, status domain.CampaignStatus, limit int) ([]*domain.Campaign, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.db.QueryxContext(ctx, `SELECT `+campaignColumns+`
		FROM campaigns WHERE status = $1 ORDER BY updated_at ASC LIMIT $2`, status, limit)
	if err != nil {
		return nil, fmt.Errorf("campaign repo: list by status: %w", err)
	}
	defer rows.Close()

	var results []*domain.Campaign
	for rows.Next() {
		var record campaignRecord
		if err := rows.StructScan(&record); err != nil {
			return nil, fmt.Errorf("campaign repo: scan: %w", err)
		}
		campaign := record.toDomain()
		results = append(results, &campaign)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("campaign repo: rows err: %w", err)
	}

	return results, nil
}

type campaignRecord struct {
	ID              uuid.UUID      `db:"id"`
	OrganizationID  uuid.UUID      `db:"organization_id"`
	InstanceID      uuid.UUID      `db:"instance_id"`
	Name            string         `db:"name"`
	MessageTemplate string         `db:"message_template"`
	MediaURL        sql.NullString `db:"media_url"`
	MediaType       sql.NullString `db:"media_type"`
	ScheduledAt     sql.NullTime   `db:"scheduled_at"`
	Status          string         `db:"status"`
	SentCount       int            `db:"sent_count"`
	DeliveredCount  int            `db:"delivered_count"`
	FailedCount     int            `db:"failed_count"`
	TotalRecipients int            `db:"total_recipients"`
	CreatedAt       time.Time      `db:"created_at"`
	UpdatedAt       time.Time      `db:"updated_at"`
	StartedAt       sql.NullTime   `db:"started_at"`
	CompletedAt     sql.NullTime   `db:"completed_at"`
}

func (r campaignRecord) toDomain() domain.Campaign {
	return domain.Campaign{
		ID:              r.ID,
		OrganizationID:  r.OrganizationID,
		InstanceID:      r.InstanceID,
		Name:            r.Name,
		MessageTemplate: r.MessageTemplate,
		MediaURL:        nullString(r.MediaURL),
		MediaType:       nullString(r.MediaType),
		ScheduledAt:     nullTime(r.ScheduledAt),
		Status:          domain.CampaignStatus(r.Status),
		SentCount:       r.SentCount,
		DeliveredCount:  r.DeliveredCount,
		FailedCount:     r.FailedCount,
		TotalRecipients: r.TotalRecipients,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
		StartedAt:       nullTime(r.StartedAt),
		CompletedAt:     nullTime(r.CompletedAt),
	}
}

func campaignStatuses(statuses []domain.CampaignStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

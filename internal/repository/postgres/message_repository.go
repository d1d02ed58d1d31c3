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

const messageColumns = `id, organization_id, instance_id, campaign_id, to_phone, body, media_url, media_type,
	direction, status, external_id, sent_at, delivered_at, read_at, failed_at, error_message,
	created_at, updated_at`

// MessageRepository persists individual send records.
type MessageRepository struct {
	db *sqlx.DB
}

// NewMessageRepository constructs the repository.
func NewMessageRepository(db *sqlx.DB) *MessageRepository {
	return &MessageRepository{db: db}
}

// Create inserts a message.
func (r *MessageRepository) Create(ctx context.Context, m *domain.Message) error {
	q := `INSERT INTO messages (
		id, organization_id, instance_id, campaign_id, to_phone, body, media_url, media_type,
		direction, status, external_id, sent_at, failed_at, error_message, created_at, updated_at
	) VALUES (
		:id, :organization_id, :instance_id, :campaign_id, :to_phone, :body, :media_url, :media_type,
		:direction, :status, :external_id, :sent_at, :failed_at, :error_message, :created_at, :updated_at
	)`
	params := map[string]any{
		"id":              m.ID,
		"organization_id": m.OrganizationID,
		"instance_id":     m.InstanceID,
		"campaign_id":     m.CampaignID,
		"to_phone":        m.To,
		"body":            m.Body,
		"media_url":       m.MediaURL,
		"media_type":      m.MediaType,
		"direction":       m.Direction,
		"status":          m.Status,
		"external_id":     m.ExternalID,
		"sent_at":         m.SentAt,
		"failed_at":       m.FailedAt,
		"error_message":   m.ErrorMessage,
		"created_at":      m.CreatedAt,
		"updated_at":      m.UpdatedAt,
	}
	if _, err := r.db.NamedExecContext(ctx, q, params); err != nil {
		return fmt.Errorf("message repo: insert: %w", err)
	}
	return nil
}

// Get fetches a message by id.
func (r *MessageRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Message, error) {
	return r.getOne(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id)
}

// GetByExternalID fetches a message by the gateway's message id.
func (r *MessageRepository) GetByExternalID(ctx context.Context, externalID string) (*domain.Message, error) {
	return r.getOne(ctx, `SELECT `+messageColumns+` FROM messages WHERE external_id = $1`, externalID)
}

func (r *MessageRepository) getOne(ctx context.Context, q string, arg any) (*domain.Message, error) {
	var rec messageRecord
	if err := r.db.QueryRowxContext(ctx, q, arg).StructScan(&rec); err != nil {
		if err == sql.ErrNoRows {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("message repo: get: %w", err)
	}
	return rec.toDomain(), nil
}

// Advance applies a guarded status change.
func (r *MessageRepository) Advance(ctx context.Context, id uuid.UUID, update repository.MessageUpdate) (bool, error) {
	from := update.From
	if len(from) == 0 {
		from = domain.MessageSources(update.To)
	}
	at := update.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	set := "status = $1, updated_at = $2"
	args := []any{update.To, at}
	switch update.To {
	case domain.MessageStatusSent:
		set += ", sent_at = $2, error_message = NULL"
	case domain.MessageStatusDelivered:
		set += ", delivered_at = $2"
	case domain.MessageStatusRead:
		set += ", read_at = $2"
	case domain.MessageStatusFailed:
		args = append(args, update.Error)
		set += fmt.Sprintf(", failed_at = $2, error_message = $%d", len(args))
	}
	if update.ExternalID != nil {
		args = append(args, *update.ExternalID)
		set += fmt.Sprintf(", external_id = $%d", len(args))
	}
	args = append(args, id, messageStatuses(from))
	q := fmt.Sprintf(`UPDATE messages SET %s WHERE id = $%d AND status = ANY($%d)`, set, len(args)-1, len(args))

	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return false, fmt.Errorf("message repo: advance: %w", err)
	}
	return affected(res, "message repo: advance")
}

// ResetForRetry moves a FAILED message back to PENDING.
func (r *MessageRepository) ResetForRetry(ctx context.Context, id uuid.UUID) (bool, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE messages
		SET status = $1, error_message = NULL, failed_at = NULL, updated_at = NOW()
		WHERE id = $2 AND status = $3`,
		domain.MessageStatusPending, id, domain.MessageStatusFailed)
	if err != nil {
		return false, fmt.Errorf("message repo: reset: %w", err)
	}
	return affected(res, "message repo: reset")
}

// ListFailedByCampaign returns FAILED messages of a campaign.
func (r *MessageRepository) ListFailedByCampaign(ctx context.Context, campaignID uuid.UUID, limit int) ([]*domain.Message, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := r.db.QueryxContext(ctx, `SELECT `+messageColumns+`
		FROM messages WHERE campaign_id = $1 AND status = $2
		ORDER BY created_at ASC LIMIT $3`, campaignID, domain.MessageStatusFailed, limit)
	if err != nil {
		return nil, fmt.Errorf("message repo: list failed: %w", err)
	}
	defer rows.Close()

	var results []*domain.Message
	for rows.Next() {
		var rec messageRecord
		if err := rows.StructScan(&rec); err != nil {
			return nil, fmt.Errorf("message repo: scan: %w", err)
		}
		results = append(results, rec.toDomain())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("message repo: rows err: %w", err)
	}
	return results, nil
}

func messageStatuses(statuses []domain.MessageStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

type messageRecord struct {
	ID             uuid.UUID      `db:"id"`
	OrganizationID uuid.UUID      `db:"organization_id"`
	InstanceID     uuid.UUID      `db:"instance_id"`
	CampaignID     uuid.NullUUID  `db:"campaign_id"`
	To             string         `db:"to_phone"`
	Body           string         `db:"body"`
	MediaURL       sql.NullString `db:"media_url"`
	MediaType      sql.NullString `db:"media_type"`
	Direction      string         `db:"direction"`
	Status         string         `db:"status"`
	ExternalID     sql.NullString `db:"external_id"`
	SentAt         sql.NullTime   `db:"sent_at"`
	DeliveredAt    sql.NullTime   `db:"delivered_at"`
	ReadAt         sql.NullTime   `db:"read_at"`
	FailedAt       sql.NullTime   `db:"failed_at"`
	ErrorMessage   sql.NullString `db:"error_message"`
	CreatedAt      time.Time      `db:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
}

func (r messageRecord) toDomain() *domain.Message {
	m := &domain.Message{
		ID:             r.ID,
		OrganizationID: r.OrganizationID,
		InstanceID:     r.InstanceID,
		To:             r.To,
		Body:           r.Body,
		MediaURL:       nullString(r.MediaURL),
		MediaType:      nullString(r.MediaType),
		Direction:      domain.MessageDirection(r.Direction),
		Status:         domain.MessageStatus(r.Status),
		ExternalID:     nullString(r.ExternalID),
		SentAt:         nullTime(r.SentAt),
		DeliveredAt:    nullTime(r.DeliveredAt),
		ReadAt:         nullTime(r.ReadAt),
		FailedAt:       nullTime(r.FailedAt),
		ErrorMessage:   nullString(r.ErrorMessage),
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
	if r.CampaignID.Valid {
		id := r.CampaignID.UUID
		m.CampaignID = &id
	}
	return m
}

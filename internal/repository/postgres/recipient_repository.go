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

const recipientColumns = `r.id, r.campaign_id, r.contact_id, r.status, r.sent_at, r.delivered_at, r.read_at,
	r.error, r.created_at, r.updated_at,
	c.organization_id AS contact_organization_id, c.name AS contact_name, c.phone_number AS contact_phone`

// RecipientRepository persists campaign recipients.
type RecipientRepository struct {
	db *sqlx.DB
}

// NewRecipientRepository constructs the repository.
func NewRecipientRepository(db *sqlx.DB) *RecipientRepository {
	return &RecipientRepository{db: db}
}

// ListPending returns every PENDING recipient of the campaign with its contact.
func (r *RecipientRepository) ListPending(ctx context.Context, campaignID uuid.UUID) ([]*domain.CampaignRecipient, error) {
	rows, err := r.db.QueryxContext(ctx, `SELECT `+recipientColumns+`
		FROM campaign_recipients r
		LEFT JOIN contacts c ON c.id = r.contact_id
		WHERE r.campaign_id = $1 AND r.status = $2
		ORDER BY r.created_at ASC, r.id ASC`, campaignID, domain.RecipientStatusPending)
	if err != nil {
		return nil, fmt.Errorf("recipients: list pending: %w", err)
	}
	defer rows.Close()

	var results []*domain.CampaignRecipient
	for rows.Next() {
		var rec recipientRecord
		if err := rows.StructScan(&rec); err != nil {
			return nil, fmt.Errorf("recipients: scan: %w", err)
		}
		results = append(results, rec.toDomain())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("recipients: rows err: %w", err)
	}
	return results, nil
}

// Get fetches one recipient with its contact.
func (r *RecipientRepository) Get(ctx context.Context, id uuid.UUID) (*domain.CampaignRecipient, error) {
	row := r.db.QueryRowxContext(ctx, `SELECT `+recipientColumns+`
		FROM campaign_recipients r
		LEFT JOIN contacts c ON c.id = r.contact_id
		WHERE r.id = $1`, id)
	var rec recipientRecord
	if err := row.StructScan(&rec); err != nil {
		if err == sql.ErrNoRows {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("recipients: get: %w", err)
	}
	return rec.toDomain(), nil
}

// Advance applies a monotonic status change to one recipient.
func (r *RecipientRepository) Advance(ctx context.Context, id uuid.UUID, update repository.RecipientUpdate) (bool, error) {
	set, args := recipientSet(update)
	args = append(args, id, recipientStatuses(domain.RecipientSources(update.To)))
	q := fmt.Sprintf(`UPDATE campaign_recipients SET %s WHERE id = $%d AND status = ANY($%d)`,
		set, len(args)-1, len(args))

	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return false, fmt.Errorf("recipients: advance: %w", err)
	}
	return affected(res, "recipients: advance")
}

// AdvanceByPhone applies a monotonic status change to the recipient reached at phone.
func (r *RecipientRepository) AdvanceByPhone(ctx context.Context, campaignID uuid.UUID, phone string, update repository.RecipientUpdate) (bool, error) {
	set, args := recipientSet(update)
	args = append(args, campaignID, phone, recipientStatuses(domain.RecipientSources(update.To)))
	n := len(args)
	q := fmt.Sprintf(`UPDATE campaign_recipients SET %s
		WHERE campaign_id = $%d
		  AND contact_id IN (SELECT id FROM contacts WHERE phone_number = $%d)
		  AND status = ANY($%d)`,
		set, n-2, n-1, n)

	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return false, fmt.Errorf("recipients: advance by phone: %w", err)
	}
	return affected(res, "recipients: advance by phone")
}

// ResetFailedByPhone moves a FAILED recipient back to PENDING and clears the error.
func (r *RecipientRepository) ResetFailedByPhone(ctx context.Context, campaignID uuid.UUID, phone string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE campaign_recipients
		SET status = $1, error = NULL, updated_at = NOW()
		WHERE campaign_id = $2
		  AND contact_id IN (SELECT id FROM contacts WHERE phone_number = $3)
		  AND status = $4`,
		domain.RecipientStatusPending, campaignID, phone, domain.RecipientStatusFailed)
	if err != nil {
		return false, fmt.Errorf("recipients: reset failed: %w", err)
	}
	return affected(res, "recipients: reset failed")
}

// recipientSet renders the SET clause for a status change; the timestamp
// column written depends on the target status.
func recipientSet(update repository.RecipientUpdate) (string, []any) {
	at := update.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	set := "status = $1, updated_at = $2"
	args := []any{update.To, at}
	switch update.To {
	case domain.RecipientStatusSent:
		set += ", sent_at = $2"
	case domain.RecipientStatusDelivered:
		set += ", delivered_at = $2"
	case domain.RecipientStatusRead:
		set += ", read_at = $2"
	case domain.RecipientStatusFailed:
		set += ", error = $3"
		args = append(args, update.Error)
	}
	return set, args
}

func recipientStatuses(statuses []domain.RecipientStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

type recipientRecord struct {
	ID                    uuid.UUID      `db:"id"`
	CampaignID            uuid.UUID      `db:"campaign_id"`
	ContactID             uuid.UUID      `db:"contact_id"`
	Status                string         `db:"status"`
	SentAt                sql.NullTime   `db:"sent_at"`
	DeliveredAt           sql.NullTime   `db:"delivered_at"`
	ReadAt                sql.NullTime   `db:"read_at"`
	Error                 sql.NullString `db:"error"`
	CreatedAt             time.Time      `db:"created_at"`
	UpdatedAt             time.Time      `db:"updated_at"`
	ContactOrganizationID uuid.NullUUID  `db:"contact_organization_id"`
	ContactName           sql.NullString `db:"contact_name"`
	ContactPhone          sql.NullString `db:"contact_phone"`
}

func (r recipientRecord) toDomain() *domain.CampaignRecipient {
	rec := &domain.CampaignRecipient{
		ID:          r.ID,
		CampaignID:  r.CampaignID,
		ContactID:   r.ContactID,
		Status:      domain.RecipientStatus(r.Status),
		SentAt:      nullTime(r.SentAt),
		DeliveredAt: nullTime(r.DeliveredAt),
		ReadAt:      nullTime(r.ReadAt),
		Error:       nullString(r.Error),
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
	if r.ContactOrganizationID.Valid {
		rec.Contact = &domain.Contact{
			ID:             r.ContactID,
			OrganizationID: r.ContactOrganizationID.UUID,
			Name:           r.ContactName.String,
			PhoneNumber:    r.ContactPhone.String,
		}
	}
	return rec
}

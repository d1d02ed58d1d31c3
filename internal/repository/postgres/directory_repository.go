package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acme/whatsapp-dispatch/internal/domain"
	"github.com/acme/whatsapp-dispatch/internal/repository"
)

// ContactRepository reads the contact book owned by the CRUD layer.
type ContactRepository struct {
	db *sqlx.DB
}

// NewContactRepository constructs the repository.
func NewContactRepository(db *sqlx.DB) *ContactRepository {
	return &ContactRepository{db: db}
}

// ListByIDs returns the organization's contacts among ids.
func (r *ContactRepository) ListByIDs(ctx context.Context, organizationID uuid.UUID, ids []uuid.UUID) ([]*domain.Contact, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	raw := make([]string, len(ids))
	for i, id := range ids {
		raw[i] = id.String()
	}

	var records []struct {
		ID             uuid.UUID `db:"id"`
		OrganizationID uuid.UUID `db:"organization_id"`
		Name           string    `db:"name"`
		PhoneNumber    string    `db:"phone_number"`
	}
	if err := r.db.SelectContext(ctx, &records, `SELECT id, organization_id, name, phone_number
		FROM contacts WHERE organization_id = $1 AND id = ANY($2::uuid[])`, organizationID, raw); err != nil {
		return nil, fmt.Errorf("contacts: list by ids: %w", err)
	}

	out := make([]*domain.Contact, 0, len(records))
	for _, rec := range records {
		out = append(out, &domain.Contact{
			ID:             rec.ID,
			OrganizationID: rec.OrganizationID,
			Name:           rec.Name,
			PhoneNumber:    rec.PhoneNumber,
		})
	}
	return out, nil
}

// InstanceRepository reads WhatsApp instance state.
type InstanceRepository struct {
	db *sqlx.DB
}

// NewInstanceRepository constructs the repository.
func NewInstanceRepository(db *sqlx.DB) *InstanceRepository {
	return &InstanceRepository{db: db}
}

// Get fetches an instance by id.
func (r *InstanceRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Instance, error) {
	var rec struct {
		ID             uuid.UUID `db:"id"`
		OrganizationID uuid.UUID `db:"organization_id"`
		Name           string    `db:"name"`
		Status         string    `db:"status"`
	}
	if err := r.db.GetContext(ctx, &rec, `SELECT id, organization_id, name, status
		FROM whatsapp_instances WHERE id = $1`, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("instances: get: %w", err)
	}
	return &domain.Instance{
		ID:             rec.ID,
		OrganizationID: rec.OrganizationID,
		Name:           rec.Name,
		Status:         domain.InstanceStatus(rec.Status),
	}, nil
}

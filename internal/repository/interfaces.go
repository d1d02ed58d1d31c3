package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/acme/whatsapp-dispatch/internal/domain"
	apperrors "github.com/acme/whatsapp-dispatch/pkg/errors"
)

var (
	// ErrNotFound indicates the entity was not located.
	ErrNotFound = apperrors.ErrNotFound
	// ErrConflict indicates a unique constraint violation.
	ErrConflict = apperrors.ErrConflict
)

// CampaignRepository manages campaign rows and their aggregate counters.
type CampaignRepository interface {
	// Create inserts the campaign and one PENDING recipient per distinct contact.
	Create(ctx context.Context, campaign *domain.Campaign, contactIDs []uuid.UUID) error
	Get(ctx context.Context, id uuid.UUID) (*domain.Campaign, error)
	// Update rewrites editable fields while the campaign is in one of from.
	Update(ctx context.Context, campaign *domain.Campaign, from []domain.CampaignStatus) (bool, error)
	// Transition moves the campaign to change.To if it is currently in one of change.From.
	Transition(ctx context.Context, id uuid.UUID, change StatusChange) (bool, error)
	Delete(ctx context.Context, id uuid.UUID, from []domain.CampaignStatus) (bool, error)
	AddCounters(ctx context.Context, id uuid.UUID, delta CounterDelta) error
	ListByStatus(ctx context.Context, status domain.CampaignStatus, limit int) ([]*domain.Campaign, error)
}

// RecipientRepository stores per-recipient delivery state.
type RecipientRepository interface {
	// ListPending returns PENDING recipients with their contacts, oldest first.
	ListPending(ctx context.Context, campaignID uuid.UUID) ([]*domain.CampaignRecipient, error)
	Get(ctx context.Context, id uuid.UUID) (*domain.CampaignRecipient, error)
	// Advance applies a monotonic status change to one recipient.
	Advance(ctx context.Context, id uuid.UUID, update RecipientUpdate) (bool, error)
	// AdvanceByPhone applies a monotonic status change to the recipient whose contact has phone.
	AdvanceByPhone(ctx context.Context, campaignID uuid.UUID, phone string, update RecipientUpdate) (bool, error)
	// ResetFailedByPhone moves a FAILED recipient back to PENDING.
	ResetFailedByPhone(ctx context.Context, campaignID uuid.UUID, phone string) (bool, error)
	Stats(ctx context.Context, campaignID uuid.UUID) (*domain.CampaignStats, error)
	CountPending(ctx context.Context, campaignID uuid.UUID) (int, error)
}

// ContactRepository exposes the contact book consumed by campaign creation.
type ContactRepository interface {
	ListByIDs(ctx context.Context, organizationID uuid.UUID, ids []uuid.UUID) ([]*domain.Contact, error)
}

// InstanceRepository exposes WhatsApp instance connection state.
type InstanceRepository interface {
	Get(ctx context.Context, id uuid.UUID) (*domain.Instance, error)
}

// MessageRepository stores individual send records.
type MessageRepository interface {
	Create(ctx context.Context, message *domain.Message) error
	Get(ctx context.Context, id uuid.UUID) (*domain.Message, error)
	GetByExternalID(ctx context.Context, externalID string) (*domain.Message, error)
	// Advance applies a status change guarded by update.From, or by the
	// monotonic ordering when From is empty.
	Advance(ctx context.Context, id uuid.UUID, update MessageUpdate) (bool, error)
	// ResetForRetry moves a FAILED message back to PENDING and clears its error.
	ResetForRetry(ctx context.Context, id uuid.UUID) (bool, error)
	ListFailedByCampaign(ctx context.Context, campaignID uuid.UUID, limit int) ([]*domain.Message, error)
}

// MessageEventStore persists the append-only delivery timeline.
type MessageEventStore interface {
	Append(ctx context.Context, event domain.MessageEvent) error
	List(ctx context.Context, messageID uuid.UUID, limit int, pagingState []byte) ([]domain.MessageEvent, []byte, error)
}

// StatusChange describes a guarded campaign status transition.
type StatusChange struct {
	To          domain.CampaignStatus
	From        []domain.CampaignStatus
	StartedAt   *time.Time
	CompletedAt *time.Time
	// ClearCompletedAt resets completed_at, used when a finished campaign is restarted.
	ClearCompletedAt bool
}

// CounterDelta captures atomic counter increments.
type CounterDelta struct {
	Sent      int
	Delivered int
	Failed    int
}

// IsZero reports whether the delta changes nothing.
func (d CounterDelta) IsZero() bool {
	return d.Sent == 0 && d.Delivered == 0 && d.Failed == 0
}

// RecipientUpdate is a recipient status change and its timestamp.
type RecipientUpdate struct {
	To    domain.RecipientStatus
	At    time.Time
	Error *string
}

// MessageUpdate is a message status change and the fields that come with it.
type MessageUpdate struct {
	To         domain.MessageStatus
	From       []domain.MessageStatus
	At         time.Time
	Error      *string
	ExternalID *string
}

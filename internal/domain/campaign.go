package domain

import (
	"math"
	"time"

	"github.com/google/uuid"
)

// CampaignStatus enumerates lifecycle states of a campaign.
type CampaignStatus string

const (
	CampaignStatusDraft     CampaignStatus = "DRAFT"
	CampaignStatusScheduled CampaignStatus = "SCHEDULED"
	CampaignStatusRunning   CampaignStatus = "RUNNING"
	CampaignStatusPaused    CampaignStatus = "PAUSED"
	CampaignStatusCompleted CampaignStatus = "COMPLETED"
	CampaignStatusFailed    CampaignStatus = "FAILED"
)

// RecipientStatus enumerates delivery stages for a single campaign recipient.
type RecipientStatus string

const (
	RecipientStatusPending   RecipientStatus = "PENDING"
	RecipientStatusSent      RecipientStatus = "SENT"
	RecipientStatusDelivered RecipientStatus = "DELIVERED"
	RecipientStatusRead      RecipientStatus = "READ"
	RecipientStatusFailed    RecipientStatus = "FAILED"
)

// Campaign models a bulk WhatsApp campaign definition and its aggregate counters.
type Campaign struct {
	ID              uuid.UUID
	OrganizationID  uuid.UUID
	InstanceID      uuid.UUID
	Name            string
	MessageTemplate string
	MediaURL        *string
	MediaType       *string
	ScheduledAt     *time.Time
	Status          CampaignStatus
	SentCount       int
	DeliveredCount  int
	FailedCount     int
	TotalRecipients int
	CreatedAt       time.Time
	UpdatedAt       time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
}

// StartDelay returns how long a start request should wait before processing begins.
func (c *Campaign) StartDelay(now time.Time) time.Duration {
	if c.ScheduledAt == nil {
		return 0
	}
	d := c.ScheduledAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// CampaignRecipient is one (campaign, contact) delivery record.
type CampaignRecipient struct {
	ID          uuid.UUID
	CampaignID  uuid.UUID
	ContactID   uuid.UUID
	Contact     *Contact
	Status      RecipientStatus
	SentAt      *time.Time
	DeliveredAt *time.Time
	ReadAt      *time.Time
	Error       *string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Contact is the subset of the contact book consumed by the dispatcher.
type Contact struct {
	ID             uuid.UUID
	OrganizationID uuid.UUID
	Name           string
	PhoneNumber    string
}

// InstanceStatus enumerates connection states of a WhatsApp instance.
type InstanceStatus string

const (
	InstanceStatusConnected    InstanceStatus = "CONNECTED"
	InstanceStatusConnecting   InstanceStatus = "CONNECTING"
	InstanceStatusDisconnected InstanceStatus = "DISCONNECTED"
)

// Instance is a WhatsApp session on the messaging gateway.
type Instance struct {
	ID             uuid.UUID
	OrganizationID uuid.UUID
	Name           string
	Status         InstanceStatus
}

// Connected reports whether the instance can send messages.
func (i *Instance) Connected() bool {
	return i != nil && i.Status == InstanceStatusConnected
}

// CampaignStats aggregates recipient counts for a campaign.
type CampaignStats struct {
	Total     int64
	Pending   int64
	Sent      int64
	Delivered int64
	Read      int64
	Failed    int64
	Progress  int
}

// NewCampaignStats builds stats from per-status recipient counts. Progress counts
// every recipient that left the gateway, whatever its later delivery state.
func NewCampaignStats(counts map[RecipientStatus]int64) CampaignStats {
	stats := CampaignStats{
		Pending:   counts[RecipientStatusPending],
		Sent:      counts[RecipientStatusSent],
		Delivered: counts[RecipientStatusDelivered],
		Read:      counts[RecipientStatusRead],
		Failed:    counts[RecipientStatusFailed],
	}
	stats.Total = stats.Pending + stats.Sent + stats.Delivered + stats.Read + stats.Failed
	if stats.Total > 0 {
		sent := stats.Sent + stats.Delivered + stats.Read
		stats.Progress = int(math.Round(float64(sent) / float64(stats.Total) * 100))
	}
	return stats
}

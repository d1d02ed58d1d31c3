package domain

import (
	"time"

	"github.com/google/uuid"
)

// MessageStatus enumerates lifecycle stages for an individual message.
type MessageStatus string

const (
	MessageStatusPending   MessageStatus = "PENDING"
	MessageStatusSent      MessageStatus = "SENT"
	MessageStatusDelivered MessageStatus = "DELIVERED"
	MessageStatusRead      MessageStatus = "READ"
	MessageStatusFailed    MessageStatus = "FAILED"
)

// MessageDirection distinguishes outbound sends from inbound messages.
type MessageDirection string

const (
	DirectionOutbound MessageDirection = "OUTBOUND"
	DirectionInbound  MessageDirection = "INBOUND"
)

// Message is the durable record of a single send attempt.
type Message struct {
	ID             uuid.UUID
	OrganizationID uuid.UUID
	InstanceID     uuid.UUID
	CampaignID     *uuid.UUID
	To             string
	Body           string
	MediaURL       *string
	MediaType      *string
	Direction      MessageDirection
	Status         MessageStatus
	ExternalID     *string
	SentAt         *time.Time
	DeliveredAt    *time.Time
	ReadAt         *time.Time
	FailedAt       *time.Time
	ErrorMessage   *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// EventSource identifies which path produced a message event.
type EventSource string

const (
	EventSourceDispatch EventSource = "dispatch"
	EventSourceWebhook  EventSource = "webhook"
	EventSourceRetry    EventSource = "retry"
)

// MessageEvent is one entry of a message delivery timeline.
type MessageEvent struct {
	MessageID  uuid.UUID
	Status     MessageStatus
	Error      string
	Source     EventSource
	OccurredAt time.Time
}

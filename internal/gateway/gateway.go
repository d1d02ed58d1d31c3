package gateway

import (
	"context"

	"github.com/google/uuid"
)

// Media is an optional attachment sent with a message.
type Media struct {
	URL  string `json:"url"`
	Type string `json:"type"`
}

// SendRequest is one outbound message addressed through a WhatsApp instance.
type SendRequest struct {
	InstanceID uuid.UUID
	To         string
	Body       string
	Media      *Media
}

// SendResult carries the gateway's identifier for an accepted message.
type SendResult struct {
	MessageID string
}

// Client abstracts the messaging gateway integration.
type Client interface {
	Send(ctx context.Context, req SendRequest) (SendResult, error)
}

package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"

	"github.com/acme/whatsapp-dispatch/internal/domain"
)

// MessageEventStore persists message delivery timelines in Scylla.
type MessageEventStore struct {
	session *gocql.Session
}

// NewMessageEventStore creates a new event store.
func NewMessageEventStore(session *gocql.Session) *MessageEventStore {
	return &MessageEventStore{session: session}
}

// Append inserts one timeline entry.
func (s *MessageEventStore) Append(ctx context.Context, event domain.MessageEvent) error {
	occurred := event.OccurredAt
	if occurred.IsZero() {
		occurred = time.Now().UTC()
	}
	if err := s.session.Query(`INSERT INTO message_events (message_id, occurred_at, event_id, status, error, source)
		VALUES (?, ?, ?, ?, ?, ?)`,
		event.MessageID.String(), occurred, gocql.UUIDFromTime(occurred), string(event.Status), event.Error, string(event.Source),
	).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("message events: append: %w", err)
	}
	return nil
}

// List returns a page of the message timeline in chronological order.
func (s *MessageEventStore) List(ctx context.Context, messageID uuid.UUID, limit int, pagingState []byte) ([]domain.MessageEvent, []byte, error) {
	if limit <= 0 {
		limit = 100
	}

	query := s.session.Query(`SELECT occurred_at, status, error, source
		FROM message_events WHERE message_id = ?`, messageID.String()).WithContext(ctx)
	// Setting the page state, even when empty, disables automatic paging.
	query = query.PageSize(limit).PageState(pagingState)

	iter := query.Iter()
	nextState := iter.PageState()
	events := make([]domain.MessageEvent, 0, limit)

	var (
		occurred time.Time
		status   string
		errText  string
		source   string
	)
	for iter.Scan(&occurred, &status, &errText, &source) {
		events = append(events, domain.MessageEvent{
			MessageID:  messageID,
			Status:     domain.MessageStatus(status),
			Error:      errText,
			Source:     domain.EventSource(source),
			OccurredAt: occurred,
		})
	}

	if err := iter.Close(); err != nil {
		return nil, nil, fmt.Errorf("message events: iter close: %w", err)
	}

	return events, nextState, nil
}

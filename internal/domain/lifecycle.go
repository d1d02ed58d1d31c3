package domain

import (
	"fmt"

	apperrors "github.com/acme/whatsapp-dispatch/pkg/errors"
)

// CampaignAction is an operator-triggered lifecycle operation.
type CampaignAction string

const (
	ActionStart  CampaignAction = "start"
	ActionResume CampaignAction = "resume"
	ActionPause  CampaignAction = "pause"
	ActionEdit   CampaignAction = "edit"
	ActionDelete CampaignAction = "delete"
)

var actionSources = map[CampaignAction][]CampaignStatus{
	ActionStart:  {CampaignStatusDraft, CampaignStatusPaused, CampaignStatusCompleted, CampaignStatusFailed},
	ActionResume: {CampaignStatusPaused},
	ActionPause:  {CampaignStatusRunning},
	ActionEdit:   {CampaignStatusDraft},
	ActionDelete: {CampaignStatusDraft, CampaignStatusCompleted, CampaignStatusFailed},
}

// campaignTransitions lists every status change the system performs.
var campaignTransitions = map[CampaignStatus][]CampaignStatus{
	CampaignStatusDraft:     {CampaignStatusScheduled},
	CampaignStatusScheduled: {CampaignStatusRunning, CampaignStatusFailed},
	CampaignStatusRunning:   {CampaignStatusRunning, CampaignStatusPaused, CampaignStatusCompleted, CampaignStatusFailed},
	CampaignStatusPaused:    {CampaignStatusScheduled, CampaignStatusCompleted, CampaignStatusFailed},
	CampaignStatusCompleted: {CampaignStatusScheduled},
	CampaignStatusFailed:    {CampaignStatusScheduled},
}

// CheckAction returns ErrInvalidState when the action is not accepted in status.
func CheckAction(action CampaignAction, status CampaignStatus) error {
	for _, s := range actionSources[action] {
		if s == status {
			return nil
		}
	}
	return fmt.Errorf("%w: cannot %s campaign in status %s", apperrors.ErrInvalidState, action, status)
}

// ActionSources returns the statuses from which action is accepted.
func ActionSources(action CampaignAction) []CampaignStatus {
	out := make([]CampaignStatus, len(actionSources[action]))
	copy(out, actionSources[action])
	return out
}

// CanTransition reports whether from -> to is a legal campaign status change.
func CanTransition(from, to CampaignStatus) bool {
	for _, s := range campaignTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// TransitionSources returns all statuses that may move to the target status.
func TransitionSources(to CampaignStatus) []CampaignStatus {
	var out []CampaignStatus
	for _, from := range []CampaignStatus{
		CampaignStatusDraft, CampaignStatusScheduled, CampaignStatusRunning,
		CampaignStatusPaused, CampaignStatusCompleted, CampaignStatusFailed,
	} {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

// deliveryRank orders the forward delivery path. FAILED is handled separately.
var deliveryRank = map[string]int{
	"PENDING":   0,
	"SENT":      1,
	"DELIVERED": 2,
	"READ":      3,
}

func advances(from, to string) bool {
	if from == to {
		return false
	}
	if to == "FAILED" {
		return from == "PENDING" || from == "SENT"
	}
	if from == "FAILED" {
		return false
	}
	fr, ok := deliveryRank[from]
	if !ok {
		return false
	}
	tr, ok := deliveryRank[to]
	if !ok {
		return false
	}
	return tr > fr
}

// CanAdvance reports whether a recipient may move from -> to without an explicit retry.
func (s RecipientStatus) CanAdvance(to RecipientStatus) bool {
	return advances(string(s), string(to))
}

// CanAdvance reports whether a message may move from -> to without an explicit retry.
func (s MessageStatus) CanAdvance(to MessageStatus) bool {
	return advances(string(s), string(to))
}

// RecipientSources lists the statuses a recipient may hold before moving to to.
func RecipientSources(to RecipientStatus) []RecipientStatus {
	var out []RecipientStatus
	for _, s := range []RecipientStatus{
		RecipientStatusPending, RecipientStatusSent, RecipientStatusDelivered,
		RecipientStatusRead, RecipientStatusFailed,
	} {
		if s.CanAdvance(to) {
			out = append(out, s)
		}
	}
	return out
}

// MessageSources lists the statuses a message may hold before moving to to.
func MessageSources(to MessageStatus) []MessageStatus {
	var out []MessageStatus
	for _, s := range []MessageStatus{
		MessageStatusPending, MessageStatusSent, MessageStatusDelivered,
		MessageStatusRead, MessageStatusFailed,
	} {
		if s.CanAdvance(to) {
			out = append(out, s)
		}
	}
	return out
}

// ParseMessageStatus validates a status received from outside the system.
func ParseMessageStatus(value string) (MessageStatus, error) {
	switch s := MessageStatus(value); s {
	case MessageStatusPending, MessageStatusSent, MessageStatusDelivered, MessageStatusRead, MessageStatusFailed:
		return s, nil
	default:
		return "", fmt.Errorf("%w: unknown message status %q", apperrors.ErrValidation, value)
	}
}

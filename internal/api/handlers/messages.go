package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/acme/whatsapp-dispatch/internal/domain"
	messagesvc "github.com/acme/whatsapp-dispatch/internal/service/message"
)

type sendMessageRequest struct {
	OrganizationID string  `json:"organizationId"`
	InstanceID     string  `json:"instanceId"`
	To             string  `json:"to"`
	Body           string  `json:"body"`
	MediaURL       *string `json:"mediaUrl"`
	MediaType      *string `json:"mediaType"`
}

type messageResponse struct {
	ID           uuid.UUID            `json:"id"`
	InstanceID   uuid.UUID            `json:"instanceId"`
	CampaignID   *uuid.UUID           `json:"campaignId,omitempty"`
	To           string               `json:"to"`
	Body         string               `json:"body"`
	MediaURL     *string              `json:"mediaUrl,omitempty"`
	MediaType    *string              `json:"mediaType,omitempty"`
	Status       domain.MessageStatus `json:"status"`
	ExternalID   *string              `json:"externalId,omitempty"`
	SentAt       *time.Time           `json:"sentAt,omitempty"`
	DeliveredAt  *time.Time           `json:"deliveredAt,omitempty"`
	ReadAt       *time.Time           `json:"readAt,omitempty"`
	FailedAt     *time.Time           `json:"failedAt,omitempty"`
	ErrorMessage *string              `json:"errorMessage,omitempty"`
	CreatedAt    time.Time            `json:"createdAt"`
	UpdatedAt    time.Time            `json:"updatedAt"`
}

type messageEventResponse struct {
	Status     domain.MessageStatus `json:"status"`
	Error      string               `json:"error,omitempty"`
	Source     domain.EventSource   `json:"source"`
	OccurredAt time.Time            `json:"occurredAt"`
}

type listEventsResponse struct {
	Events   []messageEventResponse `json:"events"`
	NextPage string                 `json:"nextPageToken,omitempty"`
}

func (h *HandlerSet) sendMessage(ctx *fiber.Ctx) error {
	var req sendMessageRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}

	orgID, err := uuid.Parse(req.OrganizationID)
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid organization id")
	}
	instanceID, err := uuid.Parse(req.InstanceID)
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid instance id")
	}

	msg, err := h.messages.Send(ctx.UserContext(), messagesvc.SendInput{
		OrganizationID: orgID,
		InstanceID:     instanceID,
		To:             req.To,
		Body:           req.Body,
		MediaURL:       req.MediaURL,
		MediaType:      req.MediaType,
	})
	if err != nil {
		return translateError(err)
	}

	return ctx.Status(http.StatusAccepted).JSON(toMessageResponse(msg))
}

func (h *HandlerSet) getMessage(ctx *fiber.Ctx) error {
	id, err := uuid.Parse(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid message id")
	}

	msg, err := h.messages.Get(ctx.UserContext(), id)
	if err != nil {
		return translateError(err)
	}

	return ctx.Status(http.StatusOK).JSON(toMessageResponse(msg))
}

func (h *HandlerSet) retryMessage(ctx *fiber.Ctx) error {
	id, err := uuid.Parse(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid message id")
	}

	msg, err := h.messages.Retry(ctx.UserContext(), id)
	if err != nil {
		return translateError(err)
	}

	return ctx.Status(http.StatusAccepted).JSON(toMessageResponse(msg))
}

func (h *HandlerSet) messageEvents(ctx *fiber.Ctx) error {
	id, err := uuid.Parse(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid message id")
	}
	limit, _ := strconv.Atoi(ctx.Query("limit", "50"))

	page, err := h.messages.Events(ctx.UserContext(), id, limit, ctx.Query("page_token"))
	if err != nil {
		return translateError(err)
	}

	resp := listEventsResponse{
		Events:   make([]messageEventResponse, 0, len(page.Events)),
		NextPage: page.NextToken,
	}
	for _, e := range page.Events {
		resp.Events = append(resp.Events, messageEventResponse{
			Status:     e.Status,
			Error:      e.Error,
			Source:     e.Source,
			OccurredAt: e.OccurredAt,
		})
	}
	return ctx.Status(http.StatusOK).JSON(resp)
}

func toMessageResponse(m *domain.Message) messageResponse {
	return messageResponse{
		ID:           m.ID,
		InstanceID:   m.InstanceID,
		CampaignID:   m.CampaignID,
		To:           m.To,
		Body:         m.Body,
		MediaURL:     m.MediaURL,
		MediaType:    m.MediaType,
		Status:       m.Status,
		ExternalID:   m.ExternalID,
		SentAt:       m.SentAt,
		DeliveredAt:  m.DeliveredAt,
		ReadAt:       m.ReadAt,
		FailedAt:     m.FailedAt,
		ErrorMessage: m.ErrorMessage,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

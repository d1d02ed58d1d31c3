package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/acme/whatsapp-dispatch/internal/domain"
	campaignsvc "github.com/acme/whatsapp-dispatch/internal/service/campaign"
)

type createCampaignRequest struct {
	OrganizationID  string     `json:"organizationId"`
	InstanceID      string     `json:"instanceId"`
	Name            string     `json:"name"`
	MessageTemplate string     `json:"messageTemplate"`
	MediaURL        *string    `json:"mediaUrl"`
	MediaType       *string    `json:"mediaType"`
	ScheduledAt     *time.Time `json:"scheduledAt"`
	ContactIDs      []string   `json:"contactIds"`
}

type updateCampaignRequest struct {
	InstanceID      *string    `json:"instanceId"`
	Name            *string    `json:"name"`
	MessageTemplate *string    `json:"messageTemplate"`
	MediaURL        *string    `json:"mediaUrl"`
	MediaType       *string    `json:"mediaType"`
	ScheduledAt     *time.Time `json:"scheduledAt"`
}

type campaignResponse struct {
	ID              uuid.UUID             `json:"id"`
	OrganizationID  uuid.UUID             `json:"organizationId"`
	InstanceID      uuid.UUID             `json:"instanceId"`
	Name            string                `json:"name"`
	MessageTemplate string                `json:"messageTemplate"`
	MediaURL        *string               `json:"mediaUrl,omitempty"`
	MediaType       *string               `json:"mediaType,omitempty"`
	ScheduledAt     *time.Time            `json:"scheduledAt,omitempty"`
	Status          domain.CampaignStatus `json:"status"`
	TotalRecipients int                   `json:"totalRecipients"`
	SentCount       int                   `json:"sentCount"`
	DeliveredCount  int                   `json:"deliveredCount"`
	FailedCount     int                   `json:"failedCount"`
	CreatedAt       time.Time             `json:"createdAt"`
	UpdatedAt       time.Time             `json:"updatedAt"`
	StartedAt       *time.Time            `json:"startedAt,omitempty"`
	CompletedAt     *time.Time            `json:"completedAt,omitempty"`
}

type campaignStatsResponse struct {
	Total     int64 `json:"total"`
	Pending   int64 `json:"pending"`
	Sent      int64 `json:"sent"`
	Delivered int64 `json:"delivered"`
	Read      int64 `json:"read"`
	Failed    int64 `json:"failed"`
	Progress  int   `json:"progress"`
}

type retryFailedResponse struct {
	Retried int `json:"retried"`
}

func (h *HandlerSet) createCampaign(ctx *fiber.Ctx) error {
	var req createCampaignRequest
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
	contactIDs := make([]uuid.UUID, 0, len(req.ContactIDs))
	for _, raw := range req.ContactIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			return fiber.NewError(http.StatusBadRequest, "invalid contact id "+raw)
		}
		contactIDs = append(contactIDs, id)
	}

	campaign, err := h.campaigns.Create(ctx.UserContext(), campaignsvc.CreateCampaignInput{
		OrganizationID:  orgID,
		InstanceID:      instanceID,
		Name:            req.Name,
		MessageTemplate: req.MessageTemplate,
		MediaURL:        req.MediaURL,
		MediaType:       req.MediaType,
		ScheduledAt:     req.ScheduledAt,
		ContactIDs:      contactIDs,
	})
	if err != nil {
		return translateError(err)
	}

	return ctx.Status(http.StatusCreated).JSON(toCampaignResponse(campaign))
}

func (h *HandlerSet) getCampaign(ctx *fiber.Ctx) error {
	id, err := uuid.Parse(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid campaign id")
	}

	campaign, err := h.campaigns.Get(ctx.UserContext(), id)
	if err != nil {
		return translateError(err)
	}

	return ctx.Status(http.StatusOK).JSON(toCampaignResponse(campaign))
}

func (h *HandlerSet) updateCampaign(ctx *fiber.Ctx) error {
	id, err := uuid.Parse(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid campaign id")
	}

	var req updateCampaignRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}

	input := campaignsvc.UpdateCampaignInput{
		ID:              id,
		Name:            req.Name,
		MessageTemplate: req.MessageTemplate,
		MediaURL:        req.MediaURL,
		MediaType:       req.MediaType,
		ScheduledAt:     req.ScheduledAt,
	}
	if req.InstanceID != nil {
		instanceID, err := uuid.Parse(*req.InstanceID)
		if err != nil {
			return fiber.NewError(http.StatusBadRequest, "invalid instance id")
		}
		input.InstanceID = &instanceID
	}

	campaign, err := h.campaigns.Update(ctx.UserContext(), input)
	if err != nil {
		return translateError(err)
	}

	return ctx.Status(http.StatusOK).JSON(toCampaignResponse(campaign))
}

func (h *HandlerSet) deleteCampaign(ctx *fiber.Ctx) error {
	id, err := uuid.Parse(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid campaign id")
	}

	if err := h.campaigns.Delete(ctx.UserContext(), id); err != nil {
		return translateError(err)
	}

	return ctx.SendStatus(http.StatusNoContent)
}

func (h *HandlerSet) startCampaign(ctx *fiber.Ctx) error {
	return h.campaignAction(ctx, h.campaigns.Start)
}

func (h *HandlerSet) pauseCampaign(ctx *fiber.Ctx) error {
	return h.campaignAction(ctx, h.campaigns.Pause)
}

func (h *HandlerSet) resumeCampaign(ctx *fiber.Ctx) error {
	return h.campaignAction(ctx, h.campaigns.Resume)
}

func (h *HandlerSet) campaignAction(ctx *fiber.Ctx, action func(context.Context, uuid.UUID) (*domain.Campaign, error)) error {
	id, err := uuid.Parse(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid campaign id")
	}

	campaign, err := action(ctx.UserContext(), id)
	if err != nil {
		return translateError(err)
	}

	return ctx.Status(http.StatusOK).JSON(toCampaignResponse(campaign))
}

func (h *HandlerSet) campaignStats(ctx *fiber.Ctx) error {
	id, err := uuid.Parse(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid campaign id")
	}

	stats, err := h.campaigns.Stats(ctx.UserContext(), id)
	if err != nil {
		return translateError(err)
	}

	return ctx.Status(http.StatusOK).JSON(campaignStatsResponse{
		Total:     stats.Total,
		Pending:   stats.Pending,
		Sent:      stats.Sent,
		Delivered: stats.Delivered,
		Read:      stats.Read,
		Failed:    stats.Failed,
		Progress:  stats.Progress,
	})
}

func (h *HandlerSet) retryFailed(ctx *fiber.Ctx) error {
	id, err := uuid.Parse(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid campaign id")
	}
	limit, _ := strconv.Atoi(ctx.Query("limit", "500"))

	n, err := h.campaigns.RetryFailed(ctx.UserContext(), id, limit)
	if err != nil {
		return translateError(err)
	}

	return ctx.Status(http.StatusAccepted).JSON(retryFailedResponse{Retried: n})
}

func toCampaignResponse(c *domain.Campaign) campaignResponse {
	return campaignResponse{
		ID:              c.ID,
		OrganizationID:  c.OrganizationID,
		InstanceID:      c.InstanceID,
		Name:            c.Name,
		MessageTemplate: c.MessageTemplate,
		MediaURL:        c.MediaURL,
		MediaType:       c.MediaType,
		ScheduledAt:     c.ScheduledAt,
		Status:          c.Status,
		TotalRecipients: c.TotalRecipients,
		SentCount:       c.SentCount,
		DeliveredCount:  c.DeliveredCount,
		FailedCount:     c.FailedCount,
		CreatedAt:       c.CreatedAt,
		UpdatedAt:       c.UpdatedAt,
		StartedAt:       c.StartedAt,
		CompletedAt:     c.CompletedAt,
	}
}

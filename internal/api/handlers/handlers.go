package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/acme/whatsapp-dispatch/internal/app"
	"github.com/acme/whatsapp-dispatch/internal/config"
	"github.com/acme/whatsapp-dispatch/internal/queue"
	campaignsvc "github.com/acme/whatsapp-dispatch/internal/service/campaign"
	messagesvc "github.com/acme/whatsapp-dispatch/internal/service/message"
	"github.com/acme/whatsapp-dispatch/internal/service/reconcile"
)

// StatusPublisher hands webhook events to the status worker.
type StatusPublisher interface {
	PublishStatus(ctx context.Context, event queue.StatusEvent) error
}

// HealthCheck probes one dependency.
type HealthCheck func(ctx context.Context) error

// HandlerSet bundles all HTTP handlers.
type HandlerSet struct {
	campaigns  *campaignsvc.Service
	messages   *messagesvc.Service
	reconciler *reconcile.Service
	// status is nil unless webhook events are reconciled asynchronously.
	status  StatusPublisher
	webhook config.WebhookConfig
	checks  map[string]HealthCheck
	logger  *zap.Logger
}

// NewHandlerSet creates a new handler bundle.
func NewHandlerSet(container *app.Container) *HandlerSet {
	services := container.Services()
	h := &HandlerSet{
		campaigns:  services.Campaign,
		messages:   services.Message,
		reconciler: services.Reconcile,
		webhook:    container.Config.Webhook,
		logger:     container.Logger.Logger,
		checks: map[string]HealthCheck{
			"postgres": func(ctx context.Context) error {
				return container.Postgres.DB().PingContext(ctx)
			},
			"redis": func(ctx context.Context) error {
				return container.Redis.Inner().Ping(ctx).Err()
			},
			"scylla": func(ctx context.Context) error {
				return container.Scylla.Session().Query("SELECT now() FROM system.local").WithContext(ctx).Exec()
			},
		},
	}
	if status := container.Transport().Status; container.Config.Webhook.Async && status != nil {
		h.status = status
	}
	return h
}

// Register wires all routes onto the fiber app.
func (h *HandlerSet) Register(app *fiber.App) {
	app.Get("/healthz", h.health)

	api := app.Group("/api")
	v1 := api.Group("/v1")

	campaigns := v1.Group("/campaigns")
	campaigns.Post("/", h.createCampaign)
	campaigns.Get("/:id", h.getCampaign)
	campaigns.Put("/:id", h.updateCampaign)
	campaigns.Delete("/:id", h.deleteCampaign)
	campaigns.Post("/:id/start", h.startCampaign)
	campaigns.Post("/:id/pause", h.pauseCampaign)
	campaigns.Post("/:id/resume", h.resumeCampaign)
	campaigns.Get("/:id/stats", h.campaignStats)
	campaigns.Post("/:id/retry-failed", h.retryFailed)

	messages := v1.Group("/messages")
	messages.Post("/", h.sendMessage)
	messages.Get("/:id", h.getMessage)
	messages.Post("/:id/retry", h.retryMessage)
	messages.Get("/:id/events", h.messageEvents)

	v1.Post("/webhooks/gateway", h.gatewayWebhook)
}

// ErrorHandler provides centralized error responses.
func (h *HandlerSet) ErrorHandler(ctx *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := err.Error()

	if fiberErr, ok := err.(*fiber.Error); ok {
		code = fiberErr.Code
		message = fiberErr.Message
	}

	if code == fiber.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", ctx.Path()), zap.Error(err))
		message = "internal error"
	}

	return ctx.Status(code).JSON(fiber.Map{
		"error":    message,
		"trace_id": ctx.GetRespHeader("Trace-Id"),
	})
}

func (h *HandlerSet) health(ctx *fiber.Ctx) error {
	healthCtx, cancel := context.WithTimeout(ctx.UserContext(), 2*time.Second)
	defer cancel()

	errs := make(map[string]string)
	for name, check := range h.checks {
		if err := check(healthCtx); err != nil {
			errs[name] = err.Error()
		}
	}

	status := fiber.StatusOK
	state := "ok"
	if len(errs) > 0 {
		status = fiber.StatusServiceUnavailable
		state = "degraded"
	}

	return ctx.Status(status).JSON(fiber.Map{"status": state, "errors": errs})
}

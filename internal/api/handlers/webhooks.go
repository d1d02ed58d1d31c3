package handlers

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/acme/whatsapp-dispatch/internal/metrics"
	"github.com/acme/whatsapp-dispatch/internal/queue"
	"github.com/acme/whatsapp-dispatch/internal/service/reconcile"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw webhook body.
const SignatureHeader = "X-Webhook-Signature"

const signaturePrefix = "sha256="

type gatewayWebhookRequest struct {
	InstanceID string     `json:"instanceId"`
	MessageID  string     `json:"messageId"`
	Status     string     `json:"status"`
	Error      string     `json:"error"`
	Timestamp  *time.Time `json:"timestamp"`
}

type webhookResponse struct {
	Result string `json:"result"`
}

// gatewayWebhook answers 200 for every authenticated request, whatever became
// of the event, so the gateway never retries delivery reports.
func (h *HandlerSet) gatewayWebhook(ctx *fiber.Ctx) error {
	body := ctx.Body()
	if h.webhook.Secret != "" && !validSignature(h.webhook.Secret, body, ctx.Get(SignatureHeader)) {
		metrics.RecordWebhook(metrics.WebhookUnauthorized)
		return fiber.NewError(http.StatusUnauthorized, "invalid webhook signature")
	}

	var req gatewayWebhookRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.logger.Warn("webhook: malformed body", zap.Error(err))
		metrics.RecordWebhook(metrics.WebhookRejected)
		return ctx.Status(http.StatusOK).JSON(webhookResponse{Result: string(reconcile.ResultRejected)})
	}

	event := queue.StatusEvent{
		InstanceID: req.InstanceID,
		MessageID:  req.MessageID,
		Status:     req.Status,
		Error:      req.Error,
		Timestamp:  req.Timestamp,
		ReceivedAt: time.Now().UTC(),
	}

	if h.status != nil {
		err := h.status.PublishStatus(ctx.UserContext(), event)
		if err == nil {
			metrics.RecordWebhook(metrics.WebhookQueued)
			return ctx.Status(http.StatusOK).JSON(webhookResponse{Result: metrics.WebhookQueued})
		}
		h.logger.Warn("webhook: publish status event, applying inline", zap.Error(err))
	}

	result, err := h.reconciler.Apply(ctx.UserContext(), event)
	if err != nil {
		h.logger.Error("webhook: apply status event",
			zap.String("provider_message_id", event.MessageID),
			zap.Error(err),
		)
		return ctx.Status(http.StatusOK).JSON(webhookResponse{Result: metrics.WebhookError})
	}
	return ctx.Status(http.StatusOK).JSON(webhookResponse{Result: string(result)})
}

// SignBody renders the signature header value for body.
func SignBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

func validSignature(secret string, body []byte, header string) bool {
	header = strings.TrimSpace(header)
	if !strings.HasPrefix(header, signaturePrefix) {
		return false
	}
	got, err := hex.DecodeString(strings.TrimPrefix(header, signaturePrefix))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

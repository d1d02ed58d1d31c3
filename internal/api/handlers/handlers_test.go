package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/acme/whatsapp-dispatch/internal/config"
	"github.com/acme/whatsapp-dispatch/internal/domain"
	"github.com/acme/whatsapp-dispatch/internal/gateway"
	"github.com/acme/whatsapp-dispatch/internal/queue"
	"github.com/acme/whatsapp-dispatch/internal/repository/memory"
	campaignsvc "github.com/acme/whatsapp-dispatch/internal/service/campaign"
	messagesvc "github.com/acme/whatsapp-dispatch/internal/service/message"
	"github.com/acme/whatsapp-dispatch/internal/service/reconcile"
	"github.com/acme/whatsapp-dispatch/internal/service/sender"
)

type nopSender struct{}

func (nopSender) Send(context.Context, uuid.UUID, string, string, *gateway.Media) sender.Outcome {
	return sender.Outcome{Success: true, ProviderMessageID: "wamid-test"}
}

type recordingPublisher struct {
	events []queue.StatusEvent
	err    error
}

func (p *recordingPublisher) PublishStatus(_ context.Context, event queue.StatusEvent) error {
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, event)
	return nil
}

type apiRig struct {
	app      *fiber.App
	handlers *HandlerSet
	store    *memory.Store
	mq       *queue.Memory
	org      uuid.UUID
	instance uuid.UUID
	contacts []uuid.UUID
}

func newRig(t *testing.T, webhook config.WebhookConfig) *apiRig {
	t.Helper()
	r := &apiRig{
		store:    memory.New(),
		mq:       queue.NewMemory(64),
		org:      uuid.New(),
		instance: uuid.New(),
	}
	t.Cleanup(func() { _ = r.mq.Close() })

	r.store.PutInstance(domain.Instance{ID: r.instance, OrganizationID: r.org, Name: "main", Status: domain.InstanceStatusConnected})
	for _, name := range []string{"Ana", "Bruno"} {
		id := uuid.New()
		r.store.PutContact(domain.Contact{ID: id, OrganizationID: r.org, Name: name, PhoneNumber: "5511" + name})
		r.contacts = append(r.contacts, id)
	}

	dispatcher := queue.NewDispatcher(r.mq, r.mq, queue.Options{Attempts: 3, Backoff: 5 * time.Second})
	messages := messagesvc.NewService(messagesvc.Deps{
		Messages:   r.store.Messages(),
		Recipients: r.store.Recipients(),
		Campaigns:  r.store.Campaigns(),
		Instances:  r.store.Instances(),
		Events:     r.store.Events(),
		Jobs:       dispatcher,
		Sender:     nopSender{},
	})
	r.handlers = &HandlerSet{
		campaigns: campaignsvc.NewService(campaignsvc.Deps{
			Campaigns:  r.store.Campaigns(),
			Recipients: r.store.Recipients(),
			Contacts:   r.store.Contacts(),
			Instances:  r.store.Instances(),
			Messages:   r.store.Messages(),
			Jobs:       dispatcher,
			Retrier:    messages,
		}),
		messages:   messages,
		reconciler: reconcile.NewService(r.store.Messages(), r.store.Recipients(), r.store.Campaigns(), r.store.Events(), nil),
		webhook:    webhook,
		checks:     map[string]HealthCheck{},
		logger:     zap.NewNop(),
	}

	r.app = fiber.New(fiber.Config{ErrorHandler: r.handlers.ErrorHandler})
	r.handlers.Register(r.app)
	return r
}

func (r *apiRig) do(t *testing.T, method, path string, body any, headers map[string]string) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, ok := body.([]byte)
		if !ok {
			var err error
			raw, err = json.Marshal(body)
			require.NoError(t, err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := r.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]any{}
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(data) > 0 {
		require.NoError(t, json.Unmarshal(data, &out), string(data))
	}
	return resp.StatusCode, out
}

func (r *apiRig) createCampaign(t *testing.T) string {
	t.Helper()
	ids := make([]string, len(r.contacts))
	for i, id := range r.contacts {
		ids[i] = id.String()
	}
	code, body := r.do(t, http.MethodPost, "/api/v1/campaigns/", map[string]any{
		"organizationId":  r.org.String(),
		"instanceId":      r.instance.String(),
		"name":            "Black Friday",
		"messageTemplate": "Oi {name}",
		"contactIds":      ids,
	}, nil)
	require.Equal(t, http.StatusCreated, code, body)
	assert.Equal(t, "DRAFT", body["status"])
	assert.EqualValues(t, 2, body["totalRecipients"])
	return body["id"].(string)
}

func TestCampaignLifecycleRoutes(t *testing.T) {
	r := newRig(t, config.WebhookConfig{})
	id := r.createCampaign(t)

	code, body := r.do(t, http.MethodPost, "/api/v1/campaigns/"+id+"/start", nil, nil)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "SCHEDULED", body["status"])
	require.Len(t, r.mq.Published(), 1)
	assert.Equal(t, queue.JobProcessCampaign, r.mq.Published()[0].Type)

	code, body = r.do(t, http.MethodPost, "/api/v1/campaigns/"+id+"/resume", nil, nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.Contains(t, body["error"], "invalid state")

	code, body = r.do(t, http.MethodGet, "/api/v1/campaigns/"+id+"/stats", nil, nil)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 2, body["total"])
	assert.EqualValues(t, 2, body["pending"])
	assert.EqualValues(t, 0, body["progress"])
}

func TestCampaignRouteErrors(t *testing.T) {
	r := newRig(t, config.WebhookConfig{})

	code, _ := r.do(t, http.MethodGet, "/api/v1/campaigns/not-a-uuid", nil, nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, body := r.do(t, http.MethodGet, "/api/v1/campaigns/"+uuid.NewString(), nil, nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "resource not found", body["error"])

	code, _ = r.do(t, http.MethodPost, "/api/v1/campaigns/", map[string]any{
		"organizationId": r.org.String(),
		"instanceId":     r.instance.String(),
		"name":           "",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestDeleteDraftCampaign(t *testing.T) {
	r := newRig(t, config.WebhookConfig{})
	id := r.createCampaign(t)

	code, _ := r.do(t, http.MethodDelete, "/api/v1/campaigns/"+id, nil, nil)
	assert.Equal(t, http.StatusNoContent, code)

	code, _ = r.do(t, http.MethodGet, "/api/v1/campaigns/"+id, nil, nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestSendMessageRoute(t *testing.T) {
	r := newRig(t, config.WebhookConfig{})

	code, body := r.do(t, http.MethodPost, "/api/v1/messages/", map[string]any{
		"organizationId": r.org.String(),
		"instanceId":     r.instance.String(),
		"to":             "5511999990000",
		"body":           "hello",
	}, nil)
	require.Equal(t, http.StatusAccepted, code, body)
	assert.Equal(t, "PENDING", body["status"])
	require.Len(t, r.mq.Published(), 1)
	assert.Equal(t, queue.JobSendMessage, r.mq.Published()[0].Type)

	code, body = r.do(t, http.MethodGet, "/api/v1/messages/"+body["id"].(string), nil, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "5511999990000", body["to"])
}

func seedSentMessage(t *testing.T, r *apiRig, externalID string) uuid.UUID {
	t.Helper()
	now := time.Now().UTC()
	msg := &domain.Message{
		ID:             uuid.New(),
		OrganizationID: r.org,
		InstanceID:     r.instance,
		To:             "5511888880000",
		Body:           "hi",
		Direction:      domain.DirectionOutbound,
		Status:         domain.MessageStatusSent,
		ExternalID:     &externalID,
		SentAt:         &now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	require.NoError(t, r.store.Messages().Create(context.Background(), msg))
	return msg.ID
}

func TestWebhookAppliesStatus(t *testing.T) {
	r := newRig(t, config.WebhookConfig{})
	id := seedSentMessage(t, r, "wamid-1")

	code, body := r.do(t, http.MethodPost, "/api/v1/webhooks/gateway", map[string]any{
		"instanceId": r.instance.String(),
		"messageId":  "wamid-1",
		"status":     "DELIVERED",
	}, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "applied", body["result"])

	msg, err := r.store.Messages().Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.MessageStatusDelivered, msg.Status)
	assert.NotNil(t, msg.DeliveredAt)
}

func TestWebhookAlwaysAnswersOK(t *testing.T) {
	r := newRig(t, config.WebhookConfig{})

	code, body := r.do(t, http.MethodPost, "/api/v1/webhooks/gateway", map[string]any{
		"messageId": "wamid-unknown",
		"status":    "READ",
	}, nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "unknown", body["result"])

	code, body = r.do(t, http.MethodPost, "/api/v1/webhooks/gateway", []byte(`{broken`), nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "rejected", body["result"])
}

func TestWebhookSignature(t *testing.T) {
	r := newRig(t, config.WebhookConfig{Secret: "s3cret"})
	payload := []byte(`{"messageId":"wamid-x","status":"DELIVERED"}`)

	code, _ := r.do(t, http.MethodPost, "/api/v1/webhooks/gateway", payload, nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = r.do(t, http.MethodPost, "/api/v1/webhooks/gateway", payload, map[string]string{
		SignatureHeader: SignBody("other", payload),
	})
	assert.Equal(t, http.StatusUnauthorized, code)

	code, body := r.do(t, http.MethodPost, "/api/v1/webhooks/gateway", payload, map[string]string{
		SignatureHeader: SignBody("s3cret", payload),
	})
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "unknown", body["result"])
}

func TestWebhookAsyncPublishesAndFallsBack(t *testing.T) {
	r := newRig(t, config.WebhookConfig{Async: true})
	publisher := &recordingPublisher{}
	r.handlers.status = publisher

	code, body := r.do(t, http.MethodPost, "/api/v1/webhooks/gateway", map[string]any{
		"messageId": "wamid-2",
		"status":    "READ",
	}, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "queued", body["result"])
	require.Len(t, publisher.events, 1)
	assert.Equal(t, "wamid-2", publisher.events[0].MessageID)
	assert.False(t, publisher.events[0].ReceivedAt.IsZero())

	id := seedSentMessage(t, r, "wamid-3")
	publisher.err = errors.New("kafka down")
	code, body = r.do(t, http.MethodPost, "/api/v1/webhooks/gateway", map[string]any{
		"messageId": "wamid-3",
		"status":    "DELIVERED",
	}, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "applied", body["result"])
	msg, err := r.store.Messages().Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.MessageStatusDelivered, msg.Status)
}

func TestHealthReportsFailingDependency(t *testing.T) {
	r := newRig(t, config.WebhookConfig{})
	r.handlers.checks["postgres"] = func(context.Context) error { return nil }

	code, body := r.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])

	r.handlers.checks["redis"] = func(context.Context) error { return errors.New("connection refused") }
	code, body = r.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, map[string]any{"redis": "connection refused"}, body["errors"])
}

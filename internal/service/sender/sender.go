package sender

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/whatsapp-dispatch/internal/gateway"
	"github.com/acme/whatsapp-dispatch/internal/metrics"
)

// Outcome is the mapped result of one gateway send.
type Outcome struct {
	Success           bool
	ProviderMessageID string
	Error             string
}

// Sender issues single outbound messages and never fails past its boundary:
// transport errors, non-2xx responses, timeouts and panics all become a
// failed Outcome. It does not retry.
type Sender struct {
	client  gateway.Client
	timeout time.Duration
	logger  *zap.Logger
}

// New constructs a sender bounding each call by timeout.
func New(client gateway.Client, timeout time.Duration, logger *zap.Logger) *Sender {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sender{client: client, timeout: timeout, logger: logger}
}

// Send delivers body to the phone through the instance.
func (s *Sender) Send(ctx context.Context, instanceID uuid.UUID, to, body string, media *gateway.Media) (out Outcome) {
	tracer := otel.Tracer("dispatch.sender")
	sctx, span := tracer.Start(ctx, "gateway.send", trace.WithAttributes(
		attribute.String("instance.id", instanceID.String()),
	))
	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			out = Outcome{Error: fmt.Sprintf("gateway panic: %v", rec)}
		}
		metrics.RecordSend(out.Success, time.Since(start))
		span.SetAttributes(attribute.Bool("send.success", out.Success))
		span.End()
	}()

	callCtx, cancel := context.WithTimeout(sctx, s.timeout)
	defer cancel()

	res, err := s.client.Send(callCtx, gateway.SendRequest{
		InstanceID: instanceID,
		To:         to,
		Body:       body,
		Media:      media,
	})
	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded {
			err = fmt.Errorf("gateway timeout after %s: %w", s.timeout, err)
		}
		span.RecordError(err)
		s.logger.Debug("sender: send failed", zap.String("instance_id", instanceID.String()), zap.Error(err))
		return Outcome{Error: err.Error()}
	}
	return Outcome{Success: true, ProviderMessageID: res.MessageID}
}

// MediaOf builds the optional attachment from nullable url and type.
func MediaOf(url, mediaType *string) *gateway.Media {
	if url == nil || *url == "" {
		return nil
	}
	m := &gateway.Media{URL: *url}
	if mediaType != nil {
		m.Type = *mediaType
	}
	return m
}

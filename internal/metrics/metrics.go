package metrics

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dispatch_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	sendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_gateway_sends_total",
			Help: "Outbound gateway sends by outcome",
		},
		[]string{"outcome"},
	)

	sendDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dispatch_gateway_send_duration_seconds",
			Help:    "Duration of gateway send calls in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	webhookEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_webhook_events_total",
			Help: "Inbound gateway webhook events by result",
		},
		[]string{"result"},
	)

	jobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_jobs_total",
			Help: "Queue jobs processed by type and outcome",
		},
		[]string{"type", "outcome"},
	)

	jobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dispatch_job_duration_seconds",
			Help:    "Duration of queue job handlers in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	activeCursors = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dispatch_active_campaign_cursors",
			Help: "Number of campaigns currently paced by this process",
		},
	)
)

// Job outcomes.
const (
	OutcomeSuccess    = "success"
	OutcomeRetry      = "retry"
	OutcomeDeadLetter = "dead_letter"
)

// Webhook results.
const (
	WebhookApplied  = "applied"
	WebhookUnknown  = "unknown"
	WebhookStale    = "stale"
	WebhookRejected = "rejected"
	WebhookError    = "error"
	// WebhookQueued and WebhookUnauthorized are recorded by the HTTP endpoint only.
	WebhookQueued       = "queued"
	WebhookUnauthorized = "unauthorized"
)

// Middleware records request counts and latency per route.
func Middleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		route := c.Route().Path
		status := c.Response().StatusCode()
		if err != nil {
			if fe, ok := err.(*fiber.Error); ok {
				status = fe.Code
			}
		}

		httpRequestsTotal.WithLabelValues(c.Method(), route, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(c.Method(), route).Observe(time.Since(start).Seconds())
		return err
	}
}

func RecordSend(success bool, d time.Duration) {
	outcome := "failure"
	if success {
		outcome = "success"
	}
	sendsTotal.WithLabelValues(outcome).Inc()
	sendDuration.Observe(d.Seconds())
}

func RecordWebhook(result string) {
	webhookEventsTotal.WithLabelValues(result).Inc()
}

func RecordJob(jobType, outcome string, d time.Duration) {
	jobsTotal.WithLabelValues(jobType, outcome).Inc()
	jobDuration.WithLabelValues(jobType).Observe(d.Seconds())
}

func SetActiveCursors(n int) {
	activeCursors.Set(float64(n))
}

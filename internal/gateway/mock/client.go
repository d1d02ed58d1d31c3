package mock

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/acme/whatsapp-dispatch/internal/config"
	"github.com/acme/whatsapp-dispatch/internal/gateway"
)

// Client simulates the messaging gateway for local runs.
type Client struct {
	successRate float64
	maxLatency  time.Duration

	mu  sync.Mutex
	rng *rand.Rand
}

// NewClient constructs a mock gateway with the configured success rate.
func NewClient(cfg config.GatewayConfig) *Client {
	rate := cfg.SuccessRate
	if rate <= 0 || rate > 1 {
		rate = 0.9
	}
	return &Client{
		successRate: rate,
		maxLatency:  300 * time.Millisecond,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Send simulates an accepted or rejected message after a short latency.
func (c *Client) Send(ctx context.Context, req gateway.SendRequest) (gateway.SendResult, error) {
	c.mu.Lock()
	latency := time.Duration(c.rng.Int63n(int64(c.maxLatency) + 1))
	ok := c.rng.Float64() <= c.successRate
	c.mu.Unlock()

	timer := time.NewTimer(latency)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return gateway.SendResult{}, ctx.Err()
	case <-timer.C:
	}

	if !ok {
		return gateway.SendResult{}, errors.New("simulated gateway failure")
	}
	return gateway.SendResult{MessageID: "mock-" + uuid.NewString()}, nil
}

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/acme/whatsapp-dispatch/internal/config"
)

// HTTPClient talks to the messaging gateway REST API.
type HTTPClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPClient constructs a gateway client from config.
func NewHTTPClient(cfg config.GatewayConfig) *HTTPClient {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: timeout},
	}
}

type sendPayload struct {
	To        string `json:"to"`
	Body      string `json:"body"`
	MediaURL  string `json:"mediaUrl,omitempty"`
	MediaType string `json:"mediaType,omitempty"`
}

type sendResponse struct {
	Success   bool   `json:"success"`
	MessageID string `json:"messageId"`
	Error     string `json:"error"`
}

// Send posts the message to /instances/{id}/messages.
func (c *HTTPClient) Send(ctx context.Context, req SendRequest) (SendResult, error) {
	payload := sendPayload{To: req.To, Body: req.Body}
	if req.Media != nil {
		payload.MediaURL = req.Media.URL
		payload.MediaType = req.Media.Type
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return SendResult{}, fmt.Errorf("gateway: marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/instances/%s/messages", c.baseURL, req.InstanceID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return SendResult{}, fmt.Errorf("gateway: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return SendResult{}, fmt.Errorf("gateway: send: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return SendResult{}, fmt.Errorf("gateway: status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var result sendResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return SendResult{}, fmt.Errorf("gateway: decode response: %w", err)
	}
	if !result.Success {
		msg := result.Error
		if msg == "" {
			msg = "message rejected"
		}
		return SendResult{}, fmt.Errorf("gateway: %s", msg)
	}
	return SendResult{MessageID: result.MessageID}, nil
}

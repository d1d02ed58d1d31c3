package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JobType discriminates the work carried by a job.
type JobType string

const (
	JobProcessCampaign JobType = "process-campaign"
	JobSendMessage     JobType = "send-message"
)

const (
	DefaultMaxAttempts = 3
	DefaultBackoff     = 5 * time.Second
)

// Job is the envelope written to every transport.
type Job struct {
	ID          uuid.UUID       `json:"id"`
	Type        JobType         `json:"type"`
	Attempt     int             `json:"attempt"`
	MaxAttempts int             `json:"maxAttempts"`
	BackoffMs   int64           `json:"backoffMs"`
	EnqueuedAt  time.Time       `json:"enqueuedAt"`
	Payload     json.RawMessage `json:"payload"`
}

// ProcessCampaignPayload asks the orchestrator to drain a campaign's pending recipients.
type ProcessCampaignPayload struct {
	CampaignID     uuid.UUID `json:"campaignId"`
	OrganizationID uuid.UUID `json:"organizationId"`
}

// SendMessagePayload wraps one persisted Message record.
type SendMessagePayload struct {
	MessageID  uuid.UUID `json:"messageId"`
	InstanceID uuid.UUID `json:"instanceId"`
	To         string    `json:"to"`
	Body       string    `json:"body"`
	MediaURL   *string   `json:"mediaUrl,omitempty"`
	MediaType  *string   `json:"mediaType,omitempty"`
}

// Options tune a single enqueue call. Zero values fall back to the dispatcher defaults.
type Options struct {
	Delay    time.Duration
	Attempts int
	Backoff  time.Duration
}

// NewJob builds a first-attempt job around the encoded payload.
func NewJob(jobType JobType, payload any, opts Options) (Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Job{}, fmt.Errorf("queue: marshal %s payload: %w", jobType, err)
	}
	if opts.Attempts <= 0 {
		opts.Attempts = DefaultMaxAttempts
	}
	if opts.Backoff <= 0 {
		opts.Backoff = DefaultBackoff
	}
	return Job{
		ID:          uuid.New(),
		Type:        jobType,
		Attempt:     1,
		MaxAttempts: opts.Attempts,
		BackoffMs:   opts.Backoff.Milliseconds(),
		EnqueuedAt:  time.Now().UTC(),
		Payload:     raw,
	}, nil
}

// Decode unmarshals the payload into v.
func (j Job) Decode(v any) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return fmt.Errorf("queue: decode %s payload: %w", j.Type, err)
	}
	return nil
}

// Final reports whether this is the last attempt the job is allowed.
func (j Job) Final() bool {
	return j.Attempt >= j.MaxAttempts
}

// Backoff returns the wait before the attempt that follows this one:
// base, 2*base, 4*base, ...
func (j Job) Backoff() time.Duration {
	base := time.Duration(j.BackoffMs) * time.Millisecond
	if base <= 0 {
		base = DefaultBackoff
	}
	attempt := j.Attempt
	if attempt < 1 {
		attempt = 1
	}
	return base << (attempt - 1)
}

// Next returns the envelope for the following attempt.
func (j Job) Next() Job {
	next := j
	next.Attempt++
	next.EnqueuedAt = time.Now().UTC()
	return next
}

// Marshal encodes the envelope for transport.
func (j Job) Marshal() ([]byte, error) {
	value, err := json.Marshal(j)
	if err != nil {
		return nil, fmt.Errorf("queue: marshal job: %w", err)
	}
	return value, nil
}

// UnmarshalJob decodes an envelope read from a transport.
func UnmarshalJob(value []byte) (Job, error) {
	var job Job
	if err := json.Unmarshal(value, &job); err != nil {
		return Job{}, fmt.Errorf("queue: unmarshal job: %w", err)
	}
	if job.Attempt <= 0 {
		job.Attempt = 1
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = DefaultMaxAttempts
	}
	return job, nil
}

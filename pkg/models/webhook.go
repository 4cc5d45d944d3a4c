package models

import "time"

// Webhook is a subscriber endpoint for result notifications
type Webhook struct {
	ID       string   `json:"id" mapstructure:"id"`
	URL      string   `json:"url" mapstructure:"url"`
	Secret   string   `json:"secret,omitempty" mapstructure:"secret"`
	Events   []string `json:"events" mapstructure:"events"`
	IsActive bool     `json:"is_active" mapstructure:"isActive"`
}

// Subscribes reports whether the webhook wants the given event.
// An empty event list subscribes to everything.
func (w *Webhook) Subscribes(event string) bool {
	if len(w.Events) == 0 {
		return true
	}
	for _, e := range w.Events {
		if e == event {
			return true
		}
	}
	return false
}

// WebhookDelivery represents a webhook delivery attempt
type WebhookDelivery struct {
	ID           string     `json:"id" db:"id"`
	WebhookID    string     `json:"webhook_id" db:"webhook_id"`
	Event        string     `json:"event" db:"event"`
	Payload      string     `json:"payload" db:"payload"`
	Status       string     `json:"status" db:"status"`
	StatusCode   int        `json:"status_code" db:"status_code"`
	ResponseBody string     `json:"response_body,omitempty" db:"response_body"`
	RetryCount   int        `json:"retry_count" db:"retry_count"`
	NextRetryAt  *time.Time `json:"next_retry_at,omitempty" db:"next_retry_at"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

// WebhookDeliveryStatus constants
const (
	WebhookDeliveryStatusPending   = "pending"
	WebhookDeliveryStatusDelivered = "delivered"
	WebhookDeliveryStatusFailed    = "failed"
)

// WebhookEvent represents the payload sent to webhooks
type WebhookEvent struct {
	Event     string      `json:"event"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// Webhook event types
const (
	WebhookEventTranscriptReady       = "transcript.ready"
	WebhookEventTranscriptUnavailable = "transcript.unavailable"
	WebhookEventJobCompleted          = "job.completed"
)

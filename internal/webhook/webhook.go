// Package webhook delivers HMAC-signed result notifications to subscribers.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/therealutkarshpriyadarshi/transcript/internal/logging"
	"github.com/therealutkarshpriyadarshi/transcript/internal/metrics"
	"github.com/therealutkarshpriyadarshi/transcript/pkg/models"
)

// SignatureHeader carries the HMAC-SHA256 of the request body
const SignatureHeader = "X-Webhook-Signature"

// Retry delays: 1min, 5min, 15min, 1hr, 4hr, 12hr
var retryDelays = []time.Duration{
	1 * time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	1 * time.Hour,
	4 * time.Hour,
	12 * time.Hour,
}

// Service handles webhook delivery and retry logic
type Service struct {
	client *http.Client
	repo   Repository
	logger *logging.Logger

	wg  sync.WaitGroup
	now func() time.Time
}

// Repository defines the interface for webhook persistence
type Repository interface {
	GetWebhooksByEvent(ctx context.Context, event string) ([]*models.Webhook, error)
	CreateDelivery(ctx context.Context, delivery *models.WebhookDelivery) error
	UpdateDelivery(ctx context.Context, delivery *models.WebhookDelivery) error
	GetPendingDeliveries(ctx context.Context, limit int) ([]*models.WebhookDelivery, error)
}

// NewService creates a new webhook service
func NewService(repo Repository, timeout time.Duration, logger *logging.Logger) *Service {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = logging.Nop()
	}

	return &Service{
		client: &http.Client{Timeout: timeout},
		repo:   repo,
		logger: logger,
		now:    time.Now,
	}
}

// NotifyResult announces one transcript result. Sentinel results are sent as
// transcript.unavailable rather than dropped.
func (s *Service) NotifyResult(ctx context.Context, result *models.TranscriptResult) error {
	event := models.WebhookEventTranscriptUnavailable
	if result.Available() {
		event = models.WebhookEventTranscriptReady
	}
	return s.Notify(ctx, event, result)
}

// NotifyJobCompleted announces that every video of a job has a result
func (s *Service) NotifyJobCompleted(ctx context.Context, result *models.JobResult) error {
	return s.Notify(ctx, models.WebhookEventJobCompleted, result)
}

// Notify sends a webhook notification for an event. Deliveries run in the
// background; Wait blocks until they finish.
func (s *Service) Notify(ctx context.Context, event string, data interface{}) error {
	webhooks, err := s.repo.GetWebhooksByEvent(ctx, event)
	if err != nil {
		return fmt.Errorf("failed to get webhooks: %w", err)
	}

	payload := models.WebhookEvent{
		Event:     event,
		Timestamp: s.now(),
		Data:      data,
	}

	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	for _, webhook := range webhooks {
		if !webhook.IsActive {
			continue
		}

		delivery := &models.WebhookDelivery{
			ID:        uuid.New().String(),
			WebhookID: webhook.ID,
			Event:     event,
			Payload:   string(payloadBytes),
			Status:    models.WebhookDeliveryStatusPending,
			CreatedAt: s.now(),
		}

		if err := s.repo.CreateDelivery(ctx, delivery); err != nil {
			s.logger.WithError(err).Warn("Failed to create webhook delivery")
			continue
		}

		s.wg.Add(1)
		go func(webhook *models.Webhook) {
			defer s.wg.Done()
			s.deliver(context.WithoutCancel(ctx), webhook, delivery, payloadBytes)
		}(webhook)
	}

	return nil
}

// Wait blocks until in-flight deliveries finish
func (s *Service) Wait() {
	s.wg.Wait()
}

// deliver attempts to deliver a webhook
func (s *Service) deliver(ctx context.Context, webhook *models.Webhook, delivery *models.WebhookDelivery, payload []byte) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhook.URL, bytes.NewReader(payload))
	if err != nil {
		s.markDeliveryFailed(ctx, delivery, 0, fmt.Sprintf("Failed to create request: %v", err))
		return
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Transcript-Webhook/1.0")
	req.Header.Set("X-Webhook-Event", delivery.Event)
	req.Header.Set("X-Webhook-Delivery", delivery.ID)

	if webhook.Secret != "" {
		req.Header.Set(SignatureHeader, Sign(payload, webhook.Secret))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		s.markDeliveryFailed(ctx, delivery, 0, fmt.Sprintf("Failed to send request: %v", err))
		return
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		s.markDeliveryFailed(ctx, delivery, resp.StatusCode, string(body))
		return
	}

	delivery.Status = models.WebhookDeliveryStatusDelivered
	delivery.StatusCode = resp.StatusCode
	delivery.ResponseBody = string(body)
	now := s.now()
	delivery.CompletedAt = &now

	if err := s.repo.UpdateDelivery(ctx, delivery); err != nil {
		s.logger.WithError(err).Warn("Failed to update webhook delivery")
	}
}

// markDeliveryFailed marks a delivery as failed and schedules retry
func (s *Service) markDeliveryFailed(ctx context.Context, delivery *models.WebhookDelivery, statusCode int, responseBody string) {
	delivery.StatusCode = statusCode
	delivery.ResponseBody = responseBody
	delivery.RetryCount++
	metrics.RecordError("webhook", "delivery")

	if delivery.RetryCount <= len(retryDelays) {
		nextRetry := s.now().Add(retryDelays[delivery.RetryCount-1])
		delivery.NextRetryAt = &nextRetry
		delivery.Status = models.WebhookDeliveryStatusPending
	} else {
		delivery.Status = models.WebhookDeliveryStatusFailed
		now := s.now()
		delivery.CompletedAt = &now
	}

	s.logger.WithFields(map[string]interface{}{
		"delivery_id": delivery.ID,
		"webhook_id":  delivery.WebhookID,
		"status_code": statusCode,
		"retry_count": delivery.RetryCount,
	}).Warn("Webhook delivery failed")

	if err := s.repo.UpdateDelivery(ctx, delivery); err != nil {
		s.logger.WithError(err).Warn("Failed to update webhook delivery")
	}
}

// Sign returns the HMAC-SHA256 signature header value for payload
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return "sha256=" + hex.EncodeToString(h.Sum(nil))
}

// Verify checks a signature header against payload
func Verify(payload []byte, secret, signature string) bool {
	return hmac.Equal([]byte(Sign(payload, secret)), []byte(signature))
}

// RetryPending redelivers pending deliveries whose backoff elapsed
func (s *Service) RetryPending(ctx context.Context) {
	deliveries, err := s.repo.GetPendingDeliveries(ctx, 100)
	if err != nil {
		s.logger.WithError(err).Warn("Failed to get pending webhook deliveries")
		return
	}

	for _, delivery := range deliveries {
		if delivery.NextRetryAt == nil || s.now().Before(*delivery.NextRetryAt) {
			continue
		}

		webhooks, err := s.repo.GetWebhooksByEvent(ctx, delivery.Event)
		if err != nil {
			s.logger.WithError(err).Warnf("Failed to get webhook for delivery %s", delivery.ID)
			continue
		}

		var webhook *models.Webhook
		for _, wh := range webhooks {
			if wh.ID == delivery.WebhookID {
				webhook = wh
				break
			}
		}

		if webhook == nil || !webhook.IsActive {
			continue
		}

		s.wg.Add(1)
		go func(delivery *models.WebhookDelivery) {
			defer s.wg.Done()
			s.deliver(ctx, webhook, delivery, []byte(delivery.Payload))
		}(delivery)
	}
}

package queue

import (
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"

	"github.com/therealutkarshpriyadarshi/transcript/pkg/models"
)

func TestCalculateBackoffDelay(t *testing.T) {
	assert.Equal(t, time.Minute, calculateBackoffDelay(0))
	assert.Equal(t, 2*time.Minute, calculateBackoffDelay(1))
	assert.Equal(t, 16*time.Minute, calculateBackoffDelay(4))
	assert.Equal(t, time.Hour, calculateBackoffDelay(7))
}

func TestRetryCount(t *testing.T) {
	assert.Equal(t, 0, retryCount(nil))
	assert.Equal(t, 0, retryCount(amqp.Table{"x-retry-count": "3"}))
	assert.Equal(t, 3, retryCount(amqp.Table{"x-retry-count": int32(3)}))
	assert.Equal(t, 4, retryCount(amqp.Table{"x-retry-count": int64(4)}))
	assert.Equal(t, 2, retryCount(amqp.Table{"x-retry-count": int16(2)}))
}

func TestJobPriority(t *testing.T) {
	assert.Equal(t, uint8(0), jobPriority(&models.Job{Priority: -1}))
	assert.Equal(t, uint8(5), jobPriority(&models.Job{Priority: models.JobPriorityNormal}))
	assert.Equal(t, uint8(10), jobPriority(&models.Job{Priority: 50}))
}

func TestResultRoutingKey(t *testing.T) {
	ready := &models.TranscriptResult{Text: "hi", Source: models.SourceCaptionsAPI}
	assert.Equal(t, models.WebhookEventTranscriptReady, ResultRoutingKey(ready))

	req := &models.TranscriptRequest{VideoID: "v"}
	missing := models.Unavailable(req, nil, 0)
	assert.Equal(t, models.WebhookEventTranscriptUnavailable, ResultRoutingKey(&missing))
}

package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutcomeIsFailure(t *testing.T) {
	tests := []struct {
		outcome Outcome
		want    bool
	}{
		{OutcomeSuccess, false},
		{OutcomeSkipped, false},
		{OutcomeNoCaptions, true},
		{OutcomeBlocked, true},
		{OutcomeTimeout, true},
		{OutcomeAuthError, true},
		{OutcomeNetworkError, true},
		{OutcomeError, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.outcome), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.outcome.IsFailure())
		})
	}
}

func TestUnavailable(t *testing.T) {
	req := &TranscriptRequest{VideoID: "abc123", Language: "en"}
	attempts := Attempts{{VideoID: "abc123", Strategy: SourceCaptionsAPI, Outcome: OutcomeNoCaptions, AttemptNumber: 1}}

	result := Unavailable(req, attempts, 3*time.Second)

	assert.Equal(t, NoTranscriptText, result.Text)
	assert.Equal(t, SourceNone, result.Source)
	assert.Equal(t, "abc123", result.VideoID)
	assert.Len(t, result.Attempts, 1)
	assert.False(t, result.Available())
}

func TestTranscriptResultAvailable(t *testing.T) {
	result := TranscriptResult{Text: "hello world", Source: SourceCaptionsAPI}
	assert.True(t, result.Available())

	result.Text = ""
	assert.False(t, result.Available())
}

func TestAttemptsValue(t *testing.T) {
	attempts := Attempts{
		{VideoID: "v1", Strategy: SourceDirectText, Outcome: OutcomeBlocked, AttemptNumber: 2, ProxyUsed: true},
	}

	value, err := attempts.Value()
	require.NoError(t, err)

	var decoded []map[string]interface{}
	require.NoError(t, json.Unmarshal(value.([]byte), &decoded))
	assert.Equal(t, "direct_text", decoded[0]["strategy"])
	assert.Equal(t, true, decoded[0]["proxy_used"])
}

func TestAttemptsScanNil(t *testing.T) {
	var attempts Attempts
	require.NoError(t, attempts.Scan(nil))
	assert.Empty(t, attempts)
}

func TestWebhookSubscribes(t *testing.T) {
	all := Webhook{}
	assert.True(t, all.Subscribes(WebhookEventJobCompleted))

	ready := Webhook{Events: []string{WebhookEventTranscriptReady}}
	assert.True(t, ready.Subscribes(WebhookEventTranscriptReady))
	assert.False(t, ready.Subscribes(WebhookEventTranscriptUnavailable))
}

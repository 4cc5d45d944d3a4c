package strategy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/therealutkarshpriyadarshi/transcript/internal/browser"
	"github.com/therealutkarshpriyadarshi/transcript/internal/media"
	"github.com/therealutkarshpriyadarshi/transcript/internal/stt"
	"github.com/therealutkarshpriyadarshi/transcript/pkg/models"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want models.Outcome
	}{
		{name: "nil", err: nil, want: models.OutcomeSuccess},
		{name: "no captions", err: fmt.Errorf("track: %w", ErrNoCaptions), want: models.OutcomeNoCaptions},
		{name: "empty asr", err: stt.ErrEmptyTranscript, want: models.OutcomeNoCaptions},
		{name: "blocked", err: fmt.Errorf("player: %w", ErrBlocked), want: models.OutcomeBlocked},
		{name: "browser blocked", err: browser.ErrBlocked, want: models.OutcomeBlocked},
		{name: "auth", err: ErrAuth, want: models.OutcomeAuthError},
		{name: "deadline", err: fmt.Errorf("x: %w", context.DeadlineExceeded), want: models.OutcomeTimeout},
		{name: "canceled", err: context.Canceled, want: models.OutcomeTimeout},
		{name: "net timeout", err: &url.Error{Op: "Get", URL: "http://x", Err: timeoutErr{}}, want: models.OutcomeTimeout},
		{name: "refused", err: &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}, want: models.OutcomeNetworkError},
		{name: "dns", err: &net.DNSError{Err: "no such host", Name: "x"}, want: models.OutcomeNetworkError},
		{name: "egress", err: media.ErrEgressUnchanged, want: models.OutcomeNetworkError},
		{name: "stt 429", err: &stt.StatusError{Code: 429}, want: models.OutcomeBlocked},
		{name: "stt 401", err: &stt.StatusError{Code: 401}, want: models.OutcomeAuthError},
		{name: "http 500", err: &StatusError{Code: 500}, want: models.OutcomeError},
		{name: "guard", err: ErrGuardOpen, want: models.OutcomeSkipped},
		{name: "other", err: errors.New("boom"), want: models.OutcomeError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestSuccessEmptyTextIsNoCaptions(t *testing.T) {
	r := Success("")
	assert.Equal(t, models.OutcomeNoCaptions, r.Outcome)
	assert.ErrorIs(t, r.Err, ErrNoCaptions)

	r = Success("hello")
	assert.Equal(t, models.OutcomeSuccess, r.Outcome)
	assert.NoError(t, r.Err)
}

func TestParseTranscript(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{
			name: "srv1 xml",
			body: `<?xml version="1.0" encoding="utf-8" ?><transcript><text start="0" dur="1">Hello &amp;#39;world&amp;#39;</text><text start="1" dur="1">second  line</text></transcript>`,
			want: "Hello 'world' second line",
		},
		{
			name: "srv3 xml",
			body: `<timedtext format="3"><body><p t="0" d="1"><s>Hi</s><s> there</s></p><p t="1" d="1">again</p></body></timedtext>`,
			want: "Hi there again",
		},
		{
			name: "json3",
			body: `{"events":[{"segs":[{"utf8":"one"},{"utf8":" two"}]},{"segs":[{"utf8":"\n"}]},{"segs":[{"utf8":"three"}]}]}`,
			want: "one two three",
		},
		{
			name: "get_transcript",
			body: `{"actions":[{"updateEngagementPanelAction":{"content":{"transcriptRenderer":{"content":{"transcriptSearchPanelRenderer":{"body":{"transcriptSegmentListRenderer":{"initialSegments":[{"transcriptSegmentRenderer":{"snippet":{"runs":[{"text":"panel text"}]}}}]}}}}}}}}]}`,
			want: "panel text",
		},
		{name: "empty", body: "  ", want: ""},
		{name: "malformed xml", body: "<transcript><text>", want: ""},
		{name: "html", body: "hello", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseTranscript([]byte(tt.body)))
		})
	}
}

func TestPickTrack(t *testing.T) {
	tracks := []captionTrack{
		{BaseURL: "http://x/de-asr", LanguageCode: "de", Kind: "asr"},
		{BaseURL: "http://x/en-po&exp=xpe", LanguageCode: "en"},
		{BaseURL: "http://x/en-asr", LanguageCode: "en", Kind: "asr"},
		{BaseURL: "http://x/de", LanguageCode: "de"},
	}

	got, ok := pickTrack(tracks, []string{"de", "en"})
	assert.True(t, ok)
	assert.Equal(t, "http://x/de", got.BaseURL)

	got, ok = pickTrack(tracks, []string{"fr"})
	assert.True(t, ok)
	assert.Equal(t, "http://x/en-asr", got.BaseURL)

	_, ok = pickTrack([]captionTrack{{BaseURL: "http://x/a&exp=xpe"}}, []string{"en"})
	assert.False(t, ok)

	_, ok = pickTrack(nil, []string{"en"})
	assert.False(t, ok)
}

func TestExtractPlayerResponse(t *testing.T) {
	page := []byte(`<script>var ytInitialPlayerResponse = {"captions":{"playerCaptionsTracklistRenderer":{"captionTracks":[{"baseUrl":"http://x/t?a=\"}\"","languageCode":"en"}]}}};var other = 1;</script>`)

	player, ok := extractPlayerResponse(page)
	assert.True(t, ok)
	assert.Len(t, player.tracks(), 1)
	assert.Equal(t, `http://x/t?a="}"`, player.tracks()[0].BaseURL)

	_, ok = extractPlayerResponse([]byte("<html></html>"))
	assert.False(t, ok)
}

func TestEndpointsCookiesPrecedence(t *testing.T) {
	e := Endpoints{AmbientCookies: []models.Cookie{{Name: "ambient", Value: "1"}}}

	req := &models.TranscriptRequest{VideoID: "v"}
	assert.Equal(t, "ambient", e.cookies(req)[0].Name)

	req.Cookies = []models.Cookie{{Name: "user", Value: "2"}}
	got := e.cookies(req)
	assert.Len(t, got, 1)
	assert.Equal(t, "user", got[0].Name)
}

func TestEndpointsLanguages(t *testing.T) {
	e := Endpoints{}.withDefaults()
	assert.Equal(t, []string{"en"}, e.languages(&models.TranscriptRequest{}))
	assert.Equal(t, []string{"en"}, e.languages(&models.TranscriptRequest{Language: "en"}))
	assert.Equal(t, []string{"de", "en"}, e.languages(&models.TranscriptRequest{Language: "de"}))
}

package strategy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/therealutkarshpriyadarshi/transcript/internal/proxy"
	"github.com/therealutkarshpriyadarshi/transcript/pkg/models"
)

type innertubeRequest struct {
	VideoID        string           `json:"videoId"`
	Context        innertubeContext `json:"context"`
	RacyCheckOk    bool             `json:"racyCheckOk"`
	ContentCheckOk bool             `json:"contentCheckOk"`
}

type innertubeContext struct {
	Client innertubeClient `json:"client"`
}

type innertubeClient struct {
	ClientName        string `json:"clientName"`
	ClientVersion     string `json:"clientVersion"`
	AndroidSdkVersion int    `json:"androidSdkVersion,omitempty"`
	Hl                string `json:"hl,omitempty"`
	Gl                string `json:"gl,omitempty"`
}

// CaptionsAPI reads caption tracks from the Innertube player API with the
// Android client and downloads the best one
type CaptionsAPI struct {
	endpoints Endpoints
}

// NewCaptionsAPI creates the captions API strategy
func NewCaptionsAPI(endpoints Endpoints) *CaptionsAPI {
	return &CaptionsAPI{endpoints: endpoints.withDefaults()}
}

// Name implements Strategy
func (c *CaptionsAPI) Name() models.Source {
	return models.SourceCaptionsAPI
}

// Attempt implements Strategy
func (c *CaptionsAPI) Attempt(ctx context.Context, req *models.TranscriptRequest, opts Options) Result {
	text, err := c.fetch(ctx, req, opts)
	if err != nil {
		return Failure(err)
	}
	return Success(text)
}

func (c *CaptionsAPI) fetch(ctx context.Context, req *models.TranscriptRequest, opts Options) (string, error) {
	client := httpClient(opts.Proxy.Dict(proxy.ShapeHTTP))
	langs := c.endpoints.languages(req)
	cookies := c.endpoints.cookies(req)

	payload, err := json.Marshal(innertubeRequest{
		VideoID: req.VideoID,
		Context: innertubeContext{Client: innertubeClient{
			ClientName:        "ANDROID",
			ClientVersion:     c.endpoints.ClientVersion,
			AndroidSdkVersion: 30,
			Hl:                langs[0],
			Gl:                "US",
		}},
		RacyCheckOk:    true,
		ContentCheckOk: true,
	})
	if err != nil {
		return "", err
	}

	httpReq, err := http.NewRequest(http.MethodPost, c.endpoints.BaseURL+"/youtubei/v1/player?prettyPrint=false", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", fmt.Sprintf("com.google.android.youtube/%s (Linux; U; Android 11) gzip", c.endpoints.ClientVersion))
	httpReq.Header.Set("X-Youtube-Client-Name", "3")
	httpReq.Header.Set("X-Youtube-Client-Version", c.endpoints.ClientVersion)
	addCookies(httpReq, cookies)

	body, err := do(ctx, client, httpReq)
	if err != nil {
		return "", fmt.Errorf("player request: %w", err)
	}

	var player playerResponse
	if err := json.Unmarshal(body, &player); err != nil {
		return "", fmt.Errorf("%w: malformed player response", ErrNoCaptions)
	}

	if err := checkPlayability(&player, req.HasCookies()); err != nil {
		return "", err
	}

	track, ok := pickTrack(player.tracks(), langs)
	if !ok {
		return "", fmt.Errorf("%w: no usable caption track", ErrNoCaptions)
	}

	return fetchTrack(ctx, client, track.BaseURL, cookies)
}

// checkPlayability turns a non-playable status into a classified error
func checkPlayability(player *playerResponse, withCookies bool) error {
	if player.PlayabilityStatus == nil {
		return nil
	}

	status := player.PlayabilityStatus.Status
	reason := player.PlayabilityStatus.Reason
	lower := strings.ToLower(reason)

	switch status {
	case "", "OK":
		return nil
	case "LOGIN_REQUIRED":
		if strings.Contains(lower, "bot") {
			return fmt.Errorf("%w: %s", ErrBlocked, reason)
		}
		if withCookies {
			return fmt.Errorf("%w: %s", ErrAuth, reason)
		}
		return fmt.Errorf("%w: login required", ErrBlocked)
	default:
		// ERROR, UNPLAYABLE, LIVE_STREAM_OFFLINE: nothing to transcribe
		return fmt.Errorf("%w: %s %s", ErrNoCaptions, status, reason)
	}
}

// fetchTrack downloads and parses one caption track
func fetchTrack(ctx context.Context, client *http.Client, trackURL string, cookies []models.Cookie) (string, error) {
	httpReq, err := http.NewRequest(http.MethodGet, trackURL, nil)
	if err != nil {
		return "", fmt.Errorf("%w: invalid track url", ErrNoCaptions)
	}
	httpReq.Header.Set("User-Agent", userAgentChrome)
	addCookies(httpReq, cookies)

	body, err := do(ctx, client, httpReq)
	if err != nil {
		return "", fmt.Errorf("timedtext request: %w", err)
	}

	text := parseTranscript(body)
	if text == "" {
		return "", fmt.Errorf("%w: empty caption track", ErrNoCaptions)
	}
	return text, nil
}

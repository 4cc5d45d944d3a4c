package strategy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/therealutkarshpriyadarshi/transcript/internal/proxy"
	"github.com/therealutkarshpriyadarshi/transcript/pkg/models"
)

// DirectText reads the public timedtext endpoint and, when that is empty,
// the caption tracks embedded in the watch page
type DirectText struct {
	endpoints Endpoints
}

// NewDirectText creates the direct text strategy
func NewDirectText(endpoints Endpoints) *DirectText {
	return &DirectText{endpoints: endpoints.withDefaults()}
}

// Name implements Strategy
func (d *DirectText) Name() models.Source {
	return models.SourceDirectText
}

// Attempt implements Strategy
func (d *DirectText) Attempt(ctx context.Context, req *models.TranscriptRequest, opts Options) Result {
	client := httpClient(opts.Proxy.Dict(proxy.ShapeHTTP))
	cookies := d.endpoints.cookies(req)

	for _, lang := range d.endpoints.languages(req) {
		for _, kind := range []string{"", "asr"} {
			text, err := fetchTrack(ctx, client, d.timedTextURL(req.VideoID, lang, kind), cookies)
			if err == nil {
				return Success(text)
			}
			if !errors.Is(err, ErrNoCaptions) {
				return Failure(err)
			}
		}
	}

	text, err := d.fromWatchPage(ctx, client, req, cookies)
	if err != nil {
		return Failure(err)
	}
	return Success(text)
}

func (d *DirectText) timedTextURL(videoID, lang, kind string) string {
	q := url.Values{}
	q.Set("v", videoID)
	q.Set("lang", lang)
	if kind != "" {
		q.Set("kind", kind)
	}
	return d.endpoints.BaseURL + "/api/timedtext?" + q.Encode()
}

func (d *DirectText) fromWatchPage(ctx context.Context, client *http.Client, req *models.TranscriptRequest, cookies []models.Cookie) (string, error) {
	langs := d.endpoints.languages(req)

	q := url.Values{}
	q.Set("v", req.VideoID)
	q.Set("hl", langs[0])

	httpReq, err := http.NewRequest(http.MethodGet, d.endpoints.BaseURL+"/watch?"+q.Encode(), nil)
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("User-Agent", userAgentChrome)
	httpReq.Header.Set("Accept-Language", langs[0]+";q=0.9,en;q=0.8")
	httpReq.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	addCookies(httpReq, cookies)

	page, err := do(ctx, client, httpReq)
	if err != nil {
		return "", fmt.Errorf("watch page: %w", err)
	}

	player, ok := extractPlayerResponse(page)
	if !ok {
		return "", fmt.Errorf("%w: no player response in watch page", ErrNoCaptions)
	}

	if err := checkPlayability(player, req.HasCookies()); err != nil {
		return "", err
	}

	track, ok := pickTrack(player.tracks(), langs)
	if !ok {
		return "", fmt.Errorf("%w: no usable caption track in watch page", ErrNoCaptions)
	}

	return fetchTrack(ctx, client, track.BaseURL, cookies)
}

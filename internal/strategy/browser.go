package strategy

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/therealutkarshpriyadarshi/transcript/internal/breaker"
	"github.com/therealutkarshpriyadarshi/transcript/internal/browser"
	"github.com/therealutkarshpriyadarshi/transcript/internal/metrics"
	"github.com/therealutkarshpriyadarshi/transcript/internal/proxy"
	"github.com/therealutkarshpriyadarshi/transcript/pkg/models"
)

// guardName is the single breaker in the browser guard registry
const guardName = "browser"

var errInterceptTimeout = fmt.Errorf("transcript response not intercepted: %w", context.DeadlineExceeded)

// BrowserOptions configures browser interception
type BrowserOptions struct {
	InterceptTimeout time.Duration
	DOMPollWindow    time.Duration
	DOMPollInterval  time.Duration
	GuardThreshold   int
	GuardCooldown    time.Duration
}

// BrowserInterception loads the watch page in a pooled headless browser and
// captures the transcript response the page fetches
type BrowserInterception struct {
	endpoints Endpoints
	pool      *browser.Pool
	guard     *breaker.Registry
	opts      BrowserOptions
}

// NewBrowserInterception creates the browser strategy. The guard suspends all
// browser attempts after GuardThreshold consecutive browser timeouts.
func NewBrowserInterception(endpoints Endpoints, pool *browser.Pool, opts BrowserOptions) *BrowserInterception {
	if opts.InterceptTimeout <= 0 {
		opts.InterceptTimeout = 22 * time.Second
	}
	if opts.DOMPollWindow <= 0 {
		opts.DOMPollWindow = 4 * time.Second
	}
	if opts.DOMPollInterval <= 0 {
		opts.DOMPollInterval = 500 * time.Millisecond
	}

	return &BrowserInterception{
		endpoints: endpoints.withDefaults(),
		pool:      pool,
		guard: breaker.NewRegistry(breaker.Settings{
			Threshold: opts.GuardThreshold,
			Cooldown:  opts.GuardCooldown,
		}),
		opts: opts,
	}
}

// Name implements Strategy
func (b *BrowserInterception) Name() models.Source {
	return models.SourceBrowserInterception
}

// Guard exposes the protective breaker for observation
func (b *BrowserInterception) Guard() *breaker.Registry {
	return b.guard
}

// Eligible implements Gate
func (b *BrowserInterception) Eligible(ctx context.Context, req *models.TranscriptRequest) (bool, string) {
	if b.guard.State(guardName) == breaker.StateOpen {
		return false, "browser guard open after repeated timeouts"
	}
	return true, ""
}

// Attempt implements Strategy
func (b *BrowserInterception) Attempt(ctx context.Context, req *models.TranscriptRequest, opts Options) Result {
	done, err := b.guard.Allow(guardName)
	if err != nil {
		return Failure(ErrGuardOpen)
	}

	result := b.attempt(ctx, req, opts)
	done(result.Outcome != models.OutcomeTimeout)
	return result
}

func (b *BrowserInterception) attempt(ctx context.Context, req *models.TranscriptRequest, opts Options) Result {
	creds := opts.Proxy.Dict(proxy.ShapeBrowser).Browser
	key := browser.Key{Profile: opts.Profile}
	if creds != nil {
		key.ProxyServer = creds.Server
	}

	lease, err := b.pool.Checkout(ctx, key, creds)
	if err != nil {
		return Failure(err)
	}
	defer lease.Release()

	page, err := lease.Context.NewPage(ctx)
	if err != nil {
		lease.Discard()
		return Failure(err)
	}
	defer page.Close()

	future := newTranscriptFuture()
	err = page.Intercept(ctx, isTranscriptRequest, func(body []byte) {
		if text := parseTranscript(body); text != "" {
			future.resolve(text)
		}
	})
	if err != nil {
		lease.Discard()
		return Failure(err)
	}

	if err := page.SetCookies(ctx, b.endpoints.cookies(req)); err != nil {
		return Failure(err)
	}

	text, err := b.awaitTranscript(ctx, page, future, b.watchURL(req))
	if err == nil {
		return Success(text)
	}
	if !errors.Is(err, errInterceptTimeout) {
		return Failure(err)
	}

	// The page never issued the request we wait for; read what it rendered
	text, err = b.pollDOM(ctx, page)
	metrics.RecordDOMFallback(text != "")
	if text != "" {
		return Success(text)
	}
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return Failure(err)
	}

	// A context that timed out may be wedged
	lease.Discard()
	return Failure(errInterceptTimeout)
}

// awaitTranscript navigates and races the intercepted response against the
// intercept timeout
func (b *BrowserInterception) awaitTranscript(ctx context.Context, page browser.Page, future *transcriptFuture, watchURL string) (string, error) {
	waitCtx, cancel := context.WithTimeout(ctx, b.opts.InterceptTimeout)
	defer cancel()

	navigated := make(chan error, 1)
	go func() {
		navigated <- page.Navigate(waitCtx, watchURL)
	}()

	for {
		select {
		case text := <-future.done:
			return text, nil
		case err := <-navigated:
			navigated = nil
			if err != nil && waitCtx.Err() == nil {
				return "", fmt.Errorf("navigation failed: %w", err)
			}
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", errInterceptTimeout
		}
	}
}

// pollDOM looks for rendered transcript text until the poll window ends
func (b *BrowserInterception) pollDOM(ctx context.Context, page browser.Page) (string, error) {
	pollCtx, cancel := context.WithTimeout(ctx, b.opts.DOMPollWindow)
	defer cancel()

	ticker := time.NewTicker(b.opts.DOMPollInterval)
	defer ticker.Stop()

	for {
		text, err := page.TranscriptFromDOM(pollCtx)
		if errors.Is(err, browser.ErrBlocked) {
			return "", err
		}
		if text != "" {
			return text, nil
		}

		select {
		case <-pollCtx.Done():
			return "", pollCtx.Err()
		case <-ticker.C:
		}
	}
}

func (b *BrowserInterception) watchURL(req *models.TranscriptRequest) string {
	lang := b.endpoints.languages(req)[0]

	q := url.Values{}
	q.Set("v", req.VideoID)
	q.Set("hl", lang)
	q.Set("cc_load_policy", "1")
	q.Set("cc_lang_pref", lang)
	return b.endpoints.BaseURL + "/watch?" + q.Encode()
}

func isTranscriptRequest(rawURL string) bool {
	return strings.Contains(rawURL, "/api/timedtext") ||
		strings.Contains(rawURL, "/youtubei/v1/get_transcript")
}

// transcriptFuture is resolved at most once by the interception callback
type transcriptFuture struct {
	once sync.Once
	done chan string
}

func newTranscriptFuture() *transcriptFuture {
	return &transcriptFuture{done: make(chan string, 1)}
}

func (f *transcriptFuture) resolve(text string) {
	f.once.Do(func() {
		f.done <- text
	})
}

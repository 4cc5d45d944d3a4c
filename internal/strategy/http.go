package strategy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/therealutkarshpriyadarshi/transcript/internal/proxy"
	"github.com/therealutkarshpriyadarshi/transcript/pkg/models"
)

const (
	userAgentChrome = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"
	maxBodyBytes    = 6 * 1024 * 1024
)

// botCheckMarkers appear in pages served instead of content to suspected bots
var botCheckMarkers = [][]byte{
	[]byte(`class="g-recaptcha"`),
	[]byte("Sign in to confirm you"),
	[]byte("unusual traffic from your computer network"),
	[]byte("/sorry/index"),
}

// Endpoints configures where the HTTP strategies send requests
type Endpoints struct {
	BaseURL         string // https://www.youtube.com
	ClientVersion   string
	DefaultLanguage string
	// AmbientCookies are used when a request carries no cookies of its own
	AmbientCookies []models.Cookie
}

func (e Endpoints) withDefaults() Endpoints {
	if e.BaseURL == "" {
		e.BaseURL = "https://www.youtube.com"
	}
	if e.ClientVersion == "" {
		e.ClientVersion = "20.10.38"
	}
	if e.DefaultLanguage == "" {
		e.DefaultLanguage = "en"
	}
	return e
}

// languages returns the preferred caption languages for a request
func (e Endpoints) languages(req *models.TranscriptRequest) []string {
	if req.Language == "" || req.Language == e.DefaultLanguage {
		return []string{e.DefaultLanguage}
	}
	return []string{req.Language, e.DefaultLanguage}
}

// cookies returns the request's cookies, which take precedence over ambient ones
func (e Endpoints) cookies(req *models.TranscriptRequest) []models.Cookie {
	if req.HasCookies() {
		return req.Cookies
	}
	return e.AmbientCookies
}

// clients holds one HTTP client per egress, keyed by proxy URL ("" for direct).
// The pool is bounded by the configured proxy endpoints.
var clients = &clientCache{byProxy: make(map[string]*http.Client)}

type clientCache struct {
	mu      sync.Mutex
	byProxy map[string]*http.Client
}

// httpClient returns the shared client that goes through params or, when empty,
// connects directly regardless of host proxy settings
func httpClient(params proxy.ConnParams) *http.Client {
	return clients.get(params)
}

func (c *clientCache) get(params proxy.ConnParams) *http.Client {
	key := ""
	if params.HTTP != nil {
		key = params.HTTP.String()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if client, ok := c.byProxy[key]; ok {
		return client
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = nil
	if params.HTTP != nil {
		transport.Proxy = http.ProxyURL(params.HTTP)
	}
	client := &http.Client{Transport: transport, Timeout: 30 * time.Second}
	c.byProxy[key] = client
	return client
}

func addCookies(req *http.Request, cookies []models.Cookie) {
	for _, c := range cookies {
		req.AddCookie(&http.Cookie{Name: c.Name, Value: c.Value})
	}
}

// do performs a request and returns the body. Status codes and bot-check pages
// are turned into classified errors.
func do(ctx context.Context, client *http.Client, req *http.Request) ([]byte, error) {
	resp, err := client.Do(req.WithContext(ctx))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, fmt.Errorf("%w: HTTP %d", ErrAuth, resp.StatusCode)
	case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: HTTP %d", ErrBlocked, resp.StatusCode)
	case isBotCheck(body):
		return nil, fmt.Errorf("%w: bot check page", ErrBlocked)
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: HTTP 404", ErrNoCaptions)
	case resp.StatusCode != http.StatusOK:
		return nil, &StatusError{Code: resp.StatusCode, Body: snippet(body)}
	}

	return body, nil
}

func isBotCheck(body []byte) bool {
	for _, marker := range botCheckMarkers {
		if bytes.Contains(body, marker) {
			return true
		}
	}
	return false
}

func snippet(body []byte) string {
	if len(body) > 256 {
		body = body[:256]
	}
	return string(body)
}

// StatusError is an unexpected HTTP status
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Code, e.Body)
}

package browser

import (
	"context"

	"github.com/therealutkarshpriyadarshi/transcript/internal/proxy"
	"github.com/therealutkarshpriyadarshi/transcript/pkg/models"
)

// Profile selects the device a browser context emulates
type Profile string

// Profile constants
const (
	ProfileDesktop Profile = "desktop"
	ProfileMobile  Profile = "mobile"
)

// Emulation holds the device parameters for a profile
type Emulation struct {
	UserAgent string
	Width     int64
	Height    int64
	Scale     float64
	Mobile    bool
	Touch     bool
}

// Emulation returns the device parameters of a profile. Unknown profiles get desktop.
func (p Profile) Emulation() Emulation {
	switch p {
	case ProfileMobile:
		return Emulation{
			UserAgent: "Mozilla/5.0 (Linux; Android 13; Pixel 7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Mobile Safari/537.36",
			Width:     412,
			Height:    915,
			Scale:     2.625,
			Mobile:    true,
			Touch:     true,
		}
	default:
		return Emulation{
			UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
			Width:     1366,
			Height:    768,
			Scale:     1,
		}
	}
}

// Key identifies a reusable browser context. Contexts are never shared across
// profiles or proxies.
type Key struct {
	Profile     Profile
	ProxyServer string
}

// Page is one tab inside a browser context
type Page interface {
	// Intercept installs a network rule: deliver is called with the response body
	// of every finished request whose URL satisfies match.
	Intercept(ctx context.Context, match func(url string) bool, deliver func(body []byte)) error
	SetCookies(ctx context.Context, cookies []models.Cookie) error
	Navigate(ctx context.Context, url string) error
	// TranscriptFromDOM returns transcript text rendered in the page, or "" if none.
	// It returns ErrBlocked when the page shows a bot check instead of the video.
	TranscriptFromDOM(ctx context.Context) (string, error)
	Close() error
}

// Context is a browser context that can open pages
type Context interface {
	NewPage(ctx context.Context) (Page, error)
	// PID is the browser process id, or 0 when there is no local process
	PID() int
	Close() error
}

// Launcher starts browser contexts
type Launcher interface {
	Launch(ctx context.Context, key Key, creds *proxy.BrowserProxy) (Context, error)
}

package browser

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/therealutkarshpriyadarshi/transcript/internal/proxy"
	"github.com/therealutkarshpriyadarshi/transcript/pkg/models"
)

// transcriptDOMScript collects rendered transcript segments. It reports a bot
// check with a marker instead of text.
const transcriptDOMScript = `(() => {
  const body = document.body ? document.body.innerText : "";
  if (document.querySelector('.g-recaptcha, #captcha-form') ||
      body.includes("confirm you're not a bot") || body.includes("unusual traffic")) {
    return "__blocked__";
  }
  const segs = document.querySelectorAll(
    'ytd-transcript-segment-renderer .segment-text, .ytp-caption-segment, ytm-transcript-segment-renderer');
  return Array.from(segs).map(s => s.textContent.trim()).filter(Boolean).join(" ");
})()`

const blockedMarker = "__blocked__"

// ChromeLauncher starts one headless Chrome per context with chromedp
type ChromeLauncher struct {
	ExecPath string
	Headless bool
}

// Launch starts a browser for key. The browser outlives ctx; it is stopped by Close.
func (l *ChromeLauncher) Launch(ctx context.Context, key Key, creds *proxy.BrowserProxy) (Context, error) {
	em := key.Profile.Emulation()

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.UserAgent(em.UserAgent),
		chromedp.WindowSize(int(em.Width), int(em.Height)),
		chromedp.Flag("headless", l.Headless),
		chromedp.Flag("mute-audio", true),
	)
	if l.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(l.ExecPath))
	}
	if creds != nil && creds.Server != "" {
		opts = append(opts, chromedp.ProxyServer(creds.Server))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	stop := func() {
		browserCancel()
		allocCancel()
	}

	if err := start(browserCtx, ctx, stop); err != nil {
		stop()
		return nil, fmt.Errorf("failed to start chrome: %w", err)
	}

	return &chromeContext{
		ctx:       browserCtx,
		emulation: em,
		creds:     creds,
		cancel:    stop,
	}, nil
}

// start performs the first Run on a chromedp context. The browser process and
// the tab event loop live as long as the context of that Run, so it must be
// chromeCtx itself; the caller ending first aborts the start through abort.
func start(chromeCtx, caller context.Context, abort func(), actions ...chromedp.Action) error {
	if err := caller.Err(); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		done <- chromedp.Run(chromeCtx, actions...)
	}()

	select {
	case err := <-done:
		return err
	case <-caller.Done():
		abort()
		<-done
		return caller.Err()
	}
}

type chromeContext struct {
	ctx       context.Context
	emulation Emulation
	creds     *proxy.BrowserProxy
	cancel    context.CancelFunc
}

func (c *chromeContext) NewPage(ctx context.Context) (Page, error) {
	tabCtx, cancel := chromedp.NewContext(c.ctx)
	page := &chromePage{ctx: tabCtx, cancel: cancel}

	em := c.emulation
	viewportOpts := []chromedp.EmulateViewportOption{chromedp.EmulateScale(em.Scale)}
	if em.Mobile {
		viewportOpts = append(viewportOpts, chromedp.EmulateMobile)
	}
	if em.Touch {
		viewportOpts = append(viewportOpts, chromedp.EmulateTouch)
	}

	actions := []chromedp.Action{
		emulation.SetUserAgentOverride(em.UserAgent),
		chromedp.EmulateViewport(em.Width, em.Height, viewportOpts...),
	}
	if c.creds != nil && c.creds.Username != "" {
		page.answerProxyAuth(c.creds)
		actions = append(actions, fetch.Enable().WithHandleAuthRequests(true))
	}

	if err := start(tabCtx, ctx, cancel, actions...); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to prepare page: %w", err)
	}

	return page, nil
}

// PID is the browser process id, 0 before the browser started
func (c *chromeContext) PID() int {
	if b := chromedp.FromContext(c.ctx).Browser; b != nil && b.Process() != nil {
		return b.Process().Pid
	}
	return 0
}

func (c *chromeContext) Close() error {
	c.cancel()
	return nil
}

type chromePage struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// answerProxyAuth continues paused requests and answers proxy auth challenges
func (p *chromePage) answerProxyAuth(creds *proxy.BrowserProxy) {
	chromedp.ListenTarget(p.ctx, func(ev interface{}) {
		switch e := ev.(type) {
		case *fetch.EventRequestPaused:
			go func() {
				_ = p.exec(fetch.ContinueRequest(e.RequestID))
			}()
		case *fetch.EventAuthRequired:
			go func() {
				_ = p.exec(fetch.ContinueWithAuth(e.RequestID, &fetch.AuthChallengeResponse{
					Response: fetch.AuthChallengeResponseResponseProvideCredentials,
					Username: creds.Username,
					Password: creds.Password,
				}))
			}()
		}
	})
}

func (p *chromePage) Intercept(ctx context.Context, match func(url string) bool, deliver func(body []byte)) error {
	var mu sync.Mutex
	watched := make(map[network.RequestID]bool)

	chromedp.ListenTarget(p.ctx, func(ev interface{}) {
		switch e := ev.(type) {
		case *network.EventResponseReceived:
			if e.Response != nil && match(e.Response.URL) {
				mu.Lock()
				watched[e.RequestID] = true
				mu.Unlock()
			}
		case *network.EventLoadingFinished:
			mu.Lock()
			ok := watched[e.RequestID]
			delete(watched, e.RequestID)
			mu.Unlock()
			if !ok {
				return
			}
			// Response bodies must be read outside the event handler
			go func(id network.RequestID) {
				body, err := network.GetResponseBody(id).Do(p.executor())
				if err == nil && len(body) > 0 {
					deliver(body)
				}
			}(e.RequestID)
		}
	})

	return p.run(ctx, network.Enable())
}

func (p *chromePage) SetCookies(ctx context.Context, cookies []models.Cookie) error {
	if len(cookies) == 0 {
		return nil
	}

	params := make([]*network.CookieParam, 0, len(cookies))
	for _, c := range cookies {
		domain := c.Domain
		if domain == "" {
			domain = ".youtube.com"
		}
		path := c.Path
		if path == "" {
			path = "/"
		}
		params = append(params, &network.CookieParam{
			Name:   c.Name,
			Value:  c.Value,
			Domain: domain,
			Path:   path,
			Secure: true,
		})
	}

	return p.run(ctx, network.SetCookies(params))
}

func (p *chromePage) Navigate(ctx context.Context, url string) error {
	return p.run(ctx, chromedp.Navigate(url))
}

func (p *chromePage) TranscriptFromDOM(ctx context.Context) (string, error) {
	var text string
	if err := p.run(ctx, chromedp.Evaluate(transcriptDOMScript, &text)); err != nil {
		return "", err
	}
	if text == blockedMarker {
		return "", ErrBlocked
	}
	return strings.TrimSpace(text), nil
}

func (p *chromePage) Close() error {
	p.cancel()
	return nil
}

// run executes actions on the started tab, honouring the caller's deadline and
// cancellation
func (p *chromePage) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, stop := mergeDeadline(p.ctx, ctx)
	defer stop()
	return chromedp.Run(runCtx, actions...)
}

func (p *chromePage) exec(action chromedp.Action) error {
	return action.Do(p.executor())
}

func (p *chromePage) executor() context.Context {
	c := chromedp.FromContext(p.ctx)
	return cdp.WithExecutor(p.ctx, c.Target)
}

// mergeDeadline derives a context from a chromedp context that also ends when
// caller ends. Only use it once the context's target exists: cancelling the
// context of a first Run closes the tab or browser it started.
func mergeDeadline(chromeCtx, caller context.Context) (context.Context, context.CancelFunc) {
	runCtx, cancel := context.WithCancel(chromeCtx)
	if dl, ok := caller.Deadline(); ok {
		var cancelDeadline context.CancelFunc
		runCtx, cancelDeadline = context.WithDeadline(runCtx, dl)
		prev := cancel
		cancel = func() {
			cancelDeadline()
			prev()
		}
	}
	stopAfter := context.AfterFunc(caller, cancel)
	return runCtx, func() {
		stopAfter()
		cancel()
	}
}

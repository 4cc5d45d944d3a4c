// Package app assembles the transcript pipeline from configuration for the
// worker and API binaries.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/therealutkarshpriyadarshi/transcript/internal/breaker"
	"github.com/therealutkarshpriyadarshi/transcript/internal/browser"
	"github.com/therealutkarshpriyadarshi/transcript/internal/cache"
	"github.com/therealutkarshpriyadarshi/transcript/internal/config"
	"github.com/therealutkarshpriyadarshi/transcript/internal/logging"
	"github.com/therealutkarshpriyadarshi/transcript/internal/media"
	"github.com/therealutkarshpriyadarshi/transcript/internal/metrics"
	"github.com/therealutkarshpriyadarshi/transcript/internal/pipeline"
	"github.com/therealutkarshpriyadarshi/transcript/internal/proxy"
	"github.com/therealutkarshpriyadarshi/transcript/internal/scheduler"
	"github.com/therealutkarshpriyadarshi/transcript/internal/strategy"
	"github.com/therealutkarshpriyadarshi/transcript/internal/stt"
	"github.com/therealutkarshpriyadarshi/transcript/internal/youtube"
)

// BrowserGuardName labels the browser guard in breaker views
const BrowserGuardName = "browser_guard"

// Pipeline is an orchestrator with the shared components it was built from
type Pipeline struct {
	Orchestrator *pipeline.Orchestrator
	Cache        *cache.Cache
	Proxies      *proxy.Manager

	browser     *strategy.BrowserInterception
	browserPool *browser.Pool
	cfg         *config.Config
}

// NewPipeline builds the strategies, shared state and orchestrator. A Redis
// outage degrades the cache to in-process only.
func NewPipeline(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*Pipeline, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	p := &Pipeline{cfg: cfg}

	cacheOpts := cache.Options{TTL: cfg.Cache.TTL, L1MaxEntries: cfg.Cache.L1MaxEntries}
	c, err := cache.NewCache(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB, cacheOpts)
	if err != nil {
		logger.WithError(err).Warn("Redis unavailable, using in-process cache only")
		c = cache.New(nil, cacheOpts)
	}
	p.Cache = c

	endpoints, err := proxy.LoadEndpoints(cfg.Proxy.Endpoints, cfg.Proxy.SecretFile)
	if err != nil {
		return nil, err
	}
	p.Proxies, err = proxy.NewManager(endpoints, proxy.Options{
		SessionTTL:       cfg.Proxy.SessionTTL,
		EndpointCooldown: cfg.Proxy.EndpointCooldown,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create proxy pool: %w", err)
	}
	logger.Infof("Proxy pool has %d endpoints", p.Proxies.Size())

	eps := strategy.Endpoints{
		BaseURL:         cfg.YouTube.BaseURL,
		ClientVersion:   cfg.YouTube.ClientVersion,
		DefaultLanguage: cfg.Pipeline.DefaultLanguage,
	}
	if cfg.YouTube.CookieFile != "" {
		cookies, err := youtube.LoadCookieFile(cfg.YouTube.CookieFile)
		if err != nil {
			return nil, err
		}
		eps.AmbientCookies = cookies
	}

	strategies := pipeline.Strategies{
		Captions:   strategy.NewCaptionsAPI(eps),
		DirectText: strategy.NewDirectText(eps),
	}

	if cfg.Browser.Enabled {
		p.browserPool = browser.NewPool(&browser.ChromeLauncher{
			ExecPath: cfg.Browser.ExecPath,
			Headless: cfg.Browser.Headless,
		}, browser.Options{
			MaxAge:        cfg.Browser.MaxContextAge,
			MaxUses:       cfg.Browser.MaxContextUses,
			MemoryLimitMB: cfg.Browser.MemoryLimitMB,
		}, logger)

		p.browser = strategy.NewBrowserInterception(eps, p.browserPool, strategy.BrowserOptions{
			InterceptTimeout: cfg.Browser.InterceptTimeout,
			DOMPollWindow:    cfg.Browser.DOMPollWindow,
			DOMPollInterval:  cfg.Browser.DOMPollInterval,
			GuardThreshold:   cfg.Browser.GuardThreshold,
			GuardCooldown:    cfg.Browser.GuardCooldown,
		})
		pipeline.ObserveBreakers(p.browser.Guard(), logger)
		strategies.Browser = p.browser
	}

	if cfg.ASR.Enabled {
		audio, err := newAudio(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		strategies.Audio = audio
	}

	plan := pipeline.DefaultPlan(strategies, pipeline.Timeouts{
		Captions:   cfg.Pipeline.CaptionsTimeout,
		DirectText: cfg.Pipeline.DirectTextTimeout,
		Browser:    cfg.Pipeline.BrowserTimeout,
	})

	breakers := breaker.NewRegistry(breaker.Settings{
		Threshold: cfg.Breaker.Threshold,
		Cooldown:  cfg.Breaker.Cooldown,
	})
	pipeline.ObserveBreakers(breakers, logger)

	p.Orchestrator = pipeline.New(pipeline.Config{
		GlobalBudget:    cfg.Pipeline.GlobalBudget,
		ASRBudget:       cfg.ASR.Budget,
		ProxyEnabled:    cfg.Pipeline.ProxyEnabled,
		CountNoCaptions: cfg.Breaker.CountNoCaptions,
		DefaultLanguage: cfg.Pipeline.DefaultLanguage,
	}, plan, pipeline.Deps{
		Cache:    p.Cache,
		Proxies:  p.Proxies,
		Breakers: breakers,
		Logger:   logger,
	})

	logger.Infof("Pipeline ready with %d steps", len(plan))
	return p, nil
}

func newAudio(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*strategy.AudioTranscription, error) {
	var transcriber stt.Transcriber
	switch cfg.ASR.Provider {
	case "gemini":
		g, err := stt.NewGemini(ctx, cfg.ASR.GeminiAPIKey, cfg.ASR.GeminiModel)
		if err != nil {
			return nil, err
		}
		transcriber = g
	case "http":
		if cfg.ASR.Endpoint == "" {
			return nil, errors.New("asr.endpoint is required for the http provider")
		}
		transcriber = stt.NewHTTP(cfg.ASR.Endpoint, cfg.ASR.APIKey, cfg.ASR.Budget)
	default:
		return nil, fmt.Errorf("unknown asr provider %q", cfg.ASR.Provider)
	}

	extractor := media.NewExtractor(media.Options{
		YtDlpPath:      cfg.ASR.YtDlpPath,
		FFmpegPath:     cfg.ASR.FFmpegPath,
		FFprobePath:    cfg.ASR.FFprobePath,
		TempDir:        cfg.ASR.TempDir,
		WatchURL:       cfg.YouTube.BaseURL + "/watch?v=",
		EgressCheckURL: cfg.ASR.EgressCheckURL,
	})

	opts := strategy.AudioOptions{Enabled: true, MaxDuration: cfg.ASR.MaxDuration}
	if cfg.YouTube.APIKey != "" {
		md, err := youtube.NewMetadata(ctx, cfg.YouTube.APIKey)
		if err != nil {
			return nil, err
		}
		opts.Metadata = md
	} else {
		logger.Warn("No YouTube API key, video durations come from yt-dlp only")
	}

	return strategy.NewAudioTranscription(extractor, transcriber, opts), nil
}

// BreakerStates returns every strategy breaker plus the browser guard
func (p *Pipeline) BreakerStates() map[string]breaker.State {
	states := p.Orchestrator.Breakers().Snapshot()
	if p.browser != nil {
		states[BrowserGuardName] = p.browser.Guard().State("browser")
	}
	return states
}

// MaintenanceTasks are the periodic chores of a running pipeline
func (p *Pipeline) MaintenanceTasks() []scheduler.Task {
	tasks := []scheduler.Task{
		{
			Name:     "cache-cleanup",
			Interval: p.cfg.Cache.CleanupInterval,
			Run: func(ctx context.Context) error {
				p.Cache.Cleanup()
				return nil
			},
		},
		{
			Name:     "proxy-sweep",
			Interval: time.Minute,
			Run: func(ctx context.Context) error {
				p.Proxies.Sweep()
				metrics.UpdateProxySessions(p.Proxies.ActiveSessions())
				return nil
			},
		},
	}

	if p.browserPool != nil {
		tasks = append(tasks, scheduler.Task{
			Name:     "browser-stats",
			Interval: 15 * time.Second,
			Run: func(ctx context.Context) error {
				idle, inUse := p.browserPool.Stats()
				metrics.UpdateBrowserContexts(idle, inUse)
				return nil
			},
		})
	}

	return tasks
}

// Close releases browsers and the cache connection
func (p *Pipeline) Close() error {
	var errs []error
	if p.browserPool != nil {
		errs = append(errs, p.browserPool.Close())
	}
	errs = append(errs, p.Cache.Close())
	return errors.Join(errs...)
}

// Package pipeline runs the transcript strategies in their fixed order and
// turns whatever happens into a TranscriptResult.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opentracing/opentracing-go"

	"github.com/therealutkarshpriyadarshi/transcript/internal/breaker"
	"github.com/therealutkarshpriyadarshi/transcript/internal/logging"
	"github.com/therealutkarshpriyadarshi/transcript/internal/metrics"
	"github.com/therealutkarshpriyadarshi/transcript/internal/proxy"
	"github.com/therealutkarshpriyadarshi/transcript/internal/strategy"
	"github.com/therealutkarshpriyadarshi/transcript/internal/tracing"
	"github.com/therealutkarshpriyadarshi/transcript/pkg/models"
)

const cacheWriteTimeout = 2 * time.Second

// TranscriptCache stores successful results by video and language
type TranscriptCache interface {
	Get(ctx context.Context, videoID, lang string) (*models.TranscriptResult, error)
	Put(ctx context.Context, videoID, lang string, result *models.TranscriptResult) error
}

// ProxyPool hands out sticky proxy sessions
type ProxyPool interface {
	Enabled() bool
	GetSession(videoID string) proxy.Session
	RotateOnce(videoID string) (proxy.Session, error)
	ResetRotation(videoID string)
}

// Config holds the orchestrator budgets and switches
type Config struct {
	GlobalBudget    time.Duration
	ASRBudget       time.Duration
	ProxyEnabled    bool
	CountNoCaptions bool
	DefaultLanguage string
}

// Deps are the shared components an orchestrator works with. Cache and
// Proxies may be nil.
type Deps struct {
	Cache    TranscriptCache
	Proxies  ProxyPool
	Breakers *breaker.Registry
	Logger   *logging.Logger
}

// Orchestrator acquires transcripts. It is safe for concurrent use; all shared
// state lives in the cache, proxy pool and breaker registry.
type Orchestrator struct {
	cfg      Config
	groups   [][]Step
	cache    TranscriptCache
	proxies  ProxyPool
	breakers *breaker.Registry
	logger   *logging.Logger
	now      func() time.Time
}

// New creates an orchestrator over plan
func New(cfg Config, plan []Step, deps Deps) *Orchestrator {
	if cfg.GlobalBudget <= 0 {
		cfg.GlobalBudget = 45 * time.Second
	}
	if cfg.ASRBudget <= 0 {
		cfg.ASRBudget = 120 * time.Second
	}
	if cfg.DefaultLanguage == "" {
		cfg.DefaultLanguage = "en"
	}
	if deps.Logger == nil {
		deps.Logger = logging.Nop()
	}
	if deps.Breakers == nil {
		deps.Breakers = breaker.NewRegistry(breaker.Settings{})
		ObserveBreakers(deps.Breakers, deps.Logger)
	}

	return &Orchestrator{
		cfg:      cfg,
		groups:   group(plan),
		cache:    deps.Cache,
		proxies:  deps.Proxies,
		breakers: deps.Breakers,
		logger:   deps.Logger,
		now:      time.Now,
	}
}

// ObserveBreakers logs and counts every state change of reg. Call it once per
// registry, from whoever creates it.
func ObserveBreakers(reg *breaker.Registry, logger *logging.Logger) {
	if logger == nil {
		logger = logging.Nop()
	}
	reg.OnTransition(func(tr breaker.Transition) {
		logger.LogBreakerTransition(tr.Strategy, string(tr.From), string(tr.To))
		metrics.RecordBreakerTransition(tr.Strategy, string(tr.To))
	})
}

// Breakers returns the per-strategy breaker registry
func (o *Orchestrator) Breakers() *breaker.Registry {
	return o.breakers
}

// run is the state of one Acquire call
type run struct {
	req      *models.TranscriptRequest
	start    time.Time
	attempts models.Attempts
}

// Acquire returns a transcript for req. It never fails: when every strategy is
// exhausted or skipped it returns the unavailable sentinel. It returns within
// the global budget, plus the ASR budget when audio transcription runs.
func (o *Orchestrator) Acquire(ctx context.Context, req *models.TranscriptRequest) (result models.TranscriptResult) {
	r := *req
	if r.Language == "" {
		r.Language = o.cfg.DefaultLanguage
	}
	state := &run{req: &r, start: o.now()}

	defer func() {
		if p := recover(); p != nil {
			o.logger.WithVideoID(r.VideoID).Errorf("pipeline panic: %v", p)
			metrics.RecordError("pipeline", "panic")
			result = models.Unavailable(&r, state.attempts, o.now().Sub(state.start))
		}
	}()

	span, ctx := tracing.StartSpan(ctx, "transcript.acquire")
	defer tracing.FinishSpan(span)
	tracing.SetTag(span, "video_id", r.VideoID)
	tracing.SetTag(span, "language", r.Language)

	budgetCtx, cancel := context.WithTimeout(ctx, o.cfg.GlobalBudget)
	defer cancel()

	if cached := o.lookup(budgetCtx, &r); cached != nil {
		cached.FromCache = true
		cached.Elapsed = o.now().Sub(state.start)
		tracing.SetTag(span, "source", string(cached.Source))
		tracing.SetTag(span, "from_cache", true)
		o.logger.LogResult(*cached)
		return *cached
	}

	if o.proxyAllowed(&r) {
		o.proxies.ResetRotation(r.VideoID)
	}

	for _, steps := range o.groups {
		text, source, ok := o.runGroup(ctx, budgetCtx, state, steps)
		if !ok {
			continue
		}

		result = models.TranscriptResult{
			VideoID:   r.VideoID,
			Language:  r.Language,
			Text:      text,
			Source:    source,
			Attempts:  state.attempts,
			Elapsed:   o.now().Sub(state.start),
			CreatedAt: o.now(),
		}
		o.store(ctx, &result)
		return o.finish(span, result)
	}

	return o.finish(span, models.Unavailable(&r, state.attempts, o.now().Sub(state.start)))
}

func (o *Orchestrator) finish(span opentracing.Span, result models.TranscriptResult) models.TranscriptResult {
	tracing.SetTag(span, "source", string(result.Source))
	tracing.SetTag(span, "attempts", len(result.Attempts))
	metrics.RecordAcquisition(string(result.Source), result.Elapsed.Seconds())
	o.logger.LogResult(result)
	return result
}

func (o *Orchestrator) lookup(ctx context.Context, req *models.TranscriptRequest) *models.TranscriptResult {
	if o.cache == nil {
		return nil
	}

	cached, err := o.cache.Get(ctx, req.VideoID, req.Language)
	if err != nil {
		o.logger.WithVideoID(req.VideoID).WithError(err).Warn("Cache lookup failed")
		metrics.RecordError("cache", "get")
		return nil
	}
	if cached == nil || !cached.Available() {
		return nil
	}
	return cached
}

func (o *Orchestrator) store(ctx context.Context, result *models.TranscriptResult) {
	if o.cache == nil {
		return
	}

	// detached from the caller so a cancelled request still populates the cache
	putCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cacheWriteTimeout)
	defer cancel()

	if err := o.cache.Put(putCtx, result.VideoID, result.Language, result); err != nil {
		o.logger.WithVideoID(result.VideoID).WithError(err).Warn("Cache write failed")
		metrics.RecordError("cache", "put")
	}
}

// proxyAllowed reports whether proxied steps may run for this request
func (o *Orchestrator) proxyAllowed(req *models.TranscriptRequest) bool {
	return o.cfg.ProxyEnabled && req.AllowProxy && o.proxies != nil && o.proxies.Enabled()
}

// runGroup runs the variants of one strategy name under a single breaker
// trial. It reports done once, healthy when any variant succeeded or no
// variant produced a counted failure.
func (o *Orchestrator) runGroup(parent, budgetCtx context.Context, state *run, steps []Step) (string, models.Source, bool) {
	name := steps[0].Strategy.Name()

	var done func(bool)
	gated := false
	counted := false
	defer func() {
		if done != nil {
			done(!counted)
		}
	}()

	for _, step := range steps {
		ctx := budgetCtx
		if step.OwnBudget {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(parent, o.cfg.ASRBudget)
			defer cancel()
		}
		if ctx.Err() != nil {
			continue
		}

		session, ok := o.session(state.req, step.Proxy)
		if !ok {
			continue
		}

		if !gated {
			gated = true
			if gate, isGate := step.Strategy.(strategy.Gate); isGate {
				if eligible, reason := gate.Eligible(ctx, state.req); !eligible {
					o.skip(state, name, step, reason)
					return "", "", false
				}
			}
		}

		if done == nil {
			var err error
			done, err = o.breakers.Allow(string(name))
			if err != nil {
				o.logger.WithVideoID(state.req.VideoID).WithStrategy(string(name)).Debug("Breaker open, skipping strategy")
				o.skip(state, name, step, err.Error())
				return "", "", false
			}
		}

		opts := strategy.Options{Proxy: session, Profile: step.Profile}
		for {
			res := o.attempt(ctx, state, name, step, opts)
			if res.Outcome == models.OutcomeSuccess {
				counted = false
				return res.Text, name, true
			}
			if o.countsAsFailure(res.Outcome) {
				counted = true
			}

			if !opts.Proxied() || !rotates(res.Outcome) || ctx.Err() != nil {
				break
			}
			rotated, err := o.proxies.RotateOnce(state.req.VideoID)
			if err != nil {
				break
			}
			opts.Proxy = rotated
		}
	}

	return "", "", false
}

// session resolves the proxy session a step runs with. ok is false when the
// step needs a proxy that is not available.
func (o *Orchestrator) session(req *models.TranscriptRequest, mode ProxyMode) (proxy.Session, bool) {
	switch mode {
	case Proxied:
		if !o.proxyAllowed(req) {
			return proxy.Session{}, false
		}
		s := o.proxies.GetSession(req.VideoID)
		return s, !s.Empty()
	case Auto:
		if !o.proxyAllowed(req) {
			return proxy.Session{VideoID: req.VideoID}, true
		}
		return o.proxies.GetSession(req.VideoID), true
	default:
		return proxy.Session{VideoID: req.VideoID}, true
	}
}

func (o *Orchestrator) countsAsFailure(outcome models.Outcome) bool {
	if outcome == models.OutcomeNoCaptions {
		return o.cfg.CountNoCaptions
	}
	return outcome.IsFailure()
}

// rotates reports whether a proxied failure warrants a different endpoint
func rotates(outcome models.Outcome) bool {
	switch outcome {
	case models.OutcomeBlocked, models.OutcomeTimeout, models.OutcomeNetworkError:
		return true
	default:
		return false
	}
}

// attempt runs one strategy invocation under the step timeout and records it
func (o *Orchestrator) attempt(ctx context.Context, state *run, name models.Source, step Step, opts strategy.Options) strategy.Result {
	span, ctx := tracing.StartSpan(ctx, "strategy."+string(name))
	defer tracing.FinishSpan(span)

	started := o.now()
	res := invoke(ctx, step, state.req, opts)
	a := o.record(state, name, res, opts, o.now().Sub(started))
	tracing.TagAttempt(span, a)

	return res
}

// invoke calls the strategy in its own goroutine so that a strategy ignoring
// its context still cannot hold the pipeline past the attempt deadline
func invoke(ctx context.Context, step Step, req *models.TranscriptRequest, opts strategy.Options) (res strategy.Result) {
	attemptCtx, cancel := ctx, context.CancelFunc(func() {})
	if step.Timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, step.Timeout)
	}
	defer cancel()

	resCh := make(chan strategy.Result, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				resCh <- strategy.Failure(fmt.Errorf("strategy panic: %v", p))
			}
		}()
		resCh <- step.Strategy.Attempt(attemptCtx, req, opts)
	}()

	select {
	case res = <-resCh:
	case <-attemptCtx.Done():
		select {
		case res = <-resCh:
		default:
			res = strategy.Failure(fmt.Errorf("attempt abandoned: %w", attemptCtx.Err()))
		}
	}

	if res.Outcome == models.OutcomeSuccess && res.Text == "" {
		res = strategy.Success("")
	}
	if res.Outcome == "" {
		res = strategy.Failure(errors.New("strategy returned no outcome"))
	}
	return res
}

func (o *Orchestrator) skip(state *run, name models.Source, step Step, reason string) {
	o.record(state, name, strategy.Result{
		Outcome: models.OutcomeSkipped,
		Err:     errors.New(reason),
	}, strategy.Options{Profile: step.Profile}, 0)
}

func (o *Orchestrator) record(state *run, name models.Source, res strategy.Result, opts strategy.Options, elapsed time.Duration) models.Attempt {
	a := models.Attempt{
		VideoID:       state.req.VideoID,
		Strategy:      name,
		Outcome:       res.Outcome,
		AttemptNumber: len(state.attempts) + 1,
		ElapsedMS:     elapsed.Milliseconds(),
		ProxyUsed:     opts.Proxied(),
		Profile:       string(opts.Profile),
	}
	if res.Err != nil && res.Outcome != models.OutcomeSuccess {
		a.Error = res.Err.Error()
	}

	state.attempts = append(state.attempts, a)
	o.logger.LogAttempt(a)
	metrics.RecordAttempt(string(name), string(res.Outcome), a.ProxyUsed, elapsed.Seconds())

	return a
}

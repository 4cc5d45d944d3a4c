package pipeline

import (
	"time"

	"github.com/therealutkarshpriyadarshi/transcript/internal/browser"
	"github.com/therealutkarshpriyadarshi/transcript/internal/strategy"
)

// ProxyMode says whether a step runs through the proxy pool
type ProxyMode int

const (
	// Direct never uses a proxy
	Direct ProxyMode = iota
	// Proxied runs only when proxies are enabled for the request
	Proxied
	// Auto uses a proxy when one is available and runs directly otherwise
	Auto
)

func (m ProxyMode) String() string {
	switch m {
	case Proxied:
		return "proxied"
	case Auto:
		return "auto"
	default:
		return "direct"
	}
}

// Step is one entry of the fixed strategy order
type Step struct {
	Strategy strategy.Strategy
	Proxy    ProxyMode
	Profile  browser.Profile
	// Timeout bounds a single attempt; zero means the surrounding budget only
	Timeout time.Duration
	// OwnBudget steps run under the ASR budget instead of the global budget
	OwnBudget bool
}

// Strategies are the implementations a plan is built from. A nil entry drops
// its steps from the plan.
type Strategies struct {
	Captions   strategy.Strategy
	DirectText strategy.Strategy
	Browser    strategy.Strategy
	Audio      strategy.Strategy
}

// Timeouts are the per-attempt limits of the non-audio steps
type Timeouts struct {
	Captions   time.Duration
	DirectText time.Duration
	Browser    time.Duration
}

// DefaultPlan returns the fixed order: captions, direct text without and with
// proxy, browser desktop and mobile each without and with proxy, then audio.
func DefaultPlan(s Strategies, t Timeouts) []Step {
	var plan []Step

	if s.Captions != nil {
		plan = append(plan, Step{Strategy: s.Captions, Proxy: Direct, Timeout: t.Captions})
	}

	if s.DirectText != nil {
		plan = append(plan,
			Step{Strategy: s.DirectText, Proxy: Direct, Timeout: t.DirectText},
			Step{Strategy: s.DirectText, Proxy: Proxied, Timeout: t.DirectText},
		)
	}

	if s.Browser != nil {
		for _, profile := range []browser.Profile{browser.ProfileDesktop, browser.ProfileMobile} {
			plan = append(plan,
				Step{Strategy: s.Browser, Proxy: Direct, Profile: profile, Timeout: t.Browser},
				Step{Strategy: s.Browser, Proxy: Proxied, Profile: profile, Timeout: t.Browser},
			)
		}
	}

	if s.Audio != nil {
		plan = append(plan, Step{Strategy: s.Audio, Proxy: Auto, OwnBudget: true})
	}

	return plan
}

// group collects the contiguous steps that share a strategy name. The breaker
// is consulted once per group.
func group(plan []Step) [][]Step {
	var groups [][]Step
	for _, step := range plan {
		n := len(groups)
		if n > 0 && groups[n-1][0].Strategy.Name() == step.Strategy.Name() {
			groups[n-1] = append(groups[n-1], step)
			continue
		}
		groups = append(groups, []Step{step})
	}
	return groups
}

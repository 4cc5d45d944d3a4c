// Package breaker gates strategies that keep failing. Each strategy name owns one
// closed -> open -> half_open state machine backed by sony/gobreaker.
package breaker

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// State is the externally visible breaker state
type State string

// State constants
const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// ErrOpen is returned by Allow while a breaker rejects calls
var ErrOpen = errors.New("circuit breaker open")

// Transition describes a state change of one breaker
type Transition struct {
	Strategy string
	From     State
	To       State
}

// Settings configures every breaker in a registry
type Settings struct {
	Threshold int
	Cooldown  time.Duration
}

// Registry holds one breaker per strategy name, created on first use
type Registry struct {
	settings Settings

	mu       sync.RWMutex
	breakers map[string]*gobreaker.TwoStepCircuitBreaker

	listenersMu sync.RWMutex
	listeners   []func(Transition)
}

// NewRegistry creates an empty registry
func NewRegistry(settings Settings) *Registry {
	if settings.Threshold <= 0 {
		settings.Threshold = 3
	}
	if settings.Cooldown <= 0 {
		settings.Cooldown = 10 * time.Minute
	}

	return &Registry{
		settings: settings,
		breakers: make(map[string]*gobreaker.TwoStepCircuitBreaker),
	}
}

// OnTransition registers a listener for state changes.
// Listeners run synchronously and must not call back into the registry.
func (r *Registry) OnTransition(fn func(Transition)) {
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// Allow asks whether a strategy may run. On success the caller must invoke done
// exactly once with the outcome of the guarded work.
func (r *Registry) Allow(strategy string) (func(success bool), error) {
	done, err := r.get(strategy).Allow()
	if err != nil {
		// ErrTooManyRequests means a half-open trial is already in flight
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, ErrOpen
		}
		return nil, err
	}
	return done, nil
}

// State returns the current state of a strategy's breaker.
// An open breaker whose cooldown elapsed reports half_open.
func (r *Registry) State(strategy string) State {
	return convert(r.get(strategy).State())
}

// Snapshot returns the state of every breaker seen so far
func (r *Registry) Snapshot() map[string]State {
	r.mu.RLock()
	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	r.mu.RUnlock()

	sort.Strings(names)
	out := make(map[string]State, len(names))
	for _, name := range names {
		out[name] = r.State(name)
	}
	return out
}

// ConsecutiveFailures returns the current failure streak of a strategy
func (r *Registry) ConsecutiveFailures(strategy string) int {
	return int(r.get(strategy).Counts().ConsecutiveFailures)
}

func (r *Registry) get(strategy string) *gobreaker.TwoStepCircuitBreaker {
	r.mu.RLock()
	cb, exists := r.breakers[strategy]
	r.mu.RUnlock()

	if exists {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check after acquiring write lock
	if cb, exists = r.breakers[strategy]; exists {
		return cb
	}

	threshold := uint32(r.settings.Threshold)
	cb = gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        strategy,
		MaxRequests: 1,
		Timeout:     r.settings.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: r.emit,
	})
	r.breakers[strategy] = cb
	return cb
}

func (r *Registry) emit(name string, from, to gobreaker.State) {
	t := Transition{Strategy: name, From: convert(from), To: convert(to)}

	r.listenersMu.RLock()
	defer r.listenersMu.RUnlock()
	for _, fn := range r.listeners {
		fn(t)
	}
}

func convert(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

package breaker

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fail(t *testing.T, r *Registry, name string) {
	t.Helper()
	done, err := r.Allow(name)
	require.NoError(t, err)
	done(false)
}

func succeed(t *testing.T, r *Registry, name string) {
	t.Helper()
	done, err := r.Allow(name)
	require.NoError(t, err)
	done(true)
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	r := NewRegistry(Settings{Threshold: 3, Cooldown: time.Minute})

	fail(t, r, "captions_api")
	fail(t, r, "captions_api")
	assert.Equal(t, StateClosed, r.State("captions_api"))
	assert.Equal(t, 2, r.ConsecutiveFailures("captions_api"))

	fail(t, r, "captions_api")
	assert.Equal(t, StateOpen, r.State("captions_api"))

	_, err := r.Allow("captions_api")
	assert.ErrorIs(t, err, ErrOpen)

	// Other strategies are unaffected
	assert.Equal(t, StateClosed, r.State("direct_text"))
}

func TestSuccessResetsCounter(t *testing.T) {
	r := NewRegistry(Settings{Threshold: 3, Cooldown: time.Minute})

	fail(t, r, "browser_interception")
	fail(t, r, "browser_interception")
	succeed(t, r, "browser_interception")
	fail(t, r, "browser_interception")
	fail(t, r, "browser_interception")

	assert.Equal(t, StateClosed, r.State("browser_interception"))
}

func TestHalfOpenTrial(t *testing.T) {
	r := NewRegistry(Settings{Threshold: 1, Cooldown: 50 * time.Millisecond})

	fail(t, r, "direct_text")
	assert.Equal(t, StateOpen, r.State("direct_text"))

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, r.State("direct_text"))

	done, err := r.Allow("direct_text")
	require.NoError(t, err)

	// Only one trial at a time while half-open
	_, err = r.Allow("direct_text")
	assert.ErrorIs(t, err, ErrOpen)

	done(true)
	assert.Equal(t, StateClosed, r.State("direct_text"))
}

func TestHalfOpenFailureReopens(t *testing.T) {
	r := NewRegistry(Settings{Threshold: 1, Cooldown: 50 * time.Millisecond})

	fail(t, r, "direct_text")
	time.Sleep(80 * time.Millisecond)

	fail(t, r, "direct_text")
	assert.Equal(t, StateOpen, r.State("direct_text"))

	// Cooldown restarted
	_, err := r.Allow("direct_text")
	assert.ErrorIs(t, err, ErrOpen)
}

func TestTransitionEvents(t *testing.T) {
	r := NewRegistry(Settings{Threshold: 2, Cooldown: 50 * time.Millisecond})

	var mu sync.Mutex
	var events []Transition
	r.OnTransition(func(tr Transition) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, tr)
	})

	fail(t, r, "captions_api")
	fail(t, r, "captions_api")
	time.Sleep(80 * time.Millisecond)
	succeed(t, r, "captions_api")

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 3)
	assert.Equal(t, Transition{Strategy: "captions_api", From: StateClosed, To: StateOpen}, events[0])
	assert.Equal(t, Transition{Strategy: "captions_api", From: StateOpen, To: StateHalfOpen}, events[1])
	assert.Equal(t, Transition{Strategy: "captions_api", From: StateHalfOpen, To: StateClosed}, events[2])
}

func TestSnapshot(t *testing.T) {
	r := NewRegistry(Settings{Threshold: 1, Cooldown: time.Minute})

	succeed(t, r, "captions_api")
	fail(t, r, "direct_text")

	snap := r.Snapshot()
	assert.Equal(t, map[string]State{
		"captions_api": StateClosed,
		"direct_text":  StateOpen,
	}, snap)
}

func TestConcurrentAccess(t *testing.T) {
	r := NewRegistry(Settings{Threshold: 1000, Cooldown: time.Minute})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			done, err := r.Allow("shared")
			if err != nil {
				return
			}
			done(i%2 == 0)
			_ = r.State("shared")
		}(i)
	}
	wg.Wait()

	assert.Equal(t, StateClosed, r.State("shared"))
}

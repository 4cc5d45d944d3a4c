// Package browser pools headless browser contexts for the interception strategy.
//
// The pool is an arena of slots addressed by index. A slot is checked out by one
// attempt at a time and returned on every exit path. Contexts are evicted when
// they get too old, have served too many attempts, or when the resident memory
// of the pooled browser processes crosses a limit; a slot in use is only marked
// and is closed on checkin.
package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/therealutkarshpriyadarshi/transcript/internal/logging"
	"github.com/therealutkarshpriyadarshi/transcript/internal/metrics"
	"github.com/therealutkarshpriyadarshi/transcript/internal/proxy"
)

var (
	// ErrPoolClosed is returned by Checkout after Close
	ErrPoolClosed = errors.New("browser pool closed")
	// ErrBlocked is returned when a page shows a bot check
	ErrBlocked = errors.New("browser page blocked by bot check")
)

// Eviction reasons
const (
	EvictAge     = "age"
	EvictUses    = "uses"
	EvictMemory  = "memory"
	EvictBroken  = "broken"
	EvictClosing = "closing"
)

// Options configures the pool eviction policy
type Options struct {
	MaxAge        time.Duration
	MaxUses       int
	MemoryLimitMB int
}

type slot struct {
	key     Key
	ctx     Context
	created time.Time
	uses    int
	inUse   bool
	retire  string // non-empty once the slot must not be reused
}

// Pool is an arena of browser contexts keyed by profile and proxy
type Pool struct {
	launcher Launcher
	opts     Options
	logger   *logging.Logger

	mu     sync.Mutex
	slots  []*slot // nil entries are free
	free   []int
	closed bool

	now         func() time.Time
	memoryUsage func(pids []int) uint64
}

// NewPool creates an empty pool
func NewPool(launcher Launcher, opts Options, logger *logging.Logger) *Pool {
	if opts.MaxAge <= 0 {
		opts.MaxAge = 30 * time.Minute
	}
	if opts.MaxUses <= 0 {
		opts.MaxUses = 20
	}
	if logger == nil {
		logger = logging.Nop()
	}

	return &Pool{
		launcher:    launcher,
		opts:        opts,
		logger:      logger,
		now:         time.Now,
		memoryUsage: browserMemory,
	}
}

// Lease is a checked-out browser context. Release must be called exactly once;
// further calls are no-ops.
type Lease struct {
	Context Context

	pool   *Pool
	index  int
	broken bool
	once   sync.Once
}

// Discard marks the context as unusable so it is closed on release
func (l *Lease) Discard() {
	l.broken = true
}

// Release returns the context to the pool
func (l *Lease) Release() {
	l.once.Do(func() {
		l.pool.checkin(l.index, l.broken)
	})
}

// Checkout returns an idle context for key, launching one if needed
func (p *Pool) Checkout(ctx context.Context, key Key, creds *proxy.BrowserProxy) (*Lease, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}

	stale := p.evictLocked()

	for i, s := range p.slots {
		if s == nil || s.inUse || s.retire != "" || s.key != key {
			continue
		}
		s.inUse = true
		s.uses++
		p.updateGaugesLocked()
		p.mu.Unlock()
		closeAll(stale)
		return &Lease{Context: s.ctx, pool: p, index: i}, nil
	}
	p.mu.Unlock()
	closeAll(stale)

	bctx, err := p.launcher.Launch(ctx, key, creds)
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser context: %w", err)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = bctx.Close()
		return nil, ErrPoolClosed
	}

	s := &slot{key: key, ctx: bctx, created: p.now(), uses: 1, inUse: true}
	var index int
	if n := len(p.free); n > 0 {
		index = p.free[n-1]
		p.free = p.free[:n-1]
		p.slots[index] = s
	} else {
		index = len(p.slots)
		p.slots = append(p.slots, s)
	}
	p.updateGaugesLocked()
	p.mu.Unlock()

	p.logger.WithFields(map[string]interface{}{
		"profile": string(key.Profile),
		"proxied": key.ProxyServer != "",
		"slot":    index,
	}).Debug("Browser context launched")

	return &Lease{Context: bctx, pool: p, index: index}, nil
}

func (p *Pool) checkin(index int, broken bool) {
	p.mu.Lock()
	s := p.slots[index]
	if s == nil {
		p.mu.Unlock()
		return
	}
	s.inUse = false

	if broken && s.retire == "" {
		s.retire = EvictBroken
	}
	if s.retire == "" {
		s.retire = p.reasonLocked(s)
	}
	if p.closed && s.retire == "" {
		s.retire = EvictClosing
	}

	var stale []Context
	if s.retire != "" {
		stale = append(stale, p.removeLocked(index))
	}
	p.updateGaugesLocked()
	p.mu.Unlock()

	closeAll(stale)
}

// evictLocked retires every slot that violates the policy. Idle slots are removed
// and returned for closing; slots in use are marked and closed on checkin.
func (p *Pool) evictLocked() []Context {
	var stale []Context
	pressure := p.underPressure()

	for i, s := range p.slots {
		if s == nil || s.retire != "" {
			continue
		}
		reason := p.reasonLocked(s)
		if reason == "" && pressure {
			reason = EvictMemory
		}
		if reason == "" {
			continue
		}
		s.retire = reason
		if !s.inUse {
			stale = append(stale, p.removeLocked(i))
		}
	}
	return stale
}

func (p *Pool) reasonLocked(s *slot) string {
	switch {
	case p.now().Sub(s.created) > p.opts.MaxAge:
		return EvictAge
	case s.uses >= p.opts.MaxUses:
		return EvictUses
	default:
		return ""
	}
}

func (p *Pool) removeLocked(index int) Context {
	s := p.slots[index]
	p.slots[index] = nil
	p.free = append(p.free, index)
	metrics.RecordBrowserEviction(s.retire)
	return s.ctx
}

func (p *Pool) underPressure() bool {
	if p.opts.MemoryLimitMB <= 0 || p.memoryUsage == nil {
		return false
	}
	var pids []int
	for _, s := range p.slots {
		if s == nil {
			continue
		}
		if pid := s.ctx.PID(); pid > 0 {
			pids = append(pids, pid)
		}
	}
	return p.memoryUsage(pids) > uint64(p.opts.MemoryLimitMB)*1024*1024
}

func (p *Pool) updateGaugesLocked() {
	idle, inUse := p.statsLocked()
	metrics.UpdateBrowserContexts(idle, inUse)
}

func (p *Pool) statsLocked() (idle, inUse int) {
	for _, s := range p.slots {
		if s == nil {
			continue
		}
		if s.inUse {
			inUse++
		} else {
			idle++
		}
	}
	return idle, inUse
}

// Stats returns the number of idle and checked-out contexts
func (p *Pool) Stats() (idle, inUse int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statsLocked()
}

// Close closes every idle context. Contexts in use are closed when released.
func (p *Pool) Close() error {
	p.mu.Lock()
	p.closed = true
	var stale []Context
	for i, s := range p.slots {
		if s == nil {
			continue
		}
		s.retire = EvictClosing
		if !s.inUse {
			stale = append(stale, p.removeLocked(i))
		}
	}
	p.updateGaugesLocked()
	p.mu.Unlock()

	return closeAll(stale)
}

func closeAll(contexts []Context) error {
	var errs []error
	for _, c := range contexts {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

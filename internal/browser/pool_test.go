package browser

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/therealutkarshpriyadarshi/transcript/internal/proxy"
)

type fakeContext struct {
	key    Key
	pid    int
	closed atomic.Bool
}

func (c *fakeContext) NewPage(ctx context.Context) (Page, error) { return nil, errors.New("not used") }

func (c *fakeContext) PID() int { return c.pid }

func (c *fakeContext) Close() error {
	c.closed.Store(true)
	return nil
}

type fakeLauncher struct {
	mu       sync.Mutex
	launched []*fakeContext
	creds    []*proxy.BrowserProxy
	err      error
}

func (l *fakeLauncher) Launch(ctx context.Context, key Key, creds *proxy.BrowserProxy) (Context, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	c := &fakeContext{key: key, pid: 4000 + len(l.launched)}
	l.launched = append(l.launched, c)
	l.creds = append(l.creds, creds)
	return c, nil
}

func (l *fakeLauncher) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.launched)
}

var desktop = Key{Profile: ProfileDesktop}

func TestPoolReusesContext(t *testing.T) {
	launcher := &fakeLauncher{}
	pool := NewPool(launcher, Options{MaxAge: time.Hour, MaxUses: 10}, nil)
	ctx := context.Background()

	lease, err := pool.Checkout(ctx, desktop, nil)
	require.NoError(t, err)
	first := lease.Context
	lease.Release()

	lease, err = pool.Checkout(ctx, desktop, nil)
	require.NoError(t, err)
	assert.Same(t, first, lease.Context)
	lease.Release()

	assert.Equal(t, 1, launcher.count())
}

func TestPoolSeparatesKeys(t *testing.T) {
	launcher := &fakeLauncher{}
	pool := NewPool(launcher, Options{}, nil)
	ctx := context.Background()

	creds := &proxy.BrowserProxy{Server: "http://p:1", Username: "u", Password: "p"}
	a, err := pool.Checkout(ctx, desktop, nil)
	require.NoError(t, err)
	b, err := pool.Checkout(ctx, Key{Profile: ProfileMobile}, nil)
	require.NoError(t, err)
	c, err := pool.Checkout(ctx, Key{Profile: ProfileDesktop, ProxyServer: creds.Server}, creds)
	require.NoError(t, err)

	assert.Equal(t, 3, launcher.count())
	assert.Equal(t, creds, launcher.creds[2])

	idle, inUse := pool.Stats()
	assert.Equal(t, 0, idle)
	assert.Equal(t, 3, inUse)

	a.Release()
	b.Release()
	c.Release()

	idle, inUse = pool.Stats()
	assert.Equal(t, 3, idle)
	assert.Equal(t, 0, inUse)
}

func TestPoolBusyContextNotShared(t *testing.T) {
	launcher := &fakeLauncher{}
	pool := NewPool(launcher, Options{}, nil)
	ctx := context.Background()

	a, err := pool.Checkout(ctx, desktop, nil)
	require.NoError(t, err)
	b, err := pool.Checkout(ctx, desktop, nil)
	require.NoError(t, err)

	assert.NotSame(t, a.Context, b.Context)
	a.Release()
	b.Release()
}

func TestPoolEvictsByUses(t *testing.T) {
	launcher := &fakeLauncher{}
	pool := NewPool(launcher, Options{MaxUses: 2, MaxAge: time.Hour}, nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		lease, err := pool.Checkout(ctx, desktop, nil)
		require.NoError(t, err)
		lease.Release()
	}

	assert.True(t, launcher.launched[0].closed.Load())

	lease, err := pool.Checkout(ctx, desktop, nil)
	require.NoError(t, err)
	lease.Release()
	assert.Equal(t, 2, launcher.count())
}

func TestPoolEvictsByAgeWithoutInterruptingUse(t *testing.T) {
	launcher := &fakeLauncher{}
	pool := NewPool(launcher, Options{MaxAge: time.Minute, MaxUses: 100}, nil)
	ctx := context.Background()

	now := time.Now()
	pool.now = func() time.Time { return now }

	held, err := pool.Checkout(ctx, desktop, nil)
	require.NoError(t, err)

	pool.now = func() time.Time { return now.Add(2 * time.Minute) }

	// A checkout for another key runs eviction while the old context is busy
	other, err := pool.Checkout(ctx, Key{Profile: ProfileMobile}, nil)
	require.NoError(t, err)
	assert.False(t, launcher.launched[0].closed.Load())

	held.Release()
	assert.True(t, launcher.launched[0].closed.Load())
	other.Release()
}

func TestPoolEvictsUnderMemoryPressure(t *testing.T) {
	launcher := &fakeLauncher{}
	pool := NewPool(launcher, Options{MaxAge: time.Hour, MaxUses: 100, MemoryLimitMB: 100}, nil)
	ctx := context.Background()

	lease, err := pool.Checkout(ctx, desktop, nil)
	require.NoError(t, err)
	lease.Release()

	var measured []int
	pool.memoryUsage = func(pids []int) uint64 {
		measured = append([]int(nil), pids...)
		return 200 * 1024 * 1024
	}

	lease, err = pool.Checkout(ctx, desktop, nil)
	require.NoError(t, err)
	assert.Equal(t, []int{4000}, measured)
	assert.True(t, launcher.launched[0].closed.Load())
	assert.Equal(t, 2, launcher.count())
	lease.Release()
}

func TestPoolMemoryBelowLimitKeepsContext(t *testing.T) {
	launcher := &fakeLauncher{}
	pool := NewPool(launcher, Options{MaxAge: time.Hour, MaxUses: 100, MemoryLimitMB: 100}, nil)
	pool.memoryUsage = func(pids []int) uint64 { return 50 * 1024 * 1024 }
	ctx := context.Background()

	lease, err := pool.Checkout(ctx, desktop, nil)
	require.NoError(t, err)
	lease.Release()

	lease, err = pool.Checkout(ctx, desktop, nil)
	require.NoError(t, err)
	defer lease.Release()
	assert.Equal(t, 1, launcher.count())
}

func TestLeaseDiscard(t *testing.T) {
	launcher := &fakeLauncher{}
	pool := NewPool(launcher, Options{}, nil)

	lease, err := pool.Checkout(context.Background(), desktop, nil)
	require.NoError(t, err)
	lease.Discard()
	lease.Release()
	lease.Release()

	assert.True(t, launcher.launched[0].closed.Load())
	idle, inUse := pool.Stats()
	assert.Equal(t, 0, idle+inUse)
}

func TestPoolSlotReuse(t *testing.T) {
	launcher := &fakeLauncher{}
	pool := NewPool(launcher, Options{}, nil)
	ctx := context.Background()

	lease, err := pool.Checkout(ctx, desktop, nil)
	require.NoError(t, err)
	lease.Discard()
	lease.Release()

	lease, err = pool.Checkout(ctx, desktop, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, lease.index)
	assert.Len(t, pool.slots, 1)
	lease.Release()
}

func TestPoolClose(t *testing.T) {
	launcher := &fakeLauncher{}
	pool := NewPool(launcher, Options{}, nil)
	ctx := context.Background()

	idle, err := pool.Checkout(ctx, desktop, nil)
	require.NoError(t, err)
	idle.Release()

	busy, err := pool.Checkout(ctx, Key{Profile: ProfileMobile}, nil)
	require.NoError(t, err)

	require.NoError(t, pool.Close())
	assert.True(t, launcher.launched[0].closed.Load())
	assert.False(t, launcher.launched[1].closed.Load())

	busy.Release()
	assert.True(t, launcher.launched[1].closed.Load())

	_, err = pool.Checkout(ctx, desktop, nil)
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestPoolLaunchError(t *testing.T) {
	launcher := &fakeLauncher{err: errors.New("no chrome")}
	pool := NewPool(launcher, Options{}, nil)

	_, err := pool.Checkout(context.Background(), desktop, nil)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "no chrome")
}

func TestProfileEmulation(t *testing.T) {
	d := ProfileDesktop.Emulation()
	assert.Equal(t, int64(1366), d.Width)
	assert.False(t, d.Mobile)

	m := ProfileMobile.Emulation()
	assert.Equal(t, int64(412), m.Width)
	assert.True(t, m.Mobile)
	assert.True(t, m.Touch)
	assert.Contains(t, m.UserAgent, "Android")

	assert.Equal(t, d, Profile("unknown").Emulation())
}

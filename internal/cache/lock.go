package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrLockNotAcquired is returned when a video is already being processed elsewhere
var ErrLockNotAcquired = errors.New("lock held by another worker")

const unlockScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`

// Lock is a held per-video processing lock
type Lock struct {
	cache *Cache
	key   string
	token string
}

func lockKey(videoID string) string {
	return fmt.Sprintf("lock:video:%s", videoID)
}

// TryLock acquires the processing lock for a video without waiting.
// Without Redis every call succeeds.
func (c *Cache) TryLock(ctx context.Context, videoID string, ttl time.Duration) (*Lock, error) {
	l := &Lock{cache: c, key: lockKey(videoID), token: uuid.New().String()}
	if c.client == nil {
		return l, nil
	}

	ok, err := c.client.SetNX(ctx, l.key, l.token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !ok {
		return nil, ErrLockNotAcquired
	}
	return l, nil
}

// WaitLock polls for the lock until it is acquired or ctx ends
func (c *Cache) WaitLock(ctx context.Context, videoID string, ttl time.Duration) (*Lock, error) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		l, err := c.TryLock(ctx, videoID, ttl)
		if err == nil {
			return l, nil
		}
		if !errors.Is(err, ErrLockNotAcquired) {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ErrLockNotAcquired
		case <-ticker.C:
		}
	}
}

// Release drops the lock if it is still owned by this holder
func (l *Lock) Release(ctx context.Context) error {
	if l == nil || l.cache.client == nil {
		return nil
	}
	return l.cache.client.Eval(ctx, unlockScript, []string{l.key}, l.token).Err()
}

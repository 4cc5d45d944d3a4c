package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/therealutkarshpriyadarshi/transcript/internal/metrics"
	"github.com/therealutkarshpriyadarshi/transcript/pkg/models"
)

// ErrNotCacheable is returned when a result without a transcript is offered to the cache
var ErrNotCacheable = errors.New("only successful results are cached")

// Options configures a transcript cache
type Options struct {
	TTL          time.Duration
	L1MaxEntries int
}

// entry is the stored form of a successful result
type entry struct {
	VideoID   string        `json:"video_id"`
	Language  string        `json:"language"`
	Text      string        `json:"text"`
	Source    models.Source `json:"source"`
	StoredAt  time.Time     `json:"stored_at"`
	ExpiresAt time.Time     `json:"expires_at"`
}

func (e *entry) expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// Cache stores successful transcripts keyed by (video id, language).
// L1 is an in-process map, L2 is Redis when a client is configured.
type Cache struct {
	client     *redis.Client
	ttl        time.Duration
	maxEntries int

	mu sync.RWMutex
	l1 map[string]*entry

	now func() time.Time
}

// NewCache creates a new cache instance backed by Redis
func NewCache(host string, port int, password string, db int, opts Options) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Password: password,
		DB:       db,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return New(client, opts), nil
}

// New wraps an existing Redis client. A nil client gives an in-process only cache.
func New(client *redis.Client, opts Options) *Cache {
	if opts.TTL <= 0 {
		opts.TTL = 14 * 24 * time.Hour
	}
	if opts.L1MaxEntries <= 0 {
		opts.L1MaxEntries = 10000
	}

	return &Cache{
		client:     client,
		ttl:        opts.TTL,
		maxEntries: opts.L1MaxEntries,
		l1:         make(map[string]*entry),
		now:        time.Now,
	}
}

// Close closes the Redis connection
func (c *Cache) Close() error {
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}

// Key builds the cache key for a video and language
func Key(videoID, lang string) string {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if lang == "" {
		lang = "any"
	}
	return fmt.Sprintf("transcript:%s:%s", videoID, lang)
}

// Get returns the cached transcript or nil on a miss.
// Expired entries are dropped on read.
func (c *Cache) Get(ctx context.Context, videoID, lang string) (*models.TranscriptResult, error) {
	key := Key(videoID, lang)
	now := c.now()

	c.mu.RLock()
	e, ok := c.l1[key]
	c.mu.RUnlock()

	if ok {
		if !e.expired(now) {
			metrics.RecordCacheAccess("l1", true)
			return e.result(), nil
		}
		c.mu.Lock()
		delete(c.l1, key)
		c.mu.Unlock()
	}
	metrics.RecordCacheAccess("l1", false)

	if c.client == nil {
		return nil, nil
	}

	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			metrics.RecordCacheAccess("l2", false)
			return nil, nil // Cache miss
		}
		return nil, fmt.Errorf("failed to get transcript from cache: %w", err)
	}

	var stored entry
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("failed to unmarshal transcript: %w", err)
	}

	if stored.expired(now) {
		metrics.RecordCacheAccess("l2", false)
		_ = c.client.Del(ctx, key).Err()
		return nil, nil
	}

	metrics.RecordCacheAccess("l2", true)
	c.storeL1(key, &stored)
	return stored.result(), nil
}

// Put stores a successful result under (video id, language)
func (c *Cache) Put(ctx context.Context, videoID, lang string, result *models.TranscriptResult) error {
	if result == nil || !result.Available() {
		return ErrNotCacheable
	}

	now := c.now()
	e := &entry{
		VideoID:   videoID,
		Language:  lang,
		Text:      result.Text,
		Source:    result.Source,
		StoredAt:  now,
		ExpiresAt: now.Add(c.ttl),
	}

	key := Key(videoID, lang)
	c.storeL1(key, e)

	if c.client == nil {
		return nil
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal transcript: %w", err)
	}

	return c.client.Set(ctx, key, data, c.ttl).Err()
}

// Delete removes a cached transcript from both tiers
func (c *Cache) Delete(ctx context.Context, videoID, lang string) error {
	key := Key(videoID, lang)

	c.mu.Lock()
	delete(c.l1, key)
	c.mu.Unlock()

	if c.client == nil {
		return nil
	}
	return c.client.Del(ctx, key).Err()
}

// Len returns the number of L1 entries
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.l1)
}

// Cleanup drops expired L1 entries and returns how many were removed
func (c *Cache) Cleanup() int {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for k, e := range c.l1 {
		if e.expired(now) {
			delete(c.l1, k)
			removed++
		}
	}
	return removed
}

// Ping checks the Redis connection
func (c *Cache) Ping(ctx context.Context) error {
	if c.client == nil {
		return nil
	}
	return c.client.Ping(ctx).Err()
}

func (c *Cache) storeL1(key string, e *entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.l1[key]; !exists && len(c.l1) >= c.maxEntries {
		c.evictOldestLocked()
	}
	c.l1[key] = e
}

// evictOldestLocked drops the entry closest to expiry. Caller holds mu.
func (c *Cache) evictOldestLocked() {
	var oldestKey string
	var oldest time.Time
	for k, e := range c.l1 {
		if oldestKey == "" || e.ExpiresAt.Before(oldest) {
			oldestKey = k
			oldest = e.ExpiresAt
		}
	}
	if oldestKey != "" {
		delete(c.l1, oldestKey)
	}
}

func (e *entry) result() *models.TranscriptResult {
	return &models.TranscriptResult{
		VideoID:   e.VideoID,
		Language:  e.Language,
		Text:      e.Text,
		Source:    e.Source,
		FromCache: true,
		CreatedAt: e.StoredAt,
	}
}

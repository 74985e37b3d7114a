package datasource

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/tabula/internal/clock"
	"github.com/pitabwire/tabula/model"
)

// PageCache stores fetched pages by query key. Only rows are cached; table
// state is never persisted.
type PageCache interface {
	Get(ctx context.Context, key string) (model.Page, bool, error)
	Set(ctx context.Context, key string, page model.Page, ttl time.Duration) error
}

// --- MemoryPageCache ---

// MemoryPageCache is an in-memory PageCache with TTL and a size bound.
// Suitable for testing and single-instance deployments.
type MemoryPageCache struct {
	mu         sync.Mutex
	clock      clock.Clock
	maxEntries int
	entries    map[string]*pageEntry
}

type pageEntry struct {
	page      model.Page
	storedAt  time.Time
	expiresAt time.Time
}

// NewMemoryPageCache creates a cache holding at most maxEntries pages.
// A non-positive maxEntries means unbounded.
func NewMemoryPageCache(maxEntries int, clk clock.Clock) *MemoryPageCache {
	if clk == nil {
		clk = clock.Real()
	}
	return &MemoryPageCache{
		clock:      clk,
		maxEntries: maxEntries,
		entries:    make(map[string]*pageEntry),
	}
}

// Get returns the cached page for key, if present and not expired.
func (c *MemoryPageCache) Get(_ context.Context, key string) (model.Page, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return model.Page{}, false, nil
	}
	if !c.clock.Now().Before(entry.expiresAt) {
		delete(c.entries, key)
		return model.Page{}, false, nil
	}
	return clonePage(entry.page), true, nil
}

// Set stores page under key. When the cache is full, expired entries are
// dropped first, then the oldest entry.
func (c *MemoryPageCache) Set(_ context.Context, key string, page model.Page, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	if _, exists := c.entries[key]; !exists && c.maxEntries > 0 && len(c.entries) >= c.maxEntries {
		c.evictLocked(now)
	}
	c.entries[key] = &pageEntry{
		page:      clonePage(page),
		storedAt:  now,
		expiresAt: now.Add(ttl),
	}
	return nil
}

func (c *MemoryPageCache) evictLocked(now time.Time) {
	var oldestKey string
	var oldest time.Time
	for k, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, k)
			continue
		}
		if oldestKey == "" || e.storedAt.Before(oldest) {
			oldestKey, oldest = k, e.storedAt
		}
	}
	if len(c.entries) >= c.maxEntries && oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}

// Len returns the number of entries, including expired ones.
func (c *MemoryPageCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func clonePage(p model.Page) model.Page {
	rows := make([]model.Row, len(p.Rows))
	copy(rows, p.Rows)
	return model.Page{Rows: rows, Total: p.Total}
}

// --- RedisPageCache ---

// RedisPageCache is a Redis-backed PageCache. Pages are stored as JSON, so
// numbers come back as float64.
type RedisPageCache struct {
	client redis.Cmdable
}

// NewRedisPageCache creates a Redis-backed page cache.
func NewRedisPageCache(client redis.Cmdable) *RedisPageCache {
	return &RedisPageCache{client: client}
}

// Get looks up a cached page in Redis.
func (c *RedisPageCache) Get(ctx context.Context, key string) (model.Page, bool, error) {
	raw, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return model.Page{}, false, nil
	}
	if err != nil {
		return model.Page{}, false, fmt.Errorf("redis get %q: %w", key, err)
	}

	var page model.Page
	if err := json.Unmarshal(raw, &page); err != nil {
		return model.Page{}, false, fmt.Errorf("unmarshal cached page %q: %w", key, err)
	}
	if page.Rows == nil {
		page.Rows = []model.Row{}
	}
	return page, true, nil
}

// Set saves a page in Redis with TTL.
func (c *RedisPageCache) Set(ctx context.Context, key string, page model.Page, ttl time.Duration) error {
	data, err := json.Marshal(page)
	if err != nil {
		return fmt.Errorf("marshal cached page: %w", err)
	}
	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

// --- CachedSource ---

// CachedSource serves repeated queries from a PageCache. Cache failures
// are logged and fall through to the wrapped source.
type CachedSource struct {
	source   Source
	cache    PageCache
	prefix   string
	ttl      time.Duration
	perUser  bool
	recorder Recorder
	logger   *zap.Logger
}

// CacheOption configures a CachedSource.
type CacheOption func(*CachedSource)

// WithPerUserKeys scopes cache keys to the request's tenant and subject,
// for backends that answer differently per caller.
func WithPerUserKeys() CacheOption {
	return func(s *CachedSource) { s.perUser = true }
}

// WithCacheRecorder sets the recorder for hit and miss counts.
func WithCacheRecorder(rec Recorder) CacheOption {
	return func(s *CachedSource) { s.recorder = rec }
}

// WithCacheLogger sets the logger.
func WithCacheLogger(l *zap.Logger) CacheOption {
	return func(s *CachedSource) { s.logger = l }
}

// NewCachedSource wraps source. prefix identifies the table and its
// definition version so reloaded definitions never read stale pages.
func NewCachedSource(source Source, cache PageCache, prefix string, ttl time.Duration, opts ...CacheOption) *CachedSource {
	s := &CachedSource{
		source:   source,
		cache:    cache,
		prefix:   prefix,
		ttl:      ttl,
		recorder: nopRecorder{},
		logger:   zap.NewNop(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Fetch implements Source.
func (s *CachedSource) Fetch(ctx context.Context, q model.Query) (model.Page, error) {
	key, err := s.key(ctx, q)
	if err != nil {
		s.logger.Warn("page cache key failed", zap.Error(err))
		return s.source.Fetch(ctx, q)
	}

	page, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		s.logger.Warn("page cache read failed", zap.String("key", key), zap.Error(err))
	}
	if ok {
		s.recorder.RecordPageCache(true)
		return page, nil
	}
	s.recorder.RecordPageCache(false)

	page, err = s.source.Fetch(ctx, q)
	if err != nil {
		return model.Page{}, err
	}
	if err := s.cache.Set(ctx, key, page, s.ttl); err != nil {
		s.logger.Warn("page cache write failed", zap.String("key", key), zap.Error(err))
	}
	return page, nil
}

func (s *CachedSource) key(ctx context.Context, q model.Query) (string, error) {
	data, err := json.Marshal(q)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write(data)
	if s.perUser {
		h.Write([]byte{0})
		h.Write([]byte(model.RequestContextFrom(ctx).Partition()))
	}
	return FormatPageKey(s.prefix, hex.EncodeToString(h.Sum(nil))), nil
}

// FormatPageKey builds the standard page cache key.
func FormatPageKey(prefix, queryHash string) string {
	return fmt.Sprintf("tabula:page:%s:%s", prefix, queryHash)
}

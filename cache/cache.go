// Package cache provides the in-process content cache and the multi-tier
// invalidation coordinator. The local cache deduplicates concurrent builds per
// key: when N goroutines miss on the same key simultaneously, exactly one
// executes the build function and all N receive its result.
package cache

import (
	"context"
	"path"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

type (
	// BuildFunc produces the value for a cache key on miss.
	BuildFunc func(ctx context.Context) (any, error)

	// ContentCache is a TTL cache with tag-based invalidation and per-key
	// single-flight builds. Safe for concurrent use.
	ContentCache struct {
		defaultTTL time.Duration
		maxEntries int
		now        func() time.Time

		group singleflight.Group

		mu      sync.Mutex
		entries map[string]*entry

		hits      uint64
		misses    uint64
		evictions uint64
	}

	entry struct {
		value     any
		tags      []string
		createdAt time.Time
		expiresAt time.Time
		size      int
	}

	// Stats is a point-in-time snapshot of cache effectiveness.
	Stats struct {
		Entries      int     `json:"entries"`
		Hits         uint64  `json:"hits"`
		Misses       uint64  `json:"misses"`
		HitRate      float64 `json:"hit_rate"`
		Evictions    uint64  `json:"evictions"`
		MemoryBytes  int     `json:"memory_bytes"`
		OldestAgeSec float64 `json:"oldest_age_seconds"`
	}

	// CacheOption configures a ContentCache.
	CacheOption func(*ContentCache)
)

// WithDefaultTTL sets the TTL applied when GetOrBuild receives a zero ttl.
func WithDefaultTTL(ttl time.Duration) CacheOption {
	return func(c *ContentCache) {
		if ttl > 0 {
			c.defaultTTL = ttl
		}
	}
}

// WithMaxEntries bounds the cache size. At capacity the entry closest to
// expiry is evicted.
func WithMaxEntries(n int) CacheOption {
	return func(c *ContentCache) {
		if n > 0 {
			c.maxEntries = n
		}
	}
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) CacheOption {
	return func(c *ContentCache) { c.now = now }
}

// NewContentCache constructs an empty cache. The default TTL is five minutes
// and the default capacity 4096 entries.
func NewContentCache(opts ...CacheOption) *ContentCache {
	c := &ContentCache{
		defaultTTL: 5 * time.Minute,
		maxEntries: 4096,
		now:        time.Now,
		entries:    make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the cached value for key if present and not expired.
func (c *ContentCache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || c.now().After(e.expiresAt) {
		if ok {
			delete(c.entries, key)
			c.evictions++
		}
		c.misses++
		return nil, false
	}
	c.hits++
	return e.value, true
}

// GetOrBuild returns the cached value for key, building it on miss. Builds
// are single-flight per key: concurrent misses share one build call and all
// callers receive its value or its error. A failed build caches nothing.
func (c *ContentCache) GetOrBuild(ctx context.Context, key string, ttl time.Duration, tags []string, build BuildFunc) (any, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}
	v, err, _ := c.group.Do(key, func() (any, error) {
		// A concurrent flight may have populated the key between the miss
		// and the flight start.
		if v, ok := c.Get(key); ok {
			return v, nil
		}
		v, err := build(ctx)
		if err != nil {
			return nil, err
		}
		c.Put(key, v, ttl, tags)
		return v, nil
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

// Put stores value under key with the given ttl and tags. A zero ttl uses the
// cache default.
func (c *ContentCache) Put(key string, value any, ttl time.Duration, tags []string) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxEntries {
		c.evictSoonestLocked()
	}
	c.entries[key] = &entry{
		value:     value,
		tags:      append([]string(nil), tags...),
		createdAt: now,
		expiresAt: now.Add(ttl),
		size:      sizeOf(value),
	}
}

// InvalidateKeys removes the named keys and returns how many were present.
func (c *ContentCache) InvalidateKeys(keys ...string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	var n int
	for _, key := range keys {
		if _, ok := c.entries[key]; ok {
			delete(c.entries, key)
			n++
		}
	}
	return n
}

// InvalidatePattern removes keys matching the glob pattern (path.Match
// syntax) and returns the removal count.
func (c *ContentCache) InvalidatePattern(pattern string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	var n int
	for key := range c.entries {
		if ok, err := path.Match(pattern, key); err == nil && ok {
			delete(c.entries, key)
			n++
		}
	}
	return n
}

// InvalidateTags removes entries carrying any of the given tags.
func (c *ContentCache) InvalidateTags(tags ...string) int {
	want := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		want[t] = struct{}{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	var n int
	for key, e := range c.entries {
		for _, t := range e.tags {
			if _, ok := want[t]; ok {
				delete(c.entries, key)
				n++
				break
			}
		}
	}
	return n
}

// Clear drops every entry.
func (c *ContentCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*entry)
}

// Sweep removes expired entries and returns the removal count.
func (c *ContentCache) Sweep() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	var n int
	for key, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, key)
			c.evictions++
			n++
		}
	}
	return n
}

// Stats returns a snapshot of cache counters.
func (c *ContentCache) Stats() Stats {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{
		Entries:   len(c.entries),
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
	var oldest time.Time
	for _, e := range c.entries {
		s.MemoryBytes += e.size
		if oldest.IsZero() || e.createdAt.Before(oldest) {
			oldest = e.createdAt
		}
	}
	if !oldest.IsZero() {
		s.OldestAgeSec = now.Sub(oldest).Seconds()
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}

// evictSoonestLocked drops the entry closest to expiry. Callers hold mu.
func (c *ContentCache) evictSoonestLocked() {
	var victim string
	var soonest time.Time
	for key, e := range c.entries {
		if victim == "" || e.expiresAt.Before(soonest) {
			victim = key
			soonest = e.expiresAt
		}
	}
	if victim != "" {
		delete(c.entries, victim)
		c.evictions++
	}
}

// sizeOf approximates the memory footprint of a cached value. Only string and
// byte payloads are counted; structured values report zero.
func sizeOf(v any) int {
	switch t := v.(type) {
	case string:
		return len(t)
	case []byte:
		return len(t)
	}
	return 0
}

package ratelimit

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/perpsync/internal/metrics"
)

// ResponseCache is consulted before bucket admission: a hit returns without
// spending a token. Backends: in-process (default) or redis.
type ResponseCache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, data []byte, ttl time.Duration)
	Invalidate(ctx context.Context, pattern string) int
	Stats() CacheStats
}

// CacheStats summarizes cache effectiveness for the health surface.
type CacheStats struct {
	Entries int   `json:"entries"`
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
}

type memEntry struct {
	data      []byte
	storedAt  time.Time
	expiresAt time.Time
	hits      int64
}

// MemoryCache is the in-process backend. When the entry count exceeds
// maxSize, the oldest 30% by storage timestamp are dropped in one sweep.
type MemoryCache struct {
	mu        sync.Mutex
	entries   map[string]*memEntry
	maxSize   int
	evictFrac float64
	hits      int64
	misses    int64
}

// NewMemoryCache returns a cache capped at maxSize entries (default 1000).
func NewMemoryCache(maxSize int) *MemoryCache {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &MemoryCache{
		entries:   make(map[string]*memEntry),
		maxSize:   maxSize,
		evictFrac: 0.30,
	}
}

func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.misses++
		metrics.CacheMisses.Inc()
		return nil, false
	}
	if time.Now().After(e.expiresAt) {
		delete(c.entries, key)
		c.misses++
		metrics.CacheMisses.Inc()
		return nil, false
	}
	e.hits++
	c.hits++
	metrics.CacheHits.Inc()
	return e.data, true
}

func (c *MemoryCache) Set(_ context.Context, key string, data []byte, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) >= c.maxSize {
		c.evictLocked()
	}
	now := time.Now()
	c.entries[key] = &memEntry{
		data:      data,
		storedAt:  now,
		expiresAt: now.Add(ttl),
	}
}

// Invalidate removes every entry whose key contains pattern. An empty
// pattern clears everything. Returns the number of keys removed.
func (c *MemoryCache) Invalidate(_ context.Context, pattern string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key := range c.entries {
		if pattern == "" || strings.Contains(key, pattern) {
			delete(c.entries, key)
			removed++
		}
	}
	if removed > 0 {
		log.Debug().Str("pattern", pattern).Int("removed", removed).Msg("Cache invalidated")
	}
	return removed
}

func (c *MemoryCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{Entries: len(c.entries), Hits: c.hits, Misses: c.misses}
}

// evictLocked drops the oldest 30% of entries by storage time. A bulk LRU
// approximation: sorting on eviction keeps Set O(1) in the common case.
func (c *MemoryCache) evictLocked() {
	type aged struct {
		key      string
		storedAt time.Time
	}
	all := make([]aged, 0, len(c.entries))
	for key, e := range c.entries {
		all = append(all, aged{key: key, storedAt: e.storedAt})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].storedAt.Before(all[j].storedAt) })

	n := int(float64(len(all)) * c.evictFrac)
	if n < 1 {
		n = 1
	}
	for _, a := range all[:n] {
		delete(c.entries, a.key)
	}
	log.Debug().Int("evicted", n).Msg("Cache eviction sweep")
}

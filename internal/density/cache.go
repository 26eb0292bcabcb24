package density

import (
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
)

// EstimateCache is a concurrent-safe LRU cache of estimates with TTL
// expiration, keyed by polygon coordinates.
type EstimateCache struct {
	mu         sync.Mutex
	entries    map[string]*estimateCacheEntry
	order      []string // LRU order: front=oldest, back=newest
	maxEntries int
	ttl        time.Duration
	clock      clockwork.Clock
	hits       atomic.Int64
	misses     atomic.Int64
}

type estimateCacheEntry struct {
	estimate  Estimate
	createdAt time.Time
}

// CacheStats contains cache performance statistics.
type CacheStats struct {
	Entries    int     `json:"entries"`
	MaxEntries int     `json:"max_entries"`
	Hits       int64   `json:"hits"`
	Misses     int64   `json:"misses"`
	HitRate    float64 `json:"hit_rate"`
}

// NewEstimateCache creates a cache holding at most maxEntries estimates for
// ttl each. A nil clock uses the real clock.
func NewEstimateCache(maxEntries int, ttl time.Duration, clock clockwork.Clock) *EstimateCache {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &EstimateCache{
		entries:    make(map[string]*estimateCacheEntry),
		maxEntries: maxEntries,
		ttl:        ttl,
		clock:      clock,
	}
}

// PolygonKey builds the cache key for a coordinate list.
func PolygonKey(coords [][]float64) string {
	var b strings.Builder
	for i, c := range coords {
		if i > 0 {
			b.WriteByte(';')
		}
		for j, v := range c {
			if j > 0 {
				b.WriteByte(',')
			}
			b.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
		}
	}
	return b.String()
}

// Get returns the cached estimate for key. ok is false on miss or expiry.
func (c *EstimateCache) Get(key string) (Estimate, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		c.misses.Add(1)
		return Estimate{}, false
	}

	if c.clock.Since(entry.createdAt) > c.ttl {
		delete(c.entries, key)
		c.removeFromOrder(key)
		c.misses.Add(1)
		return Estimate{}, false
	}

	c.removeFromOrder(key)
	c.order = append(c.order, key)
	c.hits.Add(1)
	return entry.estimate, true
}

// Put stores an estimate, evicting the least recently used entry at capacity.
func (c *EstimateCache) Put(key string, est Estimate) {
	if c.maxEntries <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[key]; ok {
		c.entries[key] = &estimateCacheEntry{estimate: est, createdAt: c.clock.Now()}
		c.removeFromOrder(key)
		c.order = append(c.order, key)
		return
	}

	for len(c.entries) >= c.maxEntries && len(c.order) > 0 {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}

	c.entries[key] = &estimateCacheEntry{estimate: est, createdAt: c.clock.Now()}
	c.order = append(c.order, key)
}

// Stats returns cache performance statistics.
func (c *EstimateCache) Stats() CacheStats {
	c.mu.Lock()
	entries := len(c.entries)
	c.mu.Unlock()

	hits := c.hits.Load()
	misses := c.misses.Load()

	var hitRate float64
	if total := hits + misses; total > 0 {
		hitRate = float64(hits) / float64(total)
	}

	return CacheStats{
		Entries:    entries,
		MaxEntries: c.maxEntries,
		Hits:       hits,
		Misses:     misses,
		HitRate:    hitRate,
	}
}

func (c *EstimateCache) removeFromOrder(key string) {
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}

// Package cache implements the two enrichment cache layers: the
// fingerprint-keyed exact cache with per-category TTLs, and the semantic
// cache over a vector similarity index.
package cache

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/catalog-enrich/internal/catalog"
	"github.com/sells-group/catalog-enrich/internal/model"
)

const defaultMaxEntries = 50_000

// Overflow is a persistent backing store for exact-cache entries. GetResult
// returns nil, nil when the key is absent.
type Overflow interface {
	GetResult(ctx context.Context, key string) (*model.CacheEntry, error)
	SetResult(ctx context.Context, entry model.CacheEntry) error
}

// ExactOptions configures an ExactCache.
type ExactOptions struct {
	MaxEntries int
	Overflow   Overflow
}

// Stats is a point-in-time view of cache counters.
type Stats struct {
	Entries int   `json:"entries"`
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
}

// HitRate returns hits / (hits + misses).
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// ExactCache is a process-local, fingerprint-keyed cache. Values are cloned
// on the way in and out so callers never share cached results.
type ExactCache struct {
	mu         sync.Mutex
	entries    map[string]*model.CacheEntry
	cat        *catalog.Catalog
	overflow   Overflow
	maxEntries int
	nowFunc    func() time.Time

	hits   atomic.Int64
	misses atomic.Int64
}

// NewExactCache creates an ExactCache using cat for TTL selection.
func NewExactCache(cat *catalog.Catalog, opts ExactOptions) *ExactCache {
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = defaultMaxEntries
	}
	return &ExactCache{
		entries:    make(map[string]*model.CacheEntry),
		cat:        cat,
		overflow:   opts.Overflow,
		maxEntries: opts.MaxEntries,
		nowFunc:    time.Now,
	}
}

// Get returns a copy of the cached result for key. Expired entries are
// absent even while still stored.
func (c *ExactCache) Get(ctx context.Context, key string) (*model.EnrichmentResult, bool) {
	now := c.nowFunc()

	c.mu.Lock()
	if e, ok := c.entries[key]; ok && !e.Expired(now) {
		e.HitCount++
		v := e.Value.Clone()
		c.mu.Unlock()
		c.hits.Add(1)
		return v, true
	}
	c.mu.Unlock()

	if c.overflow != nil {
		if e := c.loadOverflow(ctx, key, now); e != nil {
			c.hits.Add(1)
			return e.Value.Clone(), true
		}
	}
	c.misses.Add(1)
	return nil, false
}

func (c *ExactCache) loadOverflow(ctx context.Context, key string, now time.Time) *model.CacheEntry {
	e, err := c.overflow.GetResult(ctx, key)
	if err != nil {
		zap.L().Warn("cache: overflow get failed", zap.String("fingerprint", key), zap.Error(err))
		return nil
	}
	if e == nil || e.Value == nil || e.Expired(now) {
		return nil
	}
	e.HitCount++
	stored := *e
	stored.Value = e.Value.Clone()

	c.mu.Lock()
	c.evictLocked(now)
	c.entries[key] = &stored
	c.mu.Unlock()
	return e
}

// Set stores a copy of result under key with the category's TTL and writes
// it through to the overflow store.
func (c *ExactCache) Set(ctx context.Context, key, category string, result *model.EnrichmentResult) {
	if result == nil {
		return
	}
	now := c.nowFunc()
	entry := model.CacheEntry{
		Key:       key,
		Category:  category,
		Value:     result.Clone(),
		CreatedAt: now,
		TTL:       c.cat.TTL(category),
	}

	c.mu.Lock()
	if _, exists := c.entries[key]; !exists {
		c.evictLocked(now)
	}
	stored := entry
	c.entries[key] = &stored
	c.mu.Unlock()

	if c.overflow != nil {
		if err := c.overflow.SetResult(ctx, entry); err != nil {
			zap.L().Warn("cache: overflow set failed", zap.String("fingerprint", key), zap.Error(err))
		}
	}
}

// evictLocked makes room for one entry: expired entries go first, then the
// least-hit, oldest entry.
func (c *ExactCache) evictLocked(now time.Time) {
	if len(c.entries) < c.maxEntries {
		return
	}
	for k, e := range c.entries {
		if e.Expired(now) {
			delete(c.entries, k)
		}
	}
	if len(c.entries) < c.maxEntries {
		return
	}
	var victim string
	var worst *model.CacheEntry
	for k, e := range c.entries {
		if worst == nil || e.HitCount < worst.HitCount ||
			(e.HitCount == worst.HitCount && e.CreatedAt.Before(worst.CreatedAt)) {
			victim, worst = k, e
		}
	}
	delete(c.entries, victim)
}

// Purge removes expired entries and returns how many were removed.
func (c *ExactCache) Purge() int {
	now := c.nowFunc()
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, e := range c.entries {
		if e.Expired(now) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// Warm returns up to n live entries ordered by hit count, most-hit first.
// Values are copies.
func (c *ExactCache) Warm(n int) []model.CacheEntry {
	now := c.nowFunc()
	c.mu.Lock()
	out := make([]model.CacheEntry, 0, len(c.entries))
	for _, e := range c.entries {
		if e.Expired(now) {
			continue
		}
		cp := *e
		cp.Value = e.Value.Clone()
		out = append(out, cp)
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].HitCount != out[j].HitCount {
			return out[i].HitCount > out[j].HitCount
		}
		return out[i].Key < out[j].Key
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// Stats returns the current counters.
func (c *ExactCache) Stats() Stats {
	c.mu.Lock()
	n := len(c.entries)
	c.mu.Unlock()
	return Stats{Entries: n, Hits: c.hits.Load(), Misses: c.misses.Load()}
}

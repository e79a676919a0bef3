// Package metadatacache is the read-through cache in front of the
// metadata service's authoritative Postgres store (spec.md §4.2 "Cache"),
// grounded on the teacher's internal/cache MultiLevelCache L1 layer
// (github.com/hashicorp/golang-lru/v2), but single-level: FeatureHub has
// no L2/Redis cache tier of its own for metadata — the authoritative store
// already is the fallback on a miss, so a second network-hop cache would
// just add latency without adding a consistency guarantee.
package metadatacache

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/featurehub/featurehub/pkg/models"
	"github.com/featurehub/featurehub/pkg/observability"
)

// Config controls cache sizing and the default entry TTL (spec.md §6.4
// metadata_cache_ttl_min, default 30).
type Config struct {
	Capacity int
	TTL      time.Duration
}

func DefaultConfig() Config {
	return Config{Capacity: 100_000, TTL: 30 * time.Minute}
}

type entry struct {
	value     *models.FeatureMetadata
	expiresAt time.Time
}

// Cache is a read-through, TTL-expiring cache for FeatureMetadata rows.
// Cache errors are defined to never occur here (it's in-process, not a
// network hop) but the Get/Set/Invalidate surface still returns no error
// on the happy path so callers can swap in a networked cache later without
// changing call sites — matching spec.md §9 "cache is a read-through
// layer, never authoritative".
type Cache struct {
	lru     *lru.Cache[string, entry]
	ttl     time.Duration
	mu      sync.Mutex
	logger  observability.Logger
	metrics observability.MetricsClient
}

// New builds a Cache. An invalid (non-positive) capacity falls back to
// DefaultConfig's capacity.
func New(cfg Config, logger observability.Logger, metrics observability.MetricsClient) (*Cache, error) {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultConfig().Capacity
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultConfig().TTL
	}
	l, err := lru.New[string, entry](cfg.Capacity)
	if err != nil {
		return nil, err
	}
	return &Cache{lru: l, ttl: cfg.TTL, logger: logger, metrics: metrics}, nil
}

// Get returns the cached row and true on a live hit; false on miss or
// expiry (an expired entry is evicted on read).
func (c *Cache) Get(key string) (*models.FeatureMetadata, bool) {
	c.mu.Lock()
	e, ok := c.lru.Get(key)
	if ok && time.Now().After(e.expiresAt) {
		c.lru.Remove(key)
		ok = false
	}
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.RecordCacheOperation("get", ok, 0)
	}
	if !ok {
		return nil, false
	}
	return e.value, true
}

// BatchGet looks up multiple keys in one pass, returning hits and the
// subset that missed (preserving input order), matching the metadata
// service's "one cache multi-get" batch-get contract (spec.md §4.2).
func (c *Cache) BatchGet(keys []string) (hits map[string]*models.FeatureMetadata, misses []string) {
	hits = make(map[string]*models.FeatureMetadata, len(keys))
	for _, k := range keys {
		if v, ok := c.Get(k); ok {
			hits[k] = v
		} else {
			misses = append(misses, k)
		}
	}
	return hits, misses
}

// Set populates or overwrites the cache entry for m.KeyName with the
// configured TTL. Set errors never occur (purely in-process), matching
// spec.md §4.2's "cache errors are non-fatal" contract trivially.
func (c *Cache) Set(m *models.FeatureMetadata) {
	c.mu.Lock()
	c.lru.Add(m.KeyName, entry{value: m, expiresAt: time.Now().Add(c.ttl)})
	c.mu.Unlock()
	if c.metrics != nil {
		c.metrics.RecordCacheOperation("set", true, 0)
	}
}

// BatchSet populates multiple entries in one call, used after a batch-get
// authoritative-store fallback to backfill the cache (spec.md §4.2
// "one cache multi-set for the result").
func (c *Cache) BatchSet(rows map[string]*models.FeatureMetadata) {
	for _, m := range rows {
		c.Set(m)
	}
}

// Invalidate removes key from the cache, called after a write (Upsert/
// Update/Delete) commits to the authoritative store (spec.md §4.2 "Writes
// update the authoritative store first, then invalidate/populate the cache
// entry").
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	c.lru.Remove(key)
	c.mu.Unlock()
	if c.metrics != nil {
		c.metrics.RecordCacheOperation("invalidate", true, 0)
	}
}

// Purge clears every entry, used after a store-wide write that no per-key
// Invalidate call could track (spec.md §4.2 ResetAccessCounts at epoch
// boundaries: every cached row's access_count goes stale at once).
func (c *Cache) Purge() {
	c.mu.Lock()
	c.lru.Purge()
	c.mu.Unlock()
	if c.metrics != nil {
		c.metrics.RecordCacheOperation("purge", true, 0)
	}
}

// Len reports the current entry count, exposed for tests and diagnostics.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

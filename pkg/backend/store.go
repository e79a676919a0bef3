// Package backend defines the polymorphic string-KV capability the router
// and migration/cleanup engines use to talk to the HOT and COLD physical
// stores (spec.md §6.2, design note §9 "polymorphic backends" — one
// capability interface selected by tier tag, not a subtype hierarchy).
package backend

import "context"

// Store is the capability every physical backend provides: GET/SET/MGET/
// DEL/EXISTS/TTL/EXPIRE/SCAN over strings (spec.md §6.2). HOT and COLD are
// both modeled by this one interface, differing only in which Redis-
// protocol endpoint they're configured against.
type Store interface {
	// Get returns the value and true if present, ("", false, nil) if absent.
	Get(ctx context.Context, key string) (value string, found bool, err error)
	// Set stores value under key. ttlSeconds <= 0 means no expiry.
	Set(ctx context.Context, key, value string, ttlSeconds int64) error
	// MGet returns a map of found keys to values; absent keys are simply
	// missing from the result, not an error.
	MGet(ctx context.Context, keys []string) (map[string]string, error)
	// Del removes one key, reporting whether it existed.
	Del(ctx context.Context, key string) (bool, error)
	// DelMany removes multiple keys, returning the count actually removed.
	DelMany(ctx context.Context, keys []string) (int64, error)
	// Exists reports whether key is present.
	Exists(ctx context.Context, key string) (bool, error)
	// TTL returns the remaining time to live in seconds; -1 means no
	// expiry, -2 means the key does not exist (mirrors Redis TTL semantics).
	TTL(ctx context.Context, key string) (int64, error)
	// Expire sets a new TTL in seconds on an existing key.
	Expire(ctx context.Context, key string, ttlSeconds int64) (bool, error)
	// Scan iterates keys matching prefix in bounded batches, invoking fn
	// per batch; fn returning false stops the scan early. Used only by the
	// cleanup engine's orphan sweep (spec.md §4.4).
	Scan(ctx context.Context, prefix string, batchSize int64, fn func(keys []string) (cont bool, err error)) error

	// Name identifies which backend this is in logs/metrics/circuit-breaker
	// registries ("hot_store" or "cold_store").
	Name() string
	// Close releases the underlying connection.
	Close() error
}

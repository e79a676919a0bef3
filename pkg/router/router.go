// Package router is the Router component of spec.md §4.1: the single
// entry point clients use to Get/BatchGet/Put feature values, fanning out
// to whichever of the HOT/COLD backend.Store instances the Metadata
// service says a key lives in, and to both during a migration window.
package router

import (
	"context"
	"sync"
	"time"

	"github.com/featurehub/featurehub/pkg/apperr"
	"github.com/featurehub/featurehub/pkg/backend"
	"github.com/featurehub/featurehub/pkg/eventbus"
	"github.com/featurehub/featurehub/pkg/metadata"
	"github.com/featurehub/featurehub/pkg/models"
	"github.com/featurehub/featurehub/pkg/observability"
	"github.com/featurehub/featurehub/pkg/resilience"
)

// DefaultTier is the tier a brand-new key is written into, and the tier
// assumed for a key whose metadata row is missing on read (spec.md §9 Open
// Question 1 — resolved here in favor of HOT, since a newly-ingested
// feature is also the one most likely to be read again immediately, and
// guessing COLD on a miss would turn a transient metadata hiccup into a
// guaranteed extra backend round trip for every such read).
const DefaultTier = models.TierHot

// Router composes the two physical stores with the Metadata service and an
// event bus for read-path telemetry and async stat updates.
type Router struct {
	hot      backend.Store
	cold     backend.Store
	meta     *metadata.Service
	bus      *eventbus.Bus
	stats    *resilience.Bulkhead
	logger   observability.Logger
	metrics  observability.MetricsClient
}

// New composes a Router. statsBulkhead bounds the async access-stat
// fan-out so a burst of reads can never queue unbounded work behind the
// metadata store (spec.md §9 "async stat updates", bulkhead name
// "stat_updates").
func New(hot, cold backend.Store, meta *metadata.Service, bus *eventbus.Bus, statsBulkhead *resilience.Bulkhead, logger observability.Logger, metrics observability.MetricsClient) *Router {
	return &Router{hot: hot, cold: cold, meta: meta, bus: bus, stats: statsBulkhead, logger: logger, metrics: metrics}
}

func (r *Router) storeFor(tier models.StorageTier) backend.Store {
	if tier == models.TierCold {
		return r.cold
	}
	return r.hot
}

// Get resolves key's current tier via the Metadata service, reads from
// that store, and — if the key is mid-migration — falls back to the
// migration target tier on a source-side miss (spec.md §4.1 "dual-tier
// read during migration": the source copy may already be gone once
// delete-source has run, so the target is the second place to check).
func (r *Router) Get(ctx context.Context, key string, clientIP, userID string) (value string, found bool, source models.StorageTier, err error) {
	start := time.Now()
	value, found, source, err = r.get(ctx, key)

	go r.emitQueryLog(key, clientIP, userID, source, found, err, time.Since(start))
	if found && err == nil {
		go r.recordAccess(key)
	}
	return value, found, source, err
}

func (r *Router) get(ctx context.Context, key string) (value string, found bool, tier models.StorageTier, err error) {
	m, merr := r.meta.Get(ctx, key)
	if merr != nil {
		if !apperr.IsNotFound(merr) {
			r.logger.Warnf("router: metadata lookup failed for key=%s, degrading to HOT-only read: %v", key, merr)
		}
		// No metadata row, or the metadata store itself errored: fall back
		// to the default tier directly rather than failing the read outright
		// (spec.md §4.1 "metadata errors on read fall back to HOT ... a
		// metadata outage degrades to single-store access, not full
		// outage"). A value found here with no metadata is itself an
		// inconsistency the cleanup engine's orphan sweep will reconcile
		// later.
		tier = DefaultTier
		value, found, err = r.storeFor(tier).Get(ctx, key)
		return value, found, tier, err
	}

	tier = m.StorageTier
	value, found, err = r.storeFor(tier).Get(ctx, key)
	if err != nil {
		return "", false, tier, err
	}
	if found {
		return value, true, tier, nil
	}
	if m.MigrationStatus != models.StatusMigrating {
		return "", false, tier, nil
	}

	// Mid-migration and missing from the recorded tier: check the other
	// tier before giving up (spec.md §4.1 dual-tier read).
	otherTier := tier.Other()
	value, found, err = r.storeFor(otherTier).Get(ctx, key)
	return value, found, otherTier, err
}

// BatchResult is one key's outcome from BatchGet, carrying the tier it was
// actually resolved against so callers (and spec.md §8 scenario S2) can
// tell a HOT hit from a COLD hit from a miss.
type BatchResult struct {
	Key    string             `json:"key"`
	Value  string             `json:"value,omitempty"`
	Found  bool               `json:"found"`
	Source models.StorageTier `json:"source"`
}

// BatchGet resolves multiple keys concurrently, capped by len(keys)
// goroutines fanned out per backend rather than per key, since spec.md
// §4.1 groups a batch by resolved tier before issuing MGET. The returned
// slice preserves input order (and duplicates), each entry bound to the
// tier it was looked up against (spec.md §8 invariant 4: batch-get
// fidelity).
func (r *Router) BatchGet(ctx context.Context, keys []string, clientIP, userID string) ([]BatchResult, error) {
	metas, err := r.meta.BatchGet(ctx, keys)
	if err != nil {
		// Metadata outage: degrade every key to the default tier rather
		// than failing the whole batch (spec.md §4.1 metadata-error
		// fallback, same rationale as the single-key path in get).
		r.logger.Warnf("router: batch metadata lookup failed, degrading %d keys to HOT-only read: %v", len(keys), err)
		metas = nil
	}

	tierOf := make(map[string]models.StorageTier, len(keys))
	byTier := map[models.StorageTier][]string{}
	for _, k := range keys {
		if _, seen := tierOf[k]; seen {
			continue
		}
		tier := DefaultTier
		if m, ok := metas[k]; ok {
			tier = m.StorageTier
		}
		tierOf[k] = tier
		byTier[tier] = append(byTier[tier], k)
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	values := make(map[string]string, len(keys))
	var firstErr error

	for tier, tierKeys := range byTier {
		tier, tierKeys := tier, tierKeys
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := r.storeFor(tier).MGet(ctx, tierKeys)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				return
			}
			for k, v := range out {
				values[k] = v
			}
		}()
	}
	wg.Wait()
	if firstErr != nil {
		return nil, firstErr
	}

	results := make([]BatchResult, len(keys))
	for i, k := range keys {
		value, found := values[k]
		results[i] = BatchResult{Key: k, Value: value, Found: found, Source: tierOf[k]}
		if found {
			go r.recordAccess(k)
		}
	}
	go r.emitBatchQueryLog(results, clientIP, userID)

	return results, nil
}

// Put writes value for key into its tier (existing tier if metadata already
// places it, storageHint if the key is new and the hint is a valid tier,
// DefaultTier otherwise), upserts metadata, and — if the write changed
// which tier a previously-existing key lives in — deletes the stale copy
// left behind in the old tier (spec.md §4.1 write step 4). TTL of 0 means no
// expiry.
//
// storageHint only decides placement for a brand-new key (spec.md §9 Open
// Question: storage_hint precedence on update). An update to an existing
// key keeps its current tier regardless of storageHint — a write is not a
// migration trigger, so re-tiering a live key only ever happens through the
// migration engine's own candidate selection.
func (r *Router) Put(ctx context.Context, key, value string, ttlSeconds int64, businessTag, storageHint string) error {
	now := models.NowMs()

	existing, err := r.meta.Get(ctx, key)
	tier := DefaultTier
	if hint := models.StorageTier(storageHint); hint.Valid() {
		tier = hint
	}
	if err == nil {
		tier = existing.StorageTier
	} else if !apperr.IsNotFound(err) {
		return err
	}

	if err := r.storeFor(tier).Set(ctx, key, value, ttlSeconds); err != nil {
		return apperr.Wrap(err, apperr.KindBackendUnavailable, "router.Put", "writing value").WithKey(key)
	}

	m := &models.FeatureMetadata{
		KeyName:         key,
		StorageTier:     tier,
		LastAccessTime:  now,
		CreateTime:      now,
		UpdateTime:      now,
		DataSize:        int64(len(value)),
		MigrationStatus: models.StatusStable,
	}
	if existing != nil {
		m.CreateTime = existing.CreateTime
		m.AccessCount = existing.AccessCount
	}
	if ttlSeconds > 0 {
		expireAt := now + ttlSeconds*1000
		m.ExpireTime = &expireAt
	}
	if businessTag != "" {
		m.BusinessTag = &businessTag
	}

	created, previousTier, err := r.meta.Upsert(ctx, m)
	if err != nil {
		return err
	}
	if !created && previousTier != "" && previousTier != tier {
		if _, derr := r.storeFor(previousTier).Del(ctx, key); derr != nil {
			r.logger.Warnf("router: failed to delete stale copy of key=%s from previous tier=%s: %v", key, previousTier, derr)
		}
	}
	return nil
}

// recordAccess fans the access-count bump out through the stats bulkhead
// so a burst of reads never blocks on metadata store latency; rejection
// (bulkhead full) is dropped, not retried — stats are advisory.
func (r *Router) recordAccess(key string) {
	_, err := r.stats.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
		r.meta.RecordAccess(ctx, key, models.NowMs())
		return nil, nil
	})
	if err != nil {
		r.logger.Debugf("router: stat update dropped for key=%s: %v", key, err)
	}
}

func (r *Router) emitQueryLog(key, clientIP, userID string, tier models.StorageTier, found bool, err error, elapsed time.Duration) {
	log := models.QueryLog{
		Key:         key,
		TimestampMs: models.NowMs(),
		SourceTier:  tier,
		ClientIP:    clientIP,
		UserID:      userID,
		Success:     err == nil && found,
		QueryTimeMs: elapsed.Milliseconds(),
	}
	if err != nil {
		log.Error = err.Error()
	}
	if perr := r.bus.PublishQueryLog(context.Background(), log); perr != nil {
		r.logger.Debugf("router: query log publish failed for key=%s: %v", key, perr)
	}
}

func (r *Router) emitBatchQueryLog(results []BatchResult, clientIP, userID string) {
	for _, res := range results {
		r.emitQueryLog(res.Key, clientIP, userID, res.Source, res.Found, nil, 0)
	}
}

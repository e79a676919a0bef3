// Package metadata is the Metadata component of spec.md §4.2: the single
// source of truth for per-key placement, composing the authoritative
// metadatastore.Repository with a read-through metadatacache.Cache in
// front of it. Every other component (router, migration, cleanup,
// internal/api) talks to metadata placement exclusively through this
// package, never to Repository directly, so the cache is never bypassed
// on one call path and forgotten on another.
package metadata

import (
	"context"
	"time"

	"github.com/featurehub/featurehub/pkg/apperr"
	"github.com/featurehub/featurehub/pkg/metadatacache"
	"github.com/featurehub/featurehub/pkg/metadatastore"
	"github.com/featurehub/featurehub/pkg/models"
	"github.com/featurehub/featurehub/pkg/observability"
)

// Service is the Metadata component's public surface (spec.md §4.2).
type Service struct {
	repo    *metadatastore.Repository
	cache   *metadatacache.Cache
	logger  observability.Logger
}

// New composes repo and cache into a Service.
func New(repo *metadatastore.Repository, cache *metadatacache.Cache, logger observability.Logger) *Service {
	return &Service{repo: repo, cache: cache, logger: logger}
}

// Get returns the metadata row for key, checking the cache first. A cache
// miss falls through to the authoritative store and, on success,
// repopulates the cache (spec.md §4.2 read-through contract).
func (s *Service) Get(ctx context.Context, key string) (*models.FeatureMetadata, error) {
	if m, ok := s.cache.Get(key); ok {
		return m, nil
	}
	m, err := s.repo.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	s.cache.Set(m)
	return m, nil
}

// BatchGet resolves multiple keys with one cache multi-get, one
// authoritative batch query for the cache misses, and one cache multi-set
// to backfill — three round-trips regardless of batch size (spec.md §4.2).
func (s *Service) BatchGet(ctx context.Context, keys []string) (map[string]*models.FeatureMetadata, error) {
	hits, misses := s.cache.BatchGet(keys)
	if len(misses) == 0 {
		return hits, nil
	}

	fetched, err := s.repo.BatchGet(ctx, misses)
	if err != nil {
		return nil, err
	}
	s.cache.BatchSet(fetched)

	for k, v := range fetched {
		hits[k] = v
	}
	return hits, nil
}

// Upsert writes m to the authoritative store, then overwrites the cache
// entry for m.KeyName with m so the next Get observes the new value rather
// than a stale cached one (spec.md §4.2: "writes update the authoritative store
// first, then invalidate/populate the cache entry"). Returns whether the
// row was newly created and, if not, the tier it previously occupied so
// the router can clean up a stale copy there.
func (s *Service) Upsert(ctx context.Context, m *models.FeatureMetadata) (created bool, previousTier models.StorageTier, err error) {
	created, previousTier, err = s.repo.Upsert(ctx, m)
	if err != nil {
		return false, "", err
	}
	s.cache.Set(m)
	return created, previousTier, nil
}

// Update overwrites an existing row; a no-op if key is missing.
func (s *Service) Update(ctx context.Context, m *models.FeatureMetadata) (bool, error) {
	updated, err := s.repo.Update(ctx, m)
	if err != nil {
		return false, err
	}
	if updated {
		s.cache.Set(m)
	}
	return updated, nil
}

// BatchUpdate applies every record in one transaction via the repository's
// BatchUpdate, then invalidates each key's cache entry — the transactional
// counterpart to calling Update once per key, used by the PUT /batch HTTP
// handler so a partial failure can't update some keys' authoritative rows
// while leaving others untouched (spec.md §4.2).
func (s *Service) BatchUpdate(ctx context.Context, records []*models.FeatureMetadata) (map[string]bool, error) {
	updated, err := s.repo.BatchUpdate(ctx, records)
	if err != nil {
		return nil, err
	}
	for _, m := range records {
		s.cache.Invalidate(m.KeyName)
	}
	return updated, nil
}

// Delete removes the row and its cache entry.
func (s *Service) Delete(ctx context.Context, key string) (bool, error) {
	existed, err := s.repo.Delete(ctx, key)
	if err != nil {
		return false, err
	}
	s.cache.Invalidate(key)
	return existed, nil
}

// RecordAccess bumps access_count/last_access_time for key. Errors are
// logged, not returned: access stats are advisory, never on the blocking
// read path (spec.md §4.1 step 5, §9 "async stat updates").
func (s *Service) RecordAccess(ctx context.Context, key string, now int64) {
	if err := s.repo.IncrementAccessCount(ctx, key, now); err != nil {
		s.logger.Warnf("metadata: failed to record access for key=%s: %v", key, err)
		return
	}
	// Invalidate rather than patch in place: the cached row's AccessCount/
	// LastAccessTime would otherwise silently drift from the authoritative
	// value until the TTL expires it.
	s.cache.Invalidate(key)
}

// SelectForHotToCold and SelectForColdToHot expose the migration engine's
// candidate-selection queries (spec.md §4.3) — these bypass the cache
// entirely since they scan by access pattern, not by key, and the engine
// needs a consistent read of migration_status for its CAS claim anyway.

func (s *Service) SelectForHotToCold(ctx context.Context, now, idleThresholdMs int64, limit int) ([]*models.FeatureMetadata, error) {
	return s.repo.SelectForHotToCold(ctx, now, idleThresholdMs, limit)
}

func (s *Service) SelectForColdToHot(ctx context.Context, accessCountThreshold, recentAccessSince int64, limit int) ([]*models.FeatureMetadata, error) {
	return s.repo.SelectForColdToHot(ctx, accessCountThreshold, recentAccessSince, limit)
}

// SelectExpired exposes the cleanup engine's expiry-sweep candidate query.
func (s *Service) SelectExpired(ctx context.Context, now int64, limit int) ([]string, error) {
	return s.repo.SelectExpired(ctx, now, limit)
}

// DeleteExpired removes every row expired as of now and invalidates the
// cache entries of keys. Rows removed for keys not in keys keep any cached
// entry until its TTL runs out.
func (s *Service) DeleteExpired(ctx context.Context, now int64, keys []string) (int, error) {
	n, err := s.repo.DeleteExpired(ctx, now)
	if err != nil {
		return 0, err
	}
	for _, k := range keys {
		s.cache.Invalidate(k)
	}
	return n, nil
}

// ResetAccessCounts zeroes access_count across every row and purges the
// cache, since every cached row's count goes stale at once in a way no
// per-key Invalidate call could track (spec.md §4.2 "access_count ...
// may be ... reset by ResetAccessCounts at epoch boundaries").
func (s *Service) ResetAccessCounts(ctx context.Context, now int64) (int, error) {
	n, err := s.repo.ResetAccessCounts(ctx, now)
	if err != nil {
		return 0, err
	}
	s.cache.Purge()
	return n, nil
}

// RunAccessCountResetLoop calls ResetAccessCounts on a fixed cadence until
// ctx is cancelled, grounded on the cleanup engine's own ticker-loop shape
// (pkg/cleanup/engine.go Run). The Migration engine's cold_to_hot
// candidate query compares access_count against a threshold with no
// window of its own, so periodic resets are what bounds that threshold to
// a recent window rather than a lifetime total.
func (s *Service) RunAccessCountResetLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.ResetAccessCounts(ctx, models.NowMs())
			if err != nil {
				s.logger.Errorf("metadata: access count reset failed: %v", err)
				continue
			}
			s.logger.Infof("metadata: reset access_count on %d rows", n)
		}
	}
}

// CountByTier and StatsByTier/StatsByTag expose read-only aggregates for
// the stats HTTP surface (spec.md §6.1 GET /api/v1/metadata/stats).

func (s *Service) CountByTier(ctx context.Context) (map[models.StorageTier]int64, error) {
	return s.repo.CountByTier(ctx)
}

func (s *Service) StatsByTier(ctx context.Context, tier models.StorageTier) (*metadatastore.TierStats, error) {
	if !tier.Valid() {
		return nil, apperr.New(apperr.KindValidation, "metadata.StatsByTier", "invalid storage tier")
	}
	return s.repo.StatsByTier(ctx, tier)
}

func (s *Service) StatsByTag(ctx context.Context, tag string) (*metadatastore.TierStats, error) {
	if tag == "" {
		return nil, apperr.New(apperr.KindValidation, "metadata.StatsByTag", "business tag must not be empty")
	}
	return s.repo.StatsByTag(ctx, tag)
}

// ClaimMigration, FinalizeMigration, AbortMigration pass straight through
// to the repository's CAS operations (spec.md §4.3), invalidating the
// cache on the transitions that change what a concurrent reader would see.

func (s *Service) ClaimMigration(ctx context.Context, key string, now int64) (*models.FeatureMetadata, error) {
	m, err := s.repo.ClaimMigration(ctx, key, now)
	if err != nil {
		return nil, err
	}
	s.cache.Invalidate(key)
	return m, nil
}

func (s *Service) FinalizeMigration(ctx context.Context, key string, newTier models.StorageTier, now int64) error {
	if err := s.repo.FinalizeMigration(ctx, key, newTier, now); err != nil {
		return err
	}
	s.cache.Invalidate(key)
	return nil
}

func (s *Service) AbortMigration(ctx context.Context, key string, now int64) error {
	if err := s.repo.AbortMigration(ctx, key, now); err != nil {
		return err
	}
	s.cache.Invalidate(key)
	return nil
}

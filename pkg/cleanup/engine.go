// Package cleanup is the Cleanup engine of spec.md §4.4: the expiry sweep
// and orphan sweep that reconcile HOT, COLD, and the metadata store.
// Grounded on the migration engine's ticker-loop/single-in-flight-guard
// shape (pkg/migration/engine.go), itself adapted from the teacher's
// scheduled-worker pattern.
package cleanup

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/featurehub/featurehub/pkg/apperr"
	"github.com/featurehub/featurehub/pkg/backend"
	"github.com/featurehub/featurehub/pkg/eventbus"
	"github.com/featurehub/featurehub/pkg/metadata"
	"github.com/featurehub/featurehub/pkg/metadatastore"
	"github.com/featurehub/featurehub/pkg/models"
	"github.com/featurehub/featurehub/pkg/observability"
)

// Config controls sweep cadence, batch sizing, and dry-run mode (spec.md
// §4.4, §6.4 cleanup config keys).
type Config struct {
	BatchSize             int
	BatchIntervalMs       int
	ExpirySweepInterval   time.Duration
	OrphanSweepInterval   time.Duration
	OrphanCleanupEnabled  bool
	DryRun                bool
	ScanBatchSize         int64
}

func (c Config) batchSize() int {
	if c.BatchSize <= 0 {
		return 1000
	}
	return c.BatchSize
}

func (c Config) batchInterval() time.Duration {
	if c.BatchIntervalMs <= 0 {
		return 0
	}
	return time.Duration(c.BatchIntervalMs) * time.Millisecond
}

// jitteredBatchInterval mirrors the migration engine's jittered inter-batch
// delay (pkg/migration/engine.go) so expiry-sweep batches don't land on
// postgres/redis in lockstep with any other sweep running at the same
// cadence.
func (c Config) jitteredBatchInterval() time.Duration {
	interval := c.batchInterval()
	if interval <= 0 {
		return 0
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = interval
	b.MaxInterval = interval
	b.Multiplier = 1
	b.RandomizationFactor = 0.2
	b.MaxElapsedTime = 0
	return b.NextBackOff()
}

func (c Config) scanBatchSize() int64 {
	if c.ScanBatchSize <= 0 {
		return 500
	}
	return c.ScanBatchSize
}

// Engine runs the expiry and orphan sweeps.
type Engine struct {
	cfg     Config
	meta    *metadata.Service
	records *metadatastore.Repository
	hot     backend.Store
	cold    backend.Store
	bus     *eventbus.Bus
	logger  observability.Logger

	expiryRunning atomic.Bool
	orphanRunning atomic.Bool

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New composes an Engine.
func New(cfg Config, meta *metadata.Service, records *metadatastore.Repository, hot, cold backend.Store, bus *eventbus.Bus, logger observability.Logger) *Engine {
	return &Engine{cfg: cfg, meta: meta, records: records, hot: hot, cold: cold, bus: bus, logger: logger, stopCh: make(chan struct{})}
}

// Run starts the expiry (daily) and orphan (weekly) sweep loops and blocks
// until ctx is cancelled or Stop is called.
func (e *Engine) Run(ctx context.Context) {
	expiryTicker := time.NewTicker(orDefault(e.cfg.ExpirySweepInterval, 24*time.Hour))
	orphanTicker := time.NewTicker(orDefault(e.cfg.OrphanSweepInterval, 7*24*time.Hour))
	defer expiryTicker.Stop()
	defer orphanTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-expiryTicker.C:
			go e.RunExpirySweep(ctx)
		case <-orphanTicker.C:
			if e.cfg.OrphanCleanupEnabled {
				go e.RunOrphanSweep(ctx)
			}
		}
	}
}

// Stop signals Run to return.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
}

func orDefault(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}

// RunExpirySweep pulls keys with expire_time < now, batches them, deletes
// each from the tier recorded in metadata (log-and-skip if metadata
// missing), then deletes the expired metadata rows (spec.md §4.4). That
// metadata delete is not limited to the batch's keys: it removes every row
// expired as of the sweep's start, including rows whose store delete failed
// or was skipped.
func (e *Engine) RunExpirySweep(ctx context.Context) *models.CleanupRecord {
	if !e.expiryRunning.CompareAndSwap(false, true) {
		e.logger.Debugf("cleanup: expiry sweep already running, skipping tick")
		return nil
	}
	defer e.expiryRunning.Store(false)

	taskID := uuid.NewString()
	rec := &models.CleanupRecord{
		TaskID:    taskID,
		Type:      models.CleanupExpired,
		Status:    models.TaskRunning,
		StartTime: models.NowMs(),
	}
	if err := e.records.InsertCleanupRecord(ctx, rec); err != nil {
		e.logger.Errorf("cleanup: failed to insert cleanup record task=%s: %v", taskID, err)
	}

	now := models.NowMs()
	batchSize := e.cfg.batchSize()

	for {
		keys, err := e.meta.SelectExpired(ctx, now, batchSize)
		if err != nil {
			e.logger.Errorf("cleanup: expiry candidate selection failed task=%s: %v", taskID, err)
			break
		}
		if len(keys) == 0 {
			break
		}

		deleted := e.deleteExpiredBatch(ctx, keys, rec)
		if !e.cfg.DryRun {
			if _, err := e.meta.DeleteExpired(ctx, now, deleted); err != nil {
				e.logger.Errorf("cleanup: failed to delete expired metadata rows task=%s: %v", taskID, err)
			}
		}

		if len(keys) < batchSize {
			break
		}
		select {
		case <-ctx.Done():
			goto done
		case <-time.After(e.cfg.jitteredBatchInterval()):
		}
	}
done:

	e.finish(ctx, rec)
	return rec
}

// deleteExpiredBatch deletes each key from the tier its metadata names,
// logging and skipping a key whose metadata vanished between selection and
// delete (spec.md §4.4 "log-and-skip if metadata missing"). Returns the
// keys actually deleted (or, in dry-run mode, the keys that would be).
func (e *Engine) deleteExpiredBatch(ctx context.Context, keys []string, rec *models.CleanupRecord) []string {
	deleted := make([]string, 0, len(keys))
	for _, key := range keys {
		m, err := e.meta.Get(ctx, key)
		if err != nil {
			if apperr.IsNotFound(err) {
				e.logger.Warnf("cleanup: metadata vanished for expired key=%s, skipping store delete", key)
				rec.FailedCount++
				continue
			}
			e.logger.Errorf("cleanup: metadata lookup failed for expired key=%s: %v", key, err)
			rec.FailedCount++
			continue
		}

		if e.cfg.DryRun {
			deleted = append(deleted, key)
			rec.CleanedCount++
			continue
		}

		if _, err := e.storeFor(m.StorageTier).Del(ctx, key); err != nil {
			e.logger.Errorf("cleanup: failed to delete expired key=%s from tier=%s: %v", key, m.StorageTier, err)
			rec.FailedCount++
			continue
		}
		deleted = append(deleted, key)
		rec.CleanedCount++
	}
	return deleted
}

// RunOrphanSweep enumerates keys present in HOT and COLD (bounded
// per-iteration scan), and for each one re-validates against the
// authoritative metadata store before declaring it an orphan and deleting
// it (spec.md §4.4 "never deletes based on store-side view alone").
func (e *Engine) RunOrphanSweep(ctx context.Context) *models.CleanupRecord {
	if !e.orphanRunning.CompareAndSwap(false, true) {
		e.logger.Debugf("cleanup: orphan sweep already running, skipping tick")
		return nil
	}
	defer e.orphanRunning.Store(false)

	taskID := uuid.NewString()
	rec := &models.CleanupRecord{
		TaskID:    taskID,
		Type:      models.CleanupOrphan,
		Status:    models.TaskRunning,
		StartTime: models.NowMs(),
	}
	if err := e.records.InsertCleanupRecord(ctx, rec); err != nil {
		e.logger.Errorf("cleanup: failed to insert cleanup record task=%s: %v", taskID, err)
	}

	e.sweepStoreForOrphans(ctx, e.hot, models.TierHot, rec)
	e.sweepStoreForOrphans(ctx, e.cold, models.TierCold, rec)

	e.finish(ctx, rec)
	return rec
}

func (e *Engine) sweepStoreForOrphans(ctx context.Context, store backend.Store, tier models.StorageTier, rec *models.CleanupRecord) {
	err := store.Scan(ctx, "", e.cfg.scanBatchSize(), func(keys []string) (bool, error) {
		for _, key := range keys {
			if e.isOrphan(ctx, key) {
				if e.cfg.DryRun {
					rec.CleanedCount++
					continue
				}
				if _, err := store.Del(ctx, key); err != nil {
					e.logger.Errorf("cleanup: failed to delete orphan key=%s from tier=%s: %v", key, tier, err)
					rec.FailedCount++
					continue
				}
				rec.CleanedCount++
			}
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		default:
			return true, nil
		}
	})
	if err != nil {
		e.logger.Errorf("cleanup: orphan scan of tier=%s failed: %v", tier, err)
	}
}

// isOrphan re-validates a store-side key against the authoritative
// metadata store through the Service. The Service's cache holds only rows
// that exist, so a cache hit means "not an orphan" and every "absent"
// answer comes from the repository, never from a cached negative.
func (e *Engine) isOrphan(ctx context.Context, key string) bool {
	_, err := e.meta.Get(ctx, key)
	if err == nil {
		// A key present in the wrong tier (e.g. mid-migration) is not an
		// orphan; only a key entirely unknown to metadata is.
		return false
	}
	if apperr.IsNotFound(err) {
		return true
	}
	e.logger.Errorf("cleanup: metadata lookup failed for key=%s during orphan check: %v", key, err)
	return false
}

func (e *Engine) storeFor(tier models.StorageTier) backend.Store {
	if tier == models.TierCold {
		return e.cold
	}
	return e.hot
}

func (e *Engine) finish(ctx context.Context, rec *models.CleanupRecord) {
	endTime := models.NowMs()
	rec.EndTime = &endTime
	rec.Status = models.TaskCompleted
	if rec.FailedCount > 0 && rec.CleanedCount == 0 {
		rec.Status = models.TaskFailed
	}
	if err := e.records.UpdateCleanupRecord(ctx, rec); err != nil {
		e.logger.Errorf("cleanup: failed to update cleanup record task=%s: %v", rec.TaskID, err)
	}
	if err := e.bus.PublishCleanupEvent(ctx, *rec); err != nil {
		e.logger.Debugf("cleanup: failed to publish cleanup event task=%s: %v", rec.TaskID, err)
	}
}

// Package migration is the Migration engine of spec.md §4.3: the
// per-key state machine that moves a feature between HOT and COLD under
// concurrent reader traffic, driven by two periodic sweeps plus manual
// triggers. Grounded on the teacher's scheduled-worker pattern (a ticker
// loop with a single-in-flight guard) adapted from
// pkg/repository/postgres/task_repository.go's surrounding worker code and
// the resilience package's circuit-breaker/bulkhead composition already
// used by pkg/backend.
package migration

import (
	"bytes"
	"context"
	"fmt"
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

// Config controls sweep cadence and candidate-selection thresholds
// (spec.md §4.3, loaded from config.MigrationConfig).
type Config struct {
	HotToColdIdleMs          int64
	ColdToHotAccessThreshold int64
	ColdToHotRecentMs        int64
	BatchSize                int
	BatchIntervalMs          int
	MaxMigrationSize         int64
	HotSweepInterval         time.Duration
	ColdSweepInterval        time.Duration
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

// jitteredBatchInterval wraps batchInterval in an ExponentialBackOff pinned
// to a single step (Multiplier 1) so consecutive sweep batches don't all
// land on postgres/redis at the exact same offset — a small randomized
// jitter around the configured interval rather than true backoff growth.
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

func (c Config) maxMigrationSize() int {
	if c.MaxMigrationSize <= 0 {
		return 10000
	}
	return int(c.MaxMigrationSize)
}

// Engine runs the HOT→COLD and COLD→HOT sweeps and executes the per-key
// migration protocol.
type Engine struct {
	cfg     Config
	meta    *metadata.Service
	records *metadatastore.Repository
	hot     backend.Store
	cold    backend.Store
	bus     *eventbus.Bus
	logger  observability.Logger

	hotToColdRunning atomic.Bool
	coldToHotRunning atomic.Bool

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New composes an Engine. records is the same Repository backing meta,
// passed separately since MigrationRecord audit rows are not part of the
// per-key placement domain metadata.Service caches (spec.md §3.3 vs §3.1).
func New(cfg Config, meta *metadata.Service, records *metadatastore.Repository, hot, cold backend.Store, bus *eventbus.Bus, logger observability.Logger) *Engine {
	return &Engine{cfg: cfg, meta: meta, records: records, hot: hot, cold: cold, bus: bus, logger: logger, stopCh: make(chan struct{})}
}

// Run starts the two periodic sweep loops and blocks until ctx is
// cancelled or Stop is called.
func (e *Engine) Run(ctx context.Context) {
	hotTicker := time.NewTicker(orDefault(e.cfg.HotSweepInterval, 5*time.Minute))
	coldTicker := time.NewTicker(orDefault(e.cfg.ColdSweepInterval, 10*time.Minute))
	defer hotTicker.Stop()
	defer coldTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-hotTicker.C:
			go e.sweepHotToCold(ctx)
		case <-coldTicker.C:
			go e.sweepColdToHot(ctx)
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

// sweepHotToCold runs one HOT→COLD sweep if no sweep of this direction is
// already in flight (spec.md §4.3 "single in-flight invocation").
func (e *Engine) sweepHotToCold(ctx context.Context) {
	if !e.hotToColdRunning.CompareAndSwap(false, true) {
		e.logger.Debugf("migration: hot->cold sweep already running, skipping tick")
		return
	}
	defer e.hotToColdRunning.Store(false)

	now := models.NowMs()
	candidates, err := e.meta.SelectForHotToCold(ctx, now, e.cfg.HotToColdIdleMs, e.cfg.maxMigrationSize())
	if err != nil {
		e.logger.Errorf("migration: hot->cold candidate selection failed: %v", err)
		return
	}
	keys := make([]string, len(candidates))
	for i, c := range candidates {
		keys[i] = c.KeyName
	}
	e.RunBatch(ctx, models.HotToCold, keys)
}

// sweepColdToHot runs one COLD→HOT sweep under the same single-in-flight
// guard.
func (e *Engine) sweepColdToHot(ctx context.Context) {
	if !e.coldToHotRunning.CompareAndSwap(false, true) {
		e.logger.Debugf("migration: cold->hot sweep already running, skipping tick")
		return
	}
	defer e.coldToHotRunning.Store(false)

	now := models.NowMs()
	recentSince := now - e.cfg.ColdToHotRecentMs
	candidates, err := e.meta.SelectForColdToHot(ctx, e.cfg.ColdToHotAccessThreshold, recentSince, e.cfg.maxMigrationSize())
	if err != nil {
		e.logger.Errorf("migration: cold->hot candidate selection failed: %v", err)
		return
	}
	keys := make([]string, len(candidates))
	for i, c := range candidates {
		keys[i] = c.KeyName
	}
	e.RunBatch(ctx, models.ColdToHot, keys)
}

// RunBatch drives one migration task (a scheduled sweep's candidate set,
// or a manual trigger's explicit key list) through to completion,
// partitioning keys into batches of cfg.BatchSize with a sleep of
// cfg.BatchIntervalMs between them (spec.md §4.3), and records a
// MigrationRecord for the whole task.
func (e *Engine) RunBatch(ctx context.Context, mtype models.MigrationType, keys []string) *models.MigrationRecord {
	taskID := uuid.NewString()
	rec := &models.MigrationRecord{
		TaskID:     taskID,
		Type:       mtype,
		Status:     models.TaskRunning,
		SourceTier: sourceTier(mtype),
		TargetTier: targetTier(mtype),
		StartTime:  models.NowMs(),
		Total:      len(keys),
	}
	if ierr := e.insertRecord(ctx, rec); ierr != nil {
		e.logger.Errorf("migration: failed to insert migration record task=%s: %v", taskID, ierr)
	}

	batchSize := e.cfg.batchSize()
batches:
	for start := 0; start < len(keys); start += batchSize {
		end := start + batchSize
		if end > len(keys) {
			end = len(keys)
		}
		for _, key := range keys[start:end] {
			if err := e.migrateKey(ctx, mtype, key); err != nil {
				rec.FailCount++
				rec.FailedKeys = append(rec.FailedKeys, key)
				e.logger.Warnf("migration: key=%s task=%s failed: %v", key, taskID, err)
				continue
			}
			rec.SuccessCount++
		}
		if end < len(keys) {
			select {
			case <-ctx.Done():
				break batches
			case <-time.After(e.cfg.jitteredBatchInterval()):
			}
		}
	}

	endTime := models.NowMs()
	rec.EndTime = &endTime
	rec.Status = models.TaskCompleted
	if rec.FailCount > 0 && rec.SuccessCount == 0 {
		rec.Status = models.TaskFailed
	}
	if uerr := e.updateRecord(ctx, rec); uerr != nil {
		e.logger.Errorf("migration: failed to update migration record task=%s: %v", taskID, uerr)
	}
	if perr := e.bus.PublishMigrationEvent(ctx, *rec); perr != nil {
		e.logger.Debugf("migration: failed to publish migration event task=%s: %v", taskID, perr)
	}
	return rec
}

func sourceTier(mtype models.MigrationType) models.StorageTier {
	if mtype == models.HotToCold {
		return models.TierHot
	}
	return models.TierCold
}

func targetTier(mtype models.MigrationType) models.StorageTier {
	return sourceTier(mtype).Other()
}

// migrateKey runs the six-step per-key protocol from spec.md §4.3 for one
// key in direction mtype.
func (e *Engine) migrateKey(ctx context.Context, mtype models.MigrationType, key string) error {
	from := sourceTier(mtype)
	to := targetTier(mtype)
	srcStore := e.storeFor(from)
	dstStore := e.storeFor(to)
	now := models.NowMs()

	// 1. Claim.
	if _, err := e.meta.ClaimMigration(ctx, key, now); err != nil {
		if apperr.KindOf(err) == apperr.KindConflict {
			return nil // another claimer won the race or metadata missing; not a failure
		}
		return fmt.Errorf("claim: %w", err)
	}

	// 2. Read source.
	value, found, err := srcStore.Get(ctx, key)
	if err != nil {
		e.abort(ctx, key, fmt.Sprintf("reading source: %v", err))
		return err
	}
	if !found {
		e.abort(ctx, key, "source missing")
		return apperr.New(apperr.KindNotFound, "migration.migrateKey", "source missing").WithKey(key)
	}

	// 3. Write target.
	ttl, _ := srcStore.TTL(ctx, key)
	var ttlSeconds int64
	if ttl > 0 {
		ttlSeconds = ttl
	}
	if err := dstStore.Set(ctx, key, value, ttlSeconds); err != nil {
		e.abort(ctx, key, fmt.Sprintf("writing target: %v", err))
		return err
	}

	// 4. Verify.
	verifyValue, verifyFound, err := dstStore.Get(ctx, key)
	if err != nil || !verifyFound || !bytes.Equal([]byte(verifyValue), []byte(value)) {
		e.abort(ctx, key, "verify mismatch")
		return apperr.New(apperr.KindConflict, "migration.migrateKey", "verify mismatch after write").WithKey(key)
	}

	// 5. Delete source.
	if _, err := srcStore.Del(ctx, key); err != nil {
		// The target copy is already verified correct; a failed source
		// delete leaves a harmless duplicate, not a correctness problem,
		// so this does not abort the migration.
		e.logger.Warnf("migration: failed to delete source copy for key=%s after successful migration: %v", key, err)
	}

	// 6. Finalize.
	if err := e.meta.FinalizeMigration(ctx, key, to, models.NowMs()); err != nil {
		return fmt.Errorf("finalize: %w", err)
	}
	return nil
}

func (e *Engine) abort(ctx context.Context, key, reason string) {
	if err := e.meta.AbortMigration(ctx, key, models.NowMs()); err != nil {
		e.logger.Errorf("migration: failed to abort key=%s (%s): %v", key, reason, err)
	}
}

func (e *Engine) storeFor(tier models.StorageTier) backend.Store {
	if tier == models.TierCold {
		return e.cold
	}
	return e.hot
}

func (e *Engine) insertRecord(ctx context.Context, rec *models.MigrationRecord) error {
	return e.records.InsertMigrationRecord(ctx, rec)
}

func (e *Engine) updateRecord(ctx context.Context, rec *models.MigrationRecord) error {
	return e.records.UpdateMigrationRecord(ctx, rec)
}

// Package metadatastore also holds the Repository: the sqlx-backed access
// layer implementing the per-key CRUD and candidate-selection queries
// spec.md §4.2 names, plus the CAS migration_status transition spec.md
// §4.3 relies on for per-key locking. Grounded on the teacher's
// pkg/repository/postgres/task_repository.go (NamedExec/Get/Select over
// sqlx, pq error classification, Prometheus per-query metrics).
package metadatastore

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/featurehub/featurehub/pkg/apperr"
	"github.com/featurehub/featurehub/pkg/models"
)

// Repository is the FeatureMetadata access layer, the Metadata component's
// authoritative store (spec.md §4.2).
type Repository struct {
	db      *sqlx.DB
	metrics *repositoryMetrics
}

type repositoryMetrics struct {
	queries       *prometheus.CounterVec
	queryDuration *prometheus.HistogramVec
}

var defaultMetrics *repositoryMetrics

func newRepositoryMetrics(namespace string) *repositoryMetrics {
	return &repositoryMetrics{
		queries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "metadatastore", Name: "queries_total",
			Help: "Count of metadata store queries by operation and outcome.",
		}, []string{"operation", "outcome"}),
		queryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "metadatastore", Name: "query_duration_seconds",
			Help:    "Metadata store query latency by operation.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
	}
}

// NewRepository wraps store.DB() with the query layer. namespace is the
// Prometheus namespace (spec.md §6.4 metrics.namespace). The collectors are
// not registered with any Prometheus registry, so constructing more than one
// is safe; they do not appear on /metrics.
func NewRepository(store *Store, namespace string) *Repository {
	return &Repository{db: store.db, metrics: newRepositoryMetrics(namespace)}
}

// NewRepositoryWithDB is the sqlmock-friendly constructor used by tests.
func NewRepositoryWithDB(db *sqlx.DB) *Repository {
	if defaultMetrics == nil {
		defaultMetrics = newRepositoryMetrics("featurehub_test")
	}
	return &Repository{db: db, metrics: defaultMetrics}
}

func (r *Repository) observe(operation string, start time.Time, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	r.metrics.queries.WithLabelValues(operation, outcome).Inc()
	r.metrics.queryDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// Get retrieves one row by key. Returns apperr KindNotFound if absent.
func (r *Repository) Get(ctx context.Context, key string) (*models.FeatureMetadata, error) {
	start := time.Now()
	var m models.FeatureMetadata
	err := r.db.GetContext(ctx, &m, `
		SELECT key_name, storage_tier, last_access_time, access_count,
		       create_time, update_time, expire_time, data_size, business_tag,
		       migration_status, migration_time
		FROM feature_metadata WHERE key_name = $1`, key)
	r.observe("get", start, err)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperr.New(apperr.KindNotFound, "metadatastore.Get", "no metadata for key").WithKey(key)
		}
		return nil, apperr.Wrap(err, apperr.KindBackendUnavailable, "metadatastore.Get", "querying feature_metadata").WithKey(key)
	}
	return &m, nil
}

// BatchGet fetches every row it can find among keys in one query;
// keys absent from the result are simply missing from the returned map —
// callers distinguish "not found" from "error" themselves (spec.md §4.2
// batch-get semantics).
func (r *Repository) BatchGet(ctx context.Context, keys []string) (map[string]*models.FeatureMetadata, error) {
	out := make(map[string]*models.FeatureMetadata, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	dedup := dedupeKeys(keys)

	start := time.Now()
	var rows []models.FeatureMetadata
	err := r.db.SelectContext(ctx, &rows, `
		SELECT key_name, storage_tier, last_access_time, access_count,
		       create_time, update_time, expire_time, data_size, business_tag,
		       migration_status, migration_time
		FROM feature_metadata WHERE key_name = ANY($1)`, pq.Array(dedup))
	r.observe("batch_get", start, err)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindBackendUnavailable, "metadatastore.BatchGet", "querying feature_metadata")
	}
	for i := range rows {
		row := rows[i]
		out[row.KeyName] = &row
	}
	return out, nil
}

func dedupeKeys(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}

// Upsert inserts or fully replaces a row. Reports whether the row was newly
// created and, for an update, the tier the row held before it (even when
// that is the same tier), so the router can compare it with the new tier and
// delete a stale copy there (spec.md §4.1 write step 4).
func (r *Repository) Upsert(ctx context.Context, m *models.FeatureMetadata) (created bool, previousTier models.StorageTier, err error) {
	start := time.Now()

	var existing models.FeatureMetadata
	getErr := r.db.GetContext(ctx, &existing, `SELECT storage_tier FROM feature_metadata WHERE key_name = $1`, m.KeyName)
	switch getErr {
	case nil:
		created = false
		previousTier = existing.StorageTier
	case sql.ErrNoRows:
		created = true
	default:
		r.observe("upsert", start, getErr)
		return false, "", apperr.Wrap(getErr, apperr.KindBackendUnavailable, "metadatastore.Upsert", "checking existing row").WithKey(m.KeyName)
	}

	_, err = r.db.NamedExecContext(ctx, `
		INSERT INTO feature_metadata (
			key_name, storage_tier, last_access_time, access_count,
			create_time, update_time, expire_time, data_size, business_tag,
			migration_status, migration_time
		) VALUES (
			:key_name, :storage_tier, :last_access_time, :access_count,
			:create_time, :update_time, :expire_time, :data_size, :business_tag,
			:migration_status, :migration_time
		)
		ON CONFLICT (key_name) DO UPDATE SET
			storage_tier = EXCLUDED.storage_tier,
			last_access_time = EXCLUDED.last_access_time,
			access_count = EXCLUDED.access_count,
			update_time = EXCLUDED.update_time,
			expire_time = EXCLUDED.expire_time,
			data_size = EXCLUDED.data_size,
			business_tag = EXCLUDED.business_tag,
			migration_status = EXCLUDED.migration_status,
			migration_time = EXCLUDED.migration_time`, m)
	r.observe("upsert", start, err)
	if err != nil {
		return false, "", apperr.Wrap(err, apperr.KindBackendUnavailable, "metadatastore.Upsert", "upserting feature_metadata").WithKey(m.KeyName)
	}
	return created, previousTier, nil
}

// Update overwrites an existing row; a no-op (false, nil) if the key is
// missing, per spec.md §4.2's "no-op if missing" contract.
func (r *Repository) Update(ctx context.Context, m *models.FeatureMetadata) (bool, error) {
	start := time.Now()
	res, err := r.db.NamedExecContext(ctx, `
		UPDATE feature_metadata SET
			storage_tier = :storage_tier,
			last_access_time = :last_access_time,
			access_count = :access_count,
			update_time = :update_time,
			expire_time = :expire_time,
			data_size = :data_size,
			business_tag = :business_tag,
			migration_status = :migration_status,
			migration_time = :migration_time
		WHERE key_name = :key_name`, m)
	r.observe("update", start, err)
	if err != nil {
		return false, apperr.Wrap(err, apperr.KindBackendUnavailable, "metadatastore.Update", "updating feature_metadata").WithKey(m.KeyName)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, apperr.Wrap(err, apperr.KindInternal, "metadatastore.Update", "reading rows affected").WithKey(m.KeyName)
	}
	return n > 0, nil
}

// BatchUpdate applies Update to each record inside one transaction, so a
// partial failure never leaves a mixed update applied (callers still get
// per-key results per spec.md's partial-failure-tolerant batch contract —
// a single row's absence is reported false, not an error for the batch).
func (r *Repository) BatchUpdate(ctx context.Context, records []*models.FeatureMetadata) (map[string]bool, error) {
	out := make(map[string]bool, len(records))
	if len(records) == 0 {
		return out, nil
	}

	start := time.Now()
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		r.observe("batch_update", start, err)
		return nil, apperr.Wrap(err, apperr.KindBackendUnavailable, "metadatastore.BatchUpdate", "beginning transaction")
	}
	defer tx.Rollback() //nolint:errcheck

	for _, m := range records {
		res, uerr := tx.NamedExecContext(ctx, `
			UPDATE feature_metadata SET
				storage_tier = :storage_tier,
				last_access_time = :last_access_time,
				access_count = :access_count,
				update_time = :update_time,
				expire_time = :expire_time,
				data_size = :data_size,
				business_tag = :business_tag,
				migration_status = :migration_status,
				migration_time = :migration_time
			WHERE key_name = :key_name`, m)
		if uerr != nil {
			r.observe("batch_update", start, uerr)
			return nil, apperr.Wrap(uerr, apperr.KindBackendUnavailable, "metadatastore.BatchUpdate", "updating row").WithKey(m.KeyName)
		}
		n, _ := res.RowsAffected()
		out[m.KeyName] = n > 0
	}

	err = tx.Commit()
	r.observe("batch_update", start, err)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindBackendUnavailable, "metadatastore.BatchUpdate", "committing transaction")
	}
	return out, nil
}

// Delete removes a row, reporting whether one existed.
func (r *Repository) Delete(ctx context.Context, key string) (bool, error) {
	start := time.Now()
	res, err := r.db.ExecContext(ctx, `DELETE FROM feature_metadata WHERE key_name = $1`, key)
	r.observe("delete", start, err)
	if err != nil {
		return false, apperr.Wrap(err, apperr.KindBackendUnavailable, "metadatastore.Delete", "deleting row").WithKey(key)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, apperr.Wrap(err, apperr.KindInternal, "metadatastore.Delete", "reading rows affected").WithKey(key)
	}
	return n > 0, nil
}

// SelectForHotToCold returns STABLE HOT rows idle longer than
// idleThresholdMs, oldest-accessed first, capped at limit (spec.md §4.3
// candidate selection policy).
func (r *Repository) SelectForHotToCold(ctx context.Context, now, idleThresholdMs int64, limit int) ([]*models.FeatureMetadata, error) {
	start := time.Now()
	var rows []*models.FeatureMetadata
	err := r.db.SelectContext(ctx, &rows, `
		SELECT key_name, storage_tier, last_access_time, access_count,
		       create_time, update_time, expire_time, data_size, business_tag,
		       migration_status, migration_time
		FROM feature_metadata
		WHERE storage_tier = $1 AND migration_status = $2 AND ($3 - last_access_time) > $4
		ORDER BY last_access_time ASC
		LIMIT $5`, models.TierHot, models.StatusStable, now, idleThresholdMs, limit)
	r.observe("select_hot_to_cold", start, err)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindBackendUnavailable, "metadatastore.SelectForHotToCold", "selecting candidates")
	}
	return rows, nil
}

// SelectForColdToHot returns STABLE COLD rows hot enough to recall,
// ordered descending by (access_count, last_access_time), capped at limit.
func (r *Repository) SelectForColdToHot(ctx context.Context, accessCountThreshold, recentAccessSince int64, limit int) ([]*models.FeatureMetadata, error) {
	start := time.Now()
	var rows []*models.FeatureMetadata
	err := r.db.SelectContext(ctx, &rows, `
		SELECT key_name, storage_tier, last_access_time, access_count,
		       create_time, update_time, expire_time, data_size, business_tag,
		       migration_status, migration_time
		FROM feature_metadata
		WHERE storage_tier = $1 AND migration_status = $2
		  AND access_count >= $3 AND last_access_time >= $4
		ORDER BY access_count DESC, last_access_time DESC
		LIMIT $5`, models.TierCold, models.StatusStable, accessCountThreshold, recentAccessSince, limit)
	r.observe("select_cold_to_hot", start, err)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindBackendUnavailable, "metadatastore.SelectForColdToHot", "selecting candidates")
	}
	return rows, nil
}

// SelectExpired returns the keys of rows whose expire_time is in the past,
// capped at limit (spec.md §4.4 expiry sweep).
func (r *Repository) SelectExpired(ctx context.Context, now int64, limit int) ([]string, error) {
	start := time.Now()
	var keys []string
	err := r.db.SelectContext(ctx, &keys, `
		SELECT key_name FROM feature_metadata
		WHERE expire_time IS NOT NULL AND expire_time < $1
		ORDER BY expire_time ASC
		LIMIT $2`, now, limit)
	r.observe("select_expired", start, err)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindBackendUnavailable, "metadatastore.SelectExpired", "selecting expired rows")
	}
	return keys, nil
}

// DeleteExpired removes every row whose expire_time is in the past and
// returns the count removed, used by the cleanup engine after each expiry
// batch's per-key store deletes, whether or not all of them succeeded.
func (r *Repository) DeleteExpired(ctx context.Context, now int64) (int, error) {
	start := time.Now()
	res, err := r.db.ExecContext(ctx, `DELETE FROM feature_metadata WHERE expire_time IS NOT NULL AND expire_time < $1`, now)
	r.observe("delete_expired", start, err)
	if err != nil {
		return 0, apperr.Wrap(err, apperr.KindBackendUnavailable, "metadatastore.DeleteExpired", "deleting expired rows")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, apperr.Wrap(err, apperr.KindInternal, "metadatastore.DeleteExpired", "reading rows affected")
	}
	return int(n), nil
}

// CountByTier reports how many STABLE+MIGRATING+FAILED rows sit in each tier.
func (r *Repository) CountByTier(ctx context.Context) (map[models.StorageTier]int64, error) {
	start := time.Now()
	type row struct {
		Tier  models.StorageTier `db:"storage_tier"`
		Count int64              `db:"count"`
	}
	var rows []row
	err := r.db.SelectContext(ctx, &rows, `SELECT storage_tier, COUNT(*) AS count FROM feature_metadata GROUP BY storage_tier`)
	r.observe("count_by_tier", start, err)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindBackendUnavailable, "metadatastore.CountByTier", "counting rows")
	}
	out := map[models.StorageTier]int64{models.TierHot: 0, models.TierCold: 0}
	for _, r := range rows {
		out[r.Tier] = r.Count
	}
	return out, nil
}

// TierStats summarizes aggregate placement/access statistics for one tier
// or business tag (spec.md §4.2 StatsByTier/StatsByTag).
type TierStats struct {
	Count          int64 `db:"count" json:"count"`
	TotalDataSize  int64 `db:"total_data_size" json:"total_data_size"`
	TotalAccesses  int64 `db:"total_accesses" json:"total_accesses"`
	AvgAccessCount float64 `db:"avg_access_count" json:"avg_access_count"`
}

// StatsByTier aggregates over rows placed in tier.
func (r *Repository) StatsByTier(ctx context.Context, tier models.StorageTier) (*TierStats, error) {
	start := time.Now()
	var s TierStats
	err := r.db.GetContext(ctx, &s, `
		SELECT COUNT(*) AS count,
		       COALESCE(SUM(data_size), 0) AS total_data_size,
		       COALESCE(SUM(access_count), 0) AS total_accesses,
		       COALESCE(AVG(access_count), 0) AS avg_access_count
		FROM feature_metadata WHERE storage_tier = $1`, tier)
	r.observe("stats_by_tier", start, err)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindBackendUnavailable, "metadatastore.StatsByTier", "aggregating stats")
	}
	return &s, nil
}

// StatsByTag aggregates over rows carrying business_tag.
func (r *Repository) StatsByTag(ctx context.Context, tag string) (*TierStats, error) {
	start := time.Now()
	var s TierStats
	err := r.db.GetContext(ctx, &s, `
		SELECT COUNT(*) AS count,
		       COALESCE(SUM(data_size), 0) AS total_data_size,
		       COALESCE(SUM(access_count), 0) AS total_accesses,
		       COALESCE(AVG(access_count), 0) AS avg_access_count
		FROM feature_metadata WHERE business_tag = $1`, tag)
	r.observe("stats_by_tag", start, err)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindBackendUnavailable, "metadatastore.StatsByTag", "aggregating stats")
	}
	return &s, nil
}

// ResetAccessCounts zeroes access_count across every row at an epoch
// boundary and returns the number of rows touched (spec.md §4.2).
func (r *Repository) ResetAccessCounts(ctx context.Context, now int64) (int, error) {
	start := time.Now()
	res, err := r.db.ExecContext(ctx, `UPDATE feature_metadata SET access_count = 0, update_time = $1`, now)
	r.observe("reset_access_counts", start, err)
	if err != nil {
		return 0, apperr.Wrap(err, apperr.KindBackendUnavailable, "metadatastore.ResetAccessCounts", "resetting counts")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, apperr.Wrap(err, apperr.KindInternal, "metadatastore.ResetAccessCounts", "reading rows affected")
	}
	return int(n), nil
}

// IncrementAccessCount atomically bumps access_count and last_access_time
// for one key. Used by the router's bounded fire-and-forget stat-update
// fan-out (spec.md §4.1 step 5, §9 "async stat updates"). A missing key is
// not an error — stats are advisory.
func (r *Repository) IncrementAccessCount(ctx context.Context, key string, now int64) error {
	start := time.Now()
	_, err := r.db.ExecContext(ctx, `
		UPDATE feature_metadata
		SET access_count = access_count + 1, last_access_time = $2
		WHERE key_name = $1`, key, now)
	r.observe("increment_access_count", start, err)
	if err != nil {
		return apperr.Wrap(err, apperr.KindBackendUnavailable, "metadatastore.IncrementAccessCount", "incrementing access count").WithKey(key)
	}
	return nil
}

// ClaimMigration performs the CAS of spec.md §4.3's claim step: it moves
// migration_status to MIGRATING only if the row is currently STABLE or
// FAILED, returning the row as it reads after the claim (status MIGRATING). A zero-rows UPDATE means
// another claimer won the race (apperr KindConflict), exactly the
// exclusivity invariant I2 in spec.md §3.1 requires.
func (r *Repository) ClaimMigration(ctx context.Context, key string, now int64) (*models.FeatureMetadata, error) {
	start := time.Now()
	var m models.FeatureMetadata
	err := r.db.GetContext(ctx, &m, `
		UPDATE feature_metadata
		SET migration_status = $2, migration_time = $3
		WHERE key_name = $1 AND migration_status IN ($4, $5)
		RETURNING key_name, storage_tier, last_access_time, access_count,
		          create_time, update_time, expire_time, data_size, business_tag,
		          migration_status, migration_time`,
		key, models.StatusMigrating, now, models.StatusStable, models.StatusFailed)
	r.observe("claim_migration", start, err)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperr.New(apperr.KindConflict, "metadatastore.ClaimMigration", "row already migrating or missing").WithKey(key)
		}
		return nil, apperr.Wrap(err, apperr.KindBackendUnavailable, "metadatastore.ClaimMigration", "claiming row").WithKey(key)
	}
	return &m, nil
}

// FinalizeMigration completes a claimed migration: sets the new tier,
// status back to STABLE, and refreshes migration_time/update_time
// (spec.md §4.3 finalize step).
func (r *Repository) FinalizeMigration(ctx context.Context, key string, newTier models.StorageTier, now int64) error {
	start := time.Now()
	res, err := r.db.ExecContext(ctx, `
		UPDATE feature_metadata
		SET storage_tier = $2, migration_status = $3, migration_time = $4, update_time = $4
		WHERE key_name = $1 AND migration_status = $5`,
		key, newTier, models.StatusStable, now, models.StatusMigrating)
	r.observe("finalize_migration", start, err)
	if err != nil {
		return apperr.Wrap(err, apperr.KindBackendUnavailable, "metadatastore.FinalizeMigration", "finalizing migration").WithKey(key)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apperr.New(apperr.KindConflict, "metadatastore.FinalizeMigration", "row not in MIGRATING state").WithKey(key)
	}
	return nil
}

// AbortMigration transitions a claimed row to FAILED (spec.md §4.3 abort
// transition), leaving the stored tier untouched so the source-tier copy
// stays the system of record until the next sweep re-claims it.
func (r *Repository) AbortMigration(ctx context.Context, key string, now int64) error {
	start := time.Now()
	_, err := r.db.ExecContext(ctx, `
		UPDATE feature_metadata
		SET migration_status = $2, migration_time = $3, update_time = $3
		WHERE key_name = $1 AND migration_status = $4`,
		key, models.StatusFailed, now, models.StatusMigrating)
	r.observe("abort_migration", start, err)
	if err != nil {
		return apperr.Wrap(err, apperr.KindBackendUnavailable, "metadatastore.AbortMigration", "aborting migration").WithKey(key)
	}
	return nil
}

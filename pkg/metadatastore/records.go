package metadatastore

import (
	"context"
	"time"

	"github.com/lib/pq"

	"github.com/featurehub/featurehub/pkg/apperr"
	"github.com/featurehub/featurehub/pkg/models"
)

// InsertMigrationRecord writes the audit row for a migration sweep or
// manual trigger (spec.md §3.3), called once at sweep start with
// status=RUNNING.
func (r *Repository) InsertMigrationRecord(ctx context.Context, rec *models.MigrationRecord) error {
	start := time.Now()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO migration_records (
			task_id, type, status, source_tier, target_tier,
			start_time, end_time, total, success_count, fail_count,
			failed_keys, error_message
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		rec.TaskID, rec.Type, rec.Status, rec.SourceTier, rec.TargetTier,
		rec.StartTime, rec.EndTime, rec.Total, rec.SuccessCount, rec.FailCount,
		pq.Array(rec.FailedKeys), rec.ErrorMessage)
	r.observe("insert_migration_record", start, err)
	if err != nil {
		return apperr.Wrap(err, apperr.KindBackendUnavailable, "metadatastore.InsertMigrationRecord", "inserting migration record").WithKey(rec.TaskID)
	}
	return nil
}

// UpdateMigrationRecord overwrites the mutable fields of an in-flight
// migration record as a sweep/task progresses and finishes.
func (r *Repository) UpdateMigrationRecord(ctx context.Context, rec *models.MigrationRecord) error {
	start := time.Now()
	_, err := r.db.ExecContext(ctx, `
		UPDATE migration_records SET
			status = $2, end_time = $3, total = $4,
			success_count = $5, fail_count = $6,
			failed_keys = $7, error_message = $8
		WHERE task_id = $1`,
		rec.TaskID, rec.Status, rec.EndTime, rec.Total,
		rec.SuccessCount, rec.FailCount, pq.Array(rec.FailedKeys), rec.ErrorMessage)
	r.observe("update_migration_record", start, err)
	if err != nil {
		return apperr.Wrap(err, apperr.KindBackendUnavailable, "metadatastore.UpdateMigrationRecord", "updating migration record").WithKey(rec.TaskID)
	}
	return nil
}

// ListMigrationRecords returns the most recent migration records, newest
// first, for the `GET /records` migration API endpoint (spec.md §6.1).
func (r *Repository) ListMigrationRecords(ctx context.Context, limit int) ([]*models.MigrationRecord, error) {
	start := time.Now()
	type row struct {
		models.MigrationRecord
		FailedKeysArr pq.StringArray `db:"failed_keys"`
	}
	var rows []row
	err := r.db.SelectContext(ctx, &rows, `
		SELECT task_id, type, status, source_tier, target_tier,
		       start_time, end_time, total, success_count, fail_count,
		       failed_keys, error_message
		FROM migration_records ORDER BY start_time DESC LIMIT $1`, limit)
	r.observe("list_migration_records", start, err)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindBackendUnavailable, "metadatastore.ListMigrationRecords", "listing migration records")
	}
	out := make([]*models.MigrationRecord, 0, len(rows))
	for i := range rows {
		rec := rows[i].MigrationRecord
		rec.FailedKeys = []string(rows[i].FailedKeysArr)
		out = append(out, &rec)
	}
	return out, nil
}

// InsertCleanupRecord writes the audit row for a cleanup sweep (spec.md
// §3.4, §4.4 "each sweep produces a CleanupRecord").
func (r *Repository) InsertCleanupRecord(ctx context.Context, rec *models.CleanupRecord) error {
	start := time.Now()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO cleanup_records (
			task_id, type, status, start_time, end_time,
			cleaned_count, failed_count, error_message
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		rec.TaskID, rec.Type, rec.Status, rec.StartTime, rec.EndTime,
		rec.CleanedCount, rec.FailedCount, rec.ErrorMessage)
	r.observe("insert_cleanup_record", start, err)
	if err != nil {
		return apperr.Wrap(err, apperr.KindBackendUnavailable, "metadatastore.InsertCleanupRecord", "inserting cleanup record").WithKey(rec.TaskID)
	}
	return nil
}

// UpdateCleanupRecord overwrites the mutable fields of an in-flight
// cleanup record as a sweep finishes.
func (r *Repository) UpdateCleanupRecord(ctx context.Context, rec *models.CleanupRecord) error {
	start := time.Now()
	_, err := r.db.ExecContext(ctx, `
		UPDATE cleanup_records SET
			status = $2, end_time = $3, cleaned_count = $4,
			failed_count = $5, error_message = $6
		WHERE task_id = $1`,
		rec.TaskID, rec.Status, rec.EndTime, rec.CleanedCount, rec.FailedCount, rec.ErrorMessage)
	r.observe("update_cleanup_record", start, err)
	if err != nil {
		return apperr.Wrap(err, apperr.KindBackendUnavailable, "metadatastore.UpdateCleanupRecord", "updating cleanup record").WithKey(rec.TaskID)
	}
	return nil
}

// ListCleanupRecords returns the most recent cleanup records, newest
// first, for the `GET /statistics` cleanup API endpoint.
func (r *Repository) ListCleanupRecords(ctx context.Context, limit int) ([]*models.CleanupRecord, error) {
	start := time.Now()
	var rows []*models.CleanupRecord
	err := r.db.SelectContext(ctx, &rows, `
		SELECT task_id, type, status, start_time, end_time,
		       cleaned_count, failed_count, error_message
		FROM cleanup_records ORDER BY start_time DESC LIMIT $1`, limit)
	r.observe("list_cleanup_records", start, err)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindBackendUnavailable, "metadatastore.ListCleanupRecords", "listing cleanup records")
	}
	return rows, nil
}

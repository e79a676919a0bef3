// Package models defines the data types shared across FeatureHub's
// router, metadata, migration, and cleanup components.
package models

import "time"

// StorageTier identifies which physical store a feature key lives in.
type StorageTier string

const (
	TierHot  StorageTier = "HOT"
	TierCold StorageTier = "COLD"
)

// Valid reports whether t is one of the closed set of tiers.
func (t StorageTier) Valid() bool {
	return t == TierHot || t == TierCold
}

// Other returns the tier a key is not currently in.
func (t StorageTier) Other() StorageTier {
	if t == TierHot {
		return TierCold
	}
	return TierHot
}

// MigrationStatus is the lifecycle state of a metadata row's placement.
type MigrationStatus string

const (
	StatusStable    MigrationStatus = "STABLE"
	StatusMigrating MigrationStatus = "MIGRATING"
	StatusFailed    MigrationStatus = "FAILED"
)

// MigrationType names the direction of a migration task.
type MigrationType string

const (
	HotToCold MigrationType = "HOT_TO_COLD"
	ColdToHot MigrationType = "COLD_TO_HOT"
)

// TaskStatus is the terminal/running state of a migration or cleanup task.
type TaskStatus string

const (
	TaskRunning   TaskStatus = "RUNNING"
	TaskCompleted TaskStatus = "COMPLETED"
	TaskFailed    TaskStatus = "FAILED"
)

// CleanupType names which sweep a CleanupRecord belongs to.
type CleanupType string

const (
	CleanupExpired CleanupType = "EXPIRED"
	CleanupOrphan  CleanupType = "ORPHAN"
)

// FeatureMetadata is the authoritative placement record for one feature key.
// See spec.md §3.1 for the invariants (I1-I4) this type must uphold.
type FeatureMetadata struct {
	KeyName          string          `db:"key_name" json:"key_name"`
	StorageTier      StorageTier     `db:"storage_tier" json:"storage_tier"`
	LastAccessTime   int64           `db:"last_access_time" json:"last_access_time"`
	AccessCount      int64           `db:"access_count" json:"access_count"`
	CreateTime       int64           `db:"create_time" json:"create_time"`
	UpdateTime       int64           `db:"update_time" json:"update_time"`
	ExpireTime       *int64          `db:"expire_time" json:"expire_time,omitempty"`
	DataSize         int64           `db:"data_size" json:"data_size"`
	BusinessTag      *string         `db:"business_tag" json:"business_tag,omitempty"`
	MigrationStatus  MigrationStatus `db:"migration_status" json:"migration_status"`
	MigrationTime    *int64          `db:"migration_time" json:"migration_time,omitempty"`
}

// IsExpired reports whether the record is a cleanup candidate at time now
// (ms since epoch) per invariant I4.
func (m *FeatureMetadata) IsExpired(nowMs int64) bool {
	return m.ExpireTime != nil && *m.ExpireTime < nowMs
}

// QueryLog is the per-read telemetry record emitted on the
// feature-query-logs bus topic. See spec.md §3.2.
type QueryLog struct {
	Key         string      `json:"key"`
	TimestampMs int64       `json:"timestamp_ms"`
	SourceTier  StorageTier `json:"source_tier"`
	ClientIP    string      `json:"client_ip,omitempty"`
	UserID      string      `json:"user_id,omitempty"`
	Success     bool        `json:"success"`
	QueryTimeMs int64       `json:"query_time_ms"`
	Error       string      `json:"error,omitempty"`
	BusinessTag string      `json:"business_tag,omitempty"`
}

// MigrationRecord is the audit entry for one migration sweep or manual
// trigger. See spec.md §3.3.
type MigrationRecord struct {
	TaskID       string        `db:"task_id" json:"task_id"`
	Type         MigrationType `db:"type" json:"type"`
	Status       TaskStatus    `db:"status" json:"status"`
	SourceTier   StorageTier   `db:"source_tier" json:"source_tier"`
	TargetTier   StorageTier   `db:"target_tier" json:"target_tier"`
	StartTime    int64         `db:"start_time" json:"start_time"`
	EndTime      *int64        `db:"end_time" json:"end_time,omitempty"`
	Total        int           `db:"total" json:"total"`
	SuccessCount int           `db:"success_count" json:"success_count"`
	FailCount    int           `db:"fail_count" json:"fail_count"`
	FailedKeys   []string      `db:"-" json:"failed_keys,omitempty"`
	ErrorMessage string        `db:"error_message" json:"error_message,omitempty"`
}

// CleanupRecord is the audit entry for one cleanup sweep. See spec.md §3.4.
type CleanupRecord struct {
	TaskID       string      `db:"task_id" json:"task_id"`
	Type         CleanupType `db:"type" json:"type"`
	Status       TaskStatus  `db:"status" json:"status"`
	StartTime    int64       `db:"start_time" json:"start_time"`
	EndTime      *int64      `db:"end_time" json:"end_time,omitempty"`
	CleanedCount int         `db:"cleaned_count" json:"cleaned_count"`
	FailedCount  int         `db:"failed_count" json:"failed_count"`
	ErrorMessage string      `db:"error_message" json:"error_message,omitempty"`
}

// NowMs returns the current time as milliseconds since epoch, the unit
// every timestamp field in this package uses.
func NowMs() int64 {
	return time.Now().UnixMilli()
}

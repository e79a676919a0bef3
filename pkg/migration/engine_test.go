package migration_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/featurehub/featurehub/pkg/backend"
	"github.com/featurehub/featurehub/pkg/eventbus"
	"github.com/featurehub/featurehub/pkg/metadata"
	"github.com/featurehub/featurehub/pkg/metadatacache"
	"github.com/featurehub/featurehub/pkg/metadatastore"
	"github.com/featurehub/featurehub/pkg/migration"
	"github.com/featurehub/featurehub/pkg/models"
	"github.com/featurehub/featurehub/pkg/observability"
	"github.com/featurehub/featurehub/pkg/redis"
)

var metaCols = []string{
	"key_name", "storage_tier", "last_access_time", "access_count",
	"create_time", "update_time", "expire_time", "data_size", "business_tag",
	"migration_status", "migration_time",
}

func newTestEngine(t *testing.T) (*migration.Engine, sqlmock.Sqlmock, *backend.RedisStore, *backend.RedisStore) {
	logger := observability.NewNoopLogger()
	metrics := observability.NewNoOpMetricsClient()

	hotMR, err := miniredis.Run()
	require.NoError(t, err)
	coldMR, err := miniredis.Run()
	require.NoError(t, err)
	busMR, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(func() { hotMR.Close(); coldMR.Close(); busMR.Close() })

	hotCfg := redis.DefaultConfig()
	hotCfg.Addresses = []string{hotMR.Addr()}
	hot, err := backend.NewRedisStore("hot_store", hotCfg, logger, metrics)
	require.NoError(t, err)

	coldCfg := redis.DefaultConfig()
	coldCfg.Addresses = []string{coldMR.Addr()}
	cold, err := backend.NewRedisStore("cold_store", coldCfg, logger, metrics)
	require.NoError(t, err)

	busCfg := redis.DefaultConfig()
	busCfg.Addresses = []string{busMR.Addr()}
	busClient, err := redis.NewStreamsClient(busCfg, logger)
	require.NoError(t, err)
	bus := eventbus.New(busClient, eventbus.Config{Shards: 2}, logger, metrics)

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	sqlxDB := sqlx.NewDb(db, "postgres")
	repo := metadatastore.NewRepositoryWithDB(sqlxDB)
	cache, err := metadatacache.New(metadatacache.DefaultConfig(), logger, metrics)
	require.NoError(t, err)
	meta := metadata.New(repo, cache, logger)

	cfg := migration.Config{BatchSize: 100, MaxMigrationSize: 1000}
	engine := migration.New(cfg, meta, repo, hot, cold, bus, logger)

	return engine, mock, hot, cold
}

func TestEngine_MigrateKey_HotToCold_Success(t *testing.T) {
	engine, mock, hot, cold := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, hot.Set(ctx, "k1", "value1", 0))

	mock.MatchExpectationsInOrder(false)
	mock.ExpectQuery(`UPDATE feature_metadata\s+SET migration_status = \$2`).
		WithArgs("k1", models.StatusMigrating, sqlmock.AnyArg(), models.StatusStable, models.StatusFailed).
		WillReturnRows(sqlmock.NewRows(metaCols).AddRow(
			"k1", models.TierHot, int64(0), int64(0), int64(0), int64(0), nil, int64(6), nil,
			models.StatusMigrating, nil,
		))
	mock.ExpectExec(`UPDATE feature_metadata\s+SET storage_tier = \$2`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO migration_records`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`UPDATE migration_records`).WillReturnResult(sqlmock.NewResult(1, 1))

	rec := engine.RunBatch(ctx, models.HotToCold, []string{"k1"})
	require.Equal(t, 1, rec.SuccessCount)
	require.Equal(t, 0, rec.FailCount)

	v, found, err := cold.Get(ctx, "k1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "value1", v)

	_, found, err = hot.Get(ctx, "k1")
	require.NoError(t, err)
	require.False(t, found)
}

func TestEngine_MigrateKey_ClaimConflictSkipped(t *testing.T) {
	engine, mock, _, _ := newTestEngine(t)
	ctx := context.Background()

	mock.ExpectQuery(`UPDATE feature_metadata\s+SET migration_status = \$2`).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec(`INSERT INTO migration_records`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`UPDATE migration_records`).WillReturnResult(sqlmock.NewResult(1, 1))

	rec := engine.RunBatch(ctx, models.HotToCold, []string{"k1"})
	require.Equal(t, 1, rec.SuccessCount)
	require.Equal(t, 0, rec.FailCount)
}

func TestEngine_MigrateKey_SourceMissingAborts(t *testing.T) {
	engine, mock, _, _ := newTestEngine(t)
	ctx := context.Background()

	mock.MatchExpectationsInOrder(false)
	mock.ExpectQuery(`UPDATE feature_metadata\s+SET migration_status = \$2`).
		WillReturnRows(sqlmock.NewRows(metaCols).AddRow(
			"k1", models.TierHot, int64(0), int64(0), int64(0), int64(0), nil, int64(0), nil,
			models.StatusMigrating, nil,
		))
	mock.ExpectExec(`UPDATE feature_metadata\s+SET migration_status = \$2, migration_time`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO migration_records`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`UPDATE migration_records`).WillReturnResult(sqlmock.NewResult(1, 1))

	rec := engine.RunBatch(ctx, models.HotToCold, []string{"k1"})
	require.Equal(t, 0, rec.SuccessCount)
	require.Equal(t, 1, rec.FailCount)
	require.Contains(t, rec.FailedKeys, "k1")
}

package metadata_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/featurehub/featurehub/pkg/metadata"
	"github.com/featurehub/featurehub/pkg/metadatacache"
	"github.com/featurehub/featurehub/pkg/metadatastore"
	"github.com/featurehub/featurehub/pkg/models"
	"github.com/featurehub/featurehub/pkg/observability"
)

func newTestService(t *testing.T) (*metadata.Service, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	sqlxDB := sqlx.NewDb(db, "postgres")
	repo := metadatastore.NewRepositoryWithDB(sqlxDB)
	cache, err := metadatacache.New(metadatacache.DefaultConfig(), observability.NewNoopLogger(), observability.NewNoOpMetricsClient())
	require.NoError(t, err)

	return metadata.New(repo, cache, observability.NewNoopLogger()), mock
}

var metaCols = []string{
	"key_name", "storage_tier", "last_access_time", "access_count",
	"create_time", "update_time", "expire_time", "data_size", "business_tag",
	"migration_status", "migration_time",
}

func TestService_Get_PopulatesCacheOnMiss(t *testing.T) {
	svc, mock := newTestService(t)
	ctx := context.Background()

	mock.ExpectQuery(`SELECT (.+) FROM feature_metadata WHERE key_name = \$1`).
		WithArgs("k1").
		WillReturnRows(sqlmock.NewRows(metaCols).AddRow(
			"k1", models.TierHot, int64(1), int64(0), int64(1), int64(1), nil, int64(10), nil,
			models.StatusStable, nil,
		))

	m, err := svc.Get(ctx, "k1")
	require.NoError(t, err)
	require.Equal(t, "k1", m.KeyName)

	// Second Get must hit the cache, not issue a second query.
	m2, err := svc.Get(ctx, "k1")
	require.NoError(t, err)
	require.Equal(t, m, m2)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestService_Upsert_InvalidatesThenRepopulatesCache(t *testing.T) {
	svc, mock := newTestService(t)
	ctx := context.Background()

	mock.ExpectQuery(`SELECT storage_tier FROM feature_metadata WHERE key_name = \$1`).
		WithArgs("k1").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec(`INSERT INTO feature_metadata`).
		WillReturnResult(sqlmock.NewResult(1, 1))

	m := &models.FeatureMetadata{KeyName: "k1", StorageTier: models.TierHot}
	created, _, err := svc.Upsert(ctx, m)
	require.NoError(t, err)
	require.True(t, created)

	// Get must now hit the cache Upsert just populated, issuing no query.
	got, err := svc.Get(ctx, "k1")
	require.NoError(t, err)
	require.Equal(t, m, got)

	require.NoError(t, mock.ExpectationsWereMet())
}

package integration_test

import (
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/jmoiron/sqlx"
	. "github.com/onsi/gomega"

	"github.com/featurehub/featurehub/pkg/backend"
	"github.com/featurehub/featurehub/pkg/cleanup"
	"github.com/featurehub/featurehub/pkg/eventbus"
	"github.com/featurehub/featurehub/pkg/metadata"
	"github.com/featurehub/featurehub/pkg/metadatacache"
	"github.com/featurehub/featurehub/pkg/metadatastore"
	"github.com/featurehub/featurehub/pkg/migration"
	"github.com/featurehub/featurehub/pkg/observability"
	"github.com/featurehub/featurehub/pkg/redis"
	"github.com/featurehub/featurehub/pkg/resilience"
	"github.com/featurehub/featurehub/pkg/router"
)

// harness wires the full component stack (router, migration engine,
// cleanup engine) the way cmd/ does, but against miniredis tiers and a
// sqlmock-backed metadata store, so a scenario test can drive it directly
// without going through HTTP.
type harness struct {
	Hot, Cold backend.Store
	Meta      *metadata.Service
	Router    *router.Router
	Migration *migration.Engine
	Cleanup   *cleanup.Engine
	Mock      sqlmock.Sqlmock

	logger  observability.Logger
	repo    *metadatastore.Repository
	bus     *eventbus.Bus
	migCfg  migration.Config
	closers []func()
}

func newHarness() *harness {
	logger := observability.NewNoopLogger()
	metrics := observability.NewNoOpMetricsClient()

	hotMR, err := miniredis.Run()
	Expect(err).NotTo(HaveOccurred())
	coldMR, err := miniredis.Run()
	Expect(err).NotTo(HaveOccurred())
	busMR, err := miniredis.Run()
	Expect(err).NotTo(HaveOccurred())

	hotCfg := redis.DefaultConfig()
	hotCfg.Addresses = []string{hotMR.Addr()}
	hot, err := backend.NewRedisStore("hot_store", hotCfg, logger, metrics)
	Expect(err).NotTo(HaveOccurred())

	coldCfg := redis.DefaultConfig()
	coldCfg.Addresses = []string{coldMR.Addr()}
	cold, err := backend.NewRedisStore("cold_store", coldCfg, logger, metrics)
	Expect(err).NotTo(HaveOccurred())

	busCfg := redis.DefaultConfig()
	busCfg.Addresses = []string{busMR.Addr()}
	busClient, err := redis.NewStreamsClient(busCfg, logger)
	Expect(err).NotTo(HaveOccurred())
	bus := eventbus.New(busClient, eventbus.Config{Shards: 2}, logger, metrics)

	db, mock, err := sqlmock.New()
	Expect(err).NotTo(HaveOccurred())
	sqlxDB := sqlx.NewDb(db, "postgres")
	repo := metadatastore.NewRepositoryWithDB(sqlxDB)
	cache, err := metadatacache.New(metadatacache.DefaultConfig(), logger, metrics)
	Expect(err).NotTo(HaveOccurred())
	meta := metadata.New(repo, cache, logger)

	statsBulkhead := resilience.NewBulkhead("stat_updates", resilience.DefaultBulkheadConfigs["stat_updates"], logger, metrics)
	rt := router.New(hot, cold, meta, bus, statsBulkhead, logger, metrics)

	migCfg := migration.Config{
		HotToColdIdleMs:          7 * 24 * 60 * 60 * 1000,
		ColdToHotAccessThreshold: 10,
		ColdToHotRecentMs:        60 * 60 * 1000,
		BatchSize:                500,
		MaxMigrationSize:         10000,
	}
	mig := migration.New(migCfg, meta, repo, hot, cold, bus, logger)

	cleanCfg := cleanup.Config{
		BatchSize:            500,
		ExpirySweepInterval:  24 * time.Hour,
		OrphanSweepInterval:  7 * 24 * time.Hour,
		OrphanCleanupEnabled: true,
	}
	clean := cleanup.New(cleanCfg, meta, repo, hot, cold, bus, logger)

	return &harness{
		Hot: hot, Cold: cold, Meta: meta, Router: rt, Migration: mig, Cleanup: clean, Mock: mock,
		logger: logger, repo: repo, bus: bus, migCfg: migCfg,
		closers: []func(){
			func() { _ = statsBulkhead.Close() },
			func() { _ = hot.Close() },
			func() { _ = cold.Close() },
			func() { _ = busClient.Close() },
			func() { hotMR.Close(); coldMR.Close(); busMR.Close(); _ = db.Close() },
		},
	}
}

// migrationEngineWithCold builds a second migration.Engine sharing this
// harness's hot store, metadata, and bus, but targeting a caller-supplied
// cold store — used to simulate a target-tier outage for one migration
// attempt without tearing down the rest of the harness.
func (h *harness) migrationEngineWithCold(cold backend.Store) *migration.Engine {
	return migration.New(h.migCfg, h.Meta, h.repo, h.Hot, cold, h.bus, h.logger)
}

func (h *harness) Close() {
	for _, c := range h.closers {
		c()
	}
}

package api_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/jmoiron/sqlx"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/featurehub/featurehub/internal/api"
	"github.com/featurehub/featurehub/pkg/backend"
	"github.com/featurehub/featurehub/pkg/eventbus"
	"github.com/featurehub/featurehub/pkg/metadata"
	"github.com/featurehub/featurehub/pkg/metadatacache"
	"github.com/featurehub/featurehub/pkg/metadatastore"
	"github.com/featurehub/featurehub/pkg/migration"
	"github.com/featurehub/featurehub/pkg/observability"
	"github.com/featurehub/featurehub/pkg/redis"
)

var _ = Describe("MigrationServer", func() {
	var (
		srv     *httptest.Server
		mock    sqlmock.Sqlmock
		closers []func()
	)

	BeforeEach(func() {
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

		db, sqlMock, err := sqlmock.New()
		Expect(err).NotTo(HaveOccurred())
		mock = sqlMock
		sqlxDB := sqlx.NewDb(db, "postgres")
		repo := metadatastore.NewRepositoryWithDB(sqlxDB)
		cache, err := metadatacache.New(metadatacache.DefaultConfig(), logger, metrics)
		Expect(err).NotTo(HaveOccurred())
		meta := metadata.New(repo, cache, logger)

		cfg := migration.Config{
			HotToColdIdleMs:          24 * 60 * 60 * 1000,
			ColdToHotAccessThreshold: 10,
			ColdToHotRecentMs:        60 * 60 * 1000,
			BatchSize:                500,
			MaxMigrationSize:         10000,
			HotSweepInterval:         time.Hour,
			ColdSweepInterval:        2 * time.Hour,
		}
		engine := migration.New(cfg, meta, repo, hot, cold, bus, logger)

		server := api.NewMigrationServer(engine, meta, repo, cfg, api.RouterServerConfig{}, logger, metrics)
		srv = httptest.NewServer(server.Handler())

		closers = []func(){
			srv.Close,
			func() { _ = hot.Close() },
			func() { _ = cold.Close() },
			func() { _ = busClient.Close() },
			func() { hotMR.Close(); coldMR.Close(); busMR.Close(); db.Close() },
		}
	})

	AfterEach(func() {
		for _, c := range closers {
			c()
		}
	})

	It("reports the engine's configuration on GET /config", func() {
		resp, err := http.Get(srv.URL + "/api/migration/config")
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusOK))

		var cfg migration.Config
		Expect(json.NewDecoder(resp.Body).Decode(&cfg)).To(Succeed())
		Expect(cfg.ColdToHotAccessThreshold).To(Equal(int64(10)))
	})

	It("rejects a trigger with an unknown task_type", func() {
		resp, err := http.Post(srv.URL+"/api/migration/trigger", "application/json",
			bytes.NewBufferString(`{"task_type":"SIDEWAYS"}`))
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
	})

	It("rejects a trigger once paused, without touching the database, and reports unpaused after resume", func() {
		pauseResp, err := http.Post(srv.URL+"/api/migration/pause", "application/json", nil)
		Expect(err).NotTo(HaveOccurred())
		pauseResp.Body.Close()

		triggerResp, err := http.Post(srv.URL+"/api/migration/trigger", "application/json",
			bytes.NewBufferString(`{"task_type":"HOT_TO_COLD","keys":[]}`))
		Expect(err).NotTo(HaveOccurred())
		defer triggerResp.Body.Close()
		Expect(triggerResp.StatusCode).To(Equal(http.StatusConflict))

		resumeResp, err := http.Post(srv.URL+"/api/migration/resume", "application/json", nil)
		Expect(err).NotTo(HaveOccurred())
		resumeResp.Body.Close()

		rows := sqlmock.NewRows([]string{
			"task_id", "type", "status", "source_tier", "target_tier",
			"start_time", "end_time", "total", "success_count", "fail_count",
			"failed_keys", "error_message",
		})
		mock.ExpectQuery(`FROM migration_records ORDER BY start_time DESC LIMIT \$1`).
			WithArgs(1000).
			WillReturnRows(rows)

		statsResp, err := http.Get(srv.URL + "/api/migration/statistics")
		Expect(err).NotTo(HaveOccurred())
		defer statsResp.Body.Close()
		var stats map[string]interface{}
		Expect(json.NewDecoder(statsResp.Body).Decode(&stats)).To(Succeed())
		Expect(stats["paused"]).To(BeFalse())
	})

	It("lists migration records", func() {
		rows := sqlmock.NewRows([]string{
			"task_id", "type", "status", "source_tier", "target_tier",
			"start_time", "end_time", "total", "success_count", "fail_count",
			"failed_keys", "error_message",
		})
		mock.ExpectQuery(`FROM migration_records ORDER BY start_time DESC LIMIT \$1`).
			WithArgs(100).
			WillReturnRows(rows)

		resp, err := http.Get(srv.URL + "/api/migration/records")
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusOK))

		var body map[string]interface{}
		Expect(json.NewDecoder(resp.Body).Decode(&body)).To(Succeed())
		Expect(body["records"]).To(BeEmpty())
	})

	It("reports ok on the health endpoint", func() {
		resp, err := http.Get(srv.URL + "/health")
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
	})
})

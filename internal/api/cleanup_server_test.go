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
	"github.com/featurehub/featurehub/pkg/cleanup"
	"github.com/featurehub/featurehub/pkg/eventbus"
	"github.com/featurehub/featurehub/pkg/metadata"
	"github.com/featurehub/featurehub/pkg/metadatacache"
	"github.com/featurehub/featurehub/pkg/metadatastore"
	"github.com/featurehub/featurehub/pkg/observability"
	"github.com/featurehub/featurehub/pkg/redis"
)

var _ = Describe("CleanupServer", func() {
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

		cfg := cleanup.Config{
			BatchSize:            500,
			ExpirySweepInterval:  24 * time.Hour,
			OrphanSweepInterval:  7 * 24 * time.Hour,
			OrphanCleanupEnabled: true,
		}
		engine := cleanup.New(cfg, meta, repo, hot, cold, bus, logger)

		server := api.NewCleanupServer(engine, repo, api.RouterServerConfig{}, logger, metrics)
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

	It("rejects a trigger with an unknown cleanup_type", func() {
		resp, err := http.Post(srv.URL+"/data-cleaner/trigger", "application/json",
			bytes.NewBufferString(`{"cleanup_type":"SIDEWAYS"}`))
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
	})

	It("runs an expiry sweep synchronously on trigger", func() {
		mock.ExpectExec(`INSERT INTO cleanup_records`).WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectQuery(`FROM feature_metadata`).
			WithArgs(sqlmock.AnyArg(), 500).
			WillReturnRows(sqlmock.NewRows([]string{"key_name"}))
		mock.ExpectExec(`UPDATE cleanup_records SET`).WillReturnResult(sqlmock.NewResult(1, 1))

		resp, err := http.Post(srv.URL+"/data-cleaner/trigger", "application/json",
			bytes.NewBufferString(`{"cleanup_type":"EXPIRED_DATA"}`))
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusOK))

		var rec map[string]interface{}
		Expect(json.NewDecoder(resp.Body).Decode(&rec)).To(Succeed())
		Expect(rec["type"]).To(Equal("EXPIRED"))
	})

	It("reports aggregate cleanup statistics", func() {
		rows := sqlmock.NewRows([]string{
			"task_id", "type", "status", "start_time", "end_time",
			"cleaned_count", "failed_count", "error_message",
		})
		mock.ExpectQuery(`FROM cleanup_records ORDER BY start_time DESC LIMIT \$1`).
			WithArgs(1000).
			WillReturnRows(rows)

		resp, err := http.Get(srv.URL + "/data-cleaner/statistics")
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusOK))

		var body map[string]interface{}
		Expect(json.NewDecoder(resp.Body).Decode(&body)).To(Succeed())
		Expect(body["total_runs"]).To(Equal(float64(0)))
	})

	It("reports ok on the health endpoint", func() {
		resp, err := http.Get(srv.URL + "/health")
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
	})
})

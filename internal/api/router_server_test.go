package api_test

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"

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
	"github.com/featurehub/featurehub/pkg/observability"
	"github.com/featurehub/featurehub/pkg/redis"
	"github.com/featurehub/featurehub/pkg/resilience"
	"github.com/featurehub/featurehub/pkg/router"
)

var _ = Describe("RouterServer", func() {
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

		statsBulkhead := resilience.NewBulkhead("stat_updates", resilience.DefaultBulkheadConfigs["stat_updates"], logger, metrics)
		rt := router.New(hot, cold, meta, bus, statsBulkhead, logger, metrics)

		server := api.NewRouterServer(rt, api.RouterServerConfig{}, logger, metrics)
		srv = httptest.NewServer(server.Handler())

		// hot/cold/statsBulkhead each own a bulkhead queue-processor goroutine
		// (pkg/resilience/bulkhead.go), and busClient its own health-check
		// loop (pkg/redis/streams_client.go) — none exit until Close, so the
		// suite's goleak check needs every one of them closed here.
		closers = []func(){
			srv.Close,
			func() { _ = statsBulkhead.Close() },
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

	It("returns found=false for an unknown key whose metadata row is absent", func() {
		mock.ExpectQuery(`SELECT (.+) FROM feature_metadata WHERE key_name = \$1`).
			WithArgs("missing-key").
			WillReturnError(sql.ErrNoRows)

		resp, err := http.Get(srv.URL + "/api/v1/feature/missing-key")
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusOK))

		var body map[string]interface{}
		Expect(json.NewDecoder(resp.Body).Decode(&body)).To(Succeed())
		Expect(body["found"]).To(BeFalse())
	})

	It("rejects a PUT with an invalid JSON body as a validation error", func() {
		req, err := http.NewRequest(http.MethodPut, srv.URL+"/api/v1/feature/k1", bytes.NewBufferString("not-json"))
		Expect(err).NotTo(HaveOccurred())
		req.Header.Set("Content-Type", "application/json")

		resp, err := http.DefaultClient.Do(req)
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
	})

	It("stores a new key on PUT and reports it as stored", func() {
		mock.ExpectQuery(`SELECT (.+) FROM feature_metadata WHERE key_name = \$1`).
			WithArgs("k1").
			WillReturnError(sql.ErrNoRows)
		mock.ExpectQuery(`SELECT storage_tier FROM feature_metadata WHERE key_name = \$1`).
			WithArgs("k1").
			WillReturnError(sql.ErrNoRows)
		mock.ExpectExec(`INSERT INTO feature_metadata`).
			WillReturnResult(sqlmock.NewResult(1, 1))

		body, _ := json.Marshal(map[string]interface{}{"value": "v1", "ttl": 0})
		req, err := http.NewRequest(http.MethodPut, srv.URL+"/api/v1/feature/k1", bytes.NewBuffer(body))
		Expect(err).NotTo(HaveOccurred())
		req.Header.Set("Content-Type", "application/json")

		resp, err := http.DefaultClient.Do(req)
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusOK))

		var out map[string]interface{}
		Expect(json.NewDecoder(resp.Body).Decode(&out)).To(Succeed())
		Expect(out["stored"]).To(BeTrue())
	})

	It("reports ok on the health endpoint", func() {
		resp, err := http.Get(srv.URL + "/health")
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
	})
})

package api_test

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/featurehub/featurehub/internal/api"
	"github.com/featurehub/featurehub/pkg/metadata"
	"github.com/featurehub/featurehub/pkg/metadatacache"
	"github.com/featurehub/featurehub/pkg/metadatastore"
	"github.com/featurehub/featurehub/pkg/observability"
)

var _ = Describe("MetadataServer", func() {
	var (
		srv  *httptest.Server
		mock sqlmock.Sqlmock
		db   *sql.DB
	)

	BeforeEach(func() {
		logger := observability.NewNoopLogger()
		metrics := observability.NewNoOpMetricsClient()

		var err error
		db, mock, err = sqlmock.New()
		Expect(err).NotTo(HaveOccurred())
		sqlxDB := sqlx.NewDb(db, "postgres")
		repo := metadatastore.NewRepositoryWithDB(sqlxDB)
		cache, err := metadatacache.New(metadatacache.DefaultConfig(), logger, metrics)
		Expect(err).NotTo(HaveOccurred())
		svc := metadata.New(repo, cache, logger)

		server := api.NewMetadataServer(svc, api.RouterServerConfig{}, logger, metrics)
		srv = httptest.NewServer(server.Handler())
	})

	AfterEach(func() {
		srv.Close()
		db.Close()
	})

	It("returns a not-found error for an unknown key", func() {
		mock.ExpectQuery(`SELECT (.+) FROM feature_metadata WHERE key_name = \$1`).
			WithArgs("missing").
			WillReturnError(sql.ErrNoRows)

		resp, err := http.Get(srv.URL + "/api/v1/metadata/missing")
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
	})

	It("reports storage tier stats for the default tier when no query params are given", func() {
		rows := sqlmock.NewRows([]string{"count", "total_data_size", "total_accesses", "avg_access_count"}).
			AddRow(3, 1024, 42, 14.0)
		mock.ExpectQuery(`SELECT COUNT\(\*\) AS count.+FROM feature_metadata WHERE storage_tier = \$1`).
			WithArgs("HOT").
			WillReturnRows(rows)

		resp, err := http.Get(srv.URL + "/api/v1/metadata/stats")
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusOK))

		var body map[string]interface{}
		Expect(json.NewDecoder(resp.Body).Decode(&body)).To(Succeed())
		Expect(body["count"]).To(Equal(float64(3)))
	})

	It("reports business-tag stats when business_tag is given", func() {
		rows := sqlmock.NewRows([]string{"count", "total_data_size", "total_accesses", "avg_access_count"}).
			AddRow(7, 2048, 99, 14.1)
		mock.ExpectQuery(`SELECT COUNT\(\*\) AS count.+FROM feature_metadata WHERE business_tag = \$1`).
			WithArgs("checkout-model").
			WillReturnRows(rows)

		resp, err := http.Get(srv.URL + "/api/v1/metadata/stats?business_tag=checkout-model")
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusOK))

		var body map[string]interface{}
		Expect(json.NewDecoder(resp.Body).Decode(&body)).To(Succeed())
		Expect(body["count"]).To(Equal(float64(7)))
	})

	It("reports ok on the health endpoint", func() {
		resp, err := http.Get(srv.URL + "/health")
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
	})
})

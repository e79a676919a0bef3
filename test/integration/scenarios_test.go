package integration_test

import (
	"context"
	"database/sql"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/featurehub/featurehub/pkg/backend"
	"github.com/featurehub/featurehub/pkg/models"
	"github.com/featurehub/featurehub/pkg/observability"
	"github.com/featurehub/featurehub/pkg/redis"
	"github.com/featurehub/featurehub/pkg/router"
)

var metaCols = []string{
	"key_name", "storage_tier", "last_access_time", "access_count",
	"create_time", "update_time", "expire_time", "data_size", "business_tag",
	"migration_status", "migration_time",
}

var _ = Describe("S1 write-then-read hot", func() {
	var h *harness

	BeforeEach(func() { h = newHarness() })
	AfterEach(func() { h.Close() })

	It("stores a new key in HOT and reads it back from HOT", func() {
		ctx := context.Background()

		h.Mock.ExpectQuery(`SELECT (.+) FROM feature_metadata WHERE key_name = \$1`).
			WithArgs("user:1:age").WillReturnError(sql.ErrNoRows)
		h.Mock.ExpectQuery(`SELECT storage_tier FROM feature_metadata WHERE key_name = \$1`).
			WithArgs("user:1:age").WillReturnError(sql.ErrNoRows)
		h.Mock.ExpectExec(`INSERT INTO feature_metadata`).WillReturnResult(sqlmock.NewResult(1, 1))

		Expect(h.Router.Put(ctx, "user:1:age", "25", 3600, "", "")).To(Succeed())

		value, found, source, err := h.Router.Get(ctx, "user:1:age", "", "")
		Expect(err).NotTo(HaveOccurred())
		Expect(found).To(BeTrue())
		Expect(value).To(Equal("25"))
		Expect(source).To(Equal(models.TierHot))
	})
})

var _ = Describe("S2 batch across tiers", func() {
	var h *harness

	BeforeEach(func() { h = newHarness() })
	AfterEach(func() { h.Close() })

	It("resolves a, b, c against HOT, COLD, and a miss, in input order", func() {
		ctx := context.Background()

		Expect(h.Hot.Set(ctx, "a", "A", 0)).To(Succeed())
		Expect(h.Cold.Set(ctx, "b", "B", 0)).To(Succeed())

		h.Mock.ExpectQuery(`SELECT (.+) FROM feature_metadata WHERE key_name = ANY\(\$1\)`).
			WillReturnRows(sqlmock.NewRows(metaCols).
				AddRow("a", models.TierHot, int64(0), int64(0), int64(0), int64(0), nil, int64(1), nil, models.StatusStable, nil).
				AddRow("b", models.TierCold, int64(0), int64(0), int64(0), int64(0), nil, int64(1), nil, models.StatusStable, nil))

		results, err := h.Router.BatchGet(ctx, []string{"a", "b", "c"}, "", "")
		Expect(err).NotTo(HaveOccurred())
		Expect(results).To(Equal([]router.BatchResult{
			{Key: "a", Value: "A", Found: true, Source: models.TierHot},
			{Key: "b", Value: "B", Found: true, Source: models.TierCold},
			{Key: "c", Found: false, Source: router.DefaultTier},
		}))

		var total, found, hotHits, coldHits int
		for _, r := range results {
			total++
			if !r.Found {
				continue
			}
			found++
			if r.Source == models.TierCold {
				coldHits++
			} else {
				hotHits++
			}
		}
		Expect(total).To(Equal(3))
		Expect(found).To(Equal(2))
		Expect(hotHits).To(Equal(1))
		Expect(coldHits).To(Equal(1))
	})
})

var _ = Describe("S3 HOT to COLD migration", func() {
	var h *harness

	BeforeEach(func() { h = newHarness() })
	AfterEach(func() { h.Close() })

	It("moves k from HOT to COLD and marks it STABLE/COLD", func() {
		ctx := context.Background()
		Expect(h.Hot.Set(ctx, "k", "v", 0)).To(Succeed())

		h.Mock.ExpectExec(`INSERT INTO migration_records`).WillReturnResult(sqlmock.NewResult(1, 1))
		h.Mock.ExpectQuery(`UPDATE feature_metadata`).
			WithArgs("k", models.StatusMigrating, sqlmock.AnyArg(), models.StatusStable, models.StatusFailed).
			WillReturnRows(sqlmock.NewRows(metaCols).AddRow(
				"k", models.TierHot, int64(0), int64(0), int64(0), int64(0), nil, int64(1), nil,
				models.StatusMigrating, int64(1),
			))
		h.Mock.ExpectExec(`UPDATE feature_metadata`).
			WithArgs("k", models.TierCold, models.StatusStable, sqlmock.AnyArg(), models.StatusMigrating).
			WillReturnResult(sqlmock.NewResult(0, 1))
		h.Mock.ExpectExec(`UPDATE migration_records`).WillReturnResult(sqlmock.NewResult(1, 1))

		rec := h.Migration.RunBatch(ctx, models.HotToCold, []string{"k"})
		Expect(rec.SuccessCount).To(Equal(1))
		Expect(rec.FailCount).To(Equal(0))

		_, found, err := h.Hot.Get(ctx, "k")
		Expect(err).NotTo(HaveOccurred())
		Expect(found).To(BeFalse())

		value, found, err := h.Cold.Get(ctx, "k")
		Expect(err).NotTo(HaveOccurred())
		Expect(found).To(BeTrue())
		Expect(value).To(Equal("v"))
	})
})

var _ = Describe("S4 failed migration becomes a retry candidate", func() {
	var h *harness

	BeforeEach(func() { h = newHarness() })
	AfterEach(func() { h.Close() })

	It("leaves the source copy intact when the target write fails, then a later sweep (fault removed) completes it", func() {
		ctx := context.Background()
		Expect(h.Hot.Set(ctx, "k", "v", 0)).To(Succeed())

		// A cold tier that is unreachable stands in for a verify-step
		// failure: migrateKey's step 3 (write target) errors, so it aborts
		// before ever reaching delete-source or finalize (pkg/migration
		// engine.go migrateKey).
		brokenMR, err := miniredis.Run()
		Expect(err).NotTo(HaveOccurred())
		brokenCfg := redis.DefaultConfig()
		brokenCfg.Addresses = []string{brokenMR.Addr()}
		brokenCold, err := backend.NewRedisStore("cold_store", brokenCfg, h.logger, observability.NewNoOpMetricsClient())
		Expect(err).NotTo(HaveOccurred())
		brokenMR.Close()
		defer brokenCold.Close()
		faultyMigration := h.migrationEngineWithCold(brokenCold)

		h.Mock.ExpectExec(`INSERT INTO migration_records`).WillReturnResult(sqlmock.NewResult(1, 1))
		h.Mock.ExpectQuery(`UPDATE feature_metadata`).
			WithArgs("k", models.StatusMigrating, sqlmock.AnyArg(), models.StatusStable, models.StatusFailed).
			WillReturnRows(sqlmock.NewRows(metaCols).AddRow(
				"k", models.TierHot, int64(0), int64(0), int64(0), int64(0), nil, int64(1), nil,
				models.StatusMigrating, int64(1),
			))
		h.Mock.ExpectExec(`UPDATE feature_metadata`).
			WithArgs("k", models.StatusFailed, sqlmock.AnyArg(), models.StatusMigrating).
			WillReturnResult(sqlmock.NewResult(0, 1))
		h.Mock.ExpectExec(`UPDATE migration_records`).WillReturnResult(sqlmock.NewResult(1, 1))

		rec := faultyMigration.RunBatch(ctx, models.HotToCold, []string{"k"})
		Expect(rec.FailCount).To(Equal(1))
		Expect(rec.SuccessCount).To(Equal(0))

		value, found, err := h.Hot.Get(ctx, "k")
		Expect(err).NotTo(HaveOccurred())
		Expect(found).To(BeTrue())
		Expect(value).To(Equal("v"))

		// Next sweep: status is back to eligible (FAILED), the cold tier is
		// reachable again, so this time the migration completes.
		h.Mock.ExpectExec(`INSERT INTO migration_records`).WillReturnResult(sqlmock.NewResult(1, 1))
		h.Mock.ExpectQuery(`UPDATE feature_metadata`).
			WithArgs("k", models.StatusMigrating, sqlmock.AnyArg(), models.StatusStable, models.StatusFailed).
			WillReturnRows(sqlmock.NewRows(metaCols).AddRow(
				"k", models.TierHot, int64(0), int64(0), int64(0), int64(0), nil, int64(1), nil,
				models.StatusMigrating, int64(1),
			))
		h.Mock.ExpectExec(`UPDATE feature_metadata`).
			WithArgs("k", models.TierCold, models.StatusStable, sqlmock.AnyArg(), models.StatusMigrating).
			WillReturnResult(sqlmock.NewResult(0, 1))
		h.Mock.ExpectExec(`UPDATE migration_records`).WillReturnResult(sqlmock.NewResult(1, 1))

		rec = h.Migration.RunBatch(ctx, models.HotToCold, []string{"k"})
		Expect(rec.SuccessCount).To(Equal(1))

		_, found, err = h.Hot.Get(ctx, "k")
		Expect(err).NotTo(HaveOccurred())
		Expect(found).To(BeFalse())

		value, found, err = h.Cold.Get(ctx, "k")
		Expect(err).NotTo(HaveOccurred())
		Expect(found).To(BeTrue())
		Expect(value).To(Equal("v"))
	})
})

var _ = Describe("S5 expiry sweep", func() {
	var h *harness

	BeforeEach(func() { h = newHarness() })
	AfterEach(func() { h.Close() })

	It("removes an expired key from HOT and from metadata", func() {
		ctx := context.Background()
		Expect(h.Hot.Set(ctx, "x", "v", 0)).To(Succeed())

		h.Mock.ExpectExec(`INSERT INTO cleanup_records`).WillReturnResult(sqlmock.NewResult(1, 1))
		h.Mock.ExpectQuery(`FROM feature_metadata`).
			WithArgs(sqlmock.AnyArg(), 500).
			WillReturnRows(sqlmock.NewRows([]string{"key_name"}).AddRow("x"))
		// deleteExpiredBatch re-reads each candidate's metadata to learn
		// which tier to delete it from (pkg/cleanup/engine.go).
		h.Mock.ExpectQuery(`SELECT (.+) FROM feature_metadata WHERE key_name = \$1`).
			WithArgs("x").
			WillReturnRows(sqlmock.NewRows(metaCols).AddRow(
				"x", models.TierHot, int64(0), int64(0), int64(0), int64(0), nil, int64(1), nil,
				models.StatusStable, nil,
			))
		h.Mock.ExpectExec(`DELETE FROM feature_metadata`).
			WithArgs(sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 1))
		h.Mock.ExpectExec(`UPDATE cleanup_records SET`).WillReturnResult(sqlmock.NewResult(1, 1))

		rec := h.Cleanup.RunExpirySweep(ctx)
		Expect(rec.CleanedCount).To(Equal(1))

		_, found, err := h.Hot.Get(ctx, "x")
		Expect(err).NotTo(HaveOccurred())
		Expect(found).To(BeFalse())
	})
})

var _ = Describe("S6 orphan sweep", func() {
	var h *harness

	BeforeEach(func() { h = newHarness() })
	AfterEach(func() { h.Close() })

	It("removes a COLD key with no metadata row, and is a no-op on rerun", func() {
		ctx := context.Background()
		Expect(h.Cold.Set(ctx, "y", "v", 0)).To(Succeed())

		h.Mock.ExpectExec(`INSERT INTO cleanup_records`).WillReturnResult(sqlmock.NewResult(1, 1))
		h.Mock.ExpectQuery(`SELECT (.+) FROM feature_metadata WHERE key_name = \$1`).
			WithArgs("y").WillReturnError(sql.ErrNoRows)
		h.Mock.ExpectExec(`UPDATE cleanup_records SET`).WillReturnResult(sqlmock.NewResult(1, 1))

		rec := h.Cleanup.RunOrphanSweep(ctx)
		Expect(rec.CleanedCount).To(Equal(1))

		_, found, err := h.Cold.Get(ctx, "y")
		Expect(err).NotTo(HaveOccurred())
		Expect(found).To(BeFalse())

		h.Mock.ExpectExec(`INSERT INTO cleanup_records`).WillReturnResult(sqlmock.NewResult(1, 1))
		h.Mock.ExpectExec(`UPDATE cleanup_records SET`).WillReturnResult(sqlmock.NewResult(1, 1))

		rec = h.Cleanup.RunOrphanSweep(ctx)
		Expect(rec.CleanedCount).To(Equal(0))
		Expect(rec.FailedCount).To(Equal(0))
	})
})

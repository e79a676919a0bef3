package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/featurehub/featurehub/pkg/apperr"
	"github.com/featurehub/featurehub/pkg/metadata"
	"github.com/featurehub/featurehub/pkg/models"
	"github.com/featurehub/featurehub/pkg/observability"
)

// MetadataServer exposes the Metadata component over HTTP per spec.md §6.1,
// base `/api/v1/metadata`.
type MetadataServer struct {
	svc  *metadata.Service
	http *http.Server
}

func NewMetadataServer(svc *metadata.Service, cfg RouterServerConfig, logger observability.Logger, metrics observability.MetricsClient) *MetadataServer {
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(RequestLogger(logger))
	engine.Use(MetricsMiddleware(metrics))
	engine.Use(ErrorHandler())

	engine.GET("/health", healthHandler)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	g := engine.Group("/api/v1/metadata")
	g.GET("/stats", metadataStatsHandler(svc))
	g.POST("/batch", metadataBatchGetHandler(svc))
	g.PUT("/batch", metadataBatchUpdateHandler(svc))
	g.POST("/cleanup", metadataCleanupHandler(svc))
	g.GET("/:key", metadataGetHandler(svc))
	g.POST("/:key", metadataUpsertHandler(svc))
	g.PUT("/:key", metadataUpdateHandler(svc))
	g.DELETE("/:key", metadataDeleteHandler(svc))

	return &MetadataServer{svc: svc, http: &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      engine,
		ReadTimeout:  orDefault(cfg.ReadTimeout, 10*time.Second),
		WriteTimeout: orDefault(cfg.WriteTimeout, 10*time.Second),
		IdleTimeout:  orDefault(cfg.IdleTimeout, 60*time.Second),
	}}
}

// Handler exposes the underlying gin engine for in-process testing.
func (s *MetadataServer) Handler() http.Handler { return s.http.Handler }

func (s *MetadataServer) Start() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	return errCh
}

func (s *MetadataServer) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func metadataGetHandler(svc *metadata.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		m, err := svc.Get(c.Request.Context(), c.Param("key"))
		if err != nil {
			_ = c.Error(err)
			return
		}
		c.JSON(http.StatusOK, m)
	}
}

// metadataWriteRequest is the JSON body for POST/PUT /{key}: a subset of
// FeatureMetadata the caller may set directly, with server-managed fields
// (access_count, timestamps) left for the service to fill in.
type metadataWriteRequest struct {
	StorageTier models.StorageTier `json:"storage_tier"`
	TTL         int64              `json:"ttl"`
	BusinessTag string             `json:"business_tag"`
	DataSize    int64              `json:"data_size"`
}

func (r metadataWriteRequest) toRecord(key string) *models.FeatureMetadata {
	now := models.NowMs()
	tier := r.StorageTier
	if !tier.Valid() {
		tier = models.TierHot
	}
	m := &models.FeatureMetadata{
		KeyName:         key,
		StorageTier:     tier,
		CreateTime:      now,
		UpdateTime:      now,
		LastAccessTime:  now,
		DataSize:        r.DataSize,
		MigrationStatus: models.StatusStable,
	}
	if r.TTL > 0 {
		expireAt := now + r.TTL*1000
		m.ExpireTime = &expireAt
	}
	if r.BusinessTag != "" {
		m.BusinessTag = &r.BusinessTag
	}
	return m
}

func metadataUpsertHandler(svc *metadata.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.Param("key")
		var req metadataWriteRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			_ = c.Error(apperr.New(apperr.KindValidation, "api.UpsertMetadata", err.Error()).WithKey(key))
			return
		}
		created, _, err := svc.Upsert(c.Request.Context(), req.toRecord(key))
		if err != nil {
			_ = c.Error(err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"key": key, "created": created})
	}
}

func metadataUpdateHandler(svc *metadata.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.Param("key")
		var req metadataWriteRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			_ = c.Error(apperr.New(apperr.KindValidation, "api.UpdateMetadata", err.Error()).WithKey(key))
			return
		}
		updated, err := svc.Update(c.Request.Context(), req.toRecord(key))
		if err != nil {
			_ = c.Error(err)
			return
		}
		if !updated {
			_ = c.Error(apperr.New(apperr.KindNotFound, "api.UpdateMetadata", "key not found").WithKey(key))
			return
		}
		c.JSON(http.StatusOK, gin.H{"key": key, "updated": true})
	}
}

func metadataDeleteHandler(svc *metadata.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.Param("key")
		existed, err := svc.Delete(c.Request.Context(), key)
		if err != nil {
			_ = c.Error(err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"key": key, "deleted": existed})
	}
}

type metadataBatchGetRequest struct {
	Keys []string `json:"keys"`
}

func metadataBatchGetHandler(svc *metadata.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req metadataBatchGetRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			_ = c.Error(apperr.New(apperr.KindValidation, "api.BatchGetMetadata", err.Error()))
			return
		}
		result, err := svc.BatchGet(c.Request.Context(), req.Keys)
		if err != nil {
			_ = c.Error(err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"results": result})
	}
}

type metadataBatchUpdateRequest struct {
	Records map[string]metadataWriteRequest `json:"records"`
}

func metadataBatchUpdateHandler(svc *metadata.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req metadataBatchUpdateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			_ = c.Error(apperr.New(apperr.KindValidation, "api.BatchUpdateMetadata", err.Error()))
			return
		}
		records := make([]*models.FeatureMetadata, 0, len(req.Records))
		for key, body := range req.Records {
			records = append(records, body.toRecord(key))
		}
		updated, err := svc.BatchUpdate(c.Request.Context(), records)
		if err != nil {
			_ = c.Error(err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"updated": updated})
	}
}

func metadataStatsHandler(svc *metadata.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		if tag := c.Query("business_tag"); tag != "" {
			stats, err := svc.StatsByTag(c.Request.Context(), tag)
			if err != nil {
				_ = c.Error(err)
				return
			}
			c.JSON(http.StatusOK, stats)
			return
		}

		tier := models.StorageTier(c.Query("storage_type"))
		if tier == "" {
			tier = models.TierHot
		}
		stats, err := svc.StatsByTier(c.Request.Context(), tier)
		if err != nil {
			_ = c.Error(err)
			return
		}
		c.JSON(http.StatusOK, stats)
	}
}

// metadataCleanupHandler runs an immediate, synchronous expiry pass scoped
// to the metadata domain store — a lighter-weight sibling to the dedicated
// cleanup engine's scheduled sweeps (pkg/cleanup), useful for an operator
// who wants to force expiry reconciliation without waiting for the daily
// tick. It does not run the orphan sweep, since that needs store-side SCAN
// access the metadata service doesn't have.
func metadataCleanupHandler(svc *metadata.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		now := models.NowMs()
		keys, err := svc.SelectExpired(c.Request.Context(), now, 1000)
		if err != nil {
			_ = c.Error(err)
			return
		}
		n, err := svc.DeleteExpired(c.Request.Context(), now, keys)
		if err != nil {
			_ = c.Error(err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"metadata_rows_deleted": n, "keys": keys})
	}
}

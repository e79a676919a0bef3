package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/featurehub/featurehub/pkg/apperr"
	"github.com/featurehub/featurehub/pkg/models"
	"github.com/featurehub/featurehub/pkg/observability"
	"github.com/featurehub/featurehub/pkg/router"
)

// RouterServer exposes the Router component over HTTP per spec.md §6.1.
type RouterServer struct {
	router *router.Router
	http   *http.Server
	logger observability.Logger
}

// RouterServerConfig controls listen address and server timeouts. Only the
// Router surface sets RateLimitRPS — the other three binaries leave it
// zero, which disables the per-client limiter middleware entirely.
type RouterServerConfig struct {
	ListenAddress  string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	RateLimitRPS   float64
	RateLimitBurst int
}

// NewRouterServer builds the gin engine and http.Server for the Router's
// `/api/v1` surface: GET /feature/{key}, POST /features/batch,
// PUT /feature/{key}, GET /health, GET /metrics.
func NewRouterServer(r *router.Router, cfg RouterServerConfig, logger observability.Logger, metrics observability.MetricsClient) *RouterServer {
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(RequestLogger(logger))
	engine.Use(MetricsMiddleware(metrics))
	engine.Use(ErrorHandler())
	if cfg.RateLimitRPS > 0 {
		engine.Use(RateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst))
	}

	engine.GET("/health", healthHandler)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := engine.Group("/api/v1")
	v1.GET("/feature/:key", getFeatureHandler(r))
	v1.PUT("/feature/:key", putFeatureHandler(r))
	v1.POST("/features/batch", batchGetHandler(r))

	return &RouterServer{
		router: r,
		logger: logger,
		http: &http.Server{
			Addr:         cfg.ListenAddress,
			Handler:      engine,
			ReadTimeout:  orDefault(cfg.ReadTimeout, 10*time.Second),
			WriteTimeout: orDefault(cfg.WriteTimeout, 10*time.Second),
			IdleTimeout:  orDefault(cfg.IdleTimeout, 60*time.Second),
		},
	}
}

// Handler exposes the underlying gin engine for in-process testing
// (httptest.NewServer) without binding the configured ListenAddress.
func (s *RouterServer) Handler() http.Handler { return s.http.Handler }

func orDefault(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}

// Start runs the HTTP server in the background; callers select on its
// returned error channel alongside signal handling.
func (s *RouterServer) Start() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	return errCh
}

// Shutdown gracefully drains in-flight requests within ctx's deadline.
func (s *RouterServer) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func healthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type featureResult struct {
	Key    string             `json:"key"`
	Value  string             `json:"value,omitempty"`
	Found  bool               `json:"found"`
	Source models.StorageTier `json:"source"`
}

func getFeatureHandler(r *router.Router) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.Param("key")
		value, found, source, err := r.Get(c.Request.Context(), key, c.ClientIP(), c.Query("user_id"))
		if err != nil {
			_ = c.Error(err)
			return
		}
		c.JSON(http.StatusOK, featureResult{Key: key, Value: value, Found: found, Source: source})
	}
}

type putFeatureRequest struct {
	Value       string `json:"value"`
	TTL         int64  `json:"ttl"`
	StorageHint string `json:"storage_hint"`
	BusinessTag string `json:"business_tag"`
}

func putFeatureHandler(r *router.Router) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.Param("key")
		var req putFeatureRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			_ = c.Error(apperr.New(apperr.KindValidation, "api.PutFeature", err.Error()).WithKey(key))
			return
		}
		if err := r.Put(c.Request.Context(), key, req.Value, req.TTL, req.BusinessTag, req.StorageHint); err != nil {
			_ = c.Error(err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"key": key, "stored": true})
	}
}

type batchGetRequest struct {
	Keys    []string `json:"keys"`
	Options struct {
		UserID string `json:"user_id"`
	} `json:"options"`
}

func batchGetHandler(r *router.Router) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req batchGetRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			_ = c.Error(apperr.New(apperr.KindValidation, "api.BatchGet", err.Error()))
			return
		}
		results, err := r.BatchGet(c.Request.Context(), req.Keys, c.ClientIP(), req.Options.UserID)
		if err != nil {
			_ = c.Error(err)
			return
		}

		summary := gin.H{"total": len(results)}
		var found, hotHits, coldHits int
		for _, res := range results {
			if !res.Found {
				continue
			}
			found++
			if res.Source == models.TierCold {
				coldHits++
			} else {
				hotHits++
			}
		}
		summary["found"] = found
		summary["hot_hits"] = hotHits
		summary["cold_hits"] = coldHits

		c.JSON(http.StatusOK, gin.H{"results": results, "summary": summary})
	}
}

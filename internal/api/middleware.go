// Package api hosts the gin HTTP surfaces for FeatureHub's four binaries
// (spec.md §6.1): router, metadata, migration, cleanup. Grounded on the
// teacher's internal/api/server.go and middleware.go — the same
// gin.New()+Recovery()+RequestLogger()+MetricsMiddleware() shape, trimmed to
// what spec.md actually calls for (no swagger, no JWT/API-key auth, no
// compression/ETag middleware: none of those surfaces are in scope here).
package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/featurehub/featurehub/pkg/apperr"
	"github.com/featurehub/featurehub/pkg/observability"
)

// RequestLogger logs method, path, status, and latency through the
// component's own observability.Logger rather than the standard log
// package the teacher's version used.
func RequestLogger(logger observability.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		logger.Infof("api: %s %s -> %d (%s) from %s", c.Request.Method, path, c.Writer.Status(), time.Since(start), c.ClientIP())
	}
}

// MetricsMiddleware records request latency against the component's
// metrics client, tagged by HTTP method and route, with success meaning a
// status below 500.
func MetricsMiddleware(metrics observability.MetricsClient) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		success := c.Writer.Status() < 500
		metrics.RecordAPIOperation(c.Request.Method, c.FullPath(), success, time.Since(start).Seconds())
	}
}

// ErrorHandler translates an apperr.Error attached to the gin context
// (via c.Error) into the HTTP status spec.md §7 assigns its Kind. A handler
// that already wrote its own response before erroring is left alone
// (gin only lets this run once nothing else has written the status).
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}
		err := c.Errors.Last().Err
		status := apperr.KindOf(err).HTTPStatus()
		c.JSON(status, gin.H{"error": err.Error()})
	}
}

// rateLimiterStorage hands out one token-bucket limiter per client IP,
// grounded on the teacher's RateLimiterStorage (internal/api/middleware.go)
// but built directly on golang.org/x/time/rate without the teacher's
// config-driven burst/refill knobs FeatureHub doesn't expose.
type rateLimiterStorage struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

func newRateLimiterStorage(requestsPerSecond float64, burst int) *rateLimiterStorage {
	return &rateLimiterStorage{
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(requestsPerSecond),
		burst:    burst,
	}
}

func (s *rateLimiterStorage) get(key string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limiters[key]
	if !ok {
		l = rate.NewLimiter(s.rps, s.burst)
		s.limiters[key] = l
	}
	return l
}

// RateLimiter rejects requests over requestsPerSecond (with burst) per
// client IP with 429.
func RateLimiter(requestsPerSecond float64, burst int) gin.HandlerFunc {
	storage := newRateLimiterStorage(requestsPerSecond, burst)
	return func(c *gin.Context) {
		if !storage.get(c.ClientIP()).Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

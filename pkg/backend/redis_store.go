package backend

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/featurehub/featurehub/pkg/apperr"
	"github.com/featurehub/featurehub/pkg/observability"
	"github.com/featurehub/featurehub/pkg/redis"
	"github.com/featurehub/featurehub/pkg/resilience"
)

// RedisStore implements Store over github.com/redis/go-redis/v9, reusing
// the teacher's pkg/redis.StreamsClient for connection management (pooling,
// health checks, reconnect) even though here it carries plain KV traffic
// rather than stream traffic — the same client driver serves both HOT (pure
// in-memory Redis) and COLD (disk-backed, Redis-protocol-compatible)
// deployments, differing only by address/config (spec.md §9, SPEC_FULL.md
// §6.2). Call depth is bounded per-backend by a resilience.CircuitBreaker
// and resilience.Bulkhead keyed by name ("hot_store"/"cold_store").
type RedisStore struct {
	name    string
	client  *redis.StreamsClient
	cb      *resilience.CircuitBreaker
	bh      *resilience.Bulkhead
	rl      *resilience.RateLimiter
	logger  observability.Logger
}

// NewRedisStore dials cfg and wraps it with the named circuit breaker and
// bulkhead from the resilience package's default registries.
func NewRedisStore(name string, cfg *redis.StreamsConfig, logger observability.Logger, metrics observability.MetricsClient) (*RedisStore, error) {
	client, err := redis.NewStreamsClient(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("connecting %s backend: %w", name, err)
	}

	cbConfig, ok := resilience.DefaultCircuitBreakerConfigs[name]
	if !ok {
		cbConfig = resilience.DefaultCircuitBreakerConfigs["hot_store"]
	}
	bhConfig, ok := resilience.DefaultBulkheadConfigs[name]
	if !ok {
		bhConfig = resilience.DefaultBulkheadConfigs["hot_store"]
	}
	rlConfig, ok := resilience.DefaultRateLimiterConfigs[name]
	if !ok {
		rlConfig = resilience.DefaultRateLimiterConfigs["hot_store"]
	}

	return &RedisStore{
		name:   name,
		client: client,
		cb:     resilience.NewCircuitBreaker(name, cbConfig, logger, metrics),
		bh:     resilience.NewBulkhead(name, bhConfig, logger, metrics),
		rl:     resilience.NewRateLimiter(name, rlConfig),
		logger: logger,
	}, nil
}

func (s *RedisStore) Name() string { return s.name }

// Close shuts down the underlying client and the backend's bulkhead, which
// otherwise keeps its queue-processor goroutine running forever (spec.md §9
// graceful shutdown).
func (s *RedisStore) Close() error {
	bhErr := s.bh.Close()
	clientErr := s.client.Close()
	if clientErr != nil {
		return clientErr
	}
	return bhErr
}

// guard runs op through the rate limiter (sustained-volume admission), the
// bulkhead (concurrency-based admission), and the circuit breaker (failure
// isolation), in that order, matching the teacher's composition of the
// resilience primitives.
func (s *RedisStore) guard(ctx context.Context, op func(context.Context) (interface{}, error)) (interface{}, error) {
	if !s.rl.Allow() {
		return nil, apperr.New(apperr.KindBackendUnavailable, "backend."+s.name, "rate limit exceeded")
	}
	return s.bh.Execute(ctx, func(ctx context.Context) (interface{}, error) {
		return s.cb.Execute(ctx, func() (interface{}, error) {
			return op(ctx)
		})
	})
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	res, err := s.guard(ctx, func(ctx context.Context) (interface{}, error) {
		return s.client.GetClient().Get(ctx, key).Result()
	})
	if err != nil {
		if err == goredis.Nil {
			return "", false, nil
		}
		return "", false, fmt.Errorf("%s GET %s: %w", s.name, key, err)
	}
	return res.(string), true, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttlSeconds int64) error {
	var ttl time.Duration
	if ttlSeconds > 0 {
		ttl = time.Duration(ttlSeconds) * time.Second
	}
	_, err := s.guard(ctx, func(ctx context.Context) (interface{}, error) {
		return nil, s.client.GetClient().Set(ctx, key, value, ttl).Err()
	})
	if err != nil {
		return fmt.Errorf("%s SET %s: %w", s.name, key, err)
	}
	return nil
}

func (s *RedisStore) MGet(ctx context.Context, keys []string) (map[string]string, error) {
	out := make(map[string]string, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	res, err := s.guard(ctx, func(ctx context.Context) (interface{}, error) {
		return s.client.GetClient().MGet(ctx, keys...).Result()
	})
	if err != nil {
		return nil, fmt.Errorf("%s MGET: %w", s.name, err)
	}
	values := res.([]interface{})
	for i, v := range values {
		if v == nil {
			continue
		}
		if str, ok := v.(string); ok {
			out[keys[i]] = str
		}
	}
	return out, nil
}

func (s *RedisStore) Del(ctx context.Context, key string) (bool, error) {
	res, err := s.guard(ctx, func(ctx context.Context) (interface{}, error) {
		return s.client.GetClient().Del(ctx, key).Result()
	})
	if err != nil {
		return false, fmt.Errorf("%s DEL %s: %w", s.name, key, err)
	}
	return res.(int64) > 0, nil
}

func (s *RedisStore) DelMany(ctx context.Context, keys []string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	res, err := s.guard(ctx, func(ctx context.Context) (interface{}, error) {
		return s.client.GetClient().Del(ctx, keys...).Result()
	})
	if err != nil {
		return 0, fmt.Errorf("%s DEL (batch): %w", s.name, err)
	}
	return res.(int64), nil
}

func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	res, err := s.guard(ctx, func(ctx context.Context) (interface{}, error) {
		return s.client.GetClient().Exists(ctx, key).Result()
	})
	if err != nil {
		return false, fmt.Errorf("%s EXISTS %s: %w", s.name, key, err)
	}
	return res.(int64) > 0, nil
}

func (s *RedisStore) TTL(ctx context.Context, key string) (int64, error) {
	res, err := s.guard(ctx, func(ctx context.Context) (interface{}, error) {
		return s.client.GetClient().TTL(ctx, key).Result()
	})
	if err != nil {
		return 0, fmt.Errorf("%s TTL %s: %w", s.name, key, err)
	}
	d := res.(time.Duration)
	switch {
	case d == -1:
		return -1, nil
	case d < 0:
		return -2, nil
	default:
		return int64(d.Seconds()), nil
	}
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttlSeconds int64) (bool, error) {
	res, err := s.guard(ctx, func(ctx context.Context) (interface{}, error) {
		return s.client.GetClient().Expire(ctx, key, time.Duration(ttlSeconds)*time.Second).Result()
	})
	if err != nil {
		return false, fmt.Errorf("%s EXPIRE %s: %w", s.name, key, err)
	}
	return res.(bool), nil
}

// Scan walks the keyspace with SCAN (not KEYS, to avoid blocking the
// server), matching prefix*, in batches of batchSize, until exhausted or
// fn asks to stop. Used only by the cleanup engine's orphan sweep.
func (s *RedisStore) Scan(ctx context.Context, prefix string, batchSize int64, fn func([]string) (bool, error)) error {
	var cursor uint64
	match := prefix + "*"
	for {
		keys, next, err := s.client.GetClient().Scan(ctx, cursor, match, batchSize).Result()
		if err != nil {
			return fmt.Errorf("%s SCAN: %w", s.name, err)
		}
		if len(keys) > 0 {
			cont, err := fn(keys)
			if err != nil {
				return err
			}
			if !cont {
				return nil
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

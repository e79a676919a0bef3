// Command router runs the Router component (spec.md §4.1): the HTTP entry
// point clients use to get/put feature values, tiered across the HOT and
// COLD backend.Store instances via the Metadata service.
//
// Grounded on the teacher's cmd/server/main.go wiring shape (config load,
// logger/metrics init, signal-driven graceful shutdown with a bounded
// shutdown deadline) — adapted to FeatureHub's components in place of the
// original MCP core.Engine/api.Server pairing, and with the AWS
// IRSA/ElastiCache-IAM-auth branching dropped: RDS IAM auth is handled
// directly in pkg/metadatastore/rds_auth.go off config.DatabaseConfig, and
// FeatureHub's HOT/COLD stores are plain Redis-protocol endpoints with no
// ElastiCache-specific credential path of their own.
package main

import (
	"context"
	"crypto/rand"
	"flag"
	"log"
	"math/big"
	mathrand "math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/featurehub/featurehub/internal/api"
	"github.com/featurehub/featurehub/pkg/backend"
	"github.com/featurehub/featurehub/pkg/config"
	"github.com/featurehub/featurehub/pkg/eventbus"
	"github.com/featurehub/featurehub/pkg/metadata"
	"github.com/featurehub/featurehub/pkg/metadatacache"
	"github.com/featurehub/featurehub/pkg/metadatastore"
	"github.com/featurehub/featurehub/pkg/observability"
	redisclient "github.com/featurehub/featurehub/pkg/redis"
	"github.com/featurehub/featurehub/pkg/resilience"
	"github.com/featurehub/featurehub/pkg/router"
)

func main() {
	initSecureRandom()

	configPath := flag.String("config", "config", "Configuration directory")
	environment := flag.String("env", "", "Deployment environment (overrides $ENVIRONMENT)")
	flag.Parse()

	cfg, err := config.Load(*configPath, *environment)
	if err != nil {
		log.Fatalf("router: failed to load configuration: %v", err)
	}

	logger := observability.NewStandardLogger("router")
	metrics := buildMetricsClient(cfg)

	hot, cold, err := buildTierStores(cfg, logger, metrics)
	if err != nil {
		logger.Fatalf("router: failed to build tier stores: %v", err)
	}
	defer hot.Close()
	defer cold.Close()

	ctx := context.Background()
	store, err := metadatastore.NewStore(ctx, storeConfigFrom(cfg))
	if err != nil {
		logger.Fatalf("router: failed to connect to metadata store: %v", err)
	}
	repo := metadatastore.NewRepository(store, cfg.Metrics.Namespace)

	cache, err := metadatacache.New(metadatacache.Config{
		Capacity: cfg.Router.MetadataCacheCapacity,
		TTL:      time.Duration(cfg.Router.MetadataCacheTTLMin) * time.Minute,
	}, logger, metrics)
	if err != nil {
		logger.Fatalf("router: failed to build metadata cache: %v", err)
	}
	metaSvc := metadata.New(repo, cache, logger)

	bus, err := buildEventBus(cfg, logger, metrics)
	if err != nil {
		logger.Fatalf("router: failed to connect event bus: %v", err)
	}

	statsBulkhead := resilience.NewBulkhead("stat_updates", resilience.DefaultBulkheadConfigs["stat_updates"], logger, metrics)

	r := router.New(hot, cold, metaSvc, bus, statsBulkhead, logger, metrics)

	server := api.NewRouterServer(r, api.RouterServerConfig{
		ListenAddress:  cfg.Router.ListenAddress,
		ReadTimeout:    time.Duration(cfg.Router.RequestTimeoutMs) * time.Millisecond,
		WriteTimeout:   time.Duration(cfg.Router.RequestTimeoutMs) * time.Millisecond,
		RateLimitRPS:   cfg.Router.ClientRateLimitRPS,
		RateLimitBurst: cfg.Router.ClientRateLimitBurst,
	}, logger, metrics)

	logger.Infof("router: listening on %s", cfg.Router.ListenAddress)
	errCh := server.Start()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		logger.Fatalf("router: server error: %v", err)
	case sig := <-sigCh:
		logger.Infof("router: received signal %s, shutting down", sig)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("router: graceful shutdown failed: %v", err)
	}
}

// initSecureRandom seeds math/rand's process-global source from crypto/rand
// so jittered backoff timings (cenkalti/backoff) aren't predictable across
// restarts.
func initSecureRandom() {
	max := big.NewInt(int64(1) << 62)
	val, err := rand.Int(rand.Reader, max)
	if err != nil {
		log.Printf("router: unable to generate secure random seed, falling back to time-based: %v", err)
		return
	}
	mathrand.Seed(val.Int64())
}

func buildMetricsClient(cfg *config.Config) observability.MetricsClient {
	if !cfg.Metrics.Enabled {
		return observability.NewNoOpMetricsClient()
	}
	return observability.NewPrometheusMetricsClient(cfg.Metrics.Namespace, "router", nil)
}

func buildTierStores(cfg *config.Config, logger observability.Logger, metrics observability.MetricsClient) (*backend.RedisStore, *backend.RedisStore, error) {
	hot, err := backend.NewRedisStore("hot_store", toStreamsConfig(cfg.HotStore), logger, metrics)
	if err != nil {
		return nil, nil, err
	}
	cold, err := backend.NewRedisStore("cold_store", toStreamsConfig(cfg.ColdStore), logger, metrics)
	if err != nil {
		return nil, nil, err
	}
	return hot, cold, nil
}

func toStreamsConfig(rc config.RedisConfig) *redisclient.StreamsConfig {
	sc := redisclient.DefaultConfig()
	sc.Addresses = rc.Addresses
	sc.Username = rc.Username
	sc.Password = rc.Password
	sc.DB = rc.DB
	sc.MaxRetries = rc.MaxRetries
	sc.PoolSize = rc.PoolSize
	sc.TLSEnabled = rc.TLSEnabled
	if rc.DialTimeoutMs > 0 {
		sc.DialTimeout = time.Duration(rc.DialTimeoutMs) * time.Millisecond
	}
	if rc.ReadTimeoutMs > 0 {
		sc.ReadTimeout = time.Duration(rc.ReadTimeoutMs) * time.Millisecond
	}
	if rc.WriteTimeoutMs > 0 {
		sc.WriteTimeout = time.Duration(rc.WriteTimeoutMs) * time.Millisecond
	}
	return sc
}

func storeConfigFrom(cfg *config.Config) metadatastore.Config {
	mc := metadatastore.NewConfig()
	mc.Host = cfg.Database.Host
	mc.Port = cfg.Database.Port
	mc.Database = cfg.Database.Name
	mc.Username = cfg.Database.User
	mc.Password = cfg.Database.Password
	mc.SSLMode = cfg.Database.SSLMode
	mc.MaxOpenConns = cfg.Database.MaxOpenConns
	mc.MaxIdleConns = cfg.Database.MaxIdleConns
	mc.ConnMaxLifetime = cfg.Database.ConnMaxLifetime
	mc.UseIAMAuth = cfg.Database.UseIAMAuth
	mc.AWSRegion = cfg.Database.AWSRegion
	return *mc
}

func buildEventBus(cfg *config.Config, logger observability.Logger, metrics observability.MetricsClient) (*eventbus.Bus, error) {
	client, err := redisclient.NewStreamsClient(toStreamsConfig(cfg.EventBus), logger)
	if err != nil {
		return nil, err
	}
	return eventbus.New(client, eventbus.Config{Shards: 8}, logger, metrics), nil
}

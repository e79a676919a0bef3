// Command cleanup runs the Cleanup engine (spec.md §4.4): the scheduled
// expiry and orphan sweeps plus a manual-trigger HTTP surface, sharing the
// tier-store and metadata wiring used by cmd/router and cmd/migration.
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
	"github.com/featurehub/featurehub/pkg/cleanup"
	"github.com/featurehub/featurehub/pkg/config"
	"github.com/featurehub/featurehub/pkg/eventbus"
	"github.com/featurehub/featurehub/pkg/metadata"
	"github.com/featurehub/featurehub/pkg/metadatacache"
	"github.com/featurehub/featurehub/pkg/metadatastore"
	"github.com/featurehub/featurehub/pkg/observability"
	redisclient "github.com/featurehub/featurehub/pkg/redis"
)

func main() {
	initSecureRandom()

	configPath := flag.String("config", "config", "Configuration directory")
	environment := flag.String("env", "", "Deployment environment (overrides $ENVIRONMENT)")
	flag.Parse()

	cfg, err := config.Load(*configPath, *environment)
	if err != nil {
		log.Fatalf("cleanup: failed to load configuration: %v", err)
	}

	logger := observability.NewStandardLogger("cleanup")
	metrics := buildMetricsClient(cfg)

	hot, cold, err := buildTierStores(cfg, logger, metrics)
	if err != nil {
		logger.Fatalf("cleanup: failed to build tier stores: %v", err)
	}
	defer hot.Close()
	defer cold.Close()

	ctx := context.Background()
	store, err := metadatastore.NewStore(ctx, storeConfigFrom(cfg))
	if err != nil {
		logger.Fatalf("cleanup: failed to connect to metadata store: %v", err)
	}
	repo := metadatastore.NewRepository(store, cfg.Metrics.Namespace)

	cache, err := metadatacache.New(metadatacache.Config{
		Capacity: cfg.Router.MetadataCacheCapacity,
		TTL:      time.Duration(cfg.Router.MetadataCacheTTLMin) * time.Minute,
	}, logger, metrics)
	if err != nil {
		logger.Fatalf("cleanup: failed to build metadata cache: %v", err)
	}
	metaSvc := metadata.New(repo, cache, logger)

	bus, err := buildEventBus(cfg, logger, metrics)
	if err != nil {
		logger.Fatalf("cleanup: failed to connect event bus: %v", err)
	}

	engineCfg := cleanupConfigFrom(cfg.Cleanup)
	engine := cleanup.New(engineCfg, metaSvc, repo, hot, cold, bus, logger)
	go engine.Run(ctx)
	defer engine.Stop()

	server := api.NewCleanupServer(engine, repo, api.RouterServerConfig{
		ListenAddress: cfg.Cleanup.ListenAddress,
	}, logger, metrics)

	logger.Infof("cleanup: listening on %s", cfg.Cleanup.ListenAddress)
	errCh := server.Start()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		logger.Fatalf("cleanup: server error: %v", err)
	case sig := <-sigCh:
		logger.Infof("cleanup: received signal %s, shutting down", sig)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("cleanup: graceful shutdown failed: %v", err)
	}
}

func initSecureRandom() {
	max := big.NewInt(int64(1) << 62)
	val, err := rand.Int(rand.Reader, max)
	if err != nil {
		log.Printf("cleanup: unable to generate secure random seed, falling back to time-based: %v", err)
		return
	}
	mathrand.Seed(val.Int64())
}

func buildMetricsClient(cfg *config.Config) observability.MetricsClient {
	if !cfg.Metrics.Enabled {
		return observability.NewNoOpMetricsClient()
	}
	return observability.NewPrometheusMetricsClient(cfg.Metrics.Namespace, "cleanup", nil)
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

func cleanupConfigFrom(cc config.CleanupConfig) cleanup.Config {
	return cleanup.Config{
		BatchSize:            cc.BatchSize,
		ExpirySweepInterval:  time.Duration(cc.ExpirySweepIntervalSec) * time.Second,
		OrphanSweepInterval:  time.Duration(cc.OrphanSweepIntervalSec) * time.Second,
		OrphanCleanupEnabled: cc.OrphanCleanupEnabled,
		DryRun:               cc.DryRun,
	}
}

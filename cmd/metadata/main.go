// Command metadata runs the Metadata component (spec.md §4.2) as its own
// service: the authoritative per-key placement store plus its read-through
// cache, exposed over HTTP for direct inspection/administration separately
// from the Router's read/write hot path.
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
	"github.com/featurehub/featurehub/pkg/config"
	"github.com/featurehub/featurehub/pkg/metadata"
	"github.com/featurehub/featurehub/pkg/metadatacache"
	"github.com/featurehub/featurehub/pkg/metadatastore"
	"github.com/featurehub/featurehub/pkg/observability"
)

func main() {
	initSecureRandom()

	configPath := flag.String("config", "config", "Configuration directory")
	environment := flag.String("env", "", "Deployment environment (overrides $ENVIRONMENT)")
	flag.Parse()

	cfg, err := config.Load(*configPath, *environment)
	if err != nil {
		log.Fatalf("metadata: failed to load configuration: %v", err)
	}

	logger := observability.NewStandardLogger("metadata")
	metrics := buildMetricsClient(cfg)

	ctx := context.Background()
	store, err := metadatastore.NewStore(ctx, storeConfigFrom(cfg))
	if err != nil {
		logger.Fatalf("metadata: failed to connect to metadata store: %v", err)
	}
	repo := metadatastore.NewRepository(store, cfg.Metrics.Namespace)

	cache, err := metadatacache.New(metadatacache.Config{
		Capacity: cfg.Router.MetadataCacheCapacity,
		TTL:      time.Duration(cfg.Router.MetadataCacheTTLMin) * time.Minute,
	}, logger, metrics)
	if err != nil {
		logger.Fatalf("metadata: failed to build metadata cache: %v", err)
	}
	svc := metadata.New(repo, cache, logger)

	server := api.NewMetadataServer(svc, api.RouterServerConfig{
		ListenAddress: cfg.Metadata.ListenAddress,
	}, logger, metrics)

	resetCtx, cancelReset := context.WithCancel(context.Background())
	defer cancelReset()
	if cfg.Metadata.AccessCountResetIntervalSec > 0 {
		go svc.RunAccessCountResetLoop(resetCtx, time.Duration(cfg.Metadata.AccessCountResetIntervalSec)*time.Second)
	}

	logger.Infof("metadata: listening on %s", cfg.Metadata.ListenAddress)
	errCh := server.Start()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		logger.Fatalf("metadata: server error: %v", err)
	case sig := <-sigCh:
		logger.Infof("metadata: received signal %s, shutting down", sig)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("metadata: graceful shutdown failed: %v", err)
	}
}

func initSecureRandom() {
	max := big.NewInt(int64(1) << 62)
	val, err := rand.Int(rand.Reader, max)
	if err != nil {
		log.Printf("metadata: unable to generate secure random seed, falling back to time-based: %v", err)
		return
	}
	mathrand.Seed(val.Int64())
}

func buildMetricsClient(cfg *config.Config) observability.MetricsClient {
	if !cfg.Metrics.Enabled {
		return observability.NewNoOpMetricsClient()
	}
	return observability.NewPrometheusMetricsClient(cfg.Metrics.Namespace, "metadata", nil)
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

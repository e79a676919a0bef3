// Package config defines FeatureHub's configuration surface (spec.md §6.4)
// and loads it through the teacher's layered ConfigLoader (base YAML +
// environment overlay + env var overrides with "." replaced by "_").
package config

import (
	"fmt"
	"os"
	"time"
)

// Config is the full configuration surface shared by all four binaries.
// Each binary reads the sections relevant to it and ignores the rest.
type Config struct {
	Environment string `mapstructure:"environment"`

	HotStore  RedisConfig    `mapstructure:"hot_store"`
	ColdStore RedisConfig    `mapstructure:"cold_store"`
	Database  DatabaseConfig `mapstructure:"database"`
	EventBus  RedisConfig    `mapstructure:"event_bus"`

	Router    RouterConfig    `mapstructure:"router"`
	Metadata  MetadataConfig  `mapstructure:"metadata"`
	Migration MigrationConfig `mapstructure:"migration"`
	Cleanup   CleanupConfig   `mapstructure:"cleanup"`

	Logging LoggingConfig `mapstructure:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// RedisConfig describes connection settings for one Redis-protocol backend
// (HOT store, COLD store, or the event bus). Each gets its own instance so
// they can point at independent clusters.
type RedisConfig struct {
	Addresses  []string      `mapstructure:"addresses"`
	Username   string        `mapstructure:"username"`
	Password   string        `mapstructure:"password"`
	DB         int           `mapstructure:"db"`
	MaxRetries int           `mapstructure:"max_retries"`
	DialTimeoutMs  int       `mapstructure:"dial_timeout_ms"`
	ReadTimeoutMs  int       `mapstructure:"read_timeout_ms"`
	WriteTimeoutMs int       `mapstructure:"write_timeout_ms"`
	PoolSize   int           `mapstructure:"pool_size"`
	TLSEnabled bool          `mapstructure:"tls_enabled"`
}

// DatabaseConfig describes the Postgres metadata store connection.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Name            string        `mapstructure:"name"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`

	// UseIAMAuth swaps the static Password for an RDS IAM auth token,
	// refreshed per connection by pkg/metadatastore. Only meaningful when
	// Host points at an RDS endpoint.
	UseIAMAuth bool   `mapstructure:"use_iam_auth"`
	AWSRegion  string `mapstructure:"aws_region"`
}

// RouterConfig holds the tiering and cache parameters the router and
// metadata service use on the read/write path (spec.md §4.1, §4.2, §9).
type RouterConfig struct {
	ListenAddress         string  `mapstructure:"listen_address"`
	RequestTimeoutMs      int     `mapstructure:"request_timeout_default_ms"`
	MaxBatchSize          int     `mapstructure:"max_batch_size"`
	MaxKeyLength          int     `mapstructure:"max_key_length"`
	MetadataCacheTTLMin   int     `mapstructure:"metadata_cache_ttl_min"`
	MetadataCacheCapacity int     `mapstructure:"metadata_cache_capacity"`
	ClientRateLimitRPS    float64 `mapstructure:"client_rate_limit_rps"`
	ClientRateLimitBurst  int     `mapstructure:"client_rate_limit_burst"`
}

// MetadataConfig holds the standalone Metadata service's listen address.
// It shares the cache-sizing fields in RouterConfig rather than duplicating
// them: both binaries wire the same metadatacache.Config off those values,
// just against their own metadata.Service instance.
type MetadataConfig struct {
	ListenAddress string `mapstructure:"listen_address"`
	// AccessCountResetIntervalSec is the epoch boundary spec.md §4.2
	// describes for ResetAccessCounts; 0 disables the reset loop.
	AccessCountResetIntervalSec int `mapstructure:"access_count_reset_interval_sec"`
}

// MigrationConfig holds the tiering thresholds and sweep cadence from
// spec.md §4.3.
type MigrationConfig struct {
	ListenAddress            string `mapstructure:"listen_address"`
	HotToColdIdleMs          int64  `mapstructure:"hot_to_cold_idle_ms"`
	ColdToHotAccessThreshold int64  `mapstructure:"cold_to_hot_access_threshold"`
	ColdToHotRecentMs        int64  `mapstructure:"cold_to_hot_recent_ms"`
	BatchSize                int    `mapstructure:"migration_batch_size"`
	BatchIntervalMs          int    `mapstructure:"batch_interval_ms"`
	MaxMigrationSize         int64  `mapstructure:"max_migration_size"`
	HotSweepIntervalSec      int    `mapstructure:"hot_sweep_interval_sec"`
	ColdSweepIntervalSec     int    `mapstructure:"cold_sweep_interval_sec"`
	MaxRecallSize            int64  `mapstructure:"max_recall_size"`
}

// CleanupConfig holds the expiry/orphan sweep parameters from spec.md §4.4.
type CleanupConfig struct {
	ListenAddress         string `mapstructure:"listen_address"`
	BatchSize             int    `mapstructure:"cleanup_batch_size"`
	ExpiredRetentionDays  int    `mapstructure:"expired_retention_days"`
	OrphanCleanupEnabled  bool   `mapstructure:"orphan_cleanup_enabled"`
	ExpirySweepIntervalSec int   `mapstructure:"expiry_sweep_interval_sec"`
	OrphanSweepIntervalSec int   `mapstructure:"orphan_sweep_interval_sec"`
	DryRun                bool   `mapstructure:"dry_run"`
}

// LoggingConfig and MetricsConfig mirror observability.LoggingConfig/
// MetricsConfig so they can be loaded directly off this struct by each
// cmd/ binary's wiring code.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Namespace string `mapstructure:"namespace"`
}

// Load reads configuration for the given environment from configPath
// (base + environment overlay + env var overrides), unmarshals it into a
// Config, and fills in defaults for anything left unset.
func Load(configPath, environment string) (*Config, error) {
	if environment == "" {
		environment = os.Getenv("ENVIRONMENT")
	}
	loader, err := LoadConfig(configPath, environment)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	cfg := Default()
	if err := loader.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	return cfg, nil
}

// Default returns a Config populated with the defaults spec.md §6.4 implies
// for a local/dev deployment.
func Default() *Config {
	return &Config{
		Environment: "development",
		HotStore: RedisConfig{
			Addresses: []string{"localhost:6379"}, DB: 0,
			DialTimeoutMs: 2000, ReadTimeoutMs: 1000, WriteTimeoutMs: 1000,
			PoolSize: 50, MaxRetries: 2,
		},
		ColdStore: RedisConfig{
			Addresses: []string{"localhost:6380"}, DB: 0,
			DialTimeoutMs: 5000, ReadTimeoutMs: 3000, WriteTimeoutMs: 3000,
			PoolSize: 20, MaxRetries: 2,
		},
		EventBus: RedisConfig{
			Addresses: []string{"localhost:6381"}, DB: 0,
			DialTimeoutMs: 2000, ReadTimeoutMs: 2000, WriteTimeoutMs: 2000,
			PoolSize: 10, MaxRetries: 1,
		},
		Database: DatabaseConfig{
			Host: "localhost", Port: 5432, Name: "featurehub", User: "featurehub",
			SSLMode: "disable", MaxOpenConns: 20, MaxIdleConns: 5,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Router: RouterConfig{
			ListenAddress: ":8080", RequestTimeoutMs: 500,
			MaxBatchSize: 1000, MaxKeyLength: 256,
			MetadataCacheTTLMin: 30, MetadataCacheCapacity: 100_000,
			ClientRateLimitRPS: 1000, ClientRateLimitBurst: 2000,
		},
		Metadata: MetadataConfig{
			ListenAddress:               ":8081",
			AccessCountResetIntervalSec: 24 * 60 * 60,
		},
		Migration: MigrationConfig{
			ListenAddress: ":8082",
			HotToColdIdleMs: 24 * 60 * 60 * 1000, ColdToHotAccessThreshold: 10,
			ColdToHotRecentMs: 60 * 60 * 1000,
			BatchSize: 500, BatchIntervalMs: 1000,
			MaxMigrationSize: 10_000_000, MaxRecallSize: 10_000_000,
			HotSweepIntervalSec: 300, ColdSweepIntervalSec: 300,
		},
		Cleanup: CleanupConfig{
			ListenAddress: ":8083",
			BatchSize: 1000, ExpiredRetentionDays: 0,
			OrphanCleanupEnabled: true,
			ExpirySweepIntervalSec: 24 * 60 * 60, OrphanSweepIntervalSec: 7 * 24 * 60 * 60,
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Metrics: MetricsConfig{Enabled: true, Namespace: "featurehub"},
	}
}

package metadatastore

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Common configuration errors
var (
	ErrMissingAWSRegion      = errors.New("AWS region is required when using IAM authentication")
	ErrMissingRDSHost        = errors.New("RDS host is required when using IAM authentication")
	ErrInvalidDatabaseConfig = errors.New("invalid database configuration: missing required fields")
	ErrNotFound              = errors.New("record not found")
	ErrDuplicateKey          = errors.New("duplicate key violation")
)

// Config describes how to connect to the Postgres metadata store
// (spec.md §4.2, §6.2).
type Config struct {
	Driver          string
	Host            string
	Port            int
	Database        string
	Username        string
	Password        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	// UseIAMAuth swaps Password for a short-lived RDS IAM auth token,
	// refreshed on each RefreshConnection call. Kept as an optional path
	// alongside the static-password DSN, mirroring the teacher's
	// database.Config.UseIAM — the original built the token through an
	// internal AWS wrapper; this builds it directly via aws-sdk-go-v2's
	// rds/auth feature package.
	UseIAMAuth bool
	AWSRegion  string

	// Migration settings, consumed by cmd/migrate and by NewStore when
	// AutoMigrate is set.
	AutoMigrate          bool
	MigrationsPath       string
	FailOnMigrationError bool
}

// NewConfig returns a Config with sensible local-development defaults.
func NewConfig() *Config {
	return &Config{
		Driver:          "postgres",
		MaxOpenConns:    20,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		SSLMode:         "disable",
		Port:            5432,
		MigrationsPath:  "migrations/sql",
	}
}

// Validate checks that the configuration has enough information to connect.
func (c *Config) Validate() error {
	if c.Driver == "" {
		c.Driver = "postgres"
	}
	if c.UseIAMAuth {
		if c.AWSRegion == "" {
			return ErrMissingAWSRegion
		}
		if c.Host == "" {
			return ErrMissingRDSHost
		}
		return nil
	}
	if c.Host == "" || c.Database == "" {
		return ErrInvalidDatabaseConfig
	}
	return nil
}

// dsn builds the Postgres connection string. When UseIAMAuth is set, it
// fetches a fresh auth token from RDS in place of Password; the token is
// only valid for ~15 minutes, which is why RefreshConnection exists.
func (c *Config) dsn(ctx context.Context) (string, error) {
	password := c.Password
	if c.UseIAMAuth {
		token, err := buildRDSAuthToken(ctx, c.Host, c.Port, c.Username, c.AWSRegion)
		if err != nil {
			return "", fmt.Errorf("building RDS IAM auth token: %w", err)
		}
		password = token
	}

	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}

	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.Username, password, c.Database, sslMode,
	), nil
}

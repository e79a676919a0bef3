// Package metadatastore is the Postgres-backed metadata service storage
// layer (spec.md §4.2, §6.2): the authoritative FeatureMetadata placement
// record plus the migration/cleanup audit tables, accessed through
// github.com/jmoiron/sqlx exactly as the teacher's database package does.
package metadatastore

import (
	"context"
	"fmt"
	"log"

	"github.com/featurehub/featurehub/pkg/metadatastore/migration"
	"github.com/jmoiron/sqlx"

	_ "github.com/lib/pq"
)

// Store wraps the Postgres connection used by the metadata service.
type Store struct {
	db     *sqlx.DB
	config Config
}

// NewStore opens a connection per cfg, optionally running pending schema
// migrations (cfg.AutoMigrate) before returning.
func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	dsn, err := cfg.dsn(ctx)
	if err != nil {
		return nil, err
	}

	db, err := sqlx.ConnectContext(ctx, cfg.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to metadata store: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	s := &Store{db: db, config: cfg}

	if cfg.AutoMigrate {
		mgr, err := migration.NewManager(db, migration.Config{MigrationsPath: cfg.MigrationsPath}, cfg.Driver)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("creating migration manager: %w", err)
		}
		if err := mgr.RunMigrations(ctx); err != nil {
			if cfg.FailOnMigrationError {
				_ = db.Close()
				return nil, fmt.Errorf("running migrations: %w", err)
			}
			log.Printf("metadatastore: migrations reported an error but AutoMigrate continued: %v", err)
		}
		_ = mgr.Close()
	}

	return s, nil
}

// NewStoreWithConnection wraps an already-open *sqlx.DB, used by tests
// against sqlmock.
func NewStoreWithConnection(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Transaction runs fn inside a transaction, rolling back on error or panic.
func (s *Store) Transaction(ctx context.Context, fn func(*sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback also failed: %v)", err, rbErr)
		}
		return err
	}

	return tx.Commit()
}

// RefreshConnection re-dials with a fresh DSN, needed when UseIAMAuth is set
// since RDS IAM tokens expire after roughly 15 minutes.
func (s *Store) RefreshConnection(ctx context.Context) error {
	if !s.config.UseIAMAuth {
		return nil
	}

	dsn, err := s.config.dsn(ctx)
	if err != nil {
		return fmt.Errorf("rebuilding DSN: %w", err)
	}

	db, err := sqlx.ConnectContext(ctx, s.config.Driver, dsn)
	if err != nil {
		return fmt.Errorf("reconnecting to metadata store: %w", err)
	}
	db.SetMaxOpenConns(s.config.MaxOpenConns)
	db.SetMaxIdleConns(s.config.MaxIdleConns)
	db.SetConnMaxLifetime(s.config.ConnMaxLifetime)

	old := s.db
	s.db = db
	return old.Close()
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// DB exposes the underlying *sqlx.DB for callers that need raw access
// (readiness checks, ad-hoc diagnostics).
func (s *Store) DB() *sqlx.DB {
	return s.db
}

package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Config holds connection settings for Open.
type Config struct {
	URL            string
	MaxConnections int
	ConnIdleTime   time.Duration
	ConnectTimeout time.Duration
}

// Store provides durable storage for events, attempts, rules, and
// executions, backed by PostgreSQL.
//
// All multi-worker coordination lives here: claiming relies on row
// locks with SKIP LOCKED, ingest dedup on the unique external_id
// index, and replay dedup on the execution history. Everything goes
// through database/sql so tests can run against sqlmock.
type Store struct {
	db  *sqlx.DB
	log *zap.Logger
}

// Open connects to PostgreSQL, configures the pool, and verifies the
// connection. This function does not run migrations; callers opt in
// via Migrate.
func Open(ctx context.Context, cfg Config, log *zap.Logger) (*Store, error) {
	db, err := sqlx.Open("pgx", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxConnections > 0 {
		db.SetMaxOpenConns(cfg.MaxConnections)
		db.SetMaxIdleConns(cfg.MaxConnections)
	}
	if cfg.ConnIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnIdleTime)
	}

	pingCtx := ctx
	if cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	log.Debug("database connected", zap.Int("max_connections", cfg.MaxConnections))
	return &Store{db: db, log: log}, nil
}

// NewWithDB wraps an existing connection. Tests use this with sqlmock;
// the CLI uses Open.
func NewWithDB(db *sql.DB, log *zap.Logger) *Store {
	return &Store{db: sqlx.NewDb(db, "pgx"), log: log}
}

// Close closes the connection pool.
// Should be called when the store is no longer needed.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping verifies the pool can serve a connection. The health endpoint
// calls this with a short deadline so database trouble surfaces as an
// unhealthy report instead of a hang.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Migrate applies all pending schema migrations.
// This function is idempotent - safe to call multiple times.
func (s *Store) Migrate(ctx context.Context) error {
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set migration dialect: %w", err)
	}
	if err := goose.UpContext(ctx, s.db.DB, "migrations"); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// MigrateDown rolls back the most recent migration.
func (s *Store) MigrateDown(ctx context.Context) error {
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set migration dialect: %w", err)
	}
	if err := goose.DownContext(ctx, s.db.DB, "migrations"); err != nil {
		return fmt.Errorf("failed to roll back migration: %w", err)
	}
	return nil
}

// MigrateStatus prints the per-migration status table to stdout.
func (s *Store) MigrateStatus(ctx context.Context) error {
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set migration dialect: %w", err)
	}
	return goose.StatusContext(ctx, s.db.DB, "migrations")
}

// Package postgres implements store.Store against PostgreSQL via pgx,
// grounded on the teacher's pkg/database.Client: a pooled connection plus
// golang-migrate embedded migrations applied at startup. Unlike the
// teacher, there's no Ent schema to generate from — the core's
// store.Store contract already is the schema, so this package writes the
// SQL directly instead of going through an ORM.
package postgres

import (
	"context"
	stdsql "database/sql"
	"embed"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver used only for migrations

	"github.com/flowgate/flowgate/internal/flowconfig"
	"github.com/flowgate/flowgate/internal/store"
)

//go:embed migrations
var migrationsFS embed.FS

// Store wraps a pgxpool.Pool and implements store.Store.
type Store struct {
	pool *pgxpool.Pool
}

// New opens a connection pool against cfg, runs pending migrations, and
// returns a ready Store.
func New(ctx context.Context, cfg flowconfig.DatabaseConfig) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("postgres: parsing pool config: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	poolCfg.MaxConnIdleTime = cfg.ConnMaxIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: pinging database: %w", err)
	}

	if err := runMigrations(cfg.DSN()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: running migrations: %w", err)
	}

	return &Store{pool: pool}, nil
}

// NewFromPool wraps an already-open pool (used by tests against a
// testcontainers-managed database).
func NewFromPool(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping checks database connectivity for health endpoints.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// runMigrations mirrors the teacher's runMigrations: a plain database/sql
// handle (via the pgx stdlib driver) handed to golang-migrate's postgres
// driver, with migration SQL embedded into the binary.
func runMigrations(dsn string) error {
	db, err := stdsql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("opening migration connection: %w", err)
	}
	defer db.Close()

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("creating postgres migration driver: %w", err)
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("creating migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "flowgate", driver)
	if err != nil {
		return fmt.Errorf("creating migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("applying migrations: %w", err)
	}
	if err := sourceDriver.Close(); err != nil {
		return fmt.Errorf("closing migration source: %w", err)
	}
	return nil
}

var _ store.Store = (*Store)(nil)

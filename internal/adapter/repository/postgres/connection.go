package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/Sychedelic-but-cooler/nginx-proxy-orchestra-sub000/internal/config"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Connection wraps the PostgreSQL pool
type Connection struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewConnection opens and pings the database
func NewConnection(cfg *config.PostgresConfig, logger *slog.Logger) (*Connection, error) {
	db, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	logger.Info("Connected to PostgreSQL")

	return &Connection{db: db, logger: logger}, nil
}

// NewConnectionFromDB wraps an existing pool
func NewConnectionFromDB(db *sqlx.DB, logger *slog.Logger) *Connection {
	return &Connection{db: db, logger: logger}
}

// DB returns the underlying pool
func (c *Connection) DB() *sqlx.DB {
	return c.db
}

// Ping checks the connection
func (c *Connection) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// Close closes the pool
func (c *Connection) Close() error {
	return c.db.Close()
}

// RunMigrations applies the embedded schema migrations
func (c *Connection) RunMigrations() error {
	driver, err := migratepg.WithInstance(c.db.DB, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("failed to get migration version: %w", err)
	}
	c.logger.Info("Database migrations applied", "version", version, "dirty", dirty)
	return nil
}

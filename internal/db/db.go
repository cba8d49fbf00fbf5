// Package db owns the embedded SQLite connection pool and schema migrations
// for the metadata store.
package db

import (
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"

	_ "github.com/mattn/go-sqlite3"

	"github.com/archiveforge/git-archiver/internal/config"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB wraps an *sqlx.DB against the embedded single-process SQLite store.
type DB struct {
	*sqlx.DB
}

// NewDatabase opens (creating if absent) the SQLite file named by cfg and
// applies any pending migrations before returning.
func NewDatabase(cfg *config.StorageConfig) (*DB, func(), error) {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL", cfg.DatabasePath)

	conn, err := sqlx.Connect("sqlite3", dsn)
	if err != nil {
		return nil, func() {}, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite allows only one writer at a time; a single connection avoids
	// "database is locked" errors under our own concurrency, since every
	// writer already serializes through C7's semaphore and C1's transactions.
	conn.SetMaxOpenConns(1)

	db := &DB{DB: conn}

	slog.Info("running database migrations")
	if err := db.RunMigrations(); err != nil {
		_ = conn.Close()
		return nil, func() {}, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Info("database migrations completed successfully")

	return db, func() {
		if err := conn.Close(); err != nil {
			slog.Error("failed to close database connection", "error", err)
		}
	}, nil
}

// RunMigrations executes pending migrations embedded in the binary, failing
// loudly if a previous migration left the schema dirty.
func (db *DB) RunMigrations() error {
	migrator, err := db.newMigrator()
	if err != nil {
		return err
	}

	_, dirty, err := migrator.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("failed to get migration version: %w", err)
	}
	if dirty {
		return fmt.Errorf("database is in a dirty migration state; fix manually (e.g. 'migrate force <version>') before retrying")
	}

	if err := migrator.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

func (db *DB) newMigrator() (*migrate.Migrate, error) {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to create migration source: %w", err)
	}

	dbDriver, err := sqlite3.WithInstance(db.DB.DB, &sqlite3.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create database driver: %w", err)
	}

	migrator, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", dbDriver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrator: %w", err)
	}
	return migrator, nil
}

// Package storage persists session history, raw readings, and the crash
// recovery snapshot. History and readings live in a local SQLite database;
// the recovery snapshot is a small JSON file so it survives even when the
// database is unavailable.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/hakonstad/ihht-companion/internal/storage/migrations"
)

// Store wraps the SQLite database behind the history and reading operations.
type Store struct {
	logger *log.Logger
	db     *sql.DB
}

// Open opens (creating if needed) the database at dbPath, configures it, and
// applies pending migrations.
func Open(ctx context.Context, logger *log.Logger, dbPath string) (*Store, error) {
	if logger == nil {
		panic("storage.Open requires a logger")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL keeps reads from blocking the 1 Hz reading writes.
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	// SQLite serializes writers anyway; a single connection avoids
	// SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := migrations.Run(ctx, logger, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	logger.Printf("storage: database open at %s", dbPath)
	return &Store{logger: logger, db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

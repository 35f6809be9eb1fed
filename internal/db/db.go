// Package db provides database connection management for the local store.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// FileName is the database file created inside the data directory.
const FileName = "judgesync.db"

// DB wraps the sql.DB with the engine's SQLite configuration.
type DB struct {
	*sql.DB
}

// Open opens (creating if needed) the database inside dataDir and applies
// all embedded migrations.
func Open(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return OpenPath(filepath.Join(dataDir, FileName))
}

// OpenPath opens the database at path and applies all embedded migrations.
// The database is opened with:
// - WAL mode for concurrent reads/writes
// - a busy timeout so a second process waits instead of failing
// - Foreign key constraints enabled
func OpenPath(path string) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", path)

	// modernc.org/sqlite is pure Go, no CGO
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite doesn't support multiple writers; one connection also
	// serializes every store transaction.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	migrator := NewMigrator(db, Migrations)
	if err := migrator.Initialize(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize migrations: %w", err)
	}
	if err := migrator.Up(); err != nil {
		db.Close()
		return nil, err
	}

	return &DB{db}, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.DB.Close()
}

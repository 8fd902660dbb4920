package database

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"sonicwave/work/logger"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// DB wraps sql.DB with the sonicwave schema helpers. The database holds the
// durable metadata index: locally published content descriptors and the
// operator-managed gateway definitions. The blob cache itself is never
// persisted; only the metadata needed to re-materialize content survives a
// restart.
type DB struct {
	*sql.DB
}

// Open creates a new database connection with WAL mode and a bounded
// connection pool, creating the schema when it does not exist yet.
func Open(path string) (*DB, error) {

	// Ensure the directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// Open with optimized pragmas
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	wrapper := &DB{DB: db}

	// Create the schema
	if err := wrapper.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	logger.Info("{database - Open} SQLite database opened with WAL mode: %s", path)

	return wrapper, nil
}

// migrate creates the schema when missing. The schema is intentionally
// small enough to live inline instead of in migration files.
func (db *DB) migrate() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS descriptors (
			content_id   TEXT PRIMARY KEY,
			document     TEXT NOT NULL,
			published_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS gateways (
			name        TEXT PRIMARY KEY,
			url         TEXT NOT NULL,
			priority    INTEGER NOT NULL DEFAULT 1,
			max_rps     INTEGER NOT NULL DEFAULT 5
		)`,
		`CREATE INDEX IF NOT EXISTS idx_descriptors_published
			ON descriptors(published_at)`,
	}

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to apply schema statement: %w", err)
		}
	}
	return nil
}

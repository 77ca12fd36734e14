package sqlite

import (
	"database/sql"
	"fmt"

	// Import the SQLite driver.
	_ "github.com/mattn/go-sqlite3"
)

const DefaultPath = "taskgraph.db"

// InitDB opens the SQLite database at path and creates the cache tables if
// they don't exist.
func InitDB(path string) (*sql.DB, error) {
	if path == "" {
		path = DefaultPath
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}

	// One writer at a time keeps "database is locked" away.
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS artifacts (
		algorithm TEXT NOT NULL,
		digest TEXT NOT NULL,
		path TEXT NOT NULL,
		size INTEGER NOT NULL DEFAULT 0,
		stored_at TEXT NOT NULL,
		PRIMARY KEY (algorithm, digest)
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create artifacts table: %w", err)
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS tokens (
		url TEXT PRIMARY KEY,
		etag TEXT,
		last_modified TEXT,
		algorithm TEXT NOT NULL,
		digest TEXT NOT NULL,
		path TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tokens table: %w", err)
	}

	return db, nil
}

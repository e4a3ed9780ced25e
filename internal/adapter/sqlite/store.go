package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// Metadata file names, one per manager
const (
	CacheMetadataFile   = "cache_metadata.db"
	OfflineMetadataFile = "offline_metadata.db"
)

// Store is a SQLite metadata database.
// Each manager opens its own Store on its own file.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens a connection to the SQLite database
func Open(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database dir: %w", err)
		}
	}

	// Open database with WAL mode and busy timeout
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// The store has a single writer; one connection keeps WAL checkpoints simple.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %s: %w", pragma, err)
		}
	}

	store := &Store{db: db, path: dbPath}

	if err := store.check(); err != nil {
		db.Close()
		return nil, err
	}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// OpenOrReset opens the database at dbPath. If the file is unreadable or
// fails its integrity check it is deleted and an empty database is created.
func OpenOrReset(dbPath string, logger *zap.Logger) (*Store, error) {
	store, err := Open(dbPath)
	if err == nil {
		return store, nil
	}

	logger.Warn("discarding unreadable metadata store",
		zap.String("path", dbPath),
		zap.Error(err),
	)

	for _, suffix := range []string{"", "-wal", "-shm"} {
		if rmErr := os.Remove(dbPath + suffix); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to remove corrupt metadata %s: %w", dbPath+suffix, rmErr)
		}
	}

	return Open(dbPath)
}

// Path returns the database file path
func (s *Store) Path() string {
	return s.path
}

// Close closes the database connection
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ping checks database connectivity
func (s *Store) Ping() error {
	return s.db.Ping()
}

func (s *Store) check() error {
	var result string
	if err := s.db.QueryRow("PRAGMA quick_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check failed: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity check failed: %s", result)
	}
	return nil
}

// migrate creates or updates the database schema
func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS cache_entries (
			media_type TEXT NOT NULL,
			key TEXT NOT NULL,
			storage_path TEXT NOT NULL,
			source_url TEXT NOT NULL DEFAULT '',
			size_bytes INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			last_accessed_at INTEGER NOT NULL,
			seq INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (media_type, key)
		)`,

		`CREATE TABLE IF NOT EXISTS download_records (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL DEFAULT '',
			remote_url TEXT NOT NULL,
			local_path TEXT NOT NULL DEFAULT '',
			priority INTEGER NOT NULL DEFAULT 3,
			estimated_size INTEGER NOT NULL DEFAULT 0,
			actual_size INTEGER NOT NULL DEFAULT 0,
			state TEXT NOT NULL,
			temp_file_path TEXT NOT NULL DEFAULT '',
			bytes_written INTEGER NOT NULL DEFAULT 0,
			bytes_expected INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			completed_at INTEGER
		)`,

		`CREATE INDEX IF NOT EXISTS idx_cache_entries_access ON cache_entries(last_accessed_at, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_download_records_state ON download_records(state)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, migration)
		}
	}

	return nil
}

// Timestamps are stored as unix nanoseconds so they round-trip exactly.
func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

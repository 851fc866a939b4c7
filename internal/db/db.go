// Package db provides the on-device durable record store for invoices and settings.
package db

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// FileName is the database file created inside the data directory.
const FileName = "invoicesync.db"

// Options tune how the database is opened.
type Options struct {
	// MaxPageCount bounds the database file (PRAGMA max_page_count). 0 = SQLite default.
	// Writes beyond the bound fail with SQLITE_FULL and trigger pressure relief.
	MaxPageCount int64

	// BusyTimeoutMS is how long a writer waits on a locked database.
	BusyTimeoutMS int
}

// DB wraps the sql.DB with the sync subsystem's configuration.
type DB struct {
	*sql.DB
	path string
}

// Open opens (creating if needed) the SQLite database in dataDir and applies migrations.
// The database is opened with:
// - WAL mode so UI reads do not block the sync writer
// - synchronous=FULL so a write is on stable storage before it returns
// - a single connection, since SQLite supports one writer
func Open(dataDir string, opts Options) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, FileName)
	return open("file:"+dbPath, dbPath, opts, true)
}

// OpenMemory opens a private in-memory database with the full schema. Used by tests
// and by the CLI's dry-run paths.
func OpenMemory(opts Options) (*DB, error) {
	return open("file::memory:", ":memory:", opts, false)
}

func open(base, path string, opts Options, wal bool) (*DB, error) {
	if opts.BusyTimeoutMS <= 0 {
		opts.BusyTimeoutMS = 5000
	}

	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", opts.BusyTimeoutMS))
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "synchronous(FULL)")
	if wal {
		q.Add("_pragma", "journal_mode(WAL)")
	}
	if opts.MaxPageCount > 0 {
		q.Add("_pragma", fmt.Sprintf("max_page_count(%d)", opts.MaxPageCount))
	}

	// Open database with modernc.org/sqlite (pure Go, no CGO)
	sqlDB, err := sql.Open("sqlite", base+"?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite doesn't support multiple writers; an in-memory database also
	// lives only as long as its one connection.
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(0)

	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	migrator, err := NewEmbeddedMigrator(sqlDB)
	if err != nil {
		sqlDB.Close()
		return nil, err
	}
	if err := migrator.Initialize(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to initialize migrations: %w", err)
	}
	if err := migrator.Up(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}

	return &DB{DB: sqlDB, path: path}, nil
}

// Path returns the database file path (":memory:" for in-memory databases).
func (db *DB) Path() string {
	return db.path
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.DB.Close()
}

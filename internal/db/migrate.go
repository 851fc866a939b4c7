package db

import (
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/kimhsiao/invoicesync/internal/errors"
)

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

// Migration represents an applied schema migration.
type Migration struct {
	Version     int
	AppliedAt   time.Time
	Description string
	Checksum    string
}

// Migrator applies V<n>__<name>.up.sql / .down.sql files from an fs.FS.
type Migrator struct {
	db  *sql.DB
	src fs.FS
	dir string
}

// NewMigrator creates a Migrator reading migration files from dir within src.
func NewMigrator(db *sql.DB, src fs.FS, dir string) *Migrator {
	return &Migrator{db: db, src: src, dir: dir}
}

// NewEmbeddedMigrator creates a Migrator over the migrations compiled into the binary.
func NewEmbeddedMigrator(db *sql.DB) (*Migrator, error) {
	if _, err := fs.Stat(embeddedMigrations, "migrations"); err != nil {
		return nil, errors.Wrap(errors.ErrMigration, "embedded migrations missing", err)
	}
	return NewMigrator(db, embeddedMigrations, "migrations"), nil
}

// Initialize creates the schema_migrations table if it doesn't exist.
func (m *Migrator) Initialize() error {
	query := `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY CHECK(version > 0),
		applied_at INTEGER NOT NULL CHECK(applied_at > 0),
		description TEXT NOT NULL CHECK(length(description) > 0),
		checksum TEXT NOT NULL CHECK(length(checksum) = 64)
	);`
	_, err := m.db.Exec(query)
	return err
}

// CurrentVersion returns the current schema version.
func (m *Migrator) CurrentVersion() (int, error) {
	var version int
	err := m.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	return version, err
}

// GetAppliedMigrations returns all applied migrations.
func (m *Migrator) GetAppliedMigrations() ([]Migration, error) {
	rows, err := m.db.Query("SELECT version, applied_at, description, checksum FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var migrations []Migration
	for rows.Next() {
		var mig Migration
		var appliedAt int64
		if err := rows.Scan(&mig.Version, &appliedAt, &mig.Description, &mig.Checksum); err != nil {
			return nil, err
		}
		mig.AppliedAt = time.Unix(appliedAt, 0)
		migrations = append(migrations, mig)
	}
	return migrations, rows.Err()
}

type migrationFile struct {
	version     int
	description string
	name        string
}

// parseMigrationName parses V1__initial_schema.up.sql into (1, "initial_schema").
func parseMigrationName(name, suffix string) (int, string, bool) {
	if !strings.HasSuffix(name, suffix) {
		return 0, "", false
	}
	parts := strings.SplitN(strings.TrimSuffix(name, suffix), "__", 2)
	if len(parts) < 2 || parts[1] == "" {
		return 0, "", false
	}
	version, err := strconv.Atoi(strings.TrimPrefix(parts[0], "V"))
	if err != nil || version <= 0 {
		return 0, "", false
	}
	return version, parts[1], true
}

func (m *Migrator) list(suffix string) ([]migrationFile, error) {
	entries, err := fs.ReadDir(m.src, m.dir)
	if err != nil {
		return nil, errors.Wrap(errors.ErrMigration, "read migrations directory", err)
	}

	var files []migrationFile
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		version, desc, ok := parseMigrationName(entry.Name(), suffix)
		if !ok {
			continue
		}
		files = append(files, migrationFile{version: version, description: desc, name: entry.Name()})
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].version < files[j].version
	})
	return files, nil
}

// Up applies pending migrations in version order. An applied migration whose
// file no longer matches its recorded checksum stops the upgrade.
func (m *Migrator) Up() error {
	applied, err := m.GetAppliedMigrations()
	if err != nil {
		return errors.Wrap(errors.ErrMigration, "read applied migrations", err)
	}
	checksums := make(map[int]string, len(applied))
	for _, mig := range applied {
		checksums[mig.Version] = mig.Checksum
	}

	files, err := m.list(".up.sql")
	if err != nil {
		return err
	}

	for _, f := range files {
		content, err := fs.ReadFile(m.src, path.Join(m.dir, f.name))
		if err != nil {
			return errors.Wrap(errors.ErrMigration, "read "+f.name, err)
		}
		sum := checksum(content)

		if recorded, ok := checksums[f.version]; ok {
			if recorded != sum {
				return errors.Newf(errors.ErrMigration, "migration V%d changed after it was applied", f.version)
			}
			continue
		}

		err = m.inTx(string(content),
			`INSERT INTO schema_migrations (version, applied_at, description, checksum) VALUES (?, ?, ?, ?)`,
			f.version, time.Now().Unix(), f.description, sum)
		if err != nil {
			return errors.Wrap(errors.ErrMigration, fmt.Sprintf("apply V%d %s", f.version, f.description), err)
		}
	}
	return nil
}

// Down rolls back the most recently applied migration.
func (m *Migrator) Down() error {
	current, err := m.CurrentVersion()
	if err != nil {
		return errors.Wrap(errors.ErrMigration, "read schema version", err)
	}
	if current == 0 {
		return errors.New(errors.ErrMigration, "no migrations to roll back")
	}

	files, err := m.list(".down.sql")
	if err != nil {
		return err
	}
	var down *migrationFile
	for i := range files {
		if files[i].version == current {
			down = &files[i]
			break
		}
	}
	if down == nil {
		return errors.Newf(errors.ErrMigration, "no rollback migration for V%d", current)
	}

	content, err := fs.ReadFile(m.src, path.Join(m.dir, down.name))
	if err != nil {
		return errors.Wrap(errors.ErrMigration, "read "+down.name, err)
	}
	if err := m.inTx(string(content), "DELETE FROM schema_migrations WHERE version = ?", current); err != nil {
		return errors.Wrap(errors.ErrMigration, fmt.Sprintf("roll back V%d", current), err)
	}
	return nil
}

// inTx runs a migration script and its bookkeeping statement in one transaction.
func (m *Migrator) inTx(script, record string, args ...interface{}) error {
	tx, err := m.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(script); err != nil {
		return err
	}
	if _, err := tx.Exec(record, args...); err != nil {
		return err
	}
	return tx.Commit()
}

func checksum(content []byte) string {
	hash := sha256.Sum256(content)
	return hex.EncodeToString(hash[:])
}

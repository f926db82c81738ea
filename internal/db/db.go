// Package db opens the pace.report SQLite database and manages its schema.
package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/banshee-data/pace.report/internal/monitoring"
)

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

// MigrationsFS returns the embedded migration files rooted at the
// migrations directory.
func MigrationsFS() fs.FS {
	sub, err := fs.Sub(embeddedMigrations, "migrations")
	if err != nil {
		panic(fmt.Sprintf("embedded migrations: %v", err))
	}
	return sub
}

// Pragmas are applied to every connection through the DSN so that pooled
// connections share the same settings.
var Pragmas = []string{
	"journal_mode(WAL)",
	"busy_timeout(5000)",
	"synchronous(NORMAL)",
	"temp_store(MEMORY)",
	"foreign_keys(1)",
}

type DB struct {
	*sql.DB
}

// OpenDB opens the database without touching the schema. Use it for the
// migrate subcommand; everything else should call NewDB.
func OpenDB(path string) (*DB, error) {
	if path == "" {
		return nil, errors.New("database path is empty")
	}
	sqlDB, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to connect to database %s: %w", path, err)
	}
	return &DB{sqlDB}, nil
}

// NewDB opens the database and applies any pending migrations.
func NewDB(path string) (*DB, error) {
	d, err := OpenDB(path)
	if err != nil {
		return nil, err
	}
	migrationsFS := MigrationsFS()
	if err := d.MigrateUp(migrationsFS); err != nil {
		// A dirty schema or one written by a newer binary has a clearer
		// explanation than the migrate error.
		if checkErr := d.CheckMigrations(migrationsFS); checkErr != nil {
			err = checkErr
		}
		d.Close()
		return nil, err
	}
	version, _, err := d.MigrateVersion(migrationsFS)
	if err == nil {
		monitoring.Logf("[DB] opened %s at schema version %d", path, version)
	}
	return d, nil
}

func dsn(path string) string {
	var b strings.Builder
	b.WriteString(path)
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	for _, p := range Pragmas {
		b.WriteString(sep)
		b.WriteString("_pragma=")
		b.WriteString(p)
		sep = "&"
	}
	return b.String()
}

// IsBusy reports whether err is SQLite lock contention.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// RetryOnBusy runs fn until it succeeds, fails with a non-busy error, or
// the attempts run out. busy_timeout covers most contention; this handles
// the cases where SQLite returns BUSY immediately (e.g. lock upgrades).
func RetryOnBusy(ctx context.Context, attempts int, fn func() error) error {
	backoff := 20 * time.Millisecond
	attempts = max(attempts, 1)
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); !IsBusy(err) || i == attempts-1 {
			return err
		}
		monitoring.Logf("[DB] database busy (attempt %d/%d), retrying in %s", i+1, attempts, backoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return err
}

// WithTx runs fn inside a transaction, committing on success and rolling
// back otherwise.
func (db *DB) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return RetryOnBusy(ctx, 5, func() error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		if err := fn(tx); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit transaction: %w", err)
		}
		return nil
	})
}

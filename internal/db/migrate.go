package db

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/banshee-data/pace.report/internal/monitoring"
)

// MigrateUp runs all pending migrations up to the latest version.
// Returns nil if no migrations were needed (already at latest version).
func (db *DB) MigrateUp(migrationsFS fs.FS) error {
	m, err := db.newMigrate(migrationsFS)
	if err != nil {
		return err
	}
	// m is not closed: closing it would close the shared *sql.DB.

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// MigrateDown rolls back the most recent migration.
func (db *DB) MigrateDown(migrationsFS fs.FS) error {
	m, err := db.newMigrate(migrationsFS)
	if err != nil {
		return err
	}
	if err := m.Steps(-1); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration down failed: %w", err)
	}
	return nil
}

// MigrateVersion returns the current migration version and dirty state.
// Returns 0, false, nil if no migrations have been applied yet.
func (db *DB) MigrateVersion(migrationsFS fs.FS) (version uint, dirty bool, err error) {
	m, err := db.newMigrate(migrationsFS)
	if err != nil {
		return 0, false, err
	}
	version, dirty, err = m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

// MigrateForce forces the migration version to a specific value.
// This should only be used to recover from a dirty migration state.
func (db *DB) MigrateForce(migrationsFS fs.FS, version int) error {
	m, err := db.newMigrate(migrationsFS)
	if err != nil {
		return err
	}
	if err := m.Force(version); err != nil {
		return fmt.Errorf("force migration to version %d failed: %w", version, err)
	}
	return nil
}

// MigrateTo migrates up or down to a specific version.
func (db *DB) MigrateTo(migrationsFS fs.FS, version uint) error {
	m, err := db.newMigrate(migrationsFS)
	if err != nil {
		return err
	}
	if err := m.Migrate(version); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration to version %d failed: %w", version, err)
	}
	return nil
}

func (db *DB) newMigrate(migrationsFS fs.FS) (*migrate.Migrate, error) {
	if migrationsFS == nil {
		return nil, errors.New("migrations filesystem is nil")
	}
	src, err := iofs.New(migrationsFS, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(db.DB, &sqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = &migrateLogger{}
	return m, nil
}

// migrateLogger implements migrate.Logger.
type migrateLogger struct{}

func (l *migrateLogger) Printf(format string, v ...interface{}) {
	monitoring.Logf("[migrate] "+format, v...)
}

func (l *migrateLogger) Verbose() bool {
	return false
}

// LatestMigrationVersion returns the highest version among the *.up.sql
// files in migrationsFS.
func LatestMigrationVersion(migrationsFS fs.FS) (uint, error) {
	entries, err := fs.Glob(migrationsFS, "*.up.sql")
	if err != nil {
		return 0, fmt.Errorf("failed to read migrations: %w", err)
	}
	var latest uint
	for _, name := range entries {
		var version uint
		// Migration files follow the format 000001_name.up.sql.
		if _, err := fmt.Sscanf(name, "%d_", &version); err == nil && version > latest {
			latest = version
		}
	}
	if latest == 0 {
		return 0, errors.New("no migration files found")
	}
	return latest, nil
}

// CheckMigrations returns an error when the schema is dirty, ahead of, or
// behind the embedded migrations.
func (db *DB) CheckMigrations(migrationsFS fs.FS) error {
	current, dirty, err := db.MigrateVersion(migrationsFS)
	if err != nil {
		return fmt.Errorf("failed to get current migration version: %w", err)
	}
	latest, err := LatestMigrationVersion(migrationsFS)
	if err != nil {
		return err
	}
	switch {
	case dirty:
		return fmt.Errorf("database is in a dirty state (version %d); run 'pacer migrate status' to diagnose", current)
	case current > latest:
		return fmt.Errorf("database version (%d) is ahead of latest migration (%d)", current, latest)
	case current < latest:
		return fmt.Errorf("database schema is out of date (version %d, need %d); run 'pacer migrate up'", current, latest)
	}
	return nil
}

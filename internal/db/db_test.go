package db

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tempPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "pace.db")
}

func TestNewDBAppliesMigrations(t *testing.T) {
	t.Parallel()

	d, err := NewDB(tempPath(t))
	require.NoError(t, err)
	defer d.Close()

	version, dirty, err := d.MigrateVersion(MigrationsFS())
	require.NoError(t, err)
	latest, err := LatestMigrationVersion(MigrationsFS())
	require.NoError(t, err)
	assert.Equal(t, latest, version)
	assert.False(t, dirty)
	assert.NoError(t, d.CheckMigrations(MigrationsFS()))

	for _, table := range []string{"residual_records", "learned_parameters", "residual_models", "training_status"} {
		var n int
		err := d.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&n)
		require.NoError(t, err)
		assert.Equal(t, 1, n, table)
	}
}

func TestPragmas(t *testing.T) {
	t.Parallel()

	d, err := OpenDB(tempPath(t))
	require.NoError(t, err)
	defer d.Close()

	var mode string
	require.NoError(t, d.QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)

	var busy int
	require.NoError(t, d.QueryRow("PRAGMA busy_timeout").Scan(&busy))
	assert.Equal(t, 5000, busy)

	var fk int
	require.NoError(t, d.QueryRow("PRAGMA foreign_keys").Scan(&fk))
	assert.Equal(t, 1, fk)
}

func TestMigrateDownAndTo(t *testing.T) {
	t.Parallel()

	d, err := NewDB(tempPath(t))
	require.NoError(t, err)
	defer d.Close()
	fsys := MigrationsFS()

	require.NoError(t, d.MigrateDown(fsys))
	version, _, err := d.MigrateVersion(fsys)
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)
	assert.Error(t, d.CheckMigrations(fsys))

	var n int
	require.NoError(t, d.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE name='training_status'`).Scan(&n))
	assert.Zero(t, n)

	require.NoError(t, d.MigrateTo(fsys, 2))
	assert.NoError(t, d.CheckMigrations(fsys))
}

func TestOpenDBRejectsEmptyPath(t *testing.T) {
	t.Parallel()

	_, err := OpenDB("")
	assert.Error(t, err)
}

func TestCheckMigrationsFreshDatabase(t *testing.T) {
	t.Parallel()

	d, err := OpenDB(tempPath(t))
	require.NoError(t, err)
	defer d.Close()

	version, dirty, err := d.MigrateVersion(MigrationsFS())
	require.NoError(t, err)
	assert.Zero(t, version)
	assert.False(t, dirty)
	assert.ErrorContains(t, d.CheckMigrations(MigrationsFS()), "out of date")
}

func TestRetryOnBusy(t *testing.T) {
	t.Parallel()

	busy := errors.New("database is locked (5) (SQLITE_BUSY)")
	other := errors.New("constraint failed")

	tests := []struct {
		name      string
		errs      []error
		wantCalls int
		wantErr   error
	}{
		{"success", []error{nil}, 1, nil},
		{"busy then success", []error{busy, busy, nil}, 3, nil},
		{"non-busy error", []error{other}, 1, other},
		{"exhausted", []error{busy, busy, busy}, 3, busy},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			calls := 0
			err := RetryOnBusy(context.Background(), 3, func() error {
				err := tt.errs[calls]
				calls++
				return err
			})
			assert.Equal(t, tt.wantCalls, calls)
			assert.Equal(t, tt.wantErr, err)
		})
	}
}

func TestRetryOnBusyCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := RetryOnBusy(ctx, 5, func() error { return errors.New("SQLITE_BUSY") })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWithTxRollsBack(t *testing.T) {
	t.Parallel()

	d, err := NewDB(tempPath(t))
	require.NoError(t, err)
	defer d.Close()
	ctx := context.Background()

	boom := errors.New("boom")
	err = d.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.Exec(`INSERT INTO learned_parameters (user_id, trained_at, params_json) VALUES ('u', 0, '{}')`); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	var n int
	require.NoError(t, d.QueryRow(`SELECT COUNT(*) FROM learned_parameters`).Scan(&n))
	assert.Zero(t, n)

	err = d.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO learned_parameters (user_id, trained_at, params_json) VALUES ('u', 0, '{}')`)
		return err
	})
	require.NoError(t, err)
	require.NoError(t, d.QueryRow(`SELECT COUNT(*) FROM learned_parameters`).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestRunMigrateCommand(t *testing.T) {
	t.Parallel()

	path := tempPath(t)
	var out bytes.Buffer
	require.NoError(t, RunMigrateCommand([]string{"up"}, path, &out))
	assert.Contains(t, out.String(), "Current version: 2")

	assert.NotContains(t, out.String(), "Warning")

	out.Reset()
	require.NoError(t, RunMigrateCommand([]string{"version", "1"}, path, &out))
	assert.Contains(t, out.String(), "Current version: 1")
	assert.Contains(t, out.String(), "Warning: database schema is out of date")

	assert.Error(t, RunMigrateCommand(nil, path, &out))
	assert.Error(t, RunMigrateCommand([]string{"version"}, path, &out))
	assert.Error(t, RunMigrateCommand([]string{"version", "x"}, path, &out))
	assert.Error(t, RunMigrateCommand([]string{"sideways"}, path, &out))
	assert.NoError(t, RunMigrateCommand([]string{"help"}, path, &out))
}

func TestNewDBRejectsSchemaFromNewerBinary(t *testing.T) {
	t.Parallel()

	path := tempPath(t)
	var out bytes.Buffer
	require.NoError(t, RunMigrateCommand([]string{"force", "9"}, path, &out))
	assert.Contains(t, out.String(), "Warning: database version (9) is ahead of latest migration (2)")

	_, err := NewDB(path)
	assert.ErrorContains(t, err, "ahead of latest migration")
}

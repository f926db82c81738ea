package db

import (
	"fmt"
	"io"
	"strconv"
)

// RunMigrateCommand handles the 'migrate' subcommand.
func RunMigrateCommand(args []string, dbPath string, out io.Writer) error {
	if len(args) < 1 {
		PrintMigrateHelp(out)
		return fmt.Errorf("missing migrate action")
	}
	action := args[0]
	if action == "help" {
		PrintMigrateHelp(out)
		return nil
	}

	// Migrations manage the schema, so open without running them.
	database, err := OpenDB(dbPath)
	if err != nil {
		return err
	}
	defer database.Close()
	migrationsFS := MigrationsFS()

	switch action {
	case "up":
		if err := database.MigrateUp(migrationsFS); err != nil {
			return err
		}
		fmt.Fprintln(out, "All migrations applied")
	case "down":
		if err := database.MigrateDown(migrationsFS); err != nil {
			return err
		}
		fmt.Fprintln(out, "Rolled back one migration")
	case "status":
		// reported below
	case "version", "force":
		if len(args) < 2 {
			return fmt.Errorf("usage: pacer migrate %s <version>", action)
		}
		v, err := strconv.Atoi(args[1])
		if err != nil || v < 0 {
			return fmt.Errorf("invalid version %q", args[1])
		}
		if action == "version" {
			err = database.MigrateTo(migrationsFS, uint(v))
		} else {
			err = database.MigrateForce(migrationsFS, v)
		}
		if err != nil {
			return err
		}
	default:
		PrintMigrateHelp(out)
		return fmt.Errorf("unknown migrate action: %s", action)
	}

	version, dirty, err := database.MigrateVersion(migrationsFS)
	if err != nil {
		return err
	}
	latest, err := LatestMigrationVersion(migrationsFS)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Current version: %d (latest %d, dirty: %v)\n", version, latest, dirty)
	if err := database.CheckMigrations(migrationsFS); err != nil {
		fmt.Fprintf(out, "Warning: %v\n", err)
	}
	return nil
}

// PrintMigrateHelp writes usage for the migrate subcommand.
func PrintMigrateHelp(out io.Writer) {
	fmt.Fprint(out, `Usage: pacer migrate <action> [args]

Actions:
  up                 Apply all pending migrations
  down               Roll back the most recent migration
  status             Show the current schema version
  version <n>        Migrate up or down to version n
  force <n>          Mark version n as applied (recovers a dirty state)
  help               Show this message
`)
}

package db

import (
	"fmt"
	"io"
	"strconv"
)

// MigrateActions lists the actions RunMigrate accepts.
var MigrateActions = []string{"up", "down", "status", "version", "force"}

// RunMigrate performs one migrate action and reports to out. version and
// force take the target version as their single argument.
func RunMigrate(db *DB, action string, args []string, out io.Writer) error {
	switch action {
	case "up":
		fmt.Fprintln(out, "Running migrations...")
		if err := db.MigrateUp(); err != nil {
			return err
		}
		fmt.Fprintln(out, "✓ All migrations applied successfully")
		return printVersion(db, out)

	case "down":
		fmt.Fprintln(out, "Rolling back one migration...")
		if err := db.MigrateDown(); err != nil {
			return err
		}
		fmt.Fprintln(out, "✓ Migration rolled back successfully")
		return printVersion(db, out)

	case "status":
		version, dirty, err := db.MigrateVersion()
		if err != nil {
			return err
		}
		latest, err := LatestVersion()
		if err != nil {
			return err
		}
		fmt.Fprintln(out, "=== Migration Status ===")
		fmt.Fprintf(out, "Current version: %d\n", version)
		fmt.Fprintf(out, "Latest available: %d\n", latest)
		fmt.Fprintf(out, "Dirty: %v\n", dirty)
		switch {
		case dirty:
			fmt.Fprintln(out, "\n⚠️  WARNING: Database is in a dirty state!")
			fmt.Fprintln(out, "A migration failed mid-execution. Inspect the database, then run: fieldmap migrate force <version>")
		case version < latest:
			fmt.Fprintf(out, "⚠️  Database is %d version(s) behind. Run 'fieldmap migrate up' to update.\n", latest-version)
		default:
			fmt.Fprintln(out, "✓ Database is up to date!")
		}
		return nil

	case "version":
		target, err := versionArg(action, args)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Migrating to version %d...\n", target)
		if err := db.MigrateTo(uint(target)); err != nil {
			return err
		}
		fmt.Fprintf(out, "✓ Migrated to version %d successfully\n", target)
		return nil

	case "force":
		target, err := versionArg(action, args)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "⚠️  WARNING: Forcing migration version to %d\n", target)
		if err := db.MigrateForce(target); err != nil {
			return err
		}
		fmt.Fprintf(out, "✓ Migration version forced to %d\n", target)
		return nil
	}
	return fmt.Errorf("unknown migrate action %q (want one of %v)", action, MigrateActions)
}

func versionArg(action string, args []string) (int, error) {
	if len(args) != 1 {
		return 0, fmt.Errorf("usage: fieldmap migrate %s <version_number>", action)
	}
	v, err := strconv.Atoi(args[0])
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid version %q", args[0])
	}
	return v, nil
}

func printVersion(db *DB, out io.Writer) error {
	version, dirty, err := db.MigrateVersion()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Current version: %d (dirty: %v)\n", version, dirty)
	return nil
}

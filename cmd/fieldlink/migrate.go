package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/nerrad567/fieldlink/internal/infrastructure/config"
	"github.com/nerrad567/fieldlink/internal/infrastructure/database"
)

const migrateUsage = "usage: fieldlink migrate status|up|down"

// runMigrate inspects or changes the schema of the configured database
// without starting the gateway. The gateway itself migrates up on start.
func runMigrate(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	fs.SetOutput(out)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New(migrateUsage)
	}
	action := fs.Arg(0)
	if action != "status" && action != "up" && action != "down" {
		return fmt.Errorf("unknown migrate action %q; %s", action, migrateUsage)
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if !cfg.Database.Enabled {
		return errors.New("database is disabled in the configuration")
	}

	db, err := dialDatabase(cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close() //nolint:errcheck // CLI exit path

	switch action {
	case "up":
		if err := db.Migrate(ctx); err != nil {
			return fmt.Errorf("running migrations: %w", err)
		}
	case "down":
		m, err := db.MigrateDown(ctx)
		if err != nil {
			return err
		}
		if m.Version == "" {
			fmt.Fprintln(out, "nothing to roll back")
		} else {
			fmt.Fprintf(out, "rolled back %s %s\n", m.Version, m.Name)
		}
	}

	st, err := db.MigrationStatus(ctx)
	if err != nil {
		return fmt.Errorf("reading migration status: %w", err)
	}
	printMigrationStatus(out, st)
	return nil
}

func printMigrationStatus(out io.Writer, st database.MigrationStatus) {
	current := st.Current()
	if current == "" {
		current = "none"
	}
	fmt.Fprintf(out, "current: %s\n", current)
	for _, r := range st.Applied {
		fmt.Fprintf(out, "applied  %s  %s\n", r.Version, r.AppliedAt.Format(time.RFC3339))
	}
	for _, m := range st.Pending {
		fmt.Fprintf(out, "pending  %s  %s\n", m.Version, m.Name)
	}
	for _, v := range st.Unknown {
		fmt.Fprintf(out, "unknown  %s\n", v)
	}
}

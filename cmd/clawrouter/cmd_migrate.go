package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/spf13/cobra"
)

type migrateFlags struct {
	dbURL string
	path  string
	steps int
}

func newMigrateCommand(opts *rootOptions) *cobra.Command {
	flags := &migrateFlags{}
	cmd := &cobra.Command{
		Use:       "migrate <up|down>",
		Short:     "Apply or roll back the usage database schema",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"up", "down"},
		RunE: func(cmd *cobra.Command, args []string) error {
			dsn := flags.dbURL
			if dsn == "" {
				loader, _, err := loadConfig(opts, io.Discard)
				if err != nil {
					return fmt.Errorf("load configuration: %w", err)
				}
				db := loader.Config().Database
				if !db.Enabled() {
					return errors.New("database.host is not set and no --db-url given")
				}
				dsn = db.DSN()
			}

			m, err := migrate.New("file://"+flags.path, dsn)
			if err != nil {
				return fmt.Errorf("create migrator: %w", err)
			}
			defer m.Close()

			if err := runMigration(m, args[0], flags.steps); err != nil {
				return err
			}
			v, dirty, _ := m.Version()
			fmt.Fprintf(cmd.OutOrStdout(), "migration %s complete (version: %d, dirty: %v)\n", args[0], v, dirty)
			return nil
		},
	}
	cmd.Flags().StringVar(&flags.dbURL, "db-url", "", "database URL (overrides config)")
	cmd.Flags().StringVar(&flags.path, "path", "migrations", "path to migrations directory")
	cmd.Flags().IntVar(&flags.steps, "steps", 0, "number of steps (0 = all)")
	return cmd
}

// migrator is the part of *migrate.Migrate a migration run needs.
type migrator interface {
	Up() error
	Down() error
	Steps(n int) error
}

func runMigration(m migrator, direction string, steps int) error {
	var err error
	switch direction {
	case "up":
		if steps > 0 {
			err = m.Steps(steps)
		} else {
			err = m.Up()
		}
	case "down":
		if steps > 0 {
			err = m.Steps(-steps)
		} else {
			err = m.Down()
		}
	default:
		return fmt.Errorf("invalid direction %q (use up or down)", direction)
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration failed: %w", err)
	}
	return nil
}

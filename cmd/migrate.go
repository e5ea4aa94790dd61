package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/wapipe/internal/config"
	"github.com/nextlevelbuilder/wapipe/internal/store/pg"
	"github.com/nextlevelbuilder/wapipe/internal/upgrade"
)

var migrationsDir string

func resolveMigrationsDir() string {
	if migrationsDir != "" {
		return migrationsDir
	}
	if v := os.Getenv("WAPIPE_MIGRATIONS_DIR"); v != "" {
		return v
	}
	exe, err := os.Executable()
	if err != nil {
		return "migrations"
	}
	return filepath.Join(filepath.Dir(exe), "migrations")
}

func newMigrator(dsn string) (*migrate.Migrate, error) {
	dir := resolveMigrationsDir()
	m, err := migrate.New("file://"+dir, dsn)
	if err != nil {
		return nil, fmt.Errorf("create migrator: %w", err)
	}
	return m, nil
}

// resolveDSN reads the DSN through config.Load, which takes it from
// WAPIPE_POSTGRES_DSN only.
func resolveDSN() (string, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return "", fmt.Errorf("load config: %w", err)
	}
	dsn := cfg.Database.PostgresDSN
	if dsn == "" {
		return "", fmt.Errorf("WAPIPE_POSTGRES_DSN environment variable is not set")
	}
	return dsn, nil
}

// checkSchema refuses to start on an outdated or dirty schema. With
// WAPIPE_AUTO_MIGRATE=true pending migrations are applied instead.
func checkSchema(ctx context.Context, dsn string) error {
	db, err := pg.OpenDB(dsn)
	if err != nil {
		return fmt.Errorf("open postgres: %w", err)
	}
	defer db.Close()

	status, err := upgrade.CheckSchema(ctx, db)
	if err != nil {
		return err
	}
	err = status.Err()
	if err == nil {
		return nil
	}
	if !errors.Is(err, upgrade.ErrSchemaOutdated) || os.Getenv("WAPIPE_AUTO_MIGRATE") != "true" {
		return fmt.Errorf("%w: %s", err, upgrade.FormatError(status))
	}

	m, err := newMigrator(dsn)
	if err != nil {
		return err
	}
	defer m.Close()
	if err := noChange(m.Up()); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	slog.Info("schema migrated", "from", status.CurrentVersion, "to", status.RequiredVersion)
	return nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Postgres schema migrations",
	}
	cmd.PersistentFlags().StringVar(&migrationsDir, "migrations-dir", "", "path to migrations directory (default: ./migrations)")

	var steps int
	down := migrateSub("down", "Roll back migrations (default: 1 step)", cobra.NoArgs,
		func(m *migrate.Migrate, _ []string) error {
			if steps <= 0 {
				steps = 1
			}
			return noChange(m.Steps(-steps))
		})
	down.Flags().IntVarP(&steps, "steps", "n", 1, "number of steps to roll back")

	cmd.AddCommand(
		migrateSub("up", "Apply all pending migrations", cobra.NoArgs,
			func(m *migrate.Migrate, _ []string) error { return noChange(m.Up()) }),
		down,
		migrateSub("version", "Show the applied and required schema versions", cobra.NoArgs,
			func(m *migrate.Migrate, _ []string) error {
				v, dirty, err := m.Version()
				if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
					return err
				}
				fmt.Printf("version: %d, dirty: %v, required: %d\n", v, dirty, upgrade.RequiredSchemaVersion)
				return nil
			}),
		migrateSub("force <version>", "Set the recorded version without running migrations", cobra.ExactArgs(1),
			func(m *migrate.Migrate, args []string) error {
				v, err := strconv.Atoi(args[0])
				if err != nil {
					return fmt.Errorf("invalid version: %w", err)
				}
				return m.Force(v)
			}),
		migrateSub("goto <version>", "Migrate up or down to a specific version", cobra.ExactArgs(1),
			func(m *migrate.Migrate, args []string) error {
				v, err := strconv.ParseUint(args[0], 10, 64)
				if err != nil {
					return fmt.Errorf("invalid version: %w", err)
				}
				return noChange(m.Migrate(uint(v)))
			}),
		migrateSub("drop", "Drop all wapipe tables (destroys every conversation and message)", cobra.NoArgs,
			func(m *migrate.Migrate, _ []string) error { return m.Drop() }),
	)
	return cmd
}

// migrateSub builds a subcommand that runs fn against a migrator for the
// configured DSN and logs the resulting version.
func migrateSub(use, short string, args cobra.PositionalArgs, fn func(*migrate.Migrate, []string) error) *cobra.Command {
	name := strings.Fields(use)[0]
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  args,
		RunE: func(cmd *cobra.Command, argv []string) error {
			dsn, err := resolveDSN()
			if err != nil {
				return err
			}
			m, err := newMigrator(dsn)
			if err != nil {
				return err
			}
			defer m.Close()

			if err := fn(m, argv); err != nil {
				return fmt.Errorf("migrate %s: %w", name, err)
			}
			if name != "version" && name != "drop" {
				v, dirty, _ := m.Version()
				slog.Info("migrate."+name, "version", v, "dirty", dirty)
			}
			return nil
		},
	}
}

func noChange(err error) error {
	if errors.Is(err, migrate.ErrNoChange) {
		return nil
	}
	return err
}

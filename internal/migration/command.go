package migration

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	// registers the pgx5:// database driver
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/spf13/cobra"

	"github.com/acme/whatsapp-dispatch/internal/config"
	"github.com/acme/whatsapp-dispatch/internal/infra/db"
	"github.com/acme/whatsapp-dispatch/migrations"
)

// MigrateCommand builds the schema migration CLI. The configuration file is
// read once flags are parsed.
func MigrateCommand(defaultConfig string) *cobra.Command {
	var (
		configPath string
		cfg        *config.Config
	)

	root := &cobra.Command{
		Use:          "migrate",
		Short:        "Apply Postgres and Scylla schema migrations",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			loaded, err := config.Load(configPath)
			if err != nil {
				return err
			}
			cfg = loaded
			return nil
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", defaultConfig, "path to configuration file")

	root.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending Postgres migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := newMigrate(cfg.Postgres)
			if err != nil {
				return err
			}
			defer closeMigrate(m)
			if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
				return fmt.Errorf("migrate up: %w", err)
			}
			return printVersion(cmd, m)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "down [steps]",
		Short: "Roll back Postgres migrations, one step by default",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			steps := 1
			if len(args) == 1 {
				n, err := strconv.Atoi(args[0])
				if err != nil || n <= 0 {
					return fmt.Errorf("migrate down: steps must be a positive integer")
				}
				steps = n
			}
			m, err := newMigrate(cfg.Postgres)
			if err != nil {
				return err
			}
			defer closeMigrate(m)
			if err := m.Steps(-steps); err != nil && !errors.Is(err, migrate.ErrNoChange) {
				return fmt.Errorf("migrate down: %w", err)
			}
			return printVersion(cmd, m)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "force <version>",
		Short: "Mark a Postgres migration version as applied after a failed run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			version, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("migrate force: invalid version %q", args[0])
			}
			m, err := newMigrate(cfg.Postgres)
			if err != nil {
				return err
			}
			defer closeMigrate(m)
			if err := m.Force(version); err != nil {
				return fmt.Errorf("migrate force: %w", err)
			}
			return printVersion(cmd, m)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the applied Postgres migration version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := newMigrate(cfg.Postgres)
			if err != nil {
				return err
			}
			defer closeMigrate(m)
			return printVersion(cmd, m)
		},
	})

	var replication int
	scylla := &cobra.Command{
		Use:   "scylla",
		Short: "Create the Scylla keyspace and message event tables",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := db.EnsureKeyspace(cfg.Scylla, replication); err != nil {
				return err
			}
			stmts, err := migrations.CQLStatements()
			if err != nil {
				return err
			}
			session, err := db.NewScylla(cfg.Scylla)
			if err != nil {
				return err
			}
			defer session.Close()
			for _, stmt := range stmts {
				if err := session.Session().Query(stmt).Exec(); err != nil {
					return fmt.Errorf("scylla migrate: %w", err)
				}
			}
			cmd.Printf("applied %d cql statements to keyspace %s\n", len(stmts), cfg.Scylla.Keyspace)
			return nil
		},
	}
	scylla.Flags().IntVar(&replication, "replication-factor", 1, "SimpleStrategy replication factor for a new keyspace")
	root.AddCommand(scylla)

	return root
}

// DatabaseURL rewrites the Postgres DSN for golang-migrate's pgx/v5 driver.
func DatabaseURL(cfg config.PostgresConfig) string {
	dsn := cfg.DSN()
	return "pgx5://" + strings.TrimPrefix(dsn, "postgres://")
}

func newMigrate(cfg config.PostgresConfig) (*migrate.Migrate, error) {
	source, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return nil, fmt.Errorf("migrate: open embedded migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", source, DatabaseURL(cfg))
	if err != nil {
		return nil, fmt.Errorf("migrate: connect: %w", err)
	}
	return m, nil
}

func closeMigrate(m *migrate.Migrate) {
	_, _ = m.Close()
}

func printVersion(cmd *cobra.Command, m *migrate.Migrate) error {
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		cmd.Println("no migrations applied")
		return nil
	}
	if err != nil {
		return fmt.Errorf("migrate version: %w", err)
	}
	cmd.Printf("version %d (dirty=%t)\n", version, dirty)
	return nil
}

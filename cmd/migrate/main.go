// Command migrate applies or rolls back the Postgres schema.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"os"
	"time"

	"SafeLedger/internal/config"
	"SafeLedger/internal/observability"
	"SafeLedger/internal/persistence"

	_ "github.com/lib/pq"
	"github.com/spf13/cobra"
)

func main() {
	var configPath string
	log := observability.NewLogger("migrate")

	// open returns a migrator over the configured database. SAFE_MIGRATIONS_DIR
	// replaces the migrations embedded in the binary.
	open := func(ctx context.Context) (*persistence.Migrator, func() error, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, nil, err
		}
		db, err := sql.Open("postgres", cfg.Storage.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open db: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("ping db: %w", err)
		}
		var fsys fs.FS
		if cfg.Storage.MigrationsDir != "" {
			fsys = os.DirFS(cfg.Storage.MigrationsDir)
		}
		return persistence.NewMigrator(db, fsys), db.Close, nil
	}

	root := &cobra.Command{
		Use:           "migrate",
		Short:         "Manage the safeledger Postgres schema",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("SAFE_CONFIG"), "YAML config file (optional)")

	root.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, closeDB, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer closeDB()
			n, err := m.Up(cmd.Context())
			if err != nil {
				return fmt.Errorf("migrate up: %w", err)
			}
			log.Info().Int("applied", n).Msg("all migrations applied")
			return nil
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back the last migration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, closeDB, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer closeDB()
			file, err := m.Down(cmd.Context())
			if err != nil {
				return fmt.Errorf("migrate down: %w", err)
			}
			if file != "" {
				log.Info().Str("file", file).Msg("last migration rolled back")
			}
			return nil
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "List migrations and when they were applied",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, closeDB, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer closeDB()
			statuses, err := m.Status(cmd.Context())
			if err != nil {
				return fmt.Errorf("migrate status: %w", err)
			}
			w := cmd.OutOrStdout()
			for _, st := range statuses {
				applied := "pending"
				if st.AppliedAt != nil {
					applied = st.AppliedAt.Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%s  %-40s %s\n", st.Version, st.Filename, applied)
			}
			return nil
		},
	})

	if err := root.ExecuteContext(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("migrate failed")
	}
}

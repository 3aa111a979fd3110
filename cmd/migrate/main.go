package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/spf13/cobra"

	"PredictCore/internal/observability"
	"PredictCore/internal/persistence"
)

func main() {
	_ = godotenv.Load()
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var dsn, dir string

	root := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back PredictCore schema migrations",
		Long: `migrate manages the predict schema: the result log, journal,
consumed commitments and snapshots.

Environment:
  PREDICT_POSTGRES_DSN    Postgres connection string
  PREDICT_MIGRATIONS_DIR  path to the migrations directory`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&dsn, "dsn",
		envOrDefault("PREDICT_POSTGRES_DSN", "postgres://localhost:5432/predictcore?sslmode=disable"),
		"Postgres connection string")
	root.PersistentFlags().StringVar(&dir, "dir", envOrDefault("PREDICT_MIGRATIONS_DIR", "migrations"),
		"migrations directory")

	withMigrator := func(run func(ctx context.Context, m *persistence.Migrator) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			db, err := sql.Open("postgres", dsn)
			if err != nil {
				return fmt.Errorf("open db: %w", err)
			}
			defer db.Close()
			return run(cmd.Context(), persistence.NewMigrator(db, dir, observability.NewLogger("migrate")))
		}
	}

	root.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: withMigrator(func(ctx context.Context, m *persistence.Migrator) error {
			return m.Up(ctx)
		}),
	})
	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back the most recent migrations",
		Args:  cobra.NoArgs,
		RunE: withMigrator(func(ctx context.Context, m *persistence.Migrator) error {
			return m.Down(ctx, steps)
		}),
	}
	down.Flags().IntVarP(&steps, "steps", "n", 1, "number of migrations to roll back")
	root.AddCommand(down)
	root.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "List migrations and whether they are applied",
		Args:  cobra.NoArgs,
		RunE: withMigrator(func(ctx context.Context, m *persistence.Migrator) error {
			statuses, err := m.Status(ctx)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "VERSION\tFILE\tAPPLIED\tAT\tNOTE")
			for _, s := range statuses {
				at := "-"
				if s.Applied {
					at = s.AppliedAt.Format("2006-01-02 15:04:05")
				}
				note := ""
				if s.Drifted {
					note = "file changed since applied"
				}
				fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%s\n", s.Version, s.Filename, s.Applied, at, note)
			}
			return w.Flush()
		}),
	})
	return root
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

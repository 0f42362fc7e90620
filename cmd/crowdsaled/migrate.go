package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tempus-labs/tempus-crowdsale/config"
	"github.com/tempus-labs/tempus-crowdsale/internal/infrastructure/persistence/postgres"
)

func newMigrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the PostgreSQL schema",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			RunE: withMigrator(func(ctx context.Context, cmd *cobra.Command, m *postgres.Migrator) error {
				applied, err := m.Migrate(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "applied %d migration(s)\n", applied)
				return nil
			}),
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the most recent migration",
			RunE: withMigrator(func(ctx context.Context, cmd *cobra.Command, m *postgres.Migrator) error {
				version, err := m.Rollback(ctx)
				if err != nil {
					return err
				}
				if version == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "nothing to roll back")
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "rolled back migration %03d\n", version)
				return nil
			}),
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show applied and pending migrations",
			RunE: withMigrator(func(ctx context.Context, cmd *cobra.Command, m *postgres.Migrator) error {
				status, err := m.Status(ctx)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "VERSION\tNAME\tSTATE\tAPPLIED AT")
				for _, mig := range status {
					state, at := "pending", "-"
					if mig.IsApplied {
						state = "applied"
						if !mig.AppliedAt.IsZero() {
							at = mig.AppliedAt.UTC().Format("2006-01-02 15:04:05")
						}
					}
					fmt.Fprintf(w, "%03d\t%s\t%s\t%s\n", mig.Version, mig.Name, state, at)
				}
				return w.Flush()
			}),
		},
	)
	return cmd
}

func withMigrator(fn func(ctx context.Context, cmd *cobra.Command, m *postgres.Migrator) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		db, err := config.LoadDatabase(envFiles...)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		pgConfig := postgres.DefaultConfig()
		pgConfig.URL = db.URL
		conn, err := postgres.NewConnection(cmd.Context(), pgConfig)
		if err != nil {
			return err
		}
		defer conn.Close()

		return fn(cmd.Context(), cmd, postgres.NewMigrator(conn))
	}
}

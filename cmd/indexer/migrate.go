package main

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/ahrav/index-armada/internal/infra/storage"
)

func newMigrateCmd(cfgPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back the run history schema",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runMigration(cmd.Context(), *cfgPath, "up", storage.MigrateUp)
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back every migration",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runMigration(cmd.Context(), *cfgPath, "down", storage.MigrateDown)
			},
		},
	)
	return cmd
}

func runMigration(ctx context.Context, cfgPath, direction string, migrate func(*pgxpool.Pool) error) error {
	rt, err := setup(ctx, cfgPath, "migrate")
	if err != nil {
		return err
	}
	defer rt.teardown(context.Background())

	pool, err := openPostgres(ctx, rt.cfg.Postgres)
	if err != nil {
		rt.log.Error(ctx, "failed to open db", "error", err)
		return err
	}
	defer pool.Close()

	if err := migrate(pool); err != nil {
		rt.log.Error(ctx, "migration failed", "direction", direction, "error", err)
		return err
	}
	rt.log.Info(ctx, "migrations applied", "direction", direction)
	return nil
}

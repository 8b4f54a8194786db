package main

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"phoenixvault.io/internal/migrate"
	"phoenixvault.io/internal/store/pg"
	"phoenixvault.io/migrations"
)

func newMigrateCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply, roll back or inspect schema migrations",
	}
	timeout := cmd.PersistentFlags().Duration("timeout", 30*time.Second, "overall timeout")

	run := func(fn func(ctx context.Context, cmd *cobra.Command, mgr *migrate.Manager) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			dsn, err := flags.resolveDSN()
			if err != nil {
				return err
			}
			db, err := sql.Open("pgx", dsn)
			if err != nil {
				return err
			}
			defer db.Close()
			ctx, cancel := context.WithTimeout(cmd.Context(), *timeout)
			defer cancel()
			return fn(ctx, cmd, migrate.NewManager(db, migrations.FS, migrations.Dir, migrations.SeedsDir))
		}
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply pending migrations",
			Args:  cobra.NoArgs,
			RunE: run(func(ctx context.Context, cmd *cobra.Command, mgr *migrate.Manager) error {
				applied, err := mgr.Up(ctx)
				for _, name := range applied {
					success(cmd, "applied %s", name)
				}
				if err == nil && len(applied) == 0 {
					info(cmd, "schema is up to date")
				}
				return err
			}),
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the latest migration",
			Args:  cobra.NoArgs,
			RunE: run(func(ctx context.Context, cmd *cobra.Command, mgr *migrate.Manager) error {
				name, err := mgr.Down(ctx)
				if err != nil {
					return err
				}
				success(cmd, "rolled back %s", name)
				return nil
			}),
		},
		&cobra.Command{
			Use:   "status",
			Short: "List migrations and whether they are applied",
			Args:  cobra.NoArgs,
			RunE: run(func(ctx context.Context, cmd *cobra.Command, mgr *migrate.Manager) error {
				states, err := mgr.Status(ctx)
				if err != nil {
					return err
				}
				for _, st := range states {
					if st.Applied {
						success(cmd, "%s", st.Name)
					} else {
						warn(cmd, "%s (pending)", st.Name)
					}
				}
				return nil
			}),
		},
		&cobra.Command{
			Use:   "seed",
			Short: "Run seed files that have not run yet",
			Args:  cobra.NoArgs,
			RunE: run(func(ctx context.Context, cmd *cobra.Command, mgr *migrate.Manager) error {
				seeded, err := mgr.Seed(ctx)
				for _, name := range seeded {
					success(cmd, "seeded %s", name)
				}
				return err
			}),
		},
	)
	return cmd
}

func newWaitForDBCmd(flags *globalFlags) *cobra.Command {
	var (
		timeout  time.Duration
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "wait-for-db",
		Short: "Block until the database accepts connections",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			dsn, err := flags.resolveDSN()
			if err != nil {
				return err
			}
			store, err := pg.Open(dsn, nil)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			info(cmd, "waiting for database...")
			if err := store.WaitReady(ctx, interval); err != nil {
				return err
			}
			success(cmd, "database available")
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "give up after this long")
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "delay between attempts")
	return cmd
}

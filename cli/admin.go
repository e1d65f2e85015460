package cli

import (
	"context"
	"fmt"

	"fileconvert/config"
	"fileconvert/services"

	"github.com/spf13/cobra"
)

func newMigrateCmd(cfg *config.Config) *cobra.Command {
	var status bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.Backend != config.BackendPostgres {
				return fmt.Errorf("migrate requires the postgres backend, got %q", cfg.Backend)
			}
			db, err := services.OpenDatabase(cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("failed to connect to database: %w", err)
			}
			defer db.Close()

			if status {
				return services.MigrationStatus(db)
			}
			return services.Migrate(db)
		},
	}
	cmd.Flags().BoolVar(&status, "status", false, "print migration status instead of migrating")
	return cmd
}

func newResetQuotasCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "reset-quotas",
		Short: "Roll quota records from past periods into the current one",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			rt, err := newRuntime(ctx, cfg)
			if err != nil {
				return err
			}
			defer rt.Close()

			n, err := rt.pool.ResetQuotas(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Reset %d quota records\n", n)
			return nil
		},
	}
}

func newRecoverCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Reclaim expired leases, re-enqueue pending jobs and finish interrupted follow-up",
		Long: `Recover reclaims processing jobs whose lease has not been renewed within
WORKER_LEASE_TIMEOUT, re-enqueues pending jobs and replays quota settlement,
webhooks and batch totals for finished jobs that never completed them.
Jobs held by live workers are left alone, so it is safe to run while the
deployment is up.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			rt, err := newRuntime(ctx, cfg)
			if err != nil {
				return err
			}
			defer rt.Close()

			// Failures found here may raise webhooks; deliver them before exiting.
			rt.notifier.Start(ctx)
			n, err := rt.pool.RecoverOrphaned(ctx)
			if stopErr := rt.notifier.Stop(ctx); stopErr != nil {
				return stopErr
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Recovered %d jobs\n", n)
			return nil
		},
	}
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

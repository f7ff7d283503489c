package cli

import (
	"context"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sluice-io/sluice/internal/store"
)

// NewMigrateCommand groups the schema migration subcommands.
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
		Long: `Apply, roll back, or inspect the embedded schema migrations.

Migrations ship inside the binary, so no files need to be deployed
alongside it.

Example:
  sluice migrate up --config ./sluice.yaml
  sluice migrate status`,
	}

	cmd.AddCommand(&cobra.Command{
		Use:           "up",
		Short:         "Apply all pending migrations",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), rootOpts, func(ctx context.Context, st *store.Store, log *zap.Logger) error {
				if err := st.Migrate(ctx); err != nil {
					return WrapExitError(ExitFailure, "migration failed", err)
				}
				log.Info("migrations applied")
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:           "down",
		Short:         "Roll back the most recent migration",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), rootOpts, func(ctx context.Context, st *store.Store, log *zap.Logger) error {
				if err := st.MigrateDown(ctx); err != nil {
					return WrapExitError(ExitFailure, "rollback failed", err)
				}
				log.Info("migration rolled back")
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:           "status",
		Short:         "Show applied and pending migrations",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), rootOpts, func(ctx context.Context, st *store.Store, _ *zap.Logger) error {
				if err := st.MigrateStatus(ctx); err != nil {
					return WrapExitError(ExitFailure, "status failed", err)
				}
				return nil
			})
		},
	})

	return cmd
}

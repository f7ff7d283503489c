package cli

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sluice-io/sluice/internal/logging"
	"github.com/sluice-io/sluice/internal/metrics"
	"github.com/sluice-io/sluice/internal/store"
)

// NewWorkerCommand creates the worker command: a standalone processing
// pool for scaling out beyond the serve process.
func NewWorkerCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a standalone worker pool",
		Long: `Run event-processing workers without the HTTP API.

Workers claim pending events with row locks, so any number of worker
processes can poll the same database safely. The recovery janitor and
the live-update hub stay with the serve process.

Example:
  sluice worker --config ./sluice.yaml`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd.Context(), rootOpts)
		},
	}
	return cmd
}

func runWorker(ctx context.Context, rootOpts *RootOptions) error {
	cfg, err := loadConfig(rootOpts)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load configuration", err)
	}

	log, err := logging.New(cfg.Logging.Level, cfg.Server.Environment)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to build logger", err)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, storeConfig(cfg), log.Named("store"))
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer func() {
		if cerr := st.Close(); cerr != nil {
			log.Error("failed to close database", zap.Error(cerr))
		}
	}()

	m := metrics.New()
	eng := newEngine(st, nil, m, cfg, log)
	pool := newPool(st, eng, m, cfg, log)

	log.Info("worker pool starting", zap.Int("workers", cfg.Worker.Concurrency))

	if err := pool.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitFailure, "worker error", err)
	}
	log.Info("worker pool stopped")
	return nil
}

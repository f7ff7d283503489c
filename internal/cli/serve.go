package cli

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sluice-io/sluice/internal/action"
	"github.com/sluice-io/sluice/internal/config"
	"github.com/sluice-io/sluice/internal/engine"
	"github.com/sluice-io/sluice/internal/logging"
	"github.com/sluice-io/sluice/internal/metrics"
	"github.com/sluice-io/sluice/internal/server"
	"github.com/sluice-io/sluice/internal/store"
	"github.com/sluice-io/sluice/internal/worker"
)

// NewServeCommand creates the serve command: the API server with the
// worker pool, recovery janitor, and live-update hub in one process.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the API server with in-process workers",
		Long: `Start the HTTP API together with the event-processing worker pool,
the stuck-event recovery janitor, and the websocket hub.

The process drains gracefully on SIGINT or SIGTERM: workers finish the
event they hold, the HTTP server completes in-flight requests, then
the database pool closes.

Example:
  sluice serve --config ./sluice.yaml
  sluice serve --config ./sluice.yaml --log-level debug`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), rootOpts)
		},
	}
	return cmd
}

func runServe(ctx context.Context, rootOpts *RootOptions) error {
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

	if cfg.Database.AutoMigrate {
		if err := st.Migrate(ctx); err != nil {
			return WrapExitError(ExitCommandError, "failed to apply migrations", err)
		}
	}

	m := metrics.New()
	hub := server.NewHub(m, log.Named("hub"), cfg.Server.CORSOrigins)
	eng := newEngine(st, hub, m, cfg, log)
	pool := newPool(st, eng, m, cfg, log)

	srv := server.New(st, hub, m, log.Named("http"), server.Config{
		Addr:             cfg.Server.Addr,
		CORSOrigins:      cfg.Server.CORSOrigins,
		Environment:      cfg.Server.Environment,
		ShutdownTimeout:  cfg.Server.ShutdownTimeout.Duration,
		RecoverOlderThan: cfg.Recovery.OlderThan.Duration,
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return hub.Run(ctx) })
	g.Go(func() error { return pool.Run(ctx) })
	g.Go(func() error { return srv.Run(ctx) })

	if cfg.Recovery.Enabled {
		janitor, jerr := worker.NewJanitor(st, worker.JanitorConfig{
			Schedule:  cfg.Recovery.Schedule,
			OlderThan: cfg.Recovery.OlderThan.Duration,
		}, m, log.Named("janitor"))
		if jerr != nil {
			return WrapExitError(ExitCommandError, "failed to build recovery janitor", jerr)
		}
		g.Go(func() error { return janitor.Run(ctx) })
	}

	log.Info("sluice serving",
		zap.String("addr", cfg.Server.Addr),
		zap.Int("workers", cfg.Worker.Concurrency),
		zap.Bool("recovery", cfg.Recovery.Enabled),
	)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitFailure, "server error", err)
	}
	log.Info("shutdown complete")
	return nil
}

// newEngine wires the rule engine with its action dispatcher. notify
// may be nil for processes without a websocket hub.
func newEngine(st *store.Store, notify engine.Notifier, m *metrics.Metrics, cfg *config.Config, log *zap.Logger) *engine.Engine {
	dispatcher := action.NewDispatcher(action.Config{
		WebhookTimeout: cfg.Actions.WebhookTimeout.Duration,
		EmailMode:      cfg.Actions.EmailMode,
	}, log.Named("actions"))

	opts := []engine.Option{
		engine.WithTimeout(cfg.Worker.ProcessingTimeout.Duration),
	}
	if notify != nil {
		opts = append(opts, engine.WithNotifier(notify))
	}
	return engine.New(st, dispatcher, m, log.Named("engine"), opts...)
}

func newPool(st *store.Store, eng *engine.Engine, m *metrics.Metrics, cfg *config.Config, log *zap.Logger) *worker.Pool {
	return worker.NewPool(st, eng, worker.Config{
		Concurrency:  cfg.Worker.Concurrency,
		PollInterval: cfg.Worker.PollInterval.Duration,
	}, m, log.Named("worker"))
}

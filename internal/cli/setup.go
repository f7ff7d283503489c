package cli

import (
	"context"

	"go.uber.org/zap"

	"github.com/sluice-io/sluice/internal/config"
	"github.com/sluice-io/sluice/internal/logging"
	"github.com/sluice-io/sluice/internal/store"
)

// loadConfig resolves the configuration file and applies flag
// overrides. The result is re-validated after overrides so a bad
// --log-level fails the same way a bad file does.
func loadConfig(opts *RootOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	if opts.LogLevel != "" {
		cfg.Logging.Level = opts.LogLevel
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func storeConfig(cfg *config.Config) store.Config {
	return store.Config{
		URL:            cfg.Database.URL,
		MaxConnections: cfg.Database.MaxConnections,
		ConnIdleTime:   cfg.Database.ConnIdleTime.Duration,
		ConnectTimeout: cfg.Database.ConnectTimeout.Duration,
	}
}

// withStore handles the shared setup and teardown of the one-shot
// commands: load config, build the logger, open the database, run fn,
// close the database.
func withStore(ctx context.Context, opts *RootOptions, fn func(context.Context, *store.Store, *zap.Logger) error) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load configuration", err)
	}

	log, err := logging.New(cfg.Logging.Level, cfg.Server.Environment)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to build logger", err)
	}
	defer func() { _ = log.Sync() }()

	st, err := store.Open(ctx, storeConfig(cfg), log)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer func() {
		if cerr := st.Close(); cerr != nil {
			log.Error("failed to close database", zap.Error(cerr))
		}
	}()

	return fn(ctx, st, log)
}

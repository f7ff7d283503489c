// Package logging builds the process-wide zap logger.
//
// Every process role logs JSON to stderr with lowercase levels and
// RFC3339 timestamps, so log pipelines see one shape regardless of
// whether the line came from the API, a worker, or a CLI command.
package logging

import (
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the root logger at the given level. In development the
// logger also records caller positions.
func New(level, environment string) (*zap.Logger, error) {
	return NewWithWriter(level, environment, os.Stderr)
}

// NewWithWriter is New with an explicit sink, for tests.
func NewWithWriter(level, environment string, w io.Writer) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		MessageKey:     "message",
		NameKey:        "logger",
		CallerKey:      "caller",
		EncodeTime:     zapcore.RFC3339NanoTimeEncoder,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
	}

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.AddSync(w),
		lvl,
	)

	opts := []zap.Option{}
	if environment == "development" {
		opts = append(opts, zap.Development(), zap.AddCaller())
	}
	return zap.New(core, opts...), nil
}

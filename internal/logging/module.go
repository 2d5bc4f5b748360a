package logging

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/ronappleton/tracker/internal/config"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the process logger. When a sink URL is configured, Info and
// above are also teed to the remote collector; the returned func flushes it.
func New(cfg config.LoggingConfig) (*zap.Logger, func(context.Context), error) {
	var zcfg zap.Config
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
		zcfg.EncoderConfig.TimeKey = "ts"
		zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	if cfg.Level != "" {
		level, err := zapcore.ParseLevel(strings.ToLower(cfg.Level))
		if err != nil {
			return nil, nil, err
		}
		zcfg.Level = zap.NewAtomicLevelAt(level)
	}

	logger, err := zcfg.Build()
	if err != nil {
		return nil, nil, err
	}

	flush := func(context.Context) {}
	if cfg.SinkURL != "" {
		source := cfg.SinkSource
		if source == "" {
			source = filepath.Base(os.Args[0])
		}
		s := newSender(cfg.SinkURL, cfg.SinkAPIKey, source, nil)
		s.start()
		logger = attachSink(logger, s, zapcore.InfoLevel)
		flush = s.stop
	}
	return logger, flush, nil
}

func attachSink(logger *zap.Logger, s *sender, level zapcore.LevelEnabler) *zap.Logger {
	sink := &sinkCore{level: level, sender: s}
	return logger.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return zapcore.NewTee(core, sink)
	}))
}

func Module() fx.Option {
	return fx.Options(
		fx.Provide(func(lc fx.Lifecycle, cfg config.Config) (*zap.Logger, error) {
			logger, flush, err := New(cfg.Logging)
			if err != nil {
				return nil, err
			}
			lc.Append(fx.Hook{
				OnStop: func(ctx context.Context) error {
					_ = logger.Sync()
					flush(ctx)
					return nil
				},
			})
			return logger, nil
		}),
		fx.WithLogger(func(logger *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: logger.Named("fx").WithOptions(zap.IncreaseLevel(zapcore.WarnLevel))}
		}),
	)
}

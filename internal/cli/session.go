package cli

import (
	"context"

	"github.com/ronappleton/tracker/internal/api"
	"github.com/ronappleton/tracker/internal/config"
	"github.com/ronappleton/tracker/internal/logging"
	"github.com/ronappleton/tracker/internal/tracker"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// session is a short-lived tracker for one-shot commands, outside fx.
type session struct {
	tracker *tracker.Tracker
	logger  *zap.Logger
	flush   func(context.Context)
}

func openSession(ctx context.Context, path string) (*session, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	logger, flush, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, err
	}
	// Terminal output belongs to the command; keep the log to warnings.
	logger = logger.WithOptions(zap.IncreaseLevel(zapcore.WarnLevel))

	t := tracker.NewFromConfig(cfg, api.NewFromConfig(cfg, logger), logger)
	if err := t.Start(ctx); err != nil {
		flush(ctx)
		return nil, err
	}
	return &session{tracker: t, logger: logger, flush: flush}, nil
}

func (s *session) close() {
	ctx := context.Background()
	if err := s.tracker.Stop(ctx); err != nil {
		s.logger.Warn("tracker stop failed", zap.Error(err))
	}
	_ = s.logger.Sync()
	s.flush(ctx)
}

package grpc

import (
	"context"
	"net"

	"github.com/ronappleton/tracker/internal/config"
	"github.com/ronappleton/tracker/internal/tracker"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
)

var Module = fx.Options(
	fx.Provide(
		NewHealth,
		NewServer,
	),
	fx.Invoke(
		watchPush,
		lifecycleHook,
	),
)

type pushParams struct {
	fx.In

	Lifecycle fx.Lifecycle
	Tracker   *tracker.Tracker
	Health    *health.Server
	Log       *zap.Logger
}

func watchPush(p pushParams) {
	p.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return p.Tracker.OnPushChange(ctx, func(open bool) {
				setPush(p.Health, open)
				p.Log.Debug("grpc health updated", zap.Bool("push_open", open))
			})
		},
	})
}

func lifecycleHook(lc fx.Lifecycle, cfg config.Config, log *zap.Logger, srv *grpc.Server, hs *health.Server) {
	if !cfg.GRPC.Enabled {
		return
	}
	var lis net.Listener
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			var err error
			if lis, err = NewListener(cfg); err != nil {
				return err
			}
			log.Info("grpc server starting", zap.String("addr", lis.Addr().String()))
			go func() {
				if err := srv.Serve(lis); err != nil {
					log.Error("grpc server error", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			log.Info("grpc server stopping")
			hs.Shutdown()
			srv.GracefulStop()
			return nil
		},
	})
}

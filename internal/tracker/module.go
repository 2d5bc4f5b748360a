package tracker

import (
	"context"
	"net/http"
	"time"

	"github.com/ronappleton/tracker/internal/api"
	"github.com/ronappleton/tracker/internal/config"
	"github.com/ronappleton/tracker/internal/conn"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// NewFromConfig wires the production dependencies: the HTTP backend client
// for polling and commands and a gorilla WebSocket dialer for push.
func NewFromConfig(cfg config.Config, client *api.Client, logger *zap.Logger) *Tracker {
	header := http.Header{}
	if cfg.API.Token != "" {
		header.Set("Authorization", "Bearer "+cfg.API.Token)
	}
	dialer := conn.WebSocketDialer{
		Header:           header,
		HandshakeTimeout: config.Duration(cfg.Push.DialTimeout, 10*time.Second),
		ReadLimit:        cfg.Push.ReadLimit,
		PingInterval:     config.Duration(cfg.Push.PingInterval, 0),
	}
	return New(OptionsFromConfig(cfg), Deps{
		Fetch:  client.FetchStatus,
		Poster: client,
		Dialer: dialer,
	}, logger.Named("tracker"))
}

func Module() fx.Option {
	return fx.Options(
		fx.Provide(api.NewFromConfig),
		fx.Provide(NewFromConfig),
		fx.Invoke(func(lc fx.Lifecycle, t *Tracker) {
			lc.Append(fx.Hook{
				OnStart: func(ctx context.Context) error {
					return t.Start(ctx)
				},
				OnStop: func(ctx context.Context) error {
					return t.Stop(ctx)
				},
			})
		}),
	)
}

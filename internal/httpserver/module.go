package httpserver

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/ronappleton/tracker/internal/command"
	"github.com/ronappleton/tracker/internal/config"
	"github.com/ronappleton/tracker/internal/progress"
	"github.com/ronappleton/tracker/internal/reconcile"
	"github.com/ronappleton/tracker/internal/tracker"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Tracker is the part of the tracker the HTTP surface drives.
type Tracker interface {
	Track(ctx context.Context, id string, kind progress.Kind) (reconcile.Snapshot, error)
	Untrack(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (reconcile.Snapshot, error)
	List(ctx context.Context) ([]reconcile.Snapshot, error)
	Reset(ctx context.Context, id string) error
	Watch(ctx context.Context, id string) (<-chan reconcile.Snapshot, func(), error)
	Send(ctx context.Context, id string, cmd command.Command, payload command.Payload) (command.Result, error)
}

type Server struct {
	cfg     config.Config
	logger  *zap.Logger
	tracker Tracker
	srv     *http.Server
}

func Module() fx.Option {
	return fx.Options(
		fx.Provide(func(cfg config.Config, t *tracker.Tracker, logger *zap.Logger) *Server {
			return NewServer(cfg, t, logger)
		}),
		fx.Invoke(RegisterHooks),
	)
}

func NewServer(cfg config.Config, t Tracker, logger *zap.Logger) *Server {
	s := &Server{cfg: cfg, logger: logger.Named("http"), tracker: t}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           otelhttp.NewHandler(s.Handler(), "tracker.http"),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/v1/workflows", s.handleWorkflows)
	mux.HandleFunc("/v1/workflows/", s.handleWorkflowByID)
	return mux
}

func RegisterHooks(lc fx.Lifecycle, cfg config.Config, server *Server) {
	if !cfg.Server.Enabled {
		return
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			server.logger.Info("http server starting", zap.String("addr", server.srv.Addr))
			go func() {
				if err := server.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					server.logger.Error("http server error", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			server.logger.Info("http server stopping")
			return server.srv.Shutdown(shutdownCtx)
		},
	})
}

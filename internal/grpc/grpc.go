package grpc

import (
	"net"
	"strconv"

	"github.com/ronappleton/tracker/internal/config"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// PushService is the health service name that tracks the push channel.
const PushService = "tracker.push"

func NewServer(log *zap.Logger, hs *health.Server) *grpc.Server {
	srv := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	healthpb.RegisterHealthServer(srv, hs)
	log.Info("grpc health enabled")
	return srv
}

func NewListener(cfg config.Config) (net.Listener, error) {
	addr := net.JoinHostPort(cfg.GRPC.Host, strconv.Itoa(cfg.GRPC.Port))
	return net.Listen("tcp", addr)
}

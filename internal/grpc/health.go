package grpc

import (
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// NewHealth serves overall from the start; PushService stays NOT_SERVING
// until the push channel reports open. Polling alone keeps the tracker healthy.
func NewHealth() *health.Server {
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	setPush(hs, false)
	return hs
}

func setPush(hs *health.Server, open bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if open {
		status = healthpb.HealthCheckResponse_SERVING
	}
	hs.SetServingStatus(PushService, status)
}

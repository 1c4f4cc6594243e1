package httpapi

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"modernwms.org/internal/obs"
)

type readinessChecker interface {
	Check(ctx context.Context) error
}

// HealthServer publishes readiness over the standard gRPC health protocol,
// both for the whole server ("") and for the API service name.
type HealthServer struct {
	health    *health.Server
	readiness readinessChecker
}

// NewHealthServer creates the gRPC health wrapper. Status starts NOT_SERVING
// until the first Refresh.
func NewHealthServer(r readinessChecker) *HealthServer {
	s := &HealthServer{health: health.NewServer(), readiness: r}
	s.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// Register attaches the health service to g.
func (s *HealthServer) Register(g *grpc.Server) {
	healthpb.RegisterHealthServer(g, s.health)
}

// Refresh runs the readiness probe once and publishes the result.
func (s *HealthServer) Refresh(ctx context.Context) bool {
	if err := s.readiness.Check(ctx); err != nil {
		obs.Logger().Warn("grpc readiness check failed", "error", err)
		s.set(healthpb.HealthCheckResponse_NOT_SERVING)
		return false
	}
	s.set(healthpb.HealthCheckResponse_SERVING)
	return true
}

// Run refreshes the status every interval until ctx is done.
func (s *HealthServer) Run(ctx context.Context, interval time.Duration) {
	s.Refresh(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Refresh(ctx)
		}
	}
}

// Shutdown marks every service NOT_SERVING and ignores later updates.
func (s *HealthServer) Shutdown() {
	s.health.Shutdown()
}

func (s *HealthServer) set(status healthpb.HealthCheckResponse_ServingStatus) {
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(serviceName, status)
}

package grpc

import (
	"context"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"paddleduel/broker/internal/logging"
)

// Server hosts the outcome feed next to the standard health service.
type Server struct {
	server *grpc.Server
	health *health.Server
	logger *logging.Logger
}

// NewServer registers feed and the health service on a new grpc.Server.
func NewServer(feed OutcomeFeedServer, logger *logging.Logger, opts ...grpc.ServerOption) *Server {
	if logger == nil {
		logger = logging.L()
	}
	server := grpc.NewServer(opts...)
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(server, healthServer)
	server.RegisterService(&OutcomeFeedServiceDesc, feed)
	healthServer.SetServingStatus(OutcomeFeedServiceName, healthpb.HealthCheckResponse_SERVING)
	return &Server{server: server, health: healthServer, logger: logger}
}

// Serve accepts connections on lis until the server stops.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("gRPC outcome feed listening", logging.String("address", lis.Addr().String()))
	return s.server.Serve(lis)
}

// Shutdown reports NOT_SERVING, then drains streams until ctx expires and forces the rest closed.
func (s *Server) Shutdown(ctx context.Context) {
	s.health.Shutdown()
	stopped := make(chan struct{})
	go func() {
		s.server.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		s.server.Stop()
		<-stopped
	}
}

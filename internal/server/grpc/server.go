// Package grpc serves the standard gRPC health service so orchestrators can
// check paykeeper the same way they check its other gRPC peers.
package grpc

import (
	"context"
	"net"

	"github.com/dmitrijs2005/paykeeper/internal/logging"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the health service entry reported next to the overall status.
const ServiceName = "paykeeper.Intents"

type GRPCServer struct {
	address string
	logger  logging.Logger
	health  *health.Server
}

func NewGRPCServer(address string, l logging.Logger) *GRPCServer {
	return &GRPCServer{
		address: address,
		logger:  l.With("module", "grpc_server"),
		health:  health.NewServer(),
	}
}

// SetServing flips the reported status of both the overall server and
// ServiceName.
func (s *GRPCServer) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
}

func (s *GRPCServer) Run(ctx context.Context) error {
	// announces address
	listen, err := net.Listen("tcp", s.address)
	if err != nil {
		return err
	}
	return s.Serve(ctx, listen)
}

// Serve accepts connections on lis until ctx is cancelled.
func (s *GRPCServer) Serve(ctx context.Context, lis net.Listener) error {
	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(s.loggingInterceptor))
	healthpb.RegisterHealthServer(srv, s.health)
	s.SetServing(true)

	go func() {
		<-ctx.Done()
		s.logger.Info(ctx, "Stopping gRPC server...")
		s.health.Shutdown()
		srv.GracefulStop()
	}()

	s.logger.Info(ctx, "Starting gRPC server", "address", lis.Addr().String())

	// starts accepting incoming connections
	if err := srv.Serve(lis); err != nil {
		return err
	}

	return nil
}

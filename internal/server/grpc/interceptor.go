package grpc

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// loggingInterceptor logs every unary call and turns handler panics into
// codes.Internal.
func (s *GRPCServer) loggingInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp interface{}, err error) {
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error(ctx, "gRPC handler panicked", "method", info.FullMethod)
			resp, err = nil, status.Error(codes.Internal, "internal error")
		}

		code := status.Code(err)
		args := []any{"method", info.FullMethod, "code", code.String(), "duration", time.Since(start)}
		if code == codes.OK {
			s.logger.Debug(ctx, "gRPC call", args...)
		} else {
			s.logger.Warn(ctx, "gRPC call failed", args...)
		}
	}()

	return handler(ctx, req)
}

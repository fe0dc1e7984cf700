package server

import (
	"context"
	"fmt"
	"net"
	"time"

	"OnnxAsyncDet/logger"
	"OnnxAsyncDet/pool"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// StartHealthServer exposes the pool state over the standard gRPC health
// protocol so orchestrators can probe readiness without the HTTP surface.
// The returned server is stopped by the caller with GracefulStop.
func StartHealthServer(ctx context.Context, port int, svc *pool.AsyncDetector) (*grpc.Server, error) {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("listen on health port %d: %w", port, err)
	}
	gs := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)

	setStatus := func() {
		stats := svc.GetStats()
		status := healthpb.HealthCheckResponse_NOT_SERVING
		if stats.State == pool.StateRunning.String() && stats.ModelReady {
			status = healthpb.HealthCheckResponse_SERVING
		}
		hs.SetServingStatus("", status)
	}
	setStatus()

	go func() {
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				hs.Shutdown()
				return
			case <-ticker.C:
				setStatus()
			}
		}
	}()

	go func() {
		logger.Log().Info("health server listening", zap.Int("port", port))
		if err := gs.Serve(lis); err != nil {
			logger.Log().Error("health server stopped", zap.Error(err))
		}
	}()
	return gs, nil
}

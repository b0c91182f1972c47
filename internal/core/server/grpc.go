// Package server provides gRPC health server lifecycle management.
package server

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// Service is the health service name reported next to the overall status.
const Service = "paybridge"

// GRPCServer serves grpc.health.v1 for the bridge.
type GRPCServer struct {
	server *grpc.Server
	health *health.Server
	addr   string
	log    *zap.Logger

	mu       sync.Mutex
	listener net.Listener
}

// NewGRPCServer creates a health-only gRPC server bound to host:port once
// started. The initial status is NOT_SERVING.
func NewGRPCServer(host string, port int, log *zap.Logger) *GRPCServer {
	if log == nil {
		log = zap.NewNop()
	}
	server := grpc.NewServer()
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(server, healthServer)

	s := &GRPCServer{
		server: server,
		health: healthServer,
		addr:   fmt.Sprintf("%s:%d", host, port),
		log:    log.Named("health"),
	}
	s.SetServing(false)
	return s
}

// SetServing flips the reported status of the bridge.
func (s *GRPCServer) SetServing(serving bool) {
	status := grpc_health_v1.HealthCheckResponse_NOT_SERVING
	if serving {
		status = grpc_health_v1.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(Service, status)
	s.log.Debug("Health status set", zap.String("status", status.String()))
}

// Listen binds the listener and returns its address.
func (s *GRPCServer) Listen() (net.Addr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return s.listener.Addr(), nil
	}
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return nil, fmt.Errorf("failed to bind %s: %w", s.addr, err)
	}
	s.listener = listener
	return listener.Addr(), nil
}

// Start binds listener and serves gRPC requests.
// Context is provided for API consistency but Serve blocks until Shutdown is called.
func (s *GRPCServer) Start(ctx context.Context) error {
	addr, err := s.Listen()
	if err != nil {
		return err
	}
	s.mu.Lock()
	listener := s.listener
	s.mu.Unlock()

	s.log.Info("Health server listening", zap.String("addr", addr.String()))
	return s.server.Serve(listener)
}

// Shutdown gracefully stops server with 30-second timeout.
func (s *GRPCServer) Shutdown(ctx context.Context) error {
	s.health.Shutdown()

	stopped := make(chan struct{})
	go func() {
		s.server.GracefulStop()
		close(stopped)
	}()

	defer s.closeListener()

	select {
	case <-stopped:
		return nil
	case <-ctx.Done():
		s.server.Stop()
		return fmt.Errorf("shutdown cancelled by context: %w", ctx.Err())
	case <-time.After(30 * time.Second):
		s.server.Stop()
		return fmt.Errorf("graceful shutdown timeout, forced stop")
	}
}

// closeListener releases a listener bound by Listen but never served.
func (s *GRPCServer) closeListener() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		_ = s.listener.Close()
	}
}

// Package transport wraps the host's gRPC server behind the
// start / graceful-shutdown / forced-kill contract the orchestrator
// drives.  Graceful shutdown maps to GracefulStop (drains in-flight
// RPCs), kill maps to Stop (closes connections immediately).
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"google.golang.org/grpc"
)

// Server owns the listener and gRPC server for worker RPC traffic.
type Server struct {
	addr   string
	logger *slog.Logger
	srv    *grpc.Server

	mu      sync.Mutex
	lis     net.Listener
	started bool
}

// New creates a Server bound to addr.  gRPC services must be registered
// via Register before Start.
func New(addr string, logger *slog.Logger, opts ...grpc.ServerOption) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		addr:   addr,
		logger: logger,
		srv:    grpc.NewServer(opts...),
	}
}

// Register exposes the underlying gRPC server so callers can register
// services before Start.
func (s *Server) Register(fn func(*grpc.Server)) {
	fn(s.srv)
}

// Start opens the listener and begins serving in the background.  It
// returns once the listener is bound; serve errors after that point are
// logged, not returned.
func (s *Server) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("transport already started on %s", s.addr)
	}

	var lc net.ListenConfig
	lis, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	s.lis = lis
	s.started = true

	s.logger.Info("transport listening", slog.String("addr", lis.Addr().String()))

	go func() {
		if err := s.srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			s.logger.Error("transport serve error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Shutdown drains in-flight RPCs and stops the server cooperatively.
// If ctx expires before the drain completes, Shutdown returns ctx.Err()
// with GracefulStop still running in the background; a subsequent Kill
// unblocks it.
func (s *Server) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.srv.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("transport shut down gracefully")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("transport graceful shutdown: %w", ctx.Err())
	}
}

// Kill stops the server immediately, closing all connections.  It
// blocks until the server has stopped or ctx expires.
func (s *Server) Kill(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.srv.Stop()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("transport killed")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("transport kill: %w", ctx.Err())
	}
}

// Addr returns the bound listener address, or the configured address if
// the server has not started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lis != nil {
		return s.lis.Addr().String()
	}
	return s.addr
}

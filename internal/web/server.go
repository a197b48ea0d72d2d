// Package web provides the HTTP plumbing shared by every service: the
// server lifecycle, the middleware chain (trace propagation, request
// logging, admin auth), JSON response helpers, and the resty client factory
// for inter-service calls.
package web

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Server wraps http.Server with the fleet's standard timeouts and a
// graceful stop.
type Server struct {
	server *http.Server
	logger *slog.Logger
}

// NewServer builds a server on the given port. The handler is usually a mux
// already wrapped by Chain.
func NewServer(port int, handler http.Handler, logger *slog.Logger) *Server {
	return &Server{
		server: &http.Server{
			Addr:         fmt.Sprintf(":%d", port),
			Handler:      handler,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger.With("component", "http-server"),
	}
}

// Start blocks in ListenAndServe until Stop is called or the listener fails.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop drains in-flight requests and shuts the listener down.
func (s *Server) Stop() error {
	s.logger.Info("stopping http server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

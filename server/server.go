// Package server runs the public HTTP listener of the coordinator.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/abdelmounim-dev/collab-coordinator/config"
)

// Closer is a connection pool or broker released at shutdown.
type Closer interface {
	Close() error
}

// ConnectionCloser closes every live client connection.
type ConnectionCloser interface {
	CloseAllConnections(reason string)
}

type Server struct {
	httpServer *http.Server
	logger     *zap.Logger
}

func NewServer(cfg config.ServerConfig, handler http.Handler, logger *zap.Logger) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:        fmt.Sprintf(":%d", cfg.Port),
			Handler:     handler,
			ReadTimeout: time.Duration(cfg.ReadTimeout) * time.Second,
			// Hijacked WebSocket connections manage their own write deadlines.
			WriteTimeout: time.Duration(cfg.WriteTimeout) * time.Second,
		},
		logger: logger.Named("server"),
	}
}

// Start blocks serving requests until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("Listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections, closes the live ones and then
// releases closers in order.
func (s *Server) Shutdown(ctx context.Context, clients ConnectionCloser, closers ...Closer) {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("HTTP server shutdown error", zap.Error(err))
	}
	clients.CloseAllConnections("Server shutting down")

	for _, c := range closers {
		if err := c.Close(); err != nil {
			s.logger.Error("Shutdown close error", zap.Error(err))
		}
	}
	s.logger.Info("Server stopped")
}

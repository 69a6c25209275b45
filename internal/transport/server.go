// Package transport holds the node's client-facing servers: the native
// transport and the legacy RPC server. Both are constructed during startup
// and started separately.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/arohanajit/hashmapd/internal/failure"
	"github.com/arohanajit/hashmapd/internal/metrics"
)

const defaultShutdownTimeout = 10 * time.Second

// ErrDestroyed is returned when starting a server that has been destroyed.
var ErrDestroyed = errors.New("server destroyed")

// Config describes one listening server.
type Config struct {
	Name            string
	Address         string
	Port            int
	MaxConcurrent   int64
	ShutdownTimeout time.Duration
}

// Addr returns host:port.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Address, fmt.Sprint(c.Port))
}

// Server is an HTTP server that can be started and stopped repeatedly.
type Server struct {
	cfg    Config
	router *mux.Router
	logger *zap.Logger

	mu        sync.Mutex
	srv       *http.Server
	listener  net.Listener
	done      chan struct{}
	destroyed bool
}

func newServer(cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	logger = logger.Named(cfg.Name)

	router := mux.NewRouter()
	router.Use(RequestIDMiddleware)
	router.Use(metrics.MetricsMiddleware)
	router.Use(LoggingMiddleware(logger))
	router.Use(ConcurrencyLimitMiddleware(cfg.MaxConcurrent))

	return &Server{cfg: cfg, router: router, logger: logger}
}

// Router returns the server's router.
func (s *Server) Router() *mux.Router { return s.router }

// Start binds the listen address and serves in the background. Starting a
// running server is a no-op.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return ErrDestroyed
	}
	if s.srv != nil {
		return nil
	}

	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("%s: listen on %s: %w", s.cfg.Name, s.cfg.Addr(), err)
	}
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	done := make(chan struct{})
	s.srv, s.listener, s.done = srv, ln, done

	failure.Go(s.cfg.Name, func() {
		defer close(done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Server stopped unexpectedly", zap.Error(err))
		}
	})
	s.logger.Info("Started listening", zap.String("address", ln.Addr().String()))
	return nil
}

// Stop gracefully shuts the server down. Stopping a stopped server is a no-op.
func (s *Server) Stop() error {
	s.mu.Lock()
	srv, done := s.srv, s.done
	s.srv, s.listener, s.done = nil, nil, nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	err := srv.Shutdown(ctx)
	<-done
	s.logger.Info("Stopped listening")
	return err
}

// IsRunning reports whether the server is accepting connections.
func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.srv != nil
}

// Address returns the bound address while running, the configured one otherwise.
func (s *Server) Address() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.cfg.Addr()
}

// Destroy stops the server and prevents it from being started again.
func (s *Server) Destroy() error {
	err := s.Stop()
	s.mu.Lock()
	s.destroyed = true
	s.mu.Unlock()
	return err
}

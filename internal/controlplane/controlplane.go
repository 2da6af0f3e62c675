// Package controlplane runs the internal HTTP server behind the gateway.
//
// The server listens on a Unix domain socket; the public gateway reverse-
// proxies every non-media request to it. It carries the operational
// endpoints (health, readiness, Prometheus metrics) plus whatever call
// control API handlers the process mounts.
package controlplane

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kakehashi-dev/kakehashi/internal/health"
	"github.com/kakehashi-dev/kakehashi/internal/observe"
)

// Server is the control-plane HTTP server. Construct with [New], mount any
// API handlers, then call [Server.Listen] followed by [Server.Serve].
type Server struct {
	udsPath string
	logger  *slog.Logger

	mux     *http.ServeMux
	httpSrv *http.Server
	flag    *health.ReadyFlag

	ln net.Listener
}

// New builds the server with the standard operational routes. Extra
// readiness checkers are evaluated by /readyz alongside the built-in
// socket-bound latch.
func New(udsPath string, metrics *observe.Metrics, extra ...health.Checker) *Server {
	flag, bound := health.Flag("control-plane")
	checkers := append([]health.Checker{bound}, extra...)

	mux := http.NewServeMux()
	h := health.New(checkers...)
	h.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /api/health", h.Healthz)

	return &Server{
		udsPath: udsPath,
		logger:  slog.Default(),
		mux:     mux,
		httpSrv: &http.Server{Handler: observe.Middleware(metrics)(mux)},
		flag:    flag,
	}
}

// Handle mounts an additional handler. Must be called before Listen.
func (s *Server) Handle(pattern string, handler http.Handler) {
	s.mux.Handle(pattern, handler)
}

// Listen binds the Unix domain socket, clearing a stale socket file from a
// previous run, and marks the server ready.
func (s *Server) Listen() error {
	if err := os.MkdirAll(filepath.Dir(s.udsPath), 0o755); err != nil {
		return fmt.Errorf("controlplane: create socket dir: %w", err)
	}
	if _, err := os.Stat(s.udsPath); err == nil {
		s.logger.Info("removing stale control-plane socket", slog.String("path", s.udsPath))
		if err := os.Remove(s.udsPath); err != nil {
			return fmt.Errorf("controlplane: remove stale socket: %w", err)
		}
	}

	ln, err := net.Listen("unix", s.udsPath)
	if err != nil {
		return fmt.Errorf("controlplane: listen on %s: %w", s.udsPath, err)
	}
	s.ln = ln
	s.flag.MarkReady()
	s.logger.Info("control plane listening", slog.String("socket", s.udsPath))
	return nil
}

// Serve accepts connections until Shutdown. Call after Listen.
func (s *Server) Serve() error {
	if s.ln == nil {
		return errors.New("controlplane: Serve called before Listen")
	}
	if err := s.httpSrv.Serve(s.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("controlplane: serve: %w", err)
	}
	return nil
}

// Ready reports whether the socket is bound.
func (s *Server) Ready() bool { return s.flag.Ready() }

// Shutdown drains in-flight requests and removes the socket file.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpSrv.Shutdown(ctx)
	if rmErr := os.Remove(s.udsPath); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
		s.logger.Warn("socket cleanup failed", slog.String("error", rmErr.Error()))
	}
	return err
}

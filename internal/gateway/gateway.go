// Package gateway multiplexes the single public TCP port.
//
// One listener serves two kinds of traffic: WebSocket upgrades on the media
// path become per-call mediator sessions, and every other request is
// reverse-proxied to the control-plane HTTP server over its Unix domain
// socket. The gateway owns startup ordering: the control plane binds first,
// the public port only after it reports ready.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kakehashi-dev/kakehashi/internal/config"
	"github.com/kakehashi-dev/kakehashi/internal/controlplane"
	"github.com/kakehashi-dev/kakehashi/internal/mediator"
	"github.com/kakehashi-dev/kakehashi/internal/observe"
)

// shutdownTimeout bounds the graceful drain of both HTTP servers.
const shutdownTimeout = 10 * time.Second

// Gateway is the public entry point of the process.
type Gateway struct {
	cfg     *config.Config
	cp      *controlplane.Server
	dialer  mediator.Dialer
	agent   mediator.GroundingAgent
	metrics *observe.Metrics
	logger  *slog.Logger
	proxy   http.Handler
}

// Option customizes a [Gateway].
type Option func(*Gateway)

// WithDialer sets the AOAI dialer handed to every session. Nil leaves
// sessions running without an upstream (audio is received and counted only).
func WithDialer(d mediator.Dialer) Option {
	return func(g *Gateway) { g.dialer = d }
}

// WithAgent sets the grounding agent handed to every session.
func WithAgent(a mediator.GroundingAgent) Option {
	return func(g *Gateway) { g.agent = a }
}

// WithMetrics overrides the process-wide metrics instance.
func WithMetrics(m *observe.Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// WithLogger sets the gateway logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) { g.logger = l }
}

// New builds a gateway in front of the given control-plane server.
func New(cfg *config.Config, cp *controlplane.Server, opts ...Option) *Gateway {
	g := &Gateway{
		cfg:    cfg,
		cp:     cp,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.metrics == nil {
		g.metrics = observe.DefaultMetrics()
	}
	g.proxy = newUDSProxy(cfg.Server.UDSPath, g.logger)
	return g
}

// ServeHTTP routes one request: media-path WebSocket upgrades go to the
// mediator, everything else to the control-plane proxy.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == g.cfg.Server.MediaPath && isWebSocketUpgrade(r) {
		g.handleMedia(w, r)
		return
	}
	g.proxy.ServeHTTP(w, r)
}

func isWebSocketUpgrade(r *http.Request) bool {
	return headerContainsToken(r.Header, "Connection", "upgrade") &&
		headerContainsToken(r.Header, "Upgrade", "websocket")
}

// Run starts the control plane, then binds and serves the public listener
// until ctx is cancelled.
func (g *Gateway) Run(ctx context.Context) error {
	// Control plane first: the proxy target must exist before the public
	// port accepts traffic.
	if err := g.cp.Listen(); err != nil {
		return err
	}

	addr := net.JoinHostPort(g.cfg.Server.Host, fmt.Sprintf("%d", g.cfg.Server.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			return fmt.Errorf("gateway: %s is already in use — stop the other process or change server.port: %w", addr, err)
		}
		return fmt.Errorf("gateway: listen on %s: %w", addr, err)
	}

	srv := &http.Server{Handler: g}

	g.logger.Info("gateway listening",
		slog.String("addr", addr),
		slog.String("media_path", g.cfg.Server.MediaPath),
		slog.String("control_plane", g.cfg.Server.UDSPath),
	)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return g.cp.Serve()
	})
	group.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("gateway: serve: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			g.logger.Warn("gateway shutdown", slog.String("error", err.Error()))
		}
		return g.cp.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Package server exposes the relay over HTTP: the WebSocket client
// transport at /ws, the intake and query surface under /v1, health,
// and Prometheus metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/storewire/relay/internal/broadcast"
	"github.com/storewire/relay/internal/cluster"
	"github.com/storewire/relay/internal/config"
	"github.com/storewire/relay/internal/gate"
	"github.com/storewire/relay/internal/observability"
	"github.com/storewire/relay/internal/offline"
	"github.com/storewire/relay/internal/presence"
	"github.com/storewire/relay/internal/ratelimit"
	"github.com/storewire/relay/internal/registry"
)

// Deps aggregates the components the server fronts.
type Deps struct {
	Config      *config.Config
	Registry    *registry.Registry
	Gate        *gate.Gate
	Tracker     *presence.Tracker
	Limiter     *ratelimit.Limiter
	Offline     *offline.Queue
	Broadcaster *broadcast.Broadcaster
	Adapter     cluster.Adapter
	Metrics     *observability.Metrics
	Gatherer    prometheus.Gatherer
	Logger      *slog.Logger
}

// Server is the HTTP/WebSocket front of a relay instance.
type Server struct {
	cfg         *config.Config
	registry    *registry.Registry
	gate        *gate.Gate
	tracker     *presence.Tracker
	limiter     *ratelimit.Limiter
	offline     *offline.Queue
	broadcaster *broadcast.Broadcaster
	adapter     cluster.Adapter
	metrics     *observability.Metrics
	logger      *slog.Logger

	httpServer *http.Server
	listener   net.Listener
	handler    http.Handler
}

func New(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	adapter := deps.Adapter
	if adapter == nil {
		adapter = cluster.Noop{}
	}
	s := &Server{
		cfg:         deps.Config,
		registry:    deps.Registry,
		gate:        deps.Gate,
		tracker:     deps.Tracker,
		limiter:     deps.Limiter,
		offline:     deps.Offline,
		broadcaster: deps.Broadcaster,
		adapter:     adapter,
		metrics:     deps.Metrics,
		logger:      logger.With("component", "server"),
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", s.newWSHandler())
	mux.HandleFunc("/healthz", s.handleHealthz)
	if deps.Gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	} else {
		mux.Handle("/metrics", promhttp.Handler())
	}
	mux.HandleFunc("GET /v1/connections/{id}", s.handleConnection)
	mux.HandleFunc("GET /v1/channels/{name}", s.handleChannel)
	mux.HandleFunc("GET /v1/ratelimit/{identity}", s.handleRateLimit)
	mux.HandleFunc("GET /v1/events/{id}/stats", s.handleEventStats)
	mux.HandleFunc("GET /v1/presence/stats", s.handlePresenceStats)
	mux.HandleFunc("POST /v1/events", s.handleEventIntake)
	s.handler = mux
	return s
}

// Handler returns the root handler, also used by tests.
func (s *Server) Handler() http.Handler { return s.handler }

// Start begins serving in the background.
func (s *Server) Start(ctx context.Context) error {
	addr := s.cfg.Server.Addr
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	s.listener = listener
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: s.cfg.Server.ReadTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()

	s.logger.Info("listening", "addr", listener.Addr().String())
	return nil
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

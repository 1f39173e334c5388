// Package server exposes the bridge's JSON control API and the WebSocket
// event stream.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/execbridge/internal/domain"
	"github.com/alanyoungcy/execbridge/internal/server/handler"
	"github.com/alanyoungcy/execbridge/internal/server/middleware"
	"github.com/alanyoungcy/execbridge/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled
	// WriteLimit is the number of mutating requests a client may send per
	// minute. Zero uses 60.
	WriteLimit int
	// Limiter counts those requests. Nil keeps the count in this process.
	Limiter domain.RateLimiter
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health *handler.HealthHandler
	Bridge *handler.BridgeHandler
}

// Server is the headless HTTP + WebSocket API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers every route and wraps the mux in the middleware chain.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "server"))
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      NewHandler(cfg, handlers, wsHub, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return &Server{httpServer: srv, logger: logger}
}

// NewHandler builds the routed, middleware-wrapped handler.
func NewHandler(cfg Config, handlers Handlers, wsHub *ws.Hub, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	// Health check (no auth required).
	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	b := handlers.Bridge
	mux.HandleFunc("GET /api/status", b.GetStatus)
	mux.HandleFunc("GET /api/positions", b.ListPositions)
	mux.HandleFunc("POST /api/positions/{id}/close", b.ClosePosition)
	mux.HandleFunc("GET /api/trades", b.ListTrades)
	mux.HandleFunc("POST /api/signals", b.SubmitSignal)
	mux.HandleFunc("POST /api/emergency-close", b.EmergencyClose)
	mux.HandleFunc("POST /api/reconcile", b.RunReconcile)
	mux.HandleFunc("GET /api/config", b.GetConfig)
	mux.HandleFunc("PUT /api/config", b.UpdateConfig)

	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	limit := cfg.WriteLimit
	if limit <= 0 {
		limit = 60
	}

	limiter := cfg.Limiter
	if limiter == nil {
		limiter = middleware.NewWindowLimiter()
	}

	var h http.Handler = mux
	h = middleware.RateLimit(limiter, limit, time.Minute)(h)
	h = middleware.Auth(cfg.APIKey, "/api/health")(h)
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)
	return h
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}

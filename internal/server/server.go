package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/glasshouse-dev/glasshouse/internal/auth"
	"github.com/glasshouse-dev/glasshouse/internal/ratelimit"
	"github.com/glasshouse-dev/glasshouse/internal/storage"
)

// Server is the Glasshouse HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Limiter, Broker.
type ServerConfig struct {
	// Required dependencies.
	DB     *storage.DB
	JWTMgr *auth.JWTManager
	Logger *slog.Logger

	// Optional dependencies (nil = disabled).
	Limiter ratelimit.Limiter
	Broker  *Broker

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
	ReplayDefaultLimit  int
	ReplayMaxLimit      int
	JWTExpiration       time.Duration
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		DB:                  cfg.DB,
		JWTMgr:              cfg.JWTMgr,
		Broker:              cfg.Broker,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		ReplayDefaultLimit:  cfg.ReplayDefaultLimit,
		ReplayMaxLimit:      cfg.ReplayMaxLimit,
		JWTExpiration:       cfg.JWTExpiration,
	})

	// Request ID extractor for rate limit error responses.
	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}

	// Rate limit groups. Appends are keyed by agent, reads and auth by IP.
	appendRL := ratelimit.Middleware(cfg.Limiter, "append", agentKeyFunc, reqIDFunc)
	readRL := ratelimit.Middleware(cfg.Limiter, "read", ratelimit.IPKeyFunc, reqIDFunc)
	authRL := ratelimit.Middleware(cfg.Limiter, "auth", ratelimit.IPKeyFunc, reqIDFunc)

	mux := http.NewServeMux()

	// Auth endpoint (no auth required, rate limited by IP).
	mux.Handle("POST /auth/token", authRL(http.HandlerFunc(h.HandleAuthToken)))

	// Session lifecycle (agent-authenticated writes).
	mux.Handle("POST /v1/sessions", appendRL(http.HandlerFunc(h.HandleCreateSession)))
	mux.Handle("POST /v1/sessions/{session_id}/status", appendRL(http.HandlerFunc(h.HandleUpdateSessionStatus)))

	// Event ingestion (agent-authenticated, rate limited by agent).
	mux.Handle("POST /v1/sessions/{session_id}/events", appendRL(http.HandlerFunc(h.HandleAppendEvents)))

	// Viewer reads (anonymous, rate limited by IP).
	mux.Handle("GET /v1/sessions/{session_id}", readRL(http.HandlerFunc(h.HandleGetSession)))
	mux.Handle("GET /v1/sessions/{session_id}/events", readRL(http.HandlerFunc(h.HandleReplayEvents)))

	// Live channel (anonymous, no rate limit — long-lived connection).
	mux.HandleFunc("GET /v1/sessions/{session_id}/live", h.HandleLive)

	// Health (no auth, no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// agentKeyFunc extracts the agent ID from the request context for rate limiting.
func agentKeyFunc(r *http.Request) string {
	claims := ClaimsFromContext(r.Context())
	if claims == nil {
		return ""
	}
	return claims.AgentID
}

// Handlers returns the underlying Handlers for access to SeedAdmin etc.
func (s *Server) Handlers() *Handlers {
	return s.handlers
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}

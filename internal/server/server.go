package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/fmaa-ecosystem/fmaa/internal/auth"
	"github.com/fmaa-ecosystem/fmaa/internal/model"
	"github.com/fmaa-ecosystem/fmaa/internal/ratelimit"
	"github.com/fmaa-ecosystem/fmaa/internal/service/agents"
	"github.com/fmaa-ecosystem/fmaa/internal/service/fleet"
	"github.com/fmaa-ecosystem/fmaa/internal/service/health"
	"github.com/fmaa-ecosystem/fmaa/internal/service/recommend"
	"github.com/fmaa-ecosystem/fmaa/internal/service/sentiment"
	"github.com/fmaa-ecosystem/fmaa/internal/storage"
)

// Server is the FMAA HTTP server.
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
// Optional fields (nil-safe): Inference, Limiter, MCPServer.
type ServerConfig struct {
	// Required dependencies.
	Store     storage.Store
	Identity  auth.IdentityProvider
	JWTMgr    *auth.JWTManager
	Agents    *agents.Service
	Sentiment *sentiment.Service
	Recommend *recommend.Service
	Monitor   *health.Service
	Fleet     *fleet.Aggregator
	Logger    *slog.Logger

	// Optional dependencies (nil = disabled).
	Inference Readiness
	Limiter   ratelimit.Limiter
	MCPServer *mcpserver.MCPServer

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
	CORSAllowedOrigins  []string
	TrustProxy          bool
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Store:               cfg.Store,
		JWTMgr:              cfg.JWTMgr,
		Agents:              cfg.Agents,
		Sentiment:           cfg.Sentiment,
		Recommend:           cfg.Recommend,
		Monitor:             cfg.Monitor,
		Fleet:               cfg.Fleet,
		Inference:           cfg.Inference,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	mux := http.NewServeMux()

	// Health and token exchange need no token.
	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.HandleFunc("POST /auth/token", h.HandleAuthToken)

	read := requireAction(model.ActionRead)
	create := requireAction(model.ActionCreate)
	update := requireAction(model.ActionUpdate)
	remove := requireAction(model.ActionDelete)

	// Agent factory.
	mux.Handle("POST /v1/agents", create(http.HandlerFunc(h.HandleCreateAgent)))
	mux.Handle("GET /v1/agents", read(http.HandlerFunc(h.HandleListAgents)))
	mux.Handle("PUT /v1/agents/{id}", update(http.HandlerFunc(h.HandleUpdateAgent)))
	mux.Handle("DELETE /v1/agents/{id}", remove(http.HandlerFunc(h.HandleDeleteAgent)))

	// Analysis tasks.
	mux.Handle("POST /v1/sentiment", create(http.HandlerFunc(h.HandleSentiment)))
	mux.Handle("GET /v1/sentiment/status", read(h.HandleAgentStatus(model.AgentTypeSentiment)))
	mux.Handle("POST /v1/recommendations", create(http.HandlerFunc(h.HandleRecommend)))
	mux.Handle("GET /v1/recommendations/status", read(h.HandleAgentStatus(model.AgentTypeRecommendation)))

	// Performance monitoring.
	mux.Handle("POST /v1/monitor", create(http.HandlerFunc(h.HandleMonitor)))
	mux.Handle("GET /v1/monitor/status", read(http.HandlerFunc(h.HandleMonitorStatus)))
	mux.Handle("GET /v1/monitor/report", read(http.HandlerFunc(h.HandleMonitorReport)))

	// MCP StreamableHTTP transport (auth required, read).
	if cfg.MCPServer != nil {
		mux.Handle("/mcp", read(mcpserver.NewStreamableHTTPServer(cfg.MCPServer)))
	}

	limiter := cfg.Limiter
	if limiter == nil {
		limiter = ratelimit.NoopLimiter{}
	}
	userKey := ratelimit.UserKey(cfg.TrustProxy)
	rateLimit := ratelimit.Middleware(limiter, func(r *http.Request) string {
		if r.URL.Path == "/health" {
			return ""
		}
		return userKey(r)
	}, cfg.Logger)

	// Middleware chain (outermost executes first):
	// request ID → security headers → CORS → tracing → logging → auth → rate limit → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = rateLimit(handler)
	handler = authMiddleware(cfg.Identity, cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(newHTTPInstruments(), handler)
	handler = corsMiddleware(cfg.CORSAllowedOrigins, handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           handler,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// Handlers returns the underlying Handlers for access to SeedAdmin.
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

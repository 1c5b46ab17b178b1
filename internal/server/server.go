package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/veritas-ai/deepthink/internal/metrics"
	"github.com/veritas-ai/deepthink/internal/ratelimit"
	"github.com/veritas-ai/deepthink/internal/store"
)

// Server is the DeepThink HTTP server.
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

// ServerConfig holds all dependencies and configuration for creating a
// Server. Limiter and MCPServer are optional; nil disables them.
type ServerConfig struct {
	Store   store.Store
	Runner  Runner
	Broker  *Broker
	Metrics *metrics.Sink
	Logger  *slog.Logger

	Limiter   ratelimit.Limiter
	MCPServer *mcpserver.MCPServer

	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Store:               cfg.Store,
		Runner:              cfg.Runner,
		Broker:              cfg.Broker,
		Metrics:             cfg.Metrics,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}

	// Only run submission is rate limited: it is the sole endpoint that
	// spends model tokens. Reads and event streams stay unmetered.
	solveRL := ratelimit.Middleware(cfg.Limiter, ratelimit.IPKeyFunc, reqIDFunc)

	mux := http.NewServeMux()

	mux.Handle("POST /v1/runs", solveRL(http.HandlerFunc(h.HandleCreateRun)))
	mux.Handle("POST /v1/solve", solveRL(http.HandlerFunc(h.HandleSolve)))
	mux.HandleFunc("GET /v1/runs", h.HandleListRuns)
	mux.HandleFunc("GET /v1/runs/{run_id}", h.HandleGetRun)
	mux.HandleFunc("GET /v1/runs/{run_id}/events", h.HandleRunEvents)

	if cfg.MCPServer != nil {
		mcpHTTP := mcpserver.NewStreamableHTTPServer(cfg.MCPServer)
		mux.Handle("/mcp", mcpHTTP)
	}

	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.HandleFunc("GET /metrics", h.HandleMetrics)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
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

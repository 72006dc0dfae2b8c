package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/hanashi/internal/auth"
	"github.com/ashita-ai/hanashi/internal/ratelimit"
	"github.com/ashita-ai/hanashi/internal/storage"
)

// Server is the hanashi HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a
// Server. MCPServer is optional; nil disables the /mcp mount.
type ServerConfig struct {
	DB      *storage.DB
	JWTMgr  *auth.JWTManager
	Hub     *Hub
	Limiter ratelimit.Limiter
	Logger  *slog.Logger

	MCPServer *mcpserver.MCPServer

	Port          int
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	Version       string
	MaxFrameBytes int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	limiter := cfg.Limiter
	if limiter == nil {
		limiter = ratelimit.NoopLimiter{}
	}

	h := &Handlers{
		db:      cfg.DB,
		jwtMgr:  cfg.JWTMgr,
		hub:     cfg.Hub,
		limiter: limiter,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Socket tokens are the access control; browser clients connect
			// from anywhere.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger:        cfg.Logger,
		version:       cfg.Version,
		startedAt:     time.Now(),
		maxFrameBytes: cfg.MaxFrameBytes,
	}

	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/login", h.HandleLogin)
	mux.HandleFunc("GET /api/me", h.HandleMe)
	mux.HandleFunc("GET /socket", h.HandleSocket)
	mux.HandleFunc("GET /healthz", h.HandleHealth)

	if cfg.MCPServer != nil {
		mcpHTTP := mcpserver.NewStreamableHTTPServer(cfg.MCPServer)
		mux.Handle("/mcp", mcpHTTP)
		cfg.Logger.Info("mcp enabled, serving at /mcp")
	}

	// Middleware chain (outermost executes first):
	// request ID → tracing → logging → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Port),
			Handler: handler,
			// Timeouts bound the REST handlers. The websocket upgrade hijacks
			// the connection and clears its deadlines, so joined sockets are
			// not affected.
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler: handler,
		logger:  cfg.Logger,
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

// Package api provides the read-only HTTP API of dbpulse.
// This package implements a RESTful API using Gin framework
//
// Example usage:
//
//	server := api.NewServer(cfg, engine)
//	err := server.Start()
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"dbpulse/internal/config"
	"dbpulse/internal/core"
)

// requestTimeout bounds every request handler.
const requestTimeout = 30 * time.Second

// Server represents the HTTP API server.
type Server struct {
	config  config.ServerConfig
	metrics config.MetricsConfig
	engine  *core.Engine
	router  *gin.Engine
	server  *http.Server
}

// NewServer creates a new HTTP API server instance.
//
// Parameters:
//   - cfg: Application configuration, for the server and metrics sections
//   - engine: Collection engine the API reads from
//
// Returns:
//   - *Server: Initialized server instance
func NewServer(cfg *config.Config, engine *core.Engine) *Server {
	// Set Gin mode based on configuration
	gin.SetMode(gin.ReleaseMode)

	server := &Server{
		config:  cfg.Server,
		metrics: cfg.Metrics,
		engine:  engine,
		router:  gin.New(),
	}

	// Setup middleware and routes
	server.setupMiddleware()
	server.setupRoutes()

	// Create HTTP server
	server.server = &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      server.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	return server
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server and begins listening for requests.
//
// Returns:
//   - error: Any error that occurred during server startup
func (s *Server) Start() error {
	log.Info().Str("addr", s.config.Addr).Msg("Starting HTTP server")

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the HTTP server.
//
// Parameters:
//   - ctx: Context for shutdown timeout
//
// Returns:
//   - error: Any error that occurred during shutdown
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// setupMiddleware configures middleware for the Gin router.
func (s *Server) setupMiddleware() {
	// Request ID middleware (should be first)
	s.router.Use(RequestID())

	// Custom panic recovery middleware
	s.router.Use(PanicRecovery())

	// Request timeout middleware
	s.router.Use(Timeout(requestTimeout))

	// Custom logger middleware
	s.router.Use(LoggerMiddleware())
}

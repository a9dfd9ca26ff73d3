package api

import (
	"github.com/gin-gonic/gin"

	v1 "dbpulse/internal/api/v1"
)

// setupRoutes configures API routes.
func (s *Server) setupRoutes() {
	// Initialize handlers
	baseHandler := NewHandler(s.engine)

	// Prometheus scrape endpoint
	if s.metrics.Enabled {
		s.router.GET(s.metrics.Path, gin.WrapH(s.engine.Metrics().Handler()))
	}

	// Base api router group
	apiGroup := s.router.Group("/api")

	// Base endpoints
	apiGroup.GET("/ping", baseHandler.Ping)
	apiGroup.GET("/health", baseHandler.Health)

	// API v1 routes
	v1Group := apiGroup.Group("/v1")
	v1.SetupRoutes(v1Group, s.engine)
}

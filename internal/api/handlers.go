package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"dbpulse/internal/core"
)

// Version is reported by the health endpoint. It is set at build time.
var Version = "dev"

// Handler manages public endpoints.
//
// It provides essential system-level information, making it suitable for
// liveness probes and basic diagnostics.
type Handler struct {
	engine    *core.Engine
	startTime time.Time
}

// NewHandler initializes a new public API handler.
//
// Parameters:
//   - engine: Collection engine (may be nil in test environments)
//
// Returns a fully initialized handler ready for HTTP routing.
func NewHandler(engine *core.Engine) *Handler {
	return &Handler{
		engine:    engine,
		startTime: time.Now(),
	}
}

// Ping handles GET /ping
//
// Response:
//   - 200 OK with {"message": "pong"}
func (h *Handler) Ping(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message": "pong",
	})
}

// Health handles GET /health
//
// Reports the local store, the engine and the scheduler. Overall status is
// "healthy" only if all components report healthy; otherwise, it returns
// "degraded".
//
// Response:
//   - 200 OK with detailed health report
func (h *Handler) Health(c *gin.Context) {
	ctx := c.Request.Context()

	dbStatus, dbResponseTime := h.checkDatabaseHealth(ctx)
	schemaVersion := 0
	if dbStatus == "healthy" {
		v, err := h.engine.Store().SchemaVersion(ctx)
		if err != nil {
			dbStatus = "unhealthy"
		}
		schemaVersion = v
	}
	engineStatus := h.checkEngineHealth()

	inFlight := 0
	if h.engine != nil {
		inFlight = h.engine.Scheduler().InFlight()
	}

	// Determine overall system status
	overallStatus := "healthy"
	if dbStatus != "healthy" || engineStatus != "healthy" {
		overallStatus = "degraded"
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    overallStatus,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"uptime":    time.Since(h.startTime).String(),
		"version":   Version,
		"components": gin.H{
			"database": gin.H{
				"status":           dbStatus,
				"response_time_ms": dbResponseTime,
				"schema_version":   schemaVersion,
			},
			"engine": gin.H{
				"status": engineStatus,
			},
			"scheduler": gin.H{
				"status":           engineStatus,
				"cycles_in_flight": inFlight,
			},
		},
	})
}

// checkDatabaseHealth pings the local store and measures the round trip.
func (h *Handler) checkDatabaseHealth(ctx context.Context) (string, int64) {
	if h.engine == nil || h.engine.Store() == nil {
		return "unhealthy", 0
	}

	start := time.Now()
	err := h.engine.Store().Ping(ctx)
	responseTime := time.Since(start).Milliseconds()
	if err != nil {
		return "unhealthy", responseTime
	}
	return "healthy", responseTime
}

func (h *Handler) checkEngineHealth() string {
	if h.engine == nil || !h.engine.IsRunning() {
		return "unhealthy"
	}
	return "healthy"
}

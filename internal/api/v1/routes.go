package v1

import (
	"github.com/gin-gonic/gin"

	"dbpulse/internal/api/v1/alerts"
	"dbpulse/internal/api/v1/collections"
	"dbpulse/internal/api/v1/collectors"
	"dbpulse/internal/api/v1/servers"
	"dbpulse/internal/core"
)

// SetupRoutes configures API routes.
func SetupRoutes(routerGroup *gin.RouterGroup, engine *core.Engine) {
	// Initialize handlers
	collectorsHandler := collectors.NewHandler(engine.Catalog(), engine.Schedule())
	serversHandler := servers.NewHandler(engine)
	collectionsHandler := collections.NewHandler(engine.Store())
	alertsHandler := alerts.NewHandler(engine.Alerts())

	// Collector schedule
	collectorsGroup := routerGroup.Group("/collectors")
	{
		collectorsGroup.GET("", collectorsHandler.List)
		collectorsGroup.GET("/:name", collectorsHandler.Get)
		collectorsGroup.PATCH("/:name", collectorsHandler.Update)
	}

	// Servers and their samples
	serversGroup := routerGroup.Group("/servers")
	{
		serversGroup.GET("", serversHandler.List)
		serversGroup.POST("/reload", serversHandler.Reload)
		serversGroup.GET("/:server/health", serversHandler.Health)
		serversGroup.GET("/:server/samples/:collector", serversHandler.Samples)
		serversGroup.GET("/:server/latest/:collector", serversHandler.Latest)
	}

	// Operational history
	routerGroup.GET("/collections", collectionsHandler.List)
	routerGroup.GET("/sweeps", collectionsHandler.Sweeps)

	// Alert state
	alertsGroup := routerGroup.Group("/alerts")
	{
		alertsGroup.GET("", alertsHandler.List)
		alertsGroup.GET("/:server", alertsHandler.Get)
		alertsGroup.POST("/:server/acknowledge", alertsHandler.Acknowledge)
		alertsGroup.DELETE("/:server/acknowledge", alertsHandler.ClearAcknowledgement)
		alertsGroup.POST("/:server/silence", alertsHandler.Silence)
		alertsGroup.POST("/:server/unsilence", alertsHandler.Unsilence)
	}
}

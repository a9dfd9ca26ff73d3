// Package servers implements HTTP handlers for monitored servers and the
// samples collected from them.
package servers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"dbpulse/internal/alerts"
	"dbpulse/internal/api/types"
	"dbpulse/internal/core"
	"dbpulse/internal/remote"
	"dbpulse/internal/storage"
)

// Handler manages the server endpoints.
type Handler struct {
	engine *core.Engine
}

// NewHandler creates a new server handler instance.
func NewHandler(engine *core.Engine) *Handler {
	return &Handler{engine: engine}
}

// HealthResponse is the collection health of one server.
type HealthResponse struct {
	Server     string           `json:"server"`
	Collectors []storage.Health `json:"collectors"`
	Alerts     alerts.State     `json:"alerts"`
}

// List handles GET /api/v1/servers
//
// Returns the registry, without credentials.
func (h *Handler) List(c *gin.Context) {
	servers, err := h.engine.Registry().Servers(c.Request.Context())
	if err != nil {
		types.AbortWithError(c, types.InternalError("failed to list servers", err))
		return
	}
	c.JSON(http.StatusOK, types.ListResponse(servers))
}

// Health handles GET /api/v1/servers/:server/health
//
// Derives the health of every enabled collector from its latest collection
// log entry.
//
// Returns:
//   - 200 OK with per-collector health and the server's alert state
//   - 404 Not Found for a server missing from the registry
func (h *Handler) Health(c *gin.Context) {
	ctx := c.Request.Context()

	srv, err := remote.Lookup(ctx, h.engine.Registry(), c.Param("server"))
	if err != nil {
		if errors.Is(err, remote.ErrUnknownServer) {
			types.AbortWithError(c, types.NotFoundError("server "+c.Param("server")))
			return
		}
		types.AbortWithError(c, types.InternalError("failed to look up server", err))
		return
	}

	var names []string
	for _, def := range h.engine.Schedule().All() {
		if def.Enabled {
			names = append(names, def.Name)
		}
	}

	health, err := h.engine.Store().CollectorHealth(ctx, srv.ID, names, time.Now(), h.engine.StaleAfter())
	if err != nil {
		types.AbortWithError(c, types.InternalError("failed to derive collector health", err))
		return
	}

	c.JSON(http.StatusOK, types.SuccessResponse(HealthResponse{
		Server:     srv.ID,
		Collectors: health,
		Alerts:     h.engine.Alerts().Snapshot(srv.ID),
	}))
}

// Samples handles GET /api/v1/servers/:server/samples/:collector
//
// Query parameters:
//   - from, to (optional RFC 3339 timestamps, inclusive)
//   - limit (optional, max 10000)
//
// Samples of servers no longer in the registry stay readable.
//
// Returns:
//   - 200 OK with rows ordered by collection time
//   - 400 Bad Request for invalid parameters
//   - 404 Not Found for an unknown collector
func (h *Handler) Samples(c *gin.Context) {
	var req types.WindowRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		types.AbortWithError(c, types.ValidationError(err.Error()))
		return
	}
	if !req.From.IsZero() && !req.To.IsZero() && req.To.Before(req.From) {
		types.AbortWithError(c, types.ValidationError("to is before from"))
		return
	}

	d, ok := h.engine.Catalog().Get(c.Param("collector"))
	if !ok {
		types.AbortWithError(c, types.NotFoundError("collector "+c.Param("collector")))
		return
	}

	rows, err := h.engine.Store().Query(c.Request.Context(), d.Table(), storage.Filter{
		ServerID: c.Param("server"),
		From:     req.From,
		To:       req.To,
		Limit:    req.Limit,
	})
	if err != nil {
		types.AbortWithError(c, types.InternalError("failed to query samples", err))
		return
	}
	c.JSON(http.StatusOK, types.ListResponse(rows))
}

// Latest handles GET /api/v1/servers/:server/latest/:collector
//
// Returns:
//   - 200 OK with the rows of the most recent batch, empty when none
//   - 404 Not Found for an unknown collector
func (h *Handler) Latest(c *gin.Context) {
	d, ok := h.engine.Catalog().Get(c.Param("collector"))
	if !ok {
		types.AbortWithError(c, types.NotFoundError("collector "+c.Param("collector")))
		return
	}

	rows, err := h.engine.Store().Latest(c.Request.Context(), d.Table(), c.Param("server"))
	if err != nil {
		types.AbortWithError(c, types.InternalError("failed to query latest samples", err))
		return
	}
	c.JSON(http.StatusOK, types.ListResponse(rows))
}

// ReloadResponse lists the servers retired by a registry reload.
type ReloadResponse struct {
	Retired []string `json:"retired"`
}

// Reload handles POST /api/v1/servers/reload
//
// Re-reads the registry file and drops the state of retired servers.
//
// Returns:
//   - 200 OK with the retired server IDs
//   - 409 Conflict when the registry is not file based
//   - 500 Internal Server Error when the file is invalid
func (h *Handler) Reload(c *gin.Context) {
	retired, err := h.engine.ReloadRegistry()
	if err != nil {
		if errors.Is(err, core.ErrStaticRegistry) {
			types.AbortWithError(c, types.ConflictError(err.Error()))
			return
		}
		types.AbortWithError(c, types.InternalError("failed to reload server registry", err))
		return
	}
	if retired == nil {
		retired = []string{}
	}
	c.JSON(http.StatusOK, types.SuccessResponse(ReloadResponse{Retired: retired}))
}

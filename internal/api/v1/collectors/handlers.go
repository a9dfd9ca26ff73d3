// Package collectors implements HTTP handlers for the collector schedule.
package collectors

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"dbpulse/internal/api/types"
	"dbpulse/internal/catalog"
	"dbpulse/internal/schedule"
)

// Handler manages the collector endpoints.
type Handler struct {
	catalog  *catalog.Catalog
	schedule *schedule.Store
}

// NewHandler creates a new collector handler instance.
func NewHandler(cat *catalog.Catalog, sched *schedule.Store) *Handler {
	return &Handler{catalog: cat, schedule: sched}
}

func (h *Handler) describe(def schedule.Definition, withColumns bool) CollectorResponse {
	if d, ok := h.catalog.Get(def.Name); ok {
		return newCollectorResponse(def, &d, withColumns)
	}
	return newCollectorResponse(def, nil, withColumns)
}

// List handles GET /api/v1/collectors
//
// Returns every collector definition ordered by name.
func (h *Handler) List(c *gin.Context) {
	defs := h.schedule.All()
	out := make([]CollectorResponse, 0, len(defs))
	for _, def := range defs {
		out = append(out, h.describe(def, false))
	}
	c.JSON(http.StatusOK, types.ListResponse(out))
}

// Get handles GET /api/v1/collectors/:name
//
// Returns:
//   - 200 OK with the definition and its stored columns
//   - 404 Not Found for an unknown collector
func (h *Handler) Get(c *gin.Context) {
	def, err := h.schedule.Get(c.Param("name"))
	if err != nil {
		abortScheduleError(c, err)
		return
	}
	c.JSON(http.StatusOK, types.SuccessResponse(h.describe(def, true)))
}

// Update handles PATCH /api/v1/collectors/:name
//
// Changes the enabled flag, frequency or retention of a collector. The
// schedule document is rewritten before the response is sent.
//
// Returns:
//   - 200 OK with the updated definition
//   - 400 Bad Request for an empty or out-of-range patch
//   - 404 Not Found for an unknown collector
func (h *Handler) Update(c *gin.Context) {
	var patch schedule.Patch
	if err := c.ShouldBindJSON(&patch); err != nil {
		types.AbortWithError(c, types.ValidationError(err.Error()))
		return
	}
	if patch.Empty() {
		types.AbortWithError(c, types.ValidationError("no fields to update"))
		return
	}

	name := c.Param("name")
	def, err := h.schedule.Update(name, patch)
	if err != nil {
		abortScheduleError(c, err)
		return
	}

	log.Info().
		Str("collector", name).
		Bool("enabled", def.Enabled).
		Int("frequency_minutes", def.FrequencyMinutes).
		Int("retention_days", def.RetentionDays).
		Msg("Collector schedule updated")

	c.JSON(http.StatusOK, types.SuccessResponse(h.describe(def, false)))
}

func abortScheduleError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, schedule.ErrNotFound):
		types.AbortWithError(c, types.NotFoundError("collector "+c.Param("name")))
	case errors.Is(err, schedule.ErrInvalid):
		types.AbortWithError(c, types.ValidationError(err.Error()))
	default:
		types.AbortWithError(c, types.InternalError("failed to access schedule", err))
	}
}

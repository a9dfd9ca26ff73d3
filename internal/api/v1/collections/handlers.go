// Package collections implements HTTP handlers for the operational history:
// collection cycles and retention sweeps.
package collections

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"dbpulse/internal/api/types"
	"dbpulse/internal/storage"
)

// Handler manages the history endpoints.
type Handler struct {
	storage *storage.Store
}

// NewHandler creates a new history handler instance.
func NewHandler(store *storage.Store) *Handler {
	return &Handler{storage: store}
}

// List handles GET /api/v1/collections
//
// Query parameters:
//   - server, collector (optional filters)
//   - limit (default: 100, max: 1000)
//
// Returns the newest collection log entries first.
func (h *Handler) List(c *gin.Context) {
	var req types.CollectionsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		types.AbortWithError(c, types.ValidationError(err.Error()))
		return
	}

	entries, err := h.storage.RecentCollections(c.Request.Context(), storage.LogFilter{
		ServerID:  req.Server,
		Collector: req.Collector,
		Limit:     req.Limit,
	})
	if err != nil {
		types.AbortWithError(c, types.InternalError("failed to read collection log", err))
		return
	}
	c.JSON(http.StatusOK, types.ListResponse(entries))
}

// Sweeps handles GET /api/v1/sweeps
//
// Returns the latest sweeps that deleted rows, newest first.
func (h *Handler) Sweeps(c *gin.Context) {
	limit := 50
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			types.AbortWithError(c, types.ValidationError("limit must be between 1 and 1000"))
			return
		}
		limit = n
	}

	sweeps, err := h.storage.RecentSweeps(c.Request.Context(), limit)
	if err != nil {
		types.AbortWithError(c, types.InternalError("failed to read sweep log", err))
		return
	}
	c.JSON(http.StatusOK, types.ListResponse(sweeps))
}

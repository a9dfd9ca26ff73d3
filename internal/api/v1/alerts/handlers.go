// Package alerts implements HTTP handlers for alert acknowledgement and
// silencing.
package alerts

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	alertstate "dbpulse/internal/alerts"
	"dbpulse/internal/api/types"
)

// Handler manages the alert endpoints.
type Handler struct {
	tracker *alertstate.Tracker
}

// NewHandler creates a new alert handler instance.
func NewHandler(tracker *alertstate.Tracker) *Handler {
	return &Handler{tracker: tracker}
}

// List handles GET /api/v1/alerts
//
// Returns every server with active conditions, visible or not.
func (h *Handler) List(c *gin.Context) {
	c.JSON(http.StatusOK, types.ListResponse(h.tracker.Active()))
}

// Get handles GET /api/v1/alerts/:server
func (h *Handler) Get(c *gin.Context) {
	c.JSON(http.StatusOK, types.SuccessResponse(h.tracker.Snapshot(c.Param("server"))))
}

// Acknowledge handles POST /api/v1/alerts/:server/acknowledge
func (h *Handler) Acknowledge(c *gin.Context) {
	h.apply(c, "acknowledge", h.tracker.Acknowledge)
}

// ClearAcknowledgement handles DELETE /api/v1/alerts/:server/acknowledge
func (h *Handler) ClearAcknowledgement(c *gin.Context) {
	h.apply(c, "clear acknowledgement", h.tracker.ClearAcknowledgement)
}

// Silence handles POST /api/v1/alerts/:server/silence
func (h *Handler) Silence(c *gin.Context) {
	h.apply(c, "silence", h.tracker.Silence)
}

// Unsilence handles POST /api/v1/alerts/:server/unsilence
func (h *Handler) Unsilence(c *gin.Context) {
	h.apply(c, "unsilence", h.tracker.Unsilence)
}

func (h *Handler) apply(c *gin.Context, action string, fn func(server string)) {
	server := c.Param("server")
	fn(server)

	log.Info().
		Str("server", server).
		Str("action", action).
		Str("request_id", c.GetString(types.RequestIDKey)).
		Msg("Alert state changed")

	c.JSON(http.StatusOK, types.SuccessResponse(h.tracker.Snapshot(server)))
}

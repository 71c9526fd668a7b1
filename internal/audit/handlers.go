package audit

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler provides read-only HTTP endpoints over the bitácora for
// dispute resolution.
type Handler struct {
	store Store
}

// NewHandler creates a new audit handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes sets up bitácora query routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/audit/proposals/:id", h.ByProposal)
	r.GET("/audit/exchanges/:id", h.ByExchange)
	r.GET("/audit/me", h.ByUser)
}

// ByProposal handles GET /v1/audit/proposals/:id
func (h *Handler) ByProposal(c *gin.Context) {
	entries, err := h.store.ListByProposal(c.Request.Context(), c.Param("id"), queryLimit(c))
	h.respond(c, entries, err)
}

// ByExchange handles GET /v1/audit/exchanges/:id
func (h *Handler) ByExchange(c *gin.Context) {
	entries, err := h.store.ListByExchange(c.Request.Context(), c.Param("id"), queryLimit(c))
	h.respond(c, entries, err)
}

// ByUser handles GET /v1/audit/me
func (h *Handler) ByUser(c *gin.Context) {
	entries, err := h.store.ListByUser(c.Request.Context(), c.GetString("userID"), queryLimit(c))
	h.respond(c, entries, err)
}

func (h *Handler) respond(c *gin.Context, entries []*Entry, err error) {
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load audit entries",
		})
		return
	}
	if entries == nil {
		entries = []*Entry{}
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func queryLimit(c *gin.Context) int {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 200 {
			limit = parsed
		}
	}
	return limit
}

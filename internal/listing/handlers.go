package listing

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/trueque-io/trueque/internal/validation"
)

// Handler provides HTTP endpoints for listings.
type Handler struct {
	service *Service
}

// NewHandler creates a new listing handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public (read-only) listing routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/listings", h.ListOpen)
	r.GET("/listings/:id", h.Get)
}

// RegisterProtectedRoutes sets up routes that require a caller identity.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/listings", h.Create)
	r.POST("/listings/:id/suspend", h.Suspend)
	r.GET("/listings/mine", h.ListMine)
}

// Create handles POST /v1/listings
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	req.Title = validation.SanitizeString(req.Title, validation.MaxTitleLength)
	req.Description = validation.SanitizeString(req.Description, validation.MaxStringLength)

	l, err := h.service.Create(c.Request.Context(), c.GetString("userID"), req)
	if err != nil {
		if errors.Is(err, ErrInvalidPrice) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_price",
				"message": "Listing price must be positive",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "listing_failed",
			"message": "Failed to create listing",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"listing": l})
}

// Get handles GET /v1/listings/:id
func (h *Handler) Get(c *gin.Context) {
	l, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrListingNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Listing not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load listing",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"listing": l})
}

// ListOpen handles GET /v1/listings
func (h *Handler) ListOpen(c *gin.Context) {
	listings, next, more, err := h.service.ListOpen(c.Request.Context(), c.Query("cursor"), queryLimit(c))
	if errors.Is(err, ErrInvalidCursor) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": "Invalid pagination cursor",
		})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load listings",
		})
		return
	}
	if listings == nil {
		listings = []*Listing{}
	}
	c.JSON(http.StatusOK, gin.H{
		"listings":   listings,
		"nextCursor": next,
		"hasMore":    more,
	})
}

// ListMine handles GET /v1/listings/mine
func (h *Handler) ListMine(c *gin.Context) {
	listings, err := h.service.ListByOwner(c.Request.Context(), c.GetString("userID"), queryLimit(c))
	h.respondList(c, listings, err)
}

// Suspend handles POST /v1/listings/:id/suspend
func (h *Handler) Suspend(c *gin.Context) {
	l, err := h.service.Suspend(c.Request.Context(), c.Param("id"), c.GetString("userID"))
	switch {
	case errors.Is(err, ErrListingNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Listing not found",
		})
	case errors.Is(err, ErrNotOwner):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "not_owner",
			"message": "Only the owner may suspend a listing",
		})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to suspend listing",
		})
	default:
		c.JSON(http.StatusOK, gin.H{"listing": l})
	}
}

func (h *Handler) respondList(c *gin.Context, listings []*Listing, err error) {
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load listings",
		})
		return
	}
	if listings == nil {
		listings = []*Listing{}
	}
	c.JSON(http.StatusOK, gin.H{"listings": listings})
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

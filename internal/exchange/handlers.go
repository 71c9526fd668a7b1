package exchange

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/trueque-io/trueque/internal/listing"
	"github.com/trueque-io/trueque/internal/validation"
)

// Handler provides HTTP endpoints for proposals and exchanges.
type Handler struct {
	service *Service
}

// NewHandler creates a new exchange handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up proposal and exchange routes. All of them
// require a caller identity.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/proposals", h.CreateProposal)
	r.GET("/proposals/mine", h.ListMyProposals)
	r.GET("/proposals/:id", h.GetProposal)
	r.POST("/proposals/:id/accept", h.Accept)
	r.POST("/proposals/:id/reject", h.Reject)
	r.POST("/proposals/:id/counter", h.Counter)
	r.GET("/listings/:id/proposals", h.ListListingProposals)

	r.GET("/exchanges/mine", h.ListMyExchanges)
	r.GET("/exchanges/:id", h.GetExchange)
	r.POST("/exchanges/:id/confirm", h.Confirm)
	r.POST("/exchanges/:id/cancel", h.Cancel)
}

// CreateProposal handles POST /v1/proposals
func (h *Handler) CreateProposal(c *gin.Context) {
	var req CreateProposalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	req.Message = validation.SanitizeString(req.Message, validation.MaxStringLength)

	p, err := h.service.CreateProposal(c.Request.Context(), c.GetString("userID"), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"proposal": p})
}

// GetProposal handles GET /v1/proposals/:id
func (h *Handler) GetProposal(c *gin.Context) {
	p, err := h.service.GetProposal(c.Request.Context(), c.Param("id"), c.GetString("userID"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"proposal": p})
}

// ListMyProposals handles GET /v1/proposals/mine
func (h *Handler) ListMyProposals(c *gin.Context) {
	proposals, err := h.service.ListMyProposals(c.Request.Context(), c.GetString("userID"), queryLimit(c))
	if err != nil {
		respondError(c, err)
		return
	}
	if proposals == nil {
		proposals = []*Proposal{}
	}
	c.JSON(http.StatusOK, gin.H{"proposals": proposals})
}

// ListListingProposals handles GET /v1/listings/:id/proposals
func (h *Handler) ListListingProposals(c *gin.Context) {
	proposals, err := h.service.ListProposalsForListing(c.Request.Context(), c.Param("id"), c.GetString("userID"), queryLimit(c))
	if err != nil {
		respondError(c, err)
		return
	}
	if proposals == nil {
		proposals = []*Proposal{}
	}
	c.JSON(http.StatusOK, gin.H{"proposals": proposals})
}

// Accept handles POST /v1/proposals/:id/accept
func (h *Handler) Accept(c *gin.Context) {
	ex, err := h.service.Accept(c.Request.Context(), c.Param("id"), c.GetString("userID"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"exchange": ex})
}

// Reject handles POST /v1/proposals/:id/reject
func (h *Handler) Reject(c *gin.Context) {
	p, err := h.service.Reject(c.Request.Context(), c.Param("id"), c.GetString("userID"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"proposal": p})
}

// Counter handles POST /v1/proposals/:id/counter
func (h *Handler) Counter(c *gin.Context) {
	var req CounterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if !validation.ValidAmount(req.Amount) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": "Counter-offer amount must be a positive credit amount",
		})
		return
	}
	req.Message = validation.SanitizeString(req.Message, validation.MaxStringLength)

	p, err := h.service.Counter(c.Request.Context(), c.Param("id"), c.GetString("userID"), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"proposal": p})
}

// GetExchange handles GET /v1/exchanges/:id
func (h *Handler) GetExchange(c *gin.Context) {
	ex, err := h.service.GetExchange(c.Request.Context(), c.Param("id"), c.GetString("userID"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"exchange": ex})
}

// ListMyExchanges handles GET /v1/exchanges/mine
func (h *Handler) ListMyExchanges(c *gin.Context) {
	exchanges, err := h.service.ListMyExchanges(c.Request.Context(), c.GetString("userID"), queryLimit(c))
	if err != nil {
		respondError(c, err)
		return
	}
	if exchanges == nil {
		exchanges = []*Exchange{}
	}
	c.JSON(http.StatusOK, gin.H{"exchanges": exchanges})
}

// Confirm handles POST /v1/exchanges/:id/confirm
func (h *Handler) Confirm(c *gin.Context) {
	result, err := h.service.Confirm(c.Request.Context(), c.Param("id"), c.GetString("userID"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// Cancel handles POST /v1/exchanges/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	var req CancelRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "Invalid request body",
			})
			return
		}
	}
	req.Reason = validation.SanitizeString(req.Reason, validation.MaxStringLength)

	ex, err := h.service.Cancel(c.Request.Context(), c.Param("id"), c.GetString("userID"), req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"exchange": ex})
}

func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrProposalNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Proposal not found"})
	case errors.Is(err, ErrExchangeNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Exchange not found"})
	case errors.Is(err, listing.ErrListingNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Listing not found"})
	case errors.Is(err, ErrSelfDealing):
		c.JSON(http.StatusBadRequest, gin.H{"error": "self_dealing", "message": "You cannot propose on your own listing"})
	case errors.Is(err, ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": "Amount must be positive"})
	case errors.Is(err, ErrListingUnavailable):
		c.JSON(http.StatusConflict, gin.H{"error": "listing_unavailable", "message": "Listing is no longer available"})
	case errors.Is(err, ErrAlreadyProcessed):
		c.JSON(http.StatusConflict, gin.H{"error": "already_processed", "message": "Proposal has already been resolved"})
	case errors.Is(err, ErrCannotActOnOwnOffer):
		c.JSON(http.StatusConflict, gin.H{"error": "own_offer", "message": "Waiting for the other party to respond"})
	case errors.Is(err, ErrExchangeNotActive):
		c.JSON(http.StatusConflict, gin.H{"error": "exchange_not_active", "message": "Exchange is no longer active"})
	case errors.Is(err, ErrInsufficientFunds):
		c.JSON(http.StatusPaymentRequired, gin.H{"error": "insufficient_funds", "message": "Buyer does not have enough available credits"})
	case errors.Is(err, ErrNotAuthorized):
		c.JSON(http.StatusForbidden, gin.H{"error": "not_authorized", "message": "You are not allowed to perform this action"})
	case errors.Is(err, ErrNotAParticipant):
		c.JSON(http.StatusForbidden, gin.H{"error": "not_a_participant", "message": "Only exchange participants may perform this action"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Operation failed"})
	}
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

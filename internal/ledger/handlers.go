package ledger

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for wallet and ledger operations.
type Handler struct {
	ledger *Ledger
}

// NewHandler creates a new ledger handler.
func NewHandler(l *Ledger) *Handler {
	return &Handler{ledger: l}
}

// RegisterRoutes sets up wallet routes. All of them require the caller
// identity provided by the identity middleware.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/wallet", h.GetWallet)
	r.GET("/wallet/movements", h.GetMovements)
	r.POST("/wallet/purchase", h.Purchase)
}

// GetWallet handles GET /v1/wallet
func (h *Handler) GetWallet(c *gin.Context) {
	userID := c.GetString("userID")

	w, err := h.ledger.Balance(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load wallet",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"wallet": w})
}

// GetMovements handles GET /v1/wallet/movements
func (h *Handler) GetMovements(c *gin.Context) {
	userID := c.GetString("userID")

	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	movements, err := h.ledger.History(c.Request.Context(), userID, limit)
	if err != nil {
		if errors.Is(err, ErrWalletNotFound) {
			c.JSON(http.StatusOK, gin.H{"movements": []*Movement{}})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load movements",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"movements": movements})
}

// PurchaseRequest is the body for POST /v1/wallet/purchase.
type PurchaseRequest struct {
	Amount    int64  `json:"amount" binding:"required"`
	Reference string `json:"reference" binding:"required"`
}

// Purchase handles POST /v1/wallet/purchase — a simulated credit-package
// purchase, idempotent by reference.
func (h *Handler) Purchase(c *gin.Context) {
	userID := c.GetString("userID")

	var req PurchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	w, err := h.ledger.Purchase(c.Request.Context(), userID, req.Amount, req.Reference)
	switch {
	case errors.Is(err, ErrDuplicatePurchase):
		c.JSON(http.StatusOK, gin.H{"wallet": w, "alreadyProcessed": true})
	case errors.Is(err, ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": "Purchase amount is out of range",
		})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "purchase_failed",
			"message": "Failed to process purchase",
		})
	default:
		c.JSON(http.StatusCreated, gin.H{"wallet": w})
	}
}

package admin

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/assessly/assessly/internal/logging"
	"github.com/assessly/assessly/internal/processor"
	"github.com/assessly/assessly/internal/purchases"
	"github.com/assessly/assessly/internal/validation"
)

// Handler provides admin HTTP endpoints.
type Handler struct {
	purchases   *purchases.Service
	compensator *Compensator
}

// NewHandler creates a new admin handler.
func NewHandler(svc *purchases.Service, compensator *Compensator) *Handler {
	return &Handler{purchases: svc, compensator: compensator}
}

// RegisterRoutes sets up admin routes. The group must already carry the
// admin token middleware.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/admin/purchases", h.listPurchases)
	r.GET("/admin/purchases/:id", h.getPurchase)
	r.POST("/admin/purchases/:id/refund", h.refund)
	r.POST("/admin/access", h.grant)
	r.DELETE("/admin/access/:userId/:assessmentId", h.revoke)
}

type refundRequest struct {
	Reason string `json:"reason,omitempty" validate:"omitempty,oneof=requested_by_customer duplicate fraudulent"`
}

type grantRequest struct {
	UserID       string     `json:"userId" validate:"required,identifier"`
	AssessmentID string     `json:"assessmentId" validate:"required,identifier"`
	ExpiresAt    *time.Time `json:"expiresAt,omitempty"`
}

// listPurchases handles GET /v1/admin/purchases
func (h *Handler) listPurchases(c *gin.Context) {
	f := purchases.ListFilter{
		Status: purchases.Status(c.Query("status")),
		UserID: validation.SanitizeString(c.Query("userId"), 128),
		Query:  validation.SanitizeString(c.Query("q"), 128),
		Cursor: c.Query("cursor"),
	}
	if l := c.Query("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "limit must be a positive integer",
			})
			return
		}
		f.Limit = parsed
	}

	page, err := h.purchases.ListPurchases(c.Request.Context(), f)
	if err != nil {
		if errors.Is(err, purchases.ErrUnknownStatus) || errors.Is(err, purchases.ErrInvalidListCursor) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
			return
		}
		logging.L(c.Request.Context()).Error("failed to list purchases", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to list purchases"})
		return
	}

	c.JSON(http.StatusOK, page)
}

// getPurchase handles GET /v1/admin/purchases/:id
func (h *Handler) getPurchase(c *gin.Context) {
	detail, err := h.purchases.Detail(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, purchases.ErrPurchaseNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Purchase not found"})
			return
		}
		logging.L(c.Request.Context()).Error("failed to load purchase", "purchase_id", c.Param("id"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to load purchase"})
		return
	}

	c.JSON(http.StatusOK, detail)
}

// refund handles POST /v1/admin/purchases/:id/refund
func (h *Handler) refund(c *gin.Context) {
	var req refundRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
			return
		}
	}
	if errs := validation.Struct(req); errs != nil {
		validation.Abort(c, errs)
		return
	}

	out, err := h.compensator.Refund(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		switch {
		case errors.Is(err, purchases.ErrPurchaseNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Purchase not found"})
		case errors.Is(err, ErrAlreadyRefunded):
			c.JSON(http.StatusConflict, gin.H{"error": "already_refunded", "message": "Purchase has already been refunded"})
		case errors.Is(err, ErrNotRefundable):
			c.JSON(http.StatusConflict, gin.H{"error": "not_refundable", "message": err.Error()})
		case errors.Is(err, ErrInvalidReason):
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		case errors.Is(err, processor.ErrRejected), errors.Is(err, processor.ErrRefundFailed):
			c.JSON(http.StatusBadGateway, gin.H{"error": "refund_rejected", "message": err.Error()})
		case errors.Is(err, processor.ErrUnavailable):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "processor_unavailable", "message": "Payment processor is unavailable"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to refund purchase"})
		}
		return
	}

	c.JSON(http.StatusOK, out)
}

// grant handles POST /v1/admin/access
func (h *Handler) grant(c *gin.Context) {
	var req grantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	if errs := validation.Struct(req); errs != nil {
		validation.Abort(c, errs)
		return
	}

	a, err := h.compensator.Grant(c.Request.Context(), req.UserID, req.AssessmentID, req.ExpiresAt)
	if err != nil {
		switch {
		case errors.Is(err, purchases.ErrActiveGrantExists):
			c.JSON(http.StatusConflict, gin.H{"error": "grant_exists", "message": "User already has active access to this assessment"})
		case errors.Is(err, purchases.ErrInvalidAccessTarget):
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		default:
			logging.L(c.Request.Context()).Error("failed to grant access", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to grant access"})
		}
		return
	}

	c.JSON(http.StatusCreated, a)
}

// revoke handles DELETE /v1/admin/access/:userId/:assessmentId
func (h *Handler) revoke(c *gin.Context) {
	userID := c.Param("userId")
	assessmentID := c.Param("assessmentId")
	if !validation.IsIdentifier(userID) || !validation.IsIdentifier(assessmentID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "userId and assessmentId must be identifiers"})
		return
	}

	a, err := h.compensator.Revoke(c.Request.Context(), userID, assessmentID)
	if err != nil {
		if errors.Is(err, purchases.ErrAccessNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "No active access for this user and assessment"})
			return
		}
		logging.L(c.Request.Context()).Error("failed to revoke access", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to revoke access"})
		return
	}

	c.JSON(http.StatusOK, a)
}

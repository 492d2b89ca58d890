package purchases

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/assessly/assessly/internal/logging"
	"github.com/assessly/assessly/internal/validation"
)

// Handler provides the public access-check endpoint.
type Handler struct {
	service *Service
}

// NewHandler creates a new purchases handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public read-only routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/access/:userId/:assessmentId", h.CheckAccess)
}

// CheckAccess handles GET /v1/access/:userId/:assessmentId
func (h *Handler) CheckAccess(c *gin.Context) {
	userID := c.Param("userId")
	assessmentID := c.Param("assessmentId")
	if !validation.IsIdentifier(userID) || !validation.IsIdentifier(assessmentID) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "userId and assessmentId must be identifiers",
		})
		return
	}

	status, err := h.service.CheckAccess(c.Request.Context(), userID, assessmentID)
	if err != nil {
		if errors.Is(err, ErrInvalidAccessTarget) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": err.Error(),
			})
			return
		}
		logging.L(c.Request.Context()).Error("access check failed",
			"user_id", userID, "assessment_id", assessmentID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to check access",
		})
		return
	}

	c.JSON(http.StatusOK, status)
}

package checkout

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/assessly/assessly/internal/logging"
	"github.com/assessly/assessly/internal/validation"
)

// IdempotencyHeader lets clients make checkout retries safe.
const IdempotencyHeader = "Idempotency-Key"

// Handler provides the checkout endpoint.
type Handler struct {
	service *Service
}

// NewHandler creates a checkout handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up checkout routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/checkout", h.Create)
}

// Create handles POST /v1/checkout
func (h *Handler) Create(c *gin.Context) {
	var req Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if errs := validation.Struct(req); errs != nil {
		validation.Abort(c, errs)
		return
	}

	key := validation.SanitizeString(c.GetHeader(IdempotencyHeader), 128)
	session, err := h.service.Start(c.Request.Context(), req, key)
	if err != nil {
		if errors.Is(err, ErrProcessorFailed) {
			logging.L(c.Request.Context()).Warn("checkout processor call failed", "error", err)
			c.JSON(http.StatusBadGateway, gin.H{
				"error":   "processor_error",
				"message": "Payment processor is unavailable",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to start checkout",
		})
		return
	}

	c.JSON(http.StatusCreated, session)
}

package api

import (
	"errors"
	"net/http"

	"gallery-checkout/internal/models"
	"gallery-checkout/internal/payment"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrUnsupportedProvider):
		return http.StatusBadRequest
	case errors.Is(err, payment.ErrInvalidSignature):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeError maps a service error to its HTTP response
func (h *Handler) writeError(c *gin.Context, err error) {
	status := statusFor(err)

	var verr *models.ValidationError
	switch {
	case errors.As(err, &verr):
		c.JSON(status, gin.H{
			"error":  "Validation failed",
			"fields": verr.Fields,
		})
		return
	case errors.Is(err, models.ErrNotFound):
		c.JSON(status, gin.H{"error": "Not found"})
		return
	case errors.Is(err, models.ErrUnsupportedProvider):
		c.JSON(status, gin.H{"error": "Provider not supported"})
		return
	case errors.Is(err, models.ErrProvider):
		h.logger.Error("Payment provider error",
			zap.String("path", c.FullPath()),
			zap.Error(err))
		c.JSON(status, gin.H{
			"error":   "Payment provider error",
			"details": err.Error(),
		})
		return
	}

	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err))
		c.JSON(status, gin.H{"error": "Internal server error"})
		return
	}

	c.JSON(status, gin.H{
		"error":   http.StatusText(status),
		"details": err.Error(),
	})
}

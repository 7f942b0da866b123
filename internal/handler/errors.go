package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"dispatch-engine-go/internal/apperror"
)

// respondError maps service errors onto HTTP responses
func (h *Handlers) respondError(c *gin.Context, err error) {
	var (
		validation *apperror.ValidationError
		notFound   *apperror.NotFoundError
		conflict   *apperror.ConflictError
	)

	switch {
	case errors.As(err, &validation):
		c.JSON(http.StatusUnprocessableEntity, ErrorResponse{
			Error:   "validation_error",
			Message: "Validation failed",
			Code:    http.StatusUnprocessableEntity,
			Errors:  validation.Errors,
		})
	case errors.As(err, &notFound):
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "not_found",
			Message: err.Error(),
			Code:    http.StatusNotFound,
		})
	case errors.As(err, &conflict):
		c.JSON(http.StatusConflict, ErrorResponse{
			Error:   "conflict",
			Message: conflict.Message,
			Code:    http.StatusConflict,
		})
	default:
		logrus.WithFields(logrus.Fields{
			"method": c.Request.Method,
			"path":   c.FullPath(),
		}).Errorf("Request failed: %v", err)

		message := err.Error()
		if h.hideErrors {
			message = "Internal server error"
		}
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "internal_error",
			Message: message,
			Code:    http.StatusInternalServerError,
		})
	}
}

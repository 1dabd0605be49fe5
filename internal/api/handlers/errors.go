package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/samblam/edgemesh/internal/api/middleware"
	"github.com/samblam/edgemesh/internal/services"
)

// statusFor maps service sentinels to HTTP statuses. Anything unknown is a
// 500 and its detail stays in the log.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, services.ErrInvalidEnrollmentToken):
		return http.StatusUnauthorized, "invalid enrollment token"
	case errors.Is(err, services.ErrDuplicateIdentity):
		return http.StatusConflict, "device already enrolled"
	case errors.Is(err, services.ErrUserExists):
		return http.StatusConflict, "user already exists"
	case errors.Is(err, services.ErrDeviceNotFound):
		return http.StatusNotFound, "device not found"
	case errors.Is(err, services.ErrUserNotFound):
		return http.StatusNotFound, "user not found"
	case errors.Is(err, services.ErrConnectionNotFound):
		return http.StatusNotFound, "connection not found"
	case errors.Is(err, services.ErrDeviceNotActive):
		return http.StatusForbidden, "device not active"
	case errors.Is(err, services.ErrDeviceRevoked):
		return http.StatusForbidden, "device revoked"
	case errors.Is(err, services.ErrInvalidEnrollment),
		errors.Is(err, services.ErrInvalidReport),
		errors.Is(err, services.ErrInvalidRequest),
		errors.Is(err, services.ErrInvalidUser):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, services.ErrIdentityIssuanceFailed):
		return http.StatusInternalServerError, "identity issuance failed"
	}
	return http.StatusInternalServerError, "internal server error"
}

func respondError(c *gin.Context, err error) {
	status, msg := statusFor(err)
	if status >= http.StatusInternalServerError {
		middleware.GetRequestLogger(c).WithError(err).Error("request failed")
	}
	c.JSON(status, gin.H{"error": msg})
}

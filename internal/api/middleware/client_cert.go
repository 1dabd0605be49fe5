package middleware

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"

	"github.com/gin-gonic/gin"

	"github.com/samblam/edgemesh/internal/services"
)

// ClientCertHeader carries the URL-escaped PEM certificate forwarded by the
// TLS-terminating proxy in front of the device API.
const ClientCertHeader = "X-Client-Cert"

const maxDeviceBody = 1 << 20

// RequireDeviceCert checks that the forwarded client certificate was issued
// by the CA to the device_id named in the JSON body. When enabled is false
// the middleware only bounds the body size.
func RequireDeviceCert(enrollment *services.EnrollmentService, enabled bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxDeviceBody))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))
		if !enabled {
			c.Next()
			return
		}

		raw := c.GetHeader(ClientCertHeader)
		if raw == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "client certificate required"})
			return
		}
		certPEM, err := url.QueryUnescape(raw)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "malformed client certificate"})
			return
		}

		var probe struct {
			DeviceID string `json:"device_id"`
		}
		_ = json.Unmarshal(body, &probe)
		deviceID := probe.DeviceID
		if deviceID == "" {
			deviceID = c.Param("device_id")
		}
		if deviceID == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "device_id is required"})
			return
		}

		if err := enrollment.VerifyDeviceCertificate(c.Request.Context(), deviceID, []byte(certPEM)); err != nil {
			status := http.StatusUnauthorized
			if errors.Is(err, services.ErrDeviceNotFound) {
				status = http.StatusForbidden
			}
			GetRequestLogger(c).WithError(err).Warn("client certificate rejected")
			c.AbortWithStatusJSON(status, gin.H{"error": "client certificate rejected"})
			return
		}
		c.Next()
	}
}

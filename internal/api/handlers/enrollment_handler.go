package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/samblam/edgemesh/internal/api/middleware"
	"github.com/samblam/edgemesh/internal/models"
	"github.com/samblam/edgemesh/internal/services"
)

// EnrollmentHandler serves device enrollment, CA distribution and device
// administration.
type EnrollmentHandler struct {
	svc   *services.EnrollmentService
	clock func() time.Time
}

func NewEnrollmentHandler(svc *services.EnrollmentService) *EnrollmentHandler {
	return &EnrollmentHandler{svc: svc, clock: time.Now}
}

type enrollRequest struct {
	DeviceID        string `json:"device_id" binding:"required"`
	DeviceType      string `json:"device_type" binding:"required"`
	OS              string `json:"os"`
	OSVersion       string `json:"os_version"`
	EnrollmentToken string `json:"enrollment_token"`
}

// Enroll issues a device certificate. The private key is returned once and
// never stored.
func (h *EnrollmentHandler) Enroll(c *gin.Context) {
	var req enrollRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	token := req.EnrollmentToken
	if token == "" {
		token = c.GetHeader("X-Enrollment-Token")
	}

	res, err := h.svc.Enroll(c.Request.Context(), services.EnrollmentRequest{
		DeviceID:   req.DeviceID,
		DeviceType: req.DeviceType,
		OS:         req.OS,
		OSVersion:  req.OSVersion,
		Token:      token,
	}, h.clock())
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"device_id":      res.Device.DeviceID,
		"certificate":    string(res.Issued.CertificatePEM),
		"private_key":    string(res.Issued.PrivateKeyPEM),
		"ca_certificate": string(res.Issued.CACertificatePEM),
		"serial":         res.Issued.Serial,
		"expires_at":     res.Issued.NotAfter,
	})
}

// CACertificate returns the root certificate as PEM.
func (h *EnrollmentHandler) CACertificate(c *gin.Context) {
	c.Data(http.StatusOK, "application/x-pem-file", h.svc.RootCertificatePEM())
}

// ListDevices returns enrolled devices, optionally filtered by ?status=.
func (h *EnrollmentHandler) ListDevices(c *gin.Context) {
	devices, err := h.svc.ListDevices(c.Request.Context(), models.DeviceStatus(c.Query("status")))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, devices)
}

// GetDevice returns one device.
func (h *EnrollmentHandler) GetDevice(c *gin.Context) {
	d, err := h.svc.GetDevice(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

type revokeRequest struct {
	Reason string `json:"reason"`
}

// RevokeDevice revokes a device and closes its sessions.
func (h *EnrollmentHandler) RevokeDevice(c *gin.Context) {
	var req revokeRequest
	// An empty body is fine.
	_ = c.ShouldBindJSON(&req)

	d, err := h.svc.Revoke(c.Request.Context(), c.Param("id"), req.Reason, h.clock())
	if err != nil {
		respondError(c, err)
		return
	}
	middleware.GetRequestLogger(c).WithFields(map[string]interface{}{
		"device_id":  d.DeviceID,
		"admin_user": c.GetString(middleware.UserIDKey),
	}).Info("device revoked via admin API")
	c.JSON(http.StatusOK, d)
}

package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/samblam/edgemesh/internal/services"
)

// HealthReportHandler ingests device posture reports.
type HealthReportHandler struct {
	svc   *services.HealthService
	clock func() time.Time
}

func NewHealthReportHandler(svc *services.HealthService) *HealthReportHandler {
	return &HealthReportHandler{svc: svc, clock: time.Now}
}

type healthReportRequest struct {
	DeviceID   string                 `json:"device_id" binding:"required"`
	Metrics    services.HealthMetrics `json:"metrics"`
	ReportedAt *time.Time             `json:"reported_at"`
}

// Report stores a report and answers with the compliance verdict.
func (h *HealthReportHandler) Report(c *gin.Context) {
	var req healthReportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var reportedAt time.Time
	if req.ReportedAt != nil {
		reportedAt = *req.ReportedAt
	}

	st, err := h.svc.Report(c.Request.Context(), req.DeviceID, req.Metrics, reportedAt, h.clock())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// History returns a device's recent reports (admin).
func (h *HealthReportHandler) History(c *gin.Context) {
	reports, err := h.svc.History(c.Request.Context(), c.Param("id"), queryInt(c, "limit"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, reports)
}

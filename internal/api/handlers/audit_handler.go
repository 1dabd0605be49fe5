package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/samblam/edgemesh/internal/models"
	"github.com/samblam/edgemesh/internal/services"
)

// AuditHandler is the read-only audit surface.
type AuditHandler struct {
	svc *services.AuditService
}

func NewAuditHandler(svc *services.AuditService) *AuditHandler {
	return &AuditHandler{svc: svc}
}

func queryInt(c *gin.Context, key string) int {
	n, err := strconv.Atoi(c.Query(key))
	if err != nil {
		return 0
	}
	return n
}

func queryTime(c *gin.Context, key string) (*time.Time, bool) {
	raw := c.Query(key)
	if raw == "" {
		return nil, true
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, false
	}
	return &t, true
}

// List returns records filtered by device_id, user_id, decision,
// event_type, since, until (RFC 3339) and limit.
func (h *AuditHandler) List(c *gin.Context) {
	f := services.AuditFilter{
		DeviceID:  c.Query("device_id"),
		UserID:    c.Query("user_id"),
		EventType: c.Query("event_type"),
		Decision:  models.Decision(c.Query("decision")),
		Limit:     queryInt(c, "limit"),
	}
	if f.Decision != "" && f.Decision != models.DecisionAllow && f.Decision != models.DecisionDeny {
		c.JSON(http.StatusBadRequest, gin.H{"error": "decision must be allow or deny"})
		return
	}
	var ok bool
	if f.Since, ok = queryTime(c, "since"); !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "since must be RFC 3339"})
		return
	}
	if f.Until, ok = queryTime(c, "until"); !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "until must be RFC 3339"})
		return
	}

	records, err := h.svc.Query(c.Request.Context(), f)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": records, "count": len(records)})
}

// Verify re-checks the hash chain. A broken chain answers 409.
func (h *AuditHandler) Verify(c *gin.Context) {
	report, err := h.svc.VerifyChain(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	status := http.StatusOK
	if !report.Valid {
		status = http.StatusConflict
	}
	c.JSON(status, report)
}

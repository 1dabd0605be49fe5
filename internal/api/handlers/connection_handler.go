package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/samblam/edgemesh/internal/models"
	"github.com/samblam/edgemesh/internal/services"
)

// ConnectionHandler exposes the authorization pipeline and session control.
type ConnectionHandler struct {
	svc   *services.ConnectionService
	clock func() time.Time
}

func NewConnectionHandler(svc *services.ConnectionService) *ConnectionHandler {
	return &ConnectionHandler{svc: svc, clock: time.Now}
}

type connectionRequest struct {
	DeviceID    string `json:"device_id" binding:"required"`
	UserID      string `json:"user_id" binding:"required"`
	ServiceName string `json:"service_name" binding:"required"`
}

// Request answers 200 with a connection id on allow and 403 with the
// reason on deny.
func (h *ConnectionHandler) Request(c *gin.Context) {
	var req connectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := h.svc.RequestConnection(c.Request.Context(), req.DeviceID, req.UserID, req.ServiceName, h.clock())
	if err != nil {
		status, msg := statusFor(err)
		if status >= http.StatusInternalServerError {
			respondError(c, err)
			return
		}
		resp := gin.H{"allowed": false, "error": msg}
		if reason := services.LookupDenyReason(err); reason != "" {
			resp["reason"] = reason
		}
		c.JSON(status, resp)
		return
	}
	if !res.Allowed {
		c.JSON(http.StatusForbidden, res)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Terminate closes a connection. Repeating it is harmless.
func (h *ConnectionHandler) Terminate(c *gin.Context) {
	conn, err := h.svc.TerminateConnection(c.Request.Context(), c.Param("id"), h.clock())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, conn)
}

// Get returns one connection.
func (h *ConnectionHandler) Get(c *gin.Context) {
	conn, err := h.svc.GetConnection(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, conn)
}

// List returns connections filtered by device_id, user_id and status.
func (h *ConnectionHandler) List(c *gin.Context) {
	conns, err := h.svc.ListConnections(c.Request.Context(), services.ConnectionFilter{
		DeviceID: c.Query("device_id"),
		UserID:   c.Query("user_id"),
		Status:   models.ConnectionStatus(c.Query("status")),
		Limit:    queryInt(c, "limit"),
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, conns)
}

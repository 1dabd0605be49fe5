package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/samblam/edgemesh/internal/api/handlers"
	"github.com/samblam/edgemesh/internal/api/middleware"
	"github.com/samblam/edgemesh/internal/config"
	"github.com/samblam/edgemesh/internal/models"
	"github.com/samblam/edgemesh/internal/services"
)

// Services bundles everything the HTTP surface calls into.
type Services struct {
	Audit       *services.AuditService
	Connections *services.ConnectionService
	Enrollment  *services.EnrollmentService
	Health      *services.HealthService
	Users       *services.UserService
	Auth        *services.AuthService
	// Gatherer backs /metrics; nil means the default registry.
	Gatherer prometheus.Gatherer
}

// Register wires the device, admin and ops routes.
func Register(router *gin.Engine, svc Services, cfg config.Config) {
	gatherer := svc.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	api := router.Group("/api/v1")
	api.GET("/healthz", handlers.HealthHandler)

	enrollment := handlers.NewEnrollmentHandler(svc.Enrollment)
	health := handlers.NewHealthReportHandler(svc.Health)
	connections := handlers.NewConnectionHandler(svc.Connections)
	audit := handlers.NewAuditHandler(svc.Audit)
	users := handlers.NewUserHandler(svc.Users)

	// Device-facing surface.
	deviceCert := middleware.RequireDeviceCert(svc.Enrollment, cfg.Security.RequireClientCert)
	api.POST("/enroll", enrollment.Enroll)
	api.GET("/ca", enrollment.CACertificate)
	api.POST("/health", deviceCert, health.Report)
	api.POST("/connections/request", deviceCert, connections.Request)
	api.POST("/connections/:id/terminate", connections.Terminate)
	api.GET("/connections/:id", connections.Get)

	admin := api.Group("/admin", middleware.AdminAuth(svc.Auth))
	read := middleware.RequireRole(models.RoleAdmin, models.RoleAnalyst)
	write := middleware.RequireRole(models.RoleAdmin)

	admin.GET("/audit", read, audit.List)
	admin.GET("/audit/verify", read, audit.Verify)

	admin.GET("/devices", read, enrollment.ListDevices)
	admin.GET("/devices/:id", read, enrollment.GetDevice)
	admin.GET("/devices/:id/health", read, health.History)
	admin.POST("/devices/:id/revoke", write, enrollment.RevokeDevice)

	admin.GET("/connections", read, connections.List)

	admin.GET("/users", read, users.List)
	admin.GET("/users/:id", read, users.Get)
	admin.POST("/users", write, users.Create)
	admin.PUT("/users/:id/status", write, users.SetStatus)

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
	})
}

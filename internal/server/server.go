package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/samblam/edgemesh/internal/api/middleware"
	"github.com/samblam/edgemesh/internal/api/routes"
	"github.com/samblam/edgemesh/internal/config"
	"github.com/samblam/edgemesh/internal/logger"
)

const shutdownTimeout = 10 * time.Second

// Server wraps the HTTP engine and shared dependencies for easier testing.
type Server struct {
	Engine *gin.Engine
	cfg    config.Config
}

// New builds the gin engine with the middleware chain and all routes.
func New(svc routes.Services, cfg config.Config) *Server {
	gin.SetMode(gin.ReleaseMode)
	if cfg.Environment == "development" {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()
	router.Use(
		middleware.RequestID(),
		middleware.Recovery(cfg.Debug),
		middleware.RequestLogger(),
		middleware.SecurityHeaders(cfg.Environment == "development"),
	)
	routes.Register(router, svc, cfg)

	return &Server{Engine: router, cfg: cfg}
}

// Run serves until ctx is cancelled, then drains in-flight requests so no
// authorization is cut between its decision and its audit write.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", s.cfg.HTTPPort),
		Handler:           s.Engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Log().WithField("addr", srv.Addr).Info("http server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

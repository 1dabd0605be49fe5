package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/natefinch/lumberjack.v2"
	"gorm.io/gorm"

	"github.com/samblam/edgemesh/internal/api/routes"
	"github.com/samblam/edgemesh/internal/ca"
	"github.com/samblam/edgemesh/internal/compliance"
	"github.com/samblam/edgemesh/internal/config"
	"github.com/samblam/edgemesh/internal/database"
	"github.com/samblam/edgemesh/internal/logger"
	"github.com/samblam/edgemesh/internal/policy"
	"github.com/samblam/edgemesh/internal/services"
)

// setupLogging sends logs to stdout and a rotated file under cfg.LogDir.
func setupLogging(cfg config.Config) {
	out := io.Writer(os.Stdout)
	if cfg.LogDir != "" {
		if err := os.MkdirAll(cfg.LogDir, 0o755); err == nil {
			rotator := &lumberjack.Logger{
				Filename:   filepath.Join(cfg.LogDir, "edgemesh.log"),
				MaxSize:    10, // megabytes
				MaxBackups: 3,
				MaxAge:     28, // days
				Compress:   true,
			}
			out = io.MultiWriter(os.Stdout, rotator)
		}
	}
	logger.Init(cfg.Debug, out)
	if err := logger.SetLevel(cfg.LogLevel); err != nil {
		logger.Log().WithError(err).Warn("unknown log level, keeping default")
	}
}

func openDB(cfg config.Config) (*gorm.DB, error) {
	db, err := database.Connect(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := database.Migrate(db); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return db, nil
}

// newEngine picks the policy backend. The returned closer is never nil.
func newEngine(ctx context.Context, cfg config.PolicyConfig) (policy.Engine, func() error, error) {
	switch cfg.Engine {
	case config.PolicyEngineRego:
		engine, err := policy.NewRegoEngine(ctx, cfg.RegoFile, cfg.Query)
		if err != nil {
			return nil, nil, fmt.Errorf("load rego policy: %w", err)
		}
		if err := engine.Watch(); err != nil {
			logger.ForComponent("policy").WithError(err).Warn("policy hot reload disabled")
		}
		return engine, engine.Close, nil
	default:
		engine := policy.NewHTTPEngine(cfg.OPAURL, cfg.Path, nil)
		logger.ForComponent("policy").WithField("endpoint", engine.Endpoint()).Info("using remote policy engine")
		return engine, func() error { return nil }, nil
	}
}

// app is the fully wired control plane.
type app struct {
	services routes.Services
	stats    *services.StatsService
	notifier *services.NotificationService
	closers  []func() error
}

func (a *app) Close() {
	a.stats.Stop()
	a.notifier.Wait()
	for _, c := range a.closers {
		if err := c(); err != nil {
			logger.Log().WithError(err).Warn("shutdown step failed")
		}
	}
}

func buildApp(ctx context.Context, cfg config.Config, db *gorm.DB, gatherer prometheus.Gatherer) (*app, error) {
	authority, err := ca.New(ca.Options{
		Organization: cfg.CA.Organization,
		CertValidity: cfg.CA.CertValidity,
		CAValidity:   cfg.CA.CAValidity,
		KeyBits:      cfg.CA.KeyBits,
		CertPath:     cfg.CA.CertPath,
		KeyPath:      cfg.CA.KeyPath,
	})
	if err != nil {
		return nil, fmt.Errorf("initialize certificate authority: %w", err)
	}

	engine, closeEngine, err := newEngine(ctx, cfg.Policy)
	if err != nil {
		return nil, err
	}

	thresholds := compliance.DefaultThresholds()
	thresholds.MaxCPU = cfg.Health.MaxCPU
	thresholds.MaxMemory = cfg.Health.MaxMemory
	evaluator := compliance.NewEvaluator(thresholds)

	notifier := services.NewNotificationService(cfg.Notify.URLs)
	audit := services.NewAuditService(db)
	users := services.NewUserService(db)
	enrollment, err := services.NewEnrollmentService(db, audit, authority, notifier, cfg.Security.EnrollmentToken)
	if err != nil {
		_ = closeEngine()
		return nil, err
	}
	stats, err := services.NewStatsService(db, cfg.Scheduling.StatsRefresh)
	if err != nil {
		_ = closeEngine()
		return nil, err
	}

	return &app{
		services: routes.Services{
			Audit:       audit,
			Connections: services.NewConnectionService(db, audit, evaluator, policy.NewGateway(engine, cfg.Policy.Timeout), cfg.Health.MaxAge),
			Enrollment:  enrollment,
			Health:      services.NewHealthService(db, evaluator, notifier),
			Users:       users,
			Auth:        services.NewAuthService(users, cfg.Security.JWTSecret),
			Gatherer:    gatherer,
		},
		stats:    stats,
		notifier: notifier,
		closers:  []func() error{closeEngine},
	}, nil
}

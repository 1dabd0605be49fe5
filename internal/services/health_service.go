package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"gorm.io/gorm"

	"github.com/samblam/edgemesh/internal/compliance"
	"github.com/samblam/edgemesh/internal/logger"
	"github.com/samblam/edgemesh/internal/metrics"
	"github.com/samblam/edgemesh/internal/models"
	"github.com/samblam/edgemesh/internal/util"
)

// maxClockSkew is how far into the future a device may date a report.
const maxClockSkew = time.Minute

var (
	ErrDeviceRevoked = errors.New("device revoked")
	ErrInvalidReport = errors.New("invalid health report")
)

// HealthMetrics is the posture sample submitted by a device.
type HealthMetrics struct {
	CPUUsage         float64 `json:"cpu_usage"`
	MemoryUsage      float64 `json:"memory_usage"`
	DiskUsage        float64 `json:"disk_usage"`
	OSPatchesCurrent bool    `json:"os_patches_current"`
	AntivirusEnabled bool    `json:"antivirus_enabled"`
	DiskEncrypted    bool    `json:"disk_encrypted"`
}

// HealthStatus is returned to the reporting device.
type HealthStatus struct {
	DeviceID     string              `json:"device_id"`
	Status       string              `json:"status"`
	DeviceStatus models.DeviceStatus `json:"device_status"`
	Failures     []string            `json:"failures,omitempty"`
	ReportedAt   time.Time           `json:"reported_at"`
}

// HealthService ingests posture reports and keeps device status in step
// with the latest one.
type HealthService struct {
	db        *gorm.DB
	evaluator *compliance.Evaluator
	notifier  *NotificationService
}

// NewHealthService returns a HealthService.
func NewHealthService(db *gorm.DB, evaluator *compliance.Evaluator, notifier *NotificationService) *HealthService {
	return &HealthService{db: db, evaluator: evaluator, notifier: notifier}
}

func validateMetrics(m HealthMetrics) error {
	for name, v := range map[string]float64{
		"cpu_usage":    m.CPUUsage,
		"memory_usage": m.MemoryUsage,
		"disk_usage":   m.DiskUsage,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 || v > 100 {
			return fmt.Errorf("%w: %s must be within 0-100", ErrInvalidReport, name)
		}
	}
	return nil
}

// Report stores a health sample for deviceID. reportedAt defaults to now.
// Device status flips between active and unhealthy only when the sample is
// the newest on record; revoked devices are never reactivated.
func (s *HealthService) Report(ctx context.Context, deviceID string, m HealthMetrics, reportedAt, now time.Time) (*HealthStatus, error) {
	if err := validateMetrics(m); err != nil {
		return nil, err
	}
	if reportedAt.IsZero() {
		reportedAt = now
	}
	if reportedAt.Sub(now) > maxClockSkew {
		return nil, fmt.Errorf("%w: reported_at is in the future", ErrInvalidReport)
	}

	report := &models.HealthReport{
		DeviceID:         deviceID,
		CPUUsage:         m.CPUUsage,
		MemoryUsage:      m.MemoryUsage,
		DiskUsage:        m.DiskUsage,
		OSPatchesCurrent: m.OSPatchesCurrent,
		AntivirusEnabled: m.AntivirusEnabled,
		DiskEncrypted:    m.DiskEncrypted,
		ReportedAt:       reportedAt.UTC(),
	}
	failures := s.evaluator.Evaluate(report, now, 0).Failures
	report.Compliant = len(failures) == 0

	var (
		device     models.Device
		transition bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("device_id = ?", deviceID).First(&device).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrDeviceNotFound
			}
			return err
		}
		if device.Status == models.DeviceStatusRevoked {
			return ErrDeviceRevoked
		}
		if err := tx.Create(report).Error; err != nil {
			return fmt.Errorf("insert health report: %w", err)
		}

		var newer int64
		if err := tx.Model(&models.HealthReport{}).
			Where("device_id = ? AND reported_at > ?", deviceID, report.ReportedAt).
			Count(&newer).Error; err != nil {
			return err
		}

		updates := map[string]interface{}{"last_seen": now}
		if newer == 0 {
			next := models.DeviceStatusActive
			if !report.Compliant {
				next = models.DeviceStatusUnhealthy
			}
			if next != device.Status {
				updates["status"] = next
				transition = next == models.DeviceStatusUnhealthy
				device.Status = next
			}
		}
		return tx.Model(&device).Updates(updates).Error
	})
	if err != nil {
		return nil, err
	}

	status := "healthy"
	if !report.Compliant {
		status = "unhealthy"
	}
	metrics.IncHealthCheck(status)

	log := logger.ForComponent("health").WithFields(map[string]interface{}{
		"device_id": util.SanitizeForLog(deviceID),
		"status":    status,
	})
	if transition {
		log.WithField("failures", failures).Warn("device marked unhealthy")
		s.notifier.Notify("Device unhealthy", fmt.Sprintf("Device %s failed compliance: %v", deviceID, failures))
	} else {
		log.Debug("health report stored")
	}

	return &HealthStatus{
		DeviceID:     deviceID,
		Status:       status,
		DeviceStatus: device.Status,
		Failures:     failures,
		ReportedAt:   report.ReportedAt,
	}, nil
}

// LatestReport returns the newest report for deviceID, or nil if none.
func (s *HealthService) LatestReport(ctx context.Context, deviceID string) (*models.HealthReport, error) {
	var r models.HealthReport
	err := s.db.WithContext(ctx).Where("device_id = ?", deviceID).Order("reported_at desc, id desc").Take(&r).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// History returns up to limit reports for deviceID, newest first.
func (s *HealthService) History(ctx context.Context, deviceID string, limit int) ([]models.HealthReport, error) {
	if limit <= 0 || limit > maxAuditLimit {
		limit = defaultAuditLimit
	}
	var reports []models.HealthReport
	err := s.db.WithContext(ctx).
		Where("device_id = ?", deviceID).
		Order("reported_at desc, id desc").
		Limit(limit).
		Find(&reports).Error
	return reports, err
}

package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/samblam/edgemesh/internal/ca"
	"github.com/samblam/edgemesh/internal/logger"
	"github.com/samblam/edgemesh/internal/metrics"
	"github.com/samblam/edgemesh/internal/models"
	"github.com/samblam/edgemesh/internal/util"
)

var (
	ErrInvalidEnrollmentToken = errors.New("invalid enrollment token")
	ErrDuplicateIdentity      = errors.New("device already enrolled")
	ErrIdentityIssuanceFailed = errors.New("identity issuance failed")
	ErrInvalidEnrollment      = errors.New("invalid enrollment request")
)

// EnrollmentRequest is what a device presents to join the mesh.
type EnrollmentRequest struct {
	DeviceID   string
	DeviceType string
	OS         string
	OSVersion  string
	Token      string
}

// EnrollmentResult carries the stored device and the one-time key material.
type EnrollmentResult struct {
	Device *models.Device
	Issued *ca.Issued
}

// EnrollmentService admits devices, binds them to CA-issued certificates and
// revokes them.
type EnrollmentService struct {
	db        *gorm.DB
	audit     *AuditService
	authority *ca.Authority
	notifier  *NotificationService
	tokenHash []byte
}

// NewEnrollmentService hashes the shared enrollment token once. An empty
// token disables enrollment.
func NewEnrollmentService(db *gorm.DB, audit *AuditService, authority *ca.Authority, notifier *NotificationService, token string) (*EnrollmentService, error) {
	s := &EnrollmentService{db: db, audit: audit, authority: authority, notifier: notifier}
	if token != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("hash enrollment token: %w", err)
		}
		s.tokenHash = hash
	}
	return s, nil
}

func (s *EnrollmentService) checkToken(token string) bool {
	if len(s.tokenHash) == 0 || token == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword(s.tokenHash, []byte(token)) == nil
}

// Enroll issues a certificate for req.DeviceID and records the binding. A
// device that holds a non-revoked certificate cannot enroll again; a revoked
// device may, and receives a new serial.
func (s *EnrollmentService) Enroll(ctx context.Context, req EnrollmentRequest, now time.Time) (*EnrollmentResult, error) {
	if !s.checkToken(req.Token) {
		return nil, ErrInvalidEnrollmentToken
	}
	req.DeviceID = strings.TrimSpace(req.DeviceID)
	req.DeviceType = strings.TrimSpace(req.DeviceType)
	if req.DeviceID == "" || req.DeviceType == "" {
		return nil, fmt.Errorf("%w: device_id and device_type are required", ErrInvalidEnrollment)
	}

	log := logger.ForComponent("enrollment").WithField("device_id", util.SanitizeForLog(req.DeviceID))

	// Fail fast before paying for key generation; the authoritative check
	// runs again inside the transaction.
	if existing, err := s.findDevice(s.db.WithContext(ctx), req.DeviceID); err != nil {
		return nil, err
	} else if existing != nil && existing.Status != models.DeviceStatusRevoked {
		return nil, ErrDuplicateIdentity
	}

	issued, err := s.authority.Issue(req.DeviceID, req.DeviceType)
	if err != nil {
		if errors.Is(err, ca.ErrInvalidDeviceID) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidEnrollment, err)
		}
		log.WithError(err).Error("certificate issuance failed")
		return nil, fmt.Errorf("%w: %v", ErrIdentityIssuanceFailed, err)
	}

	device := &models.Device{
		DeviceID:          req.DeviceID,
		DeviceType:        req.DeviceType,
		OS:                req.OS,
		OSVersion:         req.OSVersion,
		CertificateSerial: issued.Serial,
		CertificatePEM:    string(issued.CertificatePEM),
		Status:            models.DeviceStatusActive,
		EnrolledAt:        now,
	}
	rec := &models.AuditRecord{
		EventType: models.EventDeviceEnrolled,
		DeviceID:  req.DeviceID,
		Reason:    "enrolled",
		Timestamp: now,
	}
	rec.PolicyContext = jsonString(map[string]interface{}{
		"device_type":        req.DeviceType,
		"certificate_serial": issued.Serial,
		"not_after":          issued.NotAfter,
	})

	err = s.audit.Commit(ctx, rec, func(tx *gorm.DB) error {
		existing, err := s.findDevice(tx, req.DeviceID)
		if err != nil {
			return err
		}
		if existing == nil {
			return tx.Create(device).Error
		}
		if existing.Status != models.DeviceStatusRevoked {
			return ErrDuplicateIdentity
		}
		rec.Reason = "re-enrolled"
		device.ID = existing.ID
		return tx.Model(existing).Updates(map[string]interface{}{
			"device_type":        device.DeviceType,
			"os":                 device.OS,
			"os_version":         device.OSVersion,
			"certificate_serial": device.CertificateSerial,
			"certificate_pem":    device.CertificatePEM,
			"status":             models.DeviceStatusActive,
			"enrolled_at":        now,
			"revoked_at":         nil,
		}).Error
	})
	if errors.Is(err, ErrDuplicateIdentity) {
		return nil, ErrDuplicateIdentity
	}
	if err != nil {
		log.WithError(err).Error("failed to persist enrollment")
		return nil, fmt.Errorf("persist enrollment: %w", err)
	}

	metrics.IncEnrollment()
	log.WithField("serial", issued.Serial).Info("device enrolled")

	return &EnrollmentResult{Device: device, Issued: issued}, nil
}

// Revoke marks a device revoked and terminates its established connections
// in the same transaction. Revoking a revoked device is a no-op.
func (s *EnrollmentService) Revoke(ctx context.Context, deviceID, reason string, now time.Time) (*models.Device, error) {
	device, err := s.GetDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if device.Status == models.DeviceStatusRevoked {
		return device, nil
	}
	if reason == "" {
		reason = "revoked by administrator"
	}

	rec := &models.AuditRecord{
		EventType: models.EventDeviceRevoked,
		DeviceID:  deviceID,
		Reason:    reason,
		Timestamp: now,
	}
	var closed []models.Connection
	err = s.audit.Commit(ctx, rec, func(tx *gorm.DB) error {
		res := tx.Model(&models.Device{}).
			Where("device_id = ? AND status <> ?", deviceID, models.DeviceStatusRevoked).
			Updates(map[string]interface{}{
				"status":     models.DeviceStatusRevoked,
				"revoked_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errAlreadyRevoked
		}
		var err error
		closed, err = terminateForDeviceTx(tx, deviceID, now)
		if err != nil {
			return err
		}
		ids := make([]string, 0, len(closed))
		for _, c := range closed {
			ids = append(ids, c.ConnectionID)
		}
		rec.PolicyContext = jsonString(map[string]interface{}{
			"certificate_serial":     device.CertificateSerial,
			"terminated_connections": ids,
		})
		return nil
	})
	if err != nil && !errors.Is(err, errAlreadyRevoked) {
		return nil, fmt.Errorf("%w: %v", ErrAuditWriteFailed, err)
	}

	if err == nil {
		for _, c := range closed {
			metrics.DecConnectionActive(c.ServiceName)
		}
		logger.ForComponent("enrollment").WithFields(map[string]interface{}{
			"device_id":  util.SanitizeForLog(deviceID),
			"terminated": len(closed),
			"reason":     util.LogField(reason),
		}).Warn("device revoked")
		s.notifier.Notify("Device revoked", fmt.Sprintf("Device %s was revoked: %s", deviceID, reason))
	}
	return s.GetDevice(ctx, deviceID)
}

var errAlreadyRevoked = errors.New("device already revoked")

// GetDevice returns the device with the given id.
func (s *EnrollmentService) GetDevice(ctx context.Context, deviceID string) (*models.Device, error) {
	d, err := s.findDevice(s.db.WithContext(ctx), deviceID)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, ErrDeviceNotFound
	}
	return d, nil
}

// ListDevices returns devices, optionally filtered by status.
func (s *EnrollmentService) ListDevices(ctx context.Context, status models.DeviceStatus) ([]models.Device, error) {
	q := s.db.WithContext(ctx).Order("enrolled_at desc")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var devices []models.Device
	if err := q.Find(&devices).Error; err != nil {
		return nil, err
	}
	return devices, nil
}

// RootCertificatePEM exposes the CA certificate for distribution.
func (s *EnrollmentService) RootCertificatePEM() []byte {
	return s.authority.RootCertificatePEM()
}

// VerifyDeviceCertificate checks that certPEM chains to the CA and belongs
// to deviceID's current enrollment.
func (s *EnrollmentService) VerifyDeviceCertificate(ctx context.Context, deviceID string, certPEM []byte) error {
	cert, err := s.authority.Verify(certPEM)
	if err != nil {
		return err
	}
	if cert.Subject.CommonName != deviceID {
		return fmt.Errorf("%w: certificate subject does not match device", ca.ErrUntrustedCertificate)
	}
	device, err := s.GetDevice(ctx, deviceID)
	if err != nil {
		return err
	}
	if device.CertificateSerial != cert.SerialNumber.Text(16) {
		return fmt.Errorf("%w: certificate superseded", ca.ErrUntrustedCertificate)
	}
	return nil
}

func (s *EnrollmentService) findDevice(db *gorm.DB, deviceID string) (*models.Device, error) {
	var d models.Device
	err := db.Where("device_id = ?", deviceID).First(&d).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load device: %w", err)
	}
	return &d, nil
}

func jsonString(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}

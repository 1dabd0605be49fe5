package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/samblam/edgemesh/internal/compliance"
	"github.com/samblam/edgemesh/internal/logger"
	"github.com/samblam/edgemesh/internal/metrics"
	"github.com/samblam/edgemesh/internal/models"
	"github.com/samblam/edgemesh/internal/policy"
	"github.com/samblam/edgemesh/internal/util"
)

// Lookup failure reasons, recorded on the deny audit entry.
const (
	ReasonDeviceNotFound  = "DeviceNotFound"
	ReasonDeviceNotActive = "DeviceNotActive"
	ReasonUserNotFound    = "UserNotFound"
)

// LookupDenyReason returns the audited deny reason for a lookup failure, or
// "" if err is not one.
func LookupDenyReason(err error) string {
	switch {
	case errors.Is(err, ErrDeviceNotFound):
		return ReasonDeviceNotFound
	case errors.Is(err, ErrDeviceNotActive):
		return ReasonDeviceNotActive
	case errors.Is(err, ErrUserNotFound):
		return ReasonUserNotFound
	}
	return ""
}

var (
	ErrDeviceNotFound     = errors.New("device not found")
	ErrDeviceNotActive    = errors.New("device not active")
	ErrUserNotFound       = errors.New("user not found")
	ErrConnectionNotFound = errors.New("connection not found")
	ErrInvalidRequest     = errors.New("invalid connection request")
)

// errAlreadyTerminated aborts a terminate transaction that lost the race.
var errAlreadyTerminated = errors.New("connection already terminated")

// ConnectionResult is the outcome of one authorization attempt.
type ConnectionResult struct {
	Allowed       bool               `json:"allowed"`
	ConnectionID  string             `json:"connection_id,omitempty"`
	Reason        string             `json:"reason"`
	AuditSequence uint64             `json:"audit_sequence"`
	Connection    *models.Connection `json:"-"`
}

// ConnectionFilter narrows ListConnections. Zero values are ignored.
type ConnectionFilter struct {
	DeviceID string
	UserID   string
	Status   models.ConnectionStatus
	Limit    int
}

// ConnectionService runs the authorization pipeline and owns the connection
// state machine. It keeps no per-request state; all sharing goes through the
// database.
type ConnectionService struct {
	db        *gorm.DB
	audit     *AuditService
	evaluator *compliance.Evaluator
	gateway   *policy.Gateway
	maxAge    time.Duration
}

// NewConnectionService wires the pipeline collaborators.
func NewConnectionService(db *gorm.DB, audit *AuditService, evaluator *compliance.Evaluator, gateway *policy.Gateway, maxAge time.Duration) *ConnectionService {
	return &ConnectionService{
		db:        db,
		audit:     audit,
		evaluator: evaluator,
		gateway:   gateway,
		maxAge:    maxAge,
	}
}

// decisionContext is the JSON snapshot stored with each authorization record.
type decisionContext struct {
	Input       *policy.Input      `json:"input,omitempty"`
	Health      *compliance.Result `json:"health,omitempty"`
	EngineError string             `json:"engine_error,omitempty"`
	Lookup      string             `json:"lookup,omitempty"`
}

func (c decisionContext) String() string {
	return jsonString(c)
}

// RequestConnection decides whether userID on deviceID may reach serviceName.
// Every call that gets past argument validation appends exactly one audit
// record. Lookup failures are audited as denies and then returned as errors;
// health and policy denials are ordinary results. A returned error other
// than a lookup error means nothing was persisted and nothing was granted.
func (s *ConnectionService) RequestConnection(ctx context.Context, deviceID, userID, serviceName string, now time.Time) (*ConnectionResult, error) {
	if deviceID == "" || userID == "" || serviceName == "" {
		return nil, fmt.Errorf("%w: device_id, user_id and service_name are required", ErrInvalidRequest)
	}
	started := time.Now()
	log := logger.ForComponent("connections").WithFields(map[string]interface{}{
		"device_id": util.SanitizeForLog(deviceID),
		"user_id":   util.SanitizeForLog(userID),
		"service":   util.SanitizeForLog(serviceName),
	})

	rec := &models.AuditRecord{
		EventType:   models.EventConnectionRequest,
		DeviceID:    deviceID,
		UserID:      userID,
		ServiceName: serviceName,
		Decision:    models.DecisionDeny,
		Timestamp:   now,
	}

	device, user, lookupErr := s.lookup(ctx, deviceID, userID)
	if lookupErr != nil {
		reason := LookupDenyReason(lookupErr)
		if reason == "" {
			return nil, lookupErr
		}
		rec.Reason = reason
		rec.PolicyContext = decisionContext{Lookup: lookupErr.Error()}.String()
		if err := s.audit.Commit(ctx, rec, nil); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrAuditWriteFailed, err)
		}
		s.observe(serviceName, false, reason, started)
		log.WithField("reason", reason).Info("connection denied")
		return nil, lookupErr
	}

	report, err := s.latestReport(ctx, deviceID)
	if err != nil {
		return nil, err
	}

	verdict := s.evaluator.Check(report, now, s.maxAge)
	input := policy.BuildInput(device, report, verdict.Result.Compliant, user, serviceName, now)
	snapshot := decisionContext{Input: &input}
	if report != nil {
		health := verdict.Result
		snapshot.Health = &health
	}

	var decision policy.Decision
	if verdict.Passed {
		decision = s.gateway.Decide(ctx, input)
		if decision.Err != nil {
			snapshot.EngineError = decision.Err.Error()
			metrics.IncPolicyEngineError(decision.Reason)
		}
	} else {
		decision = policy.Decision{Reason: verdict.Reason}
	}

	rec.Reason = decision.Reason
	rec.PolicyContext = snapshot.String()

	var conn *models.Connection
	if decision.Allowed {
		rec.Decision = models.DecisionAllow
		established := now
		conn = &models.Connection{
			DeviceID:      deviceID,
			UserID:        userID,
			ServiceName:   serviceName,
			Status:        models.ConnectionEstablished,
			EstablishedAt: &established,
		}
	}

	err = s.audit.Commit(ctx, rec, func(tx *gorm.DB) error {
		if conn == nil {
			return nil
		}
		if err := tx.Create(conn).Error; err != nil {
			return fmt.Errorf("create connection: %w", err)
		}
		rec.ConnectionID = conn.ConnectionID
		return nil
	})
	if err != nil {
		log.WithError(err).Error("failed to persist authorization decision")
		return nil, fmt.Errorf("%w: %v", ErrAuditWriteFailed, err)
	}

	s.observe(serviceName, decision.Allowed, decision.Reason, started)

	res := &ConnectionResult{
		Allowed:       decision.Allowed,
		Reason:        decision.Reason,
		AuditSequence: rec.Sequence,
	}
	if conn != nil {
		res.ConnectionID = conn.ConnectionID
		res.Connection = conn
		log.WithField("connection_id", conn.ConnectionID).Info("connection established")
	} else {
		log.WithField("reason", decision.Reason).Info("connection denied")
	}
	return res, nil
}

func (s *ConnectionService) observe(service string, allowed bool, reason string, started time.Time) {
	decision := string(models.DecisionDeny)
	if allowed {
		decision = string(models.DecisionAllow)
	}
	metrics.ObserveAuthorization(decision, reason, time.Since(started).Seconds())
	metrics.IncConnectionRequest(service, allowed)
}

func (s *ConnectionService) lookup(ctx context.Context, deviceID, userID string) (*models.Device, *models.User, error) {
	var device models.Device
	if err := s.db.WithContext(ctx).Where("device_id = ?", deviceID).First(&device).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, ErrDeviceNotFound
		}
		return nil, nil, fmt.Errorf("load device: %w", err)
	}
	if !device.IsActive() {
		return nil, nil, fmt.Errorf("%w: status %s", ErrDeviceNotActive, device.Status)
	}

	var user models.User
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, ErrUserNotFound
		}
		return nil, nil, fmt.Errorf("load user: %w", err)
	}
	if user.Status != models.UserStatusActive {
		return nil, nil, fmt.Errorf("%w: user disabled", ErrUserNotFound)
	}
	return &device, &user, nil
}

func (s *ConnectionService) latestReport(ctx context.Context, deviceID string) (*models.HealthReport, error) {
	var report models.HealthReport
	err := s.db.WithContext(ctx).
		Where("device_id = ?", deviceID).
		Order("reported_at desc, id desc").
		Take(&report).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load health report: %w", err)
	}
	return &report, nil
}

// TerminateConnection moves an established connection to terminated.
// Terminating twice succeeds and keeps the first terminated_at.
func (s *ConnectionService) TerminateConnection(ctx context.Context, connectionID string, now time.Time) (*models.Connection, error) {
	conn, err := s.GetConnection(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	if conn.Status == models.ConnectionTerminated {
		return conn, nil
	}

	rec := &models.AuditRecord{
		EventType:    models.EventConnectionTerminated,
		DeviceID:     conn.DeviceID,
		UserID:       conn.UserID,
		ServiceName:  conn.ServiceName,
		Reason:       "terminated",
		ConnectionID: conn.ConnectionID,
		Timestamp:    now,
	}
	err = s.audit.Commit(ctx, rec, func(tx *gorm.DB) error {
		res := tx.Model(&models.Connection{}).
			Where("connection_id = ? AND status = ?", connectionID, models.ConnectionEstablished).
			Updates(map[string]interface{}{
				"status":        models.ConnectionTerminated,
				"terminated_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errAlreadyTerminated
		}
		return nil
	})
	switch {
	case errors.Is(err, errAlreadyTerminated):
		// Someone else terminated it between our read and our write.
	case err != nil:
		return nil, fmt.Errorf("%w: %v", ErrAuditWriteFailed, err)
	default:
		metrics.DecConnectionActive(conn.ServiceName)
		logger.ForComponent("connections").
			WithField("connection_id", util.SanitizeForLog(connectionID)).
			Info("connection terminated")
	}
	return s.GetConnection(ctx, connectionID)
}

// terminateForDeviceTx closes every established connection of deviceID
// inside tx and returns the affected rows. Used by revocation.
func terminateForDeviceTx(tx *gorm.DB, deviceID string, now time.Time) ([]models.Connection, error) {
	var open []models.Connection
	if err := tx.Where("device_id = ? AND status = ?", deviceID, models.ConnectionEstablished).Find(&open).Error; err != nil {
		return nil, err
	}
	if len(open) == 0 {
		return nil, nil
	}
	err := tx.Model(&models.Connection{}).
		Where("device_id = ? AND status = ?", deviceID, models.ConnectionEstablished).
		Updates(map[string]interface{}{
			"status":        models.ConnectionTerminated,
			"terminated_at": now,
		}).Error
	if err != nil {
		return nil, err
	}
	return open, nil
}

// GetConnection returns the connection with the given id.
func (s *ConnectionService) GetConnection(ctx context.Context, connectionID string) (*models.Connection, error) {
	var conn models.Connection
	if err := s.db.WithContext(ctx).Where("connection_id = ?", connectionID).First(&conn).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrConnectionNotFound
		}
		return nil, err
	}
	return &conn, nil
}

// ListConnections returns connections matching f, newest first.
func (s *ConnectionService) ListConnections(ctx context.Context, f ConnectionFilter) ([]models.Connection, error) {
	q := s.db.WithContext(ctx).Model(&models.Connection{})
	if f.DeviceID != "" {
		q = q.Where("device_id = ?", f.DeviceID)
	}
	if f.UserID != "" {
		q = q.Where("user_id = ?", f.UserID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	limit := f.Limit
	if limit <= 0 || limit > maxAuditLimit {
		limit = defaultAuditLimit
	}
	var conns []models.Connection
	if err := q.Order("id desc").Limit(limit).Find(&conns).Error; err != nil {
		return nil, err
	}
	return conns, nil
}

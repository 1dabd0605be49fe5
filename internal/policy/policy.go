// Package policy is the gateway to the external policy decision point. It
// builds a typed decision request and enforces fail-closed semantics: any
// engine failure becomes a deny.
package policy

import (
	"context"
	"errors"
	"time"

	"github.com/samblam/edgemesh/internal/models"
)

// Deny reasons for engine failures, plus the reasons for a clean verdict.
const (
	ReasonEngineUnavailable = "PolicyEngineUnavailable"
	ReasonEngineTimeout     = "PolicyEngineTimeout"
	ReasonResponseInvalid   = "PolicyResponseInvalid"
	ReasonPolicyDenied      = "PolicyDenied"
	ReasonPolicyAllowed     = "PolicyAllowed"
)

var (
	// ErrEngineUnavailable covers transport failures and non-2xx responses.
	ErrEngineUnavailable = errors.New("policy engine unavailable")
	// ErrEngineTimeout is returned when the engine misses the deadline.
	ErrEngineTimeout = errors.New("policy engine timeout")
	// ErrResponseInvalid is returned when the response lacks a boolean result.
	ErrResponseInvalid = errors.New("policy response invalid")
)

// DeviceContext is the device half of a decision request.
type DeviceContext struct {
	DeviceID          string  `json:"device_id"`
	DeviceType        string  `json:"device_type"`
	OS                string  `json:"os"`
	OSVersion         string  `json:"os_version"`
	Authenticated     bool    `json:"authenticated"`
	Status            string  `json:"status"`
	CertificateSerial string  `json:"certificate_serial"`
	OSPatchesCurrent  bool    `json:"os_patches_current"`
	AntivirusEnabled  bool    `json:"antivirus_enabled"`
	DiskEncrypted     bool    `json:"disk_encrypted"`
	CPUUsage          float64 `json:"cpu_usage"`
	MemoryUsage       float64 `json:"memory_usage"`
	DiskUsage         float64 `json:"disk_usage"`
	Compliant         bool    `json:"compliant"`
}

// UserContext is the user half of a decision request.
type UserContext struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

// ServiceContext names the requested service.
type ServiceContext struct {
	Name string `json:"name"`
}

// TimeContext is the wall-clock bucket. DayOfWeek is ISO-8601 (1=Monday).
type TimeContext struct {
	Hour      int `json:"hour"`
	DayOfWeek int `json:"day_of_week"`
}

// Input is the complete decision request submitted to the engine.
type Input struct {
	Device  DeviceContext  `json:"device"`
	User    UserContext    `json:"user"`
	Service ServiceContext `json:"service"`
	Time    TimeContext    `json:"time"`
}

// Decision is the gateway's verdict. Err preserves the engine failure, if
// any, for logging; it never changes Allowed.
type Decision struct {
	Allowed bool
	Reason  string
	Err     error
}

// Engine evaluates an Input and returns the engine's boolean result verbatim.
type Engine interface {
	Evaluate(ctx context.Context, input Input) (bool, error)
}

// TimeBucket converts now (in UTC) to the hour/day-of-week pair.
func TimeBucket(now time.Time) TimeContext {
	now = now.UTC()
	dow := int(now.Weekday())
	if dow == 0 {
		dow = 7
	}
	return TimeContext{Hour: now.Hour(), DayOfWeek: dow}
}

// BuildInput assembles a decision request from stored rows. compliant is the
// evaluator's verdict on report.
func BuildInput(device *models.Device, report *models.HealthReport, compliant bool, user *models.User, service string, now time.Time) Input {
	in := Input{
		Device: DeviceContext{
			DeviceID:          device.DeviceID,
			DeviceType:        device.DeviceType,
			OS:                device.OS,
			OSVersion:         device.OSVersion,
			Authenticated:     true,
			Status:            string(device.Status),
			CertificateSerial: device.CertificateSerial,
			Compliant:         compliant,
		},
		User: UserContext{
			ID:    user.UserID,
			Email: user.Email,
			Role:  string(user.Role),
		},
		Service: ServiceContext{Name: service},
		Time:    TimeBucket(now),
	}
	if report != nil {
		in.Device.OSPatchesCurrent = report.OSPatchesCurrent
		in.Device.AntivirusEnabled = report.AntivirusEnabled
		in.Device.DiskEncrypted = report.DiskEncrypted
		in.Device.CPUUsage = report.CPUUsage
		in.Device.MemoryUsage = report.MemoryUsage
		in.Device.DiskUsage = report.DiskUsage
	}
	return in
}

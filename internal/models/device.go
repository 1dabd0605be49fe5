package models

import (
	"time"
)

// DeviceStatus is the lifecycle state of an enrolled device.
type DeviceStatus string

const (
	DeviceStatusActive    DeviceStatus = "active"
	DeviceStatusUnhealthy DeviceStatus = "unhealthy"
	DeviceStatusRevoked   DeviceStatus = "revoked"
)

// Device is an enrolled endpoint bound to one CA-issued certificate.
// Rows are never deleted; revocation supersedes them.
type Device struct {
	ID                uint         `json:"-" gorm:"primaryKey"`
	DeviceID          string       `json:"device_id" gorm:"uniqueIndex;not null"`
	DeviceType        string       `json:"device_type" gorm:"not null"`
	OS                string       `json:"os"`
	OSVersion         string       `json:"os_version"`
	CertificateSerial string       `json:"certificate_serial" gorm:"uniqueIndex;not null"`
	CertificatePEM    string       `json:"certificate_pem" gorm:"type:text;not null"`
	Status            DeviceStatus `json:"status" gorm:"index;not null;default:'active'"`
	EnrolledAt        time.Time    `json:"enrolled_at"`
	LastSeen          *time.Time   `json:"last_seen,omitempty"`
	RevokedAt         *time.Time   `json:"revoked_at,omitempty"`
	UpdatedAt         time.Time    `json:"updated_at"`
}

// IsActive reports whether the device may request connections.
func (d *Device) IsActive() bool {
	return d.Status == DeviceStatusActive
}

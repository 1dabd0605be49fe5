package models

import (
	"errors"
	"time"

	"gorm.io/gorm"
)

// Decision is the outcome of one authorization attempt.
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionDeny  Decision = "deny"
)

// Audit event types.
const (
	EventConnectionRequest    = "connection_request"
	EventConnectionTerminated = "connection_terminated"
	EventDeviceEnrolled       = "device_enrolled"
	EventDeviceRevoked        = "device_revoked"
)

// ErrAuditImmutable is returned by hooks guarding the append-only audit table.
var ErrAuditImmutable = errors.New("audit records are append-only")

// AuditRecord is one append-only, hash-chained entry. RecordHash covers the
// record's content and PrevHash, so editing or removing any row breaks
// verification from that sequence onwards.
type AuditRecord struct {
	ID            uint      `json:"id" gorm:"primaryKey"`
	Sequence      uint64    `json:"sequence" gorm:"uniqueIndex;not null"`
	EventType     string    `json:"event_type" gorm:"index;not null"`
	DeviceID      string    `json:"device_id" gorm:"index:idx_audit_time_device,priority:2"`
	UserID        string    `json:"user_id" gorm:"index"`
	ServiceName   string    `json:"service_name"`
	Decision      Decision  `json:"decision" gorm:"index;not null"`
	Reason        string    `json:"reason" gorm:"type:text"`
	PolicyContext string    `json:"policy_context" gorm:"type:text"`
	ConnectionID  string    `json:"connection_id,omitempty" gorm:"index"`
	Timestamp     time.Time `json:"timestamp" gorm:"not null;index:idx_audit_time_device,priority:1"`
	PrevHash      string    `json:"prev_hash" gorm:"size:64"`
	RecordHash    string    `json:"record_hash" gorm:"size:64;not null"`
}

// BeforeUpdate rejects in-place modification through the ORM.
func (a *AuditRecord) BeforeUpdate(tx *gorm.DB) error {
	return ErrAuditImmutable
}

// BeforeDelete rejects deletion through the ORM.
func (a *AuditRecord) BeforeDelete(tx *gorm.DB) error {
	return ErrAuditImmutable
}

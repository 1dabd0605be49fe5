package models

import "time"

// HealthReport is one immutable posture sample reported by a device. Only
// the most recent report per device is authoritative.
type HealthReport struct {
	ID               uint      `json:"id" gorm:"primaryKey"`
	DeviceID         string    `json:"device_id" gorm:"not null;index:idx_health_device_time,priority:1"`
	CPUUsage         float64   `json:"cpu_usage"`
	MemoryUsage      float64   `json:"memory_usage"`
	DiskUsage        float64   `json:"disk_usage"`
	OSPatchesCurrent bool      `json:"os_patches_current"`
	AntivirusEnabled bool      `json:"antivirus_enabled"`
	DiskEncrypted    bool      `json:"disk_encrypted"`
	Compliant        bool      `json:"compliant"`
	ReportedAt       time.Time `json:"reported_at" gorm:"not null;index:idx_health_device_time,priority:2"`
}

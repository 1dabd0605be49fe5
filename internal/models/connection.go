package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ConnectionStatus follows requested -> established -> terminated and never
// moves backwards.
type ConnectionStatus string

const (
	ConnectionRequested   ConnectionStatus = "requested"
	ConnectionEstablished ConnectionStatus = "established"
	ConnectionTerminated  ConnectionStatus = "terminated"
)

// Connection is a virtual session granted by an allow decision.
type Connection struct {
	ID            uint             `json:"-" gorm:"primaryKey"`
	ConnectionID  string           `json:"connection_id" gorm:"uniqueIndex;not null"`
	DeviceID      string           `json:"device_id" gorm:"index;not null"`
	UserID        string           `json:"user_id" gorm:"index;not null"`
	ServiceName   string           `json:"service_name" gorm:"not null"`
	Status        ConnectionStatus `json:"status" gorm:"index;not null"`
	EstablishedAt *time.Time       `json:"established_at,omitempty"`
	TerminatedAt  *time.Time       `json:"terminated_at,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
}

// BeforeCreate assigns a connection id when the caller did not.
func (c *Connection) BeforeCreate(tx *gorm.DB) error {
	if c.ConnectionID == "" {
		c.ConnectionID = uuid.NewString()
	}
	if c.Status == "" {
		c.Status = ConnectionRequested
	}
	return nil
}

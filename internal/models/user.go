package models

import (
	"time"
)

// Role grants coarse privileges; fine-grained service access is decided by
// the external policy engine.
type Role string

const (
	RoleAdmin     Role = "admin"
	RoleDeveloper Role = "developer"
	RoleAnalyst   Role = "analyst"
)

// ValidRole reports whether r is one of the known roles.
func ValidRole(r Role) bool {
	switch r {
	case RoleAdmin, RoleDeveloper, RoleAnalyst:
		return true
	}
	return false
}

// UserStatus marks whether a user may be used in authorization requests.
type UserStatus string

const (
	UserStatusActive   UserStatus = "active"
	UserStatusDisabled UserStatus = "disabled"
)

// User is an administratively created principal referenced by connection
// requests. The authorization path only reads it.
type User struct {
	ID        uint       `json:"-" gorm:"primaryKey"`
	UserID    string     `json:"user_id" gorm:"uniqueIndex;not null"`
	Email     string     `json:"email" gorm:"uniqueIndex;not null"`
	Role      Role       `json:"role" gorm:"not null;default:'developer'"`
	Status    UserStatus `json:"status" gorm:"not null;default:'active'"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

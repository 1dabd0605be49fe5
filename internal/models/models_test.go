package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&Device{}, &HealthReport{}, &User{}, &Connection{}, &AuditRecord{}))
	return db
}

func TestConnection_BeforeCreate(t *testing.T) {
	db := setupTestDB(t)

	c := &Connection{DeviceID: "dev-1", UserID: "u-1", ServiceName: "database"}
	require.NoError(t, db.Create(c).Error)
	assert.NotEmpty(t, c.ConnectionID)
	assert.Equal(t, ConnectionRequested, c.Status)

	other := &Connection{DeviceID: "dev-1", UserID: "u-1", ServiceName: "database"}
	require.NoError(t, db.Create(other).Error)
	assert.NotEqual(t, c.ConnectionID, other.ConnectionID)
}

func TestAuditRecord_AppendOnly(t *testing.T) {
	db := setupTestDB(t)

	rec := &AuditRecord{
		Sequence:   1,
		EventType:  EventConnectionRequest,
		DeviceID:   "dev-1",
		Decision:   DecisionDeny,
		Reason:     "StaleHealthData",
		Timestamp:  time.Now(),
		RecordHash: "abc",
	}
	require.NoError(t, db.Create(rec).Error)

	rec.Decision = DecisionAllow
	assert.ErrorIs(t, db.Save(rec).Error, ErrAuditImmutable)
	assert.ErrorIs(t, db.Delete(rec).Error, ErrAuditImmutable)

	var stored AuditRecord
	require.NoError(t, db.First(&stored, rec.ID).Error)
	assert.Equal(t, DecisionDeny, stored.Decision)
}

func TestDevice_UniqueSerial(t *testing.T) {
	db := setupTestDB(t)

	require.NoError(t, db.Create(&Device{DeviceID: "a", DeviceType: "laptop", CertificateSerial: "01", CertificatePEM: "x", Status: DeviceStatusActive}).Error)
	err := db.Create(&Device{DeviceID: "b", DeviceType: "laptop", CertificateSerial: "01", CertificatePEM: "y", Status: DeviceStatusActive}).Error
	assert.Error(t, err)
}

func TestValidRole(t *testing.T) {
	assert.True(t, ValidRole(RoleAdmin))
	assert.True(t, ValidRole(RoleDeveloper))
	assert.True(t, ValidRole(RoleAnalyst))
	assert.False(t, ValidRole("root"))
}

func TestDevice_IsActive(t *testing.T) {
	assert.True(t, (&Device{Status: DeviceStatusActive}).IsActive())
	assert.False(t, (&Device{Status: DeviceStatusUnhealthy}).IsActive())
	assert.False(t, (&Device{Status: DeviceStatusRevoked}).IsActive())
}

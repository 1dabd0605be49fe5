package services

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/samblam/edgemesh/internal/database"
	"github.com/samblam/edgemesh/internal/models"
	"github.com/samblam/edgemesh/internal/policy"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := database.Connect(filepath.Join(t.TempDir(), "edgemesh.db"))
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

// stubEngine answers every decision request with a fixed verdict and keeps
// the inputs it saw.
type stubEngine struct {
	mu      sync.Mutex
	allow   bool
	err     error
	inputs  []policy.Input
	onInput func(policy.Input)
}

func (s *stubEngine) Evaluate(_ context.Context, in policy.Input) (bool, error) {
	s.mu.Lock()
	s.inputs = append(s.inputs, in)
	s.mu.Unlock()
	if s.onInput != nil {
		s.onInput(in)
	}
	return s.allow, s.err
}

func (s *stubEngine) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inputs)
}

func seedUser(t *testing.T, db *gorm.DB, id string, role models.Role) *models.User {
	t.Helper()
	u := &models.User{UserID: id, Email: id + "@example.com", Role: role, Status: models.UserStatusActive}
	require.NoError(t, db.Create(u).Error)
	return u
}

func seedDevice(t *testing.T, db *gorm.DB, id string, status models.DeviceStatus) *models.Device {
	t.Helper()
	d := &models.Device{
		DeviceID:          id,
		DeviceType:        "laptop",
		OS:                "linux",
		OSVersion:         "6.8",
		CertificateSerial: "serial-" + id,
		CertificatePEM:    "pem",
		Status:            status,
	}
	require.NoError(t, db.Create(d).Error)
	return d
}

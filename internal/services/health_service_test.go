package services

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samblam/edgemesh/internal/compliance"
	"github.com/samblam/edgemesh/internal/models"
)

func goodMetrics() HealthMetrics {
	return HealthMetrics{
		CPUUsage:         45,
		MemoryUsage:      60,
		DiskUsage:        20,
		OSPatchesCurrent: true,
		AntivirusEnabled: true,
		DiskEncrypted:    true,
	}
}

func TestHealthService_StatusFollowsLatestReport(t *testing.T) {
	db := newTestDB(t)
	svc := NewHealthService(db, compliance.NewEvaluator(compliance.DefaultThresholds()), nil)
	seedDevice(t, db, "dev-1", models.DeviceStatusActive)
	ctx := context.Background()

	bad := goodMetrics()
	bad.DiskEncrypted = false
	st, err := svc.Report(ctx, "dev-1", bad, time.Time{}, t0)
	require.NoError(t, err)
	assert.Equal(t, "unhealthy", st.Status)
	assert.Equal(t, models.DeviceStatusUnhealthy, st.DeviceStatus)
	assert.Equal(t, []string{"disk_encrypted"}, st.Failures)

	// An older compliant report does not supersede the newer failing one.
	st, err = svc.Report(ctx, "dev-1", goodMetrics(), t0.Add(-time.Minute), t0.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, "healthy", st.Status)
	assert.Equal(t, models.DeviceStatusUnhealthy, st.DeviceStatus)

	st, err = svc.Report(ctx, "dev-1", goodMetrics(), t0.Add(time.Minute), t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, models.DeviceStatusActive, st.DeviceStatus)

	var dev models.Device
	require.NoError(t, db.Where("device_id = ?", "dev-1").First(&dev).Error)
	assert.Equal(t, models.DeviceStatusActive, dev.Status)
	require.NotNil(t, dev.LastSeen)

	latest, err := svc.LatestReport(ctx, "dev-1")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.True(t, latest.Compliant)
	assert.True(t, latest.ReportedAt.Equal(t0.Add(time.Minute)))

	history, err := svc.History(ctx, "dev-1", 0)
	require.NoError(t, err)
	assert.Len(t, history, 3)
}

func TestHealthService_Rejections(t *testing.T) {
	db := newTestDB(t)
	svc := NewHealthService(db, compliance.NewEvaluator(compliance.DefaultThresholds()), nil)
	seedDevice(t, db, "dev-1", models.DeviceStatusActive)
	seedDevice(t, db, "dev-gone", models.DeviceStatusRevoked)
	ctx := context.Background()

	_, err := svc.Report(ctx, "ghost", goodMetrics(), time.Time{}, t0)
	assert.ErrorIs(t, err, ErrDeviceNotFound)

	_, err = svc.Report(ctx, "dev-gone", goodMetrics(), time.Time{}, t0)
	assert.ErrorIs(t, err, ErrDeviceRevoked)

	m := goodMetrics()
	m.CPUUsage = 101
	_, err = svc.Report(ctx, "dev-1", m, time.Time{}, t0)
	assert.ErrorIs(t, err, ErrInvalidReport)

	_, err = svc.Report(ctx, "dev-1", goodMetrics(), t0.Add(time.Hour), t0)
	assert.ErrorIs(t, err, ErrInvalidReport)

	var n int64
	db.Model(&models.HealthReport{}).Count(&n)
	assert.Zero(t, n)

	var gone models.Device
	require.NoError(t, db.Where("device_id = ?", "dev-gone").First(&gone).Error)
	assert.Equal(t, models.DeviceStatusRevoked, gone.Status)
}

func TestHealthService_FeedsAuthorization(t *testing.T) {
	f := newConnectionFixture(t, &stubEngine{allow: true})
	health := NewHealthService(f.db, compliance.NewEvaluator(compliance.DefaultThresholds()), nil)
	seedDevice(t, f.db, "dev-1", models.DeviceStatusActive)
	seedUser(t, f.db, "alice", models.RoleAdmin)
	ctx := context.Background()

	_, err := health.Report(ctx, "dev-1", goodMetrics(), t0, t0)
	require.NoError(t, err)

	res, err := f.svc.RequestConnection(ctx, "dev-1", "alice", "database", t0.Add(time.Second))
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	res, err = f.svc.RequestConnection(ctx, "dev-1", "alice", "database", t0.Add(6*time.Minute))
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, compliance.ReasonStaleHealthData, res.Reason)
}

func TestHealthService_RejectsNonFiniteMetrics(t *testing.T) {
	db := newTestDB(t)
	svc := NewHealthService(db, compliance.NewEvaluator(compliance.DefaultThresholds()), nil)
	seedDevice(t, db, "dev-1", models.DeviceStatusActive)
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(m *HealthMetrics)
	}{
		{"cpu NaN", func(m *HealthMetrics) { m.CPUUsage = math.NaN() }},
		{"memory NaN", func(m *HealthMetrics) { m.MemoryUsage = math.NaN() }},
		{"disk +Inf", func(m *HealthMetrics) { m.DiskUsage = math.Inf(1) }},
		{"cpu -Inf", func(m *HealthMetrics) { m.CPUUsage = math.Inf(-1) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := goodMetrics()
			tt.mutate(&m)
			st, err := svc.Report(ctx, "dev-1", m, time.Time{}, t0)
			assert.ErrorIs(t, err, ErrInvalidReport)
			assert.Nil(t, st)
		})
	}

	var n int64
	require.NoError(t, db.Model(&models.HealthReport{}).Count(&n).Error)
	assert.Zero(t, n)
}

func TestHealthService_SameTimestampLastReportWins(t *testing.T) {
	db := newTestDB(t)
	svc := NewHealthService(db, compliance.NewEvaluator(compliance.DefaultThresholds()), nil)
	seedDevice(t, db, "dev-1", models.DeviceStatusActive)
	ctx := context.Background()

	bad := goodMetrics()
	bad.AntivirusEnabled = false
	_, err := svc.Report(ctx, "dev-1", goodMetrics(), t0, t0)
	require.NoError(t, err)
	st, err := svc.Report(ctx, "dev-1", bad, t0, t0)
	require.NoError(t, err)
	assert.Equal(t, models.DeviceStatusUnhealthy, st.DeviceStatus)

	latest, err := svc.LatestReport(ctx, "dev-1")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.False(t, latest.Compliant)
	assert.False(t, latest.AntivirusEnabled)

	history, err := svc.History(ctx, "dev-1", 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.False(t, history[0].Compliant)
}

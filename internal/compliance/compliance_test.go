package compliance

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"

	"github.com/samblam/edgemesh/internal/models"
)

func healthyReport(at time.Time) *models.HealthReport {
	return &models.HealthReport{
		DeviceID:         "dev-1",
		CPUUsage:         45,
		MemoryUsage:      60,
		DiskUsage:        30,
		OSPatchesCurrent: true,
		AntivirusEnabled: true,
		DiskEncrypted:    true,
		ReportedAt:       at,
	}
}

func TestEvaluate_Healthy(t *testing.T) {
	now := time.Now()
	e := NewEvaluator(DefaultThresholds())

	res := e.Evaluate(healthyReport(now.Add(-time.Second)), now, 5*time.Minute)
	assert.True(t, res.Compliant)
	assert.False(t, res.Stale)
	assert.Equal(t, time.Second, res.Staleness)
	assert.Empty(t, res.Failures)
}

func TestEvaluate_Failures(t *testing.T) {
	now := time.Now()
	e := NewEvaluator(DefaultThresholds())

	tests := []struct {
		name    string
		mutate  func(r *models.HealthReport)
		failure string
	}{
		{"patches", func(r *models.HealthReport) { r.OSPatchesCurrent = false }, "os_patches_current"},
		{"antivirus", func(r *models.HealthReport) { r.AntivirusEnabled = false }, "antivirus_enabled"},
		{"encryption", func(r *models.HealthReport) { r.DiskEncrypted = false }, "disk_encrypted"},
		{"cpu at limit", func(r *models.HealthReport) { r.CPUUsage = 90 }, "cpu_usage>=90"},
		{"memory over", func(r *models.HealthReport) { r.MemoryUsage = 95.5 }, "memory_usage>=90"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := healthyReport(now)
			tt.mutate(r)
			res := e.Evaluate(r, now, time.Minute)
			assert.False(t, res.Compliant)
			assert.Equal(t, []string{tt.failure}, res.Failures)
		})
	}
}

func TestIsStale_Boundary(t *testing.T) {
	now := time.Now()
	maxAge := 5 * time.Minute

	assert.False(t, IsStale(healthyReport(now.Add(-maxAge)), now, maxAge), "exactly maxAge is not stale")
	assert.True(t, IsStale(healthyReport(now.Add(-maxAge-time.Nanosecond)), now, maxAge))
	assert.False(t, IsStale(healthyReport(now.Add(time.Second)), now, maxAge), "future-dated reports are not stale")
}

func TestCheck_Order(t *testing.T) {
	now := time.Now()
	e := NewEvaluator(DefaultThresholds())

	v := e.Check(nil, now, time.Minute)
	assert.False(t, v.Passed)
	assert.Equal(t, ReasonNoHealthRecord, v.Reason)

	stale := healthyReport(now.Add(-10 * time.Minute))
	stale.CPUUsage = 99
	v = e.Check(stale, now, 5*time.Minute)
	assert.False(t, v.Passed)
	assert.Equal(t, ReasonStaleHealthData, v.Reason, "staleness is reported before metric failures")

	bad := healthyReport(now)
	bad.DiskEncrypted = false
	v = e.Check(bad, now, 5*time.Minute)
	assert.Equal(t, ReasonNonCompliantDevice, v.Reason)

	v = e.Check(healthyReport(now), now, 5*time.Minute)
	assert.True(t, v.Passed)
	assert.Empty(t, v.Reason)
}

func TestCustomThresholds(t *testing.T) {
	e := NewEvaluator(Thresholds{MaxCPU: 50, MaxMemory: 100})
	r := healthyReport(time.Now())
	r.AntivirusEnabled = false
	assert.True(t, e.Compliant(r), "antivirus not required")

	r.CPUUsage = 50
	assert.False(t, e.Compliant(r))
	assert.Equal(t, 50.0, e.Thresholds().MaxCPU)
}

func TestCheck_StaleAlwaysDenies(t *testing.T) {
	e := NewEvaluator(DefaultThresholds())

	rapid.Check(t, func(rt *rapid.T) {
		maxAge := time.Duration(rapid.Int64Range(1, int64(time.Hour)).Draw(rt, "max_age"))
		extra := time.Duration(rapid.Int64Range(1, int64(24*time.Hour)).Draw(rt, "extra"))
		now := time.Unix(rapid.Int64Range(1e9, 2e9).Draw(rt, "now"), 0)

		r := &models.HealthReport{
			CPUUsage:         rapid.Float64Range(0, 100).Draw(rt, "cpu"),
			MemoryUsage:      rapid.Float64Range(0, 100).Draw(rt, "mem"),
			OSPatchesCurrent: rapid.Bool().Draw(rt, "patches"),
			AntivirusEnabled: rapid.Bool().Draw(rt, "av"),
			DiskEncrypted:    rapid.Bool().Draw(rt, "enc"),
			ReportedAt:       now.Add(-maxAge - extra),
		}
		v := e.Check(r, now, maxAge)
		if v.Passed || v.Reason != ReasonStaleHealthData {
			rt.Fatalf("stale report yielded %+v", v)
		}
	})
}

func TestCompliant_MatchesThresholds(t *testing.T) {
	e := NewEvaluator(DefaultThresholds())

	rapid.Check(t, func(rt *rapid.T) {
		r := &models.HealthReport{
			CPUUsage:         rapid.Float64Range(0, 100).Draw(rt, "cpu"),
			MemoryUsage:      rapid.Float64Range(0, 100).Draw(rt, "mem"),
			OSPatchesCurrent: rapid.Bool().Draw(rt, "patches"),
			AntivirusEnabled: rapid.Bool().Draw(rt, "av"),
			DiskEncrypted:    rapid.Bool().Draw(rt, "enc"),
		}
		want := r.OSPatchesCurrent && r.AntivirusEnabled && r.DiskEncrypted && r.CPUUsage < 90 && r.MemoryUsage < 90
		if got := e.Compliant(r); got != want {
			rt.Fatalf("Compliant(%+v) = %v, want %v", r, got, want)
		}
	})
}

func TestEvaluate_NonFiniteUsageFails(t *testing.T) {
	now := time.Now()
	e := NewEvaluator(DefaultThresholds())

	tests := []struct {
		name    string
		mutate  func(r *models.HealthReport)
		failure string
	}{
		{"cpu NaN", func(r *models.HealthReport) { r.CPUUsage = math.NaN() }, "cpu_usage>=90"},
		{"memory NaN", func(r *models.HealthReport) { r.MemoryUsage = math.NaN() }, "memory_usage>=90"},
		{"cpu +Inf", func(r *models.HealthReport) { r.CPUUsage = math.Inf(1) }, "cpu_usage>=90"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := healthyReport(now)
			tt.mutate(r)
			assert.False(t, e.Compliant(r))
			v := e.Check(r, now, time.Minute)
			assert.False(t, v.Passed)
			assert.Equal(t, ReasonNonCompliantDevice, v.Reason)
			assert.Equal(t, []string{tt.failure}, v.Result.Failures)
		})
	}
}

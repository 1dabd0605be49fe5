// Package compliance turns a device's latest health report into a verdict.
// Everything here is a pure function of its inputs.
package compliance

import (
	"fmt"
	"time"

	"github.com/samblam/edgemesh/internal/models"
)

// Reasons surfaced in deny decisions and audit records.
const (
	ReasonNoHealthRecord     = "NoHealthRecord"
	ReasonStaleHealthData    = "StaleHealthData"
	ReasonNonCompliantDevice = "NonCompliantDevice"
)

// Thresholds centralizes the compliance rules so no call site hardcodes them.
type Thresholds struct {
	MaxCPU                float64
	MaxMemory             float64
	RequirePatches        bool
	RequireAntivirus      bool
	RequireDiskEncryption bool
}

// DefaultThresholds returns the baseline rules: patched, antivirus on,
// encrypted disk, CPU and memory below 90%.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MaxCPU:                90,
		MaxMemory:             90,
		RequirePatches:        true,
		RequireAntivirus:      true,
		RequireDiskEncryption: true,
	}
}

// Result is the compliance verdict for one report.
type Result struct {
	Compliant bool          `json:"compliant"`
	Staleness time.Duration `json:"staleness"`
	Stale     bool          `json:"stale"`
	Failures  []string      `json:"failures,omitempty"`
}

// Verdict is the gate outcome used by the authorization pipeline.
type Verdict struct {
	Passed bool
	Reason string
	Result Result
}

// Evaluator applies Thresholds to health reports.
type Evaluator struct {
	thresholds Thresholds
}

// NewEvaluator returns an Evaluator using t.
func NewEvaluator(t Thresholds) *Evaluator {
	return &Evaluator{thresholds: t}
}

// Thresholds returns the rules in force.
func (e *Evaluator) Thresholds() Thresholds {
	return e.thresholds
}

// IsStale reports whether the report is strictly older than maxAge at now.
func IsStale(report *models.HealthReport, now time.Time, maxAge time.Duration) bool {
	return now.Sub(report.ReportedAt) > maxAge
}

// Evaluate computes the metric verdict and the report's age.
func (e *Evaluator) Evaluate(report *models.HealthReport, now time.Time, maxAge time.Duration) Result {
	failures := e.failures(report)
	return Result{
		Compliant: len(failures) == 0,
		Staleness: now.Sub(report.ReportedAt),
		Stale:     IsStale(report, now, maxAge),
		Failures:  failures,
	}
}

// Compliant reports whether the metrics alone satisfy the thresholds.
func (e *Evaluator) Compliant(report *models.HealthReport) bool {
	return len(e.failures(report)) == 0
}

// Check gates an authorization attempt. Order matters: a missing report is
// distinct from a stale one, and staleness is judged before the metrics.
func (e *Evaluator) Check(report *models.HealthReport, now time.Time, maxAge time.Duration) Verdict {
	if report == nil {
		return Verdict{Reason: ReasonNoHealthRecord}
	}
	res := e.Evaluate(report, now, maxAge)
	switch {
	case res.Stale:
		return Verdict{Reason: ReasonStaleHealthData, Result: res}
	case !res.Compliant:
		return Verdict{Reason: ReasonNonCompliantDevice, Result: res}
	}
	return Verdict{Passed: true, Result: res}
}

func (e *Evaluator) failures(r *models.HealthReport) []string {
	t := e.thresholds
	var out []string
	if t.RequirePatches && !r.OSPatchesCurrent {
		out = append(out, "os_patches_current")
	}
	if t.RequireAntivirus && !r.AntivirusEnabled {
		out = append(out, "antivirus_enabled")
	}
	if t.RequireDiskEncryption && !r.DiskEncrypted {
		out = append(out, "disk_encrypted")
	}
	// Written as "not below" so NaN readings fail.
	if !(r.CPUUsage < t.MaxCPU) {
		out = append(out, fmt.Sprintf("cpu_usage>=%g", t.MaxCPU))
	}
	if !(r.MemoryUsage < t.MaxMemory) {
		out = append(out, fmt.Sprintf("memory_usage>=%g", t.MaxMemory))
	}
	return out
}

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	deviceEnrollmentsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "edgemesh_device_enrollments_total",
		Help: "Total number of successful device enrollments",
	})
	devicesByStatus = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "edgemesh_devices_total",
		Help: "Enrolled devices by status",
	}, []string{"status"})
	healthChecksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "edgemesh_health_checks_total",
		Help: "Health reports received, by verdict",
	}, []string{"status"})
	authorizationDecisionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "edgemesh_authorization_decisions_total",
		Help: "Authorization decisions, by decision and reason",
	}, []string{"decision", "reason"})
	authorizationLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "edgemesh_authorization_latency_seconds",
		Help:    "End-to-end latency of connection authorization",
		Buckets: prometheus.DefBuckets,
	})
	policyEngineErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "edgemesh_policy_engine_errors_total",
		Help: "Policy engine failures coerced to deny",
	}, []string{"reason"})
	connectionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "edgemesh_connections_total",
		Help: "Connection requests by service and outcome",
	}, []string{"service", "status"})
	connectionsActive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "edgemesh_connections_active",
		Help: "Currently established connections by service",
	}, []string{"service"})
)

// Register registers Prometheus collectors. Call once at startup.
func Register(registry prometheus.Registerer) {
	registry.MustRegister(
		deviceEnrollmentsTotal,
		devicesByStatus,
		healthChecksTotal,
		authorizationDecisionsTotal,
		authorizationLatency,
		policyEngineErrorsTotal,
		connectionsTotal,
		connectionsActive,
	)
}

// IncEnrollment counts a successful enrollment.
func IncEnrollment() { deviceEnrollmentsTotal.Inc() }

// IncHealthCheck counts a health report with its verdict ("healthy"/"unhealthy").
func IncHealthCheck(status string) { healthChecksTotal.WithLabelValues(status).Inc() }

// ObserveAuthorization records one decision and its latency in seconds.
func ObserveAuthorization(decision, reason string, seconds float64) {
	authorizationDecisionsTotal.WithLabelValues(decision, reason).Inc()
	authorizationLatency.Observe(seconds)
}

// IncPolicyEngineError counts an engine failure by deny reason.
func IncPolicyEngineError(reason string) { policyEngineErrorsTotal.WithLabelValues(reason).Inc() }

// IncConnectionRequest counts a connection request outcome ("authorized"/"denied").
func IncConnectionRequest(service string, authorized bool) {
	status := "denied"
	if authorized {
		status = "authorized"
		connectionsActive.WithLabelValues(service).Inc()
	}
	connectionsTotal.WithLabelValues(service, status).Inc()
}

// DecConnectionActive marks one established connection as terminated.
func DecConnectionActive(service string) { connectionsActive.WithLabelValues(service).Dec() }

// SetDeviceCounts replaces the per-status device gauge.
func SetDeviceCounts(counts map[string]int64) {
	devicesByStatus.Reset()
	for status, n := range counts {
		devicesByStatus.WithLabelValues(status).Set(float64(n))
	}
}

// SetActiveConnections replaces the per-service active connection gauge.
func SetActiveConnections(counts map[string]int64) {
	connectionsActive.Reset()
	for service, n := range counts {
		connectionsActive.WithLabelValues(service).Set(float64(n))
	}
}

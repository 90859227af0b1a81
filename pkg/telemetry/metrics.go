package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for Groundcrew.
type Metrics struct {
	config MetricsConfig

	// Session metrics
	sessionsStarted  *prometheus.CounterVec
	sessionsFinished *prometheus.CounterVec
	sessionDuration  *prometheus.HistogramVec

	// Execution metrics
	executionsTotal   *prometheus.CounterVec
	executionDuration *prometheus.HistogramVec

	// Policy metrics
	policyChecks     *prometheus.CounterVec
	policyViolations *prometheus.CounterVec

	// Vault metrics
	vaultEntries       prometheus.Gauge
	capsuleRedemptions *prometheus.CounterVec

	// Sweep metrics
	sweepRemoved *prometheus.CounterVec

	// Error metrics
	errorsByKind *prometheus.CounterVec

	// System metrics
	activeApplies prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	// Create a new registry
	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		// Session metrics
		sessionsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_started_total",
				Help:      "Total number of deployment sessions started",
			},
			[]string{"provider"},
		),
		sessionsFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_finished_total",
				Help:      "Total number of sessions that reached a terminal state",
			},
			[]string{"state"},
		),
		sessionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "session_duration_seconds",
				Help:      "Time from session start to terminal state in seconds",
				Buckets:   buckets,
			},
			[]string{"state"},
		),

		// Execution metrics
		executionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executions_total",
				Help:      "Total number of engine child executions",
			},
			[]string{"operation", "status"},
		),
		executionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "execution_duration_seconds",
				Help:      "Duration of engine child executions in seconds",
				Buckets:   buckets,
			},
			[]string{"operation"},
		),

		// Policy metrics
		policyChecks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "policy_checks_total",
				Help:      "Total number of policy evaluations",
			},
			[]string{"outcome"},
		),
		policyViolations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "policy_violations_total",
				Help:      "Total number of policy violations by check",
			},
			[]string{"check"},
		),

		// Vault metrics
		vaultEntries: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "vault_entries",
				Help:      "Current number of live vault entries",
			},
		),
		capsuleRedemptions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "capsule_redemptions_total",
				Help:      "Total number of recovery capsule redemption attempts",
			},
			[]string{"outcome"},
		),

		// Sweep metrics
		sweepRemoved: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sweep_removed_total",
				Help:      "Total number of records removed or expired by sweep task",
			},
			[]string{"task"},
		),

		// Error metrics
		errorsByKind: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_kind_total",
				Help:      "Total number of domain errors by kind",
			},
			[]string{"kind"},
		),

		// System metrics
		activeApplies: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_applies",
				Help:      "Current number of in-flight apply executions",
			},
		),
	}

	// Register all metrics
	registry.MustRegister(
		m.sessionsStarted,
		m.sessionsFinished,
		m.sessionDuration,
		m.executionsTotal,
		m.executionDuration,
		m.policyChecks,
		m.policyViolations,
		m.vaultEntries,
		m.capsuleRedemptions,
		m.sweepRemoved,
		m.errorsByKind,
		m.activeApplies,
	)

	return m, nil
}

// Session Metrics

// RecordSessionStarted increments the counter for started sessions.
func (m *Metrics) RecordSessionStarted(provider string) {
	if m.sessionsStarted == nil {
		return
	}
	m.sessionsStarted.WithLabelValues(provider).Inc()
}

// RecordSessionFinished records a session reaching a terminal state.
func (m *Metrics) RecordSessionFinished(state string, lifetime time.Duration) {
	if m.sessionsFinished == nil {
		return
	}
	m.sessionsFinished.WithLabelValues(state).Inc()
	m.sessionDuration.WithLabelValues(state).Observe(lifetime.Seconds())
}

// Execution Metrics

// RecordExecution records a finished engine child execution.
func (m *Metrics) RecordExecution(operation, status string, duration time.Duration) {
	if m.executionsTotal == nil {
		return
	}
	m.executionsTotal.WithLabelValues(operation, status).Inc()
	m.executionDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// IncActiveApplies increments the in-flight apply gauge.
func (m *Metrics) IncActiveApplies() {
	if m.activeApplies == nil {
		return
	}
	m.activeApplies.Inc()
}

// DecActiveApplies decrements the in-flight apply gauge.
func (m *Metrics) DecActiveApplies() {
	if m.activeApplies == nil {
		return
	}
	m.activeApplies.Dec()
}

// Policy Metrics

// RecordPolicyCheck records a policy evaluation outcome ("allowed" or "denied").
func (m *Metrics) RecordPolicyCheck(allowed bool) {
	if m.policyChecks == nil {
		return
	}
	outcome := "allowed"
	if !allowed {
		outcome = "denied"
	}
	m.policyChecks.WithLabelValues(outcome).Inc()
}

// RecordPolicyViolation records a violation of a named check.
func (m *Metrics) RecordPolicyViolation(check string) {
	if m.policyViolations == nil {
		return
	}
	m.policyViolations.WithLabelValues(check).Inc()
}

// Vault Metrics

// SetVaultEntries sets the current number of live vault entries.
func (m *Metrics) SetVaultEntries(count float64) {
	if m.vaultEntries == nil {
		return
	}
	m.vaultEntries.Set(count)
}

// RecordCapsuleRedemption records a capsule redemption attempt outcome.
// Only "succeeded" or "failed" is recorded; no failure detail leaves the vault.
func (m *Metrics) RecordCapsuleRedemption(succeeded bool) {
	if m.capsuleRedemptions == nil {
		return
	}
	outcome := "succeeded"
	if !succeeded {
		outcome = "failed"
	}
	m.capsuleRedemptions.WithLabelValues(outcome).Inc()
}

// Sweep Metrics

// RecordSweep records the number of records a sweep task removed.
func (m *Metrics) RecordSweep(task string, removed int) {
	if m.sweepRemoved == nil {
		return
	}
	m.sweepRemoved.WithLabelValues(task).Add(float64(removed))
}

// Error Metrics

// RecordError records a domain error by kind.
func (m *Metrics) RecordError(kind string) {
	if m.errorsByKind == nil {
		return
	}
	m.errorsByKind.WithLabelValues(kind).Inc()
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration is a helper to time an operation and record it.
func (t *Timer) ObserveDuration(observer prometheus.Observer) {
	observer.Observe(t.Duration().Seconds())
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics.
func (m *Metrics) StartMetricsServer() error {
	if !m.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			// Log error but don't fail the application
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	return nil
}

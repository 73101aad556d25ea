package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is a centralized collection of Prometheus instruments for the
// permission engine, session-state store, agent pool, and run scheduler.
//
//	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
//	metrics.RunClaimed()
//	defer metrics.RunDuration.WithLabelValues("completed").Observe(time.Since(start).Seconds())
type Metrics struct {
	// RunsQueued counts runs created, by backend (memory|postgres).
	RunsQueued *prometheus.CounterVec

	// RunsActive is the current number of running (non-terminal, started) runs.
	RunsActive prometheus.Gauge

	// RunDuration measures wall-clock run duration in seconds, by terminal status.
	RunDuration *prometheus.HistogramVec

	// RunClaims counts claim attempts by outcome (claimed|empty|error).
	RunClaims *prometheus.CounterVec

	// LeaseRenewals counts lease renewal attempts by outcome (ok|lost|error).
	LeaseRenewals *prometheus.CounterVec

	// EventAppends counts event-log appends by outcome (ok|seq_conflict).
	EventAppends *prometheus.CounterVec

	// PoolEntries is the current number of live agent-pool entries.
	PoolEntries prometheus.Gauge

	// PoolEvictions counts pool entry evictions by reason (idle|invalidate|dispose).
	PoolEvictions *prometheus.CounterVec

	// SandboxReaps counts sandbox directory reaps by outcome (ok|error).
	SandboxReaps *prometheus.CounterVec

	// PermissionDecisions counts permission-engine decisions by result
	// (allow|deny|confirm).
	PermissionDecisions *prometheus.CounterVec

	// SessionSaveLatency measures session-state store save latency in
	// seconds, by backend (memory|filesystem|postgres; "default" for any
	// other Store implementation).
	SessionSaveLatency *prometheus.HistogramVec

	// SessionSaveDebounced counts saves coalesced by the debounce window.
	SessionSaveDebounced prometheus.Counter
}

// NewMetrics creates and registers all metrics against reg. Pass
// prometheus.DefaultRegisterer in production; pass a fresh
// prometheus.NewRegistry() in tests to avoid duplicate-registration panics
// across table-driven subtests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RunsQueued: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "codelia_runs_queued_total",
				Help: "Total number of runs created, by backend",
			},
			[]string{"backend"},
		),

		RunsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "codelia_runs_active",
				Help: "Current number of runs in the running state",
			},
		),

		RunDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "codelia_run_duration_seconds",
				Help:    "Wall-clock duration of completed runs, by terminal status",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"status"},
		),

		RunClaims: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "codelia_run_claims_total",
				Help: "Total number of claim attempts by the postgres backend, by outcome",
			},
			[]string{"outcome"},
		),

		LeaseRenewals: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "codelia_lease_renewals_total",
				Help: "Total number of lease renewal attempts, by outcome",
			},
			[]string{"outcome"},
		),

		EventAppends: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "codelia_event_appends_total",
				Help: "Total number of run-event log appends, by outcome",
			},
			[]string{"outcome"},
		),

		PoolEntries: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "codelia_pool_entries",
				Help: "Current number of live agent-pool entries",
			},
		),

		PoolEvictions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "codelia_pool_evictions_total",
				Help: "Total number of agent-pool entry evictions, by reason",
			},
			[]string{"reason"},
		),

		SandboxReaps: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "codelia_sandbox_reaps_total",
				Help: "Total number of sandbox directory reap attempts, by outcome",
			},
			[]string{"outcome"},
		),

		PermissionDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "codelia_permission_decisions_total",
				Help: "Total number of permission-engine decisions, by result",
			},
			[]string{"result"},
		),

		SessionSaveLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "codelia_session_save_duration_seconds",
				Help:    "Session-state store save latency in seconds, by backend",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"backend"},
		),

		SessionSaveDebounced: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "codelia_session_save_debounced_total",
				Help: "Total number of session saves coalesced by the debounce window",
			},
		),
	}
}

// RunClaimed records a successful claim.
func (m *Metrics) RunClaimed() {
	m.RunClaims.WithLabelValues("claimed").Inc()
}

// RunClaimEmpty records a claim attempt that found nothing to claim.
func (m *Metrics) RunClaimEmpty() {
	m.RunClaims.WithLabelValues("empty").Inc()
}

// RunClaimError records a claim attempt that failed transiently.
func (m *Metrics) RunClaimError() {
	m.RunClaims.WithLabelValues("error").Inc()
}

// LeaseRenewed records a successful lease renewal.
func (m *Metrics) LeaseRenewed() {
	m.LeaseRenewals.WithLabelValues("ok").Inc()
}

// LeaseLost records a lease renewal that affected zero rows.
func (m *Metrics) LeaseLost() {
	m.LeaseRenewals.WithLabelValues("lost").Inc()
}

// EventAppended records a successful event-log append.
func (m *Metrics) EventAppended() {
	m.EventAppends.WithLabelValues("ok").Inc()
}

// EventAppendConflict records a seq-conflict retry on event append.
func (m *Metrics) EventAppendConflict() {
	m.EventAppends.WithLabelValues("seq_conflict").Inc()
}

// PoolEvicted records a pool-entry eviction for the given reason
// ("idle", "invalidate", or "dispose").
func (m *Metrics) PoolEvicted(reason string) {
	m.PoolEvictions.WithLabelValues(reason).Inc()
	m.PoolEntries.Dec()
}

// PoolEntryCreated records a new pool entry coming into existence.
func (m *Metrics) PoolEntryCreated() {
	m.PoolEntries.Inc()
}

// SandboxReaped records a sandbox reap attempt outcome ("ok" or "error").
func (m *Metrics) SandboxReaped(outcome string) {
	m.SandboxReaps.WithLabelValues(outcome).Inc()
}

// PermissionDecided records a permission-engine decision
// ("allow", "deny", or "confirm").
func (m *Metrics) PermissionDecided(result string) {
	m.PermissionDecisions.WithLabelValues(result).Inc()
}

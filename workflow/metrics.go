package workflow

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics provides Prometheus-compatible metrics for the
// workflow core, all namespaced with "saferun_":
//
//   - active_workflows (gauge): workflows currently in a non-terminal
//     state.
//   - transitions_total (counter, labels: from, to): state machine
//     transitions taken.
//   - checkpoints_total (counter, label: workflow_id): snapshots
//     created.
//   - approval_latency_seconds (histogram, label: decision): time from
//     approval request to decision.
//   - rollback_actions_total (counter, label: status): compensating
//     actions replayed, by outcome.
//   - escrow_released_total (counter, label: reason): funds released
//     through settlement.
//   - anomalies_total (counter, labels: type, severity): anomalies the
//     monitor detected.
//
// Expose via HTTP for Prometheus scraping:
//
//	registry := prometheus.NewRegistry()
//	metrics := NewPrometheusMetrics(registry)
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
//
// Thread-safe. A nil *PrometheusMetrics is valid and records nothing,
// so callers never need nil checks.
type PrometheusMetrics struct {
	activeWorkflows prometheus.Gauge
	transitions     *prometheus.CounterVec
	checkpoints     *prometheus.CounterVec
	approvalLatency *prometheus.HistogramVec
	rollbackActions *prometheus.CounterVec
	escrowReleased  *prometheus.CounterVec
	anomalies       *prometheus.CounterVec

	registry prometheus.Registerer

	mu      sync.RWMutex
	enabled bool
}

// NewPrometheusMetrics creates and registers all workflow metrics with
// the provided registry. Pass nil to use the default global registry;
// a dedicated prometheus.NewRegistry() is recommended for isolation.
func NewPrometheusMetrics(registry prometheus.Registerer) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	pm := &PrometheusMetrics{
		registry: registry,
		enabled:  true,
	}

	pm.activeWorkflows = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "saferun",
		Name:      "active_workflows",
		Help:      "Number of workflows currently in a non-terminal state",
	})

	pm.transitions = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "saferun",
		Name:      "transitions_total",
		Help:      "State machine transitions taken, by source and destination state",
	}, []string{"from", "to"})

	pm.checkpoints = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "saferun",
		Name:      "checkpoints_total",
		Help:      "Checkpoint snapshots created per workflow",
	}, []string{"workflow_id"})

	pm.approvalLatency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "saferun",
		Name:      "approval_latency_seconds",
		Help:      "Time from approval request creation to supervisor decision",
		Buckets:   []float64{1, 5, 15, 60, 300, 900, 3600, 14400}, // 1s to 4h
	}, []string{"decision"})

	pm.rollbackActions = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "saferun",
		Name:      "rollback_actions_total",
		Help:      "Compensating actions replayed during rollback, by outcome",
	}, []string{"status"}) // status: rolled_back, skipped, failed

	pm.escrowReleased = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "saferun",
		Name:      "escrow_released_total",
		Help:      "Escrow funds released through settlement, by release reason",
	}, []string{"reason"})

	pm.anomalies = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "saferun",
		Name:      "anomalies_total",
		Help:      "Execution anomalies detected by the monitor",
	}, []string{"type", "severity"})

	return pm
}

// SetActiveWorkflows sets the non-terminal workflow gauge.
func (pm *PrometheusMetrics) SetActiveWorkflows(count int) {
	if pm == nil || !pm.recording() {
		return
	}
	pm.activeWorkflows.Set(float64(count))
}

// RecordTransition counts one state machine transition.
func (pm *PrometheusMetrics) RecordTransition(from, to State) {
	if pm == nil || !pm.recording() {
		return
	}
	pm.transitions.WithLabelValues(string(from), string(to)).Inc()
}

// RecordCheckpoint counts one snapshot creation.
func (pm *PrometheusMetrics) RecordCheckpoint(workflowID string) {
	if pm == nil || !pm.recording() {
		return
	}
	pm.checkpoints.WithLabelValues(workflowID).Inc()
}

// RecordApprovalLatency observes the request-to-decision latency for
// one approval.
func (pm *PrometheusMetrics) RecordApprovalLatency(decision Decision, latency time.Duration) {
	if pm == nil || !pm.recording() {
		return
	}
	pm.approvalLatency.WithLabelValues(string(decision)).Observe(latency.Seconds())
}

// RecordRollbackAction counts one compensating-action replay outcome.
func (pm *PrometheusMetrics) RecordRollbackAction(status ActionStatus) {
	if pm == nil || !pm.recording() {
		return
	}
	pm.rollbackActions.WithLabelValues(string(status)).Inc()
}

// RecordEscrowRelease accumulates released escrow amounts by reason.
func (pm *PrometheusMetrics) RecordEscrowRelease(reason string, amount float64) {
	if pm == nil || !pm.recording() {
		return
	}
	pm.escrowReleased.WithLabelValues(reason).Add(amount)
}

// RecordAnomaly counts one detected anomaly.
func (pm *PrometheusMetrics) RecordAnomaly(anomalyType, severity string) {
	if pm == nil || !pm.recording() {
		return
	}
	pm.anomalies.WithLabelValues(anomalyType, severity).Inc()
}

func (pm *PrometheusMetrics) recording() bool {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.enabled
}

// Disable temporarily disables metric recording (useful for testing).
func (pm *PrometheusMetrics) Disable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = false
}

// Enable re-enables metric recording after Disable().
func (pm *PrometheusMetrics) Enable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = true
}

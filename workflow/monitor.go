package workflow

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Default monitor thresholds. Tunable per Monitor via MonitorThresholds.
const (
	defaultMaxAPICalls = 50
	defaultMaxTokens   = 10000
)

// MonitorThresholds are the limits past which the monitor flags
// anomalies.
type MonitorThresholds struct {
	// MaxAPICalls triggers a high_api_volume warning when exceeded.
	MaxAPICalls int
	// MaxTokens triggers a high_token_usage warning when
	// resource_consumption["tokens_used"] exceeds it.
	MaxTokens float64
}

// DefaultMonitorThresholds returns the standard limits.
func DefaultMonitorThresholds() MonitorThresholds {
	return MonitorThresholds{
		MaxAPICalls: defaultMaxAPICalls,
		MaxTokens:   defaultMaxTokens,
	}
}

// Anomaly is one detected irregularity in an execution state.
type Anomaly struct {
	Type     string `json:"type"`
	Severity string `json:"severity"`
	Details  string `json:"details"`
}

// Telemetry is one snapshot of execution metrics.
type Telemetry struct {
	Timestamp  time.Time          `json:"timestamp"`
	APICalls   int                `json:"api_calls"`
	Decisions  int                `json:"decisions"`
	Outputs    int                `json:"outputs"`
	Resources  map[string]float64 `json:"resources"`
	MemorySize int                `json:"memory_size"`
}

// MonitorReport is the monitor's verdict on one execution state.
type MonitorReport struct {
	MonitorID        string    `json:"monitor_id"`
	CheckpointID     string    `json:"checkpoint_id"`
	Timestamp        time.Time `json:"timestamp"`
	ShouldCheckpoint bool      `json:"should_checkpoint"`
	TriggerReason    string    `json:"trigger_reason,omitempty"`
	Telemetry        Telemetry `json:"telemetry"`
	Anomalies        []Anomaly `json:"anomalies"`
	Recommendations  []string  `json:"recommendations"`
}

// TriggerFunc is a caller-supplied predicate that forces a checkpoint
// when it returns true for an execution state.
type TriggerFunc func(state ExecutionState) bool

// ProgressMetric compares one dimension of actual vs expected progress.
type ProgressMetric struct {
	Expected int `json:"expected"`
	Actual   int `json:"actual"`
	Variance int `json:"variance"`
}

// ProgressComparison reports whether execution is tracking its
// expected trajectory.
type ProgressComparison struct {
	Timestamp time.Time                 `json:"timestamp"`
	Metrics   map[string]ProgressMetric `json:"metrics"`
	OnTrack   bool                      `json:"on_track"`
}

// TelemetrySummary aggregates all telemetry a monitor has captured.
type TelemetrySummary struct {
	MonitorID      string     `json:"monitor_id"`
	EntriesCount   int        `json:"entries_count"`
	Latest         *Telemetry `json:"latest,omitempty"`
	TotalAPICalls  int        `json:"total_api_calls"`
	TotalDecisions int        `json:"total_decisions"`
}

// Monitor watches execution states, detects anomalies and timeouts,
// and decides when a checkpoint should be forced. It is pure with
// respect to orchestrator state: it never mutates a workflow.
// Thread-safe.
type Monitor struct {
	mu         sync.Mutex
	monitorID  string
	thresholds MonitorThresholds
	triggers   map[string]TriggerFunc
	telemetry  []Telemetry
	now        Clock
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithMonitorThresholds overrides the anomaly limits.
func WithMonitorThresholds(t MonitorThresholds) MonitorOption {
	return func(m *Monitor) {
		m.thresholds = t
	}
}

// WithMonitorClock injects a clock for deterministic timeout checks.
func WithMonitorClock(now Clock) MonitorOption {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}

// NewMonitor creates an execution monitor.
func NewMonitor(monitorID string, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		monitorID:  monitorID,
		thresholds: DefaultMonitorThresholds(),
		triggers:   make(map[string]TriggerFunc),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RegisterTrigger installs a predicate that forces a checkpoint for
// the given checkpoint id.
func (m *Monitor) RegisterTrigger(checkpointID string, condition TriggerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.triggers[checkpointID] = condition
}

// Check evaluates an execution state against a checkpoint config.
// should_checkpoint is the disjunction of custom triggers, anomalies,
// and timeout; when several fire, the timeout reason takes precedence
// over anomaly, which takes precedence over a custom condition.
func (m *Monitor) Check(state ExecutionState, checkpoint CheckpointConfig) MonitorReport {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	telemetry := captureTelemetry(state, now)
	m.telemetry = append(m.telemetry, telemetry)

	report := MonitorReport{
		MonitorID:    m.monitorID,
		CheckpointID: checkpoint.CheckpointID,
		Timestamp:    now,
		Telemetry:    telemetry,
	}

	if condition, ok := m.triggers[checkpoint.CheckpointID]; ok && condition(state) {
		report.ShouldCheckpoint = true
		report.TriggerReason = "custom_condition"
	}

	report.Anomalies = m.detectAnomalies(state)
	if len(report.Anomalies) > 0 {
		report.ShouldCheckpoint = true
		report.TriggerReason = "anomaly_detected"
	}

	if now.Sub(state.Timestamp) > time.Duration(checkpoint.TimeoutSeconds)*time.Second {
		report.ShouldCheckpoint = true
		report.TriggerReason = "timeout"
	}

	report.Recommendations = recommendations(state, report.Anomalies)
	return report
}

func captureTelemetry(state ExecutionState, now time.Time) Telemetry {
	resources := make(map[string]float64, len(state.ResourceConsumption))
	for k, v := range state.ResourceConsumption {
		resources[k] = v
	}

	memorySize := 0
	if data, err := json.Marshal(state.AgentMemory); err == nil {
		memorySize = len(data)
	}

	return Telemetry{
		Timestamp:  now,
		APICalls:   len(state.APICalls),
		Decisions:  len(state.DecisionTrace),
		Outputs:    len(state.IntermediateOutputs),
		Resources:  resources,
		MemorySize: memorySize,
	}
}

func (m *Monitor) detectAnomalies(state ExecutionState) []Anomaly {
	var anomalies []Anomaly

	if len(state.APICalls) > m.thresholds.MaxAPICalls {
		anomalies = append(anomalies, Anomaly{
			Type:     "high_api_volume",
			Severity: "warning",
			Details:  fmt.Sprintf("%d API calls made", len(state.APICalls)),
		})
	}

	if tokens := state.ResourceConsumption["tokens_used"]; tokens > m.thresholds.MaxTokens {
		anomalies = append(anomalies, Anomaly{
			Type:     "high_token_usage",
			Severity: "warning",
			Details:  fmt.Sprintf("%v tokens consumed", tokens),
		})
	}

	errorCount := 0
	for _, decision := range state.DecisionTrace {
		lower := strings.ToLower(decision)
		if strings.Contains(lower, "error") || strings.Contains(lower, "failed") {
			errorCount++
		}
	}
	if errorCount > 0 {
		anomalies = append(anomalies, Anomaly{
			Type:     "error_detected",
			Severity: "critical",
			Details:  fmt.Sprintf("%d error decisions found", errorCount),
		})
	}

	return anomalies
}

func recommendations(state ExecutionState, anomalies []Anomaly) []string {
	var recs []string
	if len(anomalies) > 0 {
		recs = append(recs, "Human review recommended due to detected anomalies")
	}
	if len(state.APICalls) > 30 {
		recs = append(recs, "Consider breaking task into smaller steps")
	}
	if len(state.IntermediateOutputs) == 0 {
		recs = append(recs, "No outputs generated yet, verify progress")
	}
	return recs
}

// CompareProgress measures the actual state against expected counts of
// api calls and outputs. On track means api calls within 20% of the
// expectation and at least 80% of expected outputs produced.
func (m *Monitor) CompareProgress(actual ExecutionState, expectedAPICalls, expectedOutputs int) ProgressComparison {
	actualCalls := len(actual.APICalls)
	actualOutputs := len(actual.IntermediateOutputs)

	callVariance := actualCalls - expectedAPICalls
	if callVariance < 0 {
		callVariance = -callVariance
	}

	return ProgressComparison{
		Timestamp: m.now().UTC(),
		Metrics: map[string]ProgressMetric{
			"api_calls": {
				Expected: expectedAPICalls,
				Actual:   actualCalls,
				Variance: actualCalls - expectedAPICalls,
			},
			"outputs": {
				Expected: expectedOutputs,
				Actual:   actualOutputs,
				Variance: actualOutputs - expectedOutputs,
			},
		},
		OnTrack: float64(callVariance) <= float64(expectedAPICalls)*0.2 &&
			float64(actualOutputs) >= float64(expectedOutputs)*0.8,
	}
}

// Summary aggregates all telemetry captured so far.
func (m *Monitor) Summary() TelemetrySummary {
	m.mu.Lock()
	defer m.mu.Unlock()

	summary := TelemetrySummary{
		MonitorID:    m.monitorID,
		EntriesCount: len(m.telemetry),
	}
	if len(m.telemetry) > 0 {
		latest := m.telemetry[len(m.telemetry)-1]
		summary.Latest = &latest
	}
	for _, t := range m.telemetry {
		summary.TotalAPICalls += t.APICalls
		summary.TotalDecisions += t.Decisions
	}
	return summary
}

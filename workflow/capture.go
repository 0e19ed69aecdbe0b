package workflow

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Capture produces the deterministic byte serialization of execution
// states, content hashes for content addressing, and structural diffs.
//
// Serialization properties:
//   - Mapping keys are emitted in sorted order (encoding/json guarantees
//     this for map types), so the content hash is invariant under map
//     insertion order.
//   - Timestamps are normalized to UTC and encoded RFC 3339 with a
//     trailing Z.
//   - Serialization is total for any valid ExecutionState.
type Capture struct {
	mu      sync.Mutex
	history []CaptureRecord
	now     Clock
}

// CaptureRecord is one entry in the capture history, kept for debugging.
type CaptureRecord struct {
	CheckpointID string    `json:"checkpoint_id"`
	Timestamp    time.Time `json:"timestamp"`
	APICalls     int       `json:"api_calls"`
	Decisions    int       `json:"decisions"`
	Outputs      int       `json:"outputs"`
}

// NewCapture creates a Capture with the real clock.
func NewCapture() *Capture {
	return &Capture{now: time.Now}
}

// NewCaptureWithClock creates a Capture with an injected clock for
// reproducible timestamps in tests.
func NewCaptureWithClock(now Clock) *Capture {
	if now == nil {
		now = time.Now
	}
	return &Capture{now: now}
}

// Capture assembles an ExecutionState from the executor's working set,
// stamped with the current UTC time, and records it in the history.
func (c *Capture) Capture(
	checkpointID string,
	agentMemory map[string]interface{},
	apiCalls []APICall,
	intermediateOutputs map[string]interface{},
	decisionTrace []string,
	resourceConsumption map[string]float64,
) ExecutionState {
	state := ExecutionState{
		CheckpointID:        checkpointID,
		Timestamp:           c.now().UTC(),
		AgentMemory:         agentMemory,
		APICalls:            apiCalls,
		IntermediateOutputs: intermediateOutputs,
		DecisionTrace:       decisionTrace,
		ResourceConsumption: resourceConsumption,
	}

	c.mu.Lock()
	c.history = append(c.history, CaptureRecord{
		CheckpointID: checkpointID,
		Timestamp:    state.Timestamp,
		APICalls:     len(apiCalls),
		Decisions:    len(decisionTrace),
		Outputs:      len(intermediateOutputs),
	})
	c.mu.Unlock()

	return state
}

// History returns a copy of the capture history.
func (c *Capture) History() []CaptureRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]CaptureRecord(nil), c.history...)
}

// Serialize encodes a state as canonical JSON bytes.
func (c *Capture) Serialize(state ExecutionState) ([]byte, error) {
	canonical := canonicalizeState(state)
	data, err := json.Marshal(canonical)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize execution state: %w", err)
	}
	return data, nil
}

// Deserialize restores a state from Serialize output.
func (c *Capture) Deserialize(data []byte) (ExecutionState, error) {
	var state ExecutionState
	if err := json.Unmarshal(data, &state); err != nil {
		return ExecutionState{}, fmt.Errorf("failed to deserialize execution state: %w", err)
	}
	return state, nil
}

// ContentHash returns the hex-encoded SHA-256 of the canonical
// serialization. Two states that differ only in map insertion order
// hash identically.
func (c *Capture) ContentHash(state ExecutionState) (string, error) {
	data, err := c.Serialize(state)
	if err != nil {
		return "", err
	}
	return HashBytes(data), nil
}

// HashBytes returns the hex-encoded SHA-256 of raw bytes. Used by the
// orchestrator to verify artifact reads against snapshot hashes.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// canonicalizeState normalizes timestamps to UTC so serialization is
// location-independent. Payload maps need no rewriting: encoding/json
// already sorts map keys.
func canonicalizeState(state ExecutionState) ExecutionState {
	state.Timestamp = state.Timestamp.UTC()
	if len(state.APICalls) > 0 {
		calls := make([]APICall, len(state.APICalls))
		copy(calls, state.APICalls)
		for i := range calls {
			calls[i].Timestamp = calls[i].Timestamp.UTC()
		}
		state.APICalls = calls
	}
	return state
}

// MapDiff describes how one string-keyed mapping evolved into another.
type MapDiff struct {
	Added   map[string]interface{} `json:"added"`
	Removed map[string]interface{} `json:"removed"`
	Changed map[string]ValueChange `json:"changed"`
}

// ValueChange holds the before and after of a changed key.
type ValueChange struct {
	Old interface{} `json:"old"`
	New interface{} `json:"new"`
}

// Empty reports whether the diff contains no differences.
func (d MapDiff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0
}

// StateDiff summarizes the differences between two execution states.
// Growth deltas are clamped at zero. Debugging aid only; never on the
// critical path.
type StateDiff struct {
	Memory         MapDiff `json:"memory_diff"`
	Outputs        MapDiff `json:"outputs_diff"`
	Resources      MapDiff `json:"resource_diff"`
	APICallsAdded  int     `json:"api_calls_added"`
	DecisionsAdded int     `json:"decisions_added"`
}

// Diff compares two execution states, treating the first as "before"
// and the second as "after".
func (c *Capture) Diff(before, after ExecutionState) StateDiff {
	return StateDiff{
		Memory:         mapDiff(before.AgentMemory, after.AgentMemory),
		Outputs:        mapDiff(before.IntermediateOutputs, after.IntermediateOutputs),
		Resources:      mapDiff(floatsToAny(before.ResourceConsumption), floatsToAny(after.ResourceConsumption)),
		APICallsAdded:  clampNonNegative(len(after.APICalls) - len(before.APICalls)),
		DecisionsAdded: clampNonNegative(len(after.DecisionTrace) - len(before.DecisionTrace)),
	}
}

func mapDiff(before, after map[string]interface{}) MapDiff {
	diff := MapDiff{
		Added:   make(map[string]interface{}),
		Removed: make(map[string]interface{}),
		Changed: make(map[string]ValueChange),
	}
	for k, v := range after {
		if _, ok := before[k]; !ok {
			diff.Added[k] = v
		}
	}
	for k, v := range before {
		newVal, ok := after[k]
		if !ok {
			diff.Removed[k] = v
			continue
		}
		if !jsonEqual(v, newVal) {
			diff.Changed[k] = ValueChange{Old: v, New: newVal}
		}
	}
	return diff
}

// jsonEqual compares two payload values through their canonical JSON
// encoding, which is well-defined for the JSON-shaped values the core
// carries.
func jsonEqual(a, b interface{}) bool {
	aj, errA := json.Marshal(a)
	bj, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(aj) == string(bj)
}

func floatsToAny(m map[string]float64) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func clampNonNegative(n int) int {
	if n < 0 {
		return 0
	}
	return n
}

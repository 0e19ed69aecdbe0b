package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ActionKind enumerates the side-effectful action types the registry
// knows how to invert. Modeling inverses as a tagged variant keeps
// persisted state free of live closures.
type ActionKind string

// Registered action kinds.
const (
	ActionAPICall       ActionKind = "api_call"
	ActionArtifactWrite ActionKind = "artifact_write"
	ActionEscrowRelease ActionKind = "escrow_release"
	ActionCustom        ActionKind = "custom"
)

// Inverse undoes a recorded action. The payload is the action's
// recorded data; implementations must be idempotent given the same
// payload, because retries after partial failures re-deliver it.
type Inverse interface {
	Invert(ctx context.Context, payload map[string]interface{}) error
}

// InverseFunc adapts a function to the Inverse interface.
type InverseFunc func(ctx context.Context, payload map[string]interface{}) error

// Invert calls f.
func (f InverseFunc) Invert(ctx context.Context, payload map[string]interface{}) error {
	return f(ctx, payload)
}

// compensatingAction pairs a recorded action with its inverse and the
// at-most-once execution bookkeeping.
type compensatingAction struct {
	actionID  string
	kind      ActionKind
	payload   map[string]interface{}
	inverse   Inverse
	executed  bool
	succeeded bool
}

// ActionStatus reports the per-action outcome of a rollback pass.
type ActionStatus string

// Rollback outcomes per action.
const (
	ActionRolledBack ActionStatus = "rolled_back"
	ActionSkipped    ActionStatus = "skipped"
	ActionFailed     ActionStatus = "failed"
)

// ActionResult is one line of a RollbackReport.
type ActionResult struct {
	ActionID string       `json:"action_id"`
	Kind     ActionKind   `json:"kind"`
	Status   ActionStatus `json:"status"`
	Error    string       `json:"error,omitempty"`
}

// RollbackReport summarizes one rollback pass. Success means every
// inverse either succeeded or was skipped for lack of an inverse.
type RollbackReport struct {
	Timestamp time.Time      `json:"timestamp"`
	Actions   []ActionResult `json:"actions"`
	Failed    []string       `json:"failed"`
	Success   bool           `json:"success"`
}

// Registry records side-effectful actions with their inverses during
// EXECUTING and replays the inverses in reverse registration order when
// a rejection triggers a rollback.
//
// Registration order is the source of truth for replay order: the saga
// undoes the most recent action first. Thread-safe.
type Registry struct {
	mu      sync.Mutex
	order   []string
	actions map[string]*compensatingAction
	history []RollbackReport
	now     Clock
}

// NewRegistry creates an empty compensating-transaction registry.
func NewRegistry() *Registry {
	return &Registry{
		actions: make(map[string]*compensatingAction),
		now:     time.Now,
	}
}

// NewRegistryWithClock creates a registry with an injected clock.
func NewRegistryWithClock(now Clock) *Registry {
	r := NewRegistry()
	if now != nil {
		r.now = now
	}
	return r
}

// Register records an action that may need to be undone. Call it before
// performing any action with side effects. A nil inverse marks the
// action as self-reverting; rollback records it as skipped.
func (r *Registry) Register(actionID string, kind ActionKind, payload map[string]interface{}, inverse Inverse) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if actionID == "" {
		return fmt.Errorf("%w: action id must not be empty", ErrValidation)
	}
	if _, exists := r.actions[actionID]; exists {
		return fmt.Errorf("%w: action %q already registered", ErrValidation, actionID)
	}

	r.actions[actionID] = &compensatingAction{
		actionID: actionID,
		kind:     kind,
		payload:  payload,
		inverse:  inverse,
	}
	r.order = append(r.order, actionID)
	return nil
}

// Registered reports whether an action id is known to the registry.
func (r *Registry) Registered(actionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.actions[actionID]
	return ok
}

// Rollback replays the inverses of the given action ids in reverse
// registration order. It is best-effort all-or-nothing: a failing
// inverse never short-circuits the loop, and the report lists every
// failed action id.
//
// Each action is marked executed before its inverse runs, so a retry
// after a crash cannot run the same inverse twice; already-executed
// actions contribute their recorded outcome.
//
// Unknown ids and actions without an inverse are recorded as skipped
// and count as success.
func (r *Registry) Rollback(ctx context.Context, actionIDs []string) RollbackReport {
	r.mu.Lock()
	defer r.mu.Unlock()

	requested := make(map[string]bool, len(actionIDs))
	for _, id := range actionIDs {
		requested[id] = true
	}

	report := RollbackReport{
		Timestamp: r.now().UTC(),
		Success:   true,
	}

	// Walk registration order backwards, visiting only requested ids.
	seen := make(map[string]bool, len(actionIDs))
	for i := len(r.order) - 1; i >= 0; i-- {
		id := r.order[i]
		if !requested[id] {
			continue
		}
		seen[id] = true
		action := r.actions[id]
		report.addResult(r.invert(ctx, action))
	}

	// Ids that were never registered are skipped, not failures.
	for _, id := range actionIDs {
		if !seen[id] {
			report.Actions = append(report.Actions, ActionResult{ActionID: id, Status: ActionSkipped})
		}
	}

	r.history = append(r.history, report)
	return report
}

// RollbackKinds replays inverses for every registered action of the
// given kinds, most recent first. Used for partial cleanup when only
// certain classes of side effects must be undone.
func (r *Registry) RollbackKinds(ctx context.Context, kinds ...ActionKind) RollbackReport {
	wanted := make(map[ActionKind]bool, len(kinds))
	for _, k := range kinds {
		wanted[k] = true
	}

	r.mu.Lock()
	var ids []string
	for _, id := range r.order {
		if wanted[r.actions[id].kind] {
			ids = append(ids, id)
		}
	}
	r.mu.Unlock()

	return r.Rollback(ctx, ids)
}

// ActionIDs returns every registered action id in registration order.
func (r *Registry) ActionIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

// invert runs a single inverse with at-most-once semantics. Caller
// holds r.mu.
func (r *Registry) invert(ctx context.Context, action *compensatingAction) ActionResult {
	result := ActionResult{ActionID: action.actionID, Kind: action.kind}

	if action.executed {
		// Replay of a prior pass: report the recorded outcome.
		if action.succeeded {
			result.Status = ActionRolledBack
		} else {
			result.Status = ActionFailed
			result.Error = "inverse previously failed"
		}
		return result
	}

	if action.inverse == nil {
		action.executed = true
		action.succeeded = true
		result.Status = ActionSkipped
		return result
	}

	// Mark executed before invoking so a crash mid-inverse cannot cause
	// a duplicate execution on retry.
	action.executed = true
	if err := action.inverse.Invert(ctx, action.payload); err != nil {
		action.succeeded = false
		result.Status = ActionFailed
		result.Error = err.Error()
		return result
	}
	action.succeeded = true
	result.Status = ActionRolledBack
	return result
}

func (rep *RollbackReport) addResult(result ActionResult) {
	rep.Actions = append(rep.Actions, result)
	if result.Status == ActionFailed {
		rep.Failed = append(rep.Failed, result.ActionID)
		rep.Success = false
	}
}

// History returns a copy of all rollback reports produced so far.
func (r *Registry) History() []RollbackReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]RollbackReport(nil), r.history...)
}

// Clear discards all registered transactions. Called after successful
// settlement, when nothing remains to compensate.
func (r *Registry) Clear() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.actions)
	r.actions = make(map[string]*compensatingAction)
	r.order = nil
	return n
}

// Package workflow implements the SafeRun supervised workflow core: the
// checkpoint/approval state machine, execution state capture, the
// compensating-transaction registry, reconciliation and settlement, the
// execution monitor, and the supervisor adapter.
package workflow

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// State identifies the lifecycle phase of a workflow execution.
type State string

// Workflow lifecycle states. COMPLETED and FAILED are terminal; every
// operation on a terminal workflow fails with ErrInvalidTransition.
const (
	StateInitialized      State = "initialized"
	StateExecuting        State = "executing"
	StateAwaitingApproval State = "awaiting_approval"
	StateRollingBack      State = "rolling_back"
	StateSettling         State = "settling"
	StateCompleted        State = "completed"
	StateFailed           State = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Decision is a human supervisor's verdict on an approval request.
type Decision string

// Supervisor decisions.
const (
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
	DecisionModified Decision = "modified"
)

// CheckpointConfig declares a single pause point within a workflow.
// Configs are frozen once the workflow is initialized.
type CheckpointConfig struct {
	CheckpointID     string `json:"checkpoint_id"`
	Name             string `json:"name"`
	Description      string `json:"description"`
	RequiresApproval bool   `json:"requires_approval"`
	TimeoutSeconds   int    `json:"timeout_seconds"`
	CanRollback      bool   `json:"can_rollback"`
}

// DefaultCheckpointTimeout is applied when a CheckpointConfig omits
// TimeoutSeconds.
const DefaultCheckpointTimeout = 300

// WorkflowConfig describes an entire supervised workflow: its ordered
// checkpoints, the escrowed amount, and the parties involved.
// Immutable after Initialize.
type WorkflowConfig struct {
	WorkflowID   string             `json:"workflow_id"`
	Name         string             `json:"name"`
	Description  string             `json:"description"`
	Checkpoints  []CheckpointConfig `json:"checkpoints"`
	EscrowAmount float64            `json:"escrow_amount"`
	PosterID     string             `json:"poster_id"`
	ExecutorID   string             `json:"executor_id"`
	SupervisorID string             `json:"supervisor_id,omitempty"`
}

// Validate checks structural requirements: at least one checkpoint and
// a non-negative escrow amount.
func (c *WorkflowConfig) Validate() error {
	if len(c.Checkpoints) == 0 {
		return fmt.Errorf("%w: workflow requires at least one checkpoint", ErrValidation)
	}
	if c.EscrowAmount < 0 {
		return fmt.Errorf("%w: escrow amount must be non-negative, got %v", ErrValidation, c.EscrowAmount)
	}
	for i, cp := range c.Checkpoints {
		if cp.TimeoutSeconds < 0 {
			return fmt.Errorf("%w: checkpoint %d has negative timeout", ErrValidation, i)
		}
	}
	return nil
}

// normalize fills generated ids and defaults on a config copy.
func (c *WorkflowConfig) normalize() {
	if c.WorkflowID == "" {
		c.WorkflowID = uuid.NewString()
	}
	for i := range c.Checkpoints {
		if c.Checkpoints[i].CheckpointID == "" {
			c.Checkpoints[i].CheckpointID = uuid.NewString()
		}
		if c.Checkpoints[i].TimeoutSeconds == 0 {
			c.Checkpoints[i].TimeoutSeconds = DefaultCheckpointTimeout
		}
	}
}

// APICall records a single external call the executor performed.
// Result payloads are JSON-shaped and treated as opaque by the core.
type APICall struct {
	CallID         string                 `json:"call_id"`
	Timestamp      time.Time              `json:"timestamp"`
	Description    string                 `json:"description"`
	HasSideEffects bool                   `json:"has_side_effects"`
	Result         map[string]interface{} `json:"result,omitempty"`
}

// ExecutionState is the complete agent execution state captured at a
// checkpoint. All payload bags are JSON-shaped values (null, bool,
// number, string, array, string-keyed object).
type ExecutionState struct {
	CheckpointID        string                 `json:"checkpoint_id"`
	Timestamp           time.Time              `json:"timestamp"`
	AgentMemory         map[string]interface{} `json:"agent_memory"`
	APICalls            []APICall              `json:"api_calls"`
	IntermediateOutputs map[string]interface{} `json:"intermediate_outputs"`
	DecisionTrace       []string               `json:"decision_trace"`
	ResourceConsumption map[string]float64     `json:"resource_consumption"`
}

// CheckpointSnapshot is the immutable record of an ExecutionState at a
// checkpoint. ArtifactURI is empty when the artifact sink was
// unavailable at creation time; the snapshot then lives only in-process.
type CheckpointSnapshot struct {
	SnapshotID       string         `json:"snapshot_id"`
	WorkflowID       string         `json:"workflow_id"`
	CheckpointID     string         `json:"checkpoint_id"`
	ExecutionState   ExecutionState `json:"execution_state"`
	ApprovalRequired bool           `json:"approval_required"`
	CreatedAt        time.Time      `json:"created_at"`
	ArtifactURI      string         `json:"artifact_uri,omitempty"`
	ContentHash      string         `json:"content_hash"`
}

// ApprovalRequest packages a snapshot for human review.
type ApprovalRequest struct {
	RequestID    string                 `json:"request_id"`
	WorkflowID   string                 `json:"workflow_id"`
	CheckpointID string                 `json:"checkpoint_id"`
	SnapshotID   string                 `json:"snapshot_id"`
	Summary      string                 `json:"summary"`
	Context      map[string]interface{} `json:"context"`
	CreatedAt    time.Time              `json:"created_at"`
	// ExpiresAt is zero when the request never expires.
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// ApprovalResponse is a validated supervisor decision. Modifications is
// non-empty exactly when Decision is DecisionModified.
type ApprovalResponse struct {
	RequestID     string                 `json:"request_id"`
	Decision      Decision               `json:"decision"`
	Rationale     string                 `json:"rationale"`
	Modifications map[string]interface{} `json:"modifications,omitempty"`
	ApprovedBy    string                 `json:"approved_by"`
	ApprovedAt    time.Time              `json:"approved_at"`
}

// Validate checks the I4 invariant: MODIFIED carries a non-empty
// modifications mapping, APPROVED/REJECTED carry none, and every
// response has a rationale.
func (r *ApprovalResponse) Validate() error {
	if r.RequestID == "" {
		return fmt.Errorf("%w: response missing request id", ErrValidation)
	}
	if r.Rationale == "" {
		return fmt.Errorf("%w: response requires a rationale", ErrValidation)
	}
	switch r.Decision {
	case DecisionModified:
		if len(r.Modifications) == 0 {
			return fmt.Errorf("%w: modified decision requires modifications", ErrValidation)
		}
	case DecisionApproved, DecisionRejected:
		if len(r.Modifications) != 0 {
			return fmt.Errorf("%w: %s decision must not carry modifications", ErrValidation, r.Decision)
		}
	default:
		return fmt.Errorf("%w: unknown decision %q", ErrValidation, r.Decision)
	}
	return nil
}

// WorkflowExecution tracks one workflow through its lifecycle. It is
// owned and mutated exclusively by the Orchestrator; callers receive
// copies.
type WorkflowExecution struct {
	WorkflowID             string               `json:"workflow_id"`
	Config                 WorkflowConfig       `json:"config"`
	CurrentState           State                `json:"current_state"`
	CurrentCheckpointIndex int                  `json:"current_checkpoint_index"`
	Snapshots              []CheckpointSnapshot `json:"snapshots"`
	ApprovalRequests       []ApprovalRequest    `json:"approval_requests"`
	ApprovalResponses      []ApprovalResponse   `json:"approval_responses"`
	StartedAt              time.Time            `json:"started_at"`
	// CompletedAt is zero until the workflow reaches a terminal state.
	CompletedAt  time.Time `json:"completed_at,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	// EscrowID is assigned when funds are locked at start.
	EscrowID string `json:"escrow_id,omitempty"`
}

// CurrentCheckpoint returns the config of the checkpoint the workflow
// is currently at, or false when the index is past the last checkpoint.
func (w *WorkflowExecution) CurrentCheckpoint() (CheckpointConfig, bool) {
	if w.CurrentCheckpointIndex < 0 || w.CurrentCheckpointIndex >= len(w.Config.Checkpoints) {
		return CheckpointConfig{}, false
	}
	return w.Config.Checkpoints[w.CurrentCheckpointIndex], true
}

// clone returns a deep copy safe to hand to callers while the
// orchestrator keeps mutating the original.
func (w *WorkflowExecution) clone() WorkflowExecution {
	out := *w
	out.Config.Checkpoints = append([]CheckpointConfig(nil), w.Config.Checkpoints...)
	out.Snapshots = append([]CheckpointSnapshot(nil), w.Snapshots...)
	out.ApprovalRequests = append([]ApprovalRequest(nil), w.ApprovalRequests...)
	out.ApprovalResponses = append([]ApprovalResponse(nil), w.ApprovalResponses...)
	return out
}

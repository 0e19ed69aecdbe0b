package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Officialhomie/SafeRun-X402/workflow/artifact"
	"github.com/Officialhomie/SafeRun-X402/workflow/emit"
	"github.com/Officialhomie/SafeRun-X402/workflow/escrow"
	"github.com/google/uuid"
)

// rejectedNoRollbackMsg is the terminal error message recorded when a
// rejection lands on a checkpoint that does not permit rollback.
const rejectedNoRollbackMsg = "Approval rejected and rollback not permitted"

// Orchestrator owns the lifecycle of every registered workflow: it
// validates state transitions, drives checkpoint capture and artifact
// persistence, routes approvals, runs the compensating rollback on
// rejection, and instructs the escrow facility at settlement.
//
// Concurrency model: the registry map is guarded by its own lock, and
// each workflow carries a private mutex so that no two transitions of
// the same workflow ever overlap. Operations on distinct workflows
// proceed in parallel.
//
// Collaborators (artifact sink, escrow sink, emitter, metrics) are
// injected via options; all are optional. Without an artifact sink,
// snapshots live only in-process. Without an escrow sink, fund
// operations are skipped.
type Orchestrator struct {
	mu        sync.RWMutex
	workflows map[string]*workflowEntry

	capture    *Capture
	artifacts  artifact.Sink
	escrow     escrow.Sink
	emitter    emit.Emitter
	metrics    *PrometheusMetrics
	completion CompletionPolicy
	split      SplitPolicy
	now        Clock

	active int
}

// workflowEntry is the orchestrator's private record for one workflow.
// entry.mu serializes every transition of the workflow.
type workflowEntry struct {
	mu         sync.Mutex
	exec       WorkflowExecution
	registry   *Registry
	settlement *Settlement
}

// NewOrchestrator creates an orchestrator with the given options.
func NewOrchestrator(opts ...Option) *Orchestrator {
	o := &Orchestrator{
		workflows:  make(map[string]*workflowEntry),
		emitter:    emit.NewNullEmitter(),
		completion: DefaultCompletionPolicy(),
		split:      DefaultSplitPolicy(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.capture = NewCaptureWithClock(o.now)
	return o
}

// Initialize registers a new workflow in INITIALIZED state. The config
// is validated and frozen; missing ids are generated. Returns
// ErrDuplicateWorkflow when the workflow id is already registered.
func (o *Orchestrator) Initialize(config WorkflowConfig) (WorkflowExecution, error) {
	if err := config.Validate(); err != nil {
		return WorkflowExecution{}, err
	}
	config.normalize()

	entry := &workflowEntry{
		exec: WorkflowExecution{
			WorkflowID:   config.WorkflowID,
			Config:       config,
			CurrentState: StateInitialized,
			StartedAt:    o.now().UTC(),
		},
		registry: NewRegistryWithClock(o.now),
	}

	o.mu.Lock()
	if _, exists := o.workflows[config.WorkflowID]; exists {
		o.mu.Unlock()
		return WorkflowExecution{}, fmt.Errorf("%w: %s", ErrDuplicateWorkflow, config.WorkflowID)
	}
	o.workflows[config.WorkflowID] = entry
	o.active++
	o.metrics.SetActiveWorkflows(o.active)
	o.mu.Unlock()

	o.emit(entry, "workflow_initialized", nil)
	return entry.exec.clone(), nil
}

// Start moves an INITIALIZED workflow to EXECUTING. When an escrow
// sink is configured and the escrow amount is positive, funds are
// locked first; a lock failure fails the workflow and the error is
// returned to the caller.
func (o *Orchestrator) Start(ctx context.Context, workflowID string) error {
	entry, err := o.lookup(workflowID)
	if err != nil {
		return err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.exec.CurrentState != StateInitialized {
		return transitionErr(workflowID, entry.exec.CurrentState, "start requires INITIALIZED")
	}

	if o.escrow != nil && entry.exec.Config.EscrowAmount > 0 {
		escrowID, err := o.escrow.Lock(ctx, workflowID, entry.exec.Config.EscrowAmount,
			entry.exec.Config.PosterID, entry.exec.Config.ExecutorID)
		if err != nil {
			reason := fmt.Sprintf("escrow lock failed: %v", err)
			o.terminate(entry, StateFailed, reason)
			return &WorkflowError{
				WorkflowID: workflowID,
				State:      StateFailed,
				Message:    reason,
				Err:        fmt.Errorf("%w: %v", ErrSinkFailure, err),
			}
		}
		entry.exec.EscrowID = escrowID
	}

	o.setState(entry, StateExecuting)
	o.emit(entry, "workflow_started", map[string]interface{}{"escrow_id": entry.exec.EscrowID})
	return nil
}

// CreateCheckpoint captures an execution state at the workflow's
// current checkpoint. The state is serialized and written to the
// artifact sink; if the sink fails, the snapshot is still created with
// an empty artifact URI and durability is only in-process (the emitted
// event carries the failure).
//
// Checkpoints that do not require approval advance the workflow
// immediately; the last such checkpoint moves the workflow to SETTLING.
func (o *Orchestrator) CreateCheckpoint(ctx context.Context, workflowID string, state ExecutionState) (CheckpointSnapshot, error) {
	entry, err := o.lookup(workflowID)
	if err != nil {
		return CheckpointSnapshot{}, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.exec.CurrentState != StateExecuting {
		return CheckpointSnapshot{}, transitionErr(workflowID, entry.exec.CurrentState, "create_checkpoint requires EXECUTING")
	}
	checkpoint, ok := entry.exec.CurrentCheckpoint()
	if !ok {
		return CheckpointSnapshot{}, transitionErr(workflowID, entry.exec.CurrentState, "all checkpoints already created")
	}

	// The snapshot is pinned to the configured checkpoint at the current
	// index regardless of what the captured state claims.
	state.CheckpointID = checkpoint.CheckpointID
	if state.Timestamp.IsZero() {
		state.Timestamp = o.now().UTC()
	}

	data, err := o.capture.Serialize(state)
	if err != nil {
		return CheckpointSnapshot{}, err
	}

	snapshot := CheckpointSnapshot{
		SnapshotID:       uuid.NewString(),
		WorkflowID:       workflowID,
		CheckpointID:     checkpoint.CheckpointID,
		ExecutionState:   state,
		ApprovalRequired: checkpoint.RequiresApproval,
		CreatedAt:        o.now().UTC(),
		ContentHash:      HashBytes(data),
	}

	meta := map[string]interface{}{
		"snapshot_id":   snapshot.SnapshotID,
		"checkpoint_id": checkpoint.CheckpointID,
	}
	if o.artifacts != nil {
		record, err := o.artifacts.Put(ctx, "checkpoint_snapshot", data, map[string]string{
			"workflow_id":   workflowID,
			"checkpoint_id": checkpoint.CheckpointID,
			"snapshot_id":   snapshot.SnapshotID,
		})
		if err != nil {
			// Degrade to in-process durability; the snapshot survives
			// only as long as the orchestrator does.
			meta["artifact_error"] = err.Error()
		} else {
			snapshot.ArtifactURI = record.URI
			meta["artifact_uri"] = record.URI
		}
	}

	entry.exec.Snapshots = append(entry.exec.Snapshots, snapshot)
	o.metrics.RecordCheckpoint(workflowID)
	o.emit(entry, "checkpoint_created", meta)

	if !checkpoint.RequiresApproval {
		o.advance(entry)
	}
	return snapshot, nil
}

// RequestApproval pauses an EXECUTING workflow for human review of the
// given snapshot. The snapshot must belong to this workflow and must
// not already be resolved by a prior request. The request expires after
// the checkpoint's timeout.
func (o *Orchestrator) RequestApproval(workflowID, snapshotID, summary string, requestContext map[string]interface{}) (ApprovalRequest, error) {
	entry, err := o.lookup(workflowID)
	if err != nil {
		return ApprovalRequest{}, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.exec.CurrentState != StateExecuting {
		return ApprovalRequest{}, transitionErr(workflowID, entry.exec.CurrentState, "request_approval requires EXECUTING")
	}

	snapshot, ok := entry.findSnapshot(snapshotID)
	if !ok {
		return ApprovalRequest{}, fmt.Errorf("%w: snapshot %s on workflow %s", ErrNotFound, snapshotID, workflowID)
	}
	for _, request := range entry.exec.ApprovalRequests {
		if request.SnapshotID == snapshotID {
			return ApprovalRequest{}, fmt.Errorf("%w: snapshot %s already has approval request %s",
				ErrValidation, snapshotID, request.RequestID)
		}
	}

	now := o.now().UTC()
	request := ApprovalRequest{
		RequestID:    uuid.NewString(),
		WorkflowID:   workflowID,
		CheckpointID: snapshot.CheckpointID,
		SnapshotID:   snapshotID,
		Summary:      summary,
		Context:      requestContext,
		CreatedAt:    now,
	}
	if checkpoint, ok := entry.checkpointConfig(snapshot.CheckpointID); ok && checkpoint.TimeoutSeconds > 0 {
		request.ExpiresAt = now.Add(time.Duration(checkpoint.TimeoutSeconds) * time.Second)
	}

	entry.exec.ApprovalRequests = append(entry.exec.ApprovalRequests, request)
	o.setState(entry, StateAwaitingApproval)
	o.emit(entry, "approval_requested", map[string]interface{}{
		"request_id":  request.RequestID,
		"snapshot_id": snapshotID,
	})
	return request, nil
}

// SubmitApproval routes a supervisor decision into the state machine.
//
//   - APPROVED advances the checkpoint index; after the last checkpoint
//     the workflow moves to SETTLING, otherwise back to EXECUTING.
//   - MODIFIED behaves as APPROVED and additionally reports which
//     modification keys match the captured agent memory or intermediate
//     outputs; unknown keys are ignored and surfaced via the emitted
//     event. Applying the values to the live executor is the executor
//     collaborator's job, since snapshots are immutable.
//   - REJECTED moves to ROLLING_BACK when the current checkpoint
//     permits rollback, and to FAILED otherwise.
func (o *Orchestrator) SubmitApproval(workflowID string, response ApprovalResponse) error {
	entry, err := o.lookup(workflowID)
	if err != nil {
		return err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.exec.CurrentState != StateAwaitingApproval {
		return transitionErr(workflowID, entry.exec.CurrentState, "submit_approval requires AWAITING_APPROVAL")
	}
	if err := response.Validate(); err != nil {
		return err
	}

	request, ok := entry.pendingRequest(response.RequestID)
	if !ok {
		return fmt.Errorf("%w: %s on workflow %s", ErrUnknownRequest, response.RequestID, workflowID)
	}

	if response.ApprovedAt.IsZero() {
		response.ApprovedAt = o.now().UTC()
	}
	entry.exec.ApprovalResponses = append(entry.exec.ApprovalResponses, response)
	o.metrics.RecordApprovalLatency(response.Decision, response.ApprovedAt.Sub(request.CreatedAt))

	meta := map[string]interface{}{
		"request_id": response.RequestID,
		"decision":   string(response.Decision),
	}

	switch response.Decision {
	case DecisionApproved:
		o.advance(entry)

	case DecisionModified:
		applied, ignored := entry.matchModifications(request.SnapshotID, response.Modifications)
		meta["applied_keys"] = applied
		if len(ignored) > 0 {
			meta["ignored_keys"] = ignored
		}
		o.advance(entry)

	case DecisionRejected:
		checkpoint, _ := entry.exec.CurrentCheckpoint()
		meta["reason"] = response.Rationale
		if checkpoint.CanRollback {
			o.setState(entry, StateRollingBack)
		} else {
			o.terminate(entry, StateFailed, rejectedNoRollbackMsg)
		}
	}

	o.emit(entry, "approval_submitted", meta)
	return nil
}

// ExpireApprovals checks the workflow's pending approval request
// against the injected clock and, when the approval window has
// elapsed, synthesizes a REJECTED response with rationale "timeout".
// The rejection follows the normal rollback policy. Returns the
// synthesized response, or nil when nothing expired.
func (o *Orchestrator) ExpireApprovals(workflowID string) (*ApprovalResponse, error) {
	entry, err := o.lookup(workflowID)
	if err != nil {
		return nil, err
	}

	entry.mu.Lock()
	if entry.exec.CurrentState != StateAwaitingApproval {
		entry.mu.Unlock()
		return nil, nil
	}
	var expired ApprovalRequest
	found := false
	now := o.now().UTC()
	for _, request := range entry.exec.ApprovalRequests {
		if entry.resolved(request.RequestID) {
			continue
		}
		if !request.ExpiresAt.IsZero() && now.After(request.ExpiresAt) {
			expired = request
			found = true
		}
		break // only one request can be pending at a time
	}
	entry.mu.Unlock()

	if !found {
		return nil, nil
	}

	response := ApprovalResponse{
		RequestID:  expired.RequestID,
		Decision:   DecisionRejected,
		Rationale:  "timeout",
		ApprovedBy: "system",
		ApprovedAt: now,
	}
	if err := o.SubmitApproval(workflowID, response); err != nil {
		return nil, err
	}
	return &response, nil
}

// Reconcile runs the compensating rollback for a ROLLING_BACK workflow
// and computes the partial-completion settlement recommendation. Every
// action registered for the workflow is replayed in reverse order. The
// workflow stays in ROLLING_BACK; call CompleteRollback with the
// report's outcome to finalize.
func (o *Orchestrator) Reconcile(ctx context.Context, workflowID, reason string) (ReconciliationReport, error) {
	entry, err := o.lookup(workflowID)
	if err != nil {
		return ReconciliationReport{}, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.exec.CurrentState != StateRollingBack {
		return ReconciliationReport{}, transitionErr(workflowID, entry.exec.CurrentState, "reconcile requires ROLLING_BACK")
	}

	var state ExecutionState
	if n := len(entry.exec.Snapshots); n > 0 {
		state = entry.exec.Snapshots[n-1].ExecutionState
	}

	reconciler := NewReconciler(entry.registry,
		WithReconcilerPolicy(o.completion),
		WithReconcilerClock(o.now))
	report := reconciler.Reconcile(ctx, workflowID, state, reason,
		entry.registry.ActionIDs(), entry.exec.Config.EscrowAmount, entry.exec.Config.EscrowAmount)

	for _, action := range report.Cleanup {
		o.metrics.RecordRollbackAction(action.Status)
	}
	o.emit(entry, "rollback_reconciled", map[string]interface{}{
		"reason":             reason,
		"rollback_success":   report.RollbackSucceeded,
		"partial_completion": report.PartialCompletion,
		"recommended_payout": report.RecommendedPayout,
	})
	return report, nil
}

// CompleteRollback finalizes a ROLLING_BACK workflow. On success the
// workflow returns to EXECUTING with the checkpoint index stepped back
// one (floored at zero); on failure the workflow is FAILED.
func (o *Orchestrator) CompleteRollback(workflowID string, success bool) error {
	entry, err := o.lookup(workflowID)
	if err != nil {
		return err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.exec.CurrentState != StateRollingBack {
		return transitionErr(workflowID, entry.exec.CurrentState, "complete_rollback requires ROLLING_BACK")
	}

	if !success {
		o.terminate(entry, StateFailed, "rollback failed")
		o.emit(entry, "rollback_complete", map[string]interface{}{"success": false})
		return nil
	}

	if entry.exec.CurrentCheckpointIndex > 0 {
		entry.exec.CurrentCheckpointIndex--
	}
	o.setState(entry, StateExecuting)
	o.emit(entry, "rollback_complete", map[string]interface{}{
		"success":          true,
		"checkpoint_index": entry.exec.CurrentCheckpointIndex,
	})
	return nil
}

// Settle computes the payout splits for a SETTLING workflow and
// instructs the escrow facility. SETTLING is only reachable once every
// checkpoint has been approved, so the completion ratio is 1; partial
// ratios arise through Reconcile on rejection instead.
//
// Settlement is idempotent: a second call returns the recorded
// settlement without paying twice, and an escrow failure leaves the
// workflow in SETTLING so operators can retry.
func (o *Orchestrator) Settle(ctx context.Context, workflowID string, finalState ExecutionState) (Settlement, error) {
	entry, err := o.lookup(workflowID)
	if err != nil {
		return Settlement{}, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.exec.CurrentState != StateSettling {
		return Settlement{}, transitionErr(workflowID, entry.exec.CurrentState, "settle requires SETTLING")
	}
	if entry.settlement != nil {
		return *entry.settlement, nil
	}

	settlement := ComputeSettlement(entry.exec.Config, 1.0, o.split)

	if o.escrow != nil && len(settlement.Splits) > 0 {
		if err := o.escrow.Split(ctx, entry.exec.EscrowID, settlement.Splits); err != nil {
			o.emit(entry, "settlement_failed", map[string]interface{}{"error": err.Error()})
			return Settlement{}, &WorkflowError{
				WorkflowID: workflowID,
				State:      StateSettling,
				Message:    fmt.Sprintf("escrow split failed: %v", err),
				Err:        fmt.Errorf("%w: %v", ErrSinkFailure, err),
			}
		}
	}

	for _, split := range settlement.Splits {
		o.metrics.RecordEscrowRelease(split.Reason, split.Amount)
	}
	entry.settlement = &settlement
	// Nothing remains to compensate once funds have moved.
	entry.registry.Clear()

	o.emit(entry, "settlement_executed", map[string]interface{}{
		"total_payout": settlement.TotalPayout,
		"splits":       len(settlement.Splits),
		"final_state":  finalState.CheckpointID,
	})
	return settlement, nil
}

// Complete seals a SETTLING workflow as COMPLETED.
func (o *Orchestrator) Complete(workflowID string) error {
	entry, err := o.lookup(workflowID)
	if err != nil {
		return err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.exec.CurrentState != StateSettling {
		return transitionErr(workflowID, entry.exec.CurrentState, "complete requires SETTLING")
	}
	o.terminate(entry, StateCompleted, "")
	o.emit(entry, "workflow_completed", nil)
	return nil
}

// Fail moves any non-terminal workflow to FAILED with the given reason.
func (o *Orchestrator) Fail(workflowID, reason string) error {
	entry, err := o.lookup(workflowID)
	if err != nil {
		return err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.exec.CurrentState.Terminal() {
		return transitionErr(workflowID, entry.exec.CurrentState, "workflow is terminal")
	}
	o.terminate(entry, StateFailed, reason)
	o.emit(entry, "workflow_failed", map[string]interface{}{"reason": reason})
	return nil
}

// Cancel aborts a non-terminal workflow. The compensating-transaction
// pipeline fires exactly as a rejection would: when the current
// checkpoint permits rollback, every registered inverse is replayed
// before the workflow is FAILED.
func (o *Orchestrator) Cancel(ctx context.Context, workflowID, reason string) error {
	entry, err := o.lookup(workflowID)
	if err != nil {
		return err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.exec.CurrentState.Terminal() {
		return transitionErr(workflowID, entry.exec.CurrentState, "workflow is terminal")
	}

	meta := map[string]interface{}{"reason": reason}
	checkpoint, ok := entry.exec.CurrentCheckpoint()
	if ok && checkpoint.CanRollback {
		report := entry.registry.Rollback(ctx, entry.registry.ActionIDs())
		for _, action := range report.Actions {
			o.metrics.RecordRollbackAction(action.Status)
		}
		meta["rollback_success"] = report.Success
	}

	o.terminate(entry, StateFailed, "cancelled: "+reason)
	o.emit(entry, "workflow_cancelled", meta)
	return nil
}

// Get returns a copy of the workflow's execution record.
func (o *Orchestrator) Get(workflowID string) (WorkflowExecution, error) {
	entry, err := o.lookup(workflowID)
	if err != nil {
		return WorkflowExecution{}, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.exec.clone(), nil
}

// Actions returns the workflow's compensating-transaction registry so
// the executor can register inverses for side-effectful actions as it
// performs them.
func (o *Orchestrator) Actions(workflowID string) (*Registry, error) {
	entry, err := o.lookup(workflowID)
	if err != nil {
		return nil, err
	}
	return entry.registry, nil
}

// Settlement returns the recorded settlement, or false when the
// workflow has not settled.
func (o *Orchestrator) Settlement(workflowID string) (Settlement, bool, error) {
	entry, err := o.lookup(workflowID)
	if err != nil {
		return Settlement{}, false, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.settlement == nil {
		return Settlement{}, false, nil
	}
	return *entry.settlement, true, nil
}

// LoadSnapshot fetches a snapshot's serialized state back from the
// artifact sink and verifies its content hash before deserializing.
// A hash mismatch is an invariant violation: the workflow is FAILED
// and the error is returned. Snapshots without an artifact URI are
// served from the in-process copy.
func (o *Orchestrator) LoadSnapshot(ctx context.Context, workflowID, snapshotID string) (ExecutionState, error) {
	entry, err := o.lookup(workflowID)
	if err != nil {
		return ExecutionState{}, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	snapshot, ok := entry.findSnapshot(snapshotID)
	if !ok {
		return ExecutionState{}, fmt.Errorf("%w: snapshot %s on workflow %s", ErrNotFound, snapshotID, workflowID)
	}
	if snapshot.ArtifactURI == "" || o.artifacts == nil {
		return snapshot.ExecutionState, nil
	}

	data, err := o.artifacts.Get(ctx, snapshot.ArtifactURI)
	if err != nil {
		return ExecutionState{}, fmt.Errorf("%w: artifact read for snapshot %s: %v", ErrSinkFailure, snapshotID, err)
	}
	if HashBytes(data) != snapshot.ContentHash {
		reason := fmt.Sprintf("content hash mismatch on snapshot %s", snapshotID)
		if !entry.exec.CurrentState.Terminal() {
			o.terminate(entry, StateFailed, reason)
		}
		o.emit(entry, "invariant_violation", map[string]interface{}{"snapshot_id": snapshotID})
		return ExecutionState{}, &WorkflowError{
			WorkflowID: workflowID,
			State:      entry.exec.CurrentState,
			Message:    reason,
			Err:        ErrInvariantViolation,
		}
	}
	return o.capture.Deserialize(data)
}

// Diff compares two snapshots of a workflow, oldest first. Debugging
// aid on top of Capture.Diff.
func (o *Orchestrator) Diff(workflowID, beforeSnapshotID, afterSnapshotID string) (StateDiff, error) {
	entry, err := o.lookup(workflowID)
	if err != nil {
		return StateDiff{}, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	before, ok := entry.findSnapshot(beforeSnapshotID)
	if !ok {
		return StateDiff{}, fmt.Errorf("%w: snapshot %s", ErrNotFound, beforeSnapshotID)
	}
	after, ok := entry.findSnapshot(afterSnapshotID)
	if !ok {
		return StateDiff{}, fmt.Errorf("%w: snapshot %s", ErrNotFound, afterSnapshotID)
	}
	return o.capture.Diff(before.ExecutionState, after.ExecutionState), nil
}

// List returns a copy of every registered execution, in no particular
// order.
func (o *Orchestrator) List() []WorkflowExecution {
	o.mu.RLock()
	entries := make([]*workflowEntry, 0, len(o.workflows))
	for _, entry := range o.workflows {
		entries = append(entries, entry)
	}
	o.mu.RUnlock()

	out := make([]WorkflowExecution, 0, len(entries))
	for _, entry := range entries {
		entry.mu.Lock()
		out = append(out, entry.exec.clone())
		entry.mu.Unlock()
	}
	return out
}

// lookup finds the entry for a workflow id under the registry lock.
func (o *Orchestrator) lookup(workflowID string) (*workflowEntry, error) {
	o.mu.RLock()
	entry, ok := o.workflows[workflowID]
	o.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: workflow %s", ErrNotFound, workflowID)
	}
	return entry, nil
}

// advance steps the checkpoint index forward after an approval (or an
// approval-free checkpoint) and selects the next state: EXECUTING when
// checkpoints remain, SETTLING after the last one. Caller holds
// entry.mu.
func (o *Orchestrator) advance(entry *workflowEntry) {
	entry.exec.CurrentCheckpointIndex++
	if entry.exec.CurrentCheckpointIndex >= len(entry.exec.Config.Checkpoints) {
		entry.exec.CurrentCheckpointIndex = len(entry.exec.Config.Checkpoints)
		o.setState(entry, StateSettling)
		return
	}
	o.setState(entry, StateExecuting)
}

// setState records a transition. Caller holds entry.mu.
func (o *Orchestrator) setState(entry *workflowEntry, to State) {
	from := entry.exec.CurrentState
	entry.exec.CurrentState = to
	o.metrics.RecordTransition(from, to)
}

// terminate moves a workflow to a terminal state, stamping
// completed_at and the error message. Caller holds entry.mu.
func (o *Orchestrator) terminate(entry *workflowEntry, to State, errorMessage string) {
	o.setState(entry, to)
	entry.exec.CompletedAt = o.now().UTC()
	if errorMessage != "" {
		entry.exec.ErrorMessage = errorMessage
	}

	o.mu.Lock()
	o.active--
	o.metrics.SetActiveWorkflows(o.active)
	o.mu.Unlock()
}

// emit sends an observability event for the entry's current state.
// Caller holds entry.mu.
func (o *Orchestrator) emit(entry *workflowEntry, msg string, meta map[string]interface{}) {
	checkpointID := ""
	if checkpoint, ok := entry.exec.CurrentCheckpoint(); ok {
		checkpointID = checkpoint.CheckpointID
	}
	o.emitter.Emit(emit.Event{
		WorkflowID:   entry.exec.WorkflowID,
		CheckpointID: checkpointID,
		State:        string(entry.exec.CurrentState),
		Msg:          msg,
		Meta:         meta,
	})
}

// findSnapshot locates a snapshot by id. Caller holds entry.mu.
func (e *workflowEntry) findSnapshot(snapshotID string) (CheckpointSnapshot, bool) {
	for _, snapshot := range e.exec.Snapshots {
		if snapshot.SnapshotID == snapshotID {
			return snapshot, true
		}
	}
	return CheckpointSnapshot{}, false
}

// checkpointConfig locates a checkpoint config by id. Caller holds
// entry.mu.
func (e *workflowEntry) checkpointConfig(checkpointID string) (CheckpointConfig, bool) {
	for _, checkpoint := range e.exec.Config.Checkpoints {
		if checkpoint.CheckpointID == checkpointID {
			return checkpoint, true
		}
	}
	return CheckpointConfig{}, false
}

// pendingRequest returns the request for an id if it has no response
// yet. Caller holds entry.mu.
func (e *workflowEntry) pendingRequest(requestID string) (ApprovalRequest, bool) {
	for _, request := range e.exec.ApprovalRequests {
		if request.RequestID == requestID {
			if e.resolved(requestID) {
				return ApprovalRequest{}, false
			}
			return request, true
		}
	}
	return ApprovalRequest{}, false
}

// resolved reports whether a response for the request id was recorded.
// Caller holds entry.mu.
func (e *workflowEntry) resolved(requestID string) bool {
	for _, response := range e.exec.ApprovalResponses {
		if response.RequestID == requestID {
			return true
		}
	}
	return false
}

// matchModifications splits modification keys into those matching the
// snapshot's agent memory or intermediate outputs and those matching
// nothing. Snapshots stay untouched; the executor applies the values.
// Caller holds entry.mu.
func (e *workflowEntry) matchModifications(snapshotID string, modifications map[string]interface{}) (applied, ignored []string) {
	snapshot, ok := e.findSnapshot(snapshotID)
	for key := range modifications {
		known := false
		if ok {
			_, inMemory := snapshot.ExecutionState.AgentMemory[key]
			_, inOutputs := snapshot.ExecutionState.IntermediateOutputs[key]
			known = inMemory || inOutputs
		}
		if known {
			applied = append(applied, key)
		} else {
			ignored = append(ignored, key)
		}
	}
	sort.Strings(applied)
	sort.Strings(ignored)
	return applied, ignored
}

package emit

// Event represents an observability event emitted during supervised
// workflow execution.
//
// Events cover the full lifecycle of a workflow:
//   - State transitions (initialized, executing, awaiting_approval, ...)
//   - Checkpoint creation and artifact persistence
//   - Approval requests and decisions
//   - Rollback and settlement outcomes
//   - Errors and anomalies
//
// Events are emitted to an Emitter which can log them, forward them to
// OpenTelemetry, or drop them entirely.
type Event struct {
	// WorkflowID identifies the workflow execution that emitted this event.
	WorkflowID string

	// CheckpointID identifies the checkpoint involved, when applicable.
	// Empty string for workflow-level events (start, complete, fail).
	CheckpointID string

	// State is the workflow state at emission time.
	State string

	// Msg is a short machine-friendly description of the event,
	// e.g. "checkpoint_created", "approval_submitted", "rollback_complete".
	Msg string

	// Meta contains additional structured data specific to this event.
	// Common keys:
	//   - "snapshot_id": Snapshot identifier
	//   - "decision": Approval decision
	//   - "reason": Failure or trigger reason
	//   - "artifact_uri": URI of a persisted snapshot
	//   - "ignored_keys": Modification keys that matched no state field
	Meta map[string]interface{}
}

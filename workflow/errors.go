package workflow

import "errors"

// ErrInvalidTransition is returned when an operation is illegal from the
// workflow's current state. The workflow is left unchanged.
var ErrInvalidTransition = errors.New("invalid transition")

// ErrNotFound is returned when a workflow, snapshot, or approval request
// id is unknown.
var ErrNotFound = errors.New("not found")

// ErrDuplicateWorkflow is returned by Initialize when the workflow id is
// already registered.
var ErrDuplicateWorkflow = errors.New("workflow already registered")

// ErrValidation is returned for ill-formed inputs: empty checkpoint
// lists, negative amounts, empty rationales, missing modifications.
var ErrValidation = errors.New("validation failed")

// ErrSinkFailure wraps errors from the artifact or escrow sinks. The
// recovery policy depends on the call site: artifact failures on
// checkpoint write degrade to in-process durability, escrow failures on
// start fail the workflow, escrow failures on settlement keep the
// workflow in SETTLING for retry.
var ErrSinkFailure = errors.New("sink failure")

// ErrInvariantViolation indicates broken internal consistency, such as
// a content hash mismatch on artifact read. Fatal for the workflow.
var ErrInvariantViolation = errors.New("invariant violation")

// ErrApprovalTimeout marks a synthesized rejection after an approval
// window elapsed.
var ErrApprovalTimeout = errors.New("approval timeout")

// ErrUnknownRequest is returned when a decision references a request id
// that is not pending.
var ErrUnknownRequest = errors.New("unknown approval request")

// WorkflowError carries the workflow id and state alongside the failure
// so user-visible errors are self-describing.
type WorkflowError struct {
	WorkflowID string
	State      State
	Message    string
	Err        error
}

func (e *WorkflowError) Error() string {
	return "workflow " + e.WorkflowID + " (" + string(e.State) + "): " + e.Message
}

// Unwrap exposes the underlying sentinel for errors.Is checks.
func (e *WorkflowError) Unwrap() error {
	return e.Err
}

// transitionErr builds a WorkflowError wrapping ErrInvalidTransition.
func transitionErr(workflowID string, state State, msg string) error {
	return &WorkflowError{WorkflowID: workflowID, State: state, Message: msg, Err: ErrInvalidTransition}
}

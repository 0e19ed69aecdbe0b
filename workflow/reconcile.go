package workflow

import (
	"context"
	"time"

	"github.com/Officialhomie/SafeRun-X402/workflow/escrow"
)

// CompletionPolicy holds the targets against which partial completion
// is measured. Each target is the count at which that dimension is
// considered fully complete.
type CompletionPolicy struct {
	APICallTarget  int
	OutputTarget   int
	DecisionTarget int
}

// DefaultCompletionPolicy returns the standard completion targets.
func DefaultCompletionPolicy() CompletionPolicy {
	return CompletionPolicy{
		APICallTarget:  10,
		OutputTarget:   5,
		DecisionTarget: 10,
	}
}

// Ratio computes the partial completion ratio of an execution state:
// the mean of min(count/target, 1) over the non-empty dimensions, or 0
// when every dimension is empty. Used solely for settlement.
func (p CompletionPolicy) Ratio(state ExecutionState) float64 {
	var sum float64
	var n int

	if len(state.APICalls) > 0 {
		sum += capRatio(len(state.APICalls), p.APICallTarget)
		n++
	}
	if len(state.IntermediateOutputs) > 0 {
		sum += capRatio(len(state.IntermediateOutputs), p.OutputTarget)
		n++
	}
	if len(state.DecisionTrace) > 0 {
		sum += capRatio(len(state.DecisionTrace), p.DecisionTarget)
		n++
	}

	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

func capRatio(count, target int) float64 {
	if target <= 0 {
		return 1
	}
	r := float64(count) / float64(target)
	if r > 1 {
		return 1
	}
	return r
}

// SplitPolicy controls how a settled escrow is divided between the
// executor and the supervisor.
type SplitPolicy struct {
	// SupervisorFee is the supervisor's share of the payout, in [0, 1].
	SupervisorFee float64
}

// DefaultSplitPolicy returns the standard 90/10 executor/supervisor
// split.
func DefaultSplitPolicy() SplitPolicy {
	return SplitPolicy{SupervisorFee: 0.10}
}

// Settlement is the final distribution of an escrow.
type Settlement struct {
	WorkflowID      string         `json:"workflow_id"`
	CompletionRatio float64        `json:"completion_ratio"`
	TotalEscrow     float64        `json:"total_escrow"`
	TotalPayout     float64        `json:"total_payout"`
	Splits          []escrow.Split `json:"splits"`
}

// ComputeSettlement derives the payout splits for a workflow. The total
// payout is escrow × ratio; the supervisor receives its fee share when
// a supervisor is configured, otherwise everything goes to the
// executor.
func ComputeSettlement(config WorkflowConfig, ratio float64, policy SplitPolicy) Settlement {
	if ratio < 0 {
		ratio = 0
	}
	if ratio > 1 {
		ratio = 1
	}

	total := config.EscrowAmount * ratio
	s := Settlement{
		WorkflowID:      config.WorkflowID,
		CompletionRatio: ratio,
		TotalEscrow:     config.EscrowAmount,
		TotalPayout:     total,
	}
	if total <= 0 {
		return s
	}

	if config.SupervisorID == "" {
		s.Splits = []escrow.Split{{
			RecipientID: config.ExecutorID,
			Amount:      total,
			Reason:      "workflow_completion",
		}}
		return s
	}

	supervisorCut := total * policy.SupervisorFee
	s.Splits = []escrow.Split{
		{
			RecipientID: config.ExecutorID,
			Amount:      total - supervisorCut,
			Reason:      "workflow_completion",
		},
		{
			RecipientID: config.SupervisorID,
			Amount:      supervisorCut,
			Reason:      "supervision_fee",
		},
	}
	return s
}

// CleanupAction records the rollback outcome for one registered action.
type CleanupAction struct {
	ActionID string       `json:"action_id"`
	Kind     ActionKind   `json:"kind"`
	Status   ActionStatus `json:"status"`
	Error    string       `json:"error,omitempty"`
}

// ReconciliationReport is the outcome of reconciling a rejected
// checkpoint: whether the rollback succeeded, how much of the work was
// completed, and the payout the reconciler recommends.
type ReconciliationReport struct {
	WorkflowID        string          `json:"workflow_id"`
	CheckpointID      string          `json:"checkpoint_id"`
	RejectionReason   string          `json:"rejection_reason"`
	Timestamp         time.Time       `json:"timestamp"`
	RollbackSucceeded bool            `json:"rollback_succeeded"`
	PartialCompletion float64         `json:"partial_completion"`
	RecommendedPayout float64         `json:"recommended_payout"`
	Cleanup           []CleanupAction `json:"cleanup"`
}

// Reconciler computes partial-completion settlements for rejected
// checkpoints and drives the compensating rollback that precedes them.
type Reconciler struct {
	registry *Registry
	policy   CompletionPolicy
	now      Clock
}

// ReconcilerOption configures a Reconciler.
type ReconcilerOption func(*Reconciler)

// WithReconcilerPolicy overrides the completion targets.
func WithReconcilerPolicy(policy CompletionPolicy) ReconcilerOption {
	return func(r *Reconciler) {
		r.policy = policy
	}
}

// WithReconcilerClock injects a clock for deterministic timestamps.
func WithReconcilerClock(now Clock) ReconcilerOption {
	return func(r *Reconciler) {
		if now != nil {
			r.now = now
		}
	}
}

// NewReconciler creates a reconciler backed by the given registry.
func NewReconciler(registry *Registry, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		registry: registry,
		policy:   DefaultCompletionPolicy(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Reconcile rolls back the given actions and computes the adjusted
// payout for the work completed before the rejection.
//
// The recommended payout is base × completion ratio minus total
// resource consumption, clamped to [0, escrow amount].
func (r *Reconciler) Reconcile(ctx context.Context, workflowID string, state ExecutionState, reason string, actionIDs []string, basePayout, escrowAmount float64) ReconciliationReport {
	report := ReconciliationReport{
		WorkflowID:      workflowID,
		CheckpointID:    state.CheckpointID,
		RejectionReason: reason,
		Timestamp:       r.now().UTC(),
	}

	rollback := r.registry.Rollback(ctx, actionIDs)
	report.RollbackSucceeded = rollback.Success
	for _, action := range rollback.Actions {
		report.Cleanup = append(report.Cleanup, CleanupAction{
			ActionID: action.ActionID,
			Kind:     action.Kind,
			Status:   action.Status,
			Error:    action.Error,
		})
	}

	report.PartialCompletion = r.policy.Ratio(state)

	var consumed float64
	for _, v := range state.ResourceConsumption {
		consumed += v
	}
	payout := basePayout*report.PartialCompletion - consumed
	if payout < 0 {
		payout = 0
	}
	if payout > escrowAmount {
		payout = escrowAmount
	}
	report.RecommendedPayout = payout

	return report
}

// Policy returns the completion targets in effect.
func (r *Reconciler) Policy() CompletionPolicy {
	return r.policy
}

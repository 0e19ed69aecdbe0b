package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Officialhomie/SafeRun-X402/workflow/artifact"
	"github.com/Officialhomie/SafeRun-X402/workflow/escrow"
)

// fakeClock is a manually advanced clock for deterministic tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// failingArtifactSink always errors on Put and Get.
type failingArtifactSink struct{}

func (failingArtifactSink) Put(context.Context, string, []byte, map[string]string) (artifact.Artifact, error) {
	return artifact.Artifact{}, errors.New("artifact backend down")
}

func (failingArtifactSink) Get(context.Context, string) ([]byte, error) {
	return nil, errors.New("artifact backend down")
}

// corruptingArtifactSink stores normally but returns flipped bytes on
// read, simulating a backend that silently damages content.
type corruptingArtifactSink struct {
	inner *artifact.MemSink
}

func (c *corruptingArtifactSink) Put(ctx context.Context, contentType string, content []byte, metadata map[string]string) (artifact.Artifact, error) {
	return c.inner.Put(ctx, contentType, content, metadata)
}

func (c *corruptingArtifactSink) Get(ctx context.Context, uri string) ([]byte, error) {
	data, err := c.inner.Get(ctx, uri)
	if err != nil {
		return nil, err
	}
	if len(data) > 0 {
		data[0] ^= 0xFF
	}
	return data, nil
}

// failingEscrowSink errors on every operation.
type failingEscrowSink struct{}

func (failingEscrowSink) Lock(context.Context, string, float64, string, string) (string, error) {
	return "", errors.New("facilitator unreachable")
}

func (failingEscrowSink) Release(context.Context, string, float64, string, string) error {
	return errors.New("facilitator unreachable")
}

func (failingEscrowSink) Split(context.Context, string, []escrow.Split) error {
	return errors.New("facilitator unreachable")
}

// flakyEscrowSink fails Split a configured number of times before
// delegating to the real facility.
type flakyEscrowSink struct {
	inner     *escrow.MemEscrow
	failsLeft int
}

func (f *flakyEscrowSink) Lock(ctx context.Context, workflowID string, amount float64, posterID, executorID string) (string, error) {
	return f.inner.Lock(ctx, workflowID, amount, posterID, executorID)
}

func (f *flakyEscrowSink) Release(ctx context.Context, escrowID string, amount float64, recipientID, reason string) error {
	return f.inner.Release(ctx, escrowID, amount, recipientID, reason)
}

func (f *flakyEscrowSink) Split(ctx context.Context, escrowID string, splits []escrow.Split) error {
	if f.failsLeft > 0 {
		f.failsLeft--
		return errors.New("facilitator timeout")
	}
	return f.inner.Split(ctx, escrowID, splits)
}

type testEnv struct {
	orch      *Orchestrator
	clock     *fakeClock
	artifacts *artifact.MemSink
	escrow    *escrow.MemEscrow
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	env := &testEnv{
		clock:     newFakeClock(),
		artifacts: artifact.NewMemSink(),
		escrow:    escrow.NewMemEscrow(),
	}
	base := []Option{
		WithClock(env.clock.Now),
		WithArtifactSink(env.artifacts),
		WithEscrowSink(env.escrow),
	}
	env.orch = NewOrchestrator(append(base, opts...)...)
	return env
}

func threeCheckpointConfig() WorkflowConfig {
	return WorkflowConfig{
		WorkflowID: "wf-happy",
		Name:       "data pipeline build",
		Checkpoints: []CheckpointConfig{
			{CheckpointID: "A", Name: "plan", RequiresApproval: true, CanRollback: true},
			{CheckpointID: "B", Name: "build", RequiresApproval: true, CanRollback: true},
			{CheckpointID: "C", Name: "verify", RequiresApproval: true, CanRollback: true},
		},
		EscrowAmount: 100.0,
		PosterID:     "poster-1",
		ExecutorID:   "executor-1",
		SupervisorID: "supervisor-1",
	}
}

func stateWithStep(step int) ExecutionState {
	return ExecutionState{
		AgentMemory: map[string]interface{}{"step": step},
	}
}

// approveThrough creates a checkpoint, requests approval, and submits
// an APPROVED response for the workflow's current checkpoint.
func approveThrough(t *testing.T, env *testEnv, workflowID string, state ExecutionState) {
	t.Helper()
	snapshot, err := env.orch.CreateCheckpoint(context.Background(), workflowID, state)
	if err != nil {
		t.Fatalf("CreateCheckpoint: %v", err)
	}
	request, err := env.orch.RequestApproval(workflowID, snapshot.SnapshotID, "review", nil)
	if err != nil {
		t.Fatalf("RequestApproval: %v", err)
	}
	err = env.orch.SubmitApproval(workflowID, ApprovalResponse{
		RequestID:  request.RequestID,
		Decision:   DecisionApproved,
		Rationale:  "looks good",
		ApprovedBy: "supervisor-1",
	})
	if err != nil {
		t.Fatalf("SubmitApproval: %v", err)
	}
}

func TestHappyPathThreeCheckpoints(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	config := threeCheckpointConfig()
	if _, err := env.orch.Initialize(config); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := env.orch.Start(ctx, config.WorkflowID); err != nil {
		t.Fatalf("Start: %v", err)
	}

	for step := 1; step <= 3; step++ {
		approveThrough(t, env, config.WorkflowID, stateWithStep(step))
	}

	exec, err := env.orch.Get(config.WorkflowID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if exec.CurrentState != StateSettling {
		t.Fatalf("state = %s, want %s", exec.CurrentState, StateSettling)
	}
	if exec.CurrentCheckpointIndex != 3 {
		t.Errorf("checkpoint index = %d, want 3", exec.CurrentCheckpointIndex)
	}
	if len(exec.Snapshots) != 3 || len(exec.ApprovalResponses) != 3 {
		t.Errorf("snapshots = %d, responses = %d, want 3 each", len(exec.Snapshots), len(exec.ApprovalResponses))
	}

	settlement, err := env.orch.Settle(ctx, config.WorkflowID, stateWithStep(3))
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if settlement.TotalPayout != 100.0 {
		t.Errorf("total payout = %v, want 100", settlement.TotalPayout)
	}

	wantSplits := map[string]float64{"executor-1": 90.0, "supervisor-1": 10.0}
	if len(settlement.Splits) != 2 {
		t.Fatalf("splits = %d, want 2", len(settlement.Splits))
	}
	for _, split := range settlement.Splits {
		if wantSplits[split.RecipientID] != split.Amount {
			t.Errorf("split %s = %v, want %v", split.RecipientID, split.Amount, wantSplits[split.RecipientID])
		}
	}
	if released := env.escrow.Released("escrow_" + config.WorkflowID); released != 100.0 {
		t.Errorf("escrow released = %v, want 100", released)
	}

	if err := env.orch.Complete(config.WorkflowID); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	exec, _ = env.orch.Get(config.WorkflowID)
	if exec.CurrentState != StateCompleted {
		t.Errorf("final state = %s, want %s", exec.CurrentState, StateCompleted)
	}
	if exec.CompletedAt.IsZero() {
		t.Error("CompletedAt not stamped")
	}

	// Every snapshot landed in the artifact sink.
	for _, snapshot := range exec.Snapshots {
		if snapshot.ArtifactURI == "" {
			t.Errorf("snapshot %s has no artifact URI", snapshot.SnapshotID)
		}
	}
}

func TestRejectWithRollback(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	config := WorkflowConfig{
		WorkflowID: "wf-rollback",
		Checkpoints: []CheckpointConfig{
			{CheckpointID: "first", RequiresApproval: true, CanRollback: true},
			{CheckpointID: "second", RequiresApproval: true, CanRollback: true},
		},
		EscrowAmount: 50.0,
		ExecutorID:   "executor-1",
	}
	if _, err := env.orch.Initialize(config); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := env.orch.Start(ctx, config.WorkflowID); err != nil {
		t.Fatalf("Start: %v", err)
	}

	approveThrough(t, env, config.WorkflowID, stateWithStep(1))

	snapshot, err := env.orch.CreateCheckpoint(ctx, config.WorkflowID, stateWithStep(2))
	if err != nil {
		t.Fatalf("CreateCheckpoint: %v", err)
	}
	request, err := env.orch.RequestApproval(config.WorkflowID, snapshot.SnapshotID, "review", nil)
	if err != nil {
		t.Fatalf("RequestApproval: %v", err)
	}
	err = env.orch.SubmitApproval(config.WorkflowID, ApprovalResponse{
		RequestID:  request.RequestID,
		Decision:   DecisionRejected,
		Rationale:  "unsafe",
		ApprovedBy: "supervisor-1",
	})
	if err != nil {
		t.Fatalf("SubmitApproval: %v", err)
	}

	exec, _ := env.orch.Get(config.WorkflowID)
	if exec.CurrentState != StateRollingBack {
		t.Fatalf("state = %s, want %s", exec.CurrentState, StateRollingBack)
	}

	if err := env.orch.CompleteRollback(config.WorkflowID, true); err != nil {
		t.Fatalf("CompleteRollback: %v", err)
	}
	exec, _ = env.orch.Get(config.WorkflowID)
	if exec.CurrentState != StateExecuting {
		t.Errorf("state = %s, want %s", exec.CurrentState, StateExecuting)
	}
	if exec.CurrentCheckpointIndex != 0 {
		t.Errorf("checkpoint index = %d, want 0", exec.CurrentCheckpointIndex)
	}

	// A second CompleteRollback is an invalid transition.
	if err := env.orch.CompleteRollback(config.WorkflowID, true); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("second CompleteRollback error = %v, want ErrInvalidTransition", err)
	}
}

func TestRejectWithoutRollback(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	config := WorkflowConfig{
		WorkflowID: "wf-no-rollback",
		Checkpoints: []CheckpointConfig{
			{CheckpointID: "only", RequiresApproval: true, CanRollback: false},
		},
		EscrowAmount: 25.0,
		ExecutorID:   "executor-1",
	}
	if _, err := env.orch.Initialize(config); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := env.orch.Start(ctx, config.WorkflowID); err != nil {
		t.Fatalf("Start: %v", err)
	}

	snapshot, _ := env.orch.CreateCheckpoint(ctx, config.WorkflowID, stateWithStep(1))
	request, _ := env.orch.RequestApproval(config.WorkflowID, snapshot.SnapshotID, "review", nil)
	err := env.orch.SubmitApproval(config.WorkflowID, ApprovalResponse{
		RequestID:  request.RequestID,
		Decision:   DecisionRejected,
		Rationale:  "not acceptable",
		ApprovedBy: "supervisor-1",
	})
	if err != nil {
		t.Fatalf("SubmitApproval: %v", err)
	}

	exec, _ := env.orch.Get(config.WorkflowID)
	if exec.CurrentState != StateFailed {
		t.Fatalf("state = %s, want %s", exec.CurrentState, StateFailed)
	}
	if exec.ErrorMessage != "Approval rejected and rollback not permitted" {
		t.Errorf("error message = %q", exec.ErrorMessage)
	}
	if releases := env.escrow.Releases(); len(releases) != 0 {
		t.Errorf("escrow releases = %d, want 0", len(releases))
	}
}

func TestModifiedDecision(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	config := WorkflowConfig{
		WorkflowID: "wf-modify",
		Checkpoints: []CheckpointConfig{
			{CheckpointID: "only", RequiresApproval: true, CanRollback: true},
		},
		EscrowAmount: 10.0,
		ExecutorID:   "executor-1",
	}
	env.orch.Initialize(config)
	env.orch.Start(ctx, config.WorkflowID)

	state := ExecutionState{AgentMemory: map[string]interface{}{"value": 100}}
	snapshot, _ := env.orch.CreateCheckpoint(ctx, config.WorkflowID, state)
	request, _ := env.orch.RequestApproval(config.WorkflowID, snapshot.SnapshotID, "review", nil)

	err := env.orch.SubmitApproval(config.WorkflowID, ApprovalResponse{
		RequestID:     request.RequestID,
		Decision:      DecisionModified,
		Rationale:     "reduce the value",
		Modifications: map[string]interface{}{"value": 10, "bogus": true},
		ApprovedBy:    "supervisor-1",
	})
	if err != nil {
		t.Fatalf("SubmitApproval: %v", err)
	}

	exec, _ := env.orch.Get(config.WorkflowID)
	// The only checkpoint was the last, so the workflow advances to
	// settling rather than staying in executing.
	if exec.CurrentState != StateSettling {
		t.Errorf("state = %s, want %s", exec.CurrentState, StateSettling)
	}
	if len(exec.ApprovalResponses) != 1 {
		t.Fatalf("responses = %d, want 1", len(exec.ApprovalResponses))
	}
	mods := exec.ApprovalResponses[0].Modifications
	if got, ok := mods["value"]; !ok || got != 10 {
		t.Errorf("recorded modifications = %v, want value=10", mods)
	}
	// Snapshots are immutable: the captured memory still holds 100.
	if exec.Snapshots[0].ExecutionState.AgentMemory["value"] != 100 {
		t.Error("snapshot memory was mutated by a MODIFIED decision")
	}
}

func TestApprovalTimeoutBehavesAsRejection(t *testing.T) {
	for _, tc := range []struct {
		name        string
		canRollback bool
		wantState   State
	}{
		{"with rollback", true, StateRollingBack},
		{"without rollback", false, StateFailed},
	} {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			ctx := context.Background()

			config := WorkflowConfig{
				WorkflowID: "wf-timeout-" + tc.name,
				Checkpoints: []CheckpointConfig{
					{CheckpointID: "cp", RequiresApproval: true, TimeoutSeconds: 1, CanRollback: tc.canRollback},
				},
				EscrowAmount: 5.0,
				ExecutorID:   "executor-1",
			}
			env.orch.Initialize(config)
			env.orch.Start(ctx, config.WorkflowID)

			snapshot, _ := env.orch.CreateCheckpoint(ctx, config.WorkflowID, stateWithStep(1))
			if _, err := env.orch.RequestApproval(config.WorkflowID, snapshot.SnapshotID, "review", nil); err != nil {
				t.Fatalf("RequestApproval: %v", err)
			}

			// Nothing expires while the window is open.
			response, err := env.orch.ExpireApprovals(config.WorkflowID)
			if err != nil || response != nil {
				t.Fatalf("premature expiry: response=%v err=%v", response, err)
			}

			env.clock.Advance(2 * time.Second)
			response, err = env.orch.ExpireApprovals(config.WorkflowID)
			if err != nil {
				t.Fatalf("ExpireApprovals: %v", err)
			}
			if response == nil {
				t.Fatal("no synthetic response produced")
			}
			if response.Decision != DecisionRejected || response.Rationale != "timeout" {
				t.Errorf("synthetic response = %s/%q, want rejected/timeout", response.Decision, response.Rationale)
			}

			exec, _ := env.orch.Get(config.WorkflowID)
			if exec.CurrentState != tc.wantState {
				t.Errorf("state = %s, want %s", exec.CurrentState, tc.wantState)
			}
		})
	}
}

func TestArtifactHashMismatchFailsWorkflow(t *testing.T) {
	clock := newFakeClock()
	corrupt := &corruptingArtifactSink{inner: artifact.NewMemSink()}
	orch := NewOrchestrator(WithClock(clock.Now), WithArtifactSink(corrupt))
	ctx := context.Background()

	config := WorkflowConfig{
		WorkflowID: "wf-corrupt",
		Checkpoints: []CheckpointConfig{
			{CheckpointID: "cp1", RequiresApproval: true, CanRollback: true},
			{CheckpointID: "cp2", RequiresApproval: true, CanRollback: true},
		},
		ExecutorID: "executor-1",
	}
	orch.Initialize(config)
	orch.Start(ctx, config.WorkflowID)

	snapshot, err := orch.CreateCheckpoint(ctx, config.WorkflowID, stateWithStep(1))
	if err != nil {
		t.Fatalf("CreateCheckpoint: %v", err)
	}
	if snapshot.ArtifactURI == "" {
		t.Fatal("snapshot missing artifact URI")
	}

	_, err = orch.LoadSnapshot(ctx, config.WorkflowID, snapshot.SnapshotID)
	if !errors.Is(err, ErrInvariantViolation) {
		t.Fatalf("LoadSnapshot error = %v, want ErrInvariantViolation", err)
	}

	exec, _ := orch.Get(config.WorkflowID)
	if exec.CurrentState != StateFailed {
		t.Errorf("state = %s, want %s", exec.CurrentState, StateFailed)
	}
	// The snapshot record itself is untouched.
	if len(exec.Snapshots) != 1 || exec.Snapshots[0].SnapshotID != snapshot.SnapshotID {
		t.Error("snapshot record lost after invariant violation")
	}
}

func TestArtifactSinkFailureDegradesToInProcess(t *testing.T) {
	clock := newFakeClock()
	orch := NewOrchestrator(WithClock(clock.Now), WithArtifactSink(failingArtifactSink{}))
	ctx := context.Background()

	config := WorkflowConfig{
		WorkflowID:  "wf-degraded",
		Checkpoints: []CheckpointConfig{{CheckpointID: "cp", RequiresApproval: true}},
		ExecutorID:  "executor-1",
	}
	orch.Initialize(config)
	orch.Start(ctx, config.WorkflowID)

	snapshot, err := orch.CreateCheckpoint(ctx, config.WorkflowID, stateWithStep(1))
	if err != nil {
		t.Fatalf("CreateCheckpoint should succeed despite sink failure: %v", err)
	}
	if snapshot.ArtifactURI != "" {
		t.Errorf("artifact URI = %q, want empty on sink failure", snapshot.ArtifactURI)
	}

	// The in-process copy still serves reads.
	state, err := orch.LoadSnapshot(ctx, config.WorkflowID, snapshot.SnapshotID)
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if state.AgentMemory["step"] != 1 {
		t.Errorf("in-process state memory = %v", state.AgentMemory)
	}
}

func TestEscrowLockFailureFailsWorkflow(t *testing.T) {
	clock := newFakeClock()
	orch := NewOrchestrator(WithClock(clock.Now), WithEscrowSink(failingEscrowSink{}))

	config := WorkflowConfig{
		WorkflowID:   "wf-lockfail",
		Checkpoints:  []CheckpointConfig{{CheckpointID: "cp", RequiresApproval: true}},
		EscrowAmount: 40.0,
		ExecutorID:   "executor-1",
	}
	orch.Initialize(config)

	err := orch.Start(context.Background(), config.WorkflowID)
	if !errors.Is(err, ErrSinkFailure) {
		t.Fatalf("Start error = %v, want ErrSinkFailure", err)
	}

	exec, _ := orch.Get(config.WorkflowID)
	if exec.CurrentState != StateFailed {
		t.Errorf("state = %s, want %s", exec.CurrentState, StateFailed)
	}
	if exec.ErrorMessage == "" {
		t.Error("lock failure did not record an error message")
	}
}

func TestSettlementRetryAfterEscrowFailure(t *testing.T) {
	clock := newFakeClock()
	flaky := &flakyEscrowSink{inner: escrow.NewMemEscrow(), failsLeft: 1}
	orch := NewOrchestrator(WithClock(clock.Now), WithEscrowSink(flaky), WithArtifactSink(artifact.NewMemSink()))
	ctx := context.Background()

	config := WorkflowConfig{
		WorkflowID:   "wf-retry",
		Checkpoints:  []CheckpointConfig{{CheckpointID: "cp", RequiresApproval: false}},
		EscrowAmount: 80.0,
		ExecutorID:   "executor-1",
		SupervisorID: "supervisor-1",
	}
	orch.Initialize(config)
	orch.Start(ctx, config.WorkflowID)

	// Approval-free checkpoint advances straight to settling.
	if _, err := orch.CreateCheckpoint(ctx, config.WorkflowID, stateWithStep(1)); err != nil {
		t.Fatalf("CreateCheckpoint: %v", err)
	}
	exec, _ := orch.Get(config.WorkflowID)
	if exec.CurrentState != StateSettling {
		t.Fatalf("state = %s, want %s", exec.CurrentState, StateSettling)
	}

	// First settle hits the flaky facilitator and stays in SETTLING.
	if _, err := orch.Settle(ctx, config.WorkflowID, stateWithStep(1)); !errors.Is(err, ErrSinkFailure) {
		t.Fatalf("first Settle error = %v, want ErrSinkFailure", err)
	}
	exec, _ = orch.Get(config.WorkflowID)
	if exec.CurrentState != StateSettling {
		t.Fatalf("state after failed settle = %s, want %s", exec.CurrentState, StateSettling)
	}

	// Retry succeeds; a third call is an idempotent no-op.
	first, err := orch.Settle(ctx, config.WorkflowID, stateWithStep(1))
	if err != nil {
		t.Fatalf("retry Settle: %v", err)
	}
	second, err := orch.Settle(ctx, config.WorkflowID, stateWithStep(1))
	if err != nil {
		t.Fatalf("repeat Settle: %v", err)
	}
	if first.TotalPayout != second.TotalPayout {
		t.Errorf("settlement changed across retries: %v vs %v", first.TotalPayout, second.TotalPayout)
	}
	if released := flaky.inner.Released("escrow_" + config.WorkflowID); released != 80.0 {
		t.Errorf("escrow released = %v, want 80 exactly once", released)
	}
}

func TestCancelFiresCompensatingPipeline(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	config := WorkflowConfig{
		WorkflowID: "wf-cancel",
		Checkpoints: []CheckpointConfig{
			{CheckpointID: "cp", RequiresApproval: true, CanRollback: true},
		},
		ExecutorID: "executor-1",
	}
	env.orch.Initialize(config)
	env.orch.Start(ctx, config.WorkflowID)

	actions, err := env.orch.Actions(config.WorkflowID)
	if err != nil {
		t.Fatalf("Actions: %v", err)
	}
	var inverted []string
	inverse := InverseFunc(func(_ context.Context, payload map[string]interface{}) error {
		inverted = append(inverted, payload["id"].(string))
		return nil
	})
	actions.Register("a1", ActionAPICall, map[string]interface{}{"id": "a1"}, inverse)
	actions.Register("a2", ActionArtifactWrite, map[string]interface{}{"id": "a2"}, inverse)

	if err := env.orch.Cancel(ctx, config.WorkflowID, "operator abort"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	exec, _ := env.orch.Get(config.WorkflowID)
	if exec.CurrentState != StateFailed {
		t.Errorf("state = %s, want %s", exec.CurrentState, StateFailed)
	}
	if len(inverted) != 2 || inverted[0] != "a2" || inverted[1] != "a1" {
		t.Errorf("inverses ran as %v, want reverse registration order [a2 a1]", inverted)
	}

	// Terminal workflows reject everything afterwards.
	if err := env.orch.Cancel(ctx, config.WorkflowID, "again"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("second Cancel error = %v, want ErrInvalidTransition", err)
	}
}

func TestReconcileComputesPartialPayout(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	config := WorkflowConfig{
		WorkflowID: "wf-reconcile",
		Checkpoints: []CheckpointConfig{
			{CheckpointID: "cp", RequiresApproval: true, CanRollback: true},
		},
		EscrowAmount: 100.0,
		ExecutorID:   "executor-1",
	}
	env.orch.Initialize(config)
	env.orch.Start(ctx, config.WorkflowID)

	state := ExecutionState{
		AgentMemory:         map[string]interface{}{"k": "v"},
		APICalls:            make([]APICall, 5),                         // 5/10 = 0.5
		IntermediateOutputs: map[string]interface{}{"a": 1, "b": 2},     // 2/5 = 0.4
		DecisionTrace:       []string{"d1", "d2", "d3"},                 // 3/10 = 0.3
		ResourceConsumption: map[string]float64{"compute_credits": 2.0}, // subtracted
	}
	snapshot, _ := env.orch.CreateCheckpoint(ctx, config.WorkflowID, state)
	request, _ := env.orch.RequestApproval(config.WorkflowID, snapshot.SnapshotID, "review", nil)
	env.orch.SubmitApproval(config.WorkflowID, ApprovalResponse{
		RequestID:  request.RequestID,
		Decision:   DecisionRejected,
		Rationale:  "wrong direction",
		ApprovedBy: "supervisor-1",
	})

	report, err := env.orch.Reconcile(ctx, config.WorkflowID, "wrong direction")
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	wantRatio := (0.5 + 0.4 + 0.3) / 3
	if diff := report.PartialCompletion - wantRatio; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("partial completion = %v, want %v", report.PartialCompletion, wantRatio)
	}
	wantPayout := 100.0*wantRatio - 2.0
	if diff := report.RecommendedPayout - wantPayout; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("recommended payout = %v, want %v", report.RecommendedPayout, wantPayout)
	}
	if !report.RollbackSucceeded {
		t.Error("rollback with no registered actions should succeed")
	}

	if err := env.orch.CompleteRollback(config.WorkflowID, report.RollbackSucceeded); err != nil {
		t.Fatalf("CompleteRollback: %v", err)
	}
}

func TestInvalidTransitions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	config := threeCheckpointConfig()
	config.WorkflowID = "wf-illegal"
	env.orch.Initialize(config)

	// Before Start, checkpoint operations are illegal.
	if _, err := env.orch.CreateCheckpoint(ctx, config.WorkflowID, stateWithStep(1)); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("CreateCheckpoint in INITIALIZED = %v, want ErrInvalidTransition", err)
	}
	if err := env.orch.Complete(config.WorkflowID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Complete in INITIALIZED = %v, want ErrInvalidTransition", err)
	}
	if err := env.orch.CompleteRollback(config.WorkflowID, true); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("CompleteRollback in INITIALIZED = %v, want ErrInvalidTransition", err)
	}

	// Double start.
	env.orch.Start(ctx, config.WorkflowID)
	if err := env.orch.Start(ctx, config.WorkflowID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("double Start = %v, want ErrInvalidTransition", err)
	}

	// Settle outside SETTLING.
	if _, err := env.orch.Settle(ctx, config.WorkflowID, stateWithStep(1)); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Settle in EXECUTING = %v, want ErrInvalidTransition", err)
	}

	// Terminal workflows reject every operation.
	env.orch.Fail(config.WorkflowID, "giving up")
	if err := env.orch.Fail(config.WorkflowID, "again"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Fail on terminal = %v, want ErrInvalidTransition", err)
	}
	if _, err := env.orch.CreateCheckpoint(ctx, config.WorkflowID, stateWithStep(1)); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("CreateCheckpoint on terminal = %v, want ErrInvalidTransition", err)
	}
}

func TestDuplicateAndUnknownWorkflows(t *testing.T) {
	env := newTestEnv(t)

	config := threeCheckpointConfig()
	config.WorkflowID = "wf-dup"
	if _, err := env.orch.Initialize(config); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if _, err := env.orch.Initialize(config); !errors.Is(err, ErrDuplicateWorkflow) {
		t.Errorf("duplicate Initialize = %v, want ErrDuplicateWorkflow", err)
	}

	if _, err := env.orch.Get("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get unknown = %v, want ErrNotFound", err)
	}
	if err := env.orch.Start(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Start unknown = %v, want ErrNotFound", err)
	}
}

func TestUnknownAndResolvedApprovalRequests(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	config := WorkflowConfig{
		WorkflowID: "wf-requests",
		Checkpoints: []CheckpointConfig{
			{CheckpointID: "a", RequiresApproval: true},
			{CheckpointID: "b", RequiresApproval: true},
		},
		ExecutorID: "executor-1",
	}
	env.orch.Initialize(config)
	env.orch.Start(ctx, config.WorkflowID)

	snapshot, _ := env.orch.CreateCheckpoint(ctx, config.WorkflowID, stateWithStep(1))
	request, _ := env.orch.RequestApproval(config.WorkflowID, snapshot.SnapshotID, "review", nil)

	// Unknown request id.
	err := env.orch.SubmitApproval(config.WorkflowID, ApprovalResponse{
		RequestID:  "no-such-request",
		Decision:   DecisionApproved,
		Rationale:  "ok",
		ApprovedBy: "supervisor-1",
	})
	if !errors.Is(err, ErrUnknownRequest) {
		t.Errorf("unknown request = %v, want ErrUnknownRequest", err)
	}

	// Validation failures surface before any state change.
	err = env.orch.SubmitApproval(config.WorkflowID, ApprovalResponse{
		RequestID:  request.RequestID,
		Decision:   DecisionModified,
		Rationale:  "needs mods",
		ApprovedBy: "supervisor-1",
	})
	if !errors.Is(err, ErrValidation) {
		t.Errorf("modified without modifications = %v, want ErrValidation", err)
	}

	// Resolve it, then a replay of the same request id must fail.
	env.orch.SubmitApproval(config.WorkflowID, ApprovalResponse{
		RequestID:  request.RequestID,
		Decision:   DecisionApproved,
		Rationale:  "ok",
		ApprovedBy: "supervisor-1",
	})
	snapshot2, _ := env.orch.CreateCheckpoint(ctx, config.WorkflowID, stateWithStep(2))
	env.orch.RequestApproval(config.WorkflowID, snapshot2.SnapshotID, "review", nil)
	err = env.orch.SubmitApproval(config.WorkflowID, ApprovalResponse{
		RequestID:  request.RequestID,
		Decision:   DecisionApproved,
		Rationale:  "replay",
		ApprovedBy: "supervisor-1",
	})
	if !errors.Is(err, ErrUnknownRequest) {
		t.Errorf("replayed request = %v, want ErrUnknownRequest", err)
	}
}

func TestSnapshotPinnedToCurrentCheckpoint(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	config := threeCheckpointConfig()
	config.WorkflowID = "wf-pin"
	env.orch.Initialize(config)
	env.orch.Start(ctx, config.WorkflowID)

	// The captured state claims a different checkpoint; the snapshot is
	// pinned to the configured one at the current index.
	state := stateWithStep(1)
	state.CheckpointID = "something-else"
	snapshot, err := env.orch.CreateCheckpoint(ctx, config.WorkflowID, state)
	if err != nil {
		t.Fatalf("CreateCheckpoint: %v", err)
	}
	if snapshot.CheckpointID != "A" {
		t.Errorf("snapshot checkpoint = %q, want A", snapshot.CheckpointID)
	}
	if snapshot.ExecutionState.CheckpointID != "A" {
		t.Errorf("embedded state checkpoint = %q, want A", snapshot.ExecutionState.CheckpointID)
	}
}

func TestConcurrentWorkflowsProgressIndependently(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, n)

	for i := 0; i < n; i++ {
		config := WorkflowConfig{
			WorkflowID: fmt.Sprintf("wf-parallel-%d", i),
			Checkpoints: []CheckpointConfig{
				{CheckpointID: "cp", RequiresApproval: true},
			},
			EscrowAmount: 10.0,
			ExecutorID:   "executor-1",
			SupervisorID: "supervisor-1",
		}
		if _, err := env.orch.Initialize(config); err != nil {
			t.Fatalf("Initialize %d: %v", i, err)
		}

		wg.Add(1)
		go func(workflowID string) {
			defer wg.Done()
			if err := env.orch.Start(ctx, workflowID); err != nil {
				errs <- err
				return
			}
			snapshot, err := env.orch.CreateCheckpoint(ctx, workflowID, stateWithStep(1))
			if err != nil {
				errs <- err
				return
			}
			request, err := env.orch.RequestApproval(workflowID, snapshot.SnapshotID, "review", nil)
			if err != nil {
				errs <- err
				return
			}
			if err := env.orch.SubmitApproval(workflowID, ApprovalResponse{
				RequestID:  request.RequestID,
				Decision:   DecisionApproved,
				Rationale:  "ok",
				ApprovedBy: "supervisor-1",
			}); err != nil {
				errs <- err
				return
			}
			if _, err := env.orch.Settle(ctx, workflowID, stateWithStep(1)); err != nil {
				errs <- err
				return
			}
			errs <- env.orch.Complete(workflowID)
		}(config.WorkflowID)
	}

	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("parallel workflow error: %v", err)
		}
	}

	for _, exec := range env.orch.List() {
		if exec.CurrentState != StateCompleted {
			t.Errorf("workflow %s state = %s, want %s", exec.WorkflowID, exec.CurrentState, StateCompleted)
		}
	}
}

func TestCheckpointIndexInvariant(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	config := threeCheckpointConfig()
	config.WorkflowID = "wf-invariant"
	env.orch.Initialize(config)
	env.orch.Start(ctx, config.WorkflowID)

	check := func() {
		t.Helper()
		exec, _ := env.orch.Get(config.WorkflowID)
		n := len(exec.Config.Checkpoints)
		if exec.CurrentCheckpointIndex < 0 || exec.CurrentCheckpointIndex > n {
			t.Fatalf("index %d out of [0, %d]", exec.CurrentCheckpointIndex, n)
		}
		if exec.CurrentCheckpointIndex == n {
			switch exec.CurrentState {
			case StateSettling, StateCompleted, StateFailed:
			default:
				t.Fatalf("index == len but state = %s", exec.CurrentState)
			}
		}
	}

	check()
	for step := 1; step <= 3; step++ {
		approveThrough(t, env, config.WorkflowID, stateWithStep(step))
		check()
	}
}

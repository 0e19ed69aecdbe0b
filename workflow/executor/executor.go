// Package executor provides the agent collaborator that drives a
// supervised workflow: it performs work through an LLM driver, tracks
// the working set a checkpoint captures, registers compensating
// transactions for side-effectful calls, and applies the supervisor's
// approved modifications.
package executor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Officialhomie/SafeRun-X402/workflow"
	"github.com/Officialhomie/SafeRun-X402/workflow/driver"
	"github.com/google/uuid"
)

// Executor owns one agent's working set: memory, API call history,
// intermediate outputs, decision trace, and resource counters. The
// orchestrator never touches this state directly; it only sees the
// ExecutionState values that Snapshot produces.
//
// Thread-safe, though a single workflow normally drives one executor
// from one goroutine.
type Executor struct {
	mu         sync.Mutex
	executorID string
	drv        driver.Driver
	actions    *workflow.Registry
	now        workflow.Clock

	memory    map[string]interface{}
	apiCalls  []workflow.APICall
	outputs   map[string]interface{}
	decisions []string
	resources map[string]float64
}

// Option configures an Executor.
type Option func(*Executor)

// WithDriver sets the LLM driver used by Plan and Step. Without one,
// those operations fail.
func WithDriver(drv driver.Driver) Option {
	return func(e *Executor) {
		e.drv = drv
	}
}

// WithActions sets the compensating-transaction registry that
// side-effectful calls register their inverses with. Obtain it from
// Orchestrator.Actions for the workflow being executed.
func WithActions(actions *workflow.Registry) Option {
	return func(e *Executor) {
		e.actions = actions
	}
}

// WithClock injects a clock for deterministic timestamps.
func WithClock(now workflow.Clock) Option {
	return func(e *Executor) {
		if now != nil {
			e.now = now
		}
	}
}

// New creates an executor with an empty working set.
func New(executorID string, opts ...Option) *Executor {
	e := &Executor{
		executorID: executorID,
		now:        time.Now,
		memory:     make(map[string]interface{}),
		outputs:    make(map[string]interface{}),
		resources:  make(map[string]float64),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Remember stores a value in agent memory.
func (e *Executor) Remember(key string, value interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.memory[key] = value
}

// Produce records an intermediate output.
func (e *Executor) Produce(key string, value interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.outputs[key] = value
}

// Decide appends an entry to the decision trace.
func (e *Executor) Decide(note string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.decisions = append(e.decisions, note)
}

// Consume adds to a resource consumption counter.
func (e *Executor) Consume(metric string, amount float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resources[metric] += amount
}

// CallAPI records one external call. When the call has side effects
// and a registry is attached, the inverse is registered under the
// call id before the record lands, so a later rejection can undo it.
// A nil inverse marks the call as self-reverting.
func (e *Executor) CallAPI(description string, hasSideEffects bool, result map[string]interface{}, kind workflow.ActionKind, inverse workflow.Inverse) (workflow.APICall, error) {
	call := workflow.APICall{
		CallID:         uuid.NewString(),
		Timestamp:      e.now().UTC(),
		Description:    description,
		HasSideEffects: hasSideEffects,
		Result:         result,
	}

	if hasSideEffects && e.actions != nil {
		if err := e.actions.Register(call.CallID, kind, result, inverse); err != nil {
			return workflow.APICall{}, fmt.Errorf("failed to register compensating transaction: %w", err)
		}
	}

	e.mu.Lock()
	e.apiCalls = append(e.apiCalls, call)
	e.resources["api_calls"]++
	e.mu.Unlock()
	return call, nil
}

// Plan asks the driver for an execution plan, storing it as the "plan"
// output and recording the call in the trace and resource counters.
func (e *Executor) Plan(ctx context.Context, goal string) (string, error) {
	return e.generate(ctx, "plan",
		"You are an autonomous agent planning a task. Produce a short numbered plan.", goal)
}

// Step asks the driver to carry out one task, storing the result under
// the given output key.
func (e *Executor) Step(ctx context.Context, outputKey, task string) (string, error) {
	return e.generate(ctx, outputKey,
		"You are an autonomous agent executing one step of an approved plan.", task)
}

func (e *Executor) generate(ctx context.Context, outputKey, system, prompt string) (string, error) {
	if e.drv == nil {
		return "", fmt.Errorf("executor %s has no driver configured", e.executorID)
	}

	out, err := e.drv.Generate(ctx, driver.Request{System: system, Prompt: prompt})

	e.mu.Lock()
	e.apiCalls = append(e.apiCalls, workflow.APICall{
		CallID:      uuid.NewString(),
		Timestamp:   e.now().UTC(),
		Description: "llm:" + outputKey,
	})
	e.resources["api_calls"]++
	if err != nil {
		e.decisions = append(e.decisions, fmt.Sprintf("LLM call for %q failed: %v", outputKey, err))
		e.mu.Unlock()
		return "", err
	}
	e.outputs[outputKey] = out.Text
	e.decisions = append(e.decisions, fmt.Sprintf("Generated %q via driver (%d tokens)", outputKey, out.TokensUsed))
	e.resources["tokens_used"] += float64(out.TokensUsed)
	e.mu.Unlock()
	return out.Text, nil
}

// Snapshot captures the working set as an ExecutionState for the given
// checkpoint. The returned value owns copies; later executor work does
// not mutate it.
func (e *Executor) Snapshot(checkpointID string) workflow.ExecutionState {
	e.mu.Lock()
	defer e.mu.Unlock()

	return workflow.ExecutionState{
		CheckpointID:        checkpointID,
		Timestamp:           e.now().UTC(),
		AgentMemory:         copyMap(e.memory),
		APICalls:            append([]workflow.APICall(nil), e.apiCalls...),
		IntermediateOutputs: copyMap(e.outputs),
		DecisionTrace:       append([]string(nil), e.decisions...),
		ResourceConsumption: copyFloats(e.resources),
	}
}

// ApplyModifications performs the shallow replacement a MODIFIED
// decision calls for: keys already present in agent memory or
// intermediate outputs are overwritten, unknown keys are ignored and
// returned for reporting. Memory wins when a key exists in both.
func (e *Executor) ApplyModifications(modifications map[string]interface{}) (applied, ignored []string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for key, value := range modifications {
		if _, ok := e.memory[key]; ok {
			e.memory[key] = value
			applied = append(applied, key)
			continue
		}
		if _, ok := e.outputs[key]; ok {
			e.outputs[key] = value
			applied = append(applied, key)
			continue
		}
		ignored = append(ignored, key)
	}
	sort.Strings(applied)
	sort.Strings(ignored)
	return applied, ignored
}

// Restore replaces the working set with the contents of a snapshot.
// Call it after a successful rollback so the executor's view matches
// the checkpoint the workflow rolled back to.
func (e *Executor) Restore(state workflow.ExecutionState) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.memory = copyMap(state.AgentMemory)
	e.apiCalls = append([]workflow.APICall(nil), state.APICalls...)
	e.outputs = copyMap(state.IntermediateOutputs)
	e.decisions = append([]string(nil), state.DecisionTrace...)
	e.resources = copyFloats(state.ResourceConsumption)
}

// Memory returns a copy of agent memory.
func (e *Executor) Memory() map[string]interface{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return copyMap(e.memory)
}

// Outputs returns a copy of the intermediate outputs.
func (e *Executor) Outputs() map[string]interface{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return copyMap(e.outputs)
}

func copyMap(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyFloats(in map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

package emit

// NullEmitter discards all events.
//
// Use it when observability output is not wanted, e.g. in benchmarks
// or tests that assert on state rather than on emitted events.
//
//	orch := workflow.NewOrchestrator(workflow.WithEmitter(emit.NewNullEmitter()))
type NullEmitter struct{}

// NewNullEmitter creates an emitter that drops every event.
func NewNullEmitter() *NullEmitter {
	return &NullEmitter{}
}

// Emit discards the event.
func (n *NullEmitter) Emit(_ Event) {}

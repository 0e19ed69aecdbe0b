package workflow

import (
	"github.com/Officialhomie/SafeRun-X402/workflow/artifact"
	"github.com/Officialhomie/SafeRun-X402/workflow/emit"
	"github.com/Officialhomie/SafeRun-X402/workflow/escrow"
)

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithArtifactSink sets the snapshot persistence backend. Without one,
// snapshots live only in-process and carry empty artifact URIs.
func WithArtifactSink(sink artifact.Sink) Option {
	return func(o *Orchestrator) {
		o.artifacts = sink
	}
}

// WithEscrowSink sets the escrow facility used to lock and settle
// funds. Without one, escrow operations are skipped.
func WithEscrowSink(sink escrow.Sink) Option {
	return func(o *Orchestrator) {
		o.escrow = sink
	}
}

// WithEmitter sets the observability event sink.
func WithEmitter(emitter emit.Emitter) Option {
	return func(o *Orchestrator) {
		if emitter != nil {
			o.emitter = emitter
		}
	}
}

// WithMetrics attaches Prometheus metrics collection.
func WithMetrics(metrics *PrometheusMetrics) Option {
	return func(o *Orchestrator) {
		o.metrics = metrics
	}
}

// WithClock injects a clock for deterministic timestamps in tests.
func WithClock(now Clock) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// WithCompletionPolicy overrides the partial-completion targets used
// at settlement.
func WithCompletionPolicy(policy CompletionPolicy) Option {
	return func(o *Orchestrator) {
		o.completion = policy
	}
}

// WithSplitPolicy overrides the executor/supervisor payout split.
func WithSplitPolicy(policy SplitPolicy) Option {
	return func(o *Orchestrator) {
		o.split = policy
	}
}

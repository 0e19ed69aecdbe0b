package emit

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelEmitter implements Emitter by creating OpenTelemetry spans.
//
// Each event becomes a short-lived span with:
//   - Span name: event.Msg (e.g., "checkpoint_created", "approval_submitted")
//   - Attributes: workflow id, checkpoint id, state, and all Meta fields
//   - Status: Error if event.Meta["error"] is present
//
// Usage:
//
//	tracer := otel.Tracer("saferun")
//	emitter := emit.NewOTelEmitter(tracer)
//	orch := workflow.NewOrchestrator(workflow.WithEmitter(emitter))
type OTelEmitter struct {
	tracer trace.Tracer
}

// NewOTelEmitter creates an emitter that records every event as a span
// on the given tracer.
func NewOTelEmitter(tracer trace.Tracer) *OTelEmitter {
	return &OTelEmitter{tracer: tracer}
}

// Emit creates a span for the event and ends it immediately.
//
// The span carries the event's identity fields as standard attributes
// plus one attribute per Meta entry. Unsupported Meta value types are
// stringified with %v.
func (o *OTelEmitter) Emit(event Event) {
	if o.tracer == nil {
		return
	}

	_, span := o.tracer.Start(context.Background(), event.Msg)
	defer span.End()

	span.SetAttributes(
		attribute.String("saferun.workflow_id", event.WorkflowID),
		attribute.String("saferun.checkpoint_id", event.CheckpointID),
		attribute.String("saferun.state", event.State),
	)

	for key, value := range event.Meta {
		span.SetAttributes(metaAttribute("saferun.meta."+key, value))
	}

	if errVal, ok := event.Meta["error"]; ok {
		span.SetStatus(codes.Error, fmt.Sprintf("%v", errVal))
	}
}

// metaAttribute converts a Meta value to an OTel attribute, preserving
// native types where the attribute API supports them.
func metaAttribute(key string, value interface{}) attribute.KeyValue {
	switch v := value.(type) {
	case string:
		return attribute.String(key, v)
	case bool:
		return attribute.Bool(key, v)
	case int:
		return attribute.Int(key, v)
	case int64:
		return attribute.Int64(key, v)
	case float64:
		return attribute.Float64(key, v)
	default:
		return attribute.String(key, fmt.Sprintf("%v", v))
	}
}

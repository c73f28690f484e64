package event

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelSubscriber converts lifecycle events into OpenTelemetry spans.
//
// Each event becomes an instant span named after the event type, carrying
// run/step/workflow ids and payload fields as attributes. step.failed and
// run.failed events set the span status to error.
//
// Usage:
//
//	tracer := otel.Tracer("bilko-go")
//	sub := event.NewOTelSubscriber(tracer)
//	unsubscribe := publisher.Subscribe(event.Subscription{Callback: sub.Receive})
//	defer unsubscribe()
type OTelSubscriber struct {
	tracer trace.Tracer
}

// NewOTelSubscriber creates an OTelSubscriber for the given tracer.
func NewOTelSubscriber(tracer trace.Tracer) *OTelSubscriber {
	return &OTelSubscriber{tracer: tracer}
}

// Receive creates and immediately ends a span for the event. Events are
// points in time; durations, when known, travel in the duration_ms
// attribute rather than span length.
func (o *OTelSubscriber) Receive(ev Event) {
	_, span := o.tracer.Start(context.Background(), ev.Type)
	defer span.End()

	span.SetAttributes(
		attribute.String("bilko.event_id", ev.ID),
		attribute.String("bilko.run_id", ev.RunID),
		attribute.String("bilko.schema_version", ev.SchemaVersion),
	)
	if ev.StepID != "" {
		span.SetAttributes(attribute.String("bilko.step_id", ev.StepID))
	}
	if ev.WorkflowID != "" {
		span.SetAttributes(attribute.String("bilko.workflow_id", ev.WorkflowID))
	}
	if ev.Scope.TenantID != "" {
		span.SetAttributes(attribute.String("bilko.tenant_id", ev.Scope.TenantID))
	}

	for key, value := range ev.Payload {
		switch v := value.(type) {
		case string:
			span.SetAttributes(attribute.String("bilko.payload."+key, v))
		case int:
			span.SetAttributes(attribute.Int("bilko.payload."+key, v))
		case int64:
			span.SetAttributes(attribute.Int64("bilko.payload."+key, v))
		case float64:
			span.SetAttributes(attribute.Float64("bilko.payload."+key, v))
		case bool:
			span.SetAttributes(attribute.Bool("bilko.payload."+key, v))
		default:
			span.SetAttributes(attribute.String("bilko.payload."+key, fmt.Sprintf("%v", v)))
		}
	}

	if ev.Type == TypeRunFailed || ev.Type == TypeStepFailed {
		msg := "failed"
		if m, ok := ev.Payload["error"].(string); ok {
			msg = m
		}
		span.SetStatus(codes.Error, msg)
	}
}

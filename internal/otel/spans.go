package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for engine spans.
var (
	AttrAgentID    = attribute.Key("goclaw.agent.id")
	AttrTaskID     = attribute.Key("goclaw.task.id")
	AttrToolName   = attribute.Key("goclaw.tool.name")
	AttrScheduleID = attribute.Key("goclaw.schedule.id")
	AttrEpicID     = attribute.Key("goclaw.epic.id")
	AttrChannelID  = attribute.Key("goclaw.channel.id")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound tool-call or HTTP request.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call (the websocket event push).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

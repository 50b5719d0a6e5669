package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type agentIDKey struct{}

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

// WithAgentID attaches the acting agent's id to the context, for audit
// and event-log attribution when it isn't already an explicit parameter.
func WithAgentID(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, agentIDKey{}, agentID)
}

// AgentID returns the acting agent's id, "" if unset.
func AgentID(ctx context.Context) string {
	if v, ok := ctx.Value(agentIDKey{}).(string); ok {
		return v
	}
	return ""
}

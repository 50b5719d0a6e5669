package shared

import (
	"context"
	"testing"
)

func TestTraceID_DefaultPlaceholder(t *testing.T) {
	ctx := context.Background()
	if got := TraceID(ctx); got != "-" {
		t.Fatalf("expected \"-\", got %q", got)
	}
	ctx = WithTraceID(ctx, "abc123")
	if got := TraceID(ctx); got != "abc123" {
		t.Fatalf("expected abc123, got %q", got)
	}
}

func TestNewTraceID_NonEmpty(t *testing.T) {
	if got := NewTraceID(); got == "" {
		t.Fatal("expected a non-empty trace id")
	}
}

func TestAgentID_DefaultEmpty(t *testing.T) {
	ctx := context.Background()
	if got := AgentID(ctx); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
	ctx = WithAgentID(ctx, "test-agent")
	if got := AgentID(ctx); got != "test-agent" {
		t.Fatalf("expected test-agent, got %q", got)
	}
}

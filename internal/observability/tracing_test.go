package observability

import (
	"context"
	"errors"
	"testing"
)

func TestInitTracingWithoutEndpointIsNoop(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), TraceConfig{ServiceName: "loanagent"})
	if err != nil {
		t.Fatalf("InitTracing: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestStartSpan(t *testing.T) {
	ctx, span := StartSpan(context.Background(), "agent.invoke", "role", "api", "attempt", 1, "ok", true)
	if ctx == nil || span == nil {
		t.Fatal("expected context and span")
	}
	RecordError(span, errors.New("boom"))
	RecordError(span, nil)
	span.End()
}

func TestAttributesFromPairsSkipsBadKeys(t *testing.T) {
	attrs := attributesFromPairs([]any{"a", "x", 42, "ignored", "b", 3.5, "dangling"})
	if len(attrs) != 2 {
		t.Fatalf("len(attrs) = %d, want 2", len(attrs))
	}
	if string(attrs[0].Key) != "a" || string(attrs[1].Key) != "b" {
		t.Fatalf("unexpected keys: %v", attrs)
	}
}

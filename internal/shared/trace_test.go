package shared

import (
	"context"
	"testing"
)

func TestTraceID_DefaultDash(t *testing.T) {
	if got := TraceID(context.Background()); got != "-" {
		t.Fatalf("expected '-', got %q", got)
	}
	ctx := WithTraceID(context.Background(), "abc")
	if got := TraceID(ctx); got != "abc" {
		t.Fatalf("expected abc, got %q", got)
	}
}

func TestEnsureRequestID_KeepsExisting(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-1")
	ctx2, id := EnsureRequestID(ctx)
	if id != "req-1" {
		t.Fatalf("expected req-1, got %q", id)
	}
	if RequestID(ctx2) != "req-1" {
		t.Fatalf("request id lost")
	}
}

func TestEnsureRequestID_GeneratesFresh(t *testing.T) {
	ctx, id := EnsureRequestID(context.Background())
	if id == "" {
		t.Fatal("expected generated request id")
	}
	if RequestID(ctx) != id {
		t.Fatalf("context request id = %q, want %q", RequestID(ctx), id)
	}
}

func TestLogAttrs_IncludesPresentIDs(t *testing.T) {
	ctx := WithTaskID(WithRequestID(context.Background(), "req"), "task-1")
	attrs := LogAttrs(ctx)
	found := map[string]any{}
	for i := 0; i+1 < len(attrs); i += 2 {
		found[attrs[i].(string)] = attrs[i+1]
	}
	if found["request_id"] != "req" || found["task_id"] != "task-1" {
		t.Fatalf("unexpected attrs: %#v", found)
	}
	if _, ok := found["board_id"]; ok {
		t.Fatalf("board_id should be absent: %#v", found)
	}
}

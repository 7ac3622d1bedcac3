package ctxkeys

import (
	"context"
	"testing"
	"time"
)

func TestAuditEntryRoundTrip(t *testing.T) {
	entry := &AuditEntry{
		TraceID:   "trace-123",
		Server:    "fs",
		Tool:      "read_file",
		RiskLevel: "safe",
		Decision:  "allowed",
		StartTime: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}

	ctx := WithAuditEntry(context.Background(), entry)
	got, ok := AuditEntryFrom(ctx)
	if !ok {
		t.Fatal("expected ok=true, got false")
	}
	if got != entry {
		t.Error("expected same pointer")
	}
	if got.TraceID != "trace-123" {
		t.Errorf("TraceID: got %q, want %q", got.TraceID, "trace-123")
	}
}

func TestAuditEntryPointerMutation(t *testing.T) {
	entry := &AuditEntry{Decision: "pending"}
	ctx := WithAuditEntry(context.Background(), entry)

	entry.Decision = "allowed"

	got, ok := AuditEntryFrom(ctx)
	if !ok {
		t.Fatal("expected ok=true")
	}
	if got.Decision != "allowed" {
		t.Errorf("Decision: got %q, want %q (mutation should propagate)", got.Decision, "allowed")
	}
}

func TestAuditEntryFromEmptyContext(t *testing.T) {
	got, ok := AuditEntryFrom(context.Background())
	if ok {
		t.Fatal("expected ok=false for empty context")
	}
	if got != nil {
		t.Errorf("expected nil, got %+v", got)
	}
}

func TestTraceIDRoundTrip(t *testing.T) {
	ctx := context.Background()
	if _, ok := TraceIDFrom(ctx); ok {
		t.Fatal("expected no trace id in empty context")
	}
	ctx = WithTraceID(ctx, "abc-123")
	got, ok := TraceIDFrom(ctx)
	if !ok || got != "abc-123" {
		t.Errorf("TraceIDFrom = (%q, %v), want (abc-123, true)", got, ok)
	}
}

func TestKeysDontInterfere(t *testing.T) {
	entry := &AuditEntry{TraceID: "t-1", Tool: "read_file"}

	ctx := context.Background()
	ctx = WithAuditEntry(ctx, entry)
	ctx = WithTraceID(ctx, "t-1")

	gotEntry, ok := AuditEntryFrom(ctx)
	if !ok || gotEntry != entry {
		t.Errorf("AuditEntry: got %+v, want %+v", gotEntry, entry)
	}

	gotID, ok := TraceIDFrom(ctx)
	if !ok || gotID != "t-1" {
		t.Errorf("TraceID: got %q, want %q", gotID, "t-1")
	}
}

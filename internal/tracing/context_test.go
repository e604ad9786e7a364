package tracing

import (
	"context"
	"testing"
)

func TestNewTraceID_Unique(t *testing.T) {
	if a, b := NewTraceID(), NewTraceID(); a == "" || a == b {
		t.Fatalf("trace ids should be non-empty and unique: %q %q", a, b)
	}
}

func TestFields_Accumulate(t *testing.T) {
	ctx := context.Background()
	if FromContext(ctx) != (Fields{}) {
		t.Fatal("empty context should carry no fields")
	}

	ctx = WithTraceID(ctx, "t")
	ctx = WithSessionID(ctx, "telegram:42")
	ctx = WithUserID(ctx, "alice")
	ctx = WithRunID(ctx, "r")

	want := Fields{TraceID: "t", RunID: "r", SessionID: "telegram:42", UserID: "alice"}
	if got := FromContext(ctx); got != want {
		t.Errorf("FromContext = %+v, want %+v", got, want)
	}
	if got := FromContext(NewContext(context.Background(), want)); got != want {
		t.Errorf("NewContext round trip = %+v", got)
	}
}

func TestFields_ParentUnchanged(t *testing.T) {
	parent := WithUserID(context.Background(), "alice")
	child := WithUserID(parent, "bob")

	if GetUserID(parent) != "alice" || GetUserID(child) != "bob" {
		t.Errorf("parent %q child %q", GetUserID(parent), GetUserID(child))
	}
}

func TestFromContext_Nil(t *testing.T) {
	if GetTraceID(nil) != "" {
		t.Error("nil context should yield no trace id")
	}
}

func TestNewFlushContext(t *testing.T) {
	ctx := NewFlushContext(context.Background(), "session-1", "alice")
	f := FromContext(ctx)
	if f.TraceID == "" || f.RunID == "" {
		t.Errorf("trace and run ids should be generated: %+v", f)
	}
	if f.SessionID != "session-1" || f.UserID != "alice" {
		t.Errorf("session and user not set: %+v", f)
	}

	kept := NewFlushContext(WithTraceID(context.Background(), "keep"), "", "")
	if GetTraceID(kept) != "keep" || GetUserID(kept) != "" {
		t.Errorf("unexpected fields: %+v", FromContext(kept))
	}
	if GetRunID(kept) == GetRunID(ctx) {
		t.Error("every flush gets its own run id")
	}
}

func TestStartSpan_RecordsTraceID(t *testing.T) {
	if err := Setup("mnemo-test", "test", 1); err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	defer Shutdown(context.Background())

	ctx, span := StartSpan(context.Background(), "mnemo.test", "memory.search")
	defer span.End()

	if got, want := GetTraceID(ctx), span.SpanContext().TraceID().String(); got != want {
		t.Errorf("trace id %q, want span id %q", got, want)
	}
}

func TestStartSpan_KeepsRequestTraceID(t *testing.T) {
	ctx := WithTraceID(context.Background(), "cli-request")
	ctx, span := StartSpan(ctx, "mnemo.test", "memory.sync")
	defer span.End()

	if GetTraceID(ctx) != "cli-request" {
		t.Errorf("trace id replaced: %q", GetTraceID(ctx))
	}
}

package tracing

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
)

func logEntry(t *testing.T, ctx context.Context) map[string]interface{} {
	t.Helper()

	var buf bytes.Buffer
	l := LoggerFromContext(ctx, zerolog.New(&buf))
	l.Info().Msg("Flush completed")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log output is not JSON: %v", err)
	}
	return entry
}

func TestLoggerFromContext(t *testing.T) {
	ctx := NewContext(context.Background(), Fields{
		TraceID:   "trace-123",
		RunID:     "run-456",
		SessionID: "session-abc",
		UserID:    "alice",
	})

	entry := logEntry(t, ctx)
	for key, want := range map[string]string{
		"trace_id":   "trace-123",
		"run_id":     "run-456",
		"session_id": "session-abc",
		"user_id":    "alice",
	} {
		if entry[key] != want {
			t.Errorf("%s = %v, want %s", key, entry[key], want)
		}
	}
}

func TestLoggerFromContext_OmitsEmpty(t *testing.T) {
	entry := logEntry(t, WithSessionID(context.Background(), "s1"))

	if entry["session_id"] != "s1" {
		t.Errorf("session_id = %v", entry["session_id"])
	}
	for _, key := range []string{"trace_id", "run_id", "user_id"} {
		if _, ok := entry[key]; ok {
			t.Errorf("%s should be omitted", key)
		}
	}
}

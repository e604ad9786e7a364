package observability

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Audit event kinds.
const (
	AuditMemory       = "memory"
	AuditConversation = "conversation"
)

// AuditEvent is one line in the audit log: who changed what in the memory
// files, the index or the conversation log.
type AuditEvent struct {
	Kind   string
	Action string
	Actor  string
	Status string
	Fields map[string]interface{}
}

// AuditLog appends audit events as JSON lines.
type AuditLog struct {
	mu     sync.Mutex
	out    zerolog.Logger
	closer io.Closer
}

// Until OpenAuditLog succeeds events are dropped; one-shot commands keep
// stderr clean that way.
var audit atomic.Pointer[AuditLog]

func init() {
	audit.Store(&AuditLog{out: zerolog.Nop()})
}

// OpenAuditLog directs audit events to an append-only file at path,
// closing any previously opened one.
func OpenAuditLog(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create audit directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}

	prev := audit.Swap(&AuditLog{
		out:    zerolog.New(f).With().Timestamp().Logger(),
		closer: f,
	})
	return prev.close()
}

// CloseAuditLog closes the audit file and goes back to dropping events.
func CloseAuditLog() error {
	return audit.Swap(&AuditLog{out: zerolog.Nop()}).close()
}

func (a *AuditLog) close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closer == nil {
		return nil
	}
	err := a.closer.Close()
	a.closer = nil
	a.out = zerolog.Nop()
	return err
}

func (a *AuditLog) record(ctx context.Context, ev AuditEvent) {
	var traceID string
	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		traceID = span.SpanContext().TraceID().String()
		span.AddEvent("audit."+ev.Action, trace.WithAttributes(
			attribute.String("audit.kind", ev.Kind),
			attribute.String("audit.actor", ev.Actor),
			attribute.String("audit.status", ev.Status),
		))
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	e := a.out.Log().
		Str("type", ev.Kind).
		Str("action", ev.Action).
		Str("actor", ev.Actor).
		Str("status", ev.Status)
	if traceID != "" {
		e = e.Str("trace_id", traceID)
	}
	if len(ev.Fields) > 0 {
		e = e.Fields(ev.Fields)
	}
	e.Send()
}

// Audit records ev in the current audit log.
func Audit(ctx context.Context, ev AuditEvent) {
	audit.Load().record(ctx, ev)
}

// RecordMemoryAudit records a change to a memory file or the index.
func RecordMemoryAudit(ctx context.Context, action, actor, status string, fields map[string]interface{}) {
	Audit(ctx, AuditEvent{Kind: AuditMemory, Action: action, Actor: actor, Status: status, Fields: fields})
}

// RecordConversationAudit records a destructive change to the conversation log.
func RecordConversationAudit(ctx context.Context, action, actor string, fields map[string]interface{}) {
	Audit(ctx, AuditEvent{Kind: AuditConversation, Action: action, Actor: actor, Status: "success", Fields: fields})
}

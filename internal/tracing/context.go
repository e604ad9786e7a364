package tracing

import (
	"context"

	"github.com/google/uuid"
)

// Fields are the correlation ids carried through a request or a flush run.
// Empty fields are omitted from logs.
type Fields struct {
	TraceID   string
	RunID     string
	SessionID string
	UserID    string
}

type fieldsKey struct{}

// FromContext returns the fields attached to ctx; a nil ctx yields none.
func FromContext(ctx context.Context) Fields {
	if ctx == nil {
		return Fields{}
	}
	f, _ := ctx.Value(fieldsKey{}).(Fields)
	return f
}

// NewContext attaches f to ctx, replacing any fields already present.
func NewContext(ctx context.Context, f Fields) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, fieldsKey{}, f)
}

func update(ctx context.Context, set func(*Fields)) context.Context {
	f := FromContext(ctx)
	set(&f)
	return NewContext(ctx, f)
}

func NewTraceID() string { return uuid.NewString() }

// NewRunID identifies one consolidation run.
func NewRunID() string { return uuid.NewString() }

func WithTraceID(ctx context.Context, id string) context.Context {
	return update(ctx, func(f *Fields) { f.TraceID = id })
}

func WithRunID(ctx context.Context, id string) context.Context {
	return update(ctx, func(f *Fields) { f.RunID = id })
}

func WithSessionID(ctx context.Context, id string) context.Context {
	return update(ctx, func(f *Fields) { f.SessionID = id })
}

// WithUserID scopes the request to one memory owner.
func WithUserID(ctx context.Context, id string) context.Context {
	return update(ctx, func(f *Fields) { f.UserID = id })
}

func GetTraceID(ctx context.Context) string   { return FromContext(ctx).TraceID }
func GetRunID(ctx context.Context) string     { return FromContext(ctx).RunID }
func GetSessionID(ctx context.Context) string { return FromContext(ctx).SessionID }
func GetUserID(ctx context.Context) string    { return FromContext(ctx).UserID }

// NewRequestContext starts a fresh trace for one CLI or tool request.
func NewRequestContext(ctx context.Context) context.Context {
	return WithTraceID(ctx, NewTraceID())
}

// NewFlushContext starts a consolidation run for sessionID on behalf of
// userID. An existing trace id is kept so the run joins its caller's trace.
func NewFlushContext(ctx context.Context, sessionID, userID string) context.Context {
	return update(ctx, func(f *Fields) {
		if f.TraceID == "" {
			f.TraceID = NewTraceID()
		}
		f.RunID = NewRunID()
		if sessionID != "" {
			f.SessionID = sessionID
		}
		if userID != "" {
			f.UserID = userID
		}
	})
}

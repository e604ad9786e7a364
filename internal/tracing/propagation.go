package tracing

import (
	"context"

	"github.com/rs/zerolog"
)

// LoggerFromContext returns base annotated with the correlation ids in ctx.
func LoggerFromContext(ctx context.Context, base zerolog.Logger) zerolog.Logger {
	f := FromContext(ctx)
	if f == (Fields{}) {
		return base
	}

	lc := base.With()
	for _, kv := range [...]struct{ key, val string }{
		{"trace_id", f.TraceID},
		{"run_id", f.RunID},
		{"session_id", f.SessionID},
		{"user_id", f.UserID},
	} {
		if kv.val != "" {
			lc = lc.Str(kv.key, kv.val)
		}
	}
	return lc.Logger()
}

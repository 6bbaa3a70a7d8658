// Package audit provides a structured, slog-backed audit trail for
// security-relevant events (registration, login, logout, refresh-reuse
// detection, password change). It implements auth.AuditLogger without
// importing internal/auth, keeping the dependency direction one-way.
package audit

import (
	"context"
	"log/slog"
	"os"
	"time"
)

// Logger writes one JSON line per event to stdout, tagged so log
// aggregators can route it to a separate, longer-retention index than
// ordinary application logs.
type Logger struct {
	logger *slog.Logger
}

// New builds a Logger with its own JSON handler, independent of the main
// application logger's format so audit events keep a stable shape even if
// the app's general logging verbosity or encoding changes.
func New() *Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	return &Logger{logger: slog.New(handler)}
}

// Log records event with its fields. It never returns an error and never
// blocks the caller's operation; a failing sink would otherwise make
// authentication depend on logging infrastructure being healthy.
func (l *Logger) Log(ctx context.Context, event string, fields map[string]any) {
	attrs := make([]any, 0, 2+2*len(fields))
	attrs = append(attrs, slog.String("log_type", "AUDIT_TRAIL"), slog.Time("timestamp_utc", time.Now().UTC()))
	for k, v := range fields {
		attrs = append(attrs, slog.Any(k, v))
	}
	l.logger.InfoContext(ctx, event, attrs...)
}

// Package logger provides the structured logger shared by the storefront transport packages.
package logger

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type contextKey string

const (
	// TraceIDKey is the context key carrying the trace ID attached to log entries.
	TraceIDKey contextKey = "trace_id"
	// IdentityKey is the context key carrying the session identity attached to log entries.
	IdentityKey contextKey = "identity"
)

// Logger wraps logrus with a fixed component field.
type Logger struct {
	*logrus.Logger
	component string
}

// New creates a logger for component with the given level ("debug", "info", ...) and
// format ("json" or "text"). Unknown levels fall back to info.
func New(component, level, format string) *Logger {
	base := logrus.New()
	base.SetOutput(os.Stderr)

	lvl, err := logrus.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		lvl = logrus.InfoLevel
	}
	base.SetLevel(lvl)

	switch strings.ToLower(strings.TrimSpace(format)) {
	case "text":
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		base.SetFormatter(&logrus.JSONFormatter{})
	}

	return &Logger{Logger: base, component: component}
}

// NewDefault creates an info-level JSON logger for component.
func NewDefault(component string) *Logger {
	return New(component, "info", "json")
}

// NewDiscard creates a logger that drops everything. Useful in tests.
func NewDiscard(component string) *Logger {
	l := New(component, "panic", "json")
	l.SetOutput(io.Discard)
	return l
}

// Component returns the component name stamped on every entry.
func (l *Logger) Component() string {
	return l.component
}

// entry returns the base entry carrying the component field.
func (l *Logger) entry() *logrus.Entry {
	return l.Logger.WithField("component", l.component)
}

// WithField adds a single field.
func (l *Logger) WithField(key string, value interface{}) *logrus.Entry {
	return l.entry().WithField(key, value)
}

// WithFields adds multiple fields.
func (l *Logger) WithFields(fields map[string]interface{}) *logrus.Entry {
	return l.entry().WithFields(logrus.Fields(fields))
}

// WithError adds an error field.
func (l *Logger) WithError(err error) *logrus.Entry {
	return l.entry().WithError(err)
}

// WithContext adds trace and identity fields found in ctx.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	e := l.entry().WithContext(ctx)
	if ctx == nil {
		return e
	}
	if traceID := GetTraceID(ctx); traceID != "" {
		e = e.WithField(string(TraceIDKey), traceID)
	}
	if identity, ok := ctx.Value(IdentityKey).(string); ok && identity != "" {
		e = e.WithField(string(IdentityKey), identity)
	}
	return e
}

// NewTraceID generates a new trace ID.
func NewTraceID() string {
	return uuid.New().String()
}

// WithTraceID stores traceID in ctx.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// GetTraceID returns the trace ID stored in ctx, or "".
func GetTraceID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(TraceIDKey).(string); ok {
		return id
	}
	return ""
}

// WithIdentity stores a session identity in ctx.
func WithIdentity(ctx context.Context, identity string) context.Context {
	return context.WithValue(ctx, IdentityKey, identity)
}

package logctx

import (
	"context"
	"log/slog"
)

type contextKey string

const (
	loggerKey contextKey = "logger"
	fieldsKey contextKey = "log_fields"
)

// WithLogger returns a new context with the provided slog.Logger.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// LoggerFromContext retrieves the slog.Logger from the context, or returns slog.Default() if not found.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey).(*slog.Logger); ok && l != nil {
		return l
	}
	return slog.Default()
}

// Fields are added to every record logged with a context carrying them.
type Fields struct {
	RunID    string // Executor run the record belongs to
	Task     string // Unit whose body is logging
	URL      string // Remote resource being fetched
	Artifact string // Destination of a download

	RequestID string // Status API request being served
}

// WithFields merges fields into the ones already carried by ctx. Empty
// values keep what was there.
func WithFields(ctx context.Context, fields Fields) context.Context {
	merged := FieldsFromContext(ctx)

	if fields.RunID != "" {
		merged.RunID = fields.RunID
	}
	if fields.Task != "" {
		merged.Task = fields.Task
	}
	if fields.URL != "" {
		merged.URL = fields.URL
	}
	if fields.Artifact != "" {
		merged.Artifact = fields.Artifact
	}
	if fields.RequestID != "" {
		merged.RequestID = fields.RequestID
	}

	return context.WithValue(ctx, fieldsKey, merged)
}

// FieldsFromContext returns the fields carried by ctx, if any.
func FieldsFromContext(ctx context.Context) Fields {
	if f, ok := ctx.Value(fieldsKey).(Fields); ok {
		return f
	}
	return Fields{}
}

func (f Fields) attrs() []slog.Attr {
	var attrs []slog.Attr

	if f.RunID != "" {
		attrs = append(attrs, slog.String("run_id", f.RunID))
	}
	if f.Task != "" {
		attrs = append(attrs, slog.String("task", f.Task))
	}
	if f.URL != "" {
		attrs = append(attrs, slog.String("url", f.URL))
	}
	if f.Artifact != "" {
		attrs = append(attrs, slog.String("artifact", f.Artifact))
	}
	if f.RequestID != "" {
		attrs = append(attrs, slog.String("request_id", f.RequestID))
	}

	return attrs
}

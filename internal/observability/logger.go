// Package observability configures structured logging for lowvideo.
package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/m-mizutani/masq"

	"github.com/QVSorrow/low-level-video/internal/config"
)

// LevelTrace is below debug. Per-buffer codec and muxer events log here.
const LevelTrace = slog.LevelDebug - 4

// RedactedValue replaces masked values.
const RedactedValue = "[REDACTED]"

// contextKey is a type for context keys to avoid collisions.
type contextKey string

const (
	// RequestIDKey is the context key for request IDs.
	RequestIDKey contextKey = "request_id"
	loggerKey    contextKey = "logger"
)

// sensitiveKeys are attribute and query parameter names whose values never
// reach the log output.
var sensitiveKeys = []string{"password", "secret", "token", "apikey", "api_key", "credential"}

var (
	sensitiveParam = regexp.MustCompile(`(?i)([?&](?:` + strings.Join(sensitiveKeys, "|") + `)=)[^&#\s"]*`)
	urlUserinfo    = regexp.MustCompile(`([a-zA-Z][a-zA-Z0-9+.-]*://[^/@:\s"]+):[^/@\s"]*@`)
)

// NewLogger creates a new slog.Logger based on the provided configuration.
// The logger supports JSON and text formats with configurable log levels.
func NewLogger(cfg config.LoggingConfig) *slog.Logger {
	return NewLoggerWithWriter(cfg, os.Stderr)
}

// NewLoggerWithWriter creates a new slog.Logger that writes to the provided writer.
func NewLoggerWithWriter(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       parseLevel(cfg.Level),
		AddSource:   cfg.AddSource,
		ReplaceAttr: replaceAttr(cfg.TimeFormat),
	}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler)
}

func replaceAttr(timeFormat string) func([]string, slog.Attr) slog.Attr {
	var variants []masq.Option
	for _, k := range sensitiveKeys {
		variants = append(variants,
			masq.WithFieldName(k),
			masq.WithFieldName(strings.ToUpper(k[:1])+k[1:]),
			masq.WithFieldName(strings.ToUpper(k)),
		)
	}
	variants = append(variants, masq.WithFieldName("ApiKey"), masq.WithFieldName("APIKey"))
	mask := masq.New(variants...)

	return func(groups []string, a slog.Attr) slog.Attr {
		switch {
		case a.Key == slog.LevelKey && len(groups) == 0:
			if lvl, ok := a.Value.Any().(slog.Level); ok && lvl == LevelTrace {
				return slog.String(slog.LevelKey, "TRACE")
			}
			return a
		case a.Key == slog.TimeKey && len(groups) == 0:
			if timeFormat != "" {
				if t, ok := a.Value.Any().(time.Time); ok {
					return slog.String(slog.TimeKey, t.Format(timeFormat))
				}
			}
			return a
		case (a.Key == slog.MessageKey || a.Key == slog.SourceKey) && len(groups) == 0:
			return a
		}
		if a.Value.Kind() == slog.KindString {
			a.Value = slog.StringValue(RedactString(a.Value.String()))
		}
		return mask(groups, a)
	}
}

// RedactString masks URL passwords and sensitive query parameters in s.
func RedactString(s string) string {
	if !strings.Contains(s, "://") && !strings.ContainsAny(s, "?&") {
		return s
	}
	s = urlUserinfo.ReplaceAllString(s, "${1}:"+RedactedValue+"@")
	return sensitiveParam.ReplaceAllString(s, "${1}"+RedactedValue)
}

// parseLevel converts a string log level to slog.Level.
func parseLevel(level string) slog.Level {
	switch level {
	case "trace":
		return LevelTrace
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithRequestID adds a request ID to the logger.
func WithRequestID(logger *slog.Logger, requestID string) *slog.Logger {
	return logger.With(slog.String("request_id", requestID))
}

// WithComponent adds a component name to the logger for identifying the source.
func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	return logger.With(slog.String("component", component))
}

// WithOperation adds an operation name to the logger for tracking specific operations.
func WithOperation(logger *slog.Logger, operation string) *slog.Logger {
	return logger.With(slog.String("operation", operation))
}

// WithError adds an error to the logger attributes.
func WithError(logger *slog.Logger, err error) *slog.Logger {
	if err == nil {
		return logger
	}
	return logger.With(slog.String("error", err.Error()))
}

// LoggerFromContext extracts a logger from the context.
// If no logger is found, returns the default logger.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// ContextWithLogger adds a logger to the context.
func ContextWithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// RequestIDFromContext extracts a request ID from the context.
func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(RequestIDKey).(string); ok {
		return id
	}
	return ""
}

// ContextWithRequestID adds a request ID to the context.
func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// Discard returns a logger that drops everything below error.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// TimedOperationWithError logs the start of an operation and returns a
// function that logs its outcome. errPtr is read when that function runs,
// so errors assigned after this call are seen.
//
// Usage:
//
//	var err error
//	done := observability.TimedOperationWithError(ctx, logger, "transcode", &err)
//	defer done()
//	err = doSomething()
//
//nolint:gocritic // errPtr must be a pointer to capture errors set after this call
func TimedOperationWithError(ctx context.Context, logger *slog.Logger, operation string, errPtr *error) func() {
	start := time.Now()
	logger.InfoContext(ctx, "operation started", slog.String("operation", operation))

	return func() {
		duration := time.Since(start)
		if errPtr != nil && *errPtr != nil {
			logger.ErrorContext(ctx, "operation failed",
				slog.String("operation", operation),
				slog.Duration("duration", duration),
				slog.String("error", (*errPtr).Error()),
			)
			return
		}
		logger.InfoContext(ctx, "operation completed",
			slog.String("operation", operation),
			slog.Duration("duration", duration),
		)
	}
}

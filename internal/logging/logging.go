// Package logging configures the process slog logger on top of slog-logfilter.
//
// Output is text on a TTY and JSON otherwise (LOG_FORMAT overrides). Request,
// caller and target values carried in a context are registered as filter
// fields so runtime filters can raise verbosity for one caller or one site.
package logging

import (
	"context"
	"log/slog"
	"os"
	"strings"

	logfilter "github.com/jmylchreest/slog-logfilter"
)

// ContextKey is a type for context keys used in logging.
type ContextKey string

const (
	// RequestIDKey carries the HTTP request ID.
	RequestIDKey ContextKey = "log_request_id"
	// CallerKey carries the rate-limit identity (user:... or ip:...).
	// Filter matching only; it is never written to log lines.
	CallerKey ContextKey = "log_caller"
	// TargetKey carries the host being scraped.
	TargetKey ContextKey = "log_target"
)

// WithRequestID adds a request ID to the context for logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// WithCaller adds the caller identity to the context for filter matching.
func WithCaller(ctx context.Context, caller string) context.Context {
	return context.WithValue(ctx, CallerKey, caller)
}

// WithTarget adds the scrape target host to the context.
func WithTarget(ctx context.Context, target string) context.Context {
	return context.WithValue(ctx, TargetKey, target)
}

// GetRequestID extracts the request ID from context.
func GetRequestID(ctx context.Context) string {
	return stringValue(ctx, RequestIDKey)
}

// GetCaller extracts the caller identity from context.
func GetCaller(ctx context.Context) string {
	return stringValue(ctx, CallerKey)
}

// GetTarget extracts the scrape target from context.
func GetTarget(ctx context.Context) string {
	return stringValue(ctx, TargetKey)
}

func stringValue(ctx context.Context, key ContextKey) string {
	if ctx == nil {
		return ""
	}
	if s, ok := ctx.Value(key).(string); ok {
		return s
	}
	return ""
}

// FromContext returns logger with request_id and target attributes from ctx.
func FromContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if ctx == nil {
		return logger
	}

	var attrs []any
	if requestID := GetRequestID(ctx); requestID != "" {
		attrs = append(attrs, "request_id", requestID)
	}
	if target := GetTarget(ctx); target != "" {
		attrs = append(attrs, "target", target)
	}
	if len(attrs) == 0 {
		return logger
	}
	return logger.With(attrs...)
}

func registerContextExtractors() {
	for field, key := range map[string]ContextKey{
		"request_id": RequestIDKey,
		"caller":     CallerKey,
		"target":     TargetKey,
	} {
		key := key
		logfilter.RegisterContextExtractor(field, func(ctx context.Context) (string, bool) {
			s := stringValue(ctx, key)
			return s, s != ""
		})
	}
}

// New builds a logger. level overrides LOG_LEVEL when non-empty.
func New(level string) *slog.Logger {
	logFormat := os.Getenv("LOG_FORMAT")
	format := "json"
	if logFormat == "text" || (logFormat == "" && isatty(os.Stdout)) {
		format = "text"
	}

	if level == "" {
		level = os.Getenv("LOG_LEVEL")
	}

	registerContextExtractors()

	return logfilter.New(
		logfilter.WithLevel(parseLogLevel(level)),
		logfilter.WithFormat(format),
		logfilter.WithOutput(os.Stdout),
		logfilter.WithSource(true),
	)
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetDefault creates a logger and installs it as the slog default.
func SetDefault(level string) *slog.Logger {
	logger := New(level)
	slog.SetDefault(logger)
	return logger
}

// SetLevel changes the global log level at runtime.
func SetLevel(level slog.Level) {
	logfilter.SetLevel(level)
}

// SetFilters replaces all log filters.
func SetFilters(filters []logfilter.LogFilter) {
	logfilter.SetFilters(filters)
}

func isatty(f *os.File) bool {
	stat, err := f.Stat()
	if err != nil {
		return false
	}
	return (stat.Mode() & os.ModeCharDevice) != 0
}

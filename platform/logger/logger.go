// Package logger provides structured logging infrastructure for the application.
// This is part of the platform layer and contains no business logic.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Context key types for storing values in context
type contextKey string

const (
	// RequestIDKey is the context key for request ID
	RequestIDKey contextKey = "request_id"
	// EventIDKey is the context key for the inbound delivery event ID
	EventIDKey contextKey = "event_id"
	// ContactIDKey is the context key for the CRM contact ID
	ContactIDKey contextKey = "contact_id"
)

// Logger wraps slog.Logger for structured logging
type Logger struct {
	*slog.Logger
}

// New creates a new logger based on environment
func New(env string) *Logger {
	return NewWithWriter(env, os.Stdout)
}

// NewWithWriter creates a logger writing to w. Tests pass io.Discard.
func NewWithWriter(env string, w io.Writer) *Logger {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}

	if strings.EqualFold(env, "development") {
		opts.Level = slog.LevelDebug
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	return &Logger{
		Logger: slog.New(handler),
	}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return NewWithWriter("production", io.Discard)
}

// WithContext returns a logger with context values extracted.
// Supports request_id, event_id and contact_id from context.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	if ctx == nil {
		return l
	}

	newLogger := l

	if requestID, ok := ctx.Value(RequestIDKey).(string); ok && requestID != "" {
		newLogger = newLogger.WithRequestID(requestID)
	}

	if eventID, ok := ctx.Value(EventIDKey).(string); ok && eventID != "" {
		newLogger = &Logger{
			Logger: newLogger.With(slog.String("event_id", eventID)),
		}
	}

	if contactID, ok := ctx.Value(ContactIDKey).(string); ok && contactID != "" {
		newLogger = newLogger.WithContact(contactID)
	}

	return newLogger
}

// WithRequestID returns a logger with request ID
func (l *Logger) WithRequestID(requestID string) *Logger {
	return &Logger{
		Logger: l.With(slog.String("request_id", requestID)),
	}
}

// WithContact returns a logger scoped to a contact
func (l *Logger) WithContact(contactID string) *Logger {
	return &Logger{
		Logger: l.With(slog.String("contact_id", contactID)),
	}
}

// HTTPRequest logs an HTTP request
func (l *Logger) HTTPRequest(method, path string, status int, latencyMs float64, clientIP string) {
	l.Info("http_request",
		slog.String("method", method),
		slog.String("path", path),
		slog.Int("status", status),
		slog.Float64("latency_ms", latencyMs),
		slog.String("client_ip", clientIP),
	)
}

// HTTPError logs an HTTP error
func (l *Logger) HTTPError(method, path string, status int, err error, clientIP string) {
	l.Error("http_error",
		slog.String("method", method),
		slog.String("path", path),
		slog.Int("status", status),
		slog.String("error", err.Error()),
		slog.String("client_ip", clientIP),
	)
}

// Outcome logs the final result of an inbound event.
func (l *Logger) Outcome(eventID, contactID, status, reason string) {
	l.Info("event_outcome",
		slog.String("event_id", eventID),
		slog.String("contact_id", contactID),
		slog.String("status", status),
		slog.String("reason", reason),
	)
}

// UpstreamFailure logs a failed call to the CRM or the language model.
func (l *Logger) UpstreamFailure(service, operation string, err error) {
	l.Warn("upstream_failure",
		slog.String("service", service),
		slog.String("operation", operation),
		slog.String("error", err.Error()),
	)
}

// StoreError logs shared state store errors
func (l *Logger) StoreError(operation string, err error) {
	l.Error("store_error",
		slog.String("operation", operation),
		slog.String("error", err.Error()),
	)
}

// RateLimitExceeded logs rate limit events
func (l *Logger) RateLimitExceeded(clientIP, path string) {
	l.Warn("rate_limit_exceeded",
		slog.String("client_ip", clientIP),
		slog.String("path", path),
	)
}

// Package logging provides structured logging functionality.
package logging

import (
	"log/slog"
	"os"
)

// Logger provides structured logging
type Logger interface {
	// Debug logs a debug message
	Debug(msg string, fields ...Field)

	// Info logs an info message
	Info(msg string, fields ...Field)

	// Warn logs a warning message
	Warn(msg string, fields ...Field)

	// Error logs an error message
	Error(msg string, fields ...Field)

	// WithFields returns a new logger with the given fields
	WithFields(fields ...Field) Logger

	// LogConversationEvent records conversation-level events
	LogConversationEvent(sessionID string, flowID string, event string, data map[string]interface{})

	// LogNodeExecution records node execution events
	LogNodeExecution(sessionID string, flowID string, nodeID string, event string, data map[string]interface{})
}

// Field represents a key-value pair in a log entry
type Field struct {
	// Key is the field name
	Key string

	// Value is the field value
	Value interface{}
}

// F is shorthand for building a Field.
func F(key string, value interface{}) Field {
	return Field{Key: key, Value: value}
}

// Config contains configuration for the logger
type Config struct {
	// Level is the minimum log level to output
	Level string `json:"level"` // "debug", "info", "warn", "error"

	// Format is the log format
	Format string `json:"format"` // "json", "text"
}

// slogLogger implements Logger on top of log/slog.
type slogLogger struct {
	logger *slog.Logger
}

// NewLogger creates a structured logger writing to stdout.
func NewLogger(cfg Config) Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return &slogLogger{logger: slog.New(handler)}
}

// NewNopLogger creates a logger that discards everything. Used in tests.
func NewNopLogger() Logger {
	return &slogLogger{logger: slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError + 1}))}
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func (l *slogLogger) Debug(msg string, fields ...Field) {
	l.logger.Debug(msg, attrs(fields)...)
}

func (l *slogLogger) Info(msg string, fields ...Field) {
	l.logger.Info(msg, attrs(fields)...)
}

func (l *slogLogger) Warn(msg string, fields ...Field) {
	l.logger.Warn(msg, attrs(fields)...)
}

func (l *slogLogger) Error(msg string, fields ...Field) {
	l.logger.Error(msg, attrs(fields)...)
}

func (l *slogLogger) WithFields(fields ...Field) Logger {
	return &slogLogger{logger: l.logger.With(attrs(fields)...)}
}

func (l *slogLogger) LogConversationEvent(sessionID, flowID, event string, data map[string]interface{}) {
	l.logger.Info("conversation event",
		slog.String("session_id", sessionID),
		slog.String("flow_id", flowID),
		slog.String("event", event),
		slog.Any("data", data),
	)
}

func (l *slogLogger) LogNodeExecution(sessionID, flowID, nodeID, event string, data map[string]interface{}) {
	l.logger.Debug("node execution",
		slog.String("session_id", sessionID),
		slog.String("flow_id", flowID),
		slog.String("node_id", nodeID),
		slog.String("event", event),
		slog.Any("data", data),
	)
}

func attrs(fields []Field) []any {
	out := make([]any, 0, len(fields))
	for _, f := range fields {
		out = append(out, slog.Any(f.Key, f.Value))
	}
	return out
}

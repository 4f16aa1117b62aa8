// Package logging provides structured logging for bridge components. It
// wraps a standard slog.Logger for local logging and can additionally
// publish entries to NATS so a host automation platform can stream them.
package logging

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// Level represents the severity level of a log entry
type Level string

const (
	// LevelDebug represents debug-level logs
	LevelDebug Level = "DEBUG"
	// LevelInfo represents informational logs
	LevelInfo Level = "INFO"
	// LevelWarn represents warning logs
	LevelWarn Level = "WARN"
	// LevelError represents error logs
	LevelError Level = "ERROR"
)

// Entry is a structured log record published to NATS for remote consumers.
type Entry struct {
	Timestamp string `json:"timestamp"` // RFC3339 format
	Level     Level  `json:"level"`
	Component string `json:"component"`
	Device    string `json:"device"`
	Message   string `json:"message"`
	Error     string `json:"error,omitempty"`
}

// Logger logs locally via slog and, when a NATS connection is supplied,
// publishes each entry to "cresontrol.logs.{device}.{component}". A nil
// connection disables publication; local logging always works.
type Logger struct {
	componentName string
	device        string
	nc            *nats.Conn
	logger        *slog.Logger
	enabled       bool
}

// NewLogger creates a component logger. device identifies the session
// (typically the device host). logger may be nil to use slog.Default.
func NewLogger(componentName, device string, nc *nats.Conn, logger *slog.Logger) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logger{
		componentName: componentName,
		device:        device,
		nc:            nc,
		logger:        logger,
		enabled:       nc != nil,
	}
}

// With returns a logger for a different component sharing the same device
// and NATS connection.
func (l *Logger) With(componentName string) *Logger {
	return &Logger{
		componentName: componentName,
		device:        l.device,
		nc:            l.nc,
		logger:        l.logger,
		enabled:       l.enabled,
	}
}

// Debug logs a debug-level message with optional slog attrs.
func (l *Logger) Debug(msg string, args ...any) {
	l.publish(LevelDebug, msg, nil)
	l.logger.Debug(msg, l.attrs(args)...)
}

// Info logs an info-level message with optional slog attrs.
func (l *Logger) Info(msg string, args ...any) {
	l.publish(LevelInfo, msg, nil)
	l.logger.Info(msg, l.attrs(args)...)
}

// Warn logs a warning-level message with optional slog attrs.
func (l *Logger) Warn(msg string, args ...any) {
	l.publish(LevelWarn, msg, nil)
	l.logger.Warn(msg, l.attrs(args)...)
}

// Error logs an error-level message with the error attached.
func (l *Logger) Error(msg string, err error, args ...any) {
	l.publish(LevelError, msg, err)
	l.logger.Error(msg, l.attrs(append(args, "error", err))...)
}

func (l *Logger) attrs(args []any) []any {
	return append([]any{"component", l.componentName, "device", l.device}, args...)
}

func (l *Logger) publish(level Level, message string, cause error) {
	if !l.enabled {
		return
	}

	entry := Entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Level:     level,
		Component: l.componentName,
		Device:    l.device,
		Message:   message,
	}
	if cause != nil {
		entry.Error = cause.Error()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		l.logger.Error("failed to marshal log entry", "error", err)
		return
	}

	// Re-check under race: nc may be cleared after the enabled check
	nc := l.nc
	if nc == nil {
		return
	}

	subject := fmt.Sprintf("cresontrol.logs.%s.%s", l.device, l.componentName)
	if err := nc.Publish(subject, data); err != nil {
		l.logger.Error("failed to publish log to NATS", "error", err, "subject", subject)
	}
}

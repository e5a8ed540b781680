// Package logging provides the structured logging used across the orchestrator service and its
// operator-facing CLI. Every log line carries a subsystem tag so output can be filtered and
// correlated across the admission, supervisor, multiplexer, and pipeline components.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// LogLevel defines the severity of the log entry.
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

// String makes LogLevel satisfy the fmt.Stringer interface.
func (l LogLevel) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func (l LogLevel) SlogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelInfo:
		return slog.LevelInfo
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

var defaultLogger *slog.Logger

// Init initializes the process-wide logger. Call once at startup, before any other package
// in the service logs anything.
func Init(level LogLevel, output io.Writer) {
	handler := slog.NewTextHandler(output, &slog.HandlerOptions{Level: level.SlogLevel()})
	defaultLogger = slog.New(handler)
	slog.SetDefault(defaultLogger)
}

// InitForCLI is kept as an alias of Init for parity with the operator CLI's historical call
// sites; service and CLI processes share one logging entry point.
func InitForCLI(level LogLevel, output io.Writer) {
	Init(level, output)
}

func logInternal(level LogLevel, subsystem string, err error, messageFmt string, args ...interface{}) {
	if defaultLogger == nil {
		Init(LevelInfo, os.Stderr)
	}
	if !defaultLogger.Enabled(context.Background(), level.SlogLevel()) {
		return
	}

	msg := messageFmt
	if len(args) > 0 {
		msg = fmt.Sprintf(messageFmt, args...)
	}

	attrs := []slog.Attr{slog.String("subsystem", subsystem)}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	defaultLogger.LogAttrs(context.Background(), level.SlogLevel(), msg, attrs...)
}

// Debug logs a debug message.
func Debug(subsystem string, messageFmt string, args ...interface{}) {
	logInternal(LevelDebug, subsystem, nil, messageFmt, args...)
}

// Info logs an informational message.
func Info(subsystem string, messageFmt string, args ...interface{}) {
	logInternal(LevelInfo, subsystem, nil, messageFmt, args...)
}

// Warn logs a warning message.
func Warn(subsystem string, messageFmt string, args ...interface{}) {
	logInternal(LevelWarn, subsystem, nil, messageFmt, args...)
}

// Error logs an error message.
func Error(subsystem string, err error, messageFmt string, args ...interface{}) {
	logInternal(LevelError, subsystem, err, messageFmt, args...)
}

// TruncateSubmissionID returns a truncated submission ID for log lines, long enough to
// correlate across a request's lifetime without dumping the full UUID on every line.
func TruncateSubmissionID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8] + "..."
}

// AuditEvent represents a structured audit log event for operationally-significant actions
// (admission decisions, cancellations) that an operator may want to grep independently of
// regular diagnostic output.
type AuditEvent struct {
	// Action is the type of action being audited (e.g., "admit", "cancel").
	Action string
	// Outcome indicates whether the action succeeded or failed.
	Outcome string
	// SubmissionID is the truncated submission identifier.
	SubmissionID string
	// ProjectID is the project the action concerns.
	ProjectID string
	// Details provides additional context-specific information.
	Details string
	// Error contains the error message if Outcome is "failure".
	Error string
}

// Audit logs a structured audit event at INFO level with an [AUDIT] prefix so it can be
// filtered independently of ordinary diagnostic logging.
//
// Example output:
// [AUDIT] action=admit outcome=success submission=ab12cd34... project=toml
func Audit(event AuditEvent) {
	parts := make([]string, 0, 6)
	parts = append(parts, "action="+event.Action)
	parts = append(parts, "outcome="+event.Outcome)
	if event.SubmissionID != "" {
		parts = append(parts, "submission="+event.SubmissionID)
	}
	if event.ProjectID != "" {
		parts = append(parts, "project="+event.ProjectID)
	}
	if event.Details != "" {
		parts = append(parts, "details="+event.Details)
	}
	if event.Error != "" {
		parts = append(parts, "error="+event.Error)
	}

	logInternal(LevelInfo, "AUDIT", nil, "[AUDIT] %s", strings.Join(parts, " "))
}

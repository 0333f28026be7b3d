// Package logger provides logging implementations for aqueduct.
//
// Every component logs through the Logger interface. ConsoleLogger writes
// levelled lines to a terminal or any io.Writer, FileLogger keeps a per-run log
// plus one detailed log per finished task, and MultiLogger fans out to both.
// Implementations are safe for concurrent use.
package logger

import (
	"fmt"
	"strings"

	"github.com/harrison/aqueduct/internal/models"
)

// Logger is the levelled logging surface used throughout aqueduct.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// TaskRecorder receives every task once it reaches a terminal state.
type TaskRecorder interface {
	LogTaskResult(task *models.Task) error
}

// Log level constants for filtering
const (
	levelTrace int = 0
	levelDebug int = 1
	levelInfo  int = 2
	levelWarn  int = 3
	levelError int = 4
)

// ValidLevels lists the accepted log level names, most verbose first.
var ValidLevels = []string{"trace", "debug", "info", "warn", "error"}

// IsValidLevel reports whether level names a known log level.
func IsValidLevel(level string) bool {
	l := strings.ToLower(strings.TrimSpace(level))
	for _, v := range ValidLevels {
		if v == l {
			return true
		}
	}
	return false
}

// normalizeLogLevel converts a log level string to lowercase and validates it.
// Returns "info" as default for empty or invalid levels.
func normalizeLogLevel(level string) string {
	if IsValidLevel(level) {
		return strings.ToLower(strings.TrimSpace(level))
	}
	return "info"
}

// logLevelToInt converts a log level string to its numeric value.
func logLevelToInt(level string) int {
	switch level {
	case "trace":
		return levelTrace
	case "debug":
		return levelDebug
	case "info":
		return levelInfo
	case "warn":
		return levelWarn
	case "error":
		return levelError
	default:
		return levelInfo
	}
}

// MultiLogger forwards every message to each wrapped logger. Task results go
// to every wrapped logger that is also a TaskRecorder.
type MultiLogger struct {
	loggers []Logger
}

// NewMultiLogger fans out to the given loggers, skipping nil entries.
func NewMultiLogger(loggers ...Logger) *MultiLogger {
	m := &MultiLogger{}
	for _, l := range loggers {
		if l != nil {
			m.loggers = append(m.loggers, l)
		}
	}
	return m
}

func (m *MultiLogger) Debugf(format string, args ...interface{}) {
	for _, l := range m.loggers {
		l.Debugf(format, args...)
	}
}

func (m *MultiLogger) Infof(format string, args ...interface{}) {
	for _, l := range m.loggers {
		l.Infof(format, args...)
	}
}

func (m *MultiLogger) Warnf(format string, args ...interface{}) {
	for _, l := range m.loggers {
		l.Warnf(format, args...)
	}
}

func (m *MultiLogger) Errorf(format string, args ...interface{}) {
	for _, l := range m.loggers {
		l.Errorf(format, args...)
	}
}

// LogTaskResult records the task with every wrapped TaskRecorder and returns
// the first error encountered.
func (m *MultiLogger) LogTaskResult(task *models.Task) error {
	var firstErr error
	for _, l := range m.loggers {
		rec, ok := l.(TaskRecorder)
		if !ok {
			continue
		}
		if err := rec.LogTaskResult(task); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("record task %s: %w", task.ID, err)
		}
	}
	return firstErr
}

// NoOpLogger discards everything. Useful in tests.
type NoOpLogger struct{}

// NewNoOpLogger creates a new NoOpLogger instance.
func NewNoOpLogger() *NoOpLogger {
	return &NoOpLogger{}
}

func (n *NoOpLogger) Debugf(format string, args ...interface{}) {}
func (n *NoOpLogger) Infof(format string, args ...interface{})  {}
func (n *NoOpLogger) Warnf(format string, args ...interface{})  {}
func (n *NoOpLogger) Errorf(format string, args ...interface{}) {}

func (n *NoOpLogger) LogTaskResult(task *models.Task) error { return nil }

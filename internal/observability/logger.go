// Package observability defines shared logging and alerting primitives.
package observability

import (
	"fmt"
	"log"
	"strings"
)

// Logger captures structured logging behaviours shared across layers.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	// Critical records failures that require operator attention, such as
	// reconciliation guard rejections and dead-lettered events.
	Critical(msg string, fields ...Field)
}

// Field represents a key/value pair for structured logging.
type Field struct {
	Key   string
	Value any
}

// F constructs a logging field.
func F(key string, value any) Field {
	return Field{Key: key, Value: value}
}

var defaultLogger Logger = noopLogger{}

// SetLogger overrides the global logger used by the system.
func SetLogger(logger Logger) {
	if logger == nil {
		defaultLogger = noopLogger{}
		return
	}
	defaultLogger = logger
}

// Log returns the current global logger instance.
func Log() Logger {
	return defaultLogger
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...Field)    {}
func (noopLogger) Info(string, ...Field)     {}
func (noopLogger) Error(string, ...Field)    {}
func (noopLogger) Critical(string, ...Field) {}

// StdLogger adapts a stdlib log.Logger to the Logger interface.
type StdLogger struct {
	inner *log.Logger
}

// NewStdLogger wraps the provided stdlib logger. A nil logger uses the
// stdlib default.
func NewStdLogger(inner *log.Logger) *StdLogger {
	if inner == nil {
		inner = log.Default()
	}
	return &StdLogger{inner: inner}
}

func (l *StdLogger) Debug(msg string, fields ...Field)    { l.emit("DEBUG", msg, fields) }
func (l *StdLogger) Info(msg string, fields ...Field)     { l.emit("INFO", msg, fields) }
func (l *StdLogger) Error(msg string, fields ...Field)    { l.emit("ERROR", msg, fields) }
func (l *StdLogger) Critical(msg string, fields ...Field) { l.emit("CRITICAL", msg, fields) }

func (l *StdLogger) emit(level, msg string, fields []Field) {
	if len(fields) == 0 {
		l.inner.Printf("%s %s", level, msg)
		return
	}
	pairs := make([]string, 0, len(fields))
	for _, f := range fields {
		pairs = append(pairs, fmt.Sprintf("%s=%v", f.Key, f.Value))
	}
	l.inner.Printf("%s %s %s", level, msg, strings.Join(pairs, " "))
}

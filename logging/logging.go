// Package logging provides leveled, component-scoped logging for swarm
// coordination components. Every background loop (bus read loop, election
// timer, expiry sweep) logs through an injected Logger rather than a
// process-wide instance, so multiple swarms can coexist in one process
// with distinct log scopes.
package logging

import (
	"io"

	"github.com/sirupsen/logrus"
)

// Level represents log severity.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// Fields is a set of structured key-value pairs attached to a log entry.
type Fields map[string]interface{}

// Logger provides structured logging scoped to a component and swarm.
type Logger struct {
	entry *logrus.Entry
}

// New creates a Logger writing to the given output at the given level.
func New(out io.Writer, level Level) *Logger {
	l := logrus.New()
	l.SetOutput(out)
	l.SetLevel(toLogrus(level))
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
	})
	return &Logger{entry: logrus.NewEntry(l)}
}

// Discard returns a Logger that drops everything. Useful in tests.
func Discard() *Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return &Logger{entry: logrus.NewEntry(l)}
}

// WithComponent returns a logger tagged with the given component name.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{entry: l.entry.WithField("component", component)}
}

// WithSwarm returns a logger tagged with the given swarm ID.
func (l *Logger) WithSwarm(swarmID string) *Logger {
	return &Logger{entry: l.entry.WithField("swarm", swarmID)}
}

// WithAgent returns a logger tagged with the given agent ID.
func (l *Logger) WithAgent(agentID string) *Logger {
	return &Logger{entry: l.entry.WithField("agent", agentID)}
}

// WithFields returns a logger carrying additional fields.
func (l *Logger) WithFields(fields Fields) *Logger {
	return &Logger{entry: l.entry.WithFields(logrus.Fields(fields))}
}

// SetLevel sets the minimum log level.
func (l *Logger) SetLevel(level Level) {
	l.entry.Logger.SetLevel(toLogrus(level))
}

// SetOutput sets the output writer.
func (l *Logger) SetOutput(w io.Writer) {
	l.entry.Logger.SetOutput(w)
}

// Debug logs a debug message with optional fields.
func (l *Logger) Debug(msg string, fields ...Fields) {
	l.with(fields).Debug(msg)
}

// Info logs an info message with optional fields.
func (l *Logger) Info(msg string, fields ...Fields) {
	l.with(fields).Info(msg)
}

// Warn logs a warning message with optional fields.
func (l *Logger) Warn(msg string, fields ...Fields) {
	l.with(fields).Warn(msg)
}

// Error logs an error message with optional fields.
func (l *Logger) Error(msg string, fields ...Fields) {
	l.with(fields).Error(msg)
}

func (l *Logger) with(fields []Fields) *logrus.Entry {
	if len(fields) == 0 || fields[0] == nil {
		return l.entry
	}
	return l.entry.WithFields(logrus.Fields(fields[0]))
}

func toLogrus(level Level) logrus.Level {
	switch level {
	case LevelDebug:
		return logrus.DebugLevel
	case LevelWarn:
		return logrus.WarnLevel
	case LevelError:
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

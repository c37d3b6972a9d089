package taskrunner

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

type LoggingFields map[string]any

// Logger represents an logging interface that this library expects
type Logger interface {
	// Error logs an error with a message. `fields` can be used as additional metadata for structured logging.
	// You can generally expect one of these fields to be available: message_body, task, run_id, queue.
	Error(err error, message string, fields LoggingFields)

	// Warn logs a warn level log with a message. `fields` param works the same as `Error`.
	Warn(err error, message string, fields LoggingFields)

	// Info logs an info level log with a message. `fields` param works the same as `Error`.
	Info(message string, fields LoggingFields)

	// Debug logs a debug level log with a message. `fields` param works the same as `Error`.
	Debug(message string, fields LoggingFields)
}

// GetLoggerFunc returns the logger for the given context
type GetLoggerFunc func(ctx context.Context) Logger

type logrusLogger struct {
	logrus.FieldLogger
}

func (l *logrusLogger) Error(err error, message string, fields LoggingFields) {
	l.WithError(err).WithFields(logrus.Fields(fields)).Error(message)
}

func (l *logrusLogger) Warn(err error, message string, fields LoggingFields) {
	l.WithError(err).WithFields(logrus.Fields(fields)).Warn(message)
}

func (l *logrusLogger) Info(message string, fields LoggingFields) {
	l.WithFields(logrus.Fields(fields)).Info(message)
}

func (l *logrusLogger) Debug(message string, fields LoggingFields) {
	l.WithFields(logrus.Fields(fields)).Debug(message)
}

// LogrusGetLoggerFunc adapts a function returning a logrus entry, typically carrying request scoped fields
func LogrusGetLoggerFunc(fn func(ctx context.Context) *logrus.Entry) GetLoggerFunc {
	return func(ctx context.Context) Logger {
		return &logrusLogger{fn(ctx)}
	}
}

// StdLogger writes through the standard library logger. It's used when no GetLoggerFunc is configured.
type StdLogger struct{}

func (s *StdLogger) print(level string, err error, message string, fields LoggingFields) {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", level, message)
	if err != nil {
		fmt.Fprintf(&b, " [error: %+v]", err)
	}
	if len(fields) > 0 {
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(" [fields:")
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%v", k, fields[k])
		}
		b.WriteString("]")
	}
	log.Println(b.String())
}

func (s *StdLogger) Error(err error, message string, fields LoggingFields) {
	s.print("ERROR", err, message, fields)
}

func (s *StdLogger) Warn(err error, message string, fields LoggingFields) {
	s.print("WARN", err, message, fields)
}

func (s *StdLogger) Info(message string, fields LoggingFields) {
	s.print("INFO", nil, message, fields)
}

func (s *StdLogger) Debug(message string, fields LoggingFields) {
	s.print("DEBUG", nil, message, fields)
}

// StdGetLoggerFunc returns a GetLoggerFunc that always returns the same StdLogger
func StdGetLoggerFunc() GetLoggerFunc {
	stdLogger := &StdLogger{}
	return func(_ context.Context) Logger { return stdLogger }
}

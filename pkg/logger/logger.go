// ==============================================================================
// LOGGER PACKAGE - pkg/logger/logger.go
// ==============================================================================
package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

type Logger interface {
	Info(message string, fields map[string]interface{})
	Error(message string, fields map[string]interface{})
	Warn(message string, fields map[string]interface{})
	Debug(message string, fields map[string]interface{})
	Fatal(message string, fields map[string]interface{})
}

type jsonLogger struct {
	zl zerolog.Logger
}

func New(serviceName string) Logger {
	return NewWithWriter(serviceName, os.Stdout, os.Getenv("LOG_LEVEL"))
}

// NewWithWriter builds a JSON logger writing to w at the given level ("debug", "info", ...).
func NewWithWriter(serviceName string, w io.Writer, level string) Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zl := zerolog.New(w).Level(lvl).With().
		Timestamp().
		Str("service", serviceName).
		Logger()
	return &jsonLogger{zl: zl}
}

func (l *jsonLogger) log(ev *zerolog.Event, message string, fields map[string]interface{}) {
	if fields != nil {
		ev = ev.Fields(fields)
	}
	ev.Msg(message)
}

func (l *jsonLogger) Info(message string, fields map[string]interface{}) {
	l.log(l.zl.Info(), message, fields)
}

func (l *jsonLogger) Error(message string, fields map[string]interface{}) {
	l.log(l.zl.Error(), message, fields)
}

func (l *jsonLogger) Warn(message string, fields map[string]interface{}) {
	l.log(l.zl.Warn(), message, fields)
}

func (l *jsonLogger) Debug(message string, fields map[string]interface{}) {
	l.log(l.zl.Debug(), message, fields)
}

func (l *jsonLogger) Fatal(message string, fields map[string]interface{}) {
	// zerolog's Fatal level exits after writing.
	l.log(l.zl.Fatal(), message, fields)
}

func NewNop() Logger {
	return &nopLogger{}
}

type nopLogger struct{}

func (l *nopLogger) Info(message string, fields map[string]interface{})  {}
func (l *nopLogger) Error(message string, fields map[string]interface{}) {}
func (l *nopLogger) Warn(message string, fields map[string]interface{})  {}
func (l *nopLogger) Debug(message string, fields map[string]interface{}) {}
func (l *nopLogger) Fatal(message string, fields map[string]interface{}) {}

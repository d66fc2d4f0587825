// Package logging provides the process-wide structured logger.
package logging

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	mu     sync.RWMutex
	logger zerolog.Logger
	inited bool
)

// Init configures the global logger. Format is "json" or "console".
func Init(level, format string) {
	mu.Lock()
	defer mu.Unlock()

	var lvl zerolog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = zerolog.DebugLevel
	case "warn", "warning":
		lvl = zerolog.WarnLevel
	case "error":
		lvl = zerolog.ErrorLevel
	default:
		lvl = zerolog.InfoLevel
	}

	zerolog.TimeFieldFormat = time.RFC3339
	l := zerolog.New(os.Stderr)
	if format == "console" {
		l = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
	logger = l.With().Timestamp().Logger().Level(lvl)
	inited = true
}

// Logger returns the global logger instance.
func Logger() zerolog.Logger {
	mu.RLock()
	ok := inited
	mu.RUnlock()
	if !ok {
		Init("info", "console")
	}
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// Debug logs a debug message with alternating key/value fields.
func Debug(msg string, kv ...any) {
	l := Logger()
	emit(l.Debug(), msg, kv)
}

// Info logs an info message with alternating key/value fields.
func Info(msg string, kv ...any) {
	l := Logger()
	emit(l.Info(), msg, kv)
}

// Warn logs a warning message with alternating key/value fields.
func Warn(msg string, kv ...any) {
	l := Logger()
	emit(l.Warn(), msg, kv)
}

// Error logs an error message with alternating key/value fields.
func Error(msg string, kv ...any) {
	l := Logger()
	emit(l.Error(), msg, kv)
}

func emit(ev *zerolog.Event, msg string, kv []any) {
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		ev = ev.Interface(key, kv[i+1])
	}
	ev.Msg(msg)
}

// Package logging provides the minimal printf-style logging contract shared
// by every component, plus a file-backed default implementation.
package logging

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Logger defines a minimal, printf-style logging contract.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

// Level represents the severity of a log message.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func parseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Nop returns a logger that discards all output.
func Nop() Logger {
	return nopLogger{}
}

// OrNop returns logger when non-nil, otherwise a no-op logger.
func OrNop(logger Logger) Logger {
	if logger == nil {
		return Nop()
	}
	return logger
}

var (
	sinkOnce sync.Once
	sink     *log.Logger
	sinkErr  error
)

// debugSink lazily opens the shared debug log file. Falls back to stderr when
// the file cannot be created.
func debugSink() *log.Logger {
	sinkOnce.Do(func() {
		path := os.Getenv("TERN_LOG_FILE")
		if path == "" {
			path = filepath.Join(os.TempDir(), "tern-debug.log")
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			sinkErr = err
			sink = log.New(os.Stderr, "", 0)
			return
		}
		sink = log.New(f, "", 0)
	})
	return sink
}

// componentLogger writes leveled lines tagged with a component name.
type componentLogger struct {
	component string
	level     Level
}

// NewComponentLogger returns the default logger scoped to a component.
// The level is taken from TERN_LOG_LEVEL (default info).
func NewComponentLogger(component string) Logger {
	return &componentLogger{
		component: component,
		level:     parseLevel(os.Getenv("TERN_LOG_LEVEL")),
	}
}

func (l *componentLogger) logf(level Level, name, format string, args ...any) {
	if level < l.level {
		return
	}
	msg := fmt.Sprintf(format, args...)
	debugSink().Printf("%s [%s] [%s] %s",
		time.Now().Format("2006-01-02 15:04:05.000"), name, l.component, msg)
}

func (l *componentLogger) Debug(format string, args ...any) {
	l.logf(LevelDebug, "DEBUG", format, args...)
}

func (l *componentLogger) Info(format string, args ...any) {
	l.logf(LevelInfo, "INFO", format, args...)
}

func (l *componentLogger) Warn(format string, args ...any) {
	l.logf(LevelWarn, "WARN", format, args...)
}

func (l *componentLogger) Error(format string, args ...any) {
	l.logf(LevelError, "ERROR", format, args...)
}

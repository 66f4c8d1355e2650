// Package logger wraps the standard logger with bracketed level tags and a
// level floor.
package logger

import (
	"io"
	"log"
	"os"
	"strings"
)

// Level orders log severities.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// ParseLevel maps "debug", "info", "warn" and "error" to a Level, defaulting to info.
func ParseLevel(s string) Level {
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

// Logger drops messages below its level.
type Logger struct {
	l     *log.Logger
	level Level
}

// New returns a logger writing to w. prefix is prepended to every line.
func New(w io.Writer, level Level, prefix string) *Logger {
	if w == nil {
		w = os.Stdout
	}
	return &Logger{l: log.New(w, prefix, log.LstdFlags), level: level}
}

// Discard returns a logger that writes nothing.
func Discard() *Logger {
	return New(io.Discard, LevelError+1, "")
}

// Enabled reports whether messages at level are written.
func (l *Logger) Enabled(level Level) bool { return level >= l.level }

func (l *Logger) Debugf(format string, args ...any) { l.printf(LevelDebug, "[DEBUG] ", format, args) }
func (l *Logger) Infof(format string, args ...any)  { l.printf(LevelInfo, "[INFO] ", format, args) }
func (l *Logger) Warnf(format string, args ...any)  { l.printf(LevelWarn, "[WARN] ", format, args) }
func (l *Logger) Errorf(format string, args ...any) { l.printf(LevelError, "[ERROR] ", format, args) }

func (l *Logger) printf(level Level, tag, format string, args []any) {
	if !l.Enabled(level) {
		return
	}
	l.l.Printf(tag+format, args...)
}

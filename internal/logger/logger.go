// Package logger provides the leveled, module-tagged logging used
// throughout streaming-server: one line per call, a bracketed level and
// module prefix, optional ANSI color, gated by a single atomic level so
// hot paths (per-frame Warn/Debug calls) never take a lock just to find
// out the message is getting dropped.
package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"sync/atomic"
)

// Level is the severity of a log line, also usable as a threshold: a
// Logger emits a line only when its Level is >= the configured minimum.
type Level int32

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelSilent // above every real level: nothing is ever emitted
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	case LevelSilent:
		return "SILENT"
	default:
		return "UNKNOWN"
	}
}

func (l Level) color() string {
	switch l {
	case LevelDebug:
		return "\033[36m" // cyan
	case LevelInfo:
		return "\033[32m" // green
	case LevelWarn:
		return "\033[33m" // yellow
	case LevelError:
		return "\033[31m" // red
	default:
		return ""
	}
}

const ansiReset = "\033[0m"

// Logger is a minimum-severity, module-tagged line writer. It is safe
// for concurrent use; SetLevel can be called at any time without
// coordinating with in-flight log calls.
type Logger struct {
	min   atomic.Int32
	color bool
	out   *log.Logger
}

// New builds a Logger that writes to w (os.Stderr if nil), applying
// Go's standard date/time/microsecond prefix ahead of the level tag.
func New(min Level, w io.Writer, color bool) *Logger {
	if w == nil {
		w = os.Stderr
	}
	l := &Logger{
		color: color,
		out:   log.New(w, "", log.Ldate|log.Ltime|log.Lmicroseconds),
	}
	l.min.Store(int32(min))
	return l
}

// SetLevel changes the minimum severity emitted.
func (l *Logger) SetLevel(min Level) { l.min.Store(int32(min)) }

// GetLevel reports the minimum severity currently emitted.
func (l *Logger) GetLevel() Level { return Level(l.min.Load()) }

func (l *Logger) emit(lvl Level, module, format string, args ...any) {
	if lvl < Level(l.min.Load()) {
		return
	}

	tag := "[" + lvl.String() + "]"
	if l.color {
		tag = lvl.color() + tag + ansiReset
	}
	if module != "" {
		tag += " [" + module + "]"
	}

	l.out.Printf("%s %s", tag, fmt.Sprintf(format, args...))
}

// Debug logs a debug-level line tagged with module.
func (l *Logger) Debug(module, format string, args ...any) {
	l.emit(LevelDebug, module, format, args...)
}

// Info logs an info-level line tagged with module.
func (l *Logger) Info(module, format string, args ...any) { l.emit(LevelInfo, module, format, args...) }

// Warn logs a warning-level line tagged with module.
func (l *Logger) Warn(module, format string, args ...any) { l.emit(LevelWarn, module, format, args...) }

// Error logs an error-level line tagged with module.
func (l *Logger) Error(module, format string, args ...any) {
	l.emit(LevelError, module, format, args...)
}

var (
	std     *Logger
	initOne sync.Once
)

// Init sets up the process-wide logger. Subsequent calls are no-ops;
// only the first caller's settings take effect, matching cmd/server's
// call-once-at-startup usage.
func Init(min Level, w io.Writer, color bool) {
	initOne.Do(func() {
		std = New(min, w, color)
	})
}

// SetLevel changes the process-wide logger's minimum severity.
func SetLevel(min Level) {
	if std != nil {
		std.SetLevel(min)
	}
}

// GetLevel reports the process-wide logger's minimum severity, or Info
// if Init has not run yet.
func GetLevel() Level {
	if std != nil {
		return std.GetLevel()
	}
	return LevelInfo
}

// Debug logs through the process-wide logger, a no-op before Init runs.
func Debug(module, format string, args ...any) {
	if std != nil {
		std.Debug(module, format, args...)
	}
}

// Info logs through the process-wide logger, a no-op before Init runs.
func Info(module, format string, args ...any) {
	if std != nil {
		std.Info(module, format, args...)
	}
}

// Warn logs through the process-wide logger, a no-op before Init runs.
func Warn(module, format string, args ...any) {
	if std != nil {
		std.Warn(module, format, args...)
	}
}

// Error logs through the process-wide logger, a no-op before Init runs.
func Error(module, format string, args ...any) {
	if std != nil {
		std.Error(module, format, args...)
	}
}

// ParseLevel parses a log level name from configuration, case-
// insensitively, accepting "warning" and "none" as aliases.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug, nil
	case "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	case "silent", "none":
		return LevelSilent, nil
	default:
		return LevelInfo, fmt.Errorf("logger: invalid log level %q", s)
	}
}

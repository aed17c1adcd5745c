// logging.go defines the kernel's structured-logging surface.
//
// Rather than hand-rolling an encoder, kernel diagnostics are expressed
// via [Logger], a narrow interface the kernel's own call sites use, and
// satisfied by a thin adapter over github.com/joeycumines/logiface (with
// github.com/joeycumines/stumpy as its default zero-allocation JSON
// backend). This keeps kernel internals decoupled from any specific
// wire format while still producing production-grade structured logs.

package kernel

import (
	"os"
	"time"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// LogLevel mirrors syslog-style severities used throughout the kernel's
// diagnostic call sites (overruns, dispatch errors, lifecycle events).
type LogLevel int32

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

// String returns the level's short name.
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

func (l LogLevel) toLogiface() logiface.Level {
	switch l {
	case LevelDebug:
		return logiface.LevelDebug
	case LevelInfo:
		return logiface.LevelInformational
	case LevelWarn:
		return logiface.LevelWarning
	case LevelError:
		return logiface.LevelError
	default:
		return logiface.LevelInformational
	}
}

// LogEntry is a single structured diagnostic record emitted by the
// kernel's run-loop or task primitives.
type LogEntry struct {
	Level    LogLevel
	Category string // e.g. "dispatch", "overrun", "sync", "lifecycle"
	Message  string
	Task     int // -1 if not attributable to a specific task
	Err      error
	Fields   map[string]any
}

// Logger is the interface the kernel uses for all diagnostic output.
// Implementations must be safe for concurrent use; the run-loop and
// task goroutines may log simultaneously.
type Logger interface {
	Log(entry LogEntry)
	IsEnabled(level LogLevel) bool
}

// NoOpLogger discards all entries. It is the default Logger when none
// is configured via WithLogger.
type NoOpLogger struct{}

func (NoOpLogger) Log(LogEntry)            {}
func (NoOpLogger) IsEnabled(LogLevel) bool { return false }

// logifaceLogger adapts a *logiface.Logger[*stumpy.Event] to the
// kernel's Logger interface.
type logifaceLogger struct {
	l *logiface.Logger[*stumpy.Event]
}

// NewLogifaceLogger builds a Logger backed by stumpy's zero-allocation
// JSON event encoder, writing to stderr at minimum severity level.
func NewLogifaceLogger(level LogLevel) Logger {
	l := stumpy.L.New(
		stumpy.WithStumpy(stumpy.WithWriter(os.Stderr)),
		stumpy.L.WithLevel(level.toLogiface()),
	)
	return &logifaceLogger{l: l}
}

func (a *logifaceLogger) IsEnabled(level LogLevel) bool {
	return a.l.Level() >= level.toLogiface()
}

func (a *logifaceLogger) Log(entry LogEntry) {
	b := a.l.Build(entry.Level.toLogiface())
	if b == nil {
		return
	}
	if entry.Task >= 0 {
		b = b.Int("task", entry.Task)
	}
	if entry.Category != "" {
		b = b.Str("category", entry.Category)
	}
	if entry.Err != nil {
		b = b.Err(entry.Err)
	}
	for k, v := range entry.Fields {
		b = b.Any(k, v)
	}
	b.Log(entry.Message)
}

// logTick is a convenience used by the run-loop to attach a duration
// field, commonly needed for dispatch-latency and overrun diagnostics.
func logTick(l Logger, level LogLevel, category, message string, task int, d time.Duration, err error) {
	if !l.IsEnabled(level) {
		return
	}
	l.Log(LogEntry{
		Level:    level,
		Category: category,
		Message:  message,
		Task:     task,
		Err:      err,
		Fields:   map[string]any{"duration": d},
	})
}

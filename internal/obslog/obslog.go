// Package obslog wraps zerolog with an audit sink: every WARN/ERROR/INFO
// log line emitted through a Logger is also mirrored, best-effort, into
// the Store's append-only log table. A sink failure never escalates.
package obslog

import (
	"os"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// AuditSink receives audit events. Implemented by internal/store.Store.
// Kept as a narrow interface here so obslog does not import store.
type AuditSink interface {
	AppendLog(level, component, message, details string) error
}

// Logger pairs a zerolog.Logger with an optional AuditSink.
type Logger struct {
	zl        zerolog.Logger
	component string
	sink      atomic.Pointer[AuditSink]
	drops     atomic.Uint64
}

// New creates a console-formatted Logger for the given component: one
// zerolog.Logger per subsystem, tagged with a "component" field, rather
// than a single global logger instance.
func New(component string, level zerolog.Level) *Logger {
	zl := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Str("component", component).Logger().Level(level)
	return &Logger{zl: zl, component: component}
}

// WithSink attaches (or replaces) the audit sink. Supervisor calls this once
// the Store is open, after constructing component loggers during early
// bringup (when no Store exists yet).
func (l *Logger) WithSink(sink AuditSink) {
	l.sink.Store(&sink)
}

// Info logs at INFO and mirrors to the audit sink.
func (l *Logger) Info(message string, details string) {
	l.zl.Info().Msg(message)
	l.audit("INFO", message, details)
}

// Warn logs at WARN and mirrors to the audit sink.
func (l *Logger) Warn(message string, details string) {
	l.zl.Warn().Msg(message)
	l.audit("WARN", message, details)
}

// Error logs at ERROR and mirrors to the audit sink.
func (l *Logger) Error(err error, message string, details string) {
	l.zl.Error().Err(err).Msg(message)
	l.audit("ERROR", message, details)
}

// Raw exposes the underlying zerolog.Logger for call sites that want
// structured fields beyond the audit-mirrored Info/Warn/Error helpers.
func (l *Logger) Raw() zerolog.Logger { return l.zl }

func (l *Logger) audit(level, message, details string) {
	sinkPtr := l.sink.Load()
	if sinkPtr == nil {
		return
	}
	sink := *sinkPtr
	if sink == nil {
		return
	}
	if err := sink.AppendLog(level, l.component, message, details); err != nil {
		l.drops.Add(1)
	}
}

// Drops returns the number of audit-sink write failures since start, for
// the metrics package to expose.
func (l *Logger) Drops() uint64 { return l.drops.Load() }

// RateLimited returns a function that calls fn at most once per window,
// ticking a counter on every call. Used by the Parser to cap WARN logging
// on unparseable lines to one per 100 drops.
func RateLimited(every int) func(fn func(count uint64)) {
	var count atomic.Uint64
	return func(fn func(count uint64)) {
		n := count.Add(1)
		if n%uint64(every) == 1 {
			fn(n)
		}
	}
}

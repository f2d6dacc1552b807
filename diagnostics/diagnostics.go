// Package diagnostics defines the logging interface shared by all conduit
// packages.
//
// Library code never writes to a process-wide logger. Every component that
// emits diagnostics takes a Logger when it is constructed, and a nil logger
// is always legal (see ValidLoggerOrDefault). The interface is intentionally
// the subset of github.com/apex/log's Log interface that conduit needs, so a
// binary can pass apex's log.Log straight through.
package diagnostics

// DebugLogger emits debug-level messages.
type DebugLogger interface {
	// Debug emits a debug message.
	Debug(msg string)

	// Debugf formats and emits a debug message.
	Debugf(format string, v ...interface{})
}

// InfoLogger emits informational messages.
type InfoLogger interface {
	DebugLogger

	// Info emits an informational message.
	Info(msg string)

	// Infof formats and emits an informational message.
	Infof(format string, v ...interface{})
}

// Logger is the full interface conduit components log through.
type Logger interface {
	InfoLogger

	// Warn emits a warning message.
	Warn(msg string)

	// Warnf formats and emits a warning message.
	Warnf(format string, v ...interface{})
}

// Discard is a Logger that drops every message.
var Discard Logger = discarder{}

type discarder struct{}

func (discarder) Debug(msg string) {}

func (discarder) Debugf(format string, v ...interface{}) {}

func (discarder) Info(msg string) {}

func (discarder) Infof(format string, v ...interface{}) {}

func (discarder) Warn(msg string) {}

func (discarder) Warnf(format string, v ...interface{}) {}

// ValidLoggerOrDefault returns logger if non-nil and Discard otherwise.
func ValidLoggerOrDefault(logger Logger) Logger {
	if logger != nil {
		return logger
	}
	return Discard
}

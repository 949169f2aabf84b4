// Package log provides a leveled, structured-ish logging facility used
// throughout the engine in place of fmt.Println: every component that can
// fail non-fatally reports through here so that operators get one
// consistent diagnostic stream regardless of which package emits it.
package log

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"
)

// Level is a log severity.
type Level int32

const (
	// Debug is the lowest severity; disabled by default.
	Debug Level = iota
	// Info is normal operational detail.
	Info
	// Warning indicates a recoverable problem (spec.md §7 non-fatal cases:
	// synchall forced-suspend failure, wrap-callback misuse, detach failure).
	Warning
)

func (l Level) String() string {
	switch l {
	case Debug:
		return "DEBUG"
	case Info:
		return "INFO"
	case Warning:
		return "WARNING"
	default:
		return "UNKNOWN"
	}
}

// Emitter writes one formatted log line at the given level and time.
type Emitter interface {
	Emit(level Level, timestamp time.Time, format string, args ...any)
}

// Logger is the interface used by engine components to report diagnostics.
type Logger interface {
	Debugf(format string, v ...any)
	Infof(format string, v ...any)
	Warningf(format string, v ...any)
	IsLogging(level Level) bool
}

// BasicLogger pairs an Emitter with a minimum enabled Level.
type BasicLogger struct {
	Level Level
	Emitter
}

// IsLogging implements Logger.IsLogging.
func (l *BasicLogger) IsLogging(level Level) bool {
	return atomic.LoadInt32((*int32)(&l.Level)) <= int32(level)
}

// Debugf implements Logger.Debugf.
func (l *BasicLogger) Debugf(format string, v ...any) {
	if l.IsLogging(Debug) {
		l.Emit(Debug, time.Now(), format, v...)
	}
}

// Infof implements Logger.Infof.
func (l *BasicLogger) Infof(format string, v ...any) {
	if l.IsLogging(Info) {
		l.Emit(Info, time.Now(), format, v...)
	}
}

// Warningf implements Logger.Warningf.
func (l *BasicLogger) Warningf(format string, v ...any) {
	if l.IsLogging(Warning) {
		l.Emit(Warning, time.Now(), format, v...)
	}
}

// SetLevel adjusts the minimum enabled level.
func (l *BasicLogger) SetLevel(level Level) {
	atomic.StoreInt32((*int32)(&l.Level), int32(level))
}

// Writer formats a line in the same header form gvisor's glog emitter uses
// (level, timestamp, pid, message) and writes it to Next synchronously. When
// a write to Next fails, the next successful write is followed by a marker
// noting that earlier messages were dropped.
type Writer struct {
	Next   *os.File
	failed bool
}

func (w *Writer) Write(data []byte) (int, error) {
	n, err := w.Next.Write(data)
	if err != nil {
		w.failed = true
		return n, err
	}
	if w.failed {
		w.failed = false
		fmt.Fprintf(w.Next, "\n*** Dropped earlier log messages ***\n")
	}
	return n, nil
}

// Emit implements Emitter by writing a glog-style single line.
func (w *Writer) Emit(level Level, timestamp time.Time, format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	fmt.Fprintf(w, "%c%s %d] %s\n", level.String()[0], timestamp.Format("0102 15:04:05.000000"), os.Getpid(), line)
}

// defaultLogger is the process-wide fallback sink, mirroring gvisor's
// package-level log.Infof convenience wrappers. Components that hold an
// *engine.Engine should prefer its Logger field; this exists for code paths
// (init, fatal-exit) that run before an Engine is constructed.
var defaultLogger Logger = &BasicLogger{Level: Info, Emitter: &Writer{Next: os.Stderr}}

// SetDefault replaces the process-wide fallback logger.
func SetDefault(l Logger) { defaultLogger = l }

// Default returns the process-wide fallback logger, for components (such as
// engine.Engine) that want a concrete Logger to embed rather than going
// through the package-level wrappers.
func Default() Logger { return defaultLogger }

// Debugf logs at Debug on the default logger.
func Debugf(format string, v ...any) { defaultLogger.Debugf(format, v...) }

// Infof logs at Info on the default logger.
func Infof(format string, v ...any) { defaultLogger.Infof(format, v...) }

// Warningf logs at Warning on the default logger.
func Warningf(format string, v ...any) { defaultLogger.Warningf(format, v...) }

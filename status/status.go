// Leveled logging shared by all the co2track verbs.
//
// The default logger prints to stderr.  Long-running verbs (the daemon, the
// collector when it is driven by cron) may install a syslog writer underneath
// it; everything else is expected to read the process output directly.

package status

import (
	"fmt"
	"io"
	"os"
	"sync"
)

type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarning
	LogLevelError
	LogLevelCritical
)

// Implementations must be thread-safe.
type Logger interface {
	// Print only messages at level l or above.
	SetLevel(l LogLevel)

	// Lower the log level at least to l.
	LowerLevelTo(l LogLevel)

	// Print on this stream, if installed.
	SetStderr(w io.Writer)

	// Also print via this simpler logger, if installed - usually syslog.
	SetUnderlying(w UnderlyingLogger)

	// None of these exit or panic, the name indicates the log level only.
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warningf(format string, args ...any)
	Errorf(format string, args ...any)
	Criticalf(format string, args ...any)
}

// log/syslog implements UnderlyingLogger.  An underlying logger must be
// thread-safe.
type UnderlyingLogger interface {
	Debug(m string) error
	Info(m string) error
	Warning(m string) error
	Err(m string) error
	Crit(m string) error
}

type StandardLogger struct {
	sync.Mutex
	level      LogLevel
	stderr     io.Writer
	underlying UnderlyingLogger
}

// MT: Constant after initialization, thread-safe.
var defaultLogger Logger = &StandardLogger{
	level:  LogLevelWarning,
	stderr: os.Stderr,
}

func Default() Logger {
	return defaultLogger
}

func (sl *StandardLogger) SetLevel(l LogLevel) {
	sl.Lock()
	defer sl.Unlock()
	sl.level = l
}

func (sl *StandardLogger) LowerLevelTo(l LogLevel) {
	sl.Lock()
	defer sl.Unlock()
	if sl.level > l {
		sl.level = l
	}
}

func (sl *StandardLogger) SetStderr(w io.Writer) {
	sl.Lock()
	defer sl.Unlock()
	sl.stderr = w
}

func (sl *StandardLogger) SetUnderlying(w UnderlyingLogger) {
	sl.Lock()
	defer sl.Unlock()
	sl.underlying = w
}

func (sl *StandardLogger) Debugf(format string, args ...any) {
	sl.logf(LogLevelDebug, "Debug", format, args...)
}

func (sl *StandardLogger) Infof(format string, args ...any) {
	sl.logf(LogLevelInfo, "Info", format, args...)
}

func (sl *StandardLogger) Warningf(format string, args ...any) {
	sl.logf(LogLevelWarning, "Warning", format, args...)
}

func (sl *StandardLogger) Errorf(format string, args ...any) {
	sl.logf(LogLevelError, "Error", format, args...)
}

func (sl *StandardLogger) Criticalf(format string, args ...any) {
	sl.logf(LogLevelCritical, "Critical", format, args...)
}

func (sl *StandardLogger) logf(level LogLevel, tag, format string, args ...any) {
	sl.Lock()
	defer sl.Unlock()

	if sl.level > level {
		return
	}
	s := fmt.Sprintf(format, args...)
	if sl.stderr != nil {
		fmt.Fprintf(sl.stderr, "%s: %s\n", tag, s)
	}
	if sl.underlying != nil {
		switch level {
		case LogLevelDebug:
			sl.underlying.Debug(s)
		case LogLevelInfo:
			sl.underlying.Info(s)
		case LogLevelWarning:
			sl.underlying.Warning(s)
		case LogLevelError:
			sl.underlying.Err(s)
		case LogLevelCritical:
			sl.underlying.Crit(s)
		}
	}
}

package log

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"sync/atomic"
)

// Logger is a named logger. Loggers are memoized per name, so every
// component asking for "realtime" shares the same instance.
type Logger struct {
	name string
	std  *log.Logger
}

// writerHolder keeps atomic.Value storing a single concrete type no matter
// which io.Writer is installed.
type writerHolder struct {
	w io.Writer
}

var (
	globalDebug  atomic.Bool
	serviceDebug sync.Map // map[string]*atomic.Bool
	loggers      sync.Map // map[string]*Logger
	outputWriter atomic.Value
)

func init() {
	outputWriter.Store(writerHolder{w: os.Stderr})
}

// ForService returns the logger registered for name, creating it on first use.
func ForService(name string) *Logger {
	if name == "" {
		name = "shopsync"
	}
	if l, ok := loggers.Load(name); ok {
		return l.(*Logger)
	}
	w := outputWriter.Load().(writerHolder).w
	logger := &Logger{name: name, std: log.New(w, "", log.LstdFlags|log.Lmicroseconds)}
	actual, _ := loggers.LoadOrStore(name, logger)
	return actual.(*Logger)
}

// Named returns a child logger called "<parent>:<sub>". Debug enabled for
// the parent also applies to its children.
func (l *Logger) Named(sub string) *Logger {
	return ForService(l.name + ":" + sub)
}

// Name returns the logger name.
func (l *Logger) Name() string { return l.name }

// SetGlobalDebug enables or disables debug output for every logger.
func SetGlobalDebug(enabled bool) {
	globalDebug.Store(enabled)
}

// GlobalDebug reports whether debug output is enabled globally.
func GlobalDebug() bool {
	return globalDebug.Load()
}

// EnableDebugFor turns on debug output for one logger and its children.
func EnableDebugFor(name string) {
	if name == "" {
		return
	}
	val, _ := serviceDebug.LoadOrStore(name, &atomic.Bool{})
	val.(*atomic.Bool).Store(true)
}

// DisableDebugFor turns off a previous EnableDebugFor.
func DisableDebugFor(name string) {
	if name == "" {
		return
	}
	if val, ok := serviceDebug.Load(name); ok {
		val.(*atomic.Bool).Store(false)
	}
}

// DebugEnabledFor reports whether Debugf output is visible for name.
func DebugEnabledFor(name string) bool {
	if globalDebug.Load() {
		return true
	}
	for n := name; n != ""; {
		if val, ok := serviceDebug.Load(n); ok && val.(*atomic.Bool).Load() {
			return true
		}
		i := strings.LastIndexByte(n, ':')
		if i < 0 {
			break
		}
		n = n[:i]
	}
	return false
}

// EnableDebugList enables debug for a comma separated list of logger names,
// as accepted by the --debug-for flag. "all" or "*" enable global debug.
func EnableDebugList(list string) {
	for _, name := range strings.Split(list, ",") {
		name = strings.TrimSpace(name)
		switch name {
		case "":
		case "all", "*":
			SetGlobalDebug(true)
		default:
			EnableDebugFor(name)
		}
	}
}

// SetOutput redirects every existing and future logger to w.
func SetOutput(w io.Writer) {
	if w == nil {
		return
	}
	outputWriter.Store(writerHolder{w: w})
	loggers.Range(func(_, v any) bool {
		v.(*Logger).std.SetOutput(w)
		return true
	})
}

func (l *Logger) output(level, msg string) {
	l.std.Println(level + " [" + l.name + "] " + msg)
}

// Infof logs at info level.
func (l *Logger) Infof(format string, args ...any) {
	l.output(LevelInfo, fmt.Sprintf(format, args...))
}

// Warnf logs at warn level.
func (l *Logger) Warnf(format string, args ...any) {
	l.output(LevelWarn, fmt.Sprintf(format, args...))
}

// Errorf logs at error level.
func (l *Logger) Errorf(format string, args ...any) {
	l.output(LevelError, fmt.Sprintf(format, args...))
}

// Debugf logs only when debug is enabled for this logger.
func (l *Logger) Debugf(format string, args ...any) {
	if !DebugEnabledFor(l.name) {
		return
	}
	l.output(LevelDebug, fmt.Sprintf(format, args...))
}

const (
	LevelInfo  = "INFO"
	LevelWarn  = "WARN"
	LevelError = "ERROR"
	LevelDebug = "DEBUG"
)

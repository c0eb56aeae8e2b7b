// Package logging provides the logging interface and default implementation
// shared by every subsystem in the engine.
//
// Design: five-level interface (Error, Warn, Info, Debug, Fatal), the same
// shape used across the embedded-storage-engine ecosystem (Badger, Pebble).
// Callers may wrap their own structured logger if they implement Logger.
//
// Fatalf behavior: ZapLogger logs the message at error level with a FATAL
// prefix and calls the FatalHandler set with SetFatalHandler, if any. The
// engine installs no handler and keeps accepting writes after Fatalf.
// Fatalf never calls os.Exit.
//
// Namespace prefixes identify the subsystem a message came from: [wal],
// [ckp], [memtable], [sstable], [level], [compaction], [engine].
package logging

import (
	"errors"
	"fmt"
	"reflect"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ErrFatal is the sentinel error wrapped by fatal conditions.
var ErrFatal = errors.New("fatal error")

// FatalHandler is called when Fatalf is invoked. It must be safe for
// concurrent use and must not itself call Fatalf.
type FatalHandler func(msg string)

// Level represents the logging level.
type Level int

const (
	LevelError Level = iota
	LevelWarn
	LevelInfo
	LevelDebug
)

func (l Level) zapLevel() zapcore.Level {
	switch l {
	case LevelError:
		return zapcore.ErrorLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelInfo:
		return zapcore.InfoLevel
	default:
		return zapcore.DebugLevel
	}
}

func (l Level) String() string {
	switch l {
	case LevelError:
		return "ERROR"
	case LevelWarn:
		return "WARN"
	case LevelInfo:
		return "INFO"
	case LevelDebug:
		return "DEBUG"
	default:
		return "UNKNOWN"
	}
}

// Logger defines the interface every subsystem logs through.
type Logger interface {
	Errorf(format string, args ...any)
	Warnf(format string, args ...any)
	Infof(format string, args ...any)
	Debugf(format string, args ...any)
	// Fatalf logs at FATAL and triggers the fatal handler; it does not
	// terminate the process, and the engine keeps accepting writes after it.
	Fatalf(format string, args ...any)
}

// ZapLogger is a Logger backed by go.uber.org/zap's sugared logger so call
// sites keep printf-style formatting. It is not the default; OrDefault and
// DefaultOptions use NoopLogger.
type ZapLogger struct {
	sugar        *zap.SugaredLogger
	fatalHandler atomic.Pointer[FatalHandler]
}

// NewZapLogger builds a logger at the given level, writing structured,
// leveled output to stderr.
func NewZapLogger(level Level) *ZapLogger {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level.zapLevel())
	cfg.Encoding = "console"
	cfg.EncoderConfig.TimeKey = "ts"
	logger, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		// zap.NewProductionConfig().Build only fails on a malformed sink
		// URL, which this config never sets.
		logger = zap.NewNop()
	}
	return &ZapLogger{sugar: logger.Sugar()}
}

// SetFatalHandler sets the handler invoked by Fatalf.
func (l *ZapLogger) SetFatalHandler(h FatalHandler) {
	l.fatalHandler.Store(&h)
}

func (l *ZapLogger) Errorf(format string, args ...any) { l.sugar.Errorf(format, args...) }
func (l *ZapLogger) Warnf(format string, args ...any)  { l.sugar.Warnf(format, args...) }
func (l *ZapLogger) Infof(format string, args ...any)  { l.sugar.Infof(format, args...) }
func (l *ZapLogger) Debugf(format string, args ...any) { l.sugar.Debugf(format, args...) }

func (l *ZapLogger) Fatalf(format string, args ...any) {
	l.sugar.Errorf("FATAL "+format, args...)
	if h := l.fatalHandler.Load(); h != nil {
		(*h)(fmt.Sprintf(format, args...))
	}
}

// NoopLogger discards everything. It is the zero-configuration default so
// tests and short-lived tools don't need to wire a sink.
type NoopLogger struct{}

func (NoopLogger) Errorf(string, ...any) {}
func (NoopLogger) Warnf(string, ...any)  {}
func (NoopLogger) Infof(string, ...any)  {}
func (NoopLogger) Debugf(string, ...any) {}
func (NoopLogger) Fatalf(string, ...any) {}

// Namespace prefixes for log messages; callers prepend them to the format
// string they pass to the shared Logger.
const (
	NSWAL         = "[wal] "
	NSCkp         = "[ckp] "
	NSMemtable    = "[memtable] "
	NSSSTable     = "[sstable] "
	NSLevel       = "[level] "
	NSCompaction  = "[compaction] "
	NSEngine      = "[engine] "
)

// IsNil reports whether l is nil or a typed-nil interface value.
func IsNil(l Logger) bool {
	if l == nil {
		return true
	}
	v := reflect.ValueOf(l)
	return v.Kind() == reflect.Ptr && v.IsNil()
}

// OrDefault returns l if valid, otherwise a NoopLogger.
func OrDefault(l Logger) Logger {
	if IsNil(l) {
		return NoopLogger{}
	}
	return l
}

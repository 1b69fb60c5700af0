package muxshare

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogLevel specifies the level of spew that shoud go to the log
type LogLevel int

const (
	// LogLevelUnknown is a default value for LogLevel. It's
	// behavior is undefined
	LogLevelUnknown LogLevel = iota

	// LogLevelPanic causes output of an error message followed by a panic
	LogLevelPanic

	// LogLevelFatal causes output of an error message followed by os.Exit(1)
	LogLevelFatal

	// LogLevelError is for unexpected error messages
	LogLevelError

	// LogLevelWarning is for Warning messages
	LogLevelWarning

	// LogLevelInfo is for Info messages
	LogLevelInfo

	// LogLevelDebug is for debug messaged
	LogLevelDebug

	// LogLevelTrace is for trace messages
	LogLevelTrace
)

var logLevelNames = [...]string{
	"unknown", "panic", "fatal", "error", "warning", "info", "debug", "trace",
}

var nameToLogLevel = func() map[string]LogLevel {
	var result = make(map[string]LogLevel)
	for i, name := range logLevelNames {
		result[name] = LogLevel(i)
	}
	result["warn"] = LogLevelWarning
	return result
}()

// StringToLogLevel converts a string to a LogLevel
func StringToLogLevel(s string) LogLevel {
	result, ok := nameToLogLevel[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		result = LogLevelUnknown
	}
	return result
}

func (x LogLevel) String() string {
	if x < LogLevelUnknown || x > LogLevelTrace {
		x = LogLevelUnknown
	}
	return logLevelNames[x]
}

// zapLevel maps a LogLevel onto the zap level that carries it. zap has no trace
// level, so trace output is emitted at debug level and filtered by us.
func (x LogLevel) zapLevel() zapcore.Level {
	switch x {
	case LogLevelPanic:
		return zapcore.PanicLevel
	case LogLevelFatal:
		return zapcore.FatalLevel
	case LogLevelError:
		return zapcore.ErrorLevel
	case LogLevelWarning:
		return zapcore.WarnLevel
	case LogLevelInfo:
		return zapcore.InfoLevel
	default:
		return zapcore.DebugLevel
	}
}

// Logger is an interface for a logging component that supports logging levels and prefix forking
type Logger interface {
	// Prefix returns the Logger's prefix string (does not include ": " trailer)
	Prefix() string

	GetLogLevel() LogLevel
	SetLogLevel(logLevel LogLevel)

	// Panic outputs a log message and then panics
	Panic(args ...interface{})

	// PanicOnError does nothing if err is nil; otherwise
	// outputs a log message if logLevel permits, and then panics
	PanicOnError(err error)

	// Logf outputs to a Logger iff logging level is enabled
	Logf(logLevel LogLevel, f string, args ...interface{})

	ELogf(f string, args ...interface{})
	WLogf(f string, args ...interface{})
	ILogf(f string, args ...interface{})
	DLogf(f string, args ...interface{})
	TLogf(f string, args ...interface{})

	// Errorf returns an error object with a description string that has the
	// Logger's prefix
	Errorf(f string, args ...interface{}) error

	// Sprintf returns a string that has the Logger's prefix
	Sprintf(f string, args ...interface{}) string

	// ELogErrorf outputs an error message to a Logger iff logging level is enabled,
	// and returns an error object with a description string that has the
	// logger's prefix
	ELogErrorf(f string, args ...interface{}) error

	// WLogErrorf is ELogErrorf at WARNING level
	WLogErrorf(f string, args ...interface{}) error

	// DLogErrorf is ELogErrorf at DEBUG level
	DLogErrorf(f string, args ...interface{}) error

	// Fork creates a new Logger that has an additional formatted string appended onto
	// an existing logger's prefix (with ": " added between)
	Fork(prefix string, args ...interface{}) Logger

	// Sync flushes any buffered output
	Sync() error
}

// BasicLogger is a logical log output stream with a level filter
// and a prefix added to each output record. Output goes to a zap.Logger.
type BasicLogger struct {
	prefix string
	// prefixC is prefix if prefix is empty; otherwise prefix + ": "
	prefixC  string
	zl       *zap.SugaredLogger
	logLevel *levelHolder
}

// levelHolder is shared between a logger and all loggers forked from it, so that
// SetLogLevel on the root takes effect everywhere.
type levelHolder struct {
	atom  zap.AtomicLevel
	level atomic.Int32
}

func newLevelHolder(atom zap.AtomicLevel, level LogLevel) *levelHolder {
	lh := &levelHolder{atom: atom}
	lh.level.Store(int32(level))
	return lh
}

func (lh *levelHolder) get() LogLevel {
	return LogLevel(lh.level.Load())
}

// NewLogger creates a new Logger with a given prefix that writes to zl.
// zl may be nil, in which case output is discarded.
func NewLogger(zl *zap.Logger, prefix string, logLevel LogLevel) Logger {
	if zl == nil {
		zl = zap.NewNop()
	}
	atom := zap.NewAtomicLevelAt(logLevel.zapLevel())
	return newBasicLogger(zl.WithOptions(zap.AddCallerSkip(2)).Sugar(), prefix, newLevelHolder(atom, logLevel))
}

// NewLoggerWithLevel creates a new Logger whose level is bound to an existing zap.AtomicLevel,
// as produced by SetupLogger. Changing the Logger's level changes the atomic level too.
func NewLoggerWithLevel(zl *zap.Logger, atom zap.AtomicLevel, prefix string) Logger {
	level := LogLevelInfo
	switch atom.Level() {
	case zapcore.DebugLevel:
		level = LogLevelDebug
	case zapcore.WarnLevel:
		level = LogLevelWarning
	case zapcore.ErrorLevel:
		level = LogLevelError
	}
	return newBasicLogger(zl.WithOptions(zap.AddCallerSkip(2)).Sugar(), prefix, newLevelHolder(atom, level))
}

func newBasicLogger(zl *zap.SugaredLogger, prefix string, lh *levelHolder) *BasicLogger {
	prefixC := prefix
	if prefixC != "" {
		prefixC += ": "
	}
	return &BasicLogger{
		prefix:   prefix,
		prefixC:  prefixC,
		zl:       zl,
		logLevel: lh,
	}
}

// Logf outputs to a Logger if the given logLevel is enabled. Then,
// if the given logLevel is LogLevelPanic, panics
func (l *BasicLogger) Logf(logLevel LogLevel, f string, args ...interface{}) {
	if logLevel > l.logLevel.get() && logLevel > LogLevelFatal {
		return
	}
	msg := l.Sprintf(f, args...)
	switch logLevel {
	case LogLevelPanic:
		l.zl.Panic(msg)
	case LogLevelFatal:
		l.zl.Fatal(msg)
	case LogLevelError:
		l.zl.Error(msg)
	case LogLevelWarning:
		l.zl.Warn(msg)
	case LogLevelInfo:
		l.zl.Info(msg)
	default:
		l.zl.Debug(msg)
	}
}

// LogErrorf outputs an error message to a Logger iff logging level is enabled,
// and returns an error object with a description string that has the
// logger's prefix
func (l *BasicLogger) LogErrorf(logLevel LogLevel, f string, args ...interface{}) error {
	msg := fmt.Sprintf(f, args...)
	l.Logf(logLevel, "%s", msg)
	return errors.New(l.prefixC + msg)
}

// Panic outputs a log message and then panics
func (l *BasicLogger) Panic(args ...interface{}) {
	l.Logf(LogLevelPanic, "%s", fmt.Sprint(args...))
}

// PanicOnError does nothing if err is nil; otherwise
// outputs a log message and then panics
func (l *BasicLogger) PanicOnError(err error) {
	if err != nil {
		l.Panic(err)
	}
}

// ELogf outputs a formatted log message if logLevel permits
func (l *BasicLogger) ELogf(f string, args ...interface{}) {
	l.Logf(LogLevelError, f, args...)
}

// WLogf outputs a formatted log message if logLevel permits
func (l *BasicLogger) WLogf(f string, args ...interface{}) {
	l.Logf(LogLevelWarning, f, args...)
}

// ILogf outputs a formatted log message if logLevel permits
func (l *BasicLogger) ILogf(f string, args ...interface{}) {
	l.Logf(LogLevelInfo, f, args...)
}

// DLogf outputs a formatted log message if logLevel permits
func (l *BasicLogger) DLogf(f string, args ...interface{}) {
	l.Logf(LogLevelDebug, f, args...)
}

// TLogf outputs a formatted log message if logLevel permits
func (l *BasicLogger) TLogf(f string, args ...interface{}) {
	l.Logf(LogLevelTrace, f, args...)
}

// Errorf returns an error object with a description string that has the
// Logger's prefix
func (l *BasicLogger) Errorf(f string, args ...interface{}) error {
	return errors.New(l.Sprintf(f, args...))
}

// Sprintf returns a string that has the Logger's prefix
func (l *BasicLogger) Sprintf(f string, args ...interface{}) string {
	return l.prefixC + fmt.Sprintf(f, args...)
}

// ELogErrorf logs at ERROR level and returns the message as an error
func (l *BasicLogger) ELogErrorf(f string, args ...interface{}) error {
	return l.LogErrorf(LogLevelError, f, args...)
}

// WLogErrorf logs at WARNING level and returns the message as an error
func (l *BasicLogger) WLogErrorf(f string, args ...interface{}) error {
	return l.LogErrorf(LogLevelWarning, f, args...)
}

// DLogErrorf logs at DEBUG level and returns the message as an error
func (l *BasicLogger) DLogErrorf(f string, args ...interface{}) error {
	return l.LogErrorf(LogLevelDebug, f, args...)
}

// Fork creates a new Logger that has an additional formatted string appended onto
// an existing logger's prefix (with ": " added between)
func (l *BasicLogger) Fork(prefix string, args ...interface{}) Logger {
	newPrefix := fmt.Sprintf(prefix, args...)
	if l.prefix != "" {
		newPrefix = l.prefix + ": " + newPrefix
	}
	return newBasicLogger(l.zl, newPrefix, l.logLevel)
}

// Prefix returns the Logger's prefix string (does not include ": " trailer)
func (l *BasicLogger) Prefix() string {
	return l.prefix
}

// GetLogLevel returns the log level
func (l *BasicLogger) GetLogLevel() LogLevel {
	return l.logLevel.get()
}

// SetLogLevel sets the log level of this logger and every logger forked from
// the same root
func (l *BasicLogger) SetLogLevel(logLevel LogLevel) {
	l.logLevel.level.Store(int32(logLevel))
	l.logLevel.atom.SetLevel(logLevel.zapLevel())
}

// Sync flushes buffered zap output
func (l *BasicLogger) Sync() error {
	return l.zl.Sync()
}

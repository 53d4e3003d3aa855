package zap

import (
	logpkg "github.com/chronoswork/lib-chronos/chronos/log"
	"go.uber.org/zap"
)

// Logger is the zap implementation of the log.Logger interface.
type Logger struct {
	sugared     *zap.SugaredLogger
	atomicLevel zap.AtomicLevel
}

// Compile-time assertion: *Logger implements log.Logger.
var _ logpkg.Logger = (*Logger)(nil)

func (l *Logger) must() *zap.SugaredLogger {
	if l == nil || l.sugared == nil {
		return zap.NewNop().Sugar()
	}

	return l.sugared
}

// Info implements the Info Logger interface function.
func (l *Logger) Info(args ...any) {
	l.must().Info(args...)
}

// Infof implements the Infof Logger interface function.
func (l *Logger) Infof(format string, args ...any) {
	l.must().Infof(format, args...)
}

// Error implements the Error Logger interface function.
func (l *Logger) Error(args ...any) {
	l.must().Error(args...)
}

// Errorf implements the Errorf Logger interface function.
func (l *Logger) Errorf(format string, args ...any) {
	l.must().Errorf(format, args...)
}

// Warn implements the Warn Logger interface function.
func (l *Logger) Warn(args ...any) {
	l.must().Warn(args...)
}

// Warnf implements the Warnf Logger interface function.
func (l *Logger) Warnf(format string, args ...any) {
	l.must().Warnf(format, args...)
}

// Debug implements the Debug Logger interface function.
func (l *Logger) Debug(args ...any) {
	l.must().Debug(args...)
}

// Debugf implements the Debugf Logger interface function.
func (l *Logger) Debugf(format string, args ...any) {
	l.must().Debugf(format, args...)
}

// WithFields returns a child logger with additional key/value pairs attached
// to every entry.
//
//nolint:ireturn
func (l *Logger) WithFields(fields ...any) logpkg.Logger {
	return &Logger{
		sugared:     l.must().With(fields...),
		atomicLevel: l.atomicLevel,
	}
}

// Sync flushes any buffered log entries.
func (l *Logger) Sync() error {
	return l.must().Sync()
}

// Level returns the runtime-adjustable level handle for this logger.
func (l *Logger) Level() zap.AtomicLevel {
	return l.atomicLevel
}

// Raw returns the underlying zap logger.
func (l *Logger) Raw() *zap.Logger {
	return l.must().Desugar()
}

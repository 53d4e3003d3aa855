package log

// NoneLogger is a no-op logger implementation.
type NoneLogger struct{}

// NewNone creates a no-op logger implementation.
//
//nolint:ireturn
func NewNone() Logger {
	return &NoneLogger{}
}

// Info drops the log event.
func (l *NoneLogger) Info(_ ...any) {}

// Infof drops the log event.
func (l *NoneLogger) Infof(_ string, _ ...any) {}

// Error drops the log event.
func (l *NoneLogger) Error(_ ...any) {}

// Errorf drops the log event.
func (l *NoneLogger) Errorf(_ string, _ ...any) {}

// Warn drops the log event.
func (l *NoneLogger) Warn(_ ...any) {}

// Warnf drops the log event.
func (l *NoneLogger) Warnf(_ string, _ ...any) {}

// Debug drops the log event.
func (l *NoneLogger) Debug(_ ...any) {}

// Debugf drops the log event.
func (l *NoneLogger) Debugf(_ string, _ ...any) {}

// WithFields returns the same no-op logger.
//
//nolint:ireturn
func (l *NoneLogger) WithFields(_ ...any) Logger { return l }

// Sync is a no-op and always returns nil.
func (l *NoneLogger) Sync() error { return nil }

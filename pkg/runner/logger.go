package runner

import "log/slog"

// Logger is a simple logging interface that the runner uses.
// Implementations can wrap any logging library (zap, logrus, slog, etc).
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// noopLogger is a no-op logger implementation.
type noopLogger struct{}

// NewNoopLogger returns a no-op logger.
func NewNoopLogger() Logger {
	return noopLogger{}
}

func (noopLogger) Info(msg string, keysAndValues ...interface{})  {}
func (noopLogger) Error(msg string, keysAndValues ...interface{}) {}
func (noopLogger) Debug(msg string, keysAndValues ...interface{}) {}

// slogLogger bridges Logger to a *slog.Logger.
type slogLogger struct {
	log *slog.Logger
}

// NewSlogLogger wraps a *slog.Logger as a runner Logger. A nil logger
// falls back to slog.Default().
func NewSlogLogger(log *slog.Logger) Logger {
	if log == nil {
		log = slog.Default()
	}
	return slogLogger{log: log}
}

func (l slogLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Info(msg, keysAndValues...)
}

func (l slogLogger) Error(msg string, keysAndValues ...interface{}) {
	l.log.Error(msg, keysAndValues...)
}

func (l slogLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.log.Debug(msg, keysAndValues...)
}

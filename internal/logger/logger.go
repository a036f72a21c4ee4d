package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the printf-style logger used throughout the service. Messages
// below the configured level are discarded.
type Logger interface {
	Debug(format string, v ...interface{})
	Info(format string, v ...interface{})
	Warn(format string, v ...interface{})
	Error(format string, v ...interface{})
	Fatal(format string, v ...interface{})
	With(key string, value interface{}) Logger
}

type logger struct {
	s *zap.SugaredLogger
}

// ParseLevel maps a --loglevel choice to a zap level. Unknown values map to warn.
func ParseLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zapcore.DebugLevel
	case "info":
		return zapcore.InfoLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.WarnLevel
	}
}

// New returns a console logger writing to stderr at the given level.
func New(level string) Logger {
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(ParseLevel(level))
	cfg.DisableStacktrace = true
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	l, err := cfg.Build()
	if err != nil {
		l = zap.NewNop()
	}
	return &logger{s: l.Sugar()}
}

// NewFromZap wraps an existing zap logger.
func NewFromZap(l *zap.Logger) Logger {
	return &logger{s: l.Sugar()}
}

// NewNop returns a logger that discards everything.
func NewNop() Logger {
	return &logger{s: zap.NewNop().Sugar()}
}

func (l *logger) Debug(format string, v ...interface{}) {
	l.s.Debugf(format, v...)
}

func (l *logger) Info(format string, v ...interface{}) {
	l.s.Infof(format, v...)
}

func (l *logger) Warn(format string, v ...interface{}) {
	l.s.Warnf(format, v...)
}

func (l *logger) Error(format string, v ...interface{}) {
	l.s.Errorf(format, v...)
}

// Fatal logs and exits the process.
func (l *logger) Fatal(format string, v ...interface{}) {
	l.s.Fatalf(format, v...)
}

func (l *logger) With(key string, value interface{}) Logger {
	return &logger{s: l.s.With(key, value)}
}

// Sync flushes buffered log entries, if any.
func Sync(l Logger) {
	if zl, ok := l.(*logger); ok {
		_ = zl.s.Sync()
	}
}

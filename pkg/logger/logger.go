package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type LogLevel string

const (
	Production  LogLevel = "production"
	Development LogLevel = "development"
)

// Logger is the structured logging surface the rest of the service programs
// against. Key/value pairs follow the zap sugared convention.
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Infof(format string, args ...interface{})
	Debug(msg string, keysAndValues ...interface{})
	Debugf(format string, args ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Warnf(format string, args ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Errorf(format string, args ...interface{})
	Fatal(msg string, keysAndValues ...interface{})
	Fatalf(format string, args ...interface{})
	With(keysAndValues ...interface{}) Logger
	Sync() error
}

type zapLogger struct {
	s *zap.SugaredLogger
}

// NewZapLogger builds a logger for the given environment. Production gets
// JSON output at info level, anything else gets console output at debug.
func NewZapLogger(env LogLevel) (Logger, error) {
	var cfg zap.Config
	if env == Production {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	l, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return nil, err
	}

	return &zapLogger{s: l.Sugar()}, nil
}

func (l *zapLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Infow(msg, keysAndValues...)
}

func (l *zapLogger) Infof(format string, args ...interface{}) {
	l.s.Infof(format, args...)
}

func (l *zapLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l *zapLogger) Debugf(format string, args ...interface{}) {
	l.s.Debugf(format, args...)
}

func (l *zapLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.s.Warnw(msg, keysAndValues...)
}

func (l *zapLogger) Warnf(format string, args ...interface{}) {
	l.s.Warnf(format, args...)
}

func (l *zapLogger) Error(msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, keysAndValues...)
}

func (l *zapLogger) Errorf(format string, args ...interface{}) {
	l.s.Errorf(format, args...)
}

func (l *zapLogger) Fatal(msg string, keysAndValues ...interface{}) {
	l.s.Fatalw(msg, keysAndValues...)
}

func (l *zapLogger) Fatalf(format string, args ...interface{}) {
	l.s.Fatalf(format, args...)
}

func (l *zapLogger) With(keysAndValues ...interface{}) Logger {
	return &zapLogger{s: l.s.With(keysAndValues...)}
}

func (l *zapLogger) Sync() error {
	return l.s.Sync()
}

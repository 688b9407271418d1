package caseselect

import (
	"context"
	"io"

	"github.com/sirupsen/logrus"
)

// LogLevel log level
type LogLevel int

const (
	Debug LogLevel = iota
	Info
	Warn
	Error
)

// Logger logger interface used across the engine. The context argument
// carries request-scoped values for implementations that want them.
type Logger interface {
	Debug(ctx context.Context, format string, args ...interface{})
	Info(ctx context.Context, format string, args ...interface{})
	Warn(ctx context.Context, format string, args ...interface{})
	Error(ctx context.Context, format string, args ...interface{})
}

// NewLogger create a Logger writing to the given output at the given level
func NewLogger(out io.Writer, level LogLevel) Logger {
	l := logrus.New()
	l.SetOutput(out)
	l.SetLevel(toLogrusLevel(level))
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05.000",
	})
	return &logrusLogger{logger: l}
}

func toLogrusLevel(level LogLevel) logrus.Level {
	switch level {
	case Debug:
		return logrus.DebugLevel
	case Info:
		return logrus.InfoLevel
	case Warn:
		return logrus.WarnLevel
	case Error:
		return logrus.ErrorLevel
	}
	return logrus.InfoLevel
}

type logrusLogger struct {
	logger *logrus.Logger
}

func (l *logrusLogger) Debug(ctx context.Context, format string, args ...interface{}) {
	l.logger.Debugf(format, args...)
}

func (l *logrusLogger) Info(ctx context.Context, format string, args ...interface{}) {
	l.logger.Infof(format, args...)
}

func (l *logrusLogger) Warn(ctx context.Context, format string, args ...interface{}) {
	l.logger.Warnf(format, args...)
}

func (l *logrusLogger) Error(ctx context.Context, format string, args ...interface{}) {
	l.logger.Errorf(format, args...)
}

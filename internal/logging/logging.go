// Package logging builds the process logger: a zap core behind log/slog.
package logging

import (
	"fmt"
	"log/slog"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/exp/zapslog"
	"go.uber.org/zap/zapcore"
)

// Logger pairs the slog front end with the zap logger that must be synced
// on exit.
type Logger struct {
	*slog.Logger
	zap   *zap.Logger
	level zap.AtomicLevel
}

// ParseLevel accepts debug, info, warn and error
func ParseLevel(level string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zapcore.DebugLevel, nil
	case "", "info":
		return zapcore.InfoLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("unknown log level %q", level)
	}
}

// New builds a production logger. format is "json" or "console".
func New(level, format string, opts ...zap.Option) (*Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}

	cfg := zap.NewProductionConfig()
	switch format {
	case "", "json":
		cfg.Encoding = "json"
	case "console":
		cfg.Encoding = "console"
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeLevel = zapcore.LowercaseLevelEncoder
	cfg.EncoderConfig.MessageKey = "message"
	cfg.EncoderConfig.LevelKey = "level"
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.CallerKey = "caller"
	cfg.EncoderConfig.StacktraceKey = "stacktrace"
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	zl, err := cfg.Build(opts...)
	if err != nil {
		return nil, err
	}
	return wrap(zl, cfg.Level), nil
}

// NewWithCore wraps an existing core, e.g. an observer in tests
func NewWithCore(core zapcore.Core) *Logger {
	return wrap(zap.New(core), zap.NewAtomicLevelAt(zapcore.DebugLevel))
}

// Nop discards everything
func Nop() *Logger {
	return wrap(zap.NewNop(), zap.NewAtomicLevelAt(zapcore.FatalLevel))
}

func wrap(zl *zap.Logger, level zap.AtomicLevel) *Logger {
	handler := zapslog.NewHandler(zl.Core(),
		zapslog.WithCaller(true),
		zapslog.AddStacktraceAt(slog.LevelError+4))
	return &Logger{
		Logger: slog.New(handler),
		zap:    zl,
		level:  level,
	}
}

// SetLevel changes the level at runtime
func (l *Logger) SetLevel(level string) error {
	lvl, err := ParseLevel(level)
	if err != nil {
		return err
	}
	l.level.SetLevel(lvl)
	return nil
}

// Zap returns the underlying zap logger
func (l *Logger) Zap() *zap.Logger {
	return l.zap
}

// Sync flushes buffered entries. Errors from syncing a terminal are
// ignored.
func (l *Logger) Sync() error {
	err := l.zap.Sync()
	if err != nil && (strings.Contains(err.Error(), "invalid argument") || strings.Contains(err.Error(), "inappropriate ioctl")) {
		return nil
	}
	return err
}

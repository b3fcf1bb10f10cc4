// Package logger provides the structured leveled logger used across the
// data layer. It wraps zap so call sites stay decoupled from the backend.
package logger

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is a leveled structured logger scoped to one component.
type Logger struct {
	sugar *zap.SugaredLogger
}

// NewDefault returns a production JSON logger at info level tagged with the
// given component name.
func NewDefault(component string) *Logger {
	l, err := New(component, "info", false)
	if err != nil {
		// The default configuration cannot fail to build; keep the signature
		// of NewDefault convenient for call sites anyway.
		panic(fmt.Sprintf("logger: build default: %v", err))
	}
	return l
}

// New builds a logger for the component at the given level. Development mode
// switches to console encoding with human-readable timestamps.
func New(component, level string, development bool) (*Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", level, err)
	}

	cfg := zap.NewProductionConfig()
	if development {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	base, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	return &Logger{sugar: base.Sugar().With("component", component)}, nil
}

// Nop returns a logger that discards everything. Intended for tests and for
// callers that opt out of logging.
func Nop() *Logger {
	return &Logger{sugar: zap.NewNop().Sugar()}
}

// With returns a child logger carrying the given key/value pairs.
func (l *Logger) With(keysAndValues ...any) *Logger {
	return &Logger{sugar: l.sugar.With(keysAndValues...)}
}

func (l *Logger) Debug(msg string, keysAndValues ...any) {
	l.sugar.Debugw(msg, keysAndValues...)
}

func (l *Logger) Info(msg string, keysAndValues ...any) {
	l.sugar.Infow(msg, keysAndValues...)
}

func (l *Logger) Warn(msg string, keysAndValues ...any) {
	l.sugar.Warnw(msg, keysAndValues...)
}

func (l *Logger) Error(msg string, keysAndValues ...any) {
	l.sugar.Errorw(msg, keysAndValues...)
}

// Fatal logs the message and exits the process. Reserved for unrecoverable
// startup failures.
func (l *Logger) Fatal(msg string, keysAndValues ...any) {
	l.sugar.Fatalw(msg, keysAndValues...)
}

// Sync flushes buffered log entries. Callers should invoke it on shutdown.
func (l *Logger) Sync() error {
	return l.sugar.Sync()
}

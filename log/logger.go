// Package log is the structured JSON logger shared by the listener, the
// session back-ends and the CLI. It wraps zap with a map-based field API so
// call sites stay short.
package log

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger writes one JSON object per entry. Every entry carries the
// component name and pid; session loggers add the session id through With.
type Logger struct {
	zap *zap.Logger
}

// ParseLevel maps a config level name to a zap level. Empty means info.
func ParseLevel(name string) (zapcore.Level, error) {
	switch strings.ToLower(name) {
	case "", "info":
		return zapcore.InfoLevel, nil
	case "debug":
		return zapcore.DebugLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	}
	return zapcore.InfoLevel, fmt.Errorf("invalid log level: %q (must be debug, info, warn, or error)", name)
}

// NewLogger logs to stderr.
func NewLogger(component string, level zapcore.Level) *Logger {
	return New(os.Stderr, component, level)
}

// New logs to w.
func New(w io.Writer, component string, level zapcore.Level) *Logger {
	enc := zapcore.NewJSONEncoder(zapcore.EncoderConfig{
		TimeKey:     "ts",
		LevelKey:    "level",
		NameKey:     "logger",
		MessageKey:  "msg",
		EncodeTime:  zapcore.RFC3339NanoTimeEncoder,
		EncodeLevel: zapcore.LowercaseLevelEncoder,
	})
	z := zap.New(zapcore.NewCore(enc, zapcore.Lock(zapcore.AddSync(w)), level)).
		With(zap.String("component", component), zap.Int("pid", os.Getpid()))
	return &Logger{zap: z}
}

// Nop discards everything.
func Nop() *Logger {
	return &Logger{zap: zap.NewNop()}
}

// zapFields sorts keys so entries are stable across runs.
func zapFields(fields map[string]any) []zap.Field {
	if len(fields) == 0 {
		return nil
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]zap.Field, len(keys))
	for i, k := range keys {
		if err, ok := fields[k].(error); ok {
			out[i] = zap.NamedError(k, err)
			continue
		}
		out[i] = zap.Any(k, fields[k])
	}
	return out
}

// With returns a child logger that adds fields to every entry.
func (l *Logger) With(fields map[string]any) *Logger {
	if l == nil {
		return Nop()
	}
	return &Logger{zap: l.zap.With(zapFields(fields)...)}
}

func (l *Logger) Debug(msg string, fields map[string]any) { l.zap.Debug(msg, zapFields(fields)...) }
func (l *Logger) Info(msg string, fields map[string]any)  { l.zap.Info(msg, zapFields(fields)...) }
func (l *Logger) Warn(msg string, fields map[string]any)  { l.zap.Warn(msg, zapFields(fields)...) }
func (l *Logger) Error(msg string, fields map[string]any) { l.zap.Error(msg, zapFields(fields)...) }

// Named returns a child logger for a subsystem. Names nest with dots and
// appear under the "logger" key.
func (l *Logger) Named(name string) *Logger {
	if l == nil {
		return Nop()
	}
	return &Logger{zap: l.zap.Named(name)}
}

// DebugEnabled reports whether Debug entries are written, so hot paths can
// skip building fields.
func (l *Logger) DebugEnabled() bool {
	return l.zap.Core().Enabled(zapcore.DebugLevel)
}

// Sync flushes buffered entries.
func (l *Logger) Sync() error {
	return l.zap.Sync()
}

// Package logger provides the process-wide logger for xwtrain.
//
// The API is printf-style (Debug/Info/Warn/Error) so call sites read the same
// everywhere in the codebase. Output is produced by a zap logger writing to
// stderr, leaving stdout free for command output (tables, JSON reports,
// rendered Dockerfiles).
package logger

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Format selects the log encoder.
type Format string

const (
	// FormatConsole is a human-readable, single-line encoder.
	FormatConsole Format = "console"

	// FormatJSON emits one JSON object per line.
	FormatJSON Format = "json"
)

var (
	mu    sync.RWMutex
	base  = newZap(zapcore.InfoLevel, FormatConsole)
	sugar = base.Sugar()
)

// Init configures the global logger.
//
// Parameters:
//   - level: One of "debug", "info", "warn", "error" (case-insensitive)
//   - format: "console" or "json"
//
// Returns:
//   - Error if the level or format is not recognized
//
// Example:
//
//	if err := logger.Init("debug", "console"); err != nil {
//	    return err
//	}
//	logger.Info("Loaded %d recipe(s)", n)
func Init(level string, format string) error {
	lvl, err := ParseLevel(level)
	if err != nil {
		return err
	}

	f := Format(strings.ToLower(strings.TrimSpace(format)))
	if f == "" {
		f = FormatConsole
	}
	if f != FormatConsole && f != FormatJSON {
		return fmt.Errorf("unsupported log format: %s", format)
	}

	SetLogger(newZap(lvl, f))
	return nil
}

// ParseLevel converts a level name into a zap level.
func ParseLevel(level string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		return zapcore.InfoLevel, nil
	case "debug":
		return zapcore.DebugLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("unsupported log level: %s", level)
	}
}

// SetLogger replaces the underlying zap logger. Tests use this with
// zaptest/observer to capture entries.
func SetLogger(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	_ = base.Sync()
	base = l
	sugar = l.Sugar()
}

// Sync flushes buffered log entries.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	_ = base.Sync()
}

// Debug logs a formatted message at debug level.
func Debug(format string, args ...interface{}) {
	current().Debugf(format, args...)
}

// Info logs a formatted message at info level.
func Info(format string, args ...interface{}) {
	current().Infof(format, args...)
}

// Warn logs a formatted message at warn level.
func Warn(format string, args ...interface{}) {
	current().Warnf(format, args...)
}

// Error logs a formatted message at error level.
func Error(format string, args ...interface{}) {
	current().Errorf(format, args...)
}

func current() *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	return sugar
}

func newZap(level zapcore.Level, format Format) *zap.Logger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.RFC3339TimeEncoder

	var encoder zapcore.Encoder
	if format == FormatJSON {
		encoder = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), level)
	return zap.New(core)
}

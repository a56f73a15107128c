// Package logging provides the structured logger every HAL9 subsystem takes
// instead of reaching for a process-global logger. It wraps log/slog with a
// small set of conveniences this repo's call sites actually use: level
// filtering, JSON/text/console formats, caller annotation, and a
// component=<name> child logger.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
)

// LogLevel represents the logging level.
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

// String returns the string representation of the log level.
func (l LogLevel) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// LogFormat represents the log output format.
type LogFormat string

const (
	FormatJSON    LogFormat = "json"
	FormatText    LogFormat = "text"
	FormatConsole LogFormat = "console"
)

// LoggerConfig configures the structured logger.
type LoggerConfig struct {
	Level  LogLevel
	Format LogFormat
	Output io.Writer

	EnableCaller     bool
	EnableStackTrace bool

	ServiceName    string
	ServiceVersion string
	Environment    string
}

// StructuredLogger provides structured logging capabilities.
type StructuredLogger struct {
	config *LoggerConfig
	logger *slog.Logger

	baseAttrs []slog.Attr
}

// NewStructuredLogger creates a new structured logger over config. A nil
// config falls back to JSON-to-stdout at info level.
func NewStructuredLogger(config *LoggerConfig) (*StructuredLogger, error) {
	if config == nil {
		config = &LoggerConfig{
			Level:        LevelInfo,
			Format:       FormatJSON,
			Output:       os.Stdout,
			EnableCaller: true,
			ServiceName:  "hal9",
			Environment:  "development",
		}
	}
	if config.Output == nil {
		config.Output = io.Discard
	}

	sl := &StructuredLogger{config: config}

	sl.baseAttrs = []slog.Attr{slog.String("service", config.ServiceName)}
	if config.ServiceVersion != "" {
		sl.baseAttrs = append(sl.baseAttrs, slog.String("version", config.ServiceVersion))
	}
	if config.Environment != "" {
		sl.baseAttrs = append(sl.baseAttrs, slog.String("environment", config.Environment))
	}

	var handler slog.Handler
	slogLevels := map[LogLevel]slog.Level{
		LevelDebug: slog.LevelDebug,
		LevelInfo:  slog.LevelInfo,
		LevelWarn:  slog.LevelWarn,
		LevelError: slog.LevelError,
	}
	opts := &slog.HandlerOptions{Level: slogLevels[config.Level], AddSource: config.EnableCaller}
	switch config.Format {
	case FormatText, FormatConsole:
		handler = slog.NewTextHandler(config.Output, opts)
	default:
		handler = slog.NewJSONHandler(config.Output, opts)
	}
	handler = handler.WithAttrs(sl.baseAttrs)

	sl.logger = slog.New(handler)
	return sl, nil
}

// Debug logs a debug message.
func (sl *StructuredLogger) Debug(msg string, fields ...slog.Attr) {
	sl.log(LevelDebug, msg, fields...)
}

// Info logs an info message.
func (sl *StructuredLogger) Info(msg string, fields ...slog.Attr) {
	sl.log(LevelInfo, msg, fields...)
}

// Warn logs a warning message.
func (sl *StructuredLogger) Warn(msg string, fields ...slog.Attr) {
	sl.log(LevelWarn, msg, fields...)
}

// Error logs an error message, tagging it with error and error_type, and a
// stack trace when EnableStackTrace is set.
func (sl *StructuredLogger) Error(msg string, err error, fields ...slog.Attr) {
	attrs := fields
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
		attrs = append(attrs, slog.String("error_type", fmt.Sprintf("%T", err)))
		if sl.config.EnableStackTrace {
			attrs = append(attrs, slog.String("stack_trace", getStackTrace()))
		}
	}
	sl.log(LevelError, msg, attrs...)
}

// WithFields returns a logger carrying fields on every subsequent entry.
func (sl *StructuredLogger) WithFields(fields ...slog.Attr) *FieldLogger {
	return &FieldLogger{logger: sl, fields: fields}
}

// Component returns a child logger tagging every entry with
// component=<name>, the convention the HAL9 subsystems that log (router,
// distrouter, server) use instead of logging through a shared global.
func (sl *StructuredLogger) Component(name string) *FieldLogger {
	return sl.WithFields(slog.String("component", name))
}

func (sl *StructuredLogger) log(level LogLevel, msg string, fields ...slog.Attr) {
	if sl.config.EnableCaller {
		if pc, file, line, ok := runtime.Caller(2); ok {
			fields = append(fields, slog.String("caller", fmt.Sprintf("%s:%d", filepath.Base(file), line)))
			if fn := runtime.FuncForPC(pc); fn != nil {
				fields = append(fields, slog.String("function", fn.Name()))
			}
		}
	}

	args := make([]any, len(fields))
	for i, field := range fields {
		args[i] = field
	}

	switch level {
	case LevelDebug:
		sl.logger.Debug(msg, args...)
	case LevelInfo:
		sl.logger.Info(msg, args...)
	case LevelWarn:
		sl.logger.Warn(msg, args...)
	case LevelError:
		sl.logger.Error(msg, args...)
	}
}

func getStackTrace() string {
	buf := make([]byte, 4096)
	n := runtime.Stack(buf, false)
	return string(buf[:n])
}

// FieldLogger wraps the structured logger with a fixed set of fields that
// are attached to every entry logged through it — the shape every HAL9
// subsystem uses via Component to tag its own log lines.
type FieldLogger struct {
	logger *StructuredLogger
	fields []slog.Attr
}

// Debug logs a debug message with the logger's fields attached.
func (fl *FieldLogger) Debug(msg string, fields ...slog.Attr) {
	fl.logger.Debug(msg, append(fl.fields, fields...)...)
}

// Info logs an info message with the logger's fields attached.
func (fl *FieldLogger) Info(msg string, fields ...slog.Attr) {
	fl.logger.Info(msg, append(fl.fields, fields...)...)
}

// Warn logs a warning message with the logger's fields attached.
func (fl *FieldLogger) Warn(msg string, fields ...slog.Attr) {
	fl.logger.Warn(msg, append(fl.fields, fields...)...)
}

// Error logs an error message with the logger's fields attached.
func (fl *FieldLogger) Error(msg string, err error, fields ...slog.Attr) {
	fl.logger.Error(msg, err, append(fl.fields, fields...)...)
}
